package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/lernia/lernia/internal/config"
	"github.com/lernia/lernia/internal/models"
)

// UsageRecord is one row of durable AI usage analytics, keyed by cache key.
// Reporting dashboards read these outside this service.
type UsageRecord struct {
	CacheKey     string    `json:"cache_key"`
	Capability   string    `json:"capability"`
	TokensUsed   int       `json:"tokens_used"`
	Cost         float64   `json:"cost"`
	HitCount     int64     `json:"hit_count"`
	TokensSaved  int64     `json:"tokens_saved"`
	CostSaved    float64   `json:"cost_saved"`
	LastAccessed time.Time `json:"last_accessed"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists usage records in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
}

// NewPool connects a pgx pool using the configured database URL.
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.PoolSize)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// NewStore creates the analytics repository.
func NewStore(pool *pgxpool.Pool, logger *logrus.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// RecordUsage upserts the usage row for a cache key after an upstream call.
func (s *Store) RecordUsage(ctx context.Context, cacheKey, capability string, usage models.Usage) error {
	query := `
		INSERT INTO ai_usage_records (cache_key, capability, tokens_used, cost, hit_count, tokens_saved, cost_saved, last_accessed, created_at)
		VALUES ($1, $2, $3, $4, 0, 0, 0, now(), now())
		ON CONFLICT (cache_key) DO UPDATE SET
			tokens_used = EXCLUDED.tokens_used,
			cost = EXCLUDED.cost,
			last_accessed = now()
	`
	if _, err := s.pool.Exec(ctx, query, cacheKey, capability, usage.TokensUsed, usage.Cost); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// RecordHit increments the hit counter and the saved token/cost totals for
// a cache key that just served a response without an upstream call.
func (s *Store) RecordHit(ctx context.Context, cacheKey string, tokensSaved int, costSaved float64) error {
	query := `
		UPDATE ai_usage_records
		SET hit_count = hit_count + 1,
			tokens_saved = tokens_saved + $2,
			cost_saved = cost_saved + $3,
			last_accessed = now()
		WHERE cache_key = $1
	`
	if _, err := s.pool.Exec(ctx, query, cacheKey, tokensSaved, costSaved); err != nil {
		return fmt.Errorf("record hit: %w", err)
	}
	return nil
}

// GetRecord fetches a single usage record.
func (s *Store) GetRecord(ctx context.Context, cacheKey string) (*UsageRecord, error) {
	query := `
		SELECT cache_key, capability, tokens_used, cost, hit_count, tokens_saved, cost_saved, last_accessed, created_at
		FROM ai_usage_records
		WHERE cache_key = $1
	`
	rec := &UsageRecord{}
	err := s.pool.QueryRow(ctx, query, cacheKey).Scan(
		&rec.CacheKey, &rec.Capability, &rec.TokensUsed, &rec.Cost,
		&rec.HitCount, &rec.TokensSaved, &rec.CostSaved, &rec.LastAccessed, &rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get usage record: %w", err)
	}
	return rec, nil
}

// TopRecords returns the most frequently hit records, for cost dashboards.
func (s *Store) TopRecords(ctx context.Context, limit int) ([]*UsageRecord, error) {
	query := `
		SELECT cache_key, capability, tokens_used, cost, hit_count, tokens_saved, cost_saved, last_accessed, created_at
		FROM ai_usage_records
		ORDER BY hit_count DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query top records: %w", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		rec := &UsageRecord{}
		if err := rows.Scan(
			&rec.CacheKey, &rec.Capability, &rec.TokensUsed, &rec.Cost,
			&rec.HitCount, &rec.TokensSaved, &rec.CostSaved, &rec.LastAccessed, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Schema is the DDL for the analytics table, applied idempotently at
// startup.
const Schema = `
CREATE TABLE IF NOT EXISTS ai_usage_records (
	cache_key     TEXT PRIMARY KEY,
	capability    TEXT NOT NULL DEFAULT '',
	tokens_used   INTEGER NOT NULL DEFAULT 0,
	cost          DOUBLE PRECISION NOT NULL DEFAULT 0,
	hit_count     BIGINT NOT NULL DEFAULT 0,
	tokens_saved  BIGINT NOT NULL DEFAULT 0,
	cost_saved    DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_accessed TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
