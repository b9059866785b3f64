package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Store is a key/value cache with per-entry TTL, tag indices for bulk
// invalidation, and hit-count bookkeeping. Every operation degrades rather
// than fails when Redis is unavailable: Get reports a miss, Set reports
// false, and the caller proceeds as if the cache were cold.
type Store struct {
	redis  *RedisClient
	prefix string
	logger *logrus.Logger
}

// NewStore creates a cache store. The prefix namespaces every key so
// multiple stores can share one Redis database.
func NewStore(redisClient *RedisClient, prefix string, logger *logrus.Logger) *Store {
	if prefix == "" {
		prefix = "cache"
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
		logger: logger,
	}
}

func (s *Store) entryKey(key string) string { return s.prefix + ":entry:" + key }
func (s *Store) hitsKey(key string) string  { return s.prefix + ":hits:" + key }
func (s *Store) tagKey(tag string) string   { return s.prefix + ":tag:" + tag }

// Set stores a value under key with the given TTL and associates it with
// the tags. Returns false when the backing store is unavailable.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) bool {
	data, err := json.Marshal(value)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Cache set: value not serializable")
		return false
	}

	rdb := s.redis.Client()
	pipe := rdb.TxPipeline()
	pipe.Set(ctx, s.entryKey(key), data, ttl)
	// Fresh entry starts with zero hits and shares the entry's lifetime.
	pipe.Set(ctx, s.hitsKey(key), 0, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Cache set failed, proceeding uncached")
		return false
	}

	for _, tag := range tags {
		if err := s.indexTag(ctx, tag, key, ttl); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"key": key,
				"tag": tag,
			}).Warn("Tag index update failed")
		}
	}

	return true
}

// indexTag adds key to the tag set and keeps the set alive at least as long
// as its longest-lived member.
func (s *Store) indexTag(ctx context.Context, tag, key string, ttl time.Duration) error {
	rdb := s.redis.Client()
	tk := s.tagKey(tag)

	if err := rdb.SAdd(ctx, tk, key).Err(); err != nil {
		return err
	}

	current, err := rdb.TTL(ctx, tk).Result()
	if err != nil {
		return err
	}
	if current < 0 || current < ttl {
		return rdb.Expire(ctx, tk, ttl).Err()
	}
	return nil
}

// Get reads the value stored under key into dest. Expired or missing keys
// and store outages all report a miss. A hit increments the entry's hit
// counter; a failed increment is logged and never fails the read.
func (s *Store) Get(ctx context.Context, key string, dest any) bool {
	data, err := s.redis.Client().Get(ctx, s.entryKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.WithError(err).WithField("key", key).Warn("Cache get failed, treating as miss")
		}
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Cache entry corrupt, treating as miss")
		return false
	}

	if err := s.redis.Client().Incr(ctx, s.hitsKey(key)).Err(); err != nil {
		s.logger.WithError(err).WithField("key", key).Debug("Hit count increment failed")
	}

	return true
}

// HitCount returns the number of recorded hits for key, 0 when unknown.
func (s *Store) HitCount(ctx context.Context, key string) int64 {
	n, err := s.redis.Client().Get(ctx, s.hitsKey(key)).Int64()
	if err != nil {
		return 0
	}
	return n
}

// Exists reports whether a live entry is stored under key.
func (s *Store) Exists(ctx context.Context, key string) bool {
	n, err := s.redis.Client().Exists(ctx, s.entryKey(key)).Result()
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Cache exists check failed")
		return false
	}
	return n > 0
}

// Delete removes the entry and its hit counter. Deleting an absent key is
// a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.redis.Client().Del(ctx, s.entryKey(key), s.hitsKey(key)).Err()
}

// InvalidateByTag removes every key indexed under tag plus the index itself
// and returns the number of entries removed. An unknown tag returns 0.
func (s *Store) InvalidateByTag(ctx context.Context, tag string) int {
	rdb := s.redis.Client()
	tk := s.tagKey(tag)

	members, err := rdb.SMembers(ctx, tk).Result()
	if err != nil {
		s.logger.WithError(err).WithField("tag", tag).Warn("Tag invalidation read failed")
		return 0
	}
	if len(members) == 0 {
		return 0
	}

	removed := 0
	for _, key := range members {
		n, err := rdb.Del(ctx, s.entryKey(key)).Result()
		if err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Tag invalidation delete failed")
			continue
		}
		removed += int(n)
		rdb.Del(ctx, s.hitsKey(key))
	}

	if err := rdb.Del(ctx, tk).Err(); err != nil {
		s.logger.WithError(err).WithField("tag", tag).Warn("Tag index delete failed")
	}

	s.logger.WithFields(logrus.Fields{
		"tag":     tag,
		"removed": removed,
	}).Debug("Tag invalidated")

	return removed
}
