package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lernia/lernia/internal/models"
	"github.com/lernia/lernia/internal/observability/metrics"
)

// DefaultResponseTTL is how long AI-generated content stays cached unless
// the caller overrides it for personalized or ephemeral content.
const DefaultResponseTTL = 24 * time.Hour

// volatileFields are stripped from request bodies before hashing so that
// semantically identical requests from different users or at different
// times dedupe to the same cache key.
var volatileFields = map[string]struct{}{
	"timestamp":  {},
	"created_at": {},
	"session_id": {},
	"sessionId":  {},
	"user_id":    {},
	"userId":     {},
	"request_id": {},
	"requestId":  {},
	"trace_id":   {},
	"nonce":      {},
}

// UsageRecorder persists usage analytics durably, outside the cache's own
// lifecycle. Both writes are best-effort from the facade's point of view.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, cacheKey, capability string, usage models.Usage) error
	RecordHit(ctx context.Context, cacheKey string, tokensSaved int, costSaved float64) error
}

// ResponseCache fronts the cache store for AI responses: canonical key
// computation, hit accounting, and durable usage records for cost
// dashboards.
type ResponseCache struct {
	store    *Store
	recorder UsageRecorder
	metrics  *metrics.Collector
	logger   *logrus.Logger
}

// NewResponseCache creates the facade. recorder may be nil when no durable
// analytics store is configured.
func NewResponseCache(store *Store, recorder UsageRecorder, logger *logrus.Logger) *ResponseCache {
	return &ResponseCache{
		store:    store,
		recorder: recorder,
		logger:   logger,
	}
}

// SetMetrics attaches the Prometheus collector. Nil leaves hit/miss
// counting disabled.
func (c *ResponseCache) SetMetrics(m *metrics.Collector) {
	c.metrics = m
}

// ComputeKey normalizes the request body by dropping volatile fields, then
// hashes the canonical JSON rendering. Map keys are emitted sorted by
// encoding/json, so equal normalized requests always collide.
func (c *ResponseCache) ComputeKey(body map[string]any) string {
	normalized := stripVolatile(body)
	data, err := json.Marshal(normalized)
	if err != nil {
		// Only unserializable values end up here; hash the empty body so
		// such requests at least get a stable key.
		data = []byte("{}")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func stripVolatile(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if _, volatile := volatileFields[k]; volatile {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = stripVolatile(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Lookup returns the cached result for key, if any. A hit triggers a
// detached best-effort analytics update that never blocks the hit path.
func (c *ResponseCache) Lookup(ctx context.Context, key string) (*models.CachedResult, bool) {
	var result models.CachedResult
	if !c.store.Get(ctx, key, &result) {
		if c.metrics != nil {
			c.metrics.CacheMisses.WithLabelValues("unknown").Inc()
		}
		return nil, false
	}
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(result.Capability).Inc()
	}

	if c.recorder != nil {
		go func(tokens int, cost float64) {
			bgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.recorder.RecordHit(bgCtx, key, tokens, cost); err != nil {
				c.logger.WithError(err).WithField("key", key).Debug("Hit analytics update failed")
			}
		}(result.TokensUsed, result.Cost)
	}

	return &result, true
}

// Store persists the result to the cache and the usage record to the
// durable analytics store. The two writes are independent: neither failure
// rolls back the other. A non-cacheable result skips the cache but still
// records usage.
func (c *ResponseCache) Store(ctx context.Context, key string, result *models.CachedResult, ttl time.Duration, usage models.Usage, cacheable bool, tags ...string) {
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}

	if cacheable {
		if ok := c.store.Set(ctx, key, result, ttl, tags...); !ok {
			c.logger.WithField("key", key).Warn("Response cache write failed")
		}
	}

	if c.recorder != nil {
		if err := c.recorder.RecordUsage(ctx, key, result.Capability, usage); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Usage record write failed")
		}
	}
}

// HitCount exposes the store's hit counter for a cached response.
func (c *ResponseCache) HitCount(ctx context.Context, key string) int64 {
	return c.store.HitCount(ctx, key)
}
