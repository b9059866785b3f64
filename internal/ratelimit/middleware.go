package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lernia/lernia/internal/observability/metrics"
)

// LimitConfig defines the limit applied to a request path.
type LimitConfig struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(*gin.Context) string
}

// Middleware gates gin requests through the sliding-window limiter, with
// per-path overrides over a default config.
type Middleware struct {
	limiter    *Limiter
	metrics    *metrics.Collector
	mu         sync.RWMutex
	limits     map[string]*LimitConfig
	defaultCfg *LimitConfig
}

// NewMiddleware creates rate limiting middleware with the given defaults.
func NewMiddleware(limiter *Limiter, defaultCfg *LimitConfig) *Middleware {
	if defaultCfg == nil {
		defaultCfg = &LimitConfig{Requests: 100, Window: time.Minute}
	}
	if defaultCfg.KeyFunc == nil {
		defaultCfg.KeyFunc = IdentityFromContext
	}
	return &Middleware{
		limiter:    limiter,
		limits:     make(map[string]*LimitConfig),
		defaultCfg: defaultCfg,
	}
}

// SetMetrics attaches the Prometheus collector. Nil disables the limiter
// series.
func (m *Middleware) SetMetrics(c *metrics.Collector) {
	m.metrics = c
}

// AddLimit overrides the limit for a specific path.
func (m *Middleware) AddLimit(path string, cfg *LimitConfig) {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = m.defaultCfg.KeyFunc
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[path] = cfg
}

func (m *Middleware) configFor(path string) *LimitConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cfg, ok := m.limits[path]; ok {
		return cfg
	}
	return m.defaultCfg
}

// Handler returns the gin middleware function.
func (m *Middleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := m.configFor(c.FullPath())
		identity := cfg.KeyFunc(c)

		result := m.limiter.CheckAndConsume(c.Request.Context(), identity, c.FullPath(), cfg.Requests, cfg.Window)

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			if m.metrics != nil {
				m.metrics.RateLimitRejected.Inc()
			}
			retryAfter := int(time.Until(result.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		if m.metrics != nil {
			m.metrics.RateLimitAllowed.Inc()
		}
		c.Next()
	}
}

// IdentityFromContext keys the limit on the authenticated user when the
// auth layer has resolved one, falling back to the client network address.
func IdentityFromContext(c *gin.Context) string {
	if userID, ok := c.Get("user_id"); ok {
		if uid, ok := userID.(string); ok && uid != "" {
			return "user:" + uid
		}
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
