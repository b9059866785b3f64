package ratelimit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lernia/lernia/internal/cache"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := cache.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = client.Close() })
	return NewLimiter(client, testLogger()), mr
}

func TestLimiterAllowsUpToLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result := limiter.CheckAndConsume(ctx, "u1", "/api/v1/chat", 5, time.Second)
		require.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 5, result.Limit)
		assert.Equal(t, 4-i, result.Remaining)
	}

	// The boundary request reported Remaining 0; the 6th is rejected.
	result := limiter.CheckAndConsume(ctx, "u1", "/api/v1/chat", 5, time.Second)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.False(t, result.ResetAt.IsZero())
}

func TestLimiterWindowSlides(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	base := time.Now()
	limiter.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		require.True(t, limiter.CheckAndConsume(ctx, "u1", "/e", 5, time.Second).Allowed)
	}
	require.False(t, limiter.CheckAndConsume(ctx, "u1", "/e", 5, time.Second).Allowed)

	// After the window elapses the old entries are pruned.
	limiter.now = func() time.Time { return base.Add(1100 * time.Millisecond) }
	result := limiter.CheckAndConsume(ctx, "u1", "/e", 5, time.Second)
	assert.True(t, result.Allowed)
	assert.Equal(t, 4, result.Remaining)
}

func TestLimiterRejectionLeavesStateUnchanged(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	base := time.Now()
	limiter.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		require.True(t, limiter.CheckAndConsume(ctx, "u1", "/e", 3, time.Second).Allowed)
	}
	// Repeated rejected checks do not extend the window.
	for i := 0; i < 10; i++ {
		require.False(t, limiter.CheckAndConsume(ctx, "u1", "/e", 3, time.Second).Allowed)
	}

	limiter.now = func() time.Time { return base.Add(1100 * time.Millisecond) }
	assert.True(t, limiter.CheckAndConsume(ctx, "u1", "/e", 3, time.Second).Allowed)
}

func TestLimiterIsolatesIdentityEndpointPairs(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	require.True(t, limiter.CheckAndConsume(ctx, "u1", "/a", 1, time.Minute).Allowed)
	require.False(t, limiter.CheckAndConsume(ctx, "u1", "/a", 1, time.Minute).Allowed)

	assert.True(t, limiter.CheckAndConsume(ctx, "u2", "/a", 1, time.Minute).Allowed)
	assert.True(t, limiter.CheckAndConsume(ctx, "u1", "/b", 1, time.Minute).Allowed)
}

func TestLimiterConcurrentBurstStaysBounded(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.CheckAndConsume(ctx, "u1", "/burst", 5, time.Minute).Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	// Every check observes all previously consumed requests, so a burst
	// admits exactly the limit.
	assert.EqualValues(t, 5, allowed)

	result := limiter.CheckAndConsume(ctx, "u1", "/burst", 5, time.Minute)
	assert.False(t, result.Allowed)
}

func TestLimiterFailsOpenWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := cache.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = client.Close() })
	limiter := NewLimiter(client, testLogger())

	degraded := 0
	limiter.OnDegraded(func() { degraded++ })

	mr.Close()

	result := limiter.CheckAndConsume(context.Background(), "u1", "/e", 5, time.Second)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, degraded)
}

func TestMiddlewareHeadersAndRejection(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(t)

	mw := NewMiddleware(limiter, &LimitConfig{Requests: 2, Window: time.Minute})

	r := gin.New()
	r.Use(mw.Handler())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	doReq := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		return w
	}

	w := doReq()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	doReq()
	w = doReq()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestIdentityFromContextPrefersUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/x", nil)
	c.Request.RemoteAddr = "10.0.0.9:5555"

	assert.Equal(t, "ip:10.0.0.9", IdentityFromContext(c))

	c.Set("user_id", "u7")
	assert.Equal(t, "user:u7", IdentityFromContext(c))
}
