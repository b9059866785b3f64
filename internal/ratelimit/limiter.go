package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/lernia/lernia/internal/cache"
)

// Result contains the outcome of a rate limit check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Limit     int       `json:"limit"`
}

// Limiter enforces per-(identity, endpoint) sliding-window limits backed by
// Redis sorted sets. Each accepted request is recorded as a timestamped
// member; stale members are pruned on every check. When Redis is down the
// limiter fails open so the protected endpoint stays available.
type Limiter struct {
	redis  *cache.RedisClient
	logger *logrus.Logger

	// seq disambiguates members recorded within the same clock reading.
	seq uint64

	// now is a hook for tests.
	now func() time.Time

	// onDegraded is invoked once per fail-open decision, for metrics.
	onDegraded func()
}

// consumeScript prunes, counts and conditionally records in one atomic call
// so concurrent checks on the same key serialize: each check observes every
// previously consumed request.
var consumeScript = redis.NewScript(`
local cutoff = ARGV[1]
local now = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local window = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, cutoff)
local count = redis.call('ZCARD', KEYS[1])
if count >= max then
	local reset = now + window
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	if oldest[2] then
		reset = tonumber(oldest[2]) + window
	end
	return {0, 0, reset}
end
redis.call('ZADD', KEYS[1], now, ARGV[5])
redis.call('PEXPIRE', KEYS[1], window)
return {1, max - count - 1, now + window}
`)

// NewLimiter creates a sliding-window limiter.
func NewLimiter(redisClient *cache.RedisClient, logger *logrus.Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
	}
}

// OnDegraded registers a callback fired whenever a check fails open.
func (l *Limiter) OnDegraded(fn func()) {
	l.onDegraded = fn
}

func windowKey(identity, endpoint string) string {
	return "ratelimit:" + identity + ":" + endpoint
}

var errBadScriptReply = errors.New("unexpected rate limit script reply")

// CheckAndConsume prunes the window, then either records the current
// request (allowed) or leaves state unchanged (rejected), in a single
// atomic script call. The request that brings the count exactly to
// maxRequests is still allowed; the next one within the window is rejected.
func (l *Limiter) CheckAndConsume(ctx context.Context, identity, endpoint string, maxRequests int, window time.Duration) Result {
	key := windowKey(identity, endpoint)
	now := l.now()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(atomic.AddUint64(&l.seq, 1), 10)

	raw, err := consumeScript.Run(ctx, l.redis.Client(), []string{key},
		strconv.FormatInt(now.Add(-window).UnixMilli(), 10),
		now.UnixMilli(),
		maxRequests,
		window.Milliseconds(),
		member,
	).Result()
	if err != nil {
		return l.failOpen(identity, endpoint, maxRequests, now, window, err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return l.failOpen(identity, endpoint, maxRequests, now, window, errBadScriptReply)
	}
	allowed, okA := vals[0].(int64)
	remaining, okR := vals[1].(int64)
	resetMs, okT := vals[2].(int64)
	if !okA || !okR || !okT {
		return l.failOpen(identity, endpoint, maxRequests, now, window, errBadScriptReply)
	}

	return Result{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   time.UnixMilli(resetMs),
		Limit:     maxRequests,
	}
}

// failOpen allows the request when the backing store is unavailable.
// Availability of the protected endpoint wins over quota precision.
func (l *Limiter) failOpen(identity, endpoint string, maxRequests int, now time.Time, window time.Duration, err error) Result {
	l.logger.WithError(err).WithFields(logrus.Fields{
		"identity": identity,
		"endpoint": endpoint,
	}).Warn("Rate limit store unavailable, failing open")

	if l.onDegraded != nil {
		l.onDegraded()
	}

	return Result{
		Allowed:   true,
		Remaining: maxRequests,
		ResetAt:   now.Add(window),
		Limit:     maxRequests,
	}
}
