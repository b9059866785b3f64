package cache

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/lernia/lernia/internal/config"
)

// RedisClient wraps the go-redis client used by the cache store, the rate
// limiter and the gateway's offline store.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient builds a client from configuration.
func NewRedisClient(cfg *config.Config) *RedisClient {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.Timeout,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})

	return &RedisClient{client: rdb}
}

// NewRedisClientFromAddr builds a client for a bare address. Tests use this
// to point at a miniredis instance.
func NewRedisClientFromAddr(addr string) *RedisClient {
	return &RedisClient{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Client exposes the underlying go-redis client for callers that need
// pipelines or sorted-set commands directly.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
