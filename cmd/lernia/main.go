package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/lernia/lernia/internal/ai"
	"github.com/lernia/lernia/internal/analytics"
	"github.com/lernia/lernia/internal/auth"
	"github.com/lernia/lernia/internal/cache"
	"github.com/lernia/lernia/internal/config"
	"github.com/lernia/lernia/internal/gateway"
	"github.com/lernia/lernia/internal/observability/metrics"
	"github.com/lernia/lernia/internal/queue"
	"github.com/lernia/lernia/internal/ratelimit"
	"github.com/lernia/lernia/internal/server"
	"github.com/lernia/lernia/internal/worker"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg := config.Load()
	if cfg.Server.JWTSecret == "" {
		logger.Fatal("JWT_SECRET must be set")
	}

	collector := metrics.NewCollector()

	redisClient := cache.NewRedisClient(cfg)
	defer redisClient.Close()
	pingCtx, pingCancel := context.WithTimeout(context.Background(), cfg.Redis.Timeout)
	if err := redisClient.Ping(pingCtx); err != nil {
		logger.WithError(err).Warn("Redis unreachable at startup, cache and limiter run degraded until it returns")
	}
	pingCancel()

	// The analytics store is optional; without a database the facade and
	// worker run with usage recording disabled.
	var recorder cache.UsageRecorder
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.ConnTimeout)
	pool, err := analytics.NewPool(ctx, cfg)
	cancel()
	if err != nil {
		logger.WithError(err).Warn("Analytics database unavailable, usage recording disabled")
	} else {
		defer pool.Close()
		schemaCtx, schemaCancel := context.WithTimeout(context.Background(), cfg.Database.ConnTimeout)
		_, err = pool.Exec(schemaCtx, analytics.Schema)
		schemaCancel()
		if err != nil {
			logger.WithError(err).Warn("Failed to apply analytics schema")
		}
		recorder = analytics.NewStore(pool, logger)
	}

	cacheStore := cache.NewStore(redisClient, cfg.Cache.KeyPrefix, logger)
	responseCache := cache.NewResponseCache(cacheStore, recorder, logger)
	responseCache.SetMetrics(collector)

	limiter := ratelimit.NewLimiter(redisClient, logger)
	limiter.OnDegraded(func() {
		collector.RateLimitDegraded.Inc()
	})
	rateLimiter := ratelimit.NewMiddleware(limiter, &ratelimit.LimitConfig{
		Requests: cfg.RateLimit.Requests,
		Window:   cfg.RateLimit.Window,
	})
	rateLimiter.SetMetrics(collector)

	verifier := auth.NewJWTVerifier(cfg.Server.JWTSecret)

	offline := gateway.NewOfflineStore(redisClient, cfg.Gateway.OfflineCapacity, cfg.Gateway.OfflineTTL, logger)
	hub := gateway.NewHub(offline, logger)
	hub.SetMetrics(collector)
	wsHandler := gateway.NewWSHandler(hub, verifier, cfg.Gateway, logger)

	jobQueue := queue.NewJobQueue(queue.ConfigFromApp(cfg), logger)
	aiClient := ai.NewHTTPClient(cfg, logger)

	workerPool := worker.NewPool(
		worker.ConfigFromApp(cfg),
		jobQueue,
		aiClient,
		responseCache,
		hub,
		nil,
		collector,
		logger,
	)
	if err := workerPool.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start worker pool")
	}

	srv := server.New(cfg, jobQueue, hub, wsHandler, verifier, rateLimiter, redisClient, collector, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Fatal("Server failed")
		}
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP shutdown failed")
	}

	workerPool.Stop()
	logger.Info("Shutdown complete")
}
