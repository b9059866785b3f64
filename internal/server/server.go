package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/lernia/lernia/internal/auth"
	"github.com/lernia/lernia/internal/cache"
	"github.com/lernia/lernia/internal/config"
	"github.com/lernia/lernia/internal/gateway"
	"github.com/lernia/lernia/internal/models"
	"github.com/lernia/lernia/internal/observability/metrics"
	"github.com/lernia/lernia/internal/queue"
	"github.com/lernia/lernia/internal/ratelimit"
)

// Server exposes the operational HTTP surface: job status, queue stats,
// offline notification drain, the websocket upgrade, metrics and health.
type Server struct {
	cfg       *config.Config
	router    *gin.Engine
	http      *http.Server
	queue     *queue.JobQueue
	hub       *gateway.Hub
	wsHandler *gateway.WSHandler
	verifier  auth.Verifier
	redis     *cache.RedisClient
	metrics   *metrics.Collector
	logger    *logrus.Logger
}

// New builds the server and its routes. collector may be nil.
func New(
	cfg *config.Config,
	jobQueue *queue.JobQueue,
	hub *gateway.Hub,
	wsHandler *gateway.WSHandler,
	verifier auth.Verifier,
	rateLimiter *ratelimit.Middleware,
	redisClient *cache.RedisClient,
	collector *metrics.Collector,
	logger *logrus.Logger,
) *Server {
	gin.SetMode(cfg.Server.Mode)

	s := &Server{
		cfg:       cfg,
		queue:     jobQueue,
		hub:       hub,
		wsHandler: wsHandler,
		verifier:  verifier,
		redis:     redisClient,
		metrics:   collector,
		logger:    logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	if cfg.Server.EnableCORS {
		router.Use(corsMiddleware(cfg.Server.CORSOrigins))
	}

	router.GET("/health", s.handleHealth)
	if collector != nil {
		router.GET("/metrics", gin.WrapH(collector.Handler()))
	}
	router.GET("/ws", wsHandler.Handle)

	api := router.Group("/api/v1")
	api.Use(s.authMiddleware())
	if rateLimiter != nil {
		api.Use(rateLimiter.Handler())
	}
	api.GET("/jobs/:id", s.handleJobStatus)
	api.GET("/queue/stats", s.handleQueueStats)
	api.POST("/notifications/drain", s.handleDrain)

	s.router = router
	s.http = &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.http.Addr).Info("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("Request handled")
	}
}

// corsMiddleware reflects configured origins and short-circuits preflight
// requests. "*" in the configured list allows any origin.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			if allowAll {
				c.Header("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware verifies the bearer token and exposes the user id to
// downstream handlers and the rate limiter.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		identity, err := s.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		c.Set("user_id", identity.UserID)
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	redisStatus := "ok"
	if err := s.redis.Ping(c.Request.Context()); err != nil {
		status = "degraded"
		redisStatus = "unavailable"
	}

	connections := s.hub.ConnectionCount()

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":      status,
		"redis":       redisStatus,
		"connections": connections,
	})
}

// handleJobStatus returns a snapshot of a job owned by the caller. Jobs
// belonging to other users are indistinguishable from unknown ids.
func (s *Server) handleJobStatus(c *gin.Context) {
	job, err := s.queue.GetJob(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	userID := c.GetString("user_id")
	if job.UserID() != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, job)
}

func (s *Server) handleQueueStats(c *gin.Context) {
	stats := s.queue.Stats()
	out := make(map[string]queue.ClassStats, len(stats))
	for class, cs := range stats {
		out[string(class)] = cs
	}
	c.JSON(http.StatusOK, gin.H{"classes": out})
}

// handleDrain atomically returns and clears the caller's offline
// notifications, oldest first.
func (s *Server) handleDrain(c *gin.Context) {
	userID := c.GetString("user_id")

	notifications, err := s.hub.DrainOffline(c.Request.Context(), userID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Offline drain failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "drain failed"})
		return
	}
	if notifications == nil {
		notifications = []models.Notification{}
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"count":         len(notifications),
	})
}
