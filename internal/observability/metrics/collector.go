package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the Prometheus series for the Lernia core.
type Collector struct {
	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitAllowed  prometheus.Counter
	RateLimitRejected prometheus.Counter
	RateLimitDegraded prometheus.Counter

	// Job metrics
	JobsTotal   *prometheus.CounterVec
	JobRetries  *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// Gateway metrics
	GatewayConnections   prometheus.Gauge
	NotificationsPushed  prometheus.Counter
	NotificationsOffline prometheus.Counter

	registry *prometheus.Registry
}

// NewCollector creates and registers the collector on its own registry so
// tests can build collectors independently.
func NewCollector() *Collector {
	c := &Collector{
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_cache_hits_total",
				Help: "Total AI response cache hits",
			},
			[]string{"capability"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_cache_misses_total",
				Help: "Total AI response cache misses",
			},
			[]string{"capability"},
		),
		RateLimitAllowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rate_limit_allowed_total",
			Help: "Requests allowed by the rate limiter",
		}),
		RateLimitRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rate_limit_rejected_total",
			Help: "Requests rejected by the rate limiter",
		}),
		RateLimitDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rate_limit_degraded_total",
			Help: "Rate limit checks that failed open due to store errors",
		}),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_total",
				Help: "Jobs reaching a terminal state",
			},
			[]string{"class", "status"},
		),
		JobRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "job_retries_total",
				Help: "Job attempts that were retried",
			},
			[]string{"class"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "job_duration_seconds",
				Help:    "Job execution duration in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"class"},
		),
		GatewayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections",
			Help: "Live gateway connections",
		}),
		NotificationsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_pushed_total",
			Help: "Notifications delivered to live connections",
		}),
		NotificationsOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_offline_total",
			Help: "Notifications spilled to the offline store",
		}),
		registry: prometheus.NewRegistry(),
	}

	c.registry.MustRegister(
		c.CacheHits, c.CacheMisses,
		c.RateLimitAllowed, c.RateLimitRejected, c.RateLimitDegraded,
		c.JobsTotal, c.JobRetries, c.JobDuration,
		c.GatewayConnections, c.NotificationsPushed, c.NotificationsOffline,
	)

	return c
}

// Handler exposes the registry for the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
