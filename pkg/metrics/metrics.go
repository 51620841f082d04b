package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Resilience metrics
	RetryAttemptsTotal       *prometheus.CounterVec
	BreakerState             *prometheus.GaugeVec
	BreakerTransitionsTotal  *prometheus.CounterVec
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Credential metrics
	TokenOperationsTotal *prometheus.CounterVec
	TokenMigrationsTotal *prometheus.CounterVec

	// Sync metrics
	SyncOperationsTotal *prometheus.CounterVec
	SyncDuration        *prometheus.HistogramVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "profilesync",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of orchestrated operation attempts",
			},
			[]string{"operation", "outcome"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		BreakerTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"name", "to"},
		),
		RateLimitRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "rate_limit_rejections_total",
				Help:      "Total number of locally rejected calls",
			},
			[]string{"limiter"},
		),
		TokenOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "token_operations_total",
				Help:      "Total number of token cipher operations",
			},
			[]string{"operation", "format", "outcome"},
		),
		TokenMigrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "token_migrations_total",
				Help:      "Total number of legacy credential migrations",
			},
			[]string{"from_format", "outcome"},
		),
		SyncOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "sync_operations_total",
				Help:      "Total number of sync operations",
			},
			[]string{"operation", "status"},
		),
		SyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "sync_duration_seconds",
				Help:      "Sync operation duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"operation"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RetryAttemptsTotal,
		m.BreakerState,
		m.BreakerTransitionsTotal,
		m.RateLimitRejectionsTotal,
		m.TokenOperationsTotal,
		m.TokenMigrationsTotal,
		m.SyncOperationsTotal,
		m.SyncDuration,
	)

	return m
}

// RecordAttempt records the outcome of one orchestrated attempt
func (m *Metrics) RecordAttempt(operation, outcome string) {
	if m.RetryAttemptsTotal == nil {
		return
	}
	m.RetryAttemptsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordBreakerState records the current breaker state
func (m *Metrics) RecordBreakerState(name string, state float64) {
	if m.BreakerState == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(state)
}

// RecordBreakerTransition records a breaker state transition
func (m *Metrics) RecordBreakerTransition(name, to string) {
	if m.BreakerTransitionsTotal == nil {
		return
	}
	m.BreakerTransitionsTotal.WithLabelValues(name, to).Inc()
}

// RecordRateLimitRejection records a locally rejected call
func (m *Metrics) RecordRateLimitRejection(limiter string) {
	if m.RateLimitRejectionsTotal == nil {
		return
	}
	m.RateLimitRejectionsTotal.WithLabelValues(limiter).Inc()
}

// RecordTokenOperation records a token cipher operation
func (m *Metrics) RecordTokenOperation(operation, format, outcome string) {
	if m.TokenOperationsTotal == nil {
		return
	}
	m.TokenOperationsTotal.WithLabelValues(operation, format, outcome).Inc()
}

// RecordTokenMigration records a legacy credential migration
func (m *Metrics) RecordTokenMigration(fromFormat, outcome string) {
	if m.TokenMigrationsTotal == nil {
		return
	}
	m.TokenMigrationsTotal.WithLabelValues(fromFormat, outcome).Inc()
}

// RecordSync records a finished sync operation
func (m *Metrics) RecordSync(operation, status string, duration time.Duration) {
	if m.SyncOperationsTotal == nil {
		return
	}
	m.SyncOperationsTotal.WithLabelValues(operation, status).Inc()
	m.SyncDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// GinMiddleware returns a Gin middleware that records HTTP metrics
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsTotal == nil {
			c.Next()
			return
		}

		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		c.Next()

		m.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		m.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
		).Observe(time.Since(start).Seconds())
	}
}

// Handler returns a Gin handler that serves the metrics endpoint
func (m *Metrics) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
