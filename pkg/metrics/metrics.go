package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Retry metrics
	RetryAttemptsTotal  *prometheus.CounterVec
	RetrySuccessTotal   *prometheus.CounterVec
	RetryExhaustedTotal *prometheus.CounterVec

	// Pipeline metrics
	RunsTotal     *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	ActiveRuns    prometheus.Gauge

	// Session store metrics
	SessionPrimaryHitsTotal  prometheus.Counter
	SessionFallbackHitsTotal prometheus.Counter
	SessionErrorsTotal       prometheus.Counter
	SessionEvictionsTotal    prometheus.Counter

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "fotopipeline",
		Subsystem: "",
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
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		// Retry metrics
		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_attempts_total",
				Help:      "Total number of failed operation attempts, by outcome classification",
			},
			[]string{"stage", "error_kind"},
		),
		RetrySuccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_success_total",
				Help:      "Total number of operations that succeeded after at least one retry",
			},
			[]string{"stage"},
		),
		RetryExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_exhausted_total",
				Help:      "Total number of operations that failed after all attempts were used",
			},
			[]string{"stage", "error_kind"},
		),

		// Pipeline metrics
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "runs_total",
				Help:      "Total number of pipeline runs reaching a terminal state",
			},
			[]string{"state"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "stage_duration_seconds",
				Help:      "Stage execution duration in seconds, including retries",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage", "status"},
		),
		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "active_runs",
				Help:      "Number of runs currently executing",
			},
		),

		// Session store metrics
		SessionPrimaryHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "session_primary_hits_total",
				Help:      "Total number of session operations served by the primary backend",
			},
		),
		SessionFallbackHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "session_fallback_hits_total",
				Help:      "Total number of session operations served by the local fallback",
			},
		),
		SessionErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "session_errors_total",
				Help:      "Total number of primary backend failures absorbed by the session store",
			},
		),
		SessionEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "session_evictions_total",
				Help:      "Total number of sessions evicted to honor the capacity bound",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RetryAttemptsTotal,
		m.RetrySuccessTotal,
		m.RetryExhaustedTotal,
		m.RunsTotal,
		m.StageDuration,
		m.ActiveRuns,
		m.SessionPrimaryHitsTotal,
		m.SessionFallbackHitsTotal,
		m.SessionErrorsTotal,
		m.SessionEvictionsTotal,
		m.ErrorsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordRetryAttempt records a failed attempt of a retried operation
func (m *Metrics) RecordRetryAttempt(stage, errorKind string) {
	if m.RetryAttemptsTotal == nil {
		return
	}

	m.RetryAttemptsTotal.WithLabelValues(stage, errorKind).Inc()
}

// RecordRetrySuccess records an operation that recovered after retrying
func (m *Metrics) RecordRetrySuccess(stage string) {
	if m.RetrySuccessTotal == nil {
		return
	}

	m.RetrySuccessTotal.WithLabelValues(stage).Inc()
}

// RecordRetryExhausted records an operation that used up all of its attempts
func (m *Metrics) RecordRetryExhausted(stage, errorKind string) {
	if m.RetryExhaustedTotal == nil {
		return
	}

	m.RetryExhaustedTotal.WithLabelValues(stage, errorKind).Inc()
}

// RecordRun records a run reaching a terminal state
func (m *Metrics) RecordRun(state string) {
	if m.RunsTotal == nil {
		return
	}

	m.RunsTotal.WithLabelValues(state).Inc()
}

// RecordStageDuration records stage execution metrics
func (m *Metrics) RecordStageDuration(stage, status string, duration time.Duration) {
	if m.StageDuration == nil {
		return
	}

	m.StageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// RunStarted increments the active run gauge
func (m *Metrics) RunStarted() {
	if m.ActiveRuns == nil {
		return
	}

	m.ActiveRuns.Inc()
}

// RunFinished decrements the active run gauge
func (m *Metrics) RunFinished() {
	if m.ActiveRuns == nil {
		return
	}

	m.ActiveRuns.Dec()
}

// RecordSessionPrimaryHit records a session operation served by the primary
func (m *Metrics) RecordSessionPrimaryHit() {
	if m.SessionPrimaryHitsTotal == nil {
		return
	}

	m.SessionPrimaryHitsTotal.Inc()
}

// RecordSessionFallbackHit records a session operation served by the fallback
func (m *Metrics) RecordSessionFallbackHit() {
	if m.SessionFallbackHitsTotal == nil {
		return
	}

	m.SessionFallbackHitsTotal.Inc()
}

// RecordSessionError records a primary backend failure
func (m *Metrics) RecordSessionError() {
	if m.SessionErrorsTotal == nil {
		return
	}

	m.SessionErrorsTotal.Inc()
}

// RecordSessionEvictions records sessions removed by the capacity bound
func (m *Metrics) RecordSessionEvictions(count int) {
	if m.SessionEvictionsTotal == nil || count <= 0 {
		return
	}

	m.SessionEvictionsTotal.Add(float64(count))
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
