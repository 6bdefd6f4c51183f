package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Payment metrics
	PaymentAttemptsTotal *prometheus.CounterVec
	ChargeDuration       *prometheus.HistogramVec
	ChargeAmountTotal    *prometheus.CounterVec

	// Recovery metrics
	IssueTransitionsTotal *prometheus.CounterVec
	EscalationsTotal      prometheus.Counter
	RetryQueueDepth       prometheus.Gauge
	LockWaitDuration      prometheus.Histogram

	// Lifecycle metrics
	InvoicesGeneratedTotal       *prometheus.CounterVec
	SubscriptionTransitionsTotal *prometheus.CounterVec

	// Delivery and worker metrics
	NotificationsTotal *prometheus.CounterVec
	WorkerErrorsTotal  *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBConnectionsWait   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dunning_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dunning_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		PaymentAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dunning_payment_attempts_total",
				Help: "Total number of gateway charge attempts",
			},
			[]string{"outcome", "stage"},
		),
		ChargeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dunning_charge_duration_seconds",
				Help:    "Gateway charge latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		ChargeAmountTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dunning_collected_amount_minor_total",
				Help: "Amount collected in minor currency units",
			},
			[]string{"currency"},
		),
		IssueTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dunning_issue_transitions_total",
				Help: "Payment issue state changes by target state",
			},
			[]string{"state"},
		),
		EscalationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dunning_escalations_total",
				Help: "Payment issues escalated to suspension",
			},
		),
		RetryQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dunning_retry_queue_depth",
				Help: "Issues due for retry at the last scheduler pass",
			},
		),
		LockWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dunning_lock_wait_seconds",
				Help:    "Time spent waiting for per-invoice locks",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		InvoicesGeneratedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dunning_invoices_generated_total",
				Help: "Invoices generated at cycle boundaries",
			},
			[]string{"currency"},
		),
		SubscriptionTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dunning_subscription_transitions_total",
				Help: "Subscription state changes",
			},
			[]string{"from", "to"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dunning_notifications_total",
				Help: "Lifecycle notifications by result",
			},
			[]string{"event", "result"},
		),
		WorkerErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dunning_worker_errors_total",
				Help: "Errors returned by background workers",
			},
			[]string{"task"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dunning_db_connections_active",
				Help: "Number of in-use database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dunning_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWait: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dunning_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PaymentAttemptsTotal,
		m.ChargeDuration,
		m.ChargeAmountTotal,
		m.IssueTransitionsTotal,
		m.EscalationsTotal,
		m.RetryQueueDepth,
		m.LockWaitDuration,
		m.InvoicesGeneratedTotal,
		m.SubscriptionTransitionsTotal,
		m.NotificationsTotal,
		m.WorkerErrorsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWait,
	)

	return m
}

// RecordAttempt counts one gateway charge.
func (m *Metrics) RecordAttempt(outcome, stage string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PaymentAttemptsTotal.WithLabelValues(outcome, stage).Inc()
	m.ChargeDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordCollected adds a successfully charged amount.
func (m *Metrics) RecordCollected(currency string, amount int64) {
	if m == nil {
		return
	}
	m.ChargeAmountTotal.WithLabelValues(currency).Add(float64(amount))
}

// RecordIssueTransition counts an issue entering a state.
func (m *Metrics) RecordIssueTransition(state string) {
	if m == nil {
		return
	}
	m.IssueTransitionsTotal.WithLabelValues(state).Inc()
	if state == "escalated" {
		m.EscalationsTotal.Inc()
	}
}

// SetRetryQueueDepth records how many issues a scheduler pass found due.
func (m *Metrics) SetRetryQueueDepth(n int) {
	if m == nil {
		return
	}
	m.RetryQueueDepth.Set(float64(n))
}

// ObserveLockWait records time spent acquiring a lock.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitDuration.Observe(d.Seconds())
}

// RecordInvoiceGenerated counts a new invoice.
func (m *Metrics) RecordInvoiceGenerated(currency string) {
	if m == nil {
		return
	}
	m.InvoicesGeneratedTotal.WithLabelValues(currency).Inc()
}

// RecordSubscriptionTransition counts a subscription state change.
func (m *Metrics) RecordSubscriptionTransition(from, to string) {
	if m == nil {
		return
	}
	m.SubscriptionTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordNotification counts a notification delivery result ("sent" or "failed").
func (m *Metrics) RecordNotification(event, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(event, result).Inc()
}

// RecordWorkerError counts an error surfaced by a worker pool.
func (m *Metrics) RecordWorkerError(task string) {
	if m == nil {
		return
	}
	m.WorkerErrorsTotal.WithLabelValues(task).Inc()
}

// UpdateDBStats copies connection pool statistics into gauges.
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWait.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// pathLabel maps a request to a bounded label, typically the matched route template.
func HTTPMetricsMiddleware(metrics *Metrics, pathLabel func(*http.Request) string) func(http.Handler) http.Handler {
	if pathLabel == nil {
		pathLabel = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := pathLabel(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
