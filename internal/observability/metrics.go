package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for StormVault.
// Uses a custom registry; no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Proxied outbound call metrics.
	ProxyCallsTotal   *prometheus.CounterVec
	ProxyCallDuration *prometheus.HistogramVec

	// Rate limiter metrics.
	ThrottledTotal *prometheus.CounterVec

	// Webhook delivery metrics.
	WebhookDeliveriesTotal *prometheus.CounterVec

	// Sync engine metrics.
	SyncRunsTotal   *prometheus.CounterVec
	SyncRunDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ProxyCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormvault",
			Subsystem: "proxy",
			Name:      "calls_total",
			Help:      "Total proxied outbound calls.",
		}, []string{"service", "status_code", "error_kind"}),

		ProxyCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stormvault",
			Subsystem: "proxy",
			Name:      "call_duration_seconds",
			Help:      "Proxied call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"service"}),

		ThrottledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormvault",
			Subsystem: "ratelimit",
			Name:      "throttled_total",
			Help:      "Total requests denied by the rate limiter.",
		}, []string{"plan"}),

		WebhookDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormvault",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total webhook delivery attempts by outcome.",
		}, []string{"event", "status"}),

		SyncRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormvault",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total sync runs by direction and terminal status.",
		}, []string{"direction", "status"}),

		SyncRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stormvault",
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Sync run duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stormvault",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stormvault",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stormvault",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ProxyCallsTotal,
		m.ProxyCallDuration,
		m.ThrottledTotal,
		m.WebhookDeliveriesTotal,
		m.SyncRunsTotal,
		m.SyncRunDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveProxyCall records one proxied call. Satisfies the proxy's
// metrics hook.
func (m *MetricsCollector) ObserveProxyCall(service string, status int, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProxyCallsTotal.WithLabelValues(service, statusCode(status), kind).Inc()
	m.ProxyCallDuration.WithLabelValues(service).Observe(d.Seconds())
}

// ObserveThrottled records one rate-limit denial.
func (m *MetricsCollector) ObserveThrottled(plan string) {
	if m == nil {
		return
	}
	m.ThrottledTotal.WithLabelValues(plan).Inc()
}

// ObserveWebhookDelivery records one delivery attempt outcome. Satisfies
// the dispatcher's metrics hook.
func (m *MetricsCollector) ObserveWebhookDelivery(event, status string) {
	if m == nil {
		return
	}
	m.WebhookDeliveriesTotal.WithLabelValues(event, status).Inc()
}

// ObserveSyncRun records one finished sync run. Satisfies the sync
// engine's metrics hook.
func (m *MetricsCollector) ObserveSyncRun(direction, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SyncRunsTotal.WithLabelValues(direction, status).Inc()
	m.SyncRunDuration.WithLabelValues(direction).Observe(d.Seconds())
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
