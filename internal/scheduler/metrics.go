package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the maintenance sweeper.
type Metrics struct {
	KeysExpired      prometheus.Counter
	DeliveriesPurged prometheus.Counter
	SweepDuration    prometheus.Histogram
}

// NewMetrics creates and registers sweeper metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		KeysExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stormvault",
			Subsystem: "sweeper",
			Name:      "keys_expired_total",
			Help:      "Total keys deactivated because their expiry passed.",
		}),
		DeliveriesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stormvault",
			Subsystem: "sweeper",
			Name:      "deliveries_purged_total",
			Help:      "Total terminal webhook deliveries removed past retention.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stormvault",
			Subsystem: "sweeper",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each maintenance sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.KeysExpired,
		m.DeliveriesPurged,
		m.SweepDuration,
	)

	return m
}
