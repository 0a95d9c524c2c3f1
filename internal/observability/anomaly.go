package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/stormhq/stormvault/internal/config"
)

// Error rates only become meaningful with a handful of observations.
const anomalyMinSamples = 5

// AnomalyDetector watches outbound-call error rates per external service
// and logs when a service's failure rate crosses the configured
// threshold. Purely advisory; it never blocks traffic.
//
// Counts are kept in coarse time buckets (window / anomalyBuckets wide)
// so memory stays bounded no matter the call volume, and each service
// alerts at most once per window to keep a flapping upstream from
// flooding the log.
type AnomalyDetector struct {
	mu       sync.Mutex
	services map[string]*serviceWindow
	cfg      *config.AnomalyConfig
	logger   *slog.Logger
	now      func() time.Time
}

const anomalyBuckets = 10

type serviceWindow struct {
	buckets   [anomalyBuckets]bucket
	lastAlert time.Time
}

type bucket struct {
	start     time.Time
	errors    float64
	successes float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		services: make(map[string]*serviceWindow),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (a *AnomalyDetector) window() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordError counts a failed outbound call and evaluates the service's
// error rate.
func (a *AnomalyDetector) RecordError(service string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(service, 1, 0)
	a.evaluate(service)
}

// RecordSuccess counts a successful outbound call.
func (a *AnomalyDetector) RecordSuccess(service string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(service, 0, 1)
}

// record adds counts to the current bucket, recycling buckets whose
// span has fallen out of the window. Callers hold a.mu.
func (a *AnomalyDetector) record(service string, errs, oks float64) {
	sw, ok := a.services[service]
	if !ok {
		sw = &serviceWindow{}
		a.services[service] = sw
	}

	now := a.now()
	span := a.window() / anomalyBuckets
	idx := int(now.UnixNano()/int64(span)) % anomalyBuckets
	b := &sw.buckets[idx]
	if now.Sub(b.start) >= span {
		*b = bucket{start: now.Truncate(span)}
	}
	b.errors += errs
	b.successes += oks
}

// evaluate logs a warning when the windowed error rate crosses the
// threshold, at most once per window per service. Callers hold a.mu.
func (a *AnomalyDetector) evaluate(service string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	sw := a.services[service]
	now := a.now()
	cutoff := now.Add(-a.window())

	var errs, total float64
	for i := range sw.buckets {
		b := sw.buckets[i]
		if b.start.Before(cutoff) {
			continue
		}
		errs += b.errors
		total += b.errors + b.successes
	}
	if total < anomalyMinSamples {
		return
	}

	rate := errs / total
	if rate <= threshold {
		return
	}
	if now.Sub(sw.lastAlert) < a.window() {
		return
	}
	sw.lastAlert = now
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high external error rate",
			slog.String("service", service),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("errors", errs),
			slog.Float64("total", total),
		)
	}
}
