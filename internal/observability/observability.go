// Package observability provides Prometheus metrics, OpenTelemetry
// tracing, health checks, and external error-rate monitoring for
// StormVault. All components are optional and nil-safe; when disabled,
// hooks skip recording with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stormhq/stormvault/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Any field may be nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New creates an Observability instance from config.
// Returns nil when the config is nil (all features disabled).
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}

	// Health checker (always created, checks added later during wiring).
	obs.Health = NewHealthChecker(logger)

	return obs, nil
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the OTel tracer setup or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// ObserveProxyCall feeds metrics and the anomaly detector from one
// proxied call. Satisfies the proxy's metrics hook so the facade can be
// injected directly.
func (o *Observability) ObserveProxyCall(service string, status int, kind string, d time.Duration) {
	if o == nil {
		return
	}
	o.Metrics.ObserveProxyCall(service, status, kind, d)
	if o.Anomaly != nil {
		if kind == "" {
			o.Anomaly.RecordSuccess(service)
		} else {
			o.Anomaly.RecordError(service)
		}
	}
}

// ObserveThrottled forwards one rate-limit denial.
func (o *Observability) ObserveThrottled(plan string) {
	if o == nil {
		return
	}
	o.Metrics.ObserveThrottled(plan)
}

// ObserveWebhookDelivery forwards one delivery outcome.
func (o *Observability) ObserveWebhookDelivery(event, status string) {
	if o == nil {
		return
	}
	o.Metrics.ObserveWebhookDelivery(event, status)
}

// ObserveSyncRun forwards one finished sync run.
func (o *Observability) ObserveSyncRun(direction, status string, d time.Duration) {
	if o == nil {
		return
	}
	o.Metrics.ObserveSyncRun(direction, status, d)
}
