package observability

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stormhq/stormvault/internal/config"
)

func TestMetricsCollectorRecords(t *testing.T) {
	m := NewMetricsCollector()

	m.ObserveProxyCall("stripe", 200, "", 120*time.Millisecond)
	m.ObserveProxyCall("stripe", 502, "server_error", time.Second)
	m.ObserveWebhookDelivery("key.created", "delivered")
	m.ObserveSyncRun("push", "completed", 300*time.Millisecond)
	m.ObserveThrottled("free")

	if got := testutil.ToFloat64(m.ProxyCallsTotal.WithLabelValues("stripe", "200", "")); got != 1 {
		t.Errorf("proxy calls (200) = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ProxyCallsTotal.WithLabelValues("stripe", "502", "server_error")); got != 1 {
		t.Errorf("proxy calls (502) = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.WebhookDeliveriesTotal.WithLabelValues("key.created", "delivered")); got != 1 {
		t.Errorf("webhook deliveries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SyncRunsTotal.WithLabelValues("push", "completed")); got != 1 {
		t.Errorf("sync runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ThrottledTotal.WithLabelValues("free")); got != 1 {
		t.Errorf("throttled = %v, want 1", got)
	}
}

func TestNilSafety(t *testing.T) {
	// Disabled components must be safe to call through the facade.
	var o *Observability
	o.ObserveProxyCall("svc", 200, "", time.Millisecond)
	o.ObserveWebhookDelivery("e", "delivered")
	o.ObserveSyncRun("pull", "failed", 0)
	o.Shutdown(t.Context())

	var m *MetricsCollector
	m.ObserveProxyCall("svc", 200, "", 0)

	var a *AnomalyDetector
	a.RecordError("svc")
	a.RecordSuccess("svc")
}

func TestNewFromConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	obs, err := New(nil, logger)
	if err != nil || obs != nil {
		t.Fatalf("nil config: obs=%v err=%v", obs, err)
	}

	obs, err = New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if obs.Metrics == nil || obs.Anomaly == nil || obs.Health == nil {
		t.Errorf("components missing: %+v", obs)
	}
	if obs.Tracer != nil {
		t.Error("tracer created without tracing config")
	}

	// Anomaly feed through the facade must not panic on either path.
	for i := 0; i < 10; i++ {
		obs.ObserveProxyCall("flaky", 500, "server_error", time.Millisecond)
	}
	obs.ObserveProxyCall("flaky", 200, "", time.Millisecond)
}
