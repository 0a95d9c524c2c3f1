package proxy

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/masking"
	"github.com/stormhq/stormvault/internal/ratelimit"
	"github.com/stormhq/stormvault/internal/secretstore"
	"github.com/stormhq/stormvault/internal/vault"
)

func testHarness(t *testing.T, capacity float64) (*Executor, *vault.Service, domain.Identity) {
	t.Helper()
	key := make([]byte, secretstore.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	secrets, err := secretstore.New(key, secretstore.NewMemoryBlobStore())
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := vault.New(vault.NewMemoryKeyStore(), vault.NewMemoryIntegrationStore(), secrets, masking.DefaultPolicy(), logger)
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Plans:       map[string]ratelimit.PlanLimit{"test": {Capacity: capacity, RefillPerSec: 0}},
		DefaultPlan: "test",
	})
	ex := New(v, limiter, logger, WithDefaultTimeout(5*time.Second))
	v.WithExecutor(ex)
	return ex, v, domain.Identity{TenantID: uuid.New(), Plan: "test"}
}

func registerKey(t *testing.T, v *vault.Service, id domain.Identity, spec vault.KeySpec) *domain.ExternalServiceKey {
	t.Helper()
	key, err := v.RegisterKey(context.Background(), id, spec)
	if err != nil {
		t.Fatalf("RegisterKey: %v", err)
	}
	return key
}

func headerKeySpec(secret string) vault.KeySpec {
	return vault.KeySpec{
		Name:         "svc key",
		ServiceName:  "svc",
		KeyType:      domain.KeyTypeAPIKey,
		Secret:       secret,
		UsageContext: domain.UsageContextHeader,
		HeaderName:   "X-Api-Key",
	}
}

func TestExecuteInjectsHeader(t *testing.T) {
	ex, v, id := testHarness(t, 100)
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("X-Api-Key"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	key := registerKey(t, v, id, headerKeySpec("sekret-123"))
	res, err := ex.Execute(context.Background(), id, key.ID, RequestSpec{Method: "GET", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.StatusCode != 200 {
		t.Fatalf("result = %+v", res)
	}
	if got.Load() != "sekret-123" {
		t.Errorf("header = %q, want raw secret", got.Load())
	}
	if res.ResponsePreview != `{"ok":true}` {
		t.Errorf("preview = %q", res.ResponsePreview)
	}
}

func TestExecuteBearerTokenForcesScheme(t *testing.T) {
	ex, v, id := testHarness(t, 100)
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	key := registerKey(t, v, id, vault.KeySpec{
		Name:         "bearer key",
		ServiceName:  "svc",
		KeyType:      domain.KeyTypeBearerToken,
		Secret:       "tok-abc",
		UsageContext: domain.UsageContextHeader,
		HeaderName:   "Authorization",
	})
	if _, err := ex.Execute(context.Background(), id, key.ID, RequestSpec{Method: "GET", Endpoint: srv.URL}); err != nil {
		t.Fatal(err)
	}
	if got.Load() != "Bearer tok-abc" {
		t.Errorf("Authorization = %q, want forced Bearer scheme", got.Load())
	}
}

func TestExecuteInjectsQueryParam(t *testing.T) {
	ex, v, id := testHarness(t, 100)
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.URL.Query().Get("token"))
	}))
	defer srv.Close()

	key := registerKey(t, v, id, vault.KeySpec{
		Name:           "query key",
		ServiceName:    "svc",
		KeyType:        domain.KeyTypeAPIKey,
		Secret:         "qp-secret",
		UsageContext:   domain.UsageContextQueryParam,
		QueryParamName: "token",
	})
	if _, err := ex.Execute(context.Background(), id, key.ID, RequestSpec{
		Method:      "GET",
		Endpoint:    srv.URL,
		QueryParams: map[string]string{"page": "2"},
	}); err != nil {
		t.Fatal(err)
	}
	if got.Load() != "qp-secret" {
		t.Errorf("query param = %q", got.Load())
	}
}

func TestExecuteInjectsBodyField(t *testing.T) {
	ex, v, id := testHarness(t, 100)
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.Store(string(b))
	}))
	defer srv.Close()

	key := registerKey(t, v, id, vault.KeySpec{
		Name:         "body key",
		ServiceName:  "svc",
		KeyType:      domain.KeyTypeAPIKey,
		Secret:       "body-secret",
		UsageContext: domain.UsageContextBody,
	})
	if _, err := ex.Execute(context.Background(), id, key.ID, RequestSpec{
		Method:   "POST",
		Endpoint: srv.URL,
		Body:     map[string]any{"name": "thing"},
	}); err != nil {
		t.Fatal(err)
	}
	body, _ := got.Load().(string)
	if !strings.Contains(body, `"api_key":"body-secret"`) || !strings.Contains(body, `"name":"thing"`) {
		t.Errorf("body = %q", body)
	}
}

func TestExecuteRateLimitedBeforeNetwork(t *testing.T) {
	ex, v, id := testHarness(t, 1)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	key := registerKey(t, v, id, headerKeySpec("s"))
	spec := RequestSpec{Method: "GET", Endpoint: srv.URL}

	if _, err := ex.Execute(context.Background(), id, key.ID, spec); err != nil {
		t.Fatal(err)
	}
	_, err := ex.Execute(context.Background(), id, key.ID, spec)
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatal("error does not carry the limiter decision")
	}
	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, denial must not reach the network", calls.Load())
	}
}

func TestExecuteRetriesIdempotentOnServerError(t *testing.T) {
	ex, v, id := testHarness(t, 100)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	key := registerKey(t, v, id, headerKeySpec("s"))

	res, err := ex.Execute(context.Background(), id, key.ID, RequestSpec{
		Method: "GET", Endpoint: srv.URL, Idempotent: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ErrorKind != ErrorKindServer {
		t.Fatalf("result = %+v", res)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want exactly one retry", calls.Load())
	}

	// Non-idempotent: single attempt.
	calls.Store(0)
	if _, err := ex.Execute(context.Background(), id, key.ID, RequestSpec{
		Method: "POST", Endpoint: srv.URL,
	}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("non-idempotent calls = %d, want 1", calls.Load())
	}
}

func TestExecuteNeverRetriesClientErrors(t *testing.T) {
	ex, v, id := testHarness(t, 100)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	key := registerKey(t, v, id, headerKeySpec("s"))
	res, err := ex.Execute(context.Background(), id, key.ID, RequestSpec{
		Method: "GET", Endpoint: srv.URL, Idempotent: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ErrorKind != ErrorKindClient {
		t.Errorf("kind = %q, want client_error", res.ErrorKind)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, client errors are deterministic", calls.Load())
	}
}

func TestExecutePayloadTooLarge(t *testing.T) {
	ex, v, id := testHarness(t, 100)
	key := registerKey(t, v, id, headerKeySpec("s"))

	_, err := ex.Execute(context.Background(), id, key.ID, RequestSpec{
		Method:   "POST",
		Endpoint: "http://127.0.0.1:1",
		Body:     map[string]any{"blob": strings.Repeat("x", MaxPayload+1)},
	})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("got %v, want ErrPayloadTooLarge", err)
	}
}

func TestExecuteRecordsUsageOnFailureToo(t *testing.T) {
	ex, v, id := testHarness(t, 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	key := registerKey(t, v, id, headerKeySpec("s"))
	if _, err := ex.Execute(context.Background(), id, key.ID, RequestSpec{Method: "GET", Endpoint: srv.URL}); err != nil {
		t.Fatal(err)
	}

	got, err := v.GetKey(context.Background(), id, key.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsageCount != 1 {
		t.Errorf("usage count = %d, want 1 even on a failed call", got.UsageCount)
	}
	if got.LastUsedAt == nil {
		t.Error("last used not stamped")
	}
}

func TestExecuteUnavailableKeySkipsNetwork(t *testing.T) {
	ex, v, id := testHarness(t, 100)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	key := registerKey(t, v, id, headerKeySpec("s"))
	if _, err := v.SetKeyActive(context.Background(), id, key.ID, false); err != nil {
		t.Fatal(err)
	}

	_, err := ex.Execute(context.Background(), id, key.ID, RequestSpec{Method: "GET", Endpoint: srv.URL})
	if !errors.Is(err, vault.ErrKeyUnavailable) {
		t.Fatalf("got %v, want ErrKeyUnavailable", err)
	}
	if calls.Load() != 0 {
		t.Error("inactive key reached the network")
	}
}

func TestExecuteScrubsEchoedSecret(t *testing.T) {
	ex, v, id := testHarness(t, 100)
	// The server echoes the credential header back, like a debug or
	// httpbin-style endpoint would.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"received":"` + r.Header.Get("X-Api-Key") + `"}`))
	}))
	defer srv.Close()

	const secret = "sk-live-echo-me-4242"
	key := registerKey(t, v, id, headerKeySpec(secret))
	res, err := ex.Execute(context.Background(), id, key.ID, RequestSpec{Method: "GET", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.Contains(res.ResponsePreview, secret) {
		t.Errorf("preview leaks the credential: %q", res.ResponsePreview)
	}
	if strings.Contains(string(res.Body()), secret) {
		t.Errorf("buffered body leaks the credential: %q", res.Body())
	}
	if !strings.Contains(res.ResponsePreview, "[REDACTED]") {
		t.Errorf("preview = %q, want the redaction marker", res.ResponsePreview)
	}
}

type captureMetrics struct {
	throttled atomic.Int32
	calls     atomic.Int32
}

func (m *captureMetrics) ObserveProxyCall(string, int, string, time.Duration) { m.calls.Add(1) }
func (m *captureMetrics) ObserveThrottled(string)                            { m.throttled.Add(1) }

func TestExecuteRecordsThrottledMetric(t *testing.T) {
	ex, v, id := testHarness(t, 1)
	metrics := &captureMetrics{}
	ex.metrics = metrics
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	key := registerKey(t, v, id, headerKeySpec("s"))
	spec := RequestSpec{Method: "GET", Endpoint: srv.URL}

	if _, err := ex.Execute(context.Background(), id, key.ID, spec); err != nil {
		t.Fatal(err)
	}
	if _, err := ex.Execute(context.Background(), id, key.ID, spec); !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
	if metrics.throttled.Load() != 1 {
		t.Errorf("throttled observations = %d, want 1", metrics.throttled.Load())
	}
	if metrics.calls.Load() != 1 {
		t.Errorf("call observations = %d, denials must not count as calls", metrics.calls.Load())
	}
}

func TestExecuteTruncatesPreview(t *testing.T) {
	ex, v, id := testHarness(t, 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 5000)))
	}))
	defer srv.Close()

	key := registerKey(t, v, id, headerKeySpec("s"))
	res, err := ex.Execute(context.Background(), id, key.ID, RequestSpec{Method: "GET", Endpoint: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ResponsePreview) != 200 {
		t.Errorf("preview length = %d, want 200", len(res.ResponsePreview))
	}
}
