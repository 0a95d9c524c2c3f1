package vault

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/masking"
	"github.com/stormhq/stormvault/internal/secretstore"
)

func testService(t *testing.T) (*Service, *secretstore.Store) {
	t.Helper()
	key := make([]byte, secretstore.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	secrets, err := secretstore.New(key, secretstore.NewMemoryBlobStore())
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	svc := New(NewMemoryKeyStore(), NewMemoryIntegrationStore(), secrets, masking.DefaultPolicy(), logger)
	return svc, secrets
}

func testIdentity() domain.Identity {
	return domain.Identity{TenantID: uuid.New(), Plan: "pro"}
}

func validSpec() KeySpec {
	return KeySpec{
		Name:         "stripe production",
		ServiceName:  "stripe",
		KeyType:      domain.KeyTypeAPIKey,
		Secret:       "sk-live-abcdef123456",
		UsageContext: domain.UsageContextHeader,
		HeaderName:   "Authorization",
		Sensitivity:  domain.SensitivityPublic,
	}
}

func TestRegisterKeyStoresMaskedPreview(t *testing.T) {
	svc, secrets := testService(t)
	id := testIdentity()

	key, err := svc.RegisterKey(context.Background(), id, validSpec())
	if err != nil {
		t.Fatalf("RegisterKey: %v", err)
	}
	if key.Preview != "sk-l************3456" {
		t.Errorf("preview = %q, want masked edges", key.Preview)
	}
	if key.SecretRef == "" {
		t.Fatal("secret ref not set")
	}
	if strings.Contains(key.Preview, "abcdef") {
		t.Error("preview leaks secret material")
	}

	// The stored reference decrypts back to the original secret.
	plain, err := secrets.Decrypt(context.Background(), key.SecretRef)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "sk-live-abcdef123456" {
		t.Errorf("decrypted %q, want original secret", plain)
	}
}

func TestRegisterKeySpecValidation(t *testing.T) {
	svc, _ := testService(t)
	id := testIdentity()

	tests := []struct {
		name   string
		mutate func(*KeySpec)
	}{
		{"missing name", func(s *KeySpec) { s.Name = "" }},
		{"missing service", func(s *KeySpec) { s.ServiceName = "" }},
		{"missing secret", func(s *KeySpec) { s.Secret = "" }},
		{"bad key type", func(s *KeySpec) { s.KeyType = "password" }},
		{"header without header name", func(s *KeySpec) { s.HeaderName = "" }},
		{"header with query name", func(s *KeySpec) { s.QueryParamName = "key" }},
		{"query without query name", func(s *KeySpec) {
			s.UsageContext = domain.UsageContextQueryParam
			s.HeaderName = ""
		}},
		{"body with header name", func(s *KeySpec) { s.UsageContext = domain.UsageContextBody }},
		{"bad usage context", func(s *KeySpec) { s.UsageContext = "cookie" }},
		{"bad sensitivity", func(s *KeySpec) { s.Sensitivity = "top-secret" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec := validSpec()
			tc.mutate(&spec)
			_, err := svc.RegisterKey(context.Background(), id, spec)
			if !errors.Is(err, ErrInvalidKeySpec) {
				t.Errorf("got %v, want ErrInvalidKeySpec", err)
			}
		})
	}
}

func TestGetKeyCrossTenantReadsAsUnknown(t *testing.T) {
	svc, _ := testService(t)
	owner := testIdentity()
	other := testIdentity()

	key, err := svc.RegisterKey(context.Background(), owner, validSpec())
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.GetKey(context.Background(), other, key.ID)
	var unavailable *KeyUnavailableError
	if !errors.As(err, &unavailable) || unavailable.Reason != ReasonUnknown {
		t.Fatalf("cross-tenant get: got %v, want unavailable/unknown", err)
	}

	// Owner still reads it fine.
	if _, err := svc.GetKey(context.Background(), owner, key.ID); err != nil {
		t.Errorf("owner get: %v", err)
	}
}

func TestRotateKeyInvalidatesOldRef(t *testing.T) {
	svc, secrets := testService(t)
	id := testIdentity()

	key, err := svc.RegisterKey(context.Background(), id, validSpec())
	if err != nil {
		t.Fatal(err)
	}
	oldRef := key.SecretRef

	rotated, err := svc.RotateKey(context.Background(), id, key.ID, "sk-live-rotated9999", false)
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if rotated.ID != key.ID {
		t.Error("rotation changed the key ID")
	}
	if rotated.SecretRef == oldRef {
		t.Error("rotation kept the old secret ref")
	}
	if rotated.Preview == key.Preview {
		t.Error("rotation kept the old preview")
	}

	if _, err := secrets.Decrypt(context.Background(), oldRef); !errors.Is(err, secretstore.ErrSecretNotFound) {
		t.Errorf("old ref after rotate: got %v, want ErrSecretNotFound", err)
	}
	plain, err := secrets.Decrypt(context.Background(), rotated.SecretRef)
	if err != nil || plain != "sk-live-rotated9999" {
		t.Errorf("new ref decrypts to %q, %v", plain, err)
	}
}

func TestRotateKeyResetUsage(t *testing.T) {
	svc, _ := testService(t)
	id := testIdentity()

	key, err := svc.RegisterKey(context.Background(), id, validSpec())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := svc.TouchUsage(context.Background(), key.ID); err != nil {
			t.Fatal(err)
		}
	}

	rotated, err := svc.RotateKey(context.Background(), id, key.ID, "new-secret-value", true)
	if err != nil {
		t.Fatal(err)
	}
	if rotated.UsageCount != 0 || rotated.LastUsedAt != nil {
		t.Errorf("usage not reset: count=%d last=%v", rotated.UsageCount, rotated.LastUsedAt)
	}
}

func TestResolveForUseChecksAvailability(t *testing.T) {
	svc, _ := testService(t)
	id := testIdentity()
	ctx := context.Background()

	key, err := svc.RegisterKey(ctx, id, validSpec())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ResolveForUse(ctx, id, key.ID); err != nil {
		t.Fatalf("active key should resolve: %v", err)
	}

	if _, err := svc.SetKeyActive(ctx, id, key.ID, false); err != nil {
		t.Fatal(err)
	}
	var unavailable *KeyUnavailableError
	_, err = svc.ResolveForUse(ctx, id, key.ID)
	if !errors.As(err, &unavailable) || unavailable.Reason != ReasonInactive {
		t.Fatalf("inactive key: got %v, want unavailable/inactive", err)
	}

	if _, err := svc.SetKeyActive(ctx, id, key.ID, true); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if _, err := svc.UpdateKey(ctx, id, key.ID, KeyUpdate{ExpiresAt: &past}); err != nil {
		t.Fatal(err)
	}
	_, err = svc.ResolveForUse(ctx, id, key.ID)
	if !errors.As(err, &unavailable) || unavailable.Reason != ReasonExpired {
		t.Fatalf("expired key: got %v, want unavailable/expired", err)
	}
}

func TestDeleteKeyDiscardsSecret(t *testing.T) {
	svc, secrets := testService(t)
	id := testIdentity()
	ctx := context.Background()

	key, err := svc.RegisterKey(ctx, id, validSpec())
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteKey(ctx, id, key.ID); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}

	if _, err := secrets.Decrypt(ctx, key.SecretRef); !errors.Is(err, secretstore.ErrSecretNotFound) {
		t.Errorf("secret survives deletion: %v", err)
	}
	var unavailable *KeyUnavailableError
	if _, err := svc.GetKey(ctx, id, key.ID); !errors.As(err, &unavailable) {
		t.Errorf("deleted key still readable: %v", err)
	}
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingExecutor) ExecuteTest(context.Context, domain.Identity, uuid.UUID, TestRequest) (*TestResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return &TestResult{Success: true, StatusCode: 200}, nil
}

func TestTestKeySkipsNetworkForUnavailableKey(t *testing.T) {
	svc, _ := testService(t)
	ex := &recordingExecutor{}
	svc.WithExecutor(ex)
	id := testIdentity()
	ctx := context.Background()

	key, err := svc.RegisterKey(ctx, id, validSpec())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SetKeyActive(ctx, id, key.ID, false); err != nil {
		t.Fatal(err)
	}

	_, err = svc.TestKey(ctx, id, key.ID, TestRequest{Method: "GET", Endpoint: "https://api.stripe.com/v1/charges"})
	if !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("got %v, want ErrKeyUnavailable", err)
	}
	if ex.calls != 0 {
		t.Errorf("executor called %d times for an unavailable key", ex.calls)
	}

	if _, err := svc.SetKeyActive(ctx, id, key.ID, true); err != nil {
		t.Fatal(err)
	}
	res, err := svc.TestKey(ctx, id, key.ID, TestRequest{Method: "GET", Endpoint: "https://api.stripe.com/v1/charges"})
	if err != nil || !res.Success {
		t.Fatalf("test on available key: %v %+v", err, res)
	}
	if ex.calls != 1 {
		t.Errorf("executor calls = %d, want 1", ex.calls)
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) Emit(_ context.Context, _ uuid.UUID, event string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func TestLifecycleEventsEmitted(t *testing.T) {
	svc, _ := testService(t)
	em := &recordingEmitter{}
	svc.WithEvents(em)
	id := testIdentity()
	ctx := context.Background()

	key, err := svc.RegisterKey(ctx, id, validSpec())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RotateKey(ctx, id, key.ID, "another-secret", false); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteKey(ctx, id, key.ID); err != nil {
		t.Fatal(err)
	}

	want := []string{"key.created", "key.rotated", "key.deleted"}
	if len(em.events) != len(want) {
		t.Fatalf("events = %v, want %v", em.events, want)
	}
	for i, e := range want {
		if em.events[i] != e {
			t.Errorf("event[%d] = %q, want %q", i, em.events[i], e)
		}
	}
}

func TestExpireDueKeys(t *testing.T) {
	svc, _ := testService(t)
	em := &recordingEmitter{}
	svc.WithEvents(em)
	id := testIdentity()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	spec := validSpec()
	spec.ExpiresAt = &past
	expired, err := svc.RegisterKey(ctx, id, spec)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RegisterKey(ctx, id, validSpec()); err != nil {
		t.Fatal(err)
	}

	n, err := svc.ExpireDueKeys(ctx)
	if err != nil {
		t.Fatalf("ExpireDueKeys: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d keys, want 1", n)
	}

	got, err := svc.keys.Get(ctx, id.TenantID, expired.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsActive {
		t.Error("expired key still active")
	}

	found := false
	for _, e := range em.events {
		if e == "key.expired" {
			found = true
		}
	}
	if !found {
		t.Errorf("no key.expired event in %v", em.events)
	}

	// Second sweep finds nothing.
	if n, err := svc.ExpireDueKeys(ctx); err != nil || n != 0 {
		t.Errorf("second sweep: n=%d err=%v", n, err)
	}
}

func TestIntegrationWebhookTargets(t *testing.T) {
	svc, _ := testService(t)
	id := testIdentity()
	ctx := context.Background()

	in, err := svc.RegisterIntegration(ctx, id, IntegrationSpec{
		Name:          "billing",
		WebhookURL:    "https://hooks.example.com/billing",
		WebhookSecret: "s3cr3t",
	})
	if err != nil {
		t.Fatalf("RegisterIntegration: %v", err)
	}
	if in.WebhookSecretRef == "" {
		t.Fatal("webhook secret ref not set")
	}

	// No-webhook integration is excluded from fan-out.
	if _, err := svc.RegisterIntegration(ctx, id, IntegrationSpec{Name: "plain"}); err != nil {
		t.Fatal(err)
	}

	targets, err := svc.WebhookTargets(ctx, id.TenantID)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 {
		t.Fatalf("targets = %d, want 1", len(targets))
	}
	if targets[0].Secret != "s3cr3t" || targets[0].URL != "https://hooks.example.com/billing" {
		t.Errorf("target = %+v", targets[0])
	}

	// Deactivation removes the target.
	inactive := false
	if _, err := svc.UpdateIntegration(ctx, id, in.ID, IntegrationUpdate{IsActive: &inactive}); err != nil {
		t.Fatal(err)
	}
	targets, err = svc.WebhookTargets(ctx, id.TenantID)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 0 {
		t.Errorf("inactive integration still targeted: %+v", targets)
	}
}

func TestIntegrationWebhookURLRequiresSecret(t *testing.T) {
	svc, _ := testService(t)
	id := testIdentity()

	_, err := svc.RegisterIntegration(context.Background(), id, IntegrationSpec{
		Name:       "nosecret",
		WebhookURL: "https://hooks.example.com/x",
	})
	if !errors.Is(err, ErrInvalidKeySpec) {
		t.Errorf("got %v, want ErrInvalidKeySpec", err)
	}
}
