package sqlite

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/syncengine"
	"github.com/stormhq/stormvault/internal/vault"
	"github.com/stormhq/stormvault/internal/webhook"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "stormvault.db")}, logger)
	if err != nil {
		t.Fatalf("opening sqlite store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKeyRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	expires := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	key := &domain.ExternalServiceKey{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Name:           "payments",
		ServiceName:    "stripe",
		Description:    "live key",
		KeyType:        domain.KeyTypeBearerToken,
		SecretRef:      uuid.NewString(),
		UsageContext:   domain.UsageContextHeader,
		HeaderName:     "Authorization",
		Prefix:         "Bearer ",
		Sensitivity:    domain.SensitivityRestricted,
		Preview:        "sk-l************3456",
		IsActive:       true,
		ExpiresAt:      &expires,
		OwnerProjectID: "proj-1",
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := s.Keys().Create(ctx, key); err != nil {
		t.Fatalf("creating key: %v", err)
	}

	got, err := s.Keys().Get(ctx, tenantID, key.ID)
	if err != nil {
		t.Fatalf("getting key: %v", err)
	}
	if got.SecretRef != key.SecretRef || got.Preview != key.Preview || got.Prefix != key.Prefix {
		t.Errorf("round-trip mismatch: got %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("expires at = %v, want %v", got.ExpiresAt, expires)
	}

	// Tenant scoping.
	if _, err := s.Keys().Get(ctx, uuid.New(), key.ID); err != vault.ErrNotFound {
		t.Errorf("cross-tenant get error = %v, want ErrNotFound", err)
	}

	// Filtered list.
	keys, err := s.Keys().List(ctx, tenantID, vault.KeyFilter{ServiceName: "stripe", ActiveOnly: true})
	if err != nil {
		t.Fatalf("listing keys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("listed %d keys, want 1", len(keys))
	}
	if keys, _ := s.Keys().List(ctx, tenantID, vault.KeyFilter{ServiceName: "github"}); len(keys) != 0 {
		t.Errorf("service filter leaked %d keys", len(keys))
	}
}

func TestTouchUsageIncrements(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	key := &domain.ExternalServiceKey{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Name:           "crm",
		ServiceName:    "salesforce",
		KeyType:        domain.KeyTypeAPIKey,
		SecretRef:      uuid.NewString(),
		UsageContext:   domain.UsageContextQueryParam,
		QueryParamName: "api_key",
		Sensitivity:    domain.SensitivityConfidential,
		IsActive:       true,
	}
	if err := s.Keys().Create(ctx, key); err != nil {
		t.Fatalf("creating key: %v", err)
	}

	at := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if err := s.Keys().TouchUsage(ctx, key.ID, at); err != nil {
			t.Fatalf("touching usage: %v", err)
		}
	}

	got, err := s.Keys().Get(ctx, tenantID, key.ID)
	if err != nil {
		t.Fatalf("getting key: %v", err)
	}
	if got.UsageCount != 3 {
		t.Errorf("usage count = %d, want 3", got.UsageCount)
	}
	if got.LastUsedAt == nil {
		t.Error("last used at not stamped")
	}
}

func TestListExpiredAcrossTenants(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	for _, exp := range []*time.Time{&past, &future, nil} {
		key := &domain.ExternalServiceKey{
			ID:           uuid.New(),
			TenantID:     uuid.New(),
			Name:         "k",
			ServiceName:  "svc",
			KeyType:      domain.KeyTypeAPIKey,
			SecretRef:    uuid.NewString(),
			UsageContext: domain.UsageContextHeader,
			HeaderName:   "X-Api-Key",
			Sensitivity:  domain.SensitivityInternal,
			IsActive:     true,
			ExpiresAt:    exp,
		}
		if err := s.Keys().Create(ctx, key); err != nil {
			t.Fatalf("creating key: %v", err)
		}
	}

	due, err := s.Keys().ListExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("listing expired: %v", err)
	}
	if len(due) != 1 {
		t.Errorf("listed %d expired keys, want 1", len(due))
	}
}

func TestDeliveryDueAndPurge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenantID := uuid.New()
	integrationID := uuid.New()

	now := time.Now().UTC()
	mk := func(status domain.DeliveryStatus, next time.Time) *domain.WebhookDelivery {
		d := &domain.WebhookDelivery{
			ID:            uuid.New(),
			TenantID:      tenantID,
			IntegrationID: integrationID,
			Event:         webhook.EventKeyCreated,
			Payload:       json.RawMessage(`{"event":"key.created"}`),
			Status:        status,
			NextAttemptAt: next,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.Deliveries().Create(ctx, d); err != nil {
			t.Fatalf("creating delivery: %v", err)
		}
		return d
	}

	due := mk(domain.DeliveryPending, now.Add(-time.Minute))
	mk(domain.DeliveryFailed, now.Add(time.Hour)) // retry scheduled later
	delivered := mk(domain.DeliveryDelivered, now.Add(-time.Hour))

	got, err := s.Deliveries().ListDue(ctx, now, 50)
	if err != nil {
		t.Fatalf("listing due: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("due deliveries = %v, want only %s", got, due.ID)
	}
	if string(got[0].Payload) != `{"event":"key.created"}` {
		t.Errorf("payload round-trip = %s", got[0].Payload)
	}

	// Purge removes only terminal records older than the cutoff.
	delivered.UpdatedAt = now.Add(-48 * time.Hour)
	if err := s.Deliveries().Update(ctx, delivered); err != nil {
		t.Fatalf("updating delivery: %v", err)
	}
	removed, err := s.Deliveries().PurgeTerminalBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purging: %v", err)
	}
	if removed != 1 {
		t.Errorf("purged %d deliveries, want 1", removed)
	}
	if _, err := s.Deliveries().Get(ctx, tenantID, due.ID); err != nil {
		t.Errorf("pending delivery purged: %v", err)
	}
}

func TestSyncJobRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	job := &domain.SyncJob{
		ID:         uuid.New(),
		TenantID:   tenantID,
		EntityType: "user",
		EntityID:   "u-1",
		Direction:  domain.SyncBidirectional,
		KeyID:      uuid.New(),
		Endpoint:   "https://api.example.com/users/u-1",
		FieldMappings: []domain.FieldMapping{
			{Internal: "name", External: "full_name"},
			{Internal: "email", External: "email_address"},
		},
		ConflictResolution: domain.ConflictManual,
		Status:             domain.SyncConflict,
		ConflictFields:     []string{"name"},
	}
	if err := s.SyncJobs().Create(ctx, job); err != nil {
		t.Fatalf("creating sync job: %v", err)
	}

	got, err := s.SyncJobs().Get(ctx, tenantID, job.ID)
	if err != nil {
		t.Fatalf("getting sync job: %v", err)
	}
	if len(got.FieldMappings) != 2 || got.FieldMappings[0].External != "full_name" {
		t.Errorf("field mappings round-trip = %+v", got.FieldMappings)
	}
	if len(got.ConflictFields) != 1 || got.ConflictFields[0] != "name" {
		t.Errorf("conflict fields round-trip = %v", got.ConflictFields)
	}

	jobs, err := s.SyncJobs().List(ctx, tenantID, syncengine.JobFilter{Status: domain.SyncConflict})
	if err != nil {
		t.Fatalf("listing sync jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("listed %d conflict jobs, want 1", len(jobs))
	}
}

func TestEntityUpsertAndBaseline(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	tenantID := uuid.New()

	rec := &domain.EntityRecord{
		TenantID:   tenantID,
		EntityType: "user",
		EntityID:   "u-1",
		Fields:     map[string]any{"name": "Ada", "email": "ada@example.com"},
	}
	if err := s.Entities().Upsert(ctx, rec); err != nil {
		t.Fatalf("upserting entity: %v", err)
	}

	// Second upsert replaces fields instead of failing on the composite key.
	rec.Fields["name"] = "Ada Lovelace"
	if err := s.Entities().Upsert(ctx, rec); err != nil {
		t.Fatalf("re-upserting entity: %v", err)
	}
	got, err := s.Entities().Get(ctx, tenantID, "user", "u-1")
	if err != nil {
		t.Fatalf("getting entity: %v", err)
	}
	if got.Fields["name"] != "Ada Lovelace" {
		t.Errorf("name = %v after upsert", got.Fields["name"])
	}

	// Baseline snapshots overwrite per entity.
	if err := s.Baselines().Put(ctx, tenantID, "user", "u-1", map[string]any{"name": "Ada"}); err != nil {
		t.Fatalf("writing baseline: %v", err)
	}
	if err := s.Baselines().Put(ctx, tenantID, "user", "u-1", map[string]any{"name": "Ada Lovelace"}); err != nil {
		t.Fatalf("overwriting baseline: %v", err)
	}
	baseline, err := s.Baselines().Get(ctx, tenantID, "user", "u-1")
	if err != nil {
		t.Fatalf("getting baseline: %v", err)
	}
	if baseline["name"] != "Ada Lovelace" {
		t.Errorf("baseline name = %v", baseline["name"])
	}
}

func TestSecretBlobRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ref := uuid.NewString()
	if err := s.SecretBlobs().Put(ctx, ref, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("storing blob: %v", err)
	}
	got, err := s.SecretBlobs().Get(ctx, ref)
	if err != nil {
		t.Fatalf("getting blob: %v", err)
	}
	if len(got) != 3 || got[0] != 0x01 {
		t.Errorf("blob round-trip = %v", got)
	}
	if err := s.SecretBlobs().Delete(ctx, ref); err != nil {
		t.Fatalf("deleting blob: %v", err)
	}
	if _, err := s.SecretBlobs().Get(ctx, ref); err == nil {
		t.Error("blob still readable after delete")
	}
}
