package syncengine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/proxy"
)

// fakeCaller simulates the external system behind the request proxy.
type fakeCaller struct {
	mu       sync.Mutex
	external map[string]any
	pushes   []map[string]any
	fetchErr error

	// blockFetch, when set, makes GET wait: entered is closed on entry,
	// release unblocks it. For the in-progress guard test.
	blockFetch bool
	entered    chan struct{}
	release    chan struct{}
}

func (f *fakeCaller) ExecuteJSON(_ context.Context, _ domain.Identity, _ uuid.UUID, req proxy.RequestSpec) (*proxy.Result, map[string]any, error) {
	if req.Method == http.MethodGet {
		f.mu.Lock()
		block := f.blockFetch
		f.mu.Unlock()
		if block {
			close(f.entered)
			<-f.release
		}
		if f.fetchErr != nil {
			return nil, nil, f.fetchErr
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		out := make(map[string]any, len(f.external))
		for k, v := range f.external {
			out[k] = v
		}
		return &proxy.Result{Success: true, StatusCode: 200}, out, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	push := make(map[string]any, len(req.Body))
	for k, v := range req.Body {
		push[k] = v
		f.external[k] = v
	}
	f.pushes = append(f.pushes, push)
	return &proxy.Result{Success: true, StatusCode: 200}, nil, nil
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

func testEngine(t *testing.T, caller Caller) (*Engine, *MemoryEntityStore, *recordingEmitter) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	entities := NewMemoryEntityStore()
	em := &recordingEmitter{}
	e := New(NewMemoryJobStore(), NewMemoryBaselineStore(), entities, caller, logger, WithEvents(em))
	return e, entities, em
}

func seedEntity(t *testing.T, entities *MemoryEntityStore, tenantID uuid.UUID, fields map[string]any) {
	t.Helper()
	err := entities.Upsert(context.Background(), &domain.EntityRecord{
		TenantID:   tenantID,
		EntityType: "user",
		EntityID:   "u1",
		Fields:     fields,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func pushRequest() StartRequest {
	return StartRequest{
		EntityType:         "user",
		EntityID:           "u1",
		Direction:          domain.SyncPush,
		KeyID:              uuid.New(),
		Endpoint:           "https://api.example.com/users/u1",
		FieldMappings:      nameEmailMappings,
		ConflictResolution: domain.ConflictManual,
	}
}

func TestPushSyncWritesChangedFieldsOnly(t *testing.T) {
	caller := &fakeCaller{external: map[string]any{"full_name": "Ada", "email_address": "old@example.com"}}
	e, entities, em := testEngine(t, caller)
	id := domain.Identity{TenantID: uuid.New(), Plan: "pro"}
	seedEntity(t, entities, id.TenantID, map[string]any{"name": "Ada", "email": "ada@example.com"})

	job, err := e.Start(context.Background(), id, pushRequest())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job.Status != domain.SyncCompleted {
		t.Fatalf("status = %q, error = %q", job.Status, job.Error)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Error("timestamps not stamped")
	}

	if len(caller.pushes) != 1 {
		t.Fatalf("pushes = %d, want 1", len(caller.pushes))
	}
	want := map[string]any{"email_address": "ada@example.com"}
	if !reflect.DeepEqual(caller.pushes[0], want) {
		t.Errorf("pushed %v, want only the changed field %v", caller.pushes[0], want)
	}
	if len(em.events) != 1 || em.events[0] != "sync.completed" {
		t.Errorf("events = %v", em.events)
	}
}

func TestRepeatedPushIsIdempotent(t *testing.T) {
	caller := &fakeCaller{external: map[string]any{"full_name": "Ada", "email_address": "old@example.com"}}
	e, entities, _ := testEngine(t, caller)
	id := domain.Identity{TenantID: uuid.New(), Plan: "pro"}
	seedEntity(t, entities, id.TenantID, map[string]any{"name": "Ada", "email": "ada@example.com"})

	if _, err := e.Start(context.Background(), id, pushRequest()); err != nil {
		t.Fatal(err)
	}
	job, err := e.Start(context.Background(), id, pushRequest())
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.SyncCompleted {
		t.Fatalf("second run status = %q", job.Status)
	}
	if len(caller.pushes) != 1 {
		t.Errorf("second run pushed again: %v", caller.pushes)
	}
}

func TestPullCreatesInternalRecord(t *testing.T) {
	caller := &fakeCaller{external: map[string]any{"full_name": "Ada", "email_address": "ada@example.com"}}
	e, entities, _ := testEngine(t, caller)
	id := domain.Identity{TenantID: uuid.New(), Plan: "pro"}

	req := pushRequest()
	req.Direction = domain.SyncPull
	job, err := e.Start(context.Background(), id, req)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.SyncCompleted {
		t.Fatalf("status = %q, error = %q", job.Status, job.Error)
	}

	rec, err := entities.Get(context.Background(), id.TenantID, "user", "u1")
	if err != nil {
		t.Fatalf("pulled record missing: %v", err)
	}
	if rec.Fields["name"] != "Ada" || rec.Fields["email"] != "ada@example.com" {
		t.Errorf("pulled fields = %v", rec.Fields)
	}
}

func TestManualConflictThenResolve(t *testing.T) {
	caller := &fakeCaller{external: map[string]any{"full_name": "A. Lovelace", "email_address": "ada@example.com"}}
	e, entities, em := testEngine(t, caller)
	id := domain.Identity{TenantID: uuid.New(), Plan: "pro"}
	ctx := context.Background()

	// Establish a baseline where both sides agreed on "Ada".
	seedEntity(t, entities, id.TenantID, map[string]any{"name": "Ada", "email": "ada@example.com"})
	if err := e.baselines.Put(ctx, id.TenantID, "user", "u1", map[string]any{"name": "Ada", "email": "ada@example.com"}); err != nil {
		t.Fatal(err)
	}
	// Both sides then diverged.
	seedEntity(t, entities, id.TenantID, map[string]any{"name": "Ada L.", "email": "ada@example.com"})

	req := pushRequest()
	req.Direction = domain.SyncBidirectional
	job, err := e.Start(ctx, id, req)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.SyncConflict {
		t.Fatalf("status = %q, want conflict", job.Status)
	}
	if !reflect.DeepEqual(job.ConflictFields, []string{"name"}) {
		t.Fatalf("conflict fields = %v", job.ConflictFields)
	}
	if len(caller.pushes) != 0 {
		t.Error("conflicted run wrote to the external side")
	}

	// Resolving without covering every conflicted field is rejected.
	if _, err := e.Resolve(ctx, id, job.ID, map[string]string{}); err == nil {
		t.Error("incomplete choices accepted")
	}

	resolved, err := e.Resolve(ctx, id, job.ID, map[string]string{"name": "internal"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != domain.SyncCompleted {
		t.Fatalf("resolved status = %q, error = %q", resolved.Status, resolved.Error)
	}
	if caller.external["full_name"] != "Ada L." {
		t.Errorf("chosen internal value not pushed: %v", caller.external)
	}

	// Resolving a completed job is rejected.
	if _, err := e.Resolve(ctx, id, job.ID, map[string]string{"name": "internal"}); !errors.Is(err, ErrNotResolvable) {
		t.Errorf("got %v, want ErrNotResolvable", err)
	}

	wantEvents := []string{"sync.conflict", "sync.completed"}
	if !reflect.DeepEqual(em.events, wantEvents) {
		t.Errorf("events = %v, want %v", em.events, wantEvents)
	}
}

func TestConcurrentSyncSameEntityRejected(t *testing.T) {
	caller := &fakeCaller{
		external:   map[string]any{"full_name": "Ada", "email_address": "ada@example.com"},
		blockFetch: true,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	e, entities, _ := testEngine(t, caller)
	id := domain.Identity{TenantID: uuid.New(), Plan: "pro"}
	seedEntity(t, entities, id.TenantID, map[string]any{"name": "Ada", "email": "ada@example.com"})

	done := make(chan error, 1)
	go func() {
		_, err := e.Start(context.Background(), id, pushRequest())
		done <- err
	}()

	<-caller.entered // First run is mid-fetch, guard held.
	_, err := e.Start(context.Background(), id, pushRequest())
	if !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("got %v, want ErrSyncInProgress", err)
	}

	close(caller.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Guard released: the entity can sync again.
	caller.mu.Lock()
	caller.blockFetch = false
	caller.mu.Unlock()
	if _, err := e.Start(context.Background(), id, pushRequest()); err != nil {
		t.Errorf("sync after release: %v", err)
	}
}

func TestFetchFailureFailsJob(t *testing.T) {
	caller := &fakeCaller{fetchErr: errors.New("connection refused")}
	e, entities, _ := testEngine(t, caller)
	id := domain.Identity{TenantID: uuid.New(), Plan: "pro"}
	seedEntity(t, entities, id.TenantID, map[string]any{"name": "Ada"})

	job, err := e.Start(context.Background(), id, pushRequest())
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.SyncFailed || job.Error == "" {
		t.Errorf("job = %+v", job)
	}
}

func TestPushMissingEntityFails(t *testing.T) {
	caller := &fakeCaller{external: map[string]any{}}
	e, _, _ := testEngine(t, caller)
	id := domain.Identity{TenantID: uuid.New(), Plan: "pro"}

	job, err := e.Start(context.Background(), id, pushRequest())
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.SyncFailed {
		t.Errorf("status = %q, push with no internal entity must fail", job.Status)
	}
}

func TestStartRequestValidation(t *testing.T) {
	e, _, _ := testEngine(t, &fakeCaller{external: map[string]any{}})
	id := domain.Identity{TenantID: uuid.New(), Plan: "pro"}

	tests := []struct {
		name   string
		mutate func(*StartRequest)
	}{
		{"missing entity", func(r *StartRequest) { r.EntityID = "" }},
		{"missing endpoint", func(r *StartRequest) { r.Endpoint = "" }},
		{"no mappings", func(r *StartRequest) { r.FieldMappings = nil }},
		{"bad direction", func(r *StartRequest) { r.Direction = "sideways" }},
		{"bad policy", func(r *StartRequest) { r.ConflictResolution = "coin_flip" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := pushRequest()
			tc.mutate(&req)
			if _, err := e.Start(context.Background(), id, req); err == nil {
				t.Error("invalid request accepted")
			}
		})
	}
}
