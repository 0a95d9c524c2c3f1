// Package syncengine synchronizes internal entity records with external
// systems over vaulted credentials. Every run is a three-way comparison
// against the baseline snapshot from the last completed sync, so a
// repeated sync with no changes writes nothing to either side.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/proxy"
	"github.com/stormhq/stormvault/internal/vault"
)

// ErrSyncInProgress is returned when a sync for the same entity is
// already running.
var ErrSyncInProgress = errors.New("sync already in progress for entity")

// ErrNotResolvable is returned by Resolve on jobs not in conflict.
var ErrNotResolvable = errors.New("job is not awaiting conflict resolution")

// ErrExternalFetch is returned when the external side cannot be read.
var ErrExternalFetch = errors.New("external fetch failed")

// JobFilter narrows job listings.
type JobFilter struct {
	EntityType string
	Status     domain.SyncStatus
	Limit      int
}

// JobStore persists sync jobs.
type JobStore interface {
	Create(ctx context.Context, j *domain.SyncJob) error
	Update(ctx context.Context, j *domain.SyncJob) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.SyncJob, error)
	List(ctx context.Context, tenantID uuid.UUID, filter JobFilter) ([]domain.SyncJob, error)
}

// BaselineStore persists the field snapshot taken at the end of each
// completed sync, keyed by (tenant, entity type, entity ID). Values are
// keyed by internal field name.
type BaselineStore interface {
	Get(ctx context.Context, tenantID uuid.UUID, entityType, entityID string) (map[string]any, error)
	Put(ctx context.Context, tenantID uuid.UUID, entityType, entityID string, fields map[string]any) error
}

// EntityStore persists internal entity records.
type EntityStore interface {
	Get(ctx context.Context, tenantID uuid.UUID, entityType, entityID string) (*domain.EntityRecord, error)
	Upsert(ctx context.Context, rec *domain.EntityRecord) error
	List(ctx context.Context, tenantID uuid.UUID, entityType string) ([]domain.EntityRecord, error)
	Delete(ctx context.Context, tenantID uuid.UUID, entityType, entityID string) error
}

// Caller executes credentialed calls against the external system.
// Implemented by the secure request proxy, so sync traffic shares the
// proxy's rate limits and usage accounting.
type Caller interface {
	ExecuteJSON(ctx context.Context, id domain.Identity, keyID uuid.UUID, req proxy.RequestSpec) (*proxy.Result, map[string]any, error)
}

// Emitter receives sync lifecycle events for webhook fan-out.
type Emitter interface {
	Emit(ctx context.Context, tenantID uuid.UUID, event string, data map[string]any)
}

// Metrics is the observability hook for sync runs.
type Metrics interface {
	ObserveSyncRun(direction, status string, d time.Duration)
}

// StartRequest describes one sync run.
type StartRequest struct {
	EntityType         string
	EntityID           string
	Direction          domain.SyncDirection
	KeyID              uuid.UUID
	Endpoint           string
	FieldMappings      []domain.FieldMapping
	ConflictResolution domain.ConflictResolution
}

func (r *StartRequest) validate() error {
	if r.EntityType == "" || r.EntityID == "" {
		return errors.New("entity_type and entity_id are required")
	}
	if r.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if len(r.FieldMappings) == 0 {
		return errors.New("at least one field mapping is required")
	}
	switch r.Direction {
	case domain.SyncPush, domain.SyncPull, domain.SyncBidirectional:
	default:
		return fmt.Errorf("unknown direction %q", r.Direction)
	}
	switch r.ConflictResolution {
	case "", domain.ConflictExternalWins, domain.ConflictInternalWins,
		domain.ConflictMerge, domain.ConflictManual:
	default:
		return fmt.Errorf("unknown conflict resolution %q", r.ConflictResolution)
	}
	return nil
}

type inflightKey struct {
	tenantID   uuid.UUID
	entityType string
	entityID   string
}

// Engine runs sync jobs.
type Engine struct {
	jobs      JobStore
	baselines BaselineStore
	entities  EntityStore
	caller    Caller
	logger    *slog.Logger
	events    Emitter
	metrics   Metrics
	now       func() time.Time

	mu       sync.Mutex
	inflight map[inflightKey]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvents attaches the webhook dispatcher for sync events.
func WithEvents(ev Emitter) Option {
	return func(e *Engine) { e.events = ev }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the engine's time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a sync engine.
func New(jobs JobStore, baselines BaselineStore, entities EntityStore, caller Caller, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		jobs:      jobs,
		baselines: baselines,
		entities:  entities,
		caller:    caller,
		logger:    logger,
		now:       time.Now,
		inflight:  make(map[inflightKey]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates a job and runs it to a terminal state. Concurrent syncs
// for the same entity are rejected with ErrSyncInProgress; the inflight
// guard is held for the full run and always released.
func (e *Engine) Start(ctx context.Context, id domain.Identity, req StartRequest) (*domain.SyncJob, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	key := inflightKey{tenantID: id.TenantID, entityType: req.EntityType, entityID: req.EntityID}
	e.mu.Lock()
	if _, busy := e.inflight[key]; busy {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	e.inflight[key] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
	}()

	policy := req.ConflictResolution
	if policy == "" {
		policy = domain.ConflictManual
	}
	now := e.now().UTC()
	job := &domain.SyncJob{
		ID:                 domain.NewID(),
		TenantID:           id.TenantID,
		EntityType:         req.EntityType,
		EntityID:           req.EntityID,
		Direction:          req.Direction,
		KeyID:              req.KeyID,
		Endpoint:           req.Endpoint,
		FieldMappings:      req.FieldMappings,
		ConflictResolution: policy,
		Status:             domain.SyncPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("creating sync job: %w", err)
	}

	e.run(ctx, id, job, nil)
	return job, nil
}

// Resolve resumes a conflicted job with explicit per-field choices
// ("internal" or "external", keyed by internal field name). The external
// side is re-fetched so the resolution applies to current data.
func (e *Engine) Resolve(ctx context.Context, id domain.Identity, jobID uuid.UUID, choices map[string]string) (*domain.SyncJob, error) {
	job, err := e.jobs.Get(ctx, id.TenantID, jobID)
	if err != nil {
		return nil, fmt.Errorf("getting sync job: %w", err)
	}
	if job.Status != domain.SyncConflict {
		return nil, ErrNotResolvable
	}
	for _, field := range job.ConflictFields {
		choice, ok := choices[field]
		if !ok {
			return nil, fmt.Errorf("missing choice for conflicted field %q", field)
		}
		if choice != "internal" && choice != "external" {
			return nil, fmt.Errorf("choice for %q must be internal or external, got %q", field, choice)
		}
	}

	key := inflightKey{tenantID: id.TenantID, entityType: job.EntityType, entityID: job.EntityID}
	e.mu.Lock()
	if _, busy := e.inflight[key]; busy {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	e.inflight[key] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
	}()

	e.run(ctx, id, job, choices)
	return job, nil
}

// GetJob returns one job within the tenant's scope.
func (e *Engine) GetJob(ctx context.Context, id domain.Identity, jobID uuid.UUID) (*domain.SyncJob, error) {
	return e.jobs.Get(ctx, id.TenantID, jobID)
}

// ListJobs returns the tenant's jobs matching the filter.
func (e *Engine) ListJobs(ctx context.Context, id domain.Identity, filter JobFilter) ([]domain.SyncJob, error) {
	return e.jobs.List(ctx, id.TenantID, filter)
}

func (e *Engine) run(ctx context.Context, id domain.Identity, job *domain.SyncJob, choices map[string]string) {
	started := e.now().UTC()
	job.Status = domain.SyncRunning
	job.StartedAt = &started
	job.ConflictFields = nil
	job.Error = ""
	job.UpdatedAt = started
	if err := e.jobs.Update(ctx, job); err != nil {
		e.logger.Error("marking sync job running failed", slog.String("error", err.Error()))
	}

	if err := e.execute(ctx, id, job, choices); err != nil {
		e.finish(ctx, job, domain.SyncFailed, err.Error())
		return
	}
	if len(job.ConflictFields) > 0 {
		e.finish(ctx, job, domain.SyncConflict, "")
		return
	}
	e.finish(ctx, job, domain.SyncCompleted, "")
}

func (e *Engine) execute(ctx context.Context, id domain.Identity, job *domain.SyncJob, choices map[string]string) error {
	internal, err := e.internalFields(ctx, id, job)
	if err != nil {
		return err
	}

	external, err := e.fetchExternal(ctx, id, job)
	if err != nil {
		return err
	}

	baseline, err := e.baselines.Get(ctx, id.TenantID, job.EntityType, job.EntityID)
	if err != nil && !errors.Is(err, vault.ErrNotFound) {
		return fmt.Errorf("loading baseline: %w", err)
	}

	diffs := Compare(internal, external, baseline, job.FieldMappings)
	plan := Resolve(diffs, job.Direction, job.ConflictResolution, choices)

	if len(plan.Conflicts) > 0 {
		job.ConflictFields = plan.Conflicts
		return nil
	}

	if len(plan.ExternalUpdates) > 0 {
		if err := e.pushExternal(ctx, id, job, plan.ExternalUpdates); err != nil {
			return err
		}
	}
	if len(plan.InternalUpdates) > 0 {
		if err := e.applyInternal(ctx, id, job, internal, plan.InternalUpdates); err != nil {
			return err
		}
	}

	// The baseline records the agreed state both sides now hold.
	snapshot := make(map[string]any, len(job.FieldMappings))
	for _, m := range job.FieldMappings {
		if v, ok := plan.InternalUpdates[m.Internal]; ok {
			snapshot[m.Internal] = v
			continue
		}
		snapshot[m.Internal] = internal[m.Internal]
	}
	if err := e.baselines.Put(ctx, id.TenantID, job.EntityType, job.EntityID, snapshot); err != nil {
		return fmt.Errorf("storing baseline: %w", err)
	}
	return nil
}

func (e *Engine) internalFields(ctx context.Context, id domain.Identity, job *domain.SyncJob) (map[string]any, error) {
	rec, err := e.entities.Get(ctx, id.TenantID, job.EntityType, job.EntityID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			if job.Direction == domain.SyncPull || job.Direction == domain.SyncBidirectional {
				// Pull may create the record; start from nothing.
				return map[string]any{}, nil
			}
			return nil, fmt.Errorf("internal entity %s/%s not found", job.EntityType, job.EntityID)
		}
		return nil, fmt.Errorf("loading internal entity: %w", err)
	}
	return rec.Fields, nil
}

func (e *Engine) fetchExternal(ctx context.Context, id domain.Identity, job *domain.SyncJob) (map[string]any, error) {
	res, decoded, err := e.caller.ExecuteJSON(ctx, id, job.KeyID, proxy.RequestSpec{
		Method:     http.MethodGet,
		Endpoint:   job.Endpoint,
		Idempotent: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExternalFetch, err)
	}
	if !res.Success {
		return nil, fmt.Errorf("%w: external service returned %d", ErrExternalFetch, res.StatusCode)
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	return decoded, nil
}

func (e *Engine) pushExternal(ctx context.Context, id domain.Identity, job *domain.SyncJob, updates map[string]any) error {
	body := make(map[string]any, len(updates))
	for k, v := range updates {
		body[k] = v
	}
	res, _, err := e.caller.ExecuteJSON(ctx, id, job.KeyID, proxy.RequestSpec{
		Method:     http.MethodPatch,
		Endpoint:   job.Endpoint,
		Body:       body,
		Idempotent: true,
	})
	if err != nil {
		return fmt.Errorf("pushing external updates: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("external write returned %d", res.StatusCode)
	}
	return nil
}

func (e *Engine) applyInternal(ctx context.Context, id domain.Identity, job *domain.SyncJob, current, updates map[string]any) error {
	rec, err := e.entities.Get(ctx, id.TenantID, job.EntityType, job.EntityID)
	if err != nil {
		if !errors.Is(err, vault.ErrNotFound) {
			return fmt.Errorf("loading internal entity: %w", err)
		}
		rec = &domain.EntityRecord{
			TenantID:   id.TenantID,
			EntityType: job.EntityType,
			EntityID:   job.EntityID,
			Fields:     map[string]any{},
			CreatedAt:  e.now().UTC(),
		}
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]any, len(updates))
	}
	for k, v := range updates {
		rec.Fields[k] = v
		current[k] = v
	}
	rec.UpdatedAt = e.now().UTC()
	if err := e.entities.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("writing internal entity: %w", err)
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, job *domain.SyncJob, status domain.SyncStatus, errMsg string) {
	finished := e.now().UTC()
	job.Status = status
	job.Error = errMsg
	job.FinishedAt = &finished
	job.UpdatedAt = finished
	if err := e.jobs.Update(ctx, job); err != nil {
		e.logger.Error("finishing sync job failed", slog.String("error", err.Error()))
	}

	var elapsed time.Duration
	if job.StartedAt != nil {
		elapsed = finished.Sub(*job.StartedAt)
	}
	if e.metrics != nil {
		e.metrics.ObserveSyncRun(string(job.Direction), string(status), elapsed)
	}
	e.logger.Info("sync job finished",
		slog.String("job_id", job.ID.String()),
		slog.String("entity", job.EntityType+"/"+job.EntityID),
		slog.String("status", string(status)),
		slog.Duration("elapsed", elapsed),
	)

	if e.events == nil {
		return
	}
	switch status {
	case domain.SyncCompleted:
		e.events.Emit(ctx, job.TenantID, "sync.completed", map[string]any{
			"job_id":      job.ID.String(),
			"entity_type": job.EntityType,
			"entity_id":   job.EntityID,
			"direction":   string(job.Direction),
		})
	case domain.SyncConflict:
		e.events.Emit(ctx, job.TenantID, "sync.conflict", map[string]any{
			"job_id":          job.ID.String(),
			"entity_type":     job.EntityType,
			"entity_id":       job.EntityID,
			"conflict_fields": job.ConflictFields,
		})
	}
}
