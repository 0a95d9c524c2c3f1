package syncengine

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/vault"
)

// MemoryJobStore is an in-memory JobStore for tests and single-process
// use.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]domain.SyncJob
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[uuid.UUID]domain.SyncJob)}
}

func (m *MemoryJobStore) Create(_ context.Context, j *domain.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = *j
	return nil
}

func (m *MemoryJobStore) Update(_ context.Context, j *domain.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return vault.ErrNotFound
	}
	m.jobs[j.ID] = *j
	return nil
}

func (m *MemoryJobStore) Get(_ context.Context, tenantID, id uuid.UUID) (*domain.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, vault.ErrNotFound
	}
	out := j
	return &out, nil
}

func (m *MemoryJobStore) List(_ context.Context, tenantID uuid.UUID, filter JobFilter) ([]domain.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.SyncJob
	for _, j := range m.jobs {
		if j.TenantID != tenantID {
			continue
		}
		if filter.EntityType != "" && j.EntityType != filter.EntityType {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type baselineKey struct {
	tenantID   uuid.UUID
	entityType string
	entityID   string
}

// MemoryBaselineStore is an in-memory BaselineStore.
type MemoryBaselineStore struct {
	mu        sync.RWMutex
	baselines map[baselineKey]map[string]any
}

func NewMemoryBaselineStore() *MemoryBaselineStore {
	return &MemoryBaselineStore{baselines: make(map[baselineKey]map[string]any)}
}

func (m *MemoryBaselineStore) Get(_ context.Context, tenantID uuid.UUID, entityType, entityID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[baselineKey{tenantID, entityType, entityID}]
	if !ok {
		return nil, vault.ErrNotFound
	}
	out := make(map[string]any, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryBaselineStore) Put(_ context.Context, tenantID uuid.UUID, entityType, entityID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make(map[string]any, len(fields))
	for k, v := range fields {
		stored[k] = v
	}
	m.baselines[baselineKey{tenantID, entityType, entityID}] = stored
	return nil
}

// MemoryEntityStore is an in-memory EntityStore.
type MemoryEntityStore struct {
	mu      sync.RWMutex
	records map[baselineKey]domain.EntityRecord
}

func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{records: make(map[baselineKey]domain.EntityRecord)}
}

func (m *MemoryEntityStore) Get(_ context.Context, tenantID uuid.UUID, entityType, entityID string) (*domain.EntityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[baselineKey{tenantID, entityType, entityID}]
	if !ok {
		return nil, vault.ErrNotFound
	}
	out := rec
	out.Fields = make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		out.Fields[k] = v
	}
	return &out, nil
}

func (m *MemoryEntityStore) Upsert(_ context.Context, rec *domain.EntityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *rec
	stored.Fields = make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		stored.Fields[k] = v
	}
	m.records[baselineKey{rec.TenantID, rec.EntityType, rec.EntityID}] = stored
	return nil
}

func (m *MemoryEntityStore) List(_ context.Context, tenantID uuid.UUID, entityType string) ([]domain.EntityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.EntityRecord
	for k, rec := range m.records {
		if k.tenantID != tenantID {
			continue
		}
		if entityType != "" && k.entityType != entityType {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryEntityStore) Delete(_ context.Context, tenantID uuid.UUID, entityType, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := baselineKey{tenantID, entityType, entityID}
	if _, ok := m.records[k]; !ok {
		return vault.ErrNotFound
	}
	delete(m.records, k)
	return nil
}
