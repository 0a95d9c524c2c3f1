package vault

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stormhq/stormvault/internal/domain"
)

// MemoryKeyStore is an in-memory KeyStore for tests and single-process
// use.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[uuid.UUID]domain.ExternalServiceKey
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[uuid.UUID]domain.ExternalServiceKey)}
}

func (m *MemoryKeyStore) Create(_ context.Context, key *domain.ExternalServiceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.ID] = *key
	return nil
}

func (m *MemoryKeyStore) Get(_ context.Context, tenantID, id uuid.UUID) (*domain.ExternalServiceKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[id]
	if !ok || key.TenantID != tenantID {
		return nil, ErrNotFound
	}
	out := key
	return &out, nil
}

func (m *MemoryKeyStore) List(_ context.Context, tenantID uuid.UUID, filter KeyFilter) ([]domain.ExternalServiceKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.ExternalServiceKey
	for _, key := range m.keys {
		if key.TenantID != tenantID {
			continue
		}
		if filter.ServiceName != "" && key.ServiceName != filter.ServiceName {
			continue
		}
		if filter.OwnerProjectID != "" && key.OwnerProjectID != filter.OwnerProjectID {
			continue
		}
		if filter.ActiveOnly && !key.IsActive {
			continue
		}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryKeyStore) Update(_ context.Context, key *domain.ExternalServiceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.ID]; !ok {
		return ErrNotFound
	}
	m.keys[key.ID] = *key
	return nil
}

func (m *MemoryKeyStore) Delete(_ context.Context, tenantID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok || key.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.keys, id)
	return nil
}

func (m *MemoryKeyStore) TouchUsage(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	key.UsageCount++
	key.LastUsedAt = &at
	m.keys[id] = key
	return nil
}

func (m *MemoryKeyStore) ListExpired(_ context.Context, now time.Time) ([]domain.ExternalServiceKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.ExternalServiceKey
	for _, key := range m.keys {
		if key.IsActive && key.Expired(now) {
			out = append(out, key)
		}
	}
	return out, nil
}

// MemoryIntegrationStore is an in-memory IntegrationStore.
type MemoryIntegrationStore struct {
	mu           sync.RWMutex
	integrations map[uuid.UUID]domain.Integration
}

func NewMemoryIntegrationStore() *MemoryIntegrationStore {
	return &MemoryIntegrationStore{integrations: make(map[uuid.UUID]domain.Integration)}
}

func (m *MemoryIntegrationStore) Create(_ context.Context, in *domain.Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.integrations[in.ID] = *in
	return nil
}

func (m *MemoryIntegrationStore) Get(_ context.Context, tenantID, id uuid.UUID) (*domain.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.integrations[id]
	if !ok || in.TenantID != tenantID {
		return nil, ErrNotFound
	}
	out := in
	return &out, nil
}

func (m *MemoryIntegrationStore) List(_ context.Context, tenantID uuid.UUID) ([]domain.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Integration
	for _, in := range m.integrations {
		if in.TenantID == tenantID {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryIntegrationStore) Update(_ context.Context, in *domain.Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.integrations[in.ID]; !ok {
		return ErrNotFound
	}
	m.integrations[in.ID] = *in
	return nil
}

func (m *MemoryIntegrationStore) Delete(_ context.Context, tenantID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.integrations[id]
	if !ok || in.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.integrations, id)
	return nil
}

func (m *MemoryIntegrationStore) ListWithWebhooks(_ context.Context, tenantID uuid.UUID) ([]domain.Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Integration
	for _, in := range m.integrations {
		if in.TenantID == tenantID && in.IsActive && in.WebhookURL != "" {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
