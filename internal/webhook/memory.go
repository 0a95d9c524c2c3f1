package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/vault"
)

// MemoryDeliveryStore is an in-memory DeliveryStore for tests and
// single-process use.
type MemoryDeliveryStore struct {
	mu         sync.RWMutex
	deliveries map[uuid.UUID]domain.WebhookDelivery
}

func NewMemoryDeliveryStore() *MemoryDeliveryStore {
	return &MemoryDeliveryStore{deliveries: make(map[uuid.UUID]domain.WebhookDelivery)}
}

func (m *MemoryDeliveryStore) Create(_ context.Context, d *domain.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = *d
	return nil
}

func (m *MemoryDeliveryStore) Update(_ context.Context, d *domain.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; !ok {
		return vault.ErrNotFound
	}
	m.deliveries[d.ID] = *d
	return nil
}

func (m *MemoryDeliveryStore) Get(_ context.Context, tenantID, id uuid.UUID) (*domain.WebhookDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok || d.TenantID != tenantID {
		return nil, vault.ErrNotFound
	}
	out := d
	return &out, nil
}

func (m *MemoryDeliveryStore) List(_ context.Context, tenantID uuid.UUID, filter DeliveryFilter) ([]domain.WebhookDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.WebhookDelivery
	for _, d := range m.deliveries {
		if d.TenantID != tenantID {
			continue
		}
		if filter.IntegrationID != uuid.Nil && d.IntegrationID != filter.IntegrationID {
			continue
		}
		if filter.Event != "" && d.Event != filter.Event {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryDeliveryStore) ListDue(_ context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.WebhookDelivery
	for _, d := range m.deliveries {
		switch d.Status {
		case domain.DeliveryPending, domain.DeliveryFailed:
		default:
			continue
		}
		if d.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDeliveryStore) PurgeTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, d := range m.deliveries {
		terminal := d.Status == domain.DeliveryDelivered || d.Status == domain.DeliveryExhausted
		if terminal && d.UpdatedAt.Before(cutoff) {
			delete(m.deliveries, id)
			n++
		}
	}
	return n, nil
}
