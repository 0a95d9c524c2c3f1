package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/vault"
)

// KeyRepository implements external service key persistence with PostgreSQL.
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository creates a KeyRepository.
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// Create persists a new service key.
func (r *KeyRepository) Create(ctx context.Context, key *domain.ExternalServiceKey) error {
	model := toKeyModel(key)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating service key: %w", err)
	}
	return nil
}

// Get retrieves a service key by ID within a tenant.
func (r *KeyRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.ExternalServiceKey, error) {
	var model KeyModel
	if err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, vault.ErrNotFound
		}
		return nil, fmt.Errorf("getting service key %s: %w", id, err)
	}
	return toKeyDomain(&model), nil
}

// List returns a tenant's service keys, newest first, with optional filters.
func (r *KeyRepository) List(ctx context.Context, tenantID uuid.UUID, filter vault.KeyFilter) ([]domain.ExternalServiceKey, error) {
	q := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Order("created_at DESC")
	if filter.ServiceName != "" {
		q = q.Where("service_name = ?", filter.ServiceName)
	}
	if filter.OwnerProjectID != "" {
		q = q.Where("owner_project_id = ?", filter.OwnerProjectID)
	}
	if filter.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}

	var models []KeyModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing service keys: %w", err)
	}
	keys := make([]domain.ExternalServiceKey, len(models))
	for i := range models {
		keys[i] = *toKeyDomain(&models[i])
	}
	return keys, nil
}

// Update persists changes to an existing service key.
func (r *KeyRepository) Update(ctx context.Context, key *domain.ExternalServiceKey) error {
	model := toKeyModel(key)
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("updating service key: %w", err)
	}
	return nil
}

// Delete soft-deletes a service key by ID within a tenant.
func (r *KeyRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Delete(&KeyModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting service key %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return vault.ErrNotFound
	}
	return nil
}

// TouchUsage atomically increments the usage counter and stamps the last
// use. Runs as a single UPDATE so concurrent calls never lose increments.
func (r *KeyRepository) TouchUsage(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := r.db.WithContext(ctx).
		Model(&KeyModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"last_used_at": at,
			"updated_at":   at,
		}).Error; err != nil {
		return fmt.Errorf("touching usage for service key %s: %w", id, err)
	}
	return nil
}

// ListExpired returns active keys whose expiry has passed, across all tenants.
func (r *KeyRepository) ListExpired(ctx context.Context, now time.Time) ([]domain.ExternalServiceKey, error) {
	var models []KeyModel
	if err := r.db.WithContext(ctx).
		Where("is_active = ? AND expires_at IS NOT NULL AND expires_at <= ?", true, now).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing expired service keys: %w", err)
	}
	keys := make([]domain.ExternalServiceKey, len(models))
	for i := range models {
		keys[i] = *toKeyDomain(&models[i])
	}
	return keys, nil
}
