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
	"github.com/stormhq/stormvault/internal/webhook"
)

// DeliveryRepository implements webhook delivery persistence with PostgreSQL.
type DeliveryRepository struct {
	db *gorm.DB
}

// NewDeliveryRepository creates a DeliveryRepository.
func NewDeliveryRepository(db *gorm.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// Create persists a new delivery record.
func (r *DeliveryRepository) Create(ctx context.Context, d *domain.WebhookDelivery) error {
	model := toDeliveryModel(d)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating webhook delivery: %w", err)
	}
	return nil
}

// Update persists attempt state after a delivery attempt.
func (r *DeliveryRepository) Update(ctx context.Context, d *domain.WebhookDelivery) error {
	model := toDeliveryModel(d)
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("updating webhook delivery: %w", err)
	}
	return nil
}

// Get retrieves a delivery by ID within a tenant.
func (r *DeliveryRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.WebhookDelivery, error) {
	var model DeliveryModel
	if err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, vault.ErrNotFound
		}
		return nil, fmt.Errorf("getting webhook delivery %s: %w", id, err)
	}
	return toDeliveryDomain(&model), nil
}

// List returns a tenant's deliveries, newest first, with optional filters.
func (r *DeliveryRepository) List(ctx context.Context, tenantID uuid.UUID, filter webhook.DeliveryFilter) ([]domain.WebhookDelivery, error) {
	q := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Order("created_at DESC")
	if filter.IntegrationID != uuid.Nil {
		q = q.Where("integration_id = ?", filter.IntegrationID)
	}
	if filter.Event != "" {
		q = q.Where("event = ?", filter.Event)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []DeliveryModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing webhook deliveries: %w", err)
	}
	deliveries := make([]domain.WebhookDelivery, len(models))
	for i := range models {
		deliveries[i] = *toDeliveryDomain(&models[i])
	}
	return deliveries, nil
}

// ListDue returns non-terminal deliveries whose next attempt is due,
// oldest first, across all tenants.
func (r *DeliveryRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error) {
	var models []DeliveryModel
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND next_attempt_at <= ?",
			[]string{string(domain.DeliveryPending), string(domain.DeliveryFailed)}, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing due webhook deliveries: %w", err)
	}
	deliveries := make([]domain.WebhookDelivery, len(models))
	for i := range models {
		deliveries[i] = *toDeliveryDomain(&models[i])
	}
	return deliveries, nil
}

// PurgeTerminalBefore removes delivered/exhausted records updated before
// the cutoff. Returns the number removed.
func (r *DeliveryRepository) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]string{string(domain.DeliveryDelivered), string(domain.DeliveryExhausted)}, cutoff).
		Delete(&DeliveryModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("purging webhook deliveries: %w", result.Error)
	}
	return result.RowsAffected, nil
}
