package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/vault"
)

// IntegrationRepository implements integration persistence with PostgreSQL.
type IntegrationRepository struct {
	db *gorm.DB
}

// NewIntegrationRepository creates an IntegrationRepository.
func NewIntegrationRepository(db *gorm.DB) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

// Create persists a new integration.
func (r *IntegrationRepository) Create(ctx context.Context, in *domain.Integration) error {
	model := toIntegrationModel(in)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating integration: %w", err)
	}
	return nil
}

// Get retrieves an integration by ID within a tenant.
func (r *IntegrationRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Integration, error) {
	var model IntegrationModel
	if err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, vault.ErrNotFound
		}
		return nil, fmt.Errorf("getting integration %s: %w", id, err)
	}
	return toIntegrationDomain(&model), nil
}

// List returns all integrations for a tenant, newest first.
func (r *IntegrationRepository) List(ctx context.Context, tenantID uuid.UUID) ([]domain.Integration, error) {
	var models []IntegrationModel
	if err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing integrations: %w", err)
	}
	integrations := make([]domain.Integration, len(models))
	for i := range models {
		integrations[i] = *toIntegrationDomain(&models[i])
	}
	return integrations, nil
}

// Update persists changes to an existing integration.
func (r *IntegrationRepository) Update(ctx context.Context, in *domain.Integration) error {
	model := toIntegrationModel(in)
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("updating integration: %w", err)
	}
	return nil
}

// Delete soft-deletes an integration by ID within a tenant.
func (r *IntegrationRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Delete(&IntegrationModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting integration %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return vault.ErrNotFound
	}
	return nil
}

// ListWithWebhooks returns active integrations with a webhook URL for the tenant.
func (r *IntegrationRepository) ListWithWebhooks(ctx context.Context, tenantID uuid.UUID) ([]domain.Integration, error) {
	var models []IntegrationModel
	if err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Where("is_active = ? AND webhook_url <> ''", true).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing webhook integrations: %w", err)
	}
	integrations := make([]domain.Integration, len(models))
	for i := range models {
		integrations[i] = *toIntegrationDomain(&models[i])
	}
	return integrations, nil
}
