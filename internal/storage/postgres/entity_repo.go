package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/vault"
)

// EntityRepository implements internal entity record persistence with PostgreSQL.
type EntityRepository struct {
	db *gorm.DB
}

// NewEntityRepository creates an EntityRepository.
func NewEntityRepository(db *gorm.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

// Get retrieves an entity record by its composite key.
func (r *EntityRepository) Get(ctx context.Context, tenantID uuid.UUID, entityType, entityID string) (*domain.EntityRecord, error) {
	var model EntityModel
	if err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		First(&model, "entity_type = ? AND entity_id = ?", entityType, entityID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, vault.ErrNotFound
		}
		return nil, fmt.Errorf("getting entity %s/%s: %w", entityType, entityID, err)
	}
	return toEntityDomain(&model), nil
}

// Upsert creates or replaces an entity record by its composite key.
func (r *EntityRepository) Upsert(ctx context.Context, rec *domain.EntityRecord) error {
	model := toEntityModel(rec)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}, {Name: "entity_type"}, {Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"fields", "external_id", "integration_source", "updated_at",
			}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("upserting entity %s/%s: %w", rec.EntityType, rec.EntityID, err)
	}
	return nil
}

// List returns a tenant's entity records of one type, newest first.
func (r *EntityRepository) List(ctx context.Context, tenantID uuid.UUID, entityType string) ([]domain.EntityRecord, error) {
	var models []EntityModel
	if err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Where("entity_type = ?", entityType).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing entities of type %s: %w", entityType, err)
	}
	records := make([]domain.EntityRecord, len(models))
	for i := range models {
		records[i] = *toEntityDomain(&models[i])
	}
	return records, nil
}

// Delete removes an entity record by its composite key.
func (r *EntityRepository) Delete(ctx context.Context, tenantID uuid.UUID, entityType, entityID string) error {
	result := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Delete(&EntityModel{}, "entity_type = ? AND entity_id = ?", entityType, entityID)
	if result.Error != nil {
		return fmt.Errorf("deleting entity %s/%s: %w", entityType, entityID, result.Error)
	}
	if result.RowsAffected == 0 {
		return vault.ErrNotFound
	}
	return nil
}

// BaselineRepository persists post-sync field snapshots with PostgreSQL.
type BaselineRepository struct {
	db *gorm.DB
}

// NewBaselineRepository creates a BaselineRepository.
func NewBaselineRepository(db *gorm.DB) *BaselineRepository {
	return &BaselineRepository{db: db}
}

// Get retrieves the baseline snapshot for an entity.
func (r *BaselineRepository) Get(ctx context.Context, tenantID uuid.UUID, entityType, entityID string) (map[string]any, error) {
	var model BaselineModel
	if err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		First(&model, "entity_type = ? AND entity_id = ?", entityType, entityID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, vault.ErrNotFound
		}
		return nil, fmt.Errorf("getting baseline %s/%s: %w", entityType, entityID, err)
	}
	var fields map[string]any
	if len(model.Fields) > 0 {
		if err := json.Unmarshal(model.Fields, &fields); err != nil {
			return nil, fmt.Errorf("decoding baseline %s/%s: %w", entityType, entityID, err)
		}
	}
	return fields, nil
}

// Put creates or replaces the baseline snapshot for an entity.
func (r *BaselineRepository) Put(ctx context.Context, tenantID uuid.UUID, entityType, entityID string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding baseline %s/%s: %w", entityType, entityID, err)
	}
	model := BaselineModel{
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		Fields:     JSONB(raw),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "entity_type"}, {Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"fields", "updated_at"}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("writing baseline %s/%s: %w", entityType, entityID, err)
	}
	return nil
}
