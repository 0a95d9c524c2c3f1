package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/syncengine"
	"github.com/stormhq/stormvault/internal/vault"
)

// SyncJobRepository implements sync job persistence with PostgreSQL.
type SyncJobRepository struct {
	db *gorm.DB
}

// NewSyncJobRepository creates a SyncJobRepository.
func NewSyncJobRepository(db *gorm.DB) *SyncJobRepository {
	return &SyncJobRepository{db: db}
}

// Create persists a new sync job.
func (r *SyncJobRepository) Create(ctx context.Context, j *domain.SyncJob) error {
	model := toSyncJobModel(j)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating sync job: %w", err)
	}
	return nil
}

// Update persists state transitions of an existing sync job.
func (r *SyncJobRepository) Update(ctx context.Context, j *domain.SyncJob) error {
	model := toSyncJobModel(j)
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("updating sync job: %w", err)
	}
	return nil
}

// Get retrieves a sync job by ID within a tenant.
func (r *SyncJobRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.SyncJob, error) {
	var model SyncJobModel
	if err := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, vault.ErrNotFound
		}
		return nil, fmt.Errorf("getting sync job %s: %w", id, err)
	}
	return toSyncJobDomain(&model), nil
}

// List returns a tenant's sync jobs, newest first, with optional filters.
func (r *SyncJobRepository) List(ctx context.Context, tenantID uuid.UUID, filter syncengine.JobFilter) ([]domain.SyncJob, error) {
	q := r.db.WithContext(ctx).
		Scopes(TenantScope(tenantID)).
		Order("created_at DESC")
	if filter.EntityType != "" {
		q = q.Where("entity_type = ?", filter.EntityType)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []SyncJobModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sync jobs: %w", err)
	}
	jobs := make([]domain.SyncJob, len(models))
	for i := range models {
		jobs[i] = *toSyncJobDomain(&models[i])
	}
	return jobs, nil
}
