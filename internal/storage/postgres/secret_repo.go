package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stormhq/stormvault/internal/secretstore"
)

// SecretBlobRepository persists encrypted secret material with PostgreSQL.
// Rows hold ciphertext only; encryption and decryption happen in the
// secret store above this layer.
type SecretBlobRepository struct {
	db *gorm.DB
}

// NewSecretBlobRepository creates a SecretBlobRepository.
func NewSecretBlobRepository(db *gorm.DB) *SecretBlobRepository {
	return &SecretBlobRepository{db: db}
}

// Put stores ciphertext under the given ref, replacing any existing blob.
func (r *SecretBlobRepository) Put(ctx context.Context, ref string, ciphertext []byte) error {
	model := SecretBlobModel{Ref: ref, Ciphertext: ciphertext}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ref"}},
			DoUpdates: clause.AssignmentColumns([]string{"ciphertext"}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("storing secret blob: %w", err)
	}
	return nil
}

// Get retrieves the ciphertext stored under ref.
func (r *SecretBlobRepository) Get(ctx context.Context, ref string) ([]byte, error) {
	var model SecretBlobModel
	if err := r.db.WithContext(ctx).First(&model, "ref = ?", ref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: ref %s", secretstore.ErrSecretNotFound, ref)
		}
		return nil, fmt.Errorf("getting secret blob: %w", err)
	}
	return model.Ciphertext, nil
}

// Delete removes the blob stored under ref.
func (r *SecretBlobRepository) Delete(ctx context.Context, ref string) error {
	result := r.db.WithContext(ctx).Delete(&SecretBlobModel{}, "ref = ?", ref)
	if result.Error != nil {
		return fmt.Errorf("deleting secret blob: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: ref %s", secretstore.ErrSecretNotFound, ref)
	}
	return nil
}
