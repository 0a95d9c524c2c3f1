package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONB is a json.RawMessage stored in a JSONB column (TEXT under SQLite).
type JSONB json.RawMessage

// SecretBlobModel maps to the "secret_blobs" table.
// Holds AES-256-GCM ciphertext only; plaintext never reaches this layer.
// No UpdatedAt or DeletedAt: blobs are written once and hard-deleted on
// rotation or key removal.
type SecretBlobModel struct {
	Ref        string `gorm:"primaryKey"`
	Ciphertext []byte `gorm:"not null"`
	CreatedAt  time.Time
}

func (SecretBlobModel) TableName() string { return "secret_blobs" }

// KeyModel maps to the "external_service_keys" table.
type KeyModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID       uuid.UUID `gorm:"type:uuid;not null;index"`
	IntegrationID  uuid.UUID `gorm:"type:uuid;index"` // Zero UUID = standalone key.
	Name           string    `gorm:"not null"`
	ServiceName    string    `gorm:"not null;index"`
	Description    string
	KeyType        string `gorm:"not null"`
	SecretRef      string `gorm:"not null;uniqueIndex"`
	UsageContext   string `gorm:"not null"`
	HeaderName     string
	QueryParamName string
	Prefix         string
	Sensitivity    string `gorm:"not null;default:'confidential'"`
	Preview        string
	IsActive       bool       `gorm:"not null;default:true"`
	ExpiresAt      *time.Time `gorm:"index"`
	LastUsedAt     *time.Time
	UsageCount     int64 `gorm:"not null;default:0"`
	OwnerProjectID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      gorm.DeletedAt `gorm:"index"`
}

func (KeyModel) TableName() string { return "external_service_keys" }

// IntegrationModel maps to the "integrations" table.
type IntegrationModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID         uuid.UUID `gorm:"type:uuid;not null;index"`
	Name             string    `gorm:"not null"`
	IntegrationType  string    `gorm:"not null;default:'generic'"`
	Description      string
	WebhookURL       string
	WebhookSecretRef string
	OwnerAPIKeyRef   string
	IsActive         bool `gorm:"not null;default:true"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        gorm.DeletedAt `gorm:"index"`
}

func (IntegrationModel) TableName() string { return "integrations" }

// DeliveryModel maps to the "webhook_deliveries" table.
// No DeletedAt; terminal deliveries are hard-deleted by the retention purge.
type DeliveryModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID      uuid.UUID `gorm:"type:uuid;not null;index"`
	IntegrationID uuid.UUID `gorm:"type:uuid;not null;index"`
	Event         string    `gorm:"not null;index"`
	Payload       JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	Signature     string
	Attempt       int       `gorm:"not null;default:0"`
	Status        string    `gorm:"not null;index"`
	NextAttemptAt time.Time `gorm:"index"`
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"index"`
}

func (DeliveryModel) TableName() string { return "webhook_deliveries" }

// SyncJobModel maps to the "sync_jobs" table.
type SyncJobModel struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID           uuid.UUID `gorm:"type:uuid;not null;index"`
	EntityType         string    `gorm:"not null;index"`
	EntityID           string    `gorm:"not null"`
	Direction          string    `gorm:"not null"`
	KeyID              uuid.UUID `gorm:"type:uuid;not null"`
	Endpoint           string    `gorm:"not null"`
	FieldMappings      JSONB     `gorm:"type:jsonb;not null;default:'[]'"`
	ConflictResolution string    `gorm:"not null;default:'manual'"`
	Status             string    `gorm:"not null;index"`
	ConflictFields     JSONB     `gorm:"type:jsonb"`
	Error              string
	StartedAt          *time.Time
	FinishedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (SyncJobModel) TableName() string { return "sync_jobs" }

// BaselineModel maps to the "sync_baselines" table.
// One snapshot per (tenant, entity type, entity ID), overwritten after
// each completed sync.
type BaselineModel struct {
	TenantID   uuid.UUID `gorm:"type:uuid;primaryKey"`
	EntityType string    `gorm:"primaryKey"`
	EntityID   string    `gorm:"primaryKey"`
	Fields     JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	UpdatedAt  time.Time
}

func (BaselineModel) TableName() string { return "sync_baselines" }

// EntityModel maps to the "entity_records" table.
type EntityModel struct {
	TenantID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	EntityType        string    `gorm:"primaryKey"`
	EntityID          string    `gorm:"primaryKey"`
	Fields            JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	ExternalID        string
	IntegrationSource string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (EntityModel) TableName() string { return "entity_records" }
