// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// KeyType describes how a stored credential is meant to be presented
// to the external service.
type KeyType string

const (
	KeyTypeAPIKey      KeyType = "api_key"
	KeyTypeBearerToken KeyType = "bearer_token"
	KeyTypeBasicAuth   KeyType = "basic_auth"
	KeyTypeCustom      KeyType = "custom"
)

// UsageContext is the transport location where a credential is injected
// into an outbound request.
type UsageContext string

const (
	UsageContextHeader     UsageContext = "header"
	UsageContextQueryParam UsageContext = "query_param"
	UsageContextBody       UsageContext = "body"
)

// Sensitivity classifies how aggressively a stored value is masked in
// any caller-visible output.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityRestricted   Sensitivity = "restricted"
)

// ExternalServiceKey is a vaulted third-party credential.
// SecretRef is an opaque handle into the secret store; it MUST NOT be
// returned in API responses, logged, or embedded in sync payloads. The
// plaintext exists only transiently inside the proxy's call boundary.
type ExternalServiceKey struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	IntegrationID  uuid.UUID // Zero = standalone key, rate-limited per tenant.
	Name           string
	ServiceName    string
	Description    string
	KeyType        KeyType
	SecretRef      string // Opaque key into the secret store. NEVER shown to callers.
	UsageContext   UsageContext
	HeaderName     string // Required when UsageContext is header.
	QueryParamName string // Required when UsageContext is query_param.
	Prefix         string // e.g. "Bearer "; prepended to the secret in header context.
	Sensitivity    Sensitivity
	Preview        string // Masked preview, computed at registration/rotation. Safe to display.
	IsActive       bool
	ExpiresAt      *time.Time
	LastUsedAt     *time.Time
	UsageCount     int64
	OwnerProjectID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the key's expiry, if any, has passed.
func (k *ExternalServiceKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// IntegrationType selects the data-handling profile of an integration.
type IntegrationType string

const (
	IntegrationTypeFinancial IntegrationType = "financial"
	IntegrationTypeMedical   IntegrationType = "medical"
	IntegrationTypeGeneric   IntegrationType = "generic"
)

// Integration is a registered external system. It references zero or more
// service keys (keys may be shared; every access is tenant-scoped).
// WebhookSecretRef is stored like any credential; an opaque handle into
// the secret store, never the plaintext.
type Integration struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	Name             string
	IntegrationType  IntegrationType
	Description      string
	WebhookURL       string
	WebhookSecretRef string // Opaque key into the secret store. NEVER shown to callers.
	OwnerAPIKeyRef   string
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DeliveryStatus is the lifecycle state of a webhook delivery.
// delivered and exhausted are terminal.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// WebhookDelivery is one signed event notification bound for a single
// integration. The ID is stable across retries so receivers can dedupe.
type WebhookDelivery struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	IntegrationID uuid.UUID
	Event         string
	Payload       json.RawMessage
	Signature     string
	Attempt       int
	Status        DeliveryStatus
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SyncDirection selects which side of a sync writes.
type SyncDirection string

const (
	SyncPush          SyncDirection = "push"
	SyncPull          SyncDirection = "pull"
	SyncBidirectional SyncDirection = "bidirectional"
)

// ConflictResolution is the policy applied when internal and external
// copies of a synchronized field disagree.
type ConflictResolution string

const (
	ConflictExternalWins ConflictResolution = "external_wins"
	ConflictInternalWins ConflictResolution = "internal_wins"
	ConflictMerge        ConflictResolution = "merge"
	ConflictManual       ConflictResolution = "manual"
)

// SyncStatus is the sync job state machine:
// pending → running → {completed | failed | conflict}.
type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncRunning   SyncStatus = "running"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
	SyncConflict  SyncStatus = "conflict"
)

// FieldMapping maps an internal field path to an external field path.
// Insertion order is irrelevant.
type FieldMapping struct {
	Internal string `json:"internal_field"`
	External string `json:"external_field"`
}

// SyncJob is one field-mapped synchronization run between an internal
// entity and an external system. Transitions are driven solely by the
// sync engine; conflict requires an explicit resolve to finish.
type SyncJob struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	EntityType         string
	EntityID           string
	Direction          SyncDirection
	KeyID              uuid.UUID // Credential used for the external reads/writes.
	Endpoint           string    // External resource URL.
	FieldMappings      []FieldMapping
	ConflictResolution ConflictResolution
	Status             SyncStatus
	ConflictFields     []string // Set when Status is conflict.
	Error              string
	StartedAt          *time.Time
	FinishedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Terminal reports whether the job has reached a terminal state.
// A conflict job terminates the run but may be resumed via resolve.
func (j *SyncJob) Terminal() bool {
	switch j.Status {
	case SyncCompleted, SyncFailed, SyncConflict:
		return true
	}
	return false
}

// EntityRecord is the internal side of synchronization: a tenant-scoped
// entity with free-form fields. Created directly or through the external
// passthrough endpoints (users, projects).
type EntityRecord struct {
	TenantID          uuid.UUID
	EntityType        string
	EntityID          string
	Fields            map[string]any
	ExternalID        string
	IntegrationSource string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Identity is the verified tenant/plan pair attached to every call by
// the upstream auth layer. This core never issues or verifies sessions.
type Identity struct {
	TenantID uuid.UUID
	Plan     string
}

// NewID generates a new random UUID.
func NewID() uuid.UUID {
	return uuid.New()
}
