// Package vault owns the lifecycle of external service keys and
// integrations. Secrets are encrypted on registration and only ever
// leave the secret store inside the proxy's call boundary; every read
// path carries a masked preview instead of the secret reference.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/masking"
	"github.com/stormhq/stormvault/internal/secretstore"
)

// ErrNotFound is returned by stores when a record does not exist within
// the caller's tenant scope.
var ErrNotFound = errors.New("not found")

// ErrInvalidKeySpec is returned when a key registration or update is
// internally inconsistent (usage context vs. field names).
var ErrInvalidKeySpec = errors.New("invalid key spec")

// ErrKeyUnavailable is the base error for lookups on keys that cannot be
// used: unknown, deactivated, or expired.
var ErrKeyUnavailable = errors.New("key unavailable")

// UnavailableReason distinguishes why a key lookup failed, for
// caller-visible diagnostics. Cross-tenant lookups always read as
// "unknown"; existence is never leaked across tenants.
type UnavailableReason string

const (
	ReasonUnknown  UnavailableReason = "unknown"
	ReasonInactive UnavailableReason = "inactive"
	ReasonExpired  UnavailableReason = "expired"
)

// KeyUnavailableError carries the reason a key could not be used.
type KeyUnavailableError struct {
	Reason UnavailableReason
}

func (e *KeyUnavailableError) Error() string {
	return fmt.Sprintf("key unavailable: %s", e.Reason)
}

func (e *KeyUnavailableError) Unwrap() error { return ErrKeyUnavailable }

// KeyFilter narrows ListKeys results.
type KeyFilter struct {
	ServiceName    string
	OwnerProjectID string
	ActiveOnly     bool
}

// KeyStore is the persistence interface for external service keys.
// Every read is tenant-scoped; TouchUsage must be atomic with respect to
// concurrent calls on the same key.
type KeyStore interface {
	Create(ctx context.Context, key *domain.ExternalServiceKey) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.ExternalServiceKey, error)
	List(ctx context.Context, tenantID uuid.UUID, filter KeyFilter) ([]domain.ExternalServiceKey, error)
	Update(ctx context.Context, key *domain.ExternalServiceKey) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
	TouchUsage(ctx context.Context, id uuid.UUID, at time.Time) error
	// ListExpired returns active keys whose expiry has passed, across all
	// tenants. Consumed by the maintenance sweeper.
	ListExpired(ctx context.Context, now time.Time) ([]domain.ExternalServiceKey, error)
}

// IntegrationStore is the persistence interface for integrations.
type IntegrationStore interface {
	Create(ctx context.Context, in *domain.Integration) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Integration, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]domain.Integration, error)
	Update(ctx context.Context, in *domain.Integration) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
	// ListWithWebhooks returns active integrations with a webhook URL for
	// the tenant. Consumed by the webhook dispatcher's fan-out.
	ListWithWebhooks(ctx context.Context, tenantID uuid.UUID) ([]domain.Integration, error)
}

// TestRequest is a caller-supplied request template for key testing.
type TestRequest struct {
	Method      string
	Endpoint    string
	Headers     map[string]string
	QueryParams map[string]string
	Body        map[string]any
}

// TestResult reports the outcome of a proxied test call. It never
// carries the secret or the raw decrypted value.
type TestResult struct {
	Success         bool
	StatusCode      int
	Latency         time.Duration
	ResponsePreview string
	ErrorKind       string
	ErrorMessage    string
}

// CallExecutor executes an outbound call with a vaulted credential.
// Implemented by the secure request proxy; injected after construction
// to keep the vault free of transport concerns.
type CallExecutor interface {
	ExecuteTest(ctx context.Context, id domain.Identity, keyID uuid.UUID, req TestRequest) (*TestResult, error)
}

// EventEmitter receives domain lifecycle events for webhook fan-out.
type EventEmitter interface {
	Emit(ctx context.Context, tenantID uuid.UUID, event string, data map[string]any)
}

// Service is the credential vault.
type Service struct {
	keys         KeyStore
	integrations IntegrationStore
	secrets      *secretstore.Store
	policy       masking.Policy
	executor     CallExecutor
	events       EventEmitter
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a vault service.
func New(keys KeyStore, integrations IntegrationStore, secrets *secretstore.Store, policy masking.Policy, logger *slog.Logger) *Service {
	return &Service{
		keys:         keys,
		integrations: integrations,
		secrets:      secrets,
		policy:       policy,
		logger:       logger,
		now:          time.Now,
	}
}

// WithExecutor attaches the secure request proxy used by TestKey.
func (s *Service) WithExecutor(ex CallExecutor) *Service {
	s.executor = ex
	return s
}

// WithEvents attaches the webhook dispatcher for lifecycle events.
func (s *Service) WithEvents(ev EventEmitter) *Service {
	s.events = ev
	return s
}

// WithClock overrides the service's time source. For tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// KeySpec is the input for key registration.
type KeySpec struct {
	Name           string
	ServiceName    string
	Description    string
	KeyType        domain.KeyType
	Secret         string
	UsageContext   domain.UsageContext
	HeaderName     string
	QueryParamName string
	Prefix         string
	Sensitivity    domain.Sensitivity
	IntegrationID  uuid.UUID
	OwnerProjectID string
	ExpiresAt      *time.Time
}

func (spec *KeySpec) validate() error {
	if spec.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidKeySpec)
	}
	if spec.ServiceName == "" {
		return fmt.Errorf("%w: service_name is required", ErrInvalidKeySpec)
	}
	if spec.Secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidKeySpec)
	}
	switch spec.KeyType {
	case domain.KeyTypeAPIKey, domain.KeyTypeBearerToken, domain.KeyTypeBasicAuth, domain.KeyTypeCustom:
	default:
		return fmt.Errorf("%w: unknown key type %q", ErrInvalidKeySpec, spec.KeyType)
	}

	// The injection channel and its field name must agree: exactly the
	// field matching the usage context may be set.
	switch spec.UsageContext {
	case domain.UsageContextHeader:
		if spec.HeaderName == "" {
			return fmt.Errorf("%w: header usage requires header_name", ErrInvalidKeySpec)
		}
		if spec.QueryParamName != "" {
			return fmt.Errorf("%w: header usage forbids query_param_name", ErrInvalidKeySpec)
		}
	case domain.UsageContextQueryParam:
		if spec.QueryParamName == "" {
			return fmt.Errorf("%w: query_param usage requires query_param_name", ErrInvalidKeySpec)
		}
		if spec.HeaderName != "" {
			return fmt.Errorf("%w: query_param usage forbids header_name", ErrInvalidKeySpec)
		}
	case domain.UsageContextBody:
		if spec.HeaderName != "" || spec.QueryParamName != "" {
			return fmt.Errorf("%w: body usage forbids header_name and query_param_name", ErrInvalidKeySpec)
		}
	default:
		return fmt.Errorf("%w: unknown usage context %q", ErrInvalidKeySpec, spec.UsageContext)
	}

	switch spec.Sensitivity {
	case "", domain.SensitivityPublic, domain.SensitivityInternal,
		domain.SensitivityConfidential, domain.SensitivityRestricted:
	default:
		return fmt.Errorf("%w: unknown sensitivity %q", ErrInvalidKeySpec, spec.Sensitivity)
	}
	return nil
}

// RegisterKey validates the spec, encrypts the secret immediately, and
// persists the key. The returned record carries the masked preview; the
// secret reference never reaches callers through the gateway layer.
func (s *Service) RegisterKey(ctx context.Context, id domain.Identity, spec KeySpec) (*domain.ExternalServiceKey, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	sensitivity := spec.Sensitivity
	if sensitivity == "" {
		sensitivity = domain.SensitivityConfidential
	}

	ref, err := s.secrets.Encrypt(ctx, spec.Secret)
	if err != nil {
		return nil, fmt.Errorf("encrypting secret: %w", err)
	}

	now := s.now().UTC()
	key := &domain.ExternalServiceKey{
		ID:             domain.NewID(),
		TenantID:       id.TenantID,
		IntegrationID:  spec.IntegrationID,
		Name:           spec.Name,
		ServiceName:    spec.ServiceName,
		Description:    spec.Description,
		KeyType:        spec.KeyType,
		SecretRef:      ref,
		UsageContext:   spec.UsageContext,
		HeaderName:     spec.HeaderName,
		QueryParamName: spec.QueryParamName,
		Prefix:         spec.Prefix,
		Sensitivity:    sensitivity,
		Preview:        s.policy.Preview(spec.Secret, sensitivity),
		IsActive:       true,
		ExpiresAt:      spec.ExpiresAt,
		OwnerProjectID: spec.OwnerProjectID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.keys.Create(ctx, key); err != nil {
		// The record never existed; don't leave the blob orphaned.
		_ = s.secrets.Discard(ctx, ref)
		return nil, fmt.Errorf("creating key: %w", err)
	}

	s.logger.Info("key registered",
		slog.String("key_id", key.ID.String()),
		slog.String("service", key.ServiceName),
		slog.String("tenant_id", id.TenantID.String()),
	)
	s.emit(ctx, id.TenantID, "key.created", map[string]any{
		"id":           key.ID.String(),
		"name":         key.Name,
		"service_name": key.ServiceName,
	})
	return key, nil
}

// GetKey returns a key within the caller's tenant scope.
func (s *Service) GetKey(ctx context.Context, id domain.Identity, keyID uuid.UUID) (*domain.ExternalServiceKey, error) {
	key, err := s.keys.Get(ctx, id.TenantID, keyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &KeyUnavailableError{Reason: ReasonUnknown}
		}
		return nil, fmt.Errorf("getting key: %w", err)
	}
	return key, nil
}

// ListKeys returns the tenant's keys matching the filter.
func (s *Service) ListKeys(ctx context.Context, id domain.Identity, filter KeyFilter) ([]domain.ExternalServiceKey, error) {
	keys, err := s.keys.List(ctx, id.TenantID, filter)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return keys, nil
}

// KeyUpdate holds mutable metadata fields. Nil fields are unchanged.
// The secret itself is only changed through RotateKey.
type KeyUpdate struct {
	Name        *string
	Description *string
	Prefix      *string
	ExpiresAt   *time.Time
	ClearExpiry bool
}

// UpdateKey applies metadata changes to an existing key.
func (s *Service) UpdateKey(ctx context.Context, id domain.Identity, keyID uuid.UUID, upd KeyUpdate) (*domain.ExternalServiceKey, error) {
	key, err := s.GetKey(ctx, id, keyID)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		key.Name = *upd.Name
	}
	if upd.Description != nil {
		key.Description = *upd.Description
	}
	if upd.Prefix != nil {
		key.Prefix = *upd.Prefix
	}
	if upd.ClearExpiry {
		key.ExpiresAt = nil
	} else if upd.ExpiresAt != nil {
		key.ExpiresAt = upd.ExpiresAt
	}
	key.UpdatedAt = s.now().UTC()

	if err := s.keys.Update(ctx, key); err != nil {
		return nil, fmt.Errorf("updating key: %w", err)
	}
	return key, nil
}

// RotateKey replaces the key's secret. The new secret is durably stored
// before the old reference is discarded; there is no window in which
// neither is valid. The key ID is preserved.
func (s *Service) RotateKey(ctx context.Context, id domain.Identity, keyID uuid.UUID, newSecret string, resetUsage bool) (*domain.ExternalServiceKey, error) {
	if newSecret == "" {
		return nil, fmt.Errorf("%w: secret is required", ErrInvalidKeySpec)
	}
	key, err := s.GetKey(ctx, id, keyID)
	if err != nil {
		return nil, err
	}

	oldRef := key.SecretRef
	newRef, err := s.secrets.Encrypt(ctx, newSecret)
	if err != nil {
		return nil, fmt.Errorf("encrypting rotated secret: %w", err)
	}

	key.SecretRef = newRef
	key.Preview = s.policy.Preview(newSecret, key.Sensitivity)
	if resetUsage {
		key.UsageCount = 0
		key.LastUsedAt = nil
	}
	key.UpdatedAt = s.now().UTC()

	if err := s.keys.Update(ctx, key); err != nil {
		// Keep the old secret valid; drop the never-referenced new blob.
		_ = s.secrets.Discard(ctx, newRef)
		return nil, fmt.Errorf("updating rotated key: %w", err)
	}

	// Old material is discarded only after the new reference is durable.
	if err := s.secrets.Discard(ctx, oldRef); err != nil {
		s.logger.Warn("discarding rotated-out secret failed",
			slog.String("key_id", keyID.String()),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("key rotated", slog.String("key_id", keyID.String()))
	s.emit(ctx, id.TenantID, "key.rotated", map[string]any{"id": keyID.String()})
	return key, nil
}

// SetKeyActive flips the key's active flag.
func (s *Service) SetKeyActive(ctx context.Context, id domain.Identity, keyID uuid.UUID, active bool) (*domain.ExternalServiceKey, error) {
	key, err := s.GetKey(ctx, id, keyID)
	if err != nil {
		return nil, err
	}
	key.IsActive = active
	key.UpdatedAt = s.now().UTC()
	if err := s.keys.Update(ctx, key); err != nil {
		return nil, fmt.Errorf("updating key: %w", err)
	}
	return key, nil
}

// DeleteKey discards the secret material and removes the record.
// Irreversible.
func (s *Service) DeleteKey(ctx context.Context, id domain.Identity, keyID uuid.UUID) error {
	key, err := s.GetKey(ctx, id, keyID)
	if err != nil {
		return err
	}
	if err := s.secrets.Discard(ctx, key.SecretRef); err != nil {
		return fmt.Errorf("discarding secret: %w", err)
	}
	if err := s.keys.Delete(ctx, id.TenantID, keyID); err != nil {
		return fmt.Errorf("deleting key: %w", err)
	}

	s.logger.Info("key deleted", slog.String("key_id", keyID.String()))
	s.emit(ctx, id.TenantID, "key.deleted", map[string]any{"id": keyID.String()})
	return nil
}

// ResolveForUse returns a key only if it is usable right now: present in
// the tenant's scope, active, and unexpired. The proxy calls this before
// any network work.
func (s *Service) ResolveForUse(ctx context.Context, id domain.Identity, keyID uuid.UUID) (*domain.ExternalServiceKey, error) {
	key, err := s.GetKey(ctx, id, keyID)
	if err != nil {
		return nil, err
	}
	if !key.IsActive {
		return nil, &KeyUnavailableError{Reason: ReasonInactive}
	}
	if key.Expired(s.now()) {
		return nil, &KeyUnavailableError{Reason: ReasonExpired}
	}
	return key, nil
}

// TouchUsage atomically increments the key's usage counter and stamps
// last-used. Called once per proxied or synced call, on any outcome.
func (s *Service) TouchUsage(ctx context.Context, keyID uuid.UUID) error {
	if err := s.keys.TouchUsage(ctx, keyID, s.now().UTC()); err != nil {
		return fmt.Errorf("touching usage: %w", err)
	}
	return nil
}

// TestKey exercises a vaulted credential against a caller-supplied
// endpoint through the secure request proxy. The result never includes
// the secret or the raw decrypted value.
func (s *Service) TestKey(ctx context.Context, id domain.Identity, keyID uuid.UUID, req TestRequest) (*TestResult, error) {
	if s.executor == nil {
		return nil, errors.New("no call executor configured")
	}
	// Availability is checked up front so unusable keys never reach the
	// network path.
	if _, err := s.ResolveForUse(ctx, id, keyID); err != nil {
		return nil, err
	}
	return s.executor.ExecuteTest(ctx, id, keyID, req)
}

// ExpireDueKeys deactivates active keys whose expiry has passed and
// emits one key.expired event each. Returns the number deactivated.
// Driven by the maintenance sweeper.
func (s *Service) ExpireDueKeys(ctx context.Context) (int, error) {
	due, err := s.keys.ListExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("listing expired keys: %w", err)
	}
	expired := 0
	for i := range due {
		key := &due[i]
		key.IsActive = false
		key.UpdatedAt = s.now().UTC()
		if err := s.keys.Update(ctx, key); err != nil {
			s.logger.Error("deactivating expired key failed",
				slog.String("key_id", key.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		expired++
		s.emit(ctx, key.TenantID, "key.expired", map[string]any{
			"id":           key.ID.String(),
			"name":         key.Name,
			"service_name": key.ServiceName,
		})
	}
	return expired, nil
}

func (s *Service) emit(ctx context.Context, tenantID uuid.UUID, event string, data map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Emit(ctx, tenantID, event, data)
}
