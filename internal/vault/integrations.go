package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stormhq/stormvault/internal/domain"
)

// IntegrationSpec is the input for integration registration.
type IntegrationSpec struct {
	Name            string
	IntegrationType domain.IntegrationType
	Description     string
	WebhookURL      string
	WebhookSecret   string
	OwnerAPIKeyRef  string
}

func (spec *IntegrationSpec) validate() error {
	if spec.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidKeySpec)
	}
	switch spec.IntegrationType {
	case "", domain.IntegrationTypeFinancial, domain.IntegrationTypeMedical, domain.IntegrationTypeGeneric:
	default:
		return fmt.Errorf("%w: unknown integration type %q", ErrInvalidKeySpec, spec.IntegrationType)
	}
	if spec.WebhookURL != "" && spec.WebhookSecret == "" {
		return fmt.Errorf("%w: webhook_url requires webhook_secret", ErrInvalidKeySpec)
	}
	return nil
}

// RegisterIntegration stores a new integration. The webhook secret, if
// any, goes through the secret store like every other credential.
func (s *Service) RegisterIntegration(ctx context.Context, id domain.Identity, spec IntegrationSpec) (*domain.Integration, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	typ := spec.IntegrationType
	if typ == "" {
		typ = domain.IntegrationTypeGeneric
	}

	var secretRef string
	if spec.WebhookSecret != "" {
		ref, err := s.secrets.Encrypt(ctx, spec.WebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("encrypting webhook secret: %w", err)
		}
		secretRef = ref
	}

	now := s.now().UTC()
	in := &domain.Integration{
		ID:               domain.NewID(),
		TenantID:         id.TenantID,
		Name:             spec.Name,
		IntegrationType:  typ,
		Description:      spec.Description,
		WebhookURL:       spec.WebhookURL,
		WebhookSecretRef: secretRef,
		OwnerAPIKeyRef:   spec.OwnerAPIKeyRef,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.integrations.Create(ctx, in); err != nil {
		if secretRef != "" {
			_ = s.secrets.Discard(ctx, secretRef)
		}
		return nil, fmt.Errorf("creating integration: %w", err)
	}

	s.logger.Info("integration registered",
		slog.String("integration_id", in.ID.String()),
		slog.String("name", in.Name),
		slog.String("tenant_id", id.TenantID.String()),
	)
	return in, nil
}

// GetIntegration returns an integration within the caller's tenant scope.
func (s *Service) GetIntegration(ctx context.Context, id domain.Identity, integrationID uuid.UUID) (*domain.Integration, error) {
	in, err := s.integrations.Get(ctx, id.TenantID, integrationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting integration: %w", err)
	}
	return in, nil
}

// ListIntegrations returns the tenant's integrations.
func (s *Service) ListIntegrations(ctx context.Context, id domain.Identity) ([]domain.Integration, error) {
	list, err := s.integrations.List(ctx, id.TenantID)
	if err != nil {
		return nil, fmt.Errorf("listing integrations: %w", err)
	}
	return list, nil
}

// IntegrationUpdate holds mutable integration fields. Nil fields are
// unchanged. Setting WebhookURL to a non-empty value requires a secret
// unless one is already stored.
type IntegrationUpdate struct {
	Name          *string
	Description   *string
	WebhookURL    *string
	WebhookSecret *string
	IsActive      *bool
}

// UpdateIntegration applies changes to an existing integration. A new
// webhook secret replaces the stored one; the old reference is discarded
// only after the update is durable.
func (s *Service) UpdateIntegration(ctx context.Context, id domain.Identity, integrationID uuid.UUID, upd IntegrationUpdate) (*domain.Integration, error) {
	in, err := s.GetIntegration(ctx, id, integrationID)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		in.Name = *upd.Name
	}
	if upd.Description != nil {
		in.Description = *upd.Description
	}
	if upd.WebhookURL != nil {
		in.WebhookURL = *upd.WebhookURL
	}
	if upd.IsActive != nil {
		in.IsActive = *upd.IsActive
	}

	oldRef := ""
	if upd.WebhookSecret != nil && *upd.WebhookSecret != "" {
		ref, err := s.secrets.Encrypt(ctx, *upd.WebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("encrypting webhook secret: %w", err)
		}
		oldRef = in.WebhookSecretRef
		in.WebhookSecretRef = ref
	}
	if in.WebhookURL != "" && in.WebhookSecretRef == "" {
		return nil, fmt.Errorf("%w: webhook_url requires webhook_secret", ErrInvalidKeySpec)
	}
	in.UpdatedAt = s.now().UTC()

	if err := s.integrations.Update(ctx, in); err != nil {
		if oldRef != "" {
			_ = s.secrets.Discard(ctx, in.WebhookSecretRef)
		}
		return nil, fmt.Errorf("updating integration: %w", err)
	}
	if oldRef != "" {
		_ = s.secrets.Discard(ctx, oldRef)
	}
	return in, nil
}

// DeleteIntegration removes an integration and discards its webhook
// secret. Keys referencing the integration survive as standalone keys.
func (s *Service) DeleteIntegration(ctx context.Context, id domain.Identity, integrationID uuid.UUID) error {
	in, err := s.GetIntegration(ctx, id, integrationID)
	if err != nil {
		return err
	}
	if in.WebhookSecretRef != "" {
		if err := s.secrets.Discard(ctx, in.WebhookSecretRef); err != nil {
			return fmt.Errorf("discarding webhook secret: %w", err)
		}
	}
	if err := s.integrations.Delete(ctx, id.TenantID, integrationID); err != nil {
		return fmt.Errorf("deleting integration: %w", err)
	}
	s.logger.Info("integration deleted", slog.String("integration_id", integrationID.String()))
	return nil
}

// WebhookTarget is one deliverable webhook endpoint: URL plus the
// decrypted signing secret. Consumed transiently by the dispatcher when
// signing a payload; never persisted or returned through the gateway.
type WebhookTarget struct {
	IntegrationID uuid.UUID
	URL           string
	Secret        string
}

// WebhookTargets resolves the tenant's active webhook endpoints with
// their signing secrets decrypted. Integrations with no URL or whose
// secret fails to decrypt are skipped with a log line rather than
// failing the whole fan-out.
func (s *Service) WebhookTargets(ctx context.Context, tenantID uuid.UUID) ([]WebhookTarget, error) {
	list, err := s.integrations.ListWithWebhooks(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing webhook integrations: %w", err)
	}
	targets := make([]WebhookTarget, 0, len(list))
	for _, in := range list {
		if in.WebhookURL == "" || in.WebhookSecretRef == "" {
			continue
		}
		secret, err := s.secrets.Decrypt(ctx, in.WebhookSecretRef)
		if err != nil {
			s.logger.Warn("webhook secret unavailable, skipping integration",
				slog.String("integration_id", in.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		targets = append(targets, WebhookTarget{
			IntegrationID: in.ID,
			URL:           in.WebhookURL,
			Secret:        secret,
		})
	}
	return targets, nil
}

// WebhookTarget resolves one integration's webhook endpoint and secret.
func (s *Service) WebhookTarget(ctx context.Context, tenantID, integrationID uuid.UUID) (*WebhookTarget, error) {
	in, err := s.integrations.Get(ctx, tenantID, integrationID)
	if err != nil {
		return nil, fmt.Errorf("getting integration: %w", err)
	}
	if in.WebhookURL == "" || in.WebhookSecretRef == "" {
		return nil, fmt.Errorf("%w: integration has no webhook endpoint", ErrNotFound)
	}
	secret, err := s.secrets.Decrypt(ctx, in.WebhookSecretRef)
	if err != nil {
		return nil, fmt.Errorf("decrypting webhook secret: %w", err)
	}
	return &WebhookTarget{IntegrationID: in.ID, URL: in.WebhookURL, Secret: secret}, nil
}

// DecryptSecret resolves a key's plaintext for the proxy's call boundary.
// Callers must never persist or log the returned value.
func (s *Service) DecryptSecret(ctx context.Context, key *domain.ExternalServiceKey) (string, error) {
	secret, err := s.secrets.Decrypt(ctx, key.SecretRef)
	if err != nil {
		return "", fmt.Errorf("decrypting key secret: %w", err)
	}
	return secret, nil
}
