package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/vault"
)

// IntegrationRequest is the JSON body for POST /v1/integrations.
type IntegrationRequest struct {
	Name            string `json:"name"`
	IntegrationType string `json:"integration_type,omitempty"`
	Description     string `json:"description,omitempty"`
	WebhookURL      string `json:"webhook_url,omitempty"`
	WebhookSecret   string `json:"webhook_secret,omitempty"`
	OwnerAPIKeyRef  string `json:"owner_api_key_ref,omitempty"`
}

// IntegrationResponse is the caller-visible view of an integration.
// The webhook secret is write-only; only its presence is reported.
type IntegrationResponse struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	IntegrationType  string    `json:"integration_type"`
	Description      string    `json:"description,omitempty"`
	WebhookURL       string    `json:"webhook_url,omitempty"`
	HasWebhookSecret bool      `json:"has_webhook_secret"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toIntegrationResponse(in *domain.Integration) IntegrationResponse {
	return IntegrationResponse{
		ID:               in.ID.String(),
		Name:             in.Name,
		IntegrationType:  string(in.IntegrationType),
		Description:      in.Description,
		WebhookURL:       in.WebhookURL,
		HasWebhookSecret: in.WebhookSecretRef != "",
		IsActive:         in.IsActive,
		CreatedAt:        in.CreatedAt,
		UpdatedAt:        in.UpdatedAt,
	}
}

func (g *Gateway) handleIntegrationCreate(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	var req IntegrationRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	in, err := g.vault.RegisterIntegration(c.Context(), id, vault.IntegrationSpec{
		Name:            req.Name,
		IntegrationType: domain.IntegrationType(req.IntegrationType),
		Description:     req.Description,
		WebhookURL:      req.WebhookURL,
		WebhookSecret:   req.WebhookSecret,
		OwnerAPIKeyRef:  req.OwnerAPIKeyRef,
	})
	if err != nil {
		return g.domainError(c, err)
	}

	g.logger.Info("integration registered",
		slog.String("tenant_id", id.TenantID.String()),
		slog.String("integration_id", in.ID.String()),
		slog.String("type", string(in.IntegrationType)),
	)
	return c.JSON(http.StatusCreated, toIntegrationResponse(in))
}

func (g *Gateway) handleIntegrationList(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	list, err := g.vault.ListIntegrations(c.Context(), id)
	if err != nil {
		return g.domainError(c, err)
	}

	resp := make([]IntegrationResponse, len(list))
	for i := range list {
		resp[i] = toIntegrationResponse(&list[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleIntegrationGet(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	integrationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid integration ID")
	}

	in, err := g.vault.GetIntegration(c.Context(), id, integrationID)
	if err != nil {
		return g.domainError(c, err)
	}
	return c.OK(toIntegrationResponse(in))
}

// IntegrationUpdateRequest is the JSON body for PUT /v1/integrations/{id}.
type IntegrationUpdateRequest struct {
	Name          *string `json:"name,omitempty"`
	Description   *string `json:"description,omitempty"`
	WebhookURL    *string `json:"webhook_url,omitempty"`
	WebhookSecret *string `json:"webhook_secret,omitempty"`
	IsActive      *bool   `json:"is_active,omitempty"`
}

func (g *Gateway) handleIntegrationUpdate(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	integrationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid integration ID")
	}

	var req IntegrationUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	in, err := g.vault.UpdateIntegration(c.Context(), id, integrationID, vault.IntegrationUpdate{
		Name:          req.Name,
		Description:   req.Description,
		WebhookURL:    req.WebhookURL,
		WebhookSecret: req.WebhookSecret,
		IsActive:      req.IsActive,
	})
	if err != nil {
		return g.domainError(c, err)
	}
	return c.OK(toIntegrationResponse(in))
}

func (g *Gateway) handleIntegrationDelete(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	integrationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid integration ID")
	}

	if err := g.vault.DeleteIntegration(c.Context(), id, integrationID); err != nil {
		return g.domainError(c, err)
	}

	g.logger.Info("integration deleted",
		slog.String("tenant_id", id.TenantID.String()),
		slog.String("integration_id", integrationID.String()),
	)
	return c.OK(map[string]string{"status": "deleted"})
}
