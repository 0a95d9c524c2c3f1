package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/vault"
	"github.com/stormhq/stormvault/internal/webhook"
)

// EntityRequest is the JSON body for POST /v1/users and /v1/projects.
// Records are upserted by ID; a repeated POST updates the fields and
// emits the corresponding updated event instead of created.
type EntityRequest struct {
	ID                string         `json:"id"`
	ExternalID        string         `json:"external_id,omitempty"`
	IntegrationSource string         `json:"integration_source,omitempty"`
	Fields            map[string]any `json:"fields"`
}

// EntityResponse mirrors the stored record.
type EntityResponse struct {
	ID                string         `json:"id"`
	EntityType        string         `json:"entity_type"`
	ExternalID        string         `json:"external_id,omitempty"`
	IntegrationSource string         `json:"integration_source,omitempty"`
	Fields            map[string]any `json:"fields"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (g *Gateway) handleUserCreate(c *okapi.Context) error {
	return g.upsertEntity(c, "user", webhook.EventUserCreated, webhook.EventUserUpdated)
}

func (g *Gateway) handleProjectCreate(c *okapi.Context) error {
	return g.upsertEntity(c, "project", webhook.EventProjectCreated, webhook.EventProjectUpdated)
}

func (g *Gateway) upsertEntity(c *okapi.Context, entityType, createdEvent, updatedEvent string) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	var req EntityRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ID == "" {
		return c.AbortBadRequest("id is required")
	}

	existing, err := g.entities.Get(c.Context(), id.TenantID, entityType, req.ID)
	if err != nil && !errors.Is(err, vault.ErrNotFound) {
		return g.domainError(c, err)
	}

	now := time.Now().UTC()
	rec := &domain.EntityRecord{
		TenantID:          id.TenantID,
		EntityType:        entityType,
		EntityID:          req.ID,
		Fields:            req.Fields,
		ExternalID:        req.ExternalID,
		IntegrationSource: req.IntegrationSource,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
	}
	if err := g.entities.Upsert(c.Context(), rec); err != nil {
		return g.domainError(c, err)
	}

	if g.hooks != nil {
		event := createdEvent
		if existing != nil {
			event = updatedEvent
		}
		g.hooks.Emit(c.Context(), id.TenantID, event, map[string]any{
			"id":     rec.EntityID,
			"fields": rec.Fields,
		})
	}

	resp := EntityResponse{
		ID:                rec.EntityID,
		EntityType:        rec.EntityType,
		ExternalID:        rec.ExternalID,
		IntegrationSource: rec.IntegrationSource,
		Fields:            rec.Fields,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
	if existing != nil {
		return c.OK(resp)
	}
	return c.JSON(http.StatusCreated, resp)
}
