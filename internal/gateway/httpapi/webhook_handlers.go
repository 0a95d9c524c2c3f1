package httpapi

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/webhook"
)

// WebhookTestRequest is the JSON body for POST /v1/webhooks/test.
type WebhookTestRequest struct {
	IntegrationID string         `json:"integration_id"`
	Data          map[string]any `json:"data,omitempty"`
}

// DeliveryResponse is the caller-visible view of a webhook delivery.
// The payload is the signed JSON envelope as sent to the endpoint.
type DeliveryResponse struct {
	ID            string    `json:"id"`
	IntegrationID string    `json:"integration_id"`
	Event         string    `json:"event"`
	Payload       any       `json:"payload,omitempty"`
	Status        string    `json:"status"`
	Attempt       int       `json:"attempt"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toDeliveryResponse(d *domain.WebhookDelivery) DeliveryResponse {
	return DeliveryResponse{
		ID:            d.ID.String(),
		IntegrationID: d.IntegrationID.String(),
		Event:         d.Event,
		Payload:       d.Payload,
		Status:        string(d.Status),
		Attempt:       d.Attempt,
		NextAttemptAt: d.NextAttemptAt,
		LastError:     d.LastError,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func (g *Gateway) handleWebhookTest(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	var req WebhookTestRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	integrationID, err := uuid.Parse(req.IntegrationID)
	if err != nil {
		return c.AbortBadRequest("invalid integration_id")
	}

	delivery, err := g.hooks.SendTest(c.Context(), id, integrationID, req.Data)
	if err != nil {
		return g.domainError(c, err)
	}
	return c.OK(toDeliveryResponse(delivery))
}

func (g *Gateway) handleDeliveryList(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	q := c.Request().URL.Query()
	filter := webhook.DeliveryFilter{
		Event:  q.Get("event"),
		Status: domain.DeliveryStatus(q.Get("status")),
	}
	if raw := q.Get("integration_id"); raw != "" {
		integrationID, err := uuid.Parse(raw)
		if err != nil {
			return c.AbortBadRequest("invalid integration_id")
		}
		filter.IntegrationID = integrationID
	}

	deliveries, err := g.hooks.ListDeliveries(c.Context(), id, filter)
	if err != nil {
		return g.domainError(c, err)
	}

	resp := make([]DeliveryResponse, len(deliveries))
	for i := range deliveries {
		resp[i] = toDeliveryResponse(&deliveries[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleDeliveryGet(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	deliveryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid delivery ID")
	}

	delivery, err := g.hooks.GetDelivery(c.Context(), id, deliveryID)
	if err != nil {
		return g.domainError(c, err)
	}
	return c.OK(toDeliveryResponse(delivery))
}
