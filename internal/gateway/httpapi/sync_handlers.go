package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/syncengine"
)

// SyncRequest is the JSON body for POST /v1/sync.
type SyncRequest struct {
	EntityType         string                `json:"entity_type"`
	EntityID           string                `json:"entity_id"`
	Direction          string                `json:"direction"`
	ServiceKeyID       string                `json:"service_key_id"`
	Endpoint           string                `json:"endpoint"`
	FieldMappings      []domain.FieldMapping `json:"field_mappings"`
	ConflictResolution string                `json:"conflict_resolution,omitempty"`
}

// SyncResponse is the caller-visible view of a sync job.
type SyncResponse struct {
	SyncID         string     `json:"sync_id"`
	EntityType     string     `json:"entity_type"`
	EntityID       string     `json:"entity_id"`
	Direction      string     `json:"direction"`
	Status         string     `json:"status"`
	ConflictFields []string   `json:"conflict_fields,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toSyncResponse(j *domain.SyncJob) SyncResponse {
	return SyncResponse{
		SyncID:         j.ID.String(),
		EntityType:     j.EntityType,
		EntityID:       j.EntityID,
		Direction:      string(j.Direction),
		Status:         string(j.Status),
		ConflictFields: j.ConflictFields,
		Error:          j.Error,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
		CreatedAt:      j.CreatedAt,
	}
}

func (g *Gateway) handleSyncStart(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	var req SyncRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	keyID, err := uuid.Parse(req.ServiceKeyID)
	if err != nil {
		return c.AbortBadRequest("invalid service_key_id")
	}

	job, err := g.engine.Start(c.Context(), id, syncengine.StartRequest{
		EntityType:         req.EntityType,
		EntityID:           req.EntityID,
		Direction:          domain.SyncDirection(req.Direction),
		KeyID:              keyID,
		Endpoint:           req.Endpoint,
		FieldMappings:      req.FieldMappings,
		ConflictResolution: domain.ConflictResolution(req.ConflictResolution),
	})
	if err != nil {
		return g.domainError(c, err)
	}
	return c.JSON(http.StatusAccepted, toSyncResponse(job))
}

func (g *Gateway) handleSyncList(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	q := c.Request().URL.Query()
	jobs, err := g.engine.ListJobs(c.Context(), id, syncengine.JobFilter{
		EntityType: q.Get("entity_type"),
		Status:     domain.SyncStatus(q.Get("status")),
	})
	if err != nil {
		return g.domainError(c, err)
	}

	resp := make([]SyncResponse, len(jobs))
	for i := range jobs {
		resp[i] = toSyncResponse(&jobs[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleSyncGet(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid sync ID")
	}

	job, err := g.engine.GetJob(c.Context(), id, jobID)
	if err != nil {
		return g.domainError(c, err)
	}
	return c.OK(toSyncResponse(job))
}

// SyncResolveRequest is the JSON body for POST /v1/sync/{id}/resolve.
// Choices map each conflicted field to "internal" or "external".
type SyncResolveRequest struct {
	Choices map[string]string `json:"choices"`
}

func (g *Gateway) handleSyncResolve(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid sync ID")
	}

	var req SyncResolveRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Choices) == 0 {
		return c.AbortBadRequest("choices are required")
	}

	job, err := g.engine.Resolve(c.Context(), id, jobID, req.Choices)
	if err != nil {
		return g.domainError(c, err)
	}
	return c.JSON(http.StatusAccepted, toSyncResponse(job))
}
