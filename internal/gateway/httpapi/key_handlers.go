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

// KeyRequest is the JSON body for POST /v1/keys. The secret is accepted
// here once, encrypted at rest, and never returned.
type KeyRequest struct {
	Name           string     `json:"name"`
	ServiceName    string     `json:"service_name"`
	Description    string     `json:"description,omitempty"`
	KeyType        string     `json:"key_type"`
	Secret         string     `json:"secret"`
	UsageContext   string     `json:"usage_context"`
	HeaderName     string     `json:"header_name,omitempty"`
	QueryParamName string     `json:"query_param_name,omitempty"`
	Prefix         string     `json:"prefix,omitempty"`
	Sensitivity    string     `json:"sensitivity,omitempty"`
	IntegrationID  string     `json:"integration_id,omitempty"`
	OwnerProjectID string     `json:"owner_project_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// KeyResponse is the caller-visible view of a service key. It carries
// the masked preview only, never the secret or its storage reference.
type KeyResponse struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	ServiceName    string     `json:"service_name"`
	Description    string     `json:"description,omitempty"`
	KeyType        string     `json:"key_type"`
	UsageContext   string     `json:"usage_context"`
	HeaderName     string     `json:"header_name,omitempty"`
	QueryParamName string     `json:"query_param_name,omitempty"`
	Prefix         string     `json:"prefix,omitempty"`
	Sensitivity    string     `json:"sensitivity"`
	Preview        string     `json:"key_preview"`
	IsActive       bool       `json:"is_active"`
	IntegrationID  string     `json:"integration_id,omitempty"`
	OwnerProjectID string     `json:"owner_project_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	UsageCount     int64      `json:"usage_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toKeyResponse(k *domain.ExternalServiceKey) KeyResponse {
	resp := KeyResponse{
		ID:             k.ID.String(),
		Name:           k.Name,
		ServiceName:    k.ServiceName,
		Description:    k.Description,
		KeyType:        string(k.KeyType),
		UsageContext:   string(k.UsageContext),
		HeaderName:     k.HeaderName,
		QueryParamName: k.QueryParamName,
		Prefix:         k.Prefix,
		Sensitivity:    string(k.Sensitivity),
		Preview:        k.Preview,
		IsActive:       k.IsActive,
		OwnerProjectID: k.OwnerProjectID,
		ExpiresAt:      k.ExpiresAt,
		LastUsedAt:     k.LastUsedAt,
		UsageCount:     k.UsageCount,
		CreatedAt:      k.CreatedAt,
		UpdatedAt:      k.UpdatedAt,
	}
	if k.IntegrationID != uuid.Nil {
		resp.IntegrationID = k.IntegrationID.String()
	}
	return resp
}

func (g *Gateway) handleKeyCreate(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	var req KeyRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	spec := vault.KeySpec{
		Name:           req.Name,
		ServiceName:    req.ServiceName,
		Description:    req.Description,
		KeyType:        domain.KeyType(req.KeyType),
		Secret:         req.Secret,
		UsageContext:   domain.UsageContext(req.UsageContext),
		HeaderName:     req.HeaderName,
		QueryParamName: req.QueryParamName,
		Prefix:         req.Prefix,
		Sensitivity:    domain.Sensitivity(req.Sensitivity),
		OwnerProjectID: req.OwnerProjectID,
		ExpiresAt:      req.ExpiresAt,
	}
	if req.IntegrationID != "" {
		integrationID, err := uuid.Parse(req.IntegrationID)
		if err != nil {
			return c.AbortBadRequest("invalid integration_id")
		}
		spec.IntegrationID = integrationID
	}

	key, err := g.vault.RegisterKey(c.Context(), id, spec)
	if err != nil {
		return g.domainError(c, err)
	}

	g.logger.Info("service key registered",
		slog.String("tenant_id", id.TenantID.String()),
		slog.String("key_id", key.ID.String()),
		slog.String("service", key.ServiceName),
	)
	return c.JSON(http.StatusCreated, toKeyResponse(key))
}

func (g *Gateway) handleKeyList(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	q := c.Request().URL.Query()
	filter := vault.KeyFilter{
		ServiceName:    q.Get("service_name"),
		OwnerProjectID: q.Get("owner_project_id"),
		ActiveOnly:     q.Get("active") == "true",
	}
	keys, err := g.vault.ListKeys(c.Context(), id, filter)
	if err != nil {
		return g.domainError(c, err)
	}

	resp := make([]KeyResponse, len(keys))
	for i := range keys {
		resp[i] = toKeyResponse(&keys[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleKeyGet(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid key ID")
	}

	key, err := g.vault.GetKey(c.Context(), id, keyID)
	if err != nil {
		return g.domainError(c, err)
	}
	return c.OK(toKeyResponse(key))
}

// KeyUpdateRequest is the JSON body for PUT /v1/keys/{id}.
// Only metadata may change; rotation has its own endpoint.
type KeyUpdateRequest struct {
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	Prefix      *string    `json:"prefix,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ClearExpiry bool       `json:"clear_expiry,omitempty"`
}

func (g *Gateway) handleKeyUpdate(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid key ID")
	}

	var req KeyUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	key, err := g.vault.UpdateKey(c.Context(), id, keyID, vault.KeyUpdate{
		Name:        req.Name,
		Description: req.Description,
		Prefix:      req.Prefix,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
	})
	if err != nil {
		return g.domainError(c, err)
	}
	return c.OK(toKeyResponse(key))
}

func (g *Gateway) handleKeyDelete(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid key ID")
	}

	if err := g.vault.DeleteKey(c.Context(), id, keyID); err != nil {
		return g.domainError(c, err)
	}

	g.logger.Info("service key deleted",
		slog.String("tenant_id", id.TenantID.String()),
		slog.String("key_id", keyID.String()),
	)
	return c.OK(map[string]string{"status": "deleted"})
}

// KeyRotateRequest is the JSON body for POST /v1/keys/{id}/rotate.
type KeyRotateRequest struct {
	Secret     string `json:"secret"`
	ResetUsage bool   `json:"reset_usage,omitempty"`
}

func (g *Gateway) handleKeyRotate(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid key ID")
	}

	var req KeyRotateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Secret == "" {
		return c.AbortBadRequest("secret is required")
	}

	key, err := g.vault.RotateKey(c.Context(), id, keyID, req.Secret, req.ResetUsage)
	if err != nil {
		return g.domainError(c, err)
	}

	g.logger.Info("service key rotated",
		slog.String("tenant_id", id.TenantID.String()),
		slog.String("key_id", keyID.String()),
	)
	return c.OK(toKeyResponse(key))
}

func (g *Gateway) handleKeyToggle(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid key ID")
	}

	key, err := g.vault.GetKey(c.Context(), id, keyID)
	if err != nil {
		return g.domainError(c, err)
	}
	key, err = g.vault.SetKeyActive(c.Context(), id, keyID, !key.IsActive)
	if err != nil {
		return g.domainError(c, err)
	}
	return c.OK(toKeyResponse(key))
}

// KeyTestRequest is the JSON body for POST /v1/keys/{id}/test.
type KeyTestRequest struct {
	Method      string            `json:"method,omitempty"` // Default: GET.
	Endpoint    string            `json:"endpoint"`
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	Body        map[string]any    `json:"body,omitempty"`
}

// KeyTestResponse reports the proxied test outcome. The response preview
// is truncated and scrubbed; the credential never appears.
type KeyTestResponse struct {
	Success         bool   `json:"success"`
	StatusCode      int    `json:"status_code,omitempty"`
	ResponseTimeMS  int64  `json:"response_time_ms"`
	ResponsePreview string `json:"response_preview,omitempty"`
	ErrorKind       string `json:"error_kind,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

func (g *Gateway) handleKeyTest(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid key ID")
	}

	var req KeyTestRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Endpoint == "" {
		return c.AbortBadRequest("endpoint is required")
	}

	result, err := g.vault.TestKey(c.Context(), id, keyID, vault.TestRequest{
		Method:      req.Method,
		Endpoint:    req.Endpoint,
		Headers:     req.Headers,
		QueryParams: req.QueryParams,
		Body:        req.Body,
	})
	if err != nil {
		return g.domainError(c, err)
	}

	return c.OK(KeyTestResponse{
		Success:         result.Success,
		StatusCode:      result.StatusCode,
		ResponseTimeMS:  result.Latency.Milliseconds(),
		ResponsePreview: result.ResponsePreview,
		ErrorKind:       result.ErrorKind,
		ErrorMessage:    result.ErrorMessage,
	})
}
