package httpapi

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/stormhq/stormvault/internal/proxy"
)

// APICallRequest is the JSON body for POST /v1/api-call. The caller
// names a vaulted key; the credential is injected server-side and never
// crosses this boundary in either direction.
type APICallRequest struct {
	ServiceKeyID   string            `json:"service_key_id"`
	Method         string            `json:"method,omitempty"` // Default: GET.
	Endpoint       string            `json:"endpoint"`
	Headers        map[string]string `json:"headers,omitempty"`
	QueryParams    map[string]string `json:"query_params,omitempty"`
	Body           map[string]any    `json:"body,omitempty"`
	Idempotent     bool              `json:"idempotent,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// APICallResponse reports the proxied outcome. Data carries the decoded
// upstream JSON when the body parses; otherwise the truncated preview.
type APICallResponse struct {
	Success        bool   `json:"success"`
	StatusCode     int    `json:"status_code,omitempty"`
	Data           any    `json:"data,omitempty"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	Attempts       int    `json:"attempts"`
	ErrorKind      string `json:"error_kind,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

func (g *Gateway) handleAPICall(c *okapi.Context) error {
	id := identity(c)
	if id.TenantID == uuid.Nil {
		return c.AbortUnauthorized("Unauthorized")
	}

	var req APICallRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Endpoint == "" {
		return c.AbortBadRequest("endpoint is required")
	}
	keyID, err := uuid.Parse(req.ServiceKeyID)
	if err != nil {
		return c.AbortBadRequest("invalid service_key_id")
	}

	spec := proxy.RequestSpec{
		Method:      req.Method,
		Endpoint:    req.Endpoint,
		Headers:     req.Headers,
		QueryParams: req.QueryParams,
		Body:        req.Body,
		Idempotent:  req.Idempotent,
	}
	if req.TimeoutSeconds > 0 {
		spec.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	res, err := g.proxy.Execute(c.Context(), id, keyID, spec)
	if err != nil {
		return g.domainError(c, err)
	}
	setRateLimitHeaders(c, res.RateLimit)

	resp := APICallResponse{
		Success:        res.Success,
		StatusCode:     res.StatusCode,
		ResponseTimeMS: res.Latency.Milliseconds(),
		Attempts:       res.Attempts,
		ErrorKind:      string(res.ErrorKind),
		ErrorMessage:   res.ErrorMessage,
	}
	// Prefer decoded JSON; fall back to the scrubbed preview for
	// non-JSON upstreams.
	if body := res.Body(); len(body) > 0 {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			resp.Data = decoded
		} else {
			resp.Data = res.ResponsePreview
		}
	}
	return c.OK(resp)
}
