// Package httpapi implements the HTTP API gateway for StormVault.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-tenant/per-integration rate limiting via token bucket (in the proxy)
//   - All requests logged with correlation IDs
//   - Secrets never appear in responses, only masked previews
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/observability"
	"github.com/stormhq/stormvault/internal/proxy"
	"github.com/stormhq/stormvault/internal/ratelimit"
	"github.com/stormhq/stormvault/internal/syncengine"
	"github.com/stormhq/stormvault/internal/vault"
	"github.com/stormhq/stormvault/internal/webhook"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"` // Seconds, set on 429 responses.
}

// TenantKey binds one pre-shared API key to a tenant identity.
type TenantKey struct {
	APIKey   string
	Identity domain.Identity
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	Tenants        []TenantKey // API key → tenant identity mapping. Keys from config/env.
	MaxRequestSize int64       // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	vault    *vault.Service
	proxy    *proxy.Executor
	logger   *slog.Logger
	server   *http.Server
	hooks    *webhook.Dispatcher // nil = webhook endpoints disabled.
	engine   *syncengine.Engine  // nil = sync endpoints disabled.
	entities syncengine.EntityStore

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, v *vault.Service, p *proxy.Executor, logger *slog.Logger) *Gateway {
	return &Gateway{
		config: cfg,
		vault:  v,
		proxy:  p,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithWebhooks attaches the delivery dispatcher to the gateway.
func (g *Gateway) WithWebhooks(d *webhook.Dispatcher) *Gateway {
	g.hooks = d
	return g
}

// WithSync attaches the sync engine and entity passthrough store.
func (g *Gateway) WithSync(e *syncengine.Engine, entities syncengine.EntityStore) *Gateway {
	g.engine = e
	g.entities = entities
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "StormVault",
			Version: "v0.0.1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Request logging and metrics/tracing middleware (applied globally).
	g.okapi.Use(g.requestLogger)
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Service key endpoints.
	g.group.Post("/keys", g.handleKeyCreate,
		okapi.DocSummary("Register a new external service key"),
		okapi.DocTags("Keys"),
		okapi.DocRequestBody(KeyRequest{}),
		okapi.DocResponse(http.StatusCreated, KeyResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/keys", g.handleKeyList,
		okapi.DocSummary("List service keys (masked previews only)"),
		okapi.DocTags("Keys"),
		okapi.DocResponse([]KeyResponse{}),
	)
	g.group.Get("/keys/{id}", g.handleKeyGet,
		okapi.DocSummary("Get a service key by ID"),
		okapi.DocTags("Keys"),
		okapi.DocPathParam("id", "string", "Key ID (UUID)"),
		okapi.DocResponse(KeyResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/keys/{id}", g.handleKeyUpdate,
		okapi.DocSummary("Update service key metadata"),
		okapi.DocTags("Keys"),
		okapi.DocPathParam("id", "string", "Key ID (UUID)"),
		okapi.DocRequestBody(KeyUpdateRequest{}),
		okapi.DocResponse(KeyResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/keys/{id}", g.handleKeyDelete,
		okapi.DocSummary("Delete a service key and its stored secret"),
		okapi.DocTags("Keys"),
		okapi.DocPathParam("id", "string", "Key ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/keys/{id}/rotate", g.handleKeyRotate,
		okapi.DocSummary("Rotate the secret of a service key"),
		okapi.DocTags("Keys"),
		okapi.DocPathParam("id", "string", "Key ID (UUID)"),
		okapi.DocRequestBody(KeyRotateRequest{}),
		okapi.DocResponse(KeyResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/keys/{id}/toggle", g.handleKeyToggle,
		okapi.DocSummary("Toggle a service key active/inactive"),
		okapi.DocTags("Keys"),
		okapi.DocPathParam("id", "string", "Key ID (UUID)"),
		okapi.DocResponse(KeyResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/keys/{id}/test", g.handleKeyTest,
		okapi.DocSummary("Execute a proxied test call with the key"),
		okapi.DocTags("Keys"),
		okapi.DocPathParam("id", "string", "Key ID (UUID)"),
		okapi.DocRequestBody(KeyTestRequest{}),
		okapi.DocResponse(KeyTestResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// Integration endpoints.
	g.group.Post("/integrations", g.handleIntegrationCreate,
		okapi.DocSummary("Register a new integration"),
		okapi.DocTags("Integrations"),
		okapi.DocRequestBody(IntegrationRequest{}),
		okapi.DocResponse(http.StatusCreated, IntegrationResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/integrations", g.handleIntegrationList,
		okapi.DocSummary("List integrations"),
		okapi.DocTags("Integrations"),
		okapi.DocResponse([]IntegrationResponse{}),
	)
	g.group.Get("/integrations/{id}", g.handleIntegrationGet,
		okapi.DocSummary("Get an integration by ID"),
		okapi.DocTags("Integrations"),
		okapi.DocPathParam("id", "string", "Integration ID (UUID)"),
		okapi.DocResponse(IntegrationResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/integrations/{id}", g.handleIntegrationUpdate,
		okapi.DocSummary("Update an integration"),
		okapi.DocTags("Integrations"),
		okapi.DocPathParam("id", "string", "Integration ID (UUID)"),
		okapi.DocRequestBody(IntegrationUpdateRequest{}),
		okapi.DocResponse(IntegrationResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/integrations/{id}", g.handleIntegrationDelete,
		okapi.DocSummary("Delete an integration"),
		okapi.DocTags("Integrations"),
		okapi.DocPathParam("id", "string", "Integration ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Proxied call endpoint.
	g.group.Post("/api-call", g.handleAPICall,
		okapi.DocSummary("Execute an outbound call with an injected credential"),
		okapi.DocTags("Proxy"),
		okapi.DocRequestBody(APICallRequest{}),
		okapi.DocResponse(APICallResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestEntityTooLarge, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// Entity passthrough endpoints.
	if g.entities != nil {
		g.group.Post("/users", g.handleUserCreate,
			okapi.DocSummary("Store a user record and emit lifecycle webhooks"),
			okapi.DocTags("Entities"),
			okapi.DocRequestBody(EntityRequest{}),
			okapi.DocResponse(http.StatusCreated, EntityResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Post("/projects", g.handleProjectCreate,
			okapi.DocSummary("Store a project record and emit lifecycle webhooks"),
			okapi.DocTags("Entities"),
			okapi.DocRequestBody(EntityRequest{}),
			okapi.DocResponse(http.StatusCreated, EntityResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	// Sync endpoints (only if the engine is configured).
	if g.engine != nil {
		g.group.Post("/sync", g.handleSyncStart,
			okapi.DocSummary("Start a synchronization run"),
			okapi.DocTags("Sync"),
			okapi.DocRequestBody(SyncRequest{}),
			okapi.DocResponse(http.StatusAccepted, SyncResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
		g.group.Get("/sync", g.handleSyncList,
			okapi.DocSummary("List sync jobs"),
			okapi.DocTags("Sync"),
			okapi.DocResponse([]SyncResponse{}),
		)
		g.group.Get("/sync/{id}", g.handleSyncGet,
			okapi.DocSummary("Get a sync job by ID"),
			okapi.DocTags("Sync"),
			okapi.DocPathParam("id", "string", "Sync job ID (UUID)"),
			okapi.DocResponse(SyncResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Post("/sync/{id}/resolve", g.handleSyncResolve,
			okapi.DocSummary("Resolve a conflicted sync job field by field"),
			okapi.DocTags("Sync"),
			okapi.DocPathParam("id", "string", "Sync job ID (UUID)"),
			okapi.DocRequestBody(SyncResolveRequest{}),
			okapi.DocResponse(SyncResponse{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
	}

	// Webhook endpoints (only if the dispatcher is configured).
	if g.hooks != nil {
		g.group.Post("/webhooks/test", g.handleWebhookTest,
			okapi.DocSummary("Send a signed test event to an integration"),
			okapi.DocTags("Webhooks"),
			okapi.DocRequestBody(WebhookTestRequest{}),
			okapi.DocResponse(DeliveryResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Get("/webhooks/deliveries", g.handleDeliveryList,
			okapi.DocSummary("List webhook deliveries"),
			okapi.DocTags("Webhooks"),
			okapi.DocResponse([]DeliveryResponse{}),
		)
		g.group.Get("/webhooks/deliveries/{id}", g.handleDeliveryGet,
			okapi.DocSummary("Get a webhook delivery by ID"),
			okapi.DocTags("Webhooks"),
			okapi.DocPathParam("id", "string", "Delivery ID (UUID)"),
			okapi.DocResponse(DeliveryResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and attaches the tenant identity.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		var id domain.Identity
		for _, t := range g.config.Tenants {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(t.APIKey)) == 1 {
				id = t.Identity
			}
		}
		if id.TenantID == uuid.Nil {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("tenantID", id.TenantID.String())
		c.Set("plan", id.Plan)
		return next(c)
	}
}

// identity reconstructs the tenant identity attached by authenticate.
// A zero TenantID means the request never passed authentication.
func identity(c *okapi.Context) domain.Identity {
	tid, err := uuid.Parse(c.GetString("tenantID"))
	if err != nil {
		return domain.Identity{}
	}
	return domain.Identity{TenantID: tid, Plan: c.GetString("plan")}
}

// requestLogger logs every request with a correlation ID for tracing
// across the proxy and webhook paths.
func (g *Gateway) requestLogger(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		correlationID := newCorrelationID()
		c.Set("correlationID", correlationID)
		start := time.Now()
		err := next(c)
		r := c.Request()
		g.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", c.Response().StatusCode()),
			slog.Duration("duration", time.Since(start)),
			slog.String("correlation_id", correlationID),
		)
		return err
	}
}

// --- Helpers ---

// domainError maps service errors to HTTP responses with a stable shape.
// Secret material never appears here: the proxy scrubs messages before
// they reach the gateway.
func (g *Gateway) domainError(c *okapi.Context, err error) error {
	var unavail *vault.KeyUnavailableError
	var limited *proxy.RateLimitError
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "not found"})
	case errors.Is(err, vault.ErrInvalidKeySpec):
		return c.AbortBadRequest(err.Error())
	case errors.As(err, &unavail):
		return c.JSON(http.StatusConflict, ErrorBody{Error: err.Error()})
	case errors.As(err, &limited):
		return rateLimited(c, limited.Decision)
	case errors.Is(err, ratelimit.ErrRateLimited):
		return c.AbortTooManyRequests("rate limit exceeded")
	case errors.Is(err, proxy.ErrPayloadTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "payload exceeds 1 MB limit"})
	case errors.Is(err, syncengine.ErrSyncInProgress):
		return c.JSON(http.StatusConflict, ErrorBody{Error: "sync already running for this entity"})
	case errors.Is(err, syncengine.ErrNotResolvable):
		return c.JSON(http.StatusConflict, ErrorBody{Error: err.Error()})
	default:
		g.logger.Error("request failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("internal error")
	}
}

// rateLimited writes the 429 response with Retry-After and quota headers.
func rateLimited(c *okapi.Context, d ratelimit.Decision) error {
	retryAfter := int(d.RetryAfter.Seconds() + 0.5)
	if retryAfter < 1 {
		retryAfter = 1
	}
	setRateLimitHeaders(c, d)
	c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
	return c.JSON(http.StatusTooManyRequests, ErrorBody{
		Error:      "rate limit exceeded",
		RetryAfter: retryAfter,
	})
}

// setRateLimitHeaders attaches the bucket state to the response. The
// reset instant comes from the limiter's own clock, so it stays
// meaningful on allowed requests too.
func setRateLimitHeaders(c *okapi.Context, d ratelimit.Decision) {
	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(int(d.Limit)))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(int(d.Remaining)))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
