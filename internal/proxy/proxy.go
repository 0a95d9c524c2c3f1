// Package proxy executes outbound calls on behalf of callers using
// vaulted credentials. Secrets are decrypted inside the call boundary
// only; nothing that leaves this package carries plaintext material.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/ratelimit"
	"github.com/stormhq/stormvault/internal/vault"
)

// ErrPayloadTooLarge is returned when a request body exceeds MaxPayload.
var ErrPayloadTooLarge = errors.New("payload too large")

const (
	// MaxPayload caps the serialized request body and the buffered
	// response body.
	MaxPayload = 1 << 20 // 1 MiB

	// previewLen is the number of response bytes echoed back to callers.
	previewLen = 200

	userAgent = "Storm-API/1.0"
)

// ErrorKind classifies a failed outbound call.
type ErrorKind string

const (
	ErrorKindNone    ErrorKind = ""
	ErrorKindNetwork ErrorKind = "network"
	ErrorKindTimeout ErrorKind = "timeout"
	ErrorKindClient  ErrorKind = "client_error" // 4xx
	ErrorKindServer  ErrorKind = "server_error" // 5xx
)

// RateLimitError carries the limiter decision so the gateway can render
// Retry-After and the X-RateLimit-* headers.
type RateLimitError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.Decision.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ratelimit.ErrRateLimited }

// RequestSpec describes one proxied call. Idempotent opts the call into
// a single retry on network faults, timeouts, and 5xx responses.
type RequestSpec struct {
	Method      string
	Endpoint    string
	Headers     map[string]string
	QueryParams map[string]string
	Body        map[string]any
	Idempotent  bool
	Timeout     time.Duration
}

// Result is the caller-visible outcome of a proxied call. The response
// body is truncated to a short preview; credentials never appear in it.
type Result struct {
	Success         bool
	StatusCode      int
	Latency         time.Duration
	ResponsePreview string
	ErrorKind       ErrorKind
	ErrorMessage    string
	RateLimit       ratelimit.Decision
	Attempts        int

	body []byte
}

// Body returns the buffered response body, capped at MaxPayload.
func (r *Result) Body() []byte { return r.body }

// Metrics is the observability hook for proxied calls and for calls
// denied by the rate limiter before reaching the network.
type Metrics interface {
	ObserveProxyCall(service string, status int, kind string, d time.Duration)
	ObserveThrottled(plan string)
}

// Executor is the secure request proxy. It resolves credentials through
// the vault, enforces per-integration rate limits before any network
// work, and records usage on every executed call.
type Executor struct {
	vault          *vault.Service
	limiter        *ratelimit.Limiter
	client         *http.Client
	logger         *slog.Logger
	metrics        Metrics
	defaultTimeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient overrides the outbound HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithDefaultTimeout sets the per-call timeout applied when the request
// spec carries none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.defaultTimeout = d }
}

// New creates a request proxy.
func New(v *vault.Service, limiter *ratelimit.Limiter, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		vault:          v,
		limiter:        limiter,
		client:         &http.Client{},
		logger:         logger,
		defaultTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func bucketKey(id domain.Identity, key *domain.ExternalServiceKey) ratelimit.BucketKey {
	bk := ratelimit.BucketKey{IntegrationID: key.IntegrationID, Plan: id.Plan}
	if bk.IntegrationID == uuid.Nil {
		// Standalone keys share the tenant's bucket.
		bk.IntegrationID = id.TenantID
	}
	return bk
}

// Execute resolves the key, takes a rate-limit token, and performs the
// outbound call with the credential injected per the key's usage
// context. Rate limiting is checked before any decryption or network
// work. Usage is recorded once per executed call on any outcome.
func (e *Executor) Execute(ctx context.Context, id domain.Identity, keyID uuid.UUID, req RequestSpec) (*Result, error) {
	key, err := e.vault.ResolveForUse(ctx, id, keyID)
	if err != nil {
		return nil, err
	}

	decision := e.limiter.Acquire(bucketKey(id, key), 1)
	if !decision.Allowed {
		if e.metrics != nil {
			e.metrics.ObserveThrottled(id.Plan)
		}
		return &Result{RateLimit: decision}, &RateLimitError{Decision: decision}
	}

	secret, err := e.vault.DecryptSecret(ctx, key)
	if err != nil {
		return nil, err
	}

	res, err := e.call(ctx, key, secret, req)
	if err != nil {
		return nil, err
	}
	res.RateLimit = decision

	if terr := e.vault.TouchUsage(ctx, key.ID); terr != nil {
		e.logger.Warn("recording key usage failed",
			slog.String("key_id", key.ID.String()),
			slog.String("error", terr.Error()),
		)
	}
	if e.metrics != nil {
		e.metrics.ObserveProxyCall(key.ServiceName, res.StatusCode, string(res.ErrorKind), res.Latency)
	}
	return res, nil
}

// ExecuteTest adapts Execute to the vault's key-testing contract.
func (e *Executor) ExecuteTest(ctx context.Context, id domain.Identity, keyID uuid.UUID, req vault.TestRequest) (*vault.TestResult, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	res, err := e.Execute(ctx, id, keyID, RequestSpec{
		Method:      method,
		Endpoint:    req.Endpoint,
		Headers:     req.Headers,
		QueryParams: req.QueryParams,
		Body:        req.Body,
		Idempotent:  method == http.MethodGet || method == http.MethodHead,
	})
	if err != nil {
		return nil, err
	}
	return &vault.TestResult{
		Success:         res.Success,
		StatusCode:      res.StatusCode,
		Latency:         res.Latency,
		ResponsePreview: res.ResponsePreview,
		ErrorKind:       string(res.ErrorKind),
		ErrorMessage:    res.ErrorMessage,
	}, nil
}

// ExecuteJSON performs a proxied call and decodes the response body as
// a JSON object. Used by the sync engine, which needs the full external
// representation rather than a preview. Rate limiting and usage
// accounting apply exactly as in Execute.
func (e *Executor) ExecuteJSON(ctx context.Context, id domain.Identity, keyID uuid.UUID, req RequestSpec) (*Result, map[string]any, error) {
	res, err := e.Execute(ctx, id, keyID, req)
	if err != nil {
		return res, nil, err
	}
	if !res.Success {
		return res, nil, nil
	}
	var decoded map[string]any
	if len(res.body) > 0 {
		if err := json.Unmarshal(res.body, &decoded); err != nil {
			return res, nil, fmt.Errorf("decoding external response: %w", err)
		}
	}
	return res, decoded, nil
}

func (e *Executor) call(ctx context.Context, key *domain.ExternalServiceKey, secret string, req RequestSpec) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := e.marshalBody(key, secret, req)
	if err != nil {
		return nil, err
	}

	attempts := 0
	start := time.Now()
	for {
		attempts++
		res := e.attempt(ctx, key, secret, req, body)
		res.Attempts = attempts
		res.Latency = time.Since(start)

		if res.Success || attempts >= 2 || !req.Idempotent || !retryable(res.ErrorKind) {
			e.logger.Info("proxied call",
				slog.String("key_id", key.ID.String()),
				slog.String("service", key.ServiceName),
				slog.Int("status", res.StatusCode),
				slog.Int("attempts", attempts),
				slog.Duration("latency", res.Latency),
			)
			return res, nil
		}
	}
}

// retryable reports whether a failure class is safe to retry for an
// idempotent request. Client errors are deterministic and never retried.
func retryable(kind ErrorKind) bool {
	switch kind {
	case ErrorKindNetwork, ErrorKindTimeout, ErrorKindServer:
		return true
	}
	return false
}

func (e *Executor) marshalBody(key *domain.ExternalServiceKey, secret string, req RequestSpec) ([]byte, error) {
	if req.Body == nil && key.UsageContext != domain.UsageContextBody {
		return nil, nil
	}
	payload := make(map[string]any, len(req.Body)+1)
	for k, v := range req.Body {
		payload[k] = v
	}
	if key.UsageContext == domain.UsageContextBody {
		payload["api_key"] = credentialValue(key, secret)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	if len(raw) > MaxPayload {
		return nil, fmt.Errorf("%w: body is %d bytes", ErrPayloadTooLarge, len(raw))
	}
	return raw, nil
}

// credentialValue applies the key's presentation prefix. Bearer tokens
// always carry the "Bearer " scheme even when no prefix is configured.
func credentialValue(key *domain.ExternalServiceKey, secret string) string {
	switch {
	case key.Prefix != "":
		return key.Prefix + secret
	case key.KeyType == domain.KeyTypeBearerToken:
		return "Bearer " + secret
	}
	return secret
}

func (e *Executor) attempt(ctx context.Context, key *domain.ExternalServiceKey, secret string, spec RequestSpec, body []byte) *Result {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, spec.Method, spec.Endpoint, reader)
	if err != nil {
		return &Result{ErrorKind: ErrorKindNetwork, ErrorMessage: "invalid request: " + scrub(err.Error(), secret)}
	}

	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	q := req.URL.Query()
	for k, v := range spec.QueryParams {
		q.Set(k, v)
	}

	switch key.UsageContext {
	case domain.UsageContextHeader:
		name := key.HeaderName
		if name == "" {
			name = "Authorization"
		}
		req.Header.Set(name, credentialValue(key, secret))
	case domain.UsageContextQueryParam:
		name := key.QueryParamName
		if name == "" {
			name = "api_key"
		}
		q.Set(name, credentialValue(key, secret))
	}
	req.URL.RawQuery = q.Encode()

	resp, err := e.client.Do(req)
	if err != nil {
		kind := ErrorKindNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ErrorKindTimeout
		}
		return &Result{ErrorKind: kind, ErrorMessage: scrub(err.Error(), secret)}
	}
	defer resp.Body.Close()

	buf, _ := io.ReadAll(io.LimitReader(resp.Body, MaxPayload))
	// Some endpoints echo request headers or bodies back; the buffered
	// response must never carry the plaintext credential.
	clean := scrub(string(buf), secret)
	res := &Result{
		StatusCode:      resp.StatusCode,
		ResponsePreview: truncate(clean, previewLen),
		body:            []byte(clean),
	}
	switch {
	case resp.StatusCode >= 500:
		res.ErrorKind = ErrorKindServer
		res.ErrorMessage = fmt.Sprintf("external service returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		res.ErrorKind = ErrorKindClient
		res.ErrorMessage = fmt.Sprintf("external service returned %d", resp.StatusCode)
	default:
		res.Success = true
	}
	return res
}

// scrub removes the credential from text surfaced to callers: transport
// error messages, whose embedded URL may carry the secret as a query
// parameter, and response bodies from endpoints that echo the request.
func scrub(msg, secret string) string {
	if secret == "" {
		return msg
	}
	return strings.ReplaceAll(msg, secret, "[REDACTED]")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
