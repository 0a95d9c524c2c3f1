// Package webhook delivers signed event notifications to integration
// endpoints. Deliveries are persisted first and pushed by a poll loop,
// so events survive restarts and failures are retried with backoff.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/vault"
)

// Event names emitted across the system.
const (
	EventUserCreated    = "user.created"
	EventUserUpdated    = "user.updated"
	EventUserDeleted    = "user.deleted"
	EventProjectCreated = "project.created"
	EventProjectUpdated = "project.updated"
	EventKeyCreated     = "key.created"
	EventKeyRotated     = "key.rotated"
	EventKeyDeleted     = "key.deleted"
	EventKeyExpired     = "key.expired"
	EventSyncCompleted  = "sync.completed"
	EventSyncConflict   = "sync.conflict"
	EventTest           = "webhook.test"
)

// DeliveryFilter narrows delivery listings.
type DeliveryFilter struct {
	IntegrationID uuid.UUID
	Event         string
	Status        domain.DeliveryStatus
	Limit         int
}

// DeliveryStore persists webhook deliveries across attempts.
type DeliveryStore interface {
	Create(ctx context.Context, d *domain.WebhookDelivery) error
	Update(ctx context.Context, d *domain.WebhookDelivery) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.WebhookDelivery, error)
	List(ctx context.Context, tenantID uuid.UUID, filter DeliveryFilter) ([]domain.WebhookDelivery, error)
	// ListDue returns non-terminal deliveries whose next attempt is due,
	// oldest first, across all tenants.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error)
	// PurgeTerminalBefore removes delivered/exhausted records updated
	// before the cutoff. Returns the number removed.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TargetSource resolves webhook endpoints and signing secrets.
// Implemented by the vault service.
type TargetSource interface {
	WebhookTargets(ctx context.Context, tenantID uuid.UUID) ([]vault.WebhookTarget, error)
	WebhookTarget(ctx context.Context, tenantID, integrationID uuid.UUID) (*vault.WebhookTarget, error)
}

// BackoffPolicy controls retry pacing. Delay for attempt n is
// BaseDelay * Multiplier^(n-1), capped at MaxDelay, with up to 10%
// jitter. A delivery that fails MaxAttempts times is exhausted.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultBackoff retries at roughly 1s, 5s, 15s.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    15 * time.Second,
		Multiplier:  5,
	}
}

func (p BackoffPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	// Jitter spreads retries from deliveries that failed together.
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}

// Metrics is the observability hook for webhook deliveries.
type Metrics interface {
	ObserveWebhookDelivery(event, status string)
}

// Dispatcher fans events out to integration endpoints and drives the
// retry loop for pending deliveries.
type Dispatcher struct {
	store   DeliveryStore
	targets TargetSource
	client  *http.Client
	policy  BackoffPolicy
	logger  *slog.Logger
	metrics Metrics

	pollInterval time.Duration
	batchSize    int

	// AllowPrivateNetworks disables the SSRF guard. Tests only.
	allowPrivate bool

	now func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBackoff overrides the retry policy.
func WithBackoff(p BackoffPolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithPollInterval sets how often the run loop scans for due deliveries.
func WithPollInterval(iv time.Duration) Option {
	return func(d *Dispatcher) { d.pollInterval = iv }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the dispatcher's time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// AllowPrivateNetworks disables SSRF protection so deliveries can reach
// loopback endpoints. Tests only.
func AllowPrivateNetworks() Option {
	return func(d *Dispatcher) { d.allowPrivate = true }
}

// New creates a webhook dispatcher.
func New(store DeliveryStore, targets TargetSource, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		targets: targets,
		client: &http.Client{
			Timeout: 10 * time.Second,
			// Redirects could point back into internal networks.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		policy:       DefaultBackoff(),
		logger:       logger,
		pollInterval: 2 * time.Second,
		batchSize:    50,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// eventPayload is the canonical delivery envelope. It is stored and
// signed without the signature field; signedBody splices the field into
// the wire copy just before posting.
type eventPayload struct {
	Event         string         `json:"event"`
	Timestamp     string         `json:"timestamp"`
	Data          map[string]any `json:"data"`
	IntegrationID string         `json:"integration_id"`
}

// signedBody appends the signature field to the outgoing JSON envelope
// without disturbing the canonical bytes before it. Receivers strip the
// trailing field to recover the exact signed payload, or verify the
// X-Webhook-Signature header against those same bytes.
func signedBody(payload []byte, signature string) []byte {
	trimmed := bytes.TrimRight(payload, " \t\r\n")
	if len(trimmed) < 2 || trimmed[len(trimmed)-1] != '}' {
		return payload
	}
	head := trimmed[:len(trimmed)-1]
	var b bytes.Buffer
	b.Grow(len(head) + len(signature) + 16)
	b.Write(head)
	if !bytes.HasSuffix(bytes.TrimRight(head, " \t\r\n"), []byte("{")) {
		b.WriteByte(',')
	}
	b.WriteString(`"signature":"`)
	b.WriteString(signature)
	b.WriteString(`"}`)
	return b.Bytes()
}

// Emit enqueues one delivery per active webhook-bearing integration of
// the tenant. It only writes to the store; the run loop performs the
// actual HTTP work. Failures are logged, never surfaced to the caller;
// domain operations must not fail because notification did.
func (d *Dispatcher) Emit(ctx context.Context, tenantID uuid.UUID, event string, data map[string]any) {
	targets, err := d.targets.WebhookTargets(ctx, tenantID)
	if err != nil {
		d.logger.Error("resolving webhook targets failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return
	}
	now := d.now().UTC()
	for _, tgt := range targets {
		payload, err := json.Marshal(eventPayload{
			Event:         event,
			Timestamp:     now.Format(time.RFC3339),
			Data:          data,
			IntegrationID: tgt.IntegrationID.String(),
		})
		if err != nil {
			d.logger.Error("encoding webhook payload failed", slog.String("error", err.Error()))
			continue
		}
		delivery := &domain.WebhookDelivery{
			ID:            domain.NewID(),
			TenantID:      tenantID,
			IntegrationID: tgt.IntegrationID,
			Event:         event,
			Payload:       payload,
			Status:        domain.DeliveryPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := d.store.Create(ctx, delivery); err != nil {
			d.logger.Error("enqueueing webhook delivery failed",
				slog.String("event", event),
				slog.String("integration_id", tgt.IntegrationID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Run drives the delivery loop until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	d.logger.Info("webhook dispatcher started", slog.Duration("poll_interval", d.pollInterval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("webhook dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.DeliverDue(ctx); err != nil {
				d.logger.Error("delivery sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// DeliverDue processes one batch of due deliveries. Returns the number
// attempted. Exposed separately so tests and the sweeper can drive the
// loop deterministically.
func (d *Dispatcher) DeliverDue(ctx context.Context) (int, error) {
	due, err := d.store.ListDue(ctx, d.now(), d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing due deliveries: %w", err)
	}
	for i := range due {
		d.attempt(ctx, &due[i])
	}
	return len(due), nil
}

// attempt performs one HTTP delivery and advances the delivery's state.
// The endpoint and secret are resolved fresh each attempt so rotations
// between retries take effect.
func (d *Dispatcher) attempt(ctx context.Context, delivery *domain.WebhookDelivery) {
	delivery.Attempt++

	tgt, err := d.targets.WebhookTarget(ctx, delivery.TenantID, delivery.IntegrationID)
	if err != nil {
		d.fail(ctx, delivery, fmt.Sprintf("resolving target: %v", err))
		return
	}

	status, err := d.post(ctx, delivery, tgt)
	if err != nil {
		d.fail(ctx, delivery, err.Error())
		return
	}

	delivery.Status = domain.DeliveryDelivered
	delivery.LastError = ""
	delivery.UpdatedAt = d.now().UTC()
	if err := d.store.Update(ctx, delivery); err != nil {
		d.logger.Error("recording delivered webhook failed", slog.String("error", err.Error()))
		return
	}
	d.observe(delivery.Event, "delivered")
	d.logger.Info("webhook delivered",
		slog.String("delivery_id", delivery.ID.String()),
		slog.String("event", delivery.Event),
		slog.Int("status", status),
		slog.Int("attempt", delivery.Attempt),
	)
}

func (d *Dispatcher) fail(ctx context.Context, delivery *domain.WebhookDelivery, reason string) {
	now := d.now().UTC()
	delivery.LastError = reason
	delivery.UpdatedAt = now
	if delivery.Attempt >= d.policy.MaxAttempts {
		delivery.Status = domain.DeliveryExhausted
		d.observe(delivery.Event, "exhausted")
		d.logger.Warn("webhook delivery exhausted",
			slog.String("delivery_id", delivery.ID.String()),
			slog.String("event", delivery.Event),
			slog.Int("attempts", delivery.Attempt),
			slog.String("error", reason),
		)
	} else {
		delivery.Status = domain.DeliveryFailed
		delivery.NextAttemptAt = now.Add(d.policy.delay(delivery.Attempt))
		d.observe(delivery.Event, "failed")
	}
	if err := d.store.Update(ctx, delivery); err != nil {
		d.logger.Error("recording failed webhook failed", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) post(ctx context.Context, delivery *domain.WebhookDelivery, tgt *vault.WebhookTarget) (int, error) {
	if !d.allowPrivate {
		if err := validateEndpoint(tgt.URL); err != nil {
			return 0, fmt.Errorf("endpoint rejected: %w", err)
		}
	}

	signature := Sign(delivery.Payload, tgt.Secret)
	delivery.Signature = signature

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tgt.URL, bytes.NewReader(signedBody(delivery.Payload, signature)))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Storm-Webhook/1.0")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-ID", delivery.ID.String())
	req.Header.Set("X-Webhook-Event", delivery.Event)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	return resp.StatusCode, nil
}

// SendTest delivers a webhook.test event to one integration
// synchronously, bypassing the queue, and reports the outcome.
func (d *Dispatcher) SendTest(ctx context.Context, id domain.Identity, integrationID uuid.UUID, data map[string]any) (*domain.WebhookDelivery, error) {
	tgt, err := d.targets.WebhookTarget(ctx, id.TenantID, integrationID)
	if err != nil {
		return nil, fmt.Errorf("resolving webhook target: %w", err)
	}
	if data == nil {
		data = map[string]any{"message": "test delivery"}
	}
	now := d.now().UTC()
	payload, err := json.Marshal(eventPayload{
		Event:         EventTest,
		Timestamp:     now.Format(time.RFC3339),
		Data:          data,
		IntegrationID: integrationID.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	delivery := &domain.WebhookDelivery{
		ID:            domain.NewID(),
		TenantID:      id.TenantID,
		IntegrationID: integrationID,
		Event:         EventTest,
		Payload:       payload,
		Attempt:       1,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	status, postErr := d.post(ctx, delivery, tgt)
	if postErr != nil {
		delivery.Status = domain.DeliveryFailed
		delivery.LastError = postErr.Error()
	} else {
		delivery.Status = domain.DeliveryDelivered
	}
	if err := d.store.Create(ctx, delivery); err != nil {
		return nil, fmt.Errorf("recording test delivery: %w", err)
	}
	d.logger.Info("webhook test sent",
		slog.String("integration_id", integrationID.String()),
		slog.Int("status", status),
		slog.Bool("delivered", postErr == nil),
	)
	return delivery, nil
}

// ListDeliveries returns the tenant's delivery history.
func (d *Dispatcher) ListDeliveries(ctx context.Context, id domain.Identity, filter DeliveryFilter) ([]domain.WebhookDelivery, error) {
	return d.store.List(ctx, id.TenantID, filter)
}

// GetDelivery returns one delivery within the tenant's scope.
func (d *Dispatcher) GetDelivery(ctx context.Context, id domain.Identity, deliveryID uuid.UUID) (*domain.WebhookDelivery, error) {
	return d.store.Get(ctx, id.TenantID, deliveryID)
}

// PurgeOldDeliveries removes terminal deliveries older than the given
// retention. Driven by the maintenance sweeper.
func (d *Dispatcher) PurgeOldDeliveries(ctx context.Context, retention time.Duration) (int64, error) {
	return d.store.PurgeTerminalBefore(ctx, d.now().Add(-retention))
}

func (d *Dispatcher) observe(event, status string) {
	if d.metrics != nil {
		d.metrics.ObserveWebhookDelivery(event, status)
	}
}

// validateEndpoint checks that a delivery URL points at a public host.
// Blocks private IPs, loopback, link-local, and non-HTTP schemes.
func validateEndpoint(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	hostname := u.Hostname()
	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "127.0.0.1" || lower == "::1" || lower == "0.0.0.0" {
		return fmt.Errorf("loopback addresses not allowed")
	}

	ips, err := net.LookupHost(hostname)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP %s not allowed", ipStr)
		}
	}
	return nil
}
