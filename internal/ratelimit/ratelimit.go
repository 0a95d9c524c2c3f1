// Package ratelimit implements a per-(integration, plan) token bucket
// rate limiter. Thread-safe. No background goroutines; tokens are
// refilled lazily on each Acquire call.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRateLimited is returned when a bucket has no tokens left.
var ErrRateLimited = errors.New("rate limit exceeded")

// PlanLimit is the bucket configuration for one plan tier. Burst limit
// equals Capacity; RefillPerSec replenishes continuously.
type PlanLimit struct {
	Capacity     float64
	RefillPerSec float64
}

// Config maps plan names to their limits. Unknown plans fall back to
// DefaultPlan.
type Config struct {
	Plans       map[string]PlanLimit
	DefaultPlan string
}

// DefaultConfig returns the standard plan tiers: hourly quotas matching
// the bucket capacity, refilled continuously.
func DefaultConfig() Config {
	return Config{
		Plans: map[string]PlanLimit{
			"free":       {Capacity: 100, RefillPerSec: 100.0 / 3600},
			"pro":        {Capacity: 1000, RefillPerSec: 1000.0 / 3600},
			"enterprise": {Capacity: 10000, RefillPerSec: 10000.0 / 3600},
		},
		DefaultPlan: "free",
	}
}

// BucketKey identifies one token bucket. A zero IntegrationID scopes the
// bucket to the tenant instead, so standalone keys still rate-limit.
type BucketKey struct {
	IntegrationID uuid.UUID
	Plan          string
}

// Decision is the outcome of an Acquire call. RetryAfter is set on
// denial: the time until at least one token is available. ResetAt is
// the instant the bucket returns to full capacity, computed from the
// limiter's clock.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Limit      float64
	Remaining  float64
	ResetAt    time.Time
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

// Limiter holds one independent bucket per (integrationID, plan). One
// integration's load cannot exhaust another's quota; buckets are locked
// individually so different keys proceed in parallel.
type Limiter struct {
	mu      sync.Mutex // Guards the bucket map, not the buckets.
	buckets map[BucketKey]*bucket
	config  Config
	now     func() time.Time
}

// NewLimiter creates a rate limiter with the given plan table.
func NewLimiter(cfg Config) *Limiter {
	if cfg.DefaultPlan == "" {
		cfg.DefaultPlan = "free"
	}
	return &Limiter{
		buckets: make(map[BucketKey]*bucket),
		config:  cfg,
		now:     time.Now,
	}
}

// WithClock overrides the limiter's time source. For tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) limitFor(plan string) (PlanLimit, bool) {
	pl, ok := l.config.Plans[plan]
	if !ok {
		pl, ok = l.config.Plans[l.config.DefaultPlan]
	}
	return pl, ok
}

func (l *Limiter) bucketFor(key BucketKey, capacity float64) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: capacity, lastFill: l.now()}
		l.buckets[key] = b
	}
	return b
}

// Acquire attempts to take cost tokens from the bucket. The refill and
// the decrement happen as one atomic mutation under the bucket's lock;
// concurrent callers on the same bucket never lose updates. On denial
// the decision carries the time until one token is available, computed
// from the deficit and refill rate.
func (l *Limiter) Acquire(key BucketKey, cost float64) Decision {
	pl, ok := l.limitFor(key.Plan)
	if !ok || pl.Capacity <= 0 {
		// Unconfigured limiter: unlimited.
		return Decision{Allowed: true, Limit: math.Inf(1), Remaining: math.Inf(1), ResetAt: l.now()}
	}
	if cost <= 0 {
		cost = 1
	}

	b := l.bucketFor(key, pl.Capacity)
	b.mu.Lock()
	defer b.mu.Unlock()

	// Continuous refill based on elapsed time.
	now := l.now()
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(pl.Capacity, b.tokens+elapsed*pl.RefillPerSec)
		b.lastFill = now
	}

	if b.tokens < cost {
		retry := time.Duration(0)
		if pl.RefillPerSec > 0 {
			deficit := cost - b.tokens
			retry = time.Duration(math.Ceil(deficit/pl.RefillPerSec)) * time.Second
		}
		return Decision{
			Allowed:    false,
			RetryAfter: retry,
			Limit:      pl.Capacity,
			Remaining:  math.Floor(b.tokens),
			ResetAt:    resetAt(now, pl, b.tokens),
		}
	}

	b.tokens -= cost
	return Decision{
		Allowed:   true,
		Limit:     pl.Capacity,
		Remaining: math.Floor(b.tokens),
		ResetAt:   resetAt(now, pl, b.tokens),
	}
}

// resetAt computes when the bucket refills to capacity. A bucket that
// cannot refill, or is already full, resets now.
func resetAt(now time.Time, pl PlanLimit, tokens float64) time.Time {
	if pl.RefillPerSec <= 0 || tokens >= pl.Capacity {
		return now
	}
	return now.Add(time.Duration(math.Ceil((pl.Capacity-tokens)/pl.RefillPerSec)) * time.Second)
}

// Snapshot reports the bucket's current state without consuming tokens.
// Used to populate the X-RateLimit-* response headers.
func (l *Limiter) Snapshot(key BucketKey) Decision {
	pl, ok := l.limitFor(key.Plan)
	if !ok || pl.Capacity <= 0 {
		return Decision{Allowed: true, Limit: math.Inf(1), Remaining: math.Inf(1)}
	}

	b := l.bucketFor(key, pl.Capacity)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	tokens := b.tokens
	if elapsed := now.Sub(b.lastFill).Seconds(); elapsed > 0 {
		tokens = math.Min(pl.Capacity, tokens+elapsed*pl.RefillPerSec)
	}

	d := Decision{Allowed: tokens >= 1, Limit: pl.Capacity, Remaining: math.Floor(tokens), ResetAt: resetAt(now, pl, tokens)}
	if !d.Allowed && pl.RefillPerSec > 0 {
		d.RetryAfter = time.Duration(math.Ceil((1-tokens)/pl.RefillPerSec)) * time.Second
	}
	return d
}

// ResetSeconds converts a decision into the whole seconds until the
// bucket is usable again; zero when allowed.
func (d Decision) ResetSeconds() int {
	if d.Allowed {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}
