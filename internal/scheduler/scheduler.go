// Package scheduler implements the background maintenance sweeper.
// On each cron tick it deactivates keys whose expiry has passed and
// purges terminal webhook deliveries past the retention window.
//
// Core invariant: the sweeper only flips IsActive and emits key.expired
// events. Secrets are never decrypted or deleted here; the encrypted
// blob stays until the key itself is deleted.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stormhq/stormvault/internal/config"
	"github.com/stormhq/stormvault/internal/vault"
	"github.com/stormhq/stormvault/internal/webhook"
)

// Sweeper runs periodic maintenance over the vault and the delivery log.
// It runs as a background goroutine in server mode.
type Sweeper struct {
	vault   *vault.Service
	hooks   *webhook.Dispatcher // nil = delivery purge disabled.
	metrics *Metrics
	logger  *slog.Logger
	config  *config.SchedulerConfig

	cron *cron.Cron
}

// New creates a Sweeper.
func New(v *vault.Service, metrics *Metrics, logger *slog.Logger, cfg *config.SchedulerConfig) *Sweeper {
	return &Sweeper{
		vault:   v,
		metrics: metrics,
		logger:  logger,
		config:  cfg,
		cron:    cron.New(),
	}
}

// WithDeliveryPurge enables purging of terminal webhook deliveries.
func (s *Sweeper) WithDeliveryPurge(d *webhook.Dispatcher) *Sweeper {
	s.hooks = d
	return s
}

// Start schedules the sweep and returns a stop function.
func (s *Sweeper) Start(ctx context.Context) (func(), error) {
	spec := s.config.Cron()
	if _, err := s.cron.AddFunc(spec, func() { s.sweep(ctx) }); err != nil {
		return nil, err
	}
	s.cron.Start()

	s.logger.Info("maintenance sweeper started",
		slog.String("schedule", spec),
		slog.String("delivery_retention", s.config.DeliveryRetention().String()),
	)

	return func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		s.logger.Info("maintenance sweeper stopped")
	}, nil
}

// sweep runs a single maintenance cycle.
func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()

	expired, err := s.vault.ExpireDueKeys(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "key expiry sweep failed",
			slog.String("error", err.Error()),
		)
	} else if expired > 0 {
		s.logger.InfoContext(ctx, "expired keys deactivated",
			slog.Int("count", expired),
		)
		if s.metrics != nil {
			s.metrics.KeysExpired.Add(float64(expired))
		}
	}

	if s.hooks != nil {
		purged, err := s.hooks.PurgeOldDeliveries(ctx, s.config.DeliveryRetention())
		if err != nil {
			s.logger.ErrorContext(ctx, "delivery purge failed",
				slog.String("error", err.Error()),
			)
		} else if purged > 0 {
			s.logger.InfoContext(ctx, "terminal deliveries purged",
				slog.Int64("count", purged),
			)
			if s.metrics != nil {
				s.metrics.DeliveriesPurged.Add(float64(purged))
			}
		}
	}

	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
}
