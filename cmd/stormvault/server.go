package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/stormhq/stormvault/internal/config"
	"github.com/stormhq/stormvault/internal/domain"
	"github.com/stormhq/stormvault/internal/gateway/httpapi"
	"github.com/stormhq/stormvault/internal/masking"
	"github.com/stormhq/stormvault/internal/observability"
	"github.com/stormhq/stormvault/internal/proxy"
	"github.com/stormhq/stormvault/internal/ratelimit"
	"github.com/stormhq/stormvault/internal/scheduler"
	"github.com/stormhq/stormvault/internal/secretstore"
	"github.com/stormhq/stormvault/internal/storage"
	"github.com/stormhq/stormvault/internal/storage/postgres"
	"github.com/stormhq/stormvault/internal/storage/sqlite"
	"github.com/stormhq/stormvault/internal/syncengine"
	"github.com/stormhq/stormvault/internal/vault"
	"github.com/stormhq/stormvault/internal/webhook"

	"github.com/google/uuid"
)

var (
	serverConfigPath string
	serverPort       int
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the StormVault API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	// Register flags on both root and server so that
	// `stormvault --config path` and `stormvault server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVarP(&serverConfigPath, "config", "c", config.DefaultConfigPath(), "Path to the configuration file (JSON or YAML)")
		cmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Override the configured listen port")
	}
	rootCmd.AddCommand(serverCmd)
}

// runServer wires the full service graph and blocks until a shutdown
// signal arrives or the HTTP gateway fails.
func runServer(ctx context.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfgPath := goutils.Env("STORMVAULT_CONFIG", serverConfigPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if serverPort > 0 {
		cfg.Server.ListenAddr = fmt.Sprintf(":%d", serverPort)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating storage: %w", err)
	}
	logger.Info("storage ready", slog.String("driver", store.Driver()))

	masterKey, err := secretstore.LoadMasterKey(cfg.Vault.KeyEnv())
	if err != nil {
		return err
	}
	secrets, err := secretstore.New(masterKey, store.SecretBlobs())
	if err != nil {
		return fmt.Errorf("initializing secret store: %w", err)
	}

	vaultSvc := vault.New(store.Keys(), store.Integrations(), secrets, maskingPolicy(cfg.Vault.Masking), logger)
	limiter := ratelimit.NewLimiter(limiterConfig(cfg.RateLimit))

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("database", store.Ping)
	}

	proxyOpts := []proxy.Option{proxy.WithDefaultTimeout(cfg.Proxy.Timeout())}
	if obs != nil {
		proxyOpts = append(proxyOpts, proxy.WithMetrics(obs))
	}
	executor := proxy.New(vaultSvc, limiter, logger, proxyOpts...)
	vaultSvc.WithExecutor(executor)

	hookOpts := []webhook.Option{
		webhook.WithPollInterval(cfg.Webhook.PollInterval()),
		webhook.WithBackoff(backoffPolicy(&cfg.Webhook)),
	}
	if obs != nil {
		hookOpts = append(hookOpts, webhook.WithMetrics(obs))
	}
	if cfg.Webhook.AllowPrivate {
		hookOpts = append(hookOpts, webhook.AllowPrivateNetworks())
	}
	dispatcher := webhook.New(store.Deliveries(), vaultSvc, logger, hookOpts...)
	vaultSvc.WithEvents(dispatcher)
	go dispatcher.Run(ctx)

	engineOpts := []syncengine.Option{syncengine.WithEvents(dispatcher)}
	if obs != nil {
		engineOpts = append(engineOpts, syncengine.WithMetrics(obs))
	}
	engine := syncengine.New(store.SyncJobs(), store.Baselines(), store.Entities(), executor, logger, engineOpts...)

	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		var sweepMetrics *scheduler.Metrics
		if obs != nil && obs.Metrics != nil {
			sweepMetrics = scheduler.NewMetrics(obs.Metrics.Registry)
		}
		sweeper := scheduler.New(vaultSvc, sweepMetrics, logger, cfg.Scheduler).WithDeliveryPurge(dispatcher)
		stopSweeper, err := sweeper.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting maintenance sweeper: %w", err)
		}
		defer stopSweeper()
	}

	gw := httpapi.NewGateway(gatewayConfig(cfg, obs), vaultSvc, executor, logger).
		WithWebhooks(dispatcher).
		WithSync(engine, store.Entities())

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http api gateway: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("gateway shutdown failed", slog.String("error", err.Error()))
	}
	obs.Shutdown(shutdownCtx)
	return nil
}

// openStore selects the storage backend from config.
// SQLite is the default; the database path derives from the data dir
// unless storage.sqlite.path is set.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriverName() {
	case storage.DriverPostgres:
		pcfg := cfg.Storage.Postgres
		if pcfg == nil || pcfg.DSN == "" {
			return nil, fmt.Errorf("postgres storage requires a DSN (storage.postgres.dsn or STORMVAULT_DB_DSN)")
		}
		db, err := postgres.Open(postgres.Config{
			DSN:             pcfg.DSN,
			MaxOpenConns:    pcfg.MaxOpenConns,
			MaxIdleConns:    pcfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pcfg.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(db), nil
	default:
		scfg := sqlite.Config{Path: cfg.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				scfg.Path = cfg.Storage.SQLite.Path
			}
			scfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlite.Open(scfg, logger)
	}
}

// maskingPolicy applies config overrides on top of the built-in policy.
func maskingPolicy(mc *config.MaskingConfig) masking.Policy {
	p := masking.DefaultPolicy()
	if mc == nil {
		return p
	}
	if mc.PublicPrefix > 0 {
		p.PublicPrefix = mc.PublicPrefix
	}
	if mc.PublicSuffix > 0 {
		p.PublicSuffix = mc.PublicSuffix
	}
	if mc.InternalSuffix > 0 {
		p.InternalSuffix = mc.InternalSuffix
	}
	if mc.ConfidentialPrefix > 0 {
		p.ConfidentialPrefix = mc.ConfidentialPrefix
	}
	if mc.ConfidentialSuffix > 0 {
		p.ConfidentialSuffix = mc.ConfidentialSuffix
	}
	return p
}

// limiterConfig converts per-plan hourly quotas into token bucket
// parameters. Empty plan maps fall back to the built-in tiers.
func limiterConfig(rc config.RateLimitConfig) ratelimit.Config {
	if len(rc.Plans) == 0 {
		cfg := ratelimit.DefaultConfig()
		if rc.DefaultPlan != "" {
			cfg.DefaultPlan = rc.DefaultPlan
		}
		return cfg
	}
	plans := make(map[string]ratelimit.PlanLimit, len(rc.Plans))
	for name, plan := range rc.Plans {
		plans[name] = ratelimit.PlanLimit{
			Capacity:     plan.RequestsPerHour,
			RefillPerSec: plan.RequestsPerHour / 3600,
		}
	}
	return ratelimit.Config{Plans: plans, DefaultPlan: rc.DefaultPlan}
}

func backoffPolicy(wc *config.WebhookConfig) webhook.BackoffPolicy {
	p := webhook.DefaultBackoff()
	p.MaxAttempts = wc.Attempts()
	p.BaseDelay = wc.BaseDelay()
	p.MaxDelay = wc.MaxDelay()
	return p
}

// gatewayConfig builds the HTTP gateway config from the loaded file and
// the observability facade.
func gatewayConfig(cfg *config.Config, obs *observability.Observability) httpapi.Config {
	hc := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		MaxRequestSize: cfg.Server.MaxRequestSize(),
		Tenants:        tenantKeys(cfg),
	}
	if obs == nil {
		return hc
	}
	hc.HealthChecker = obs.Health
	if obs.Metrics != nil {
		hc.Metrics = obs.Metrics
		hc.MetricsRegistry = obs.Metrics.Registry
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			hc.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	if obs.Tracer != nil {
		hc.Tracer = obs.Tracer.Tracer()
	}
	return hc
}

// tenantKeys maps configured API keys to tenant identities.
// Entries with a malformed tenant ID are skipped with a warning rather
// than failing startup, so one bad entry cannot lock every tenant out.
func tenantKeys(cfg *config.Config) []httpapi.TenantKey {
	keys := make([]httpapi.TenantKey, 0, len(cfg.Auth.Tenants))
	for _, t := range cfg.Auth.Tenants {
		tenantID, err := uuid.Parse(t.TenantID)
		if err != nil {
			slog.Warn("skipping tenant with invalid tenant_id", slog.String("tenant_id", t.TenantID))
			continue
		}
		plan := t.Plan
		if plan == "" {
			plan = cfg.RateLimit.DefaultPlan
		}
		if plan == "" {
			plan = "free"
		}
		keys = append(keys, httpapi.TenantKey{
			APIKey:   t.APIKey,
			Identity: domain.Identity{TenantID: tenantID, Plan: plan},
		})
	}
	return keys
}
