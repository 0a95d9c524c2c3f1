// Package config handles loading and validating StormVault configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for StormVault.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.stormvault/data. Override: STORMVAULT_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Auth          AuthConfig           `json:"auth" yaml:"auth"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir)
	Vault         VaultConfig          `json:"vault" yaml:"vault"`
	RateLimit     RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Proxy         ProxyConfig          `json:"proxy" yaml:"proxy"`
	Webhook       WebhookConfig        `json:"webhook" yaml:"webhook"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = maintenance sweeper disabled
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: STORMVAULT_LISTEN_ADDR env var.
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB.
}

// Addr returns the listen address with a default of ":8080".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body cap with a default of 1 MiB.
func (s *ServerConfig) MaxRequestSize() int64 {
	if s != nil && s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 1 << 20
}

// AuthConfig maps API keys to tenants. StormVault does not issue or
// verify sessions; callers present a pre-shared API key and the gateway
// attaches the matching tenant identity to every request.
type AuthConfig struct {
	Tenants []TenantConfig `json:"tenants" yaml:"tenants"`
}

// TenantConfig binds one API key to a tenant and its rate-limit plan.
type TenantConfig struct {
	APIKey   string `json:"api_key" yaml:"api_key"`
	TenantID string `json:"tenant_id" yaml:"tenant_id"` // UUID.
	Plan     string `json:"plan" yaml:"plan"`           // "free", "pro", "enterprise". Default: "free".
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: STORMVAULT_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// VaultConfig configures secret encryption and masking.
type VaultConfig struct {
	// EncryptionKeyEnv names the env var holding the base64-encoded
	// 32-byte master key. Default: STORMVAULT_ENCRYPTION_KEY.
	EncryptionKeyEnv string         `json:"encryption_key_env" yaml:"encryption_key_env"`
	Masking          *MaskingConfig `json:"masking,omitempty" yaml:"masking,omitempty"` // nil = built-in defaults.
}

// KeyEnv returns the encryption key env var name with its default.
func (v *VaultConfig) KeyEnv() string {
	if v != nil && v.EncryptionKeyEnv != "" {
		return v.EncryptionKeyEnv
	}
	return "STORMVAULT_ENCRYPTION_KEY"
}

// MaskingConfig overrides the masked-preview shape per sensitivity tier.
// Zero values fall back to the built-in policy.
type MaskingConfig struct {
	PublicPrefix       int `json:"public_prefix" yaml:"public_prefix"`             // Default: 4.
	PublicSuffix       int `json:"public_suffix" yaml:"public_suffix"`             // Default: 4.
	InternalSuffix     int `json:"internal_suffix" yaml:"internal_suffix"`         // Default: 4.
	ConfidentialPrefix int `json:"confidential_prefix" yaml:"confidential_prefix"` // Default: 2.
	ConfidentialSuffix int `json:"confidential_suffix" yaml:"confidential_suffix"` // Default: 2.
}

// RateLimitConfig configures per-plan token buckets.
// When Plans is empty the built-in tiers apply
// (free: 100/h, pro: 1000/h, enterprise: 10000/h).
type RateLimitConfig struct {
	Plans       map[string]PlanConfig `json:"plans,omitempty" yaml:"plans,omitempty"`
	DefaultPlan string                `json:"default_plan" yaml:"default_plan"` // Default: "free".
}

// PlanConfig is one plan tier: the hourly quota doubles as the burst
// capacity, refilled continuously.
type PlanConfig struct {
	RequestsPerHour float64 `json:"requests_per_hour" yaml:"requests_per_hour"`
}

// ProxyConfig configures the secure request proxy.
type ProxyConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"` // Per-call default. Default: 30.
}

// Timeout returns the default per-call timeout with a default of 30s.
func (p *ProxyConfig) Timeout() time.Duration {
	if p != nil && p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// WebhookConfig configures the delivery dispatcher.
type WebhookConfig struct {
	PollIntervalSeconds int  `json:"poll_interval_seconds" yaml:"poll_interval_seconds"` // Default: 2.
	MaxAttempts         int  `json:"max_attempts" yaml:"max_attempts"`                   // Default: 3.
	BaseDelaySeconds    int  `json:"base_delay_seconds" yaml:"base_delay_seconds"`       // Default: 1.
	MaxDelaySeconds     int  `json:"max_delay_seconds" yaml:"max_delay_seconds"`         // Default: 15.
	AllowPrivate        bool `json:"allow_private_networks" yaml:"allow_private_networks"` // Disables SSRF guard. Dev only.
}

// PollInterval returns the dispatcher poll interval with a default of 2s.
func (w *WebhookConfig) PollInterval() time.Duration {
	if w != nil && w.PollIntervalSeconds > 0 {
		return time.Duration(w.PollIntervalSeconds) * time.Second
	}
	return 2 * time.Second
}

// Attempts returns max delivery attempts with a default of 3.
func (w *WebhookConfig) Attempts() int {
	if w != nil && w.MaxAttempts > 0 {
		return w.MaxAttempts
	}
	return 3
}

// BaseDelay returns the first retry delay with a default of 1s.
func (w *WebhookConfig) BaseDelay() time.Duration {
	if w != nil && w.BaseDelaySeconds > 0 {
		return time.Duration(w.BaseDelaySeconds) * time.Second
	}
	return time.Second
}

// MaxDelay returns the retry delay cap with a default of 15s.
func (w *WebhookConfig) MaxDelay() time.Duration {
	if w != nil && w.MaxDelaySeconds > 0 {
		return time.Duration(w.MaxDelaySeconds) * time.Second
	}
	return 15 * time.Second
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "stormvault"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based error-rate monitoring on
// outbound traffic.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// SchedulerConfig configures the maintenance sweeper: key expiry and
// delivery retention.
type SchedulerConfig struct {
	Enabled                bool   `json:"enabled" yaml:"enabled"`
	SweepCron              string `json:"sweep_cron" yaml:"sweep_cron"`                             // Cron spec. Default: "@every 1m".
	DeliveryRetentionHours int    `json:"delivery_retention_hours" yaml:"delivery_retention_hours"` // Default: 168 (7 days).
}

// Cron returns the sweep schedule with a default of every minute.
func (s *SchedulerConfig) Cron() string {
	if s != nil && s.SweepCron != "" {
		return s.SweepCron
	}
	return "@every 1m"
}

// DeliveryRetention returns the terminal-delivery retention with a
// default of 7 days.
func (s *SchedulerConfig) DeliveryRetention() time.Duration {
	if s != nil && s.DeliveryRetentionHours > 0 {
		return time.Duration(s.DeliveryRetentionHours) * time.Hour
	}
	return 7 * 24 * time.Hour
}

// DefaultConfigPath returns the default config file path (~/.stormvault/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/stormvault.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".stormvault", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML,
// everything else for JSON. Environment variables take precedence over
// file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides; env vars take precedence over config values.
	if envAddr := os.Getenv("STORMVAULT_LISTEN_ADDR"); envAddr != "" {
		cfg.Server.ListenAddr = envAddr
	}
	if envDD := os.Getenv("STORMVAULT_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envDSN := os.Getenv("STORMVAULT_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".stormvault", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".stormvault", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "stormvault.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if len(c.Auth.Tenants) == 0 {
		return fmt.Errorf("auth.tenants must contain at least one tenant")
	}
	seen := make(map[string]bool, len(c.Auth.Tenants))
	for i, t := range c.Auth.Tenants {
		if t.APIKey == "" {
			return fmt.Errorf("auth.tenants[%d].api_key is required", i)
		}
		if t.TenantID == "" {
			return fmt.Errorf("auth.tenants[%d].tenant_id is required", i)
		}
		if seen[t.APIKey] {
			return fmt.Errorf("auth.tenants[%d]: duplicate api_key", i)
		}
		seen[t.APIKey] = true
	}

	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set STORMVAULT_DB_DSN)")
		}
	}

	for name, plan := range c.RateLimit.Plans {
		if plan.RequestsPerHour <= 0 {
			return fmt.Errorf("rate_limit.plans.%s.requests_per_hour must be positive", name)
		}
	}
	if c.RateLimit.DefaultPlan != "" && len(c.RateLimit.Plans) > 0 {
		if _, ok := c.RateLimit.Plans[c.RateLimit.DefaultPlan]; !ok {
			return fmt.Errorf("rate_limit.default_plan %q not found in plans", c.RateLimit.DefaultPlan)
		}
	}

	if c.Webhook.MaxAttempts < 0 {
		return fmt.Errorf("webhook.max_attempts must not be negative")
	}
	return nil
}
