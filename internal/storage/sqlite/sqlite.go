// Package sqlite implements the unified Store interface using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Key differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - JSONB columns use TEXT type (SQLite stores JSON as text natively)
//   - No connection pooling (single file, WAL handles concurrency)
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stormhq/stormvault/internal/secretstore"
	"github.com/stormhq/stormvault/internal/storage"
	pgstore "github.com/stormhq/stormvault/internal/storage/postgres"
	"github.com/stormhq/stormvault/internal/syncengine"
	"github.com/stormhq/stormvault/internal/vault"
	"github.com/stormhq/stormvault/internal/webhook"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store implements storage.Store backed by a single SQLite file.
// Sub-stores reuse the PostgreSQL repository implementations: they
// operate on the same GORM models and the SQLite dialect handles the
// SQL differences transparently.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string

	keys         vault.KeyStore
	integrations vault.IntegrationStore
	deliveries   webhook.DeliveryStore
	syncJobs     syncengine.JobStore
	baselines    syncengine.BaselineStore
	entities     syncengine.EntityStore
	secretBlobs  secretstore.BlobStore
}

// Open creates the database file (and parent directory) if missing and
// returns a Store with all sub-stores wired. Call Migrate before use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.New(slogAdapter{slogger}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slogger,
		path:   cfg.Path,

		keys:         pgstore.NewKeyRepository(db),
		integrations: pgstore.NewIntegrationRepository(db),
		deliveries:   pgstore.NewDeliveryRepository(db),
		syncJobs:     pgstore.NewSyncJobRepository(db),
		baselines:    pgstore.NewBaselineRepository(db),
		entities:     pgstore.NewEntityRepository(db),
		secretBlobs:  pgstore.NewSecretBlobRepository(db),
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate over the shared models.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&pgstore.SecretBlobModel{},
		&pgstore.IntegrationModel{},
		&pgstore.KeyModel{},
		&pgstore.DeliveryModel{},
		&pgstore.SyncJobModel{},
		&pgstore.BaselineModel{},
		&pgstore.EntityModel{},
	)
}

// Ping checks the database connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverSQLite
}

func (s *Store) Keys() vault.KeyStore                 { return s.keys }
func (s *Store) Integrations() vault.IntegrationStore { return s.integrations }
func (s *Store) Deliveries() webhook.DeliveryStore    { return s.deliveries }
func (s *Store) SyncJobs() syncengine.JobStore        { return s.syncJobs }
func (s *Store) Baselines() syncengine.BaselineStore  { return s.baselines }
func (s *Store) Entities() syncengine.EntityStore     { return s.entities }
func (s *Store) SecretBlobs() secretstore.BlobStore   { return s.secretBlobs }

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
