package postgres

import (
	"context"
	"sync"

	"github.com/stormhq/stormvault/internal/secretstore"
	"github.com/stormhq/stormvault/internal/storage"
	"github.com/stormhq/stormvault/internal/syncengine"
	"github.com/stormhq/stormvault/internal/vault"
	"github.com/stormhq/stormvault/internal/webhook"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu           sync.Mutex
	keys         vault.KeyStore
	integrations vault.IntegrationStore
	deliveries   webhook.DeliveryStore
	syncJobs     syncengine.JobStore
	baselines    syncengine.BaselineStore
	entities     syncengine.EntityStore
	secretBlobs  secretstore.BlobStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// --- Sub-store accessors ---

func (s *Store) Keys() vault.KeyStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		s.keys = NewKeyRepository(s.pgDB.GormDB())
	}
	return s.keys
}

func (s *Store) Integrations() vault.IntegrationStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.integrations == nil {
		s.integrations = NewIntegrationRepository(s.pgDB.GormDB())
	}
	return s.integrations
}

func (s *Store) Deliveries() webhook.DeliveryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		s.deliveries = NewDeliveryRepository(s.pgDB.GormDB())
	}
	return s.deliveries
}

func (s *Store) SyncJobs() syncengine.JobStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncJobs == nil {
		s.syncJobs = NewSyncJobRepository(s.pgDB.GormDB())
	}
	return s.syncJobs
}

func (s *Store) Baselines() syncengine.BaselineStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baselines == nil {
		s.baselines = NewBaselineRepository(s.pgDB.GormDB())
	}
	return s.baselines
}

func (s *Store) Entities() syncengine.EntityStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entities == nil {
		s.entities = NewEntityRepository(s.pgDB.GormDB())
	}
	return s.entities
}

func (s *Store) SecretBlobs() secretstore.BlobStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secretBlobs == nil {
		s.secretBlobs = NewSecretBlobRepository(s.pgDB.GormDB())
	}
	return s.secretBlobs
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
