// Package storage defines the unified Store interface that abstracts all persistence operations.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (production/multi-tenant).
package storage

import (
	"context"

	"github.com/stormhq/stormvault/internal/secretstore"
	"github.com/stormhq/stormvault/internal/syncengine"
	"github.com/stormhq/stormvault/internal/vault"
	"github.com/stormhq/stormvault/internal/webhook"
)

// Store is the unified persistence interface for StormVault.
// It provides access to all domain-specific sub-stores through accessor methods.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Sub-store accessors; each returns a domain-specific store interface.
	// The returned stores share the same underlying connection scope.
	Keys() vault.KeyStore
	Integrations() vault.IntegrationStore
	Deliveries() webhook.DeliveryStore
	SyncJobs() syncengine.JobStore
	Baselines() syncengine.BaselineStore
	Entities() syncengine.EntityStore

	// SecretBlobs stores encrypted credential material, keyed by opaque ref.
	// Plaintext never reaches this layer.
	SecretBlobs() secretstore.BlobStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
