package secretstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBlobStore is an in-memory BlobStore for tests and single-process
// deployments without persistence. Safe for concurrent use.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Put(_ context.Context, ref string, ciphertext []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(ciphertext))
	copy(cp, ciphertext)
	m.blobs[ref] = cp
	return nil
}

func (m *MemoryBlobStore) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: ref %s", ErrSecretNotFound, ref)
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, nil
}

func (m *MemoryBlobStore) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[ref]; !ok {
		return fmt.Errorf("%w: ref %s", ErrSecretNotFound, ref)
	}
	delete(m.blobs, ref)
	return nil
}
