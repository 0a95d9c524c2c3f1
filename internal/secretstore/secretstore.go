// Package secretstore encrypts credential material at rest with
// AES-256-GCM and hands out opaque references in its place.
// Plaintext MUST NOT be retained by callers beyond the call in which it
// is needed, and is never serialized to JSON or written to logs.
package secretstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/stormhq/stormvault/internal/domain"
)

// ErrSecretNotFound is returned when a secret reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// ErrDecryptionFailed is returned when authentication tag verification
// fails; the ciphertext was tampered with or encrypted under a different
// key. Fatal for the referenced credential; never auto-retried.
var ErrDecryptionFailed = errors.New("decryption failed")

// KeySize is the required length of the master encryption key in bytes.
const KeySize = 32

// BlobStore persists ciphertext blobs keyed by opaque reference.
// Implementations must be safe for concurrent use.
type BlobStore interface {
	Put(ctx context.Context, ref string, ciphertext []byte) error
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// Store is the secret store. The master key is process-wide, read-only
// after initialization, and injected at construction; never read ad hoc
// from the environment inside the cryptographic path.
type Store struct {
	aead  cipher.AEAD
	blobs BlobStore
}

// New creates a Store from a 32-byte master key and a blob backend.
func New(key []byte, blobs BlobStore) (*Store, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Store{aead: aead, blobs: blobs}, nil
}

// Encrypt seals plaintext under a fresh random nonce and stores the
// resulting blob. Returns the opaque reference to hand to callers.
func (s *Store) Encrypt(ctx context.Context, plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	ref := domain.NewID().String()
	// The reference binds the blob as additional authenticated data, so a
	// blob copied under a different reference fails authentication.
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(ref))

	if err := s.blobs.Put(ctx, ref, sealed); err != nil {
		return "", fmt.Errorf("storing secret blob: %w", err)
	}
	return ref, nil
}

// Decrypt resolves a reference back to plaintext. Fails with
// ErrSecretNotFound for unknown references and ErrDecryptionFailed when
// the authentication tag does not verify.
func (s *Store) Decrypt(ctx context.Context, ref string) (string, error) {
	sealed, err := s.blobs.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			return "", fmt.Errorf("%w: ref %s", ErrSecretNotFound, ref)
		}
		return "", fmt.Errorf("loading secret blob: %w", err)
	}

	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return "", ErrDecryptionFailed
	}
	plaintext, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(ref))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// Discard removes the blob behind a reference. Subsequent Decrypt calls
// on the same reference fail with ErrSecretNotFound. Discarding an
// already-unknown reference is a no-op.
func (s *Store) Discard(ctx context.Context, ref string) error {
	if err := s.blobs.Delete(ctx, ref); err != nil && !errors.Is(err, ErrSecretNotFound) {
		return fmt.Errorf("discarding secret blob: %w", err)
	}
	return nil
}

// LoadMasterKey decodes the base64 master key from the named environment
// variable. The key value itself is never logged.
func LoadMasterKey(envVar string) ([]byte, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil, fmt.Errorf("encryption key is required (set %s to a base64-encoded %d-byte key)", envVar, KeySize)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", envVar, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%s must decode to %d bytes, got %d", envVar, KeySize, len(key))
	}
	return key, nil
}
