package secretstore

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	s, err := New(key, NewMemoryBlobStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref, err := s.Encrypt(ctx, "sk-live-abc123")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ref == "" {
		t.Fatal("Encrypt returned empty ref")
	}
	if ref == "sk-live-abc123" {
		t.Fatal("ref must be opaque, not the plaintext")
	}

	got, err := s.Decrypt(ctx, ref)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "sk-live-abc123" {
		t.Errorf("got %q, want %q", got, "sk-live-abc123")
	}
}

func TestEncryptDistinctRefsForSamePlaintext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref1, _ := s.Encrypt(ctx, "same")
	ref2, _ := s.Encrypt(ctx, "same")
	if ref1 == ref2 {
		t.Error("two Encrypt calls returned the same ref")
	}
}

func TestDecryptUnknownRef(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Decrypt(context.Background(), "no-such-ref")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("got %v, want ErrSecretNotFound", err)
	}
}

func TestDecryptTamperedBlob(t *testing.T) {
	key := make([]byte, KeySize)
	blobs := NewMemoryBlobStore()
	s, err := New(key, blobs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	ref, err := s.Encrypt(ctx, "payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Flip one ciphertext byte.
	sealed, err := blobs.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if err := blobs.Put(ctx, ref, sealed); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := s.Decrypt(ctx, ref); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("got %v, want ErrDecryptionFailed", err)
	}
}

func TestDiscardMakesRefUnknown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref, err := s.Encrypt(ctx, "rotate-me")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if err := s.Discard(ctx, ref); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := s.Decrypt(ctx, ref); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("got %v, want ErrSecretNotFound after discard", err)
	}

	// Discarding again is a no-op.
	if err := s.Discard(ctx, ref); err != nil {
		t.Errorf("second Discard: %v", err)
	}
}

func TestNewRejectsBadKeySize(t *testing.T) {
	if _, err := New(make([]byte, 16), NewMemoryBlobStore()); err == nil {
		t.Error("expected error for 16-byte key")
	}
}

func TestLoadMasterKey(t *testing.T) {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(0xA0 + i)
	}
	t.Setenv("TEST_VAULT_KEY", base64.StdEncoding.EncodeToString(key))

	got, err := LoadMasterKey("TEST_VAULT_KEY")
	if err != nil {
		t.Fatalf("LoadMasterKey: %v", err)
	}
	if string(got) != string(key) {
		t.Error("decoded key mismatch")
	}

	t.Setenv("TEST_VAULT_KEY", "")
	if _, err := LoadMasterKey("TEST_VAULT_KEY"); err == nil {
		t.Error("expected error for missing key")
	}

	t.Setenv("TEST_VAULT_KEY", "not-base64!!")
	if _, err := LoadMasterKey("TEST_VAULT_KEY"); err == nil {
		t.Error("expected error for invalid base64")
	}
}
