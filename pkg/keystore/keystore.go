// Package keystore implements the KeystoreProvider contract: the
// store's source of truth for the AES-256 key that encrypts non-secure
// entries before they're persisted, generating and durably storing one
// the first time it's needed.
package keystore

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/orneryd/fasq/pkg/encryption"
	"github.com/orneryd/fasq/pkg/persistence"
)

const keystoreRecordKey = "__fasq_keystore_key__"

// Provider is the keystore.Provider.Init/getEncryptionKey/
// generateAndStoreKey/dispose contract backed by a
// persistence.Provider for durability across restarts.
type Provider struct {
	mu     sync.Mutex
	store  persistence.Provider
	cached string
}

// New builds a Provider that persists its key via store, under a
// reserved record key distinct from any cache entry.
func New(store persistence.Provider) *Provider {
	return &Provider{store: store}
}

// Init loads any previously generated key into memory.
func (p *Provider) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	blob, err := p.store.Retrieve(ctx, keystoreRecordKey)
	if err == persistence.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("keystore: init: %w", err)
	}
	p.cached = string(blob)
	return nil
}

// GetEncryptionKey returns the current key, if one has been generated.
func (p *Provider) GetEncryptionKey(ctx context.Context) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached == "" {
		return "", false
	}
	return p.cached, true
}

// GenerateAndStoreKey creates a fresh 256-bit key, persists it, and
// returns its base64 encoding — the fallback used when the store
// starts up with no key on record, or when the on-record key fails
// validation once.
func (p *Provider) GenerateAndStoreKey(ctx context.Context) (string, error) {
	material, err := encryption.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("keystore: generate key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(material)

	p.mu.Lock()
	p.cached = encoded
	p.mu.Unlock()

	if err := p.store.Persist(ctx, keystoreRecordKey, []byte(encoded), time.Now(), time.Time{}); err != nil {
		return "", fmt.Errorf("keystore: persist key: %w", err)
	}
	return encoded, nil
}

// IsValidKey reports whether s decodes to a 32-byte AES-256 key, per
// the EncryptionProvider.isValidKey contract.
func (p *Provider) IsValidKey(s string) bool {
	material, err := base64.StdEncoding.DecodeString(s)
	return err == nil && len(material) == 32
}

// Dispose releases any resources the keystore holds. The backing
// persistence.Provider is owned by the caller and is not disposed
// here.
func (p *Provider) Dispose() error {
	return nil
}

// EnsureKey returns the base64-encoded AES-256 key a Store's
// persistence path should encrypt with: the cached key if one is
// already on record and passes IsValidKey, otherwise a freshly
// generated and stored one. If that freshly generated key also fails
// validation, EnsureKey generates one more and gives up with an error
// if the second one fails too.
func (p *Provider) EnsureKey(ctx context.Context) (string, error) {
	if cached, ok := p.GetEncryptionKey(ctx); ok && p.IsValidKey(cached) {
		return cached, nil
	}

	encoded, err := p.GenerateAndStoreKey(ctx)
	if err != nil {
		return "", err
	}
	if p.IsValidKey(encoded) {
		return encoded, nil
	}

	encoded, err = p.GenerateAndStoreKey(ctx)
	if err != nil {
		return "", err
	}
	if !p.IsValidKey(encoded) {
		return "", fmt.Errorf("keystore: generated key failed validation twice")
	}
	return encoded, nil
}
