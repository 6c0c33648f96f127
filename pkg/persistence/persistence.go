// Package persistence defines the pluggable durable-storage contract
// Store uses to survive restarts: non-secure entries only — secure
// entries are never written to disk. Concrete backends
// (e.g. badgerprovider) implement Provider.
package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Retrieve when key has no persisted record.
var ErrNotFound = errors.New("persistence: key not found")

// Provider is the durable key/blob store Store persists non-secure,
// encrypted entry payloads to. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Init prepares the provider for use (opening files, connecting,
	// etc.). It must be called once before any other method.
	Init(ctx context.Context) error

	// Persist writes (or overwrites) the blob for key, along with its
	// creation and expiry timestamps so the backend can apply native
	// TTL expiry where it has one.
	Persist(ctx context.Context, key string, blob []byte, createdAt, expiresAt time.Time) error

	// Retrieve returns the blob for key, or ErrNotFound.
	Retrieve(ctx context.Context, key string) ([]byte, error)

	// Remove deletes the record for key, if present. Removing an
	// absent key is not an error.
	Remove(ctx context.Context, key string) error

	// RemoveMultiple deletes the records for all given keys.
	RemoveMultiple(ctx context.Context, keys []string) error

	// AllKeys returns every key currently persisted, for startup
	// rehydration and persistence-GC reconciliation.
	AllKeys(ctx context.Context) ([]string, error)

	// Clear removes every persisted record.
	Clear(ctx context.Context) error

	// Dispose releases any resources the provider holds (file handles,
	// connections). The provider must not be used afterward.
	Dispose() error
}

// Record is the decoded form of a persisted entry payload, matching
// the on-disk record contract: {data, dataType, createdAt,
// lastAccessedAt, accessCount, staleTime, cacheTime, referenceCount,
// isSecure=false, expiresAt?, hasValue, queryKeyType?}. Durations are
// stored in milliseconds and timestamps as RFC3339 so the record is a
// faithful, codec-agnostic JSON document before encryption.
type Record struct {
	Data            []byte    `json:"data"`
	DataType        string    `json:"dataType"`
	CreatedAt       time.Time `json:"createdAt"`
	LastAccessedAt  time.Time `json:"lastAccessedAt"`
	AccessCount     uint64    `json:"accessCount"`
	StaleTimeMillis int64     `json:"staleTime"`
	CacheTimeMillis int64     `json:"cacheTime"`
	ReferenceCount  uint32    `json:"referenceCount"`
	IsSecure        bool      `json:"isSecure"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	HasValue        bool      `json:"hasValue"`
	QueryKeyType    string    `json:"queryKeyType,omitempty"`
}

// Expired reports whether the record's derived TTL has lapsed as of
// now: either its explicit ExpiresAt has passed, or createdAt+cacheTime
// has.
func (r *Record) Expired(now time.Time) bool {
	if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
		return true
	}
	cacheTime := time.Duration(r.CacheTimeMillis) * time.Millisecond
	return now.After(r.CreatedAt.Add(cacheTime))
}

// Codec encodes and decodes a Go value of a registered dataType for
// persistence. Callers register one Codec per distinct value shape
// they cache.
type Codec interface {
	// DataType names this codec's discriminant, stored in
	// Record.DataType.
	DataType() string
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// CodecRegistry looks up a Codec by the DataType discriminant stored
// alongside a persisted entry.
type CodecRegistry struct {
	codecs map[string]Codec
}

// NewCodecRegistry builds an empty registry.
func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{codecs: make(map[string]Codec)}
}

// Register adds c, keyed by its DataType. A later Register call with
// the same DataType overwrites the earlier one.
func (r *CodecRegistry) Register(c Codec) {
	r.codecs[c.DataType()] = c
}

// Lookup returns the Codec registered for dataType, if any.
func (r *CodecRegistry) Lookup(dataType string) (Codec, bool) {
	c, ok := r.codecs[dataType]
	return c, ok
}
