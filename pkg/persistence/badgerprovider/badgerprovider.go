// Package badgerprovider implements persistence.Provider on top of
// BadgerDB: a BadgerOptions-construction chain (WithInMemory/
// WithSyncWrites/WithLogger/WithMemTableSize/WithValueLogFileSize/...),
// a single-byte key-prefix convention, and db.Update/db.View
// transactions over fasq's flat key -> encrypted-blob records. Every
// Persist call uses Badger's native per-key TTL (SetEntry.WithTTL)
// derived from the caller-supplied expiresAt, so expired records
// vanish from Badger's own compaction without a separate sweep for
// the common case.
package badgerprovider

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/fasq/pkg/persistence"
)

// keyPrefix namespaces every fasq record so the same Badger instance
// could, in principle, share space with other prefixed key spaces.
const keyPrefix = byte(0x01)

// Options configures Provider.
type Options struct {
	// DataDir is the directory BadgerDB stores its files in. Required
	// unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB entirely in memory; DataDir is ignored.
	InMemory bool

	// SyncWrites forces fsync after every write. Slower, more durable.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. If nil, BadgerDB
	// logs nothing.
	Logger badger.Logger
}

// Provider is a BadgerDB-backed persistence.Provider.
type Provider struct {
	db *badger.DB
}

var _ persistence.Provider = (*Provider)(nil)

// New opens (or creates) the Badger database described by opts. The
// low-memory tuning favors small memtables and caches, since a
// client-side cache's persistence layer is never the dominant memory
// consumer in the process.
func New(opts Options) (*Provider, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(opts.Logger)
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("badgerprovider: open: %w", err)
	}
	return &Provider{db: db}, nil
}

func recordKey(key string) []byte {
	return append([]byte{keyPrefix}, []byte(key)...)
}

// Init satisfies persistence.Provider; Badger is already open by the
// time New returns, so Init is a no-op.
func (p *Provider) Init(ctx context.Context) error {
	return nil
}

// Persist writes blob under key with Badger's native TTL when
// expiresAt is non-zero and in the future.
func (p *Provider) Persist(ctx context.Context, key string, blob []byte, createdAt, expiresAt time.Time) error {
	return p.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(recordKey(key), blob)
		if !expiresAt.IsZero() {
			if ttl := time.Until(expiresAt); ttl > 0 {
				entry = entry.WithTTL(ttl)
			}
		}
		return txn.SetEntry(entry)
	})
}

// Retrieve returns the blob stored for key.
func (p *Provider) Retrieve(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(key))
		if err == badger.ErrKeyNotFound {
			return persistence.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			blob = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Remove deletes the record for key, if present.
func (p *Provider) Remove(ctx context.Context, key string) error {
	return p.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(recordKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// RemoveMultiple deletes the records for all given keys in a single
// transaction.
func (p *Provider) RemoveMultiple(ctx context.Context, keys []string) error {
	return p.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(recordKey(key)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

// AllKeys returns every key persisted under keyPrefix, for startup
// rehydration.
func (p *Provider) AllKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{keyPrefix}

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte{keyPrefix}); it.ValidForPrefix([]byte{keyPrefix}); it.Next() {
			raw := it.Item().KeyCopy(nil)
			keys = append(keys, string(raw[1:]))
		}
		return nil
	})
	return keys, err
}

// Clear removes every record under keyPrefix.
func (p *Provider) Clear(ctx context.Context) error {
	keys, err := p.AllKeys(ctx)
	if err != nil {
		return err
	}
	return p.RemoveMultiple(ctx, keys)
}

// Dispose closes the underlying BadgerDB handle.
func (p *Provider) Dispose() error {
	return p.db.Close()
}
