// Package client implements the Registry: the process-wide facade
// that owns the Store and hands out Query/InfiniteQuery instances,
// plus invalidate/prefetch/setData and observer management.
package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"

	"github.com/orneryd/fasq/pkg/circuit"
	"github.com/orneryd/fasq/pkg/config"
	"github.com/orneryd/fasq/pkg/encryption"
	"github.com/orneryd/fasq/pkg/entry"
	"github.com/orneryd/fasq/pkg/infinite"
	"github.com/orneryd/fasq/pkg/keystore"
	"github.com/orneryd/fasq/pkg/metrics"
	"github.com/orneryd/fasq/pkg/network"
	"github.com/orneryd/fasq/pkg/observer"
	"github.com/orneryd/fasq/pkg/offlinequeue"
	"github.com/orneryd/fasq/pkg/persistence"
	"github.com/orneryd/fasq/pkg/persistence/badgerprovider"
	"github.com/orneryd/fasq/pkg/query"
	"github.com/orneryd/fasq/pkg/store"
	"github.com/orneryd/fasq/pkg/workerpool"
)

// saltRecordKey is the reserved persistence key the passphrase-derived
// encryption path stores its PBKDF2 salt under, kept distinct from both
// cache entry keys and keystore.keystoreRecordKey.
const saltRecordKey = "__fasq_encryption_salt__"

// handle is the type-erased interface every cached Query[T] and
// InfiniteQuery[TData,TParam] satisfies, letting Client manage a
// registry of mixed element types without reflection.
type handle interface {
	Key() string
	Cancel()
}

// queryHandle additionally exposes Dispose/Disposed/Fetch, which
// InfiniteQuery does not have (it has no parent/child lifecycle and
// pages forward/backward instead of a single Fetch).
type queryHandle interface {
	handle
	Dispose()
	Disposed() bool
	Fetch(ctx context.Context, forceRefetch bool)
}

var (
	singleton    *Client
	singletonCfg config.Config
	singletonMu  sync.Mutex
)

// ConfigurationConflict is returned by New when a singleton already
// exists with a different Config and the caller didn't call Reset
// first.
type ConfigurationConflict struct {
	Reason string
}

func (e *ConfigurationConflict) Error() string {
	return fmt.Sprintf("client: configuration conflict: %s", e.Reason)
}

// Client is fasq's Registry: a singleton per process owning the Store,
// the live Query/InfiniteQuery instances, the offline mutation queue,
// and the observer fan-out.
type Client struct {
	mu sync.Mutex

	cfg      config.Config
	st       *store.Store
	queries  map[string]queryHandle
	infinite map[string]handle

	observers *observer.Set
	breakers  *circuit.Registry
	pool      *workerpool.Pool
	queue     *offlinequeue.Queue
	net       *network.Status
	log       logr.Logger

	persist          persistence.Provider
	keystorePersist  persistence.Provider
	keystoreProvider *keystore.Provider
}

// New builds (or returns) the process Client singleton. A second call
// with a Config that differs from the one the singleton was built
// with, without an intervening Reset, returns a
// *ConfigurationConflict — constructing a second independently
// configured Registry in the same process is a misuse, not a
// supported pattern.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singleton != nil {
		if singletonCfg != cfg {
			return nil, &ConfigurationConflict{Reason: "client already constructed with a different configuration; call Reset first"}
		}
		return singleton, nil
	}

	c := &Client{
		cfg:       cfg,
		queries:   make(map[string]queryHandle),
		infinite:  make(map[string]handle),
		observers: &observer.Set{},
		breakers:  circuit.NewRegistry(circuit.DefaultConfig()),
		pool:      workerpool.New(cfg.Cache.Performance.IsolatePoolSize),
		queue:     offlinequeue.New(""),
		net:       network.New(true),
		log:       logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}

	storeOpts := []store.Option{store.WithLogger(c.log)}
	if cfg.Persistence.Enabled {
		extra, err := c.wirePersistence(context.Background(), cfg)
		if err != nil {
			return nil, fmt.Errorf("client: wire persistence: %w", err)
		}
		storeOpts = append(storeOpts, extra...)
	}
	if cfg.Cache.Performance.EnableMetrics {
		rec, err := metrics.New(metrics.Config{
			Enabled:             true,
			Meter:               otel.GetMeterProvider().Meter("fasq"),
			SlowQueryThreshold:  time.Duration(cfg.Cache.Performance.SlowQueryThresholdMs) * time.Millisecond,
			MemoryWarnThreshold: cfg.Cache.Performance.MemoryWarningThreshold,
		})
		if err != nil {
			return nil, fmt.Errorf("client: build metrics recorder: %w", err)
		}
		storeOpts = append(storeOpts, store.WithMetrics(rec))
	}

	st, err := store.New(cfg.Cache, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("client: build store: %w", err)
	}
	if err := st.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("client: start store: %w", err)
	}
	c.st = st

	if err := c.queue.Load(); err != nil {
		c.log.Error(err, "client: loading offline queue failed, starting empty")
	}
	c.net.Subscribe(func(online bool) {
		if online {
			if err := c.queue.ProcessQueue(context.Background()); err != nil {
				c.log.Error(err, "client: processing offline queue on reconnect failed")
			}
		}
	})

	singleton = c
	singletonCfg = cfg
	return c, nil
}

// wirePersistence builds the badgerprovider-backed persistence chain
// cfg.Persistence.Enabled calls for: a durable Provider for cache
// entries, a second, separately-keyed Provider backing the
// KeystoreProvider (so the keystore's own record never shows up as a
// garbled cache entry during Store.rehydrate), and — when
// cfg.Encryption.Enabled — the Encryptor that chain's key material
// feeds. The returned options are meant to be appended to the Store's
// constructor call.
func (c *Client) wirePersistence(ctx context.Context, cfg config.Config) ([]store.Option, error) {
	dataPersist, err := badgerprovider.New(badgerprovider.Options{
		DataDir:  cfg.Persistence.Dir,
		InMemory: cfg.Persistence.InMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache persistence: %w", err)
	}
	if err := dataPersist.Init(ctx); err != nil {
		return nil, fmt.Errorf("init cache persistence: %w", err)
	}
	c.persist = dataPersist

	keystoreDir := cfg.Persistence.Dir
	if keystoreDir != "" {
		keystoreDir = filepath.Join(keystoreDir, "keystore")
	}
	keystorePersist, err := badgerprovider.New(badgerprovider.Options{
		DataDir:  keystoreDir,
		InMemory: cfg.Persistence.InMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("open keystore persistence: %w", err)
	}
	if err := keystorePersist.Init(ctx); err != nil {
		return nil, fmt.Errorf("init keystore persistence: %w", err)
	}
	ks := keystore.New(keystorePersist)
	if err := ks.Init(ctx); err != nil {
		return nil, fmt.Errorf("init keystore: %w", err)
	}
	c.keystoreProvider = ks
	c.keystorePersist = keystorePersist

	opts := []store.Option{store.WithPersistence(dataPersist), store.WithKeystore(ks)}

	if !cfg.Encryption.Enabled {
		return opts, nil
	}
	enc, err := c.buildEncryptor(ctx, cfg, keystorePersist, ks)
	if err != nil {
		return nil, fmt.Errorf("build encryptor: %w", err)
	}
	opts = append(opts, store.WithEncryption(encryption.NewProvider(enc)))
	return opts, nil
}

// buildEncryptor resolves the key material EncryptionConfig describes,
// in priority order: an explicit KeyPath, a Passphrase (PBKDF2-derived
// against a salt persisted alongside the keystore), and finally — the
// common case — a random key the KeystoreProvider generates and stores
// on first use, fetched or regenerated via EnsureKey.
func (c *Client) buildEncryptor(ctx context.Context, cfg config.Config, salts persistence.Provider, ks *keystore.Provider) (*encryption.Encryptor, error) {
	switch {
	case cfg.Encryption.KeyPath != "":
		raw, err := os.ReadFile(cfg.Encryption.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key file %q: %w", cfg.Encryption.KeyPath, err)
		}
		material, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decode key file %q: %w", cfg.Encryption.KeyPath, err)
		}
		return encryption.NewEncryptor(material, true)

	case cfg.Encryption.Passphrase != "":
		salt, err := ensureSalt(ctx, salts)
		if err != nil {
			return nil, err
		}
		return encryption.NewEncryptorWithPassword(cfg.Encryption.Passphrase, salt, 0)

	default:
		encoded, err := ks.EnsureKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("ensure keystore key: %w", err)
		}
		material, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode keystore key: %w", err)
		}
		return encryption.NewEncryptor(material, true)
	}
}

// ensureSalt returns the PBKDF2 salt persisted under saltRecordKey,
// generating and storing one the first time a Passphrase-based
// encryptor is built.
func ensureSalt(ctx context.Context, p persistence.Provider) ([]byte, error) {
	if blob, err := p.Retrieve(ctx, saltRecordKey); err == nil {
		return blob, nil
	} else if err != persistence.ErrNotFound {
		return nil, fmt.Errorf("retrieve salt: %w", err)
	}

	salt, err := encryption.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := p.Persist(ctx, saltRecordKey, salt, time.Now(), time.Time{}); err != nil {
		return nil, fmt.Errorf("persist salt: %w", err)
	}
	return salt, nil
}

// Option configures optional Client collaborators at construction.
type Option func(*Client)

// WithLogger wires a structured logger used by the Client itself and
// handed down to every Store/Query it builds.
func WithLogger(log logr.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithBreakers overrides the default circuit-breaker registry.
func WithBreakers(r *circuit.Registry) Option {
	return func(c *Client) { c.breakers = r }
}

// WithNetworkStatus overrides the default (always-online) network
// status, for callers that drive reachability from a real platform
// signal.
func WithNetworkStatus(n *network.Status) Option {
	return func(c *Client) { c.net = n }
}

// Reset tears down the process singleton so a subsequent New can
// build a fresh one, e.g. with a different Config in tests.
func Reset() {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		singleton.pool.Close()
		singleton.st.Close()
		if singleton.keystoreProvider != nil {
			_ = singleton.keystoreProvider.Dispose()
		}
		if singleton.keystorePersist != nil {
			_ = singleton.keystorePersist.Dispose()
		}
		if singleton.persist != nil {
			_ = singleton.persist.Dispose()
		}
	}
	singleton = nil
	singletonCfg = config.Config{}
}

// Store exposes the underlying Store for callers that need direct
// cache access outside the Query/Mutation controllers (e.g. warming
// the cache at startup).
func (c *Client) Store() *store.Store { return c.st }

// Network exposes the reachability flag so callers can drive it from
// a real connectivity signal.
func (c *Client) Network() *network.Status { return c.net }

// Queue exposes the offline mutation queue so Mutations can be
// constructed against it.
func (c *Client) Queue() *offlinequeue.Queue { return c.queue }

// Observers exposes the observer set for add/remove/clear.
func (c *Client) Observers() *observer.Set { return c.observers }

// HasQuery reports whether key has a live, non-disposed Query or
// InfiniteQuery registered.
func (c *Client) HasQuery(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queries[key]; ok {
		return !q.Disposed()
	}
	_, ok := c.infinite[key]
	return ok
}

// QueryCount reports the number of live Query and InfiniteQuery
// registrations combined.
func (c *Client) QueryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries) + len(c.infinite)
}

// RemoveQuery disposes and unregisters the Query at key, if any.
func (c *Client) RemoveQuery(key string) {
	c.mu.Lock()
	q, ok := c.queries[key]
	if ok {
		delete(c.queries, key)
	}
	c.mu.Unlock()
	if ok {
		q.Dispose()
	}
}

// RemoveInfiniteQuery cancels and unregisters the InfiniteQuery at
// key, if any.
func (c *Client) RemoveInfiniteQuery(key string) {
	c.mu.Lock()
	q, ok := c.infinite[key]
	if ok {
		delete(c.infinite, key)
	}
	c.mu.Unlock()
	if ok {
		q.Cancel()
	}
}

// Clear disposes every registered Query and InfiniteQuery and empties
// the Store.
func (c *Client) Clear() {
	c.mu.Lock()
	queries := make([]queryHandle, 0, len(c.queries))
	for _, q := range c.queries {
		queries = append(queries, q)
	}
	infinites := make([]handle, 0, len(c.infinite))
	for _, q := range c.infinite {
		infinites = append(infinites, q)
	}
	c.queries = make(map[string]queryHandle)
	c.infinite = make(map[string]handle)
	c.mu.Unlock()

	for _, q := range queries {
		q.Dispose()
	}
	for _, q := range infinites {
		q.Cancel()
	}
	_ = c.st.Clear()
}

// InvalidateQuery marks key's cache entry stale (the cached value is
// kept, not removed) and triggers a refetch on the Query registered
// for key if it is not disposed, whether or not it has subscribers.
func (c *Client) InvalidateQuery(key string) {
	c.st.Invalidate(key)
	c.refetchIfLive(key)
}

// InvalidateQueries invalidates every key in keys.
func (c *Client) InvalidateQueries(keys []string) {
	for _, key := range keys {
		c.InvalidateQuery(key)
	}
}

// InvalidateQueriesWithPrefix invalidates every cache entry whose key
// starts with prefix and refetches any matching live Query.
func (c *Client) InvalidateQueriesWithPrefix(prefix string) {
	c.st.InvalidateWithPrefix(prefix)
	c.refetchWhere(func(key string) bool { return len(key) >= len(prefix) && key[:len(prefix)] == prefix })
}

// InvalidateQueriesWhere invalidates every cache entry whose key
// satisfies pred and refetches any matching live Query.
func (c *Client) InvalidateQueriesWhere(pred func(key string) bool) {
	c.st.InvalidateWhere(pred)
	c.refetchWhere(pred)
}

func (c *Client) refetchIfLive(key string) {
	c.mu.Lock()
	q, ok := c.queries[key]
	c.mu.Unlock()
	if ok && !q.Disposed() {
		q.Fetch(context.Background(), true)
	}
}

func (c *Client) refetchWhere(pred func(key string) bool) {
	c.mu.Lock()
	var matched []queryHandle
	for key, q := range c.queries {
		if pred(key) {
			matched = append(matched, q)
		}
	}
	c.mu.Unlock()

	for _, q := range matched {
		if !q.Disposed() {
			q.Fetch(context.Background(), true)
		}
	}
}

// GetQuery returns key's existing live Query[T], or constructs and
// registers one via fetcher/opts. A newly constructed Query starts
// Idle; it reads the cache on its first Subscribe, not at
// construction.
func GetQuery[T any](c *Client, key string, fetcher query.Fetcher[T], opts query.Options) *query.Query[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.queries[key]; ok && !existing.Disposed() {
		if q, ok := existing.(*query.Query[T]); ok {
			return q
		}
	}

	q := query.New[T](key, fetcher, opts, query.Deps{
		Store:     c.st,
		Observers: c.observers,
		Breakers:  c.breakers,
		Pool:      c.pool,
		Log:       c.log,
	})
	c.queries[key] = q
	return q
}

// GetInfiniteQuery returns key's existing live InfiniteQuery, or
// constructs and registers one via fetcher/opts.
func GetInfiniteQuery[TData any, TParam any](c *Client, key string, fetcher infinite.Fetcher[TData, TParam], opts infinite.Options[TData, TParam]) *infinite.InfiniteQuery[TData, TParam] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.infinite[key]; ok {
		if q, ok := existing.(*infinite.InfiniteQuery[TData, TParam]); ok {
			return q
		}
	}

	q := infinite.New[TData, TParam](key, fetcher, opts, infinite.Deps{Observers: c.observers})
	c.infinite[key] = q
	return q
}

// PrefetchQuery fetches and caches key if the cached value isn't
// already fresh, then disposes the transient Query it used to do so.
// A cached value counts as fresh under its own StaleTime or, when
// opts.StaleTime is longer, under opts.StaleTime.
func PrefetchQuery[T any](ctx context.Context, c *Client, key string, fetcher query.Fetcher[T], opts query.Options) error {
	if cached, ok := store.Peek[T](c.st, key); ok {
		now := time.Now()
		if cached.IsFresh(now) || now.Sub(cached.CreatedAt) < opts.StaleTime {
			return nil
		}
	}

	q := query.New[T](key, fetcher, opts, query.Deps{
		Store:     c.st,
		Observers: c.observers,
		Breakers:  c.breakers,
		Pool:      c.pool,
		Log:       c.log,
	})
	defer q.Dispose()

	q.Fetch(ctx, true)
	st := q.Snapshot()
	if st.Status == query.Error {
		return st.Err
	}
	return st.LastError
}

// PrefetchTask pairs a key/fetcher for PrefetchQueries' parallel fan-out.
type PrefetchTask struct {
	Key   string
	Fetch func(ctx context.Context) error
}

// PrefetchQueries runs tasks in parallel; one task's failure does not
// cancel the others, and every error is returned keyed by Key.
func PrefetchQueries(ctx context.Context, tasks []PrefetchTask) map[string]error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	errs := make(map[string]error)

	for _, task := range tasks {
		wg.Add(1)
		go func(task PrefetchTask) {
			defer wg.Done()
			if err := task.Fetch(ctx); err != nil {
				mu.Lock()
				errs[task.Key] = err
				mu.Unlock()
			}
		}(task)
	}
	wg.Wait()
	return errs
}

// SetQueryData writes data to the store under key and, if a live
// Query[T] is registered there, updates its observable state too.
func SetQueryData[T any](c *Client, key string, data T, isSecure bool, maxAge time.Duration) error {
	if err := store.Set(c.st, key, data, entry.Options{IsSecure: isSecure, MaxAge: maxAge}); err != nil {
		return fmt.Errorf("client: setQueryData %q: %w", key, err)
	}

	c.mu.Lock()
	existing, ok := c.queries[key]
	c.mu.Unlock()
	if ok {
		if q, ok := existing.(*query.Query[T]); ok {
			q.UpdateFromCache(data)
		}
	}
	return nil
}

// GetQueryData peeks the store for key's cached value without
// affecting any live Query's subscriber bookkeeping.
func GetQueryData[T any](c *Client, key string) (T, bool) {
	return store.Get[T](c.st, key)
}

// OnAppPausedOrDetached clears every secure cache entry, per the
// lifecycle contract that sensitive data never survives the app
// leaving the foreground.
func (c *Client) OnAppPausedOrDetached() {
	c.st.ClearSecure()
}
