// Package store implements fasq's Store: the generic, type-erased
// key/value cache that Query and Mutation sit on top of. It owns
// entry storage, staleness/GC bookkeeping, size/count-budget
// eviction, hot-key promotion, and — for non-secure entries — durable
// encrypted persistence.
//
// Go methods can't themselves be generic, so the typed surface
// (Get/Set/Deduplicate) is a set of package-level functions operating
// on a non-generic *Store; internally every entry is boxed as
// entry.Entry[any] and cast back to T at the call site.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/orneryd/fasq/pkg/config"
	"github.com/orneryd/fasq/pkg/encryption"
	"github.com/orneryd/fasq/pkg/entry"
	"github.com/orneryd/fasq/pkg/eviction"
	"github.com/orneryd/fasq/pkg/hotset"
	"github.com/orneryd/fasq/pkg/keystore"
	"github.com/orneryd/fasq/pkg/metrics"
	"github.com/orneryd/fasq/pkg/persistence"
)

// persistenceTimeout bounds every individual async persistence
// operation so a slow or wedged backend can't leak goroutines.
const persistenceTimeout = 5 * time.Second

// Store is fasq's entry table. The zero value is not usable; build one
// with New.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry.Entry[any]

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]*inflightCall

	hot              *hotset.HotSet[any]
	evictionStrategy eviction.Strategy
	cfg              config.CacheConfig

	persist          persistence.Provider
	enc              *encryption.Provider
	keystoreProvider *keystore.Provider
	rec              *metrics.Recorder
	codecs           *persistence.CodecRegistry
	log              logr.Logger

	currentSize int64

	gcStop chan struct{}
	gcDone chan struct{}
}

// inflightCall tracks a single in-progress fetch so concurrent callers
// for the same key share one execution instead of each triggering
// their own fetch.
type inflightCall struct {
	done chan struct{}
	data any
	err  error
}

// Option configures optional Store collaborators.
type Option func(*Store)

// WithPersistence wires a durable backend; entries that are not
// IsSecure are written through it. Omit to run purely in-memory.
func WithPersistence(p persistence.Provider) Option {
	return func(s *Store) { s.persist = p }
}

// WithEncryption wires the seal/open used before persisting a value.
// A nil or disabled Provider makes persistence store plaintext.
func WithEncryption(enc *encryption.Provider) Option {
	return func(s *Store) { s.enc = enc }
}

// WithKeystore wires the KeystoreProvider backing WithEncryption's key
// material. Store does not call it directly today — it is accepted so
// callers can hand Store the same lifecycle object the rest of the
// client uses — but holding the reference keeps Store's Close/Dispose
// ordering correct relative to its persistence.Provider.
func WithKeystore(ks *keystore.Provider) Option {
	return func(s *Store) { s.keystoreProvider = ks }
}

// WithMetrics wires an OTel recorder. Omit for a no-op recorder.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Store) { s.rec = rec }
}

// WithLogger wires a structured logger. Omit for logr.Discard().
func WithLogger(log logr.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithCodecRegistry overrides the default (empty) codec registry, for
// callers that want to pre-register non-JSON codecs.
func WithCodecRegistry(r *persistence.CodecRegistry) Option {
	return func(s *Store) { s.codecs = r }
}

// New builds a Store from cfg. If cfg.Performance.HotCacheSize is
// non-positive, hotset.DefaultCapacity is used.
func New(cfg config.CacheConfig, opts ...Option) (*Store, error) {
	hot, err := hotset.New[any](hotset.Config{
		Capacity:           cfg.Performance.HotCacheSize,
		PromotionThreshold: hotset.DefaultPromotionThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("store: build hot set: %w", err)
	}

	s := &Store{
		entries:          make(map[string]*entry.Entry[any]),
		locks:            make(map[string]*sync.Mutex),
		inflight:         make(map[string]*inflightCall),
		hot:              hot,
		evictionStrategy: eviction.New(toEvictionPolicy(cfg.EvictionPolicy)),
		cfg:              cfg,
		codecs:           persistence.NewCodecRegistry(),
		log:              logr.Discard(),
		rec:              &metrics.Recorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func toEvictionPolicy(p config.EvictionPolicy) eviction.Policy {
	switch p {
	case config.EvictionLFU:
		return eviction.LFU
	case config.EvictionFIFO:
		return eviction.FIFO
	default:
		return eviction.LRU
	}
}

// Start rehydrates persisted entries (if a persistence.Provider is
// configured) and launches the GC loop. Call once after New.
func (s *Store) Start(ctx context.Context) error {
	if err := s.rehydrate(ctx); err != nil {
		s.log.Error(err, "store: rehydrate failed, starting cold")
	}
	s.gcStop = make(chan struct{})
	s.gcDone = make(chan struct{})
	go s.gcLoop()
	return nil
}

// Close stops the GC loop and releases the hot set's goroutines. The
// wired persistence.Provider and keystore.Provider are owned by the
// caller and are not disposed here.
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	s.hot.Close()
	return nil
}

// lockFor returns the per-key mutex for key, creating it on first use.
// Locks are never removed: a client's key space is bounded by
// MaxEntries in steady state, so this is a small, long-lived map.
func (s *Store) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// WithLock runs f while holding key's per-key mutex. Only other
// WithLock calls and the async persistence write for key take that
// mutex; Set and Remove do not.
func (s *Store) WithLock(key string, f func() error) error {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()
	return f()
}

// Get returns key's value cast to T, bumping its access bookkeeping
// and promoting it into the hot set once its access count crosses the
// promotion threshold. The bool is false on a miss or a type mismatch.
func Get[T any](s *Store, key string) (T, bool) {
	var zero T
	now := time.Now()

	if v, ok := s.hot.Get(key); ok {
		if typed, ok := v.(T); ok {
			s.bumpAccess(key, now)
			s.recordHit()
			return typed, true
		}
	}

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		s.recordMiss()
		return zero, false
	}
	typed, ok := e.Data.(T)
	if !ok {
		s.mu.Unlock()
		s.recordMiss()
		return zero, false
	}
	e.Touch(now)
	promote := s.hot.ShouldPromote(e.AccessCount)
	s.mu.Unlock()

	if promote {
		s.hot.Promote(key, e.Data)
	}
	s.recordHit()
	return typed, true
}

// Peek returns a copy of key's Entry without bumping access
// bookkeeping, for callers (Query) that need to inspect freshness or
// GC eligibility without counting as a read.
func Peek[T any](s *Store, key string) (*entry.Entry[T], bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	typed, ok := e.Data.(T)
	if !ok {
		return nil, false
	}
	return &entry.Entry[T]{
		Data:           typed,
		HasValue:       e.HasValue,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
		AccessCount:    e.AccessCount,
		StaleTime:      e.StaleTime,
		CacheTime:      e.CacheTime,
		ReferenceCount: e.ReferenceCount,
		IsSecure:       e.IsSecure,
		ExpiresAt:      e.ExpiresAt,
		Version:        e.Version,
	}, true
}

func (s *Store) bumpAccess(key string, now time.Time) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.Touch(now)
	}
	s.mu.Unlock()
}

func (s *Store) recordHit() {
	if s.rec != nil {
		s.rec.Hit(context.Background())
	}
}

func (s *Store) recordMiss() {
	if s.rec != nil {
		s.rec.Miss(context.Background())
	}
}

// Set inserts or overwrites key with data, then runs eviction if the
// store is now over its size or count budget, and — for non-secure
// entries, when a persistence.Provider is wired — schedules an async
// write-through. A zero StaleTime or CacheTime in opts takes the
// store's configured DefaultStaleTime or DefaultCacheTime.
func Set[T any](s *Store, key string, data T, opts entry.Options) error {
	if err := entry.ValidateKey(key); err != nil {
		return err
	}
	if opts.IsSecure && opts.MaxAge <= 0 {
		return fmt.Errorf("store: set %q: IsSecure entries require MaxAge > 0", key)
	}
	if opts.StaleTime == 0 {
		opts.StaleTime = s.cfg.DefaultStaleTime
	}
	if opts.CacheTime == 0 {
		opts.CacheTime = s.cfg.DefaultCacheTime
	}

	now := time.Now()
	e := entry.New(data, opts, now)
	boxed := &entry.Entry[any]{
		Data:           any(e.Data),
		HasValue:       e.HasValue,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
		StaleTime:      e.StaleTime,
		CacheTime:      e.CacheTime,
		IsSecure:       e.IsSecure,
		ExpiresAt:      e.ExpiresAt,
	}

	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		boxed.ReferenceCount = old.ReferenceCount
		boxed.Version = old.Version + 1
		s.currentSize -= ApproxSize(old.Data)
	}
	s.entries[key] = boxed
	s.currentSize += ApproxSize(boxed.Data)
	s.mu.Unlock()

	s.hot.Remove(key) // stale promoted copy would otherwise outlive this write

	s.evictIfOverBudget()

	if !opts.IsSecure && s.persist != nil {
		s.schedulePersist(key, boxed)
	}
	return nil
}

// Remove deletes key from the store, the hot set, and (if wired)
// persistence.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		s.currentSize -= ApproxSize(e.Data)
		delete(s.entries, key)
	}
	s.mu.Unlock()
	s.hot.Remove(key)

	if s.persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistenceTimeout)
		defer cancel()
		if err := s.persist.Remove(ctx, key); err != nil {
			return fmt.Errorf("store: remove %q: %w", key, err)
		}
	}
	return nil
}

// Clear empties every entry, secure or not.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.entries = make(map[string]*entry.Entry[any])
	s.currentSize = 0
	s.mu.Unlock()
	s.hot.Clear()

	if s.persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistenceTimeout)
		defer cancel()
		if err := s.persist.Clear(ctx); err != nil {
			return fmt.Errorf("store: clear: %w", err)
		}
	}
	return nil
}

// ClearSecure removes only IsSecure entries, e.g. on an app-lifecycle
// "lock" event that should drop sensitive in-memory data without
// discarding the rest of the cache.
func (s *Store) ClearSecure() {
	s.mu.Lock()
	for key, e := range s.entries {
		if e.IsSecure {
			s.currentSize -= ApproxSize(e.Data)
			delete(s.entries, key)
			s.hot.Remove(key)
		}
	}
	s.mu.Unlock()
}

// Invalidate marks key stale by zeroing its StaleTime, so the next Get
// is treated as stale by Query without removing the cached value
// outright (Query may still show it while revalidating).
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.StaleTime = 0
	}
	s.mu.Unlock()
}

// InvalidateWithPrefix invalidates every key starting with prefix.
func (s *Store) InvalidateWithPrefix(prefix string) {
	s.InvalidateWhere(func(key string) bool {
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	})
}

// InvalidateWhere invalidates every key for which pred returns true.
func (s *Store) InvalidateWhere(pred func(key string) bool) {
	s.mu.Lock()
	for key, e := range s.entries {
		if pred(key) {
			e.StaleTime = 0
		}
	}
	s.mu.Unlock()
}

// IncRef increments key's reference count, pinning it against
// size/count-pressure eviction while referenced. Query calls this on
// subscribe.
func (s *Store) IncRef(key string) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.ReferenceCount++
	}
	s.mu.Unlock()
}

// DecRef decrements key's reference count. Query calls this on
// unsubscribe; it is a no-op once the count reaches zero.
func (s *Store) DecRef(key string) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok && e.ReferenceCount > 0 {
		e.ReferenceCount--
	}
	s.mu.Unlock()
}

// Deduplicate runs fetch for key, sharing one in-flight call across
// concurrent callers: if a call for key is already running, this
// blocks on its result instead of starting a second one. On success
// the result is written through Set with opts.
func Deduplicate[T any](ctx context.Context, s *Store, key string, opts entry.Options, fetch func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	s.inflightMu.Lock()
	if existing, ok := s.inflight[key]; ok {
		s.inflightMu.Unlock()
		select {
		case <-existing.done:
			if existing.err != nil {
				return zero, existing.err
			}
			typed, ok := existing.data.(T)
			if !ok {
				return zero, fmt.Errorf("store: deduplicate %q: in-flight result type mismatch", key)
			}
			return typed, nil
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	call := &inflightCall{done: make(chan struct{})}
	s.inflight[key] = call
	s.inflightMu.Unlock()

	data, err := fetch(ctx)

	s.inflightMu.Lock()
	delete(s.inflight, key)
	s.inflightMu.Unlock()

	call.data = data
	call.err = err
	close(call.done)

	if err != nil {
		return zero, err
	}
	if serr := Set(s, key, data, opts); serr != nil {
		return zero, serr
	}
	return data, nil
}

// ApproxSize estimates the in-memory footprint of v for budget
// accounting. Byte slices and strings use their exact length; any
// value implementing `Size() int64` is trusted; everything else is
// measured via its JSON encoding, which is the cheapest
// representation-agnostic proxy available without reflection into
// unexported fields. Exported so callers outside the store (Query's
// isolate-threshold check) can size a value the same way.
func ApproxSize(v any) int64 {
	switch x := v.(type) {
	case []byte:
		return int64(len(x))
	case string:
		return int64(len(x))
	}
	if sz, ok := v.(interface{ Size() int64 }); ok {
		return sz.Size()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 64
	}
	return int64(len(b))
}

// evictIfOverBudget runs eviction once the store is over either its
// byte or entry-count budget: it evicts as many unreferenced
// candidates as the configured strategy offers, records an overbudget
// metric if that isn't enough, and never blocks or drops the write
// that triggered it — a store with only referenced entries is allowed
// to run temporarily over budget rather than stall callers.
func (s *Store) evictIfOverBudget() {
	s.mu.Lock()
	overSize := s.cfg.MaxCacheSize > 0 && s.currentSize > s.cfg.MaxCacheSize
	overCount := s.cfg.MaxEntries > 0 && len(s.entries) > s.cfg.MaxEntries
	if !overSize && !overCount {
		s.mu.Unlock()
		return
	}

	candidates := make([]eviction.Candidate, 0, len(s.entries))
	for key, e := range s.entries {
		if e.ReferenceCount != 0 {
			continue
		}
		candidates = append(candidates, eviction.Candidate{
			Key:            key,
			CreatedAt:      e.CreatedAt,
			LastAccessedAt: e.LastAccessedAt,
			AccessCount:    e.AccessCount,
			Size:           ApproxSize(e.Data),
			ReferenceCount: e.ReferenceCount,
		})
	}
	ordered := s.evictionStrategy.Order(candidates)

	targetSize := int64(float64(s.cfg.MaxCacheSize) * 0.9)
	targetCount := int(float64(s.cfg.MaxEntries) * 0.9)

	var evicted []string
	size, count := s.currentSize, len(s.entries)
	for _, c := range ordered {
		if size <= targetSize && count <= targetCount {
			break
		}
		evicted = append(evicted, c.Key)
		size -= c.Size
		count--
	}
	metTarget := size <= targetSize && count <= targetCount

	for _, key := range evicted {
		if e, ok := s.entries[key]; ok {
			s.currentSize -= ApproxSize(e.Data)
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()

	for _, key := range evicted {
		s.hot.Remove(key)
	}
	if s.rec != nil {
		ctx := context.Background()
		s.rec.Eviction(ctx, len(evicted))
		if !metTarget {
			s.rec.OverBudget(ctx)
		}
	}
}

// gcLoop periodically removes unreferenced, idle-past-CacheTime or
// expired-secure entries, independent of size/count pressure.
func (s *Store) gcLoop() {
	defer close(s.gcDone)
	interval := s.cfg.DefaultCacheTime
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()
	var dead []string

	s.mu.Lock()
	for key, e := range s.entries {
		if e.ShouldGC(now) {
			dead = append(dead, key)
			s.currentSize -= ApproxSize(e.Data)
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()

	if len(dead) == 0 {
		return
	}
	for _, key := range dead {
		s.hot.Remove(key)
	}
	if s.persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistenceTimeout)
		defer cancel()
		if err := s.persist.RemoveMultiple(ctx, dead); err != nil {
			s.log.Error(err, "store: gc failed to remove persisted records", "count", len(dead))
		}
	}
}

// schedulePersist serializes, seals, and writes e through under key,
// running on its own goroutine so Set never blocks on I/O. Writes for
// a given key are serialized through its WithLock mutex, and a write
// whose entry no longer holds key by the time it gets that mutex (a
// newer Set replaced it, or it was removed) is skipped, so an
// out-of-order goroutine can't persist a stale version after a newer
// one.
func (s *Store) schedulePersist(key string, e *entry.Entry[any]) {
	typeName := reflect.TypeOf(e.Data).String()
	if _, ok := s.codecs.Lookup(typeName); !ok {
		s.codecs.Register(genericCodec{typeName: typeName})
	}

	go func() {
		l := s.lockFor(key)
		l.Lock()
		defer l.Unlock()

		s.mu.RLock()
		current := s.entries[key]
		s.mu.RUnlock()
		if current != e {
			return
		}

		data, err := json.Marshal(e.Data)
		if err != nil {
			s.log.Error(err, "store: persist: encode failed", "key", key)
			return
		}
		rec := persistence.Record{
			DataType:        typeName,
			Data:            data,
			CreatedAt:       e.CreatedAt,
			LastAccessedAt:  e.LastAccessedAt,
			AccessCount:     e.AccessCount,
			StaleTimeMillis: e.StaleTime.Milliseconds(),
			CacheTimeMillis: e.CacheTime.Milliseconds(),
			HasValue:        e.HasValue,
		}
		blob, err := json.Marshal(rec)
		if err != nil {
			s.log.Error(err, "store: persist: encode envelope failed", "key", key)
			return
		}
		if s.enc != nil {
			if blob, err = s.enc.Seal(blob); err != nil {
				s.log.Error(err, "store: persist: seal failed", "key", key)
				return
			}
		}

		var expiresAt time.Time
		if e.CacheTime > 0 {
			expiresAt = e.CreatedAt.Add(e.CacheTime)
		}

		ctx, cancel := context.WithTimeout(context.Background(), persistenceTimeout)
		defer cancel()
		if err := s.persist.Persist(ctx, key, blob, e.CreatedAt, expiresAt); err != nil {
			s.log.Error(err, "store: persist failed", "key", key)
		}
	}()
}

// genericCodec is a persistence.Codec that trusts its caller to decode
// into the right shape via plain JSON unmarshal into `any` (producing
// maps/slices/primitives). It backs rehydration for types that were
// never Get/Set as a concrete T again before restart; callers that
// round-trip through Get[T] after rehydration still get a correctly
// shaped value because Get's type assertion will simply miss for a
// mismatched T, matching an ordinary cache-miss.
type genericCodec struct{ typeName string }

func (c genericCodec) DataType() string { return c.typeName }

func (genericCodec) Encode(value any) ([]byte, error) { return json.Marshal(value) }

func (genericCodec) Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// rehydrate loads every persisted, non-expired record back into
// memory at startup. Corrupt or undecodable records are dropped
// rather than failing the whole load.
func (s *Store) rehydrate(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	keys, err := s.persist.AllKeys(ctx)
	if err != nil {
		return fmt.Errorf("store: rehydrate: list keys: %w", err)
	}

	now := time.Now()
	var stale []string
	for _, key := range keys {
		blob, err := s.persist.Retrieve(ctx, key)
		if err != nil {
			continue
		}
		if s.enc != nil {
			if blob, err = s.enc.Open(blob); err != nil {
				s.log.Error(err, "store: rehydrate: decrypt failed, dropping", "key", key)
				stale = append(stale, key)
				continue
			}
		}
		var rec persistence.Record
		if err := json.Unmarshal(blob, &rec); err != nil {
			s.log.Error(err, "store: rehydrate: decode envelope failed, dropping", "key", key)
			stale = append(stale, key)
			continue
		}
		if rec.Expired(now) {
			stale = append(stale, key)
			continue
		}

		codec, ok := s.codecs.Lookup(rec.DataType)
		if !ok {
			codec = genericCodec{typeName: rec.DataType}
		}
		value, err := codec.Decode(rec.Data)
		if err != nil {
			s.log.Error(err, "store: rehydrate: decode value failed, dropping", "key", key)
			stale = append(stale, key)
			continue
		}

		e := &entry.Entry[any]{
			Data:           value,
			HasValue:       rec.HasValue,
			CreatedAt:      rec.CreatedAt,
			LastAccessedAt: rec.LastAccessedAt,
			AccessCount:    rec.AccessCount,
			StaleTime:      time.Duration(rec.StaleTimeMillis) * time.Millisecond,
			CacheTime:      time.Duration(rec.CacheTimeMillis) * time.Millisecond,
		}
		s.mu.Lock()
		s.entries[key] = e
		s.currentSize += ApproxSize(value)
		s.mu.Unlock()
	}

	if len(stale) > 0 {
		if err := s.persist.RemoveMultiple(ctx, stale); err != nil {
			s.log.Error(err, "store: rehydrate: failed to sweep stale records", "count", len(stale))
		}
	}
	return nil
}

// Len reports the number of entries currently in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Size reports the store's current approximate byte footprint.
func (s *Store) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// Keys returns a sorted snapshot of every key currently in memory, for
// tests and diagnostics.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
