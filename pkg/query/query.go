// Package query implements the Query controller: a cached, subscribed,
// auto-revalidating view over a single keyed fetch, backed by a
// store.Store for both the cached value and fetch deduplication.
package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/orneryd/fasq/pkg/circuit"
	"github.com/orneryd/fasq/pkg/entry"
	"github.com/orneryd/fasq/pkg/observer"
	"github.com/orneryd/fasq/pkg/store"
	"github.com/orneryd/fasq/pkg/workerpool"
)

// Status tags a Query's position in its state machine.
type Status int

const (
	Idle Status = iota
	Loading
	Success
	Error
)

func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Success:
		return "success"
	case Error:
		return "error"
	default:
		return "idle"
	}
}

// State is a Query's externally-observable snapshot at any instant.
type State[T any] struct {
	Status        Status
	Data          T
	HasData       bool
	Err           error
	LastError     error // set by a failed background refetch; Status stays Success
	IsFetching    bool
	IsStale       bool
	DataUpdatedAt time.Time
}

// DefaultDisposalDelay is how long a Query lingers after its last
// unsubscribe before disposing itself, giving a re-subscribing caller
// (e.g. a re-mounted component) a window to cancel the teardown.
const DefaultDisposalDelay = 5 * time.Second

// PerformanceOptions tunes a Query's fetch protection.
type PerformanceOptions struct {
	EnableMetrics          bool
	FetchTimeout           time.Duration // 0 disables the per-fetch timeout
	AutoIsolate            bool
	IsolateThreshold       int64
	MaxRetries             int
	InitialRetryDelay      time.Duration
	RetryBackoffMultiplier float64
}

// DefaultPerformanceOptions matches the documented defaults: three
// retries, starting at a one-second delay, doubling each attempt.
func DefaultPerformanceOptions() PerformanceOptions {
	return PerformanceOptions{
		EnableMetrics:          true,
		MaxRetries:             3,
		InitialRetryDelay:      time.Second,
		RetryBackoffMultiplier: 2.0,
	}
}

// Options configures a Query's caching and fetch-protection behavior.
type Options struct {
	Enabled        bool
	StaleTime      time.Duration
	CacheTime      time.Duration
	RefetchOnMount bool
	IsSecure       bool
	MaxAge         time.Duration
	OnSuccess      func(data any)
	OnError        func(err error)
	Performance    PerformanceOptions
	Meta           any
	CircuitBreaker string
	DisposalDelay  time.Duration // 0 means DefaultDisposalDelay
}

// DefaultOptions returns an enabled Query's default configuration.
func DefaultOptions() Options {
	return Options{
		Enabled:     true,
		CacheTime:   5 * time.Minute,
		Performance: DefaultPerformanceOptions(),
	}
}

func (o Options) toEntryOptions() entry.Options {
	return entry.Options{
		StaleTime: o.StaleTime,
		CacheTime: o.CacheTime,
		IsSecure:  o.IsSecure,
		MaxAge:    o.MaxAge,
	}
}

// Fetcher produces the value a Query caches under its key.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Transform runs on a successfully fetched value, optionally offloaded
// to a worker pool when the value's size crosses
// Performance.IsolateThreshold.
type Transform[T any] func(T) (T, error)

// Deps bundles the shared, process-local collaborators a Query needs
// beyond its own key/fetcher/options: the cache store, the observer
// fan-out, an optional circuit-breaker registry, and an optional
// worker pool for isolated transforms. All may be nil except Store.
type Deps struct {
	Store     *store.Store
	Observers *observer.Set
	Breakers  *circuit.Registry
	Pool      *workerpool.Pool
	Log       logr.Logger
}

// canceller is the type-erased handle a parent Query uses to cancel a
// direct child's in-flight fetch on disposal, without either side
// needing to know the other's generic type parameter.
type canceller interface {
	Key() string
	Ancestors() []string
	cancelInFlight()
	setAncestors([]string)
}

// Query owns one cached key's fetch state: a broadcast state snapshot,
// a reference count gating its disposal, and the protected-fetch
// pipeline (dedup, timeout, retry, circuit breaker, optional isolated
// transform).
type Query[T any] struct {
	mu sync.Mutex

	key      string
	deps     Deps
	fetcher  Fetcher[T]
	transform Transform[T]
	opts     Options

	state    State[T]
	refCount int32

	ancestors []string
	children  map[string]canceller

	cancel       context.CancelFunc
	disposeTimer *time.Timer
	disposed     bool
}

// New constructs a Query for key. fetcher may be nil for a Query that
// is only ever seeded via setQueryData and never fetches on its own.
func New[T any](key string, fetcher Fetcher[T], opts Options, deps Deps) *Query[T] {
	if opts.Performance.MaxRetries == 0 && opts.Performance.InitialRetryDelay == 0 && opts.Performance.RetryBackoffMultiplier == 0 {
		opts.Performance = DefaultPerformanceOptions()
	}
	return &Query[T]{
		key:     key,
		deps:    deps,
		fetcher: fetcher,
		opts:    opts,
		state:   State[T]{Status: Idle},
	}
}

// WithTransform attaches a post-fetch transform, run inline or on the
// worker pool depending on Performance.AutoIsolate/IsolateThreshold.
func (q *Query[T]) WithTransform(t Transform[T]) *Query[T] {
	q.mu.Lock()
	q.transform = t
	q.mu.Unlock()
	return q
}

// Key returns the Query's cache key.
func (q *Query[T]) Key() string { return q.key }

// Ancestors returns the chain of parent keys from the nearest parent
// to the root, oldest-last.
func (q *Query[T]) Ancestors() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.ancestors))
	copy(out, q.ancestors)
	return out
}

func (q *Query[T]) setAncestors(a []string) {
	q.mu.Lock()
	q.ancestors = a
	q.mu.Unlock()
}

func (q *Query[T]) cancelInFlight() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RegisterChild declares child as a direct dependent of q: disposing q
// cancels child's in-flight fetch (but does not dispose child itself).
// Self-loops and cycles (child already an ancestor of q) are rejected.
func (q *Query[T]) RegisterChild(child canceller) error {
	if child.Key() == q.key {
		return fmt.Errorf("query: %q: cannot register itself as its own child", q.key)
	}
	for _, anc := range q.Ancestors() {
		if anc == child.Key() {
			return fmt.Errorf("query: %q: registering %q as a child would create a cycle", q.key, child.Key())
		}
	}
	child.setAncestors(append(q.Ancestors(), q.key))

	q.mu.Lock()
	if q.children == nil {
		q.children = make(map[string]canceller)
	}
	q.children[child.Key()] = child
	q.mu.Unlock()
	return nil
}

// UnregisterChild removes a previously registered child.
func (q *Query[T]) UnregisterChild(key string) {
	q.mu.Lock()
	delete(q.children, key)
	q.mu.Unlock()
}

// Snapshot returns the Query's current state.
func (q *Query[T]) Snapshot() State[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Query[T]) setState(next State[T]) {
	q.mu.Lock()
	prev := q.state
	q.state = next
	q.mu.Unlock()
	q.notify(prev, next)
}

func (q *Query[T]) notify(prev, next State[T]) {
	if q.deps.Observers == nil {
		return
	}
	snap := observer.Snapshot{
		Key:        q.key,
		Previous:   prev.Status.String(),
		Current:    next.Status.String(),
		Meta:       q.opts.Meta,
		ObservedAt: time.Now(),
		Err:        next.Err,
	}
	switch next.Status {
	case Loading:
		q.deps.Observers.NotifyQuery("loading", snap)
	case Success:
		q.deps.Observers.NotifyQuery("success", snap)
	case Error:
		q.deps.Observers.NotifyQuery("error", snap)
	}
}

// Subscribe registers interest in q, incrementing its reference count,
// cancelling any pending disposal, and triggering the first fetch if
// this is the first subscriber. It returns the state at subscription
// time; callers observe further transitions via their own polling or
// an Observer registered on Deps.Observers.
func (q *Query[T]) Subscribe(ctx context.Context) State[T] {
	q.mu.Lock()
	q.refCount++
	first := q.refCount == 1
	if q.disposeTimer != nil {
		q.disposeTimer.Stop()
		q.disposeTimer = nil
	}
	q.mu.Unlock()

	q.deps.Store.IncRef(q.key)

	if first {
		q.primeAndFetch(ctx, false)
	}
	return q.Snapshot()
}

// Unsubscribe releases one reference. Once the count reaches zero,
// disposal is scheduled after Options.DisposalDelay (default 5s); a
// Subscribe within that window cancels the scheduled disposal.
func (q *Query[T]) Unsubscribe() {
	q.deps.Store.DecRef(q.key)

	q.mu.Lock()
	if q.refCount > 0 {
		q.refCount--
	}
	zero := q.refCount == 0
	q.mu.Unlock()

	if zero {
		q.scheduleDisposal()
	}
}

func (q *Query[T]) scheduleDisposal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return
	}
	delay := q.opts.DisposalDelay
	if delay <= 0 {
		delay = DefaultDisposalDelay
	}
	if q.disposeTimer != nil {
		q.disposeTimer.Stop()
	}
	q.disposeTimer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		stillZero := q.refCount == 0
		q.mu.Unlock()
		if stillZero {
			q.Dispose()
		}
	})
}

// Cancel drops the in-flight fetch, if any, without changing state.
// Any in-flight goroutine's eventual result is discarded.
func (q *Query[T]) Cancel() {
	q.cancelInFlight()
}

// Dispose cancels q's in-flight fetch and its direct children's, then
// marks q unusable. Disposing a Query whose refcount is nonzero (a
// caller forced it) still proceeds.
func (q *Query[T]) Dispose() {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	q.disposed = true
	children := make([]canceller, 0, len(q.children))
	for _, c := range q.children {
		children = append(children, c)
	}
	if q.disposeTimer != nil {
		q.disposeTimer.Stop()
		q.disposeTimer = nil
	}
	q.mu.Unlock()

	q.cancelInFlight()
	for _, c := range children {
		c.cancelInFlight()
	}
}

// Disposed reports whether Dispose has run.
func (q *Query[T]) Disposed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.disposed
}

// primeAndFetch implements the first-subscribe branch of the state
// machine: serve a fresh cached value outright, reveal a stale one
// while revalidating in the background, or go straight to Loading.
func (q *Query[T]) primeAndFetch(ctx context.Context, forceRefetch bool) {
	now := time.Now()
	cached, ok := store.Peek[T](q.deps.Store, q.key)

	fresh := ok && cached.IsFresh(now) && !forceRefetch
	if !q.opts.Enabled {
		// Disabled queries never auto-fetch; they only ever reflect
		// whatever the cache already holds. A manual Fetch call still
		// runs the pipeline regardless of Enabled.
		if ok && cached.HasValue {
			q.setState(State[T]{
				Status:        Success,
				Data:          cached.Data,
				HasData:       true,
				IsStale:       !fresh,
				DataUpdatedAt: cached.CreatedAt,
			})
		}
		return
	}

	switch {
	case fresh:
		q.setState(State[T]{
			Status:        Success,
			Data:          cached.Data,
			HasData:       true,
			IsFetching:    q.opts.RefetchOnMount,
			DataUpdatedAt: cached.CreatedAt,
		})
		if !q.opts.RefetchOnMount {
			return
		}
		go q.runFetch(ctx, cached.Data, true, true)
	case ok && cached.HasValue:
		q.setState(State[T]{
			Status:        Success,
			Data:          cached.Data,
			HasData:       true,
			IsFetching:    true,
			IsStale:       !forceRefetch,
			DataUpdatedAt: cached.CreatedAt,
		})
		go q.runFetch(ctx, cached.Data, true, false)
	default:
		q.setState(State[T]{Status: Loading, IsFetching: true})
		go q.runFetch(ctx, *new(T), false, false)
	}
}

// Fetch triggers (or re-triggers, with forceRefetch) a fetch. Calling
// Fetch with an already in-flight fetch and forceRefetch=false is a
// no-op at the Query level: the underlying store.Deduplicate call
// itself coalesces concurrent fetch invocations for the key.
func (q *Query[T]) Fetch(ctx context.Context, forceRefetch bool) {
	prior := q.Snapshot()
	hadValue := prior.HasData
	q.runFetch(ctx, prior.Data, hadValue, forceRefetch)
}

// runFetch executes one protected fetch attempt and applies its
// outcome to state, following the background-refetch rule: a failure
// while a prior Success exists never regresses that state, it only
// clears isFetching and records the error for observability.
func (q *Query[T]) runFetch(ctx context.Context, priorData T, hadPriorValue, isBackground bool) {
	fctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.cancel = cancel
	q.mu.Unlock()
	defer cancel()

	if q.fetcher == nil {
		return
	}

	data, err := store.Deduplicate(fctx, q.deps.Store, q.key, q.opts.toEntryOptions(), func(c context.Context) (T, error) {
		return protectedFetch(c, q.opts, q.deps.Breakers, q.deps.Pool, q.fetcher, q.transform)
	})

	if err != nil {
		if isCancellation(err) {
			return
		}
		if hadPriorValue {
			q.setState(State[T]{
				Status:        Success,
				Data:          priorData,
				HasData:       true,
				IsFetching:    false,
				LastError:     err,
				DataUpdatedAt: q.Snapshot().DataUpdatedAt,
			})
		} else {
			q.setState(State[T]{Status: Error, Err: err})
			if q.opts.OnError != nil {
				q.opts.OnError(err)
			}
		}
		return
	}

	q.setState(State[T]{
		Status:        Success,
		Data:          data,
		HasData:       true,
		IsFetching:    false,
		IsStale:       false,
		DataUpdatedAt: time.Now(),
	})
	if q.opts.OnSuccess != nil {
		q.opts.OnSuccess(data)
	}
}

// UpdateFromCache overwrites q's state with data without going through
// the fetch pipeline, for callers (Client.setQueryData) that push a
// value directly.
func (q *Query[T]) UpdateFromCache(data T) {
	q.setState(State[T]{
		Status:        Success,
		Data:          data,
		HasData:       true,
		DataUpdatedAt: time.Now(),
	})
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// protectedFetch wraps fetch with the per-fetch timeout, retry, and
// circuit-breaker protections from perf, then applies an optional
// isolate-threshold-gated transform to the result.
func protectedFetch[T any](ctx context.Context, opts Options, breakers *circuit.Registry, pool *workerpool.Pool, fetch Fetcher[T], transform Transform[T]) (T, error) {
	var zero T
	perf := opts.Performance

	attempt := func() (T, error) {
		fctx := ctx
		if perf.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(ctx, perf.FetchTimeout)
			defer cancel()
		}

		var data T
		var ferr error
		run := func(c context.Context) error {
			data, ferr = fetch(c)
			return ferr
		}

		if breakers != nil && opts.CircuitBreaker != "" {
			if gerr := breakers.Guard(fctx, opts.CircuitBreaker, isCancellation, run); gerr != nil {
				return zero, gerr
			}
		} else if rerr := run(fctx); rerr != nil {
			return zero, rerr
		}
		if ferr != nil {
			return zero, ferr
		}
		return data, nil
	}

	delay := perf.InitialRetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	mult := perf.RetryBackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}

	var lastErr error
	for i := 0; i <= perf.MaxRetries; i++ {
		data, err := attempt()
		if err == nil {
			return applyTransform(ctx, pool, opts, transform, data)
		}
		lastErr = err
		if isCancellation(err) || errors.Is(err, circuit.ErrOpen) {
			return zero, err
		}
		if i == perf.MaxRetries {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		delay = time.Duration(float64(delay) * mult)
	}
	return zero, lastErr
}

func applyTransform[T any](ctx context.Context, pool *workerpool.Pool, opts Options, transform Transform[T], data T) (T, error) {
	var zero T
	if transform == nil {
		return data, nil
	}
	if !opts.Performance.AutoIsolate || pool == nil || store.ApproxSize(data) < opts.Performance.IsolateThreshold {
		return transform(data)
	}
	v, err := pool.Submit(ctx, func(c context.Context) (any, error) {
		return transform(data)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("query: isolated transform returned unexpected type")
	}
	return typed, nil
}
