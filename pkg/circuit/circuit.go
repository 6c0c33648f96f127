// Package circuit implements a minimal fail-fast circuit breaker for
// Query's fetch path: a three-state closed/open/half-open gate named
// by a QueryOptions.circuitBreaker setting, tripping after N
// consecutive failures and re-probing after a fixed duration.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the breaker is open and fast-failing.
var ErrOpen = errors.New("circuit: breaker is open")

// State names the breaker's current mode.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that
	// trips the breaker open.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before allowing
	// a single half-open probe.
	OpenTimeout time.Duration
}

// DefaultConfig trips after 3 consecutive failures and re-probes after
// 60s of staying open.
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, OpenTimeout: 60 * time.Second}
}

// Breaker is a process-local, per-key circuit breaker. It is safe for
// concurrent use.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state       State
	failures    int
	openedAt    time.Time
	halfOpenHit bool
}

// New constructs a Breaker in the Closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultConfig().OpenTimeout
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a call may proceed. It transitions Open ->
// HalfOpen once OpenTimeout has elapsed, admitting exactly one probe
// call until that probe reports its outcome via Success/Failure.
func (b *Breaker) Allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if now.Sub(b.openedAt) < b.cfg.OpenTimeout {
			return ErrOpen
		}
		b.state = HalfOpen
		b.halfOpenHit = true
		return nil
	case HalfOpen:
		if b.halfOpenHit {
			return ErrOpen
		}
		b.halfOpenHit = true
		return nil
	default:
		return nil
	}
}

// Success records a successful call, closing the breaker and resetting
// its failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.halfOpenHit = false
}

// Failure records a failed call. In HalfOpen, any failure reopens the
// breaker immediately. In Closed, the breaker opens once failures
// reach FailureThreshold.
func (b *Breaker) Failure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.trip(now)
		return
	}

	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.halfOpenHit = false
	b.failures = 0
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry is a keyed collection of Breakers, one per fetcher/key,
// lazily created — the "circuit-breaker registry" the Client
// constructor accepts.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry constructs a Registry whose breakers all share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the Breaker for name, creating one on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Guard runs fn only if the named breaker admits the call, recording
// success/failure based on fn's (non-cancellation) outcome. Cancellation
// errors are not recorded as breaker failures: a caller-initiated
// cancel is not evidence the underlying fetcher is unhealthy.
func (r *Registry) Guard(ctx context.Context, name string, isCancellation func(error) bool, fn func(context.Context) error) error {
	b := r.Get(name)
	now := time.Now()
	if err := b.Allow(now); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.Success()
	case isCancellation != nil && isCancellation(err):
		// neither success nor failure
	default:
		b.Failure(time.Now())
	}
	return err
}
