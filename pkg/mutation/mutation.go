// Package mutation implements the one-shot write-operation
// controller: run a handler inline, or — when offline and opted in —
// enqueue it durably for later replay.
package mutation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/orneryd/fasq/pkg/internal/fingerprint"
	"github.com/orneryd/fasq/pkg/observer"
	"github.com/orneryd/fasq/pkg/offlinequeue"
)

// Status is a mutation's tagged-union state.
type Status int

const (
	Idle Status = iota
	Loading
	Success
	Error
	Queued
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Success:
		return "success"
	case Error:
		return "error"
	case Queued:
		return "queued"
	default:
		return "unknown"
	}
}

// State is a Mutation's externally observable snapshot.
type State[T any] struct {
	Status Status
	Data   T
	Err    error
}

// Handler runs one mutation invocation against its variables.
type Handler[T any, V any] func(ctx context.Context, vars V) (T, error)

// Options configures a Mutation's callbacks and offline-queueing
// behavior.
type Options[T any, V any] struct {
	OnMutate func(vars V)
	OnSuccess func(data T, vars V)
	OnError   func(err error, vars V)
	OnQueued  func(vars V)

	QueueWhenOffline bool
	MaxRetries       int
	Priority         int
	Meta             any

	// RegisteredName identifies this mutation's handler for the
	// offline queue's type→handler registry. When empty, a stable
	// fingerprint of OwnerKey is used instead, per the "explicit
	// registered name or stable hash" fallback.
	RegisteredName string
}

// IsOnline reports the current network reachability; Mutation
// consults it at invocation time to decide whether to queue.
type IsOnline func() bool

// Deps are a Mutation's external collaborators.
type Deps struct {
	Queue     *offlinequeue.Queue
	Observers *observer.Set
	IsOnline  IsOnline
	Log       logr.Logger
}

// Mutation is a one-shot invocation controller: created per use,
// disposed explicitly, never reused for a second invocation.
type Mutation[T any, V any] struct {
	mu sync.Mutex

	ownerKey string
	handler  Handler[T, V]
	opts     Options[T, V]
	deps     Deps

	state State[T]
}

// New constructs a Mutation bound to ownerKey (used as the offline
// queue entry's OwnerKey and as the fallback mutationType source).
func New[T any, V any](ownerKey string, handler Handler[T, V], opts Options[T, V], deps Deps) *Mutation[T, V] {
	return &Mutation[T, V]{
		ownerKey: ownerKey,
		handler:  handler,
		opts:     opts,
		deps:     deps,
		state:    State[T]{Status: Idle},
	}
}

// Snapshot returns the current state.
func (m *Mutation[T, V]) Snapshot() State[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mutation[T, V]) setState(s State[T], kind string) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	if m.deps.Observers != nil {
		m.deps.Observers.NotifyMutation(kind, observer.Snapshot{
			Key:        m.ownerKey,
			Previous:   prev.Status.String(),
			Current:    s.Status.String(),
			Meta:       m.opts.Meta,
			ObservedAt: time.Now(),
			Err:        s.Err,
		})
	}
}

func (m *Mutation[T, V]) mutationType() string {
	if m.opts.RegisteredName != "" {
		return m.opts.RegisteredName
	}
	return fmt.Sprintf("%x", fingerprint.OfMutation(m.ownerKey))
}

func newEntryID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Mutate runs the handler against vars, following spec.md §4.4's
// invocation flow: offline + QueueWhenOffline enqueues and emits
// Queued; otherwise the handler runs inline with the usual
// Loading->Success/Error transitions.
func (m *Mutation[T, V]) Mutate(ctx context.Context, vars V) (T, error) {
	if m.opts.QueueWhenOffline && m.deps.IsOnline != nil && !m.deps.IsOnline() {
		return m.enqueue(vars)
	}

	if m.opts.OnMutate != nil {
		m.opts.OnMutate(vars)
	}
	m.setState(State[T]{Status: Loading}, "loading")

	data, err := m.handler(ctx, vars)
	if err != nil {
		m.setState(State[T]{Status: Error, Err: err}, "error")
		if m.opts.OnError != nil {
			m.opts.OnError(err, vars)
		}
		var zero T
		return zero, err
	}

	m.setState(State[T]{Status: Success, Data: data}, "success")
	if m.opts.OnSuccess != nil {
		m.opts.OnSuccess(data, vars)
	}
	return data, nil
}

func (m *Mutation[T, V]) enqueue(vars V) (T, error) {
	var zero T
	if m.deps.Queue == nil {
		return zero, fmt.Errorf("mutation: %q: queueWhenOffline set but no offline queue configured", m.ownerKey)
	}

	payload, err := json.Marshal(vars)
	if err != nil {
		return zero, fmt.Errorf("mutation: %q: encode variables: %w", m.ownerKey, err)
	}

	entry := offlinequeue.Entry{
		ID:           newEntryID(),
		OwnerKey:     m.ownerKey,
		MutationType: m.mutationType(),
		Variables:    payload,
		CreatedAt:    time.Now(),
		Priority:     m.opts.Priority,
	}
	if err := m.deps.Queue.Enqueue(entry); err != nil {
		return zero, fmt.Errorf("mutation: %q: enqueue: %w", m.ownerKey, err)
	}

	m.setState(State[T]{Status: Queued}, "queued")
	if m.opts.OnQueued != nil {
		m.opts.OnQueued(vars)
	}
	return zero, nil
}

// Reset transitions the Mutation back to Idle, clearing Data/Err.
func (m *Mutation[T, V]) Reset() {
	m.setState(State[T]{Status: Idle}, "settled")
}

// RegisterHandler wires handler into deps.Queue's type registry under
// this mutation's mutationType, so queued entries replay against it
// once the queue is processed. Callers typically do this once per
// mutation type at startup rather than per Mutation instance.
func (m *Mutation[T, V]) RegisterHandler(decode func(raw json.RawMessage) (V, error)) {
	if m.deps.Queue == nil {
		return
	}
	m.deps.Queue.RegisterHandler(m.mutationType(), func(ctx context.Context, e offlinequeue.Entry) error {
		vars, err := decode(e.Variables)
		if err != nil {
			return fmt.Errorf("mutation: %q: decode queued variables: %w", m.ownerKey, err)
		}
		_, err = m.handler(ctx, vars)
		return err
	})
}
