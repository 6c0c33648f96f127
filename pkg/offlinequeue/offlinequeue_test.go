package offlinequeue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "queue.json"))
}

func TestEnqueue_PersistsToDisk(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(Entry{ID: "1", MutationType: "createTodo", Priority: 0}))

	reloaded := New(q.path)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 1, reloaded.Len())
}

func TestProcessQueue_OrdersByPriorityThenCreatedAt(t *testing.T) {
	q := newTestQueue(t)
	base := time.Now()

	require.NoError(t, q.Enqueue(Entry{ID: "v1", MutationType: "createTodo", Priority: 0, CreatedAt: base}))
	require.NoError(t, q.Enqueue(Entry{ID: "v2", MutationType: "createTodo", Priority: 5, CreatedAt: base.Add(time.Second)}))

	var mu sync.Mutex
	var order []string
	q.RegisterHandler("createTodo", func(ctx context.Context, e Entry) error {
		mu.Lock()
		order = append(order, e.ID)
		mu.Unlock()
		return nil
	})

	require.NoError(t, q.ProcessQueue(context.Background()))
	assert.Equal(t, []string{"v2", "v1"}, order, "higher priority goes first regardless of insertion order")
	assert.Equal(t, 0, q.Len(), "both entries succeed and are removed")
}

func TestProcessQueue_UnknownTypeIsRemoved(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(Entry{ID: "1", MutationType: "noSuchHandler"}))

	require.NoError(t, q.ProcessQueue(context.Background()))
	assert.Equal(t, 0, q.Len())
}

func TestProcessQueue_RetryCapHaltsProcessing(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "queue.json")).WithRetryCap(2)
	require.NoError(t, q.Enqueue(Entry{ID: "1", MutationType: "flaky"}))

	q.RegisterHandler("flaky", func(ctx context.Context, e Entry) error {
		return errors.New("boom")
	})

	err := q.ProcessQueue(context.Background())
	require.Error(t, err)
	err = q.ProcessQueue(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1, q.Len(), "entry is retained, not dropped, once it hits the retry cap")
	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, "boom", entries[0].LastError)
}

func TestConcurrentEnqueueDuringProcessing(t *testing.T) {
	q := newTestQueue(t)
	proceed := make(chan struct{})
	started := make(chan struct{})
	var startOnce sync.Once
	q.RegisterHandler("slow", func(ctx context.Context, e Entry) error {
		startOnce.Do(func() { close(started) })
		<-proceed
		return nil
	})
	require.NoError(t, q.Enqueue(Entry{ID: "1", MutationType: "slow"}))

	done := make(chan struct{})
	go func() {
		_ = q.ProcessQueue(context.Background())
		close(done)
	}()

	<-started
	require.NoError(t, q.Enqueue(Entry{ID: "2", MutationType: "slow"}))
	close(proceed)
	<-done

	// Entry 2 arrived after this pass's ordering snapshot was taken, so
	// it's still queued for the next pass.
	assert.Equal(t, 1, q.Len())
}

func TestOfflineQueueScenario_TwoMutationsProcessedHighestPriorityFirst(t *testing.T) {
	q := newTestQueue(t)
	base := time.Now()

	require.NoError(t, q.Enqueue(Entry{ID: "v1", MutationType: "createTodo", Priority: 0, CreatedAt: base}))
	require.NoError(t, q.Enqueue(Entry{ID: "v2", MutationType: "createTodo", Priority: 5, CreatedAt: base.Add(time.Millisecond)}))
	assert.Equal(t, 2, q.Len(), "both mutations are queued while offline")

	var mu sync.Mutex
	var processed []string
	q.RegisterHandler("createTodo", func(ctx context.Context, e Entry) error {
		mu.Lock()
		processed = append(processed, e.ID)
		mu.Unlock()
		return nil
	})

	require.NoError(t, q.ProcessQueue(context.Background()))
	assert.Equal(t, []string{"v2", "v1"}, processed)
	assert.Equal(t, 0, q.Len(), "queue is empty once both mutations succeed")
}

func TestRemove_DeletesMatchingEntry(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(Entry{ID: "1", MutationType: "createTodo"}))
	require.NoError(t, q.Enqueue(Entry{ID: "2", MutationType: "createTodo"}))

	require.NoError(t, q.Remove("1"))
	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "2", entries[0].ID)
}

func TestClear_EmptiesQueueAndPersists(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(Entry{ID: "1", MutationType: "createTodo"}))
	require.NoError(t, q.Clear())

	reloaded := New(q.path)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 0, reloaded.Len())
}

func TestLoad_MissingFileIsEmptyQueue(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, q.Load())
	assert.Equal(t, 0, q.Len())
}

func TestProcessQueueByType_OnlyProcessesMatchingEntries(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(Entry{ID: "1", MutationType: "createTodo"}))
	require.NoError(t, q.Enqueue(Entry{ID: "2", MutationType: "deleteTodo"}))

	var calls []string
	q.RegisterHandler("createTodo", func(ctx context.Context, e Entry) error {
		calls = append(calls, e.MutationType)
		return nil
	})
	q.RegisterHandler("deleteTodo", func(ctx context.Context, e Entry) error {
		calls = append(calls, e.MutationType)
		return nil
	})

	require.NoError(t, q.ProcessQueueByType(context.Background(), "createTodo"))
	assert.Equal(t, []string{"createTodo"}, calls)
	assert.Equal(t, 1, q.Len(), "the non-matching entry is left queued")
}
