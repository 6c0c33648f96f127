package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/fasq/pkg/offlinequeue"
)

type createTodoVars struct {
	Title string `json:"title"`
}

func newTestDeps(t *testing.T, online bool) Deps {
	t.Helper()
	q := offlinequeue.New(filepath.Join(t.TempDir(), "queue.json"))
	return Deps{
		Queue:    q,
		IsOnline: func() bool { return online },
	}
}

func TestMutate_OnlineRunsInlineAndEmitsSuccess(t *testing.T) {
	deps := newTestDeps(t, true)
	var onSuccessCalled bool
	m := New[string, createTodoVars]("createTodo", func(ctx context.Context, v createTodoVars) (string, error) {
		return "todo:" + v.Title, nil
	}, Options[string, createTodoVars]{
		OnSuccess: func(data string, vars createTodoVars) { onSuccessCalled = true },
	}, deps)

	data, err := m.Mutate(context.Background(), createTodoVars{Title: "buy milk"})
	require.NoError(t, err)
	assert.Equal(t, "todo:buy milk", data)
	assert.True(t, onSuccessCalled)
	assert.Equal(t, Success, m.Snapshot().Status)
}

func TestMutate_HandlerErrorEmitsErrorAndCallsOnError(t *testing.T) {
	deps := newTestDeps(t, true)
	var gotErr error
	m := New[string, createTodoVars]("createTodo", func(ctx context.Context, v createTodoVars) (string, error) {
		return "", errors.New("boom")
	}, Options[string, createTodoVars]{
		OnError: func(err error, vars createTodoVars) { gotErr = err },
	}, deps)

	_, err := m.Mutate(context.Background(), createTodoVars{Title: "x"})
	require.Error(t, err)
	require.Error(t, gotErr)
	assert.Equal(t, Error, m.Snapshot().Status)
}

func TestMutate_OfflineWithQueueingEnqueuesAndEmitsQueued(t *testing.T) {
	deps := newTestDeps(t, false)
	var onQueuedCalled bool
	m := New[string, createTodoVars]("createTodo", func(ctx context.Context, v createTodoVars) (string, error) {
		return "todo:" + v.Title, nil
	}, Options[string, createTodoVars]{
		QueueWhenOffline: true,
		Priority:         5,
		OnQueued:         func(vars createTodoVars) { onQueuedCalled = true },
	}, deps)

	_, err := m.Mutate(context.Background(), createTodoVars{Title: "buy eggs"})
	require.NoError(t, err)
	assert.True(t, onQueuedCalled)
	assert.Equal(t, Queued, m.Snapshot().Status)
	assert.Equal(t, 1, deps.Queue.Len())

	entries := deps.Queue.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 5, entries[0].Priority)
	assert.Equal(t, "createTodo", entries[0].OwnerKey)

	var decoded createTodoVars
	require.NoError(t, json.Unmarshal(entries[0].Variables, &decoded))
	assert.Equal(t, "buy eggs", decoded.Title)
}

func TestMutate_OfflineWithoutQueueingRunsInlineAnyway(t *testing.T) {
	deps := newTestDeps(t, false)
	m := New[string, createTodoVars]("createTodo", func(ctx context.Context, v createTodoVars) (string, error) {
		return "ran:" + v.Title, nil
	}, Options[string, createTodoVars]{}, deps)

	data, err := m.Mutate(context.Background(), createTodoVars{Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ran:x", data)
	assert.Equal(t, 0, deps.Queue.Len())
}

func TestReset_TransitionsToIdle(t *testing.T) {
	deps := newTestDeps(t, true)
	m := New[string, createTodoVars]("createTodo", func(ctx context.Context, v createTodoVars) (string, error) {
		return "ok", nil
	}, Options[string, createTodoVars]{}, deps)

	m.Mutate(context.Background(), createTodoVars{Title: "x"})
	require.Equal(t, Success, m.Snapshot().Status)

	m.Reset()
	assert.Equal(t, Idle, m.Snapshot().Status)
}

func TestTwoQueuedMutations_ProcessedHighestPriorityFirst(t *testing.T) {
	deps := newTestDeps(t, false)
	handlerCalls := []string{}

	m := New[string, createTodoVars]("createTodo", func(ctx context.Context, v createTodoVars) (string, error) {
		handlerCalls = append(handlerCalls, v.Title)
		return "todo:" + v.Title, nil
	}, Options[string, createTodoVars]{QueueWhenOffline: true}, deps)
	m.RegisterHandler(func(raw json.RawMessage) (createTodoVars, error) {
		var v createTodoVars
		err := json.Unmarshal(raw, &v)
		return v, err
	})

	_, err := m.Mutate(context.Background(), createTodoVars{Title: "v1"})
	require.NoError(t, err)

	m2 := New[string, createTodoVars]("createTodo", func(ctx context.Context, v createTodoVars) (string, error) {
		return "todo:" + v.Title, nil
	}, Options[string, createTodoVars]{QueueWhenOffline: true, Priority: 5}, deps)
	_, err = m2.Mutate(context.Background(), createTodoVars{Title: "v2"})
	require.NoError(t, err)

	assert.Equal(t, 2, deps.Queue.Len())

	require.NoError(t, deps.Queue.ProcessQueue(context.Background()))
	assert.Equal(t, []string{"v2", "v1"}, handlerCalls)
	assert.Equal(t, 0, deps.Queue.Len())
}
