package keystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/fasq/pkg/persistence/badgerprovider"
)

func newTestStore(t *testing.T) *badgerprovider.Provider {
	t.Helper()
	store, err := badgerprovider.New(badgerprovider.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Dispose() })
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestProvider_GenerateAndStoreKeyPersists(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	p := New(store)
	require.NoError(t, p.Init(ctx))

	_, ok := p.GetEncryptionKey(ctx)
	assert.False(t, ok, "no key generated yet")

	key, err := p.GenerateAndStoreKey(ctx)
	require.NoError(t, err)
	assert.True(t, p.IsValidKey(key))

	got, ok := p.GetEncryptionKey(ctx)
	require.True(t, ok)
	assert.Equal(t, key, got)
}

func TestProvider_SurvivesReload(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := New(store)
	require.NoError(t, first.Init(ctx))
	key, err := first.GenerateAndStoreKey(ctx)
	require.NoError(t, err)

	second := New(store)
	require.NoError(t, second.Init(ctx))
	got, ok := second.GetEncryptionKey(ctx)
	require.True(t, ok)
	assert.Equal(t, key, got)
}

func TestProvider_IsValidKeyRejectsGarbage(t *testing.T) {
	p := New(nil)
	assert.False(t, p.IsValidKey("not-base64!!"))
	assert.False(t, p.IsValidKey("c2hvcnQ=")) // valid base64, wrong length
}

func TestEnsureKey_GeneratesAndPersistsWhenAbsent(t *testing.T) {
	ctx := context.Background()
	p := New(newTestStore(t))
	require.NoError(t, p.Init(ctx))

	_, ok := p.GetEncryptionKey(ctx)
	require.False(t, ok)

	key, err := p.EnsureKey(ctx)
	require.NoError(t, err)
	assert.True(t, p.IsValidKey(key))

	got, ok := p.GetEncryptionKey(ctx)
	require.True(t, ok)
	assert.Equal(t, key, got)
}

func TestEnsureKey_ReusesValidCachedKey(t *testing.T) {
	ctx := context.Background()
	p := New(newTestStore(t))
	require.NoError(t, p.Init(ctx))

	first, err := p.EnsureKey(ctx)
	require.NoError(t, err)

	second, err := p.EnsureKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second, "a valid cached key must not be regenerated")
}

func TestEnsureKey_RegeneratesOnceWhenCachedKeyIsInvalid(t *testing.T) {
	ctx := context.Background()
	p := New(newTestStore(t))
	require.NoError(t, p.Init(ctx))

	_, err := p.GenerateAndStoreKey(ctx)
	require.NoError(t, err)
	p.cached = "not-a-valid-key"

	key, err := p.EnsureKey(ctx)
	require.NoError(t, err)
	assert.True(t, p.IsValidKey(key))
	assert.NotEqual(t, "not-a-valid-key", key)
}
