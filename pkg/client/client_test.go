package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/fasq/pkg/config"
	"github.com/orneryd/fasq/pkg/query"
)

func testPersistingConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := *config.Default()
	cfg.Persistence.Enabled = true
	cfg.Persistence.InMemory = true
	cfg.Encryption.Enabled = true
	return cfg
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := *config.Default()
	cfg.Persistence.Enabled = false
	return cfg
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	Reset()
	c, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(Reset)
	return c
}

func TestNew_SecondCallWithSameConfigReturnsSingleton(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg := testConfig(t)
	c1, err := New(cfg)
	require.NoError(t, err)
	c2, err := New(cfg)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
}

func TestNew_DifferentConfigWithoutResetIsConflict(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg := testConfig(t)
	_, err := New(cfg)
	require.NoError(t, err)

	cfg2 := testConfig(t)
	cfg2.Cache.MaxEntries = cfg.Cache.MaxEntries + 1
	_, err = New(cfg2)
	require.Error(t, err)
	var conflict *ConfigurationConflict
	assert.ErrorAs(t, err, &conflict)
}

func TestGetQuery_ReturnsSameInstanceForSameKey(t *testing.T) {
	c := newTestClient(t)
	fetcher := func(ctx context.Context) (string, error) { return "v1", nil }

	q1 := GetQuery[string](c, "todos", fetcher, query.DefaultOptions())
	q2 := GetQuery[string](c, "todos", fetcher, query.DefaultOptions())
	assert.Same(t, q1, q2)
	assert.Equal(t, 1, c.QueryCount())
}

func TestRemoveQuery_DisposesAndUnregisters(t *testing.T) {
	c := newTestClient(t)
	fetcher := func(ctx context.Context) (string, error) { return "v1", nil }
	q := GetQuery[string](c, "todos", fetcher, query.DefaultOptions())

	c.RemoveQuery("todos")
	assert.True(t, q.Disposed())
	assert.False(t, c.HasQuery("todos"))
}

func TestSetQueryData_ThenGetQueryData_RoundTrips(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, SetQueryData(c, "profile", "alice", false, time.Minute))

	got, ok := GetQueryData[string](c, "profile")
	require.True(t, ok)
	assert.Equal(t, "alice", got)
}

func TestInvalidateQuery_TriggersRefetchOnLiveQuery(t *testing.T) {
	c := newTestClient(t)
	var calls int
	fetcher := func(ctx context.Context) (string, error) {
		calls++
		return "v", nil
	}

	q := GetQuery[string](c, "todos", fetcher, query.DefaultOptions())
	q.Subscribe(context.Background())
	require.Eventually(t, func() bool { return calls >= 1 }, time.Second, time.Millisecond)

	c.InvalidateQuery("todos")
	require.Eventually(t, func() bool { return calls >= 2 }, time.Second, time.Millisecond)
}

func TestPrefetchQuery_SkipsWhenAlreadyFresh(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, SetQueryData(c, "todos", "cached", false, 0))

	var calls int
	fetcher := func(ctx context.Context) (string, error) {
		calls++
		return "fetched", nil
	}
	opts := query.DefaultOptions()
	opts.StaleTime = time.Hour

	err := PrefetchQuery[string](context.Background(), c, "todos", fetcher, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, calls, "a fresh cached value is not refetched")
}

func TestPrefetchQuery_FetchesAndCachesWhenStale(t *testing.T) {
	c := newTestClient(t)
	fetcher := func(ctx context.Context) (string, error) { return "fetched", nil }

	err := PrefetchQuery[string](context.Background(), c, "todos", fetcher, query.DefaultOptions())
	require.NoError(t, err)

	got, ok := GetQueryData[string](c, "todos")
	require.True(t, ok)
	assert.Equal(t, "fetched", got)
}

func TestPrefetchQueries_IndependentFailuresDoNotCancelOthers(t *testing.T) {
	results := PrefetchQueries(context.Background(), []PrefetchTask{
		{Key: "a", Fetch: func(ctx context.Context) error { return nil }},
		{Key: "b", Fetch: func(ctx context.Context) error { return errors.New("boom") }},
		{Key: "c", Fetch: func(ctx context.Context) error { return nil }},
	})

	require.Len(t, results, 1)
	assert.Error(t, results["b"])
}

func TestClear_DisposesAllQueriesAndEmptiesStore(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, SetQueryData(c, "a", "v", false, 0))
	q := GetQuery[string](c, "a", func(ctx context.Context) (string, error) { return "v", nil }, query.DefaultOptions())

	c.Clear()
	assert.True(t, q.Disposed())
	assert.Equal(t, 0, c.QueryCount())
	_, ok := GetQueryData[string](c, "a")
	assert.False(t, ok)
}

func TestNew_PersistenceEnabledWiresKeystoreGeneratedKey(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	c, err := New(testPersistingConfig(t))
	require.NoError(t, err)
	require.NotNil(t, c.keystoreProvider)
	require.NotNil(t, c.persist)

	key, ok := c.keystoreProvider.GetEncryptionKey(context.Background())
	require.True(t, ok, "Client.New must have called EnsureKey to populate the keystore")
	assert.True(t, c.keystoreProvider.IsValidKey(key))
}

func TestNew_PersistenceEnabledSurvivesEntryRoundTrip(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	c, err := New(testPersistingConfig(t))
	require.NoError(t, err)

	require.NoError(t, SetQueryData(c, "durable", "value", false, time.Hour))
	got, ok := GetQueryData[string](c, "durable")
	require.True(t, ok)
	assert.Equal(t, "value", got)
}

func TestNew_PassphraseEncryptionDerivesAndPersistsSalt(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg := testPersistingConfig(t)
	cfg.Encryption.Passphrase = "correct-horse-battery-staple"

	c, err := New(cfg)
	require.NoError(t, err)

	salt, err := c.persist.Retrieve(context.Background(), saltRecordKey)
	require.Error(t, err, "the salt is persisted on the dedicated keystore provider, not the cache provider")
	assert.Nil(t, salt)

	saltFromKeystore, err := c.keystorePersist.Retrieve(context.Background(), saltRecordKey)
	require.NoError(t, err)
	assert.Len(t, saltFromKeystore, 32)
}

func TestOnAppPausedOrDetached_ClearsSecureEntries(t *testing.T) {
	c := newTestClient(t)
	require.NoError(t, SetQueryData(c, "session-token", "secret", true, time.Minute))
	require.NoError(t, SetQueryData(c, "public-profile", "alice", false, 0))

	c.OnAppPausedOrDetached()

	_, secureStillThere := GetQueryData[string](c, "session-token")
	assert.False(t, secureStillThere)
	_, publicStillThere := GetQueryData[string](c, "public-profile")
	assert.True(t, publicStillThere)
}
