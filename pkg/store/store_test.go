package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/fasq/pkg/config"
	"github.com/orneryd/fasq/pkg/encryption"
	"github.com/orneryd/fasq/pkg/entry"
	"github.com/orneryd/fasq/pkg/persistence"
	"github.com/orneryd/fasq/pkg/persistence/badgerprovider"
)

func smallCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		MaxCacheSize:         1 << 20,
		MaxEntries:           100,
		DefaultStaleTime:     time.Minute,
		DefaultCacheTime:     time.Hour,
		EvictionPolicy:       config.EvictionLRU,
		EnableMemoryPressure: false,
		Performance: config.PerformanceConfig{
			HotCacheSize: 10,
		},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(smallCacheConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGet_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, Set(s, "user:1", "alice", entry.Options{StaleTime: time.Minute, CacheTime: time.Hour}))

	got, ok := Get[string](s, "user:1")
	require.True(t, ok)
	assert.Equal(t, "alice", got)
}

func TestSet_RejectsInvalidKeys(t *testing.T) {
	s := newTestStore(t)

	assert.ErrorIs(t, Set(s, "", "v", entry.Options{}), entry.ErrKeyEmpty)
	assert.ErrorIs(t, Set(s, "has a space", "v", entry.Options{}), entry.ErrKeyInvalidChars)

	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, Set(s, string(long), "v", entry.Options{}), entry.ErrKeyTooLong)
}

func TestGet_MissingKeyIsFalse(t *testing.T) {
	s := newTestStore(t)
	_, ok := Get[string](s, "nope")
	assert.False(t, ok)
}

func TestGet_TypeMismatchIsFalse(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, Set(s, "k", 42, entry.Options{}))

	_, ok := Get[string](s, "k")
	assert.False(t, ok)
}

func TestPeek_DoesNotBumpAccessCount(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, Set(s, "k", "v", entry.Options{StaleTime: time.Minute}))

	e, ok := Peek[string](s, "k")
	require.True(t, ok)
	assert.Equal(t, uint64(0), e.AccessCount)
	assert.True(t, e.IsFresh(time.Now()))
}

func TestInvalidate_ZeroesStaleTime(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, Set(s, "k", "v", entry.Options{StaleTime: time.Hour}))

	s.Invalidate("k")

	e, ok := Peek[string](s, "k")
	require.True(t, ok)
	assert.False(t, e.IsFresh(time.Now()))
}

func TestInvalidateWithPrefix(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, Set(s, "user:1", "a", entry.Options{StaleTime: time.Hour}))
	require.NoError(t, Set(s, "user:2", "b", entry.Options{StaleTime: time.Hour}))
	require.NoError(t, Set(s, "post:1", "c", entry.Options{StaleTime: time.Hour}))

	s.InvalidateWithPrefix("user:")

	e1, _ := Peek[string](s, "user:1")
	e2, _ := Peek[string](s, "user:2")
	ep, _ := Peek[string](s, "post:1")
	assert.False(t, e1.IsFresh(time.Now()))
	assert.False(t, e2.IsFresh(time.Now()))
	assert.True(t, ep.IsFresh(time.Now()))
}

func TestRemove_DeletesEntry(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, Set(s, "k", "v", entry.Options{}))
	require.NoError(t, s.Remove("k"))

	_, ok := Get[string](s, "k")
	assert.False(t, ok)
}

func TestClearSecure_OnlyRemovesSecureEntries(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, Set(s, "public", "p", entry.Options{StaleTime: time.Hour}))
	require.NoError(t, Set(s, "secret", "s", entry.Options{IsSecure: true, MaxAge: time.Hour}))

	s.ClearSecure()

	_, ok := Get[string](s, "public")
	assert.True(t, ok)
	_, ok = Get[string](s, "secret")
	assert.False(t, ok)
}

func TestSet_SecureWithoutMaxAgeIsRejected(t *testing.T) {
	s := newTestStore(t)
	err := Set(s, "k", "v", entry.Options{IsSecure: true})
	assert.Error(t, err)
}

func TestIncRefDecRef_PinsEntryAgainstEviction(t *testing.T) {
	cfg := smallCacheConfig()
	cfg.MaxEntries = 2
	cfg.MaxCacheSize = 1 << 20
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, Set(s, "pinned", "v", entry.Options{StaleTime: time.Hour}))
	s.IncRef("pinned")

	require.NoError(t, Set(s, "b", "v", entry.Options{StaleTime: time.Hour}))
	require.NoError(t, Set(s, "c", "v", entry.Options{StaleTime: time.Hour}))

	_, ok := Get[string](s, "pinned")
	assert.True(t, ok, "referenced entry must survive count-pressure eviction")

	s.DecRef("pinned")
}

func TestEviction_RemovesLeastRecentlyUsedUnreferencedEntry(t *testing.T) {
	cfg := smallCacheConfig()
	// Each 10-byte string entry is exactly 10 bytes under approxSize's
	// string fast path; a 25-byte budget admits two but not three.
	cfg.MaxCacheSize = 25
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, Set(s, "old", "0123456789", entry.Options{StaleTime: time.Hour}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, Set(s, "new", "0123456789", entry.Options{StaleTime: time.Hour}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, Set(s, "newest", "0123456789", entry.Options{StaleTime: time.Hour}))

	assert.Equal(t, 2, s.Len())
	_, ok := Get[string](s, "old")
	assert.False(t, ok, "oldest unreferenced entry should have been evicted")
	_, ok = Get[string](s, "newest")
	assert.True(t, ok)
}

func TestDeduplicate_SharesOneFetchAcrossConcurrentCallers(t *testing.T) {
	s := newTestStore(t)
	var calls int64
	var wg sync.WaitGroup
	results := make([]string, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Deduplicate(context.Background(), s, "shared", entry.Options{StaleTime: time.Minute}, func(ctx context.Context) (string, error) {
				atomic.AddInt64(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return "result", nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls, "only one fetch should have executed")
	for _, r := range results {
		assert.Equal(t, "result", r)
	}

	got, ok := Get[string](s, "shared")
	require.True(t, ok)
	assert.Equal(t, "result", got)
}

func TestDeduplicate_PropagatesFetchError(t *testing.T) {
	s := newTestStore(t)
	wantErr := assert.AnError

	_, err := Deduplicate(context.Background(), s, "k", entry.Options{}, func(ctx context.Context) (string, error) {
		return "", wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	_, ok := Get[string](s, "k")
	assert.False(t, ok, "a failed fetch must not populate the cache")
}

func newPersistingStore(t *testing.T) (*Store, *badgerprovider.Provider) {
	t.Helper()
	ctx := context.Background()

	p, err := badgerprovider.New(badgerprovider.Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, p.Init(ctx))
	t.Cleanup(func() { _ = p.Dispose() })

	s, err := New(smallCacheConfig(), WithPersistence(p), WithEncryption(encryption.NewProvider(nil)))
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Close() })

	return s, p
}

func TestPersistence_NonSecureEntrySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	p, err := badgerprovider.New(badgerprovider.Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, p.Init(ctx))
	t.Cleanup(func() { _ = p.Dispose() })

	s1, err := New(smallCacheConfig(), WithPersistence(p))
	require.NoError(t, err)
	require.NoError(t, Set(s1, "durable", "value", entry.Options{StaleTime: time.Minute, CacheTime: time.Hour}))
	require.NoError(t, s1.Close())

	// give the async persist goroutine a chance to land before the
	// second Store reads it back.
	require.Eventually(t, func() bool {
		_, err := p.Retrieve(ctx, "durable")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	s2, err := New(smallCacheConfig(), WithPersistence(p))
	require.NoError(t, err)
	require.NoError(t, s2.Start(ctx))
	t.Cleanup(func() { _ = s2.Close() })

	got, ok := Get[string](s2, "durable")
	require.True(t, ok)
	assert.Equal(t, "value", got)
}

func TestPersistence_SecureEntryIsNeverWrittenThrough(t *testing.T) {
	ctx := context.Background()
	s, p := newPersistingStore(t)

	require.NoError(t, Set(s, "secret", "shh", entry.Options{IsSecure: true, MaxAge: time.Hour}))

	_, err := p.Retrieve(ctx, "secret")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestClear_AlsoClearsPersistence(t *testing.T) {
	ctx := context.Background()
	s, p := newPersistingStore(t)

	require.NoError(t, Set(s, "k", "v", entry.Options{StaleTime: time.Minute, CacheTime: time.Hour}))
	require.Eventually(t, func() bool {
		_, err := p.Retrieve(ctx, "k")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Clear())

	keys, err := p.AllKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
