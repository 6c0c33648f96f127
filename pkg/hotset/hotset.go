// Package hotset implements the Store's small, bounded, frequently-read
// subset of entries: a thread-safe, capacity-evicted cache sitting in
// front of slower lookups, backed directly by Ristretto (already
// pulled in transitively by Badger) since its TinyLFU sampling is a
// better fit for "promote by access frequency" than a hand-rolled
// counter.
package hotset

import (
	"github.com/dgraph-io/ristretto/v2"
)

// DefaultCapacity is the hot-set's default entry budget (the
// performance.hotCacheSize).
const DefaultCapacity = 50

// DefaultPromotionThreshold is the access count at which an entry
// becomes eligible for hot-set promotion.
const DefaultPromotionThreshold = 3

// HotSet accelerates lookups for keys accessed at least
// PromotionThreshold times. It never holds the authoritative copy of
// an entry on its own: Store writes the same value to both the main
// map and the HotSet on promotion, and HotSet eviction (governed by
// Ristretto's own admission policy, not the main Store's
// EvictionStrategy) never removes anything from the main map.
type HotSet[T any] struct {
	cache              *ristretto.Cache[string, T]
	capacity            int64
	promotionThreshold  uint64
}

// Config configures a HotSet.
type Config struct {
	Capacity           int64 // max number of promoted entries
	PromotionThreshold uint64
}

// New constructs a HotSet backed by a Ristretto cache sized for
// Capacity entries. NumCounters is set generously (10x capacity, a
// Ristretto-recommended ratio) so frequency sampling stays accurate at
// small capacities.
func New[T any](cfg Config) (*HotSet[T], error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.PromotionThreshold == 0 {
		cfg.PromotionThreshold = DefaultPromotionThreshold
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, T]{
		NumCounters: cfg.Capacity * 10,
		MaxCost:     cfg.Capacity,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}

	return &HotSet[T]{
		cache:              c,
		capacity:           cfg.Capacity,
		promotionThreshold: cfg.PromotionThreshold,
	}, nil
}

// ShouldPromote reports whether accessCount has crossed the promotion
// threshold for a key not yet in the hot set.
func (h *HotSet[T]) ShouldPromote(accessCount uint64) bool {
	return accessCount >= h.promotionThreshold
}

// Get returns the hot-set's copy of key, if present.
func (h *HotSet[T]) Get(key string) (T, bool) {
	return h.cache.Get(key)
}

// Promote inserts or refreshes key in the hot set with cost 1 (entries
// are counted, not byte-sized, inside the hot set — byte budgets are
// the main Store's concern).
func (h *HotSet[T]) Promote(key string, value T) {
	h.cache.Set(key, value, 1)
}

// Remove evicts key from the hot set, e.g. on Store-level invalidate
// or remove so a stale promoted copy can't outlive the source entry.
func (h *HotSet[T]) Remove(key string) {
	h.cache.Del(key)
}

// Clear empties the hot set.
func (h *HotSet[T]) Clear() {
	h.cache.Clear()
}

// Close releases the hot set's background goroutines.
func (h *HotSet[T]) Close() {
	h.cache.Close()
}

// Len reports an approximate count of entries currently promoted.
// Ristretto does not expose an exact count; this calls Wait() first so
// the returned KeysAdded/KeysEvicted delta is accurate for tests.
func (h *HotSet[T]) Len() int64 {
	h.cache.Wait()
	m := h.cache.Metrics
	if m == nil {
		return 0
	}
	added := int64(m.KeysAdded())
	evicted := int64(m.KeysEvicted())
	if added < evicted {
		return 0
	}
	return added - evicted
}
