// Package eviction selects which cache keys to remove under size or
// count pressure, via a pluggable Policy so Store can switch between
// LRU, LFU, and FIFO ordering.
package eviction

import (
	"sort"
	"time"
)

// Policy names the supported eviction strategies.
type Policy string

const (
	LRU  Policy = "lru"
	LFU  Policy = "lfu"
	FIFO Policy = "fifo"
)

// Candidate is the minimal view of an entry an eviction strategy needs
// to decide evictability and rank. Callers (Store) adapt their entry
// map into a slice of Candidates before calling Select.
type Candidate struct {
	Key            string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    uint64
	Size           int64
	ReferenceCount uint32
}

// Strategy ranks candidates for eviction, least-valuable first.
type Strategy interface {
	// Order returns candidates sorted so the first element should be
	// evicted first. Referenced (ReferenceCount > 0) candidates are
	// never included by Select, but a Strategy may assume Order is
	// only ever called with already-filtered, unreferenced candidates.
	Order(candidates []Candidate) []Candidate
}

type lruStrategy struct{}

func (lruStrategy) Order(c []Candidate) []Candidate {
	sort.SliceStable(c, func(i, j int) bool {
		return c[i].LastAccessedAt.Before(c[j].LastAccessedAt)
	})
	return c
}

type lfuStrategy struct{}

func (lfuStrategy) Order(c []Candidate) []Candidate {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].AccessCount != c[j].AccessCount {
			return c[i].AccessCount < c[j].AccessCount
		}
		return c[i].LastAccessedAt.Before(c[j].LastAccessedAt)
	})
	return c
}

type fifoStrategy struct{}

func (fifoStrategy) Order(c []Candidate) []Candidate {
	sort.SliceStable(c, func(i, j int) bool {
		return c[i].CreatedAt.Before(c[j].CreatedAt)
	})
	return c
}

// New returns the Strategy for the named policy, defaulting to LRU for
// an unrecognized or empty policy.
func New(p Policy) Strategy {
	switch p {
	case LFU:
		return lfuStrategy{}
	case FIFO:
		return fifoStrategy{}
	default:
		return lruStrategy{}
	}
}

// Plan is the result of selecting candidates for eviction: which keys
// to remove, and whether the target could be met using only
// unreferenced candidates.
type Plan struct {
	Keys        []string
	MetTarget   bool
	OverBudget  int64 // bytes still over budget after evicting Keys, 0 if MetTarget
}

// Select walks candidates (already filtered to ReferenceCount == 0) in
// strategy order, evicting until currentSize-evicted <= targetSize,
// or until candidates are exhausted — whichever comes first. A
// referenced entry is simply absent from candidates, so pressure that
// can't be relieved without evicting referenced entries surfaces as
// MetTarget == false.
func Select(strategy Strategy, candidates []Candidate, currentSize, targetSize int64) Plan {
	ordered := strategy.Order(append([]Candidate(nil), candidates...))

	var plan Plan
	remaining := currentSize
	for _, c := range ordered {
		if remaining <= targetSize {
			break
		}
		plan.Keys = append(plan.Keys, c.Key)
		remaining -= c.Size
	}
	plan.MetTarget = remaining <= targetSize
	if !plan.MetTarget {
		plan.OverBudget = remaining - targetSize
	}
	return plan
}
