// Package infinite implements the InfiniteQuery controller: an ordered,
// capped window of fetched pages, grown forward or backward one fetch
// operation at a time.
package infinite

import (
	"context"
	"sync"
	"time"

	"github.com/orneryd/fasq/pkg/observer"
	"github.com/orneryd/fasq/pkg/query"
)

// Status aggregates an InfiniteQuery's pages into one of the same four
// tags a plain Query uses.
type Status = query.Status

const (
	Idle    = query.Idle
	Loading = query.Loading
	Success = query.Success
	Error   = query.Error
)

// Page is one fetched unit: either a successful TData or an error,
// never both. Param is the cursor/offset the fetcher was called with.
type Page[TData any, TParam any] struct {
	Param   TParam
	Data    TData
	HasData bool
	Err     error
}

// State is an InfiniteQuery's externally observable snapshot.
type State[TData any, TParam any] struct {
	Status              Status
	Pages               []Page[TData, TParam]
	HasNextPage         bool
	HasPreviousPage     bool
	IsFetchingNextPage  bool
	IsFetchingPrevPage  bool
	Err                 error
}

// NextPageParamFunc computes the parameter for the next forward fetch
// from the pages fetched so far and the most recent page carrying
// data (skipping error pages). A false second result means "no more
// pages."
type NextPageParamFunc[TData any, TParam any] func(pages []Page[TData, TParam], lastDataPage *Page[TData, TParam]) (TParam, bool)

// PrevPageParamFunc is NextPageParamFunc's backward-direction twin.
type PrevPageParamFunc[TData any, TParam any] func(pages []Page[TData, TParam], firstDataPage *Page[TData, TParam]) (TParam, bool)

// Fetcher produces one page's data for param.
type Fetcher[TData any, TParam any] func(ctx context.Context, param TParam) (TData, error)

// Options configures an InfiniteQuery.
type Options[TData any, TParam any] struct {
	Enabled          bool
	StaleTime        time.Duration
	CacheTime        time.Duration
	RefetchOnMount   bool
	OnSuccess        func(data TData)
	OnError          func(err error)
	GetNextPageParam NextPageParamFunc[TData, TParam]
	GetPrevPageParam PrevPageParamFunc[TData, TParam]
	// MaxPages caps the retained page window; <= 0 means unbounded.
	MaxPages int
	Meta     any
}

// DefaultOptions returns an enabled InfiniteQuery configuration with no
// page cap.
func DefaultOptions[TData any, TParam any]() Options[TData, TParam] {
	return Options[TData, TParam]{Enabled: true, CacheTime: 5 * time.Minute}
}

// Deps bundles an InfiniteQuery's process-local collaborators.
type Deps struct {
	Observers *observer.Set
}

// InfiniteQuery owns one key's ordered page list: at most one fetch
// operation (forward or backward) runs at a time, subsequent requests
// while one is in flight return immediately without starting a second.
type InfiniteQuery[TData any, TParam any] struct {
	mu sync.Mutex

	key     string
	deps    Deps
	fetcher Fetcher[TData, TParam]
	opts    Options[TData, TParam]

	state State[TData, TParam]

	fetching bool
	cancel   context.CancelFunc
}

// New constructs an InfiniteQuery for key.
func New[TData any, TParam any](key string, fetcher Fetcher[TData, TParam], opts Options[TData, TParam], deps Deps) *InfiniteQuery[TData, TParam] {
	return &InfiniteQuery[TData, TParam]{
		key:     key,
		deps:    deps,
		fetcher: fetcher,
		opts:    opts,
		state:   State[TData, TParam]{Status: Idle},
	}
}

// Key returns the cache key this InfiniteQuery was constructed with.
func (q *InfiniteQuery[TData, TParam]) Key() string { return q.key }

// Snapshot returns the InfiniteQuery's current state.
func (q *InfiniteQuery[TData, TParam]) Snapshot() State[TData, TParam] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cloneState()
}

func (q *InfiniteQuery[TData, TParam]) cloneState() State[TData, TParam] {
	s := q.state
	s.Pages = append([]Page[TData, TParam](nil), q.state.Pages...)
	return s
}

func (q *InfiniteQuery[TData, TParam]) setState(next State[TData, TParam]) {
	q.mu.Lock()
	prev := q.cloneState()
	q.state = next
	q.mu.Unlock()
	q.notify(prev, next)
}

func (q *InfiniteQuery[TData, TParam]) notify(prev, next State[TData, TParam]) {
	if q.deps.Observers == nil {
		return
	}
	snap := observer.Snapshot{
		Key:        q.key,
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

// Subscribe auto-fetches the first page (param computed from empty
// inputs) if no pages exist yet.
func (q *InfiniteQuery[TData, TParam]) Subscribe(ctx context.Context) State[TData, TParam] {
	q.mu.Lock()
	hasPages := len(q.state.Pages) > 0
	q.mu.Unlock()

	if !hasPages && q.opts.Enabled {
		q.FetchNextPage(ctx)
	}
	return q.Snapshot()
}

// lastDataPage returns a pointer to the most recent page with data, or
// nil if none of the retained pages carry data.
func lastDataPage[TData any, TParam any](pages []Page[TData, TParam]) *Page[TData, TParam] {
	for i := len(pages) - 1; i >= 0; i-- {
		if pages[i].HasData {
			return &pages[i]
		}
	}
	return nil
}

// firstDataPage returns a pointer to the oldest page with data, or nil.
func firstDataPage[TData any, TParam any](pages []Page[TData, TParam]) *Page[TData, TParam] {
	for i := range pages {
		if pages[i].HasData {
			return &pages[i]
		}
	}
	return nil
}

// FetchNextPage computes the next page's param via GetNextPageParam
// and fetches it, appending to the end of the page list. A fetch
// already in flight (forward or backward) makes this a no-op.
func (q *InfiniteQuery[TData, TParam]) FetchNextPage(ctx context.Context) {
	q.mu.Lock()
	if q.fetching {
		q.mu.Unlock()
		return
	}
	pages := append([]Page[TData, TParam](nil), q.state.Pages...)
	q.mu.Unlock()

	var zero TParam
	param, ok := zero, true
	if q.opts.GetNextPageParam != nil {
		last := lastDataPage(pages)
		param, ok = q.opts.GetNextPageParam(pages, last)
	} else if len(pages) > 0 {
		ok = false
	}
	if !ok {
		return
	}

	q.runFetch(ctx, param, true)
}

// FetchPreviousPage is FetchNextPage's backward-direction twin.
func (q *InfiniteQuery[TData, TParam]) FetchPreviousPage(ctx context.Context) {
	q.mu.Lock()
	if q.fetching {
		q.mu.Unlock()
		return
	}
	pages := append([]Page[TData, TParam](nil), q.state.Pages...)
	q.mu.Unlock()

	if q.opts.GetPrevPageParam == nil {
		return
	}
	first := firstDataPage(pages)
	param, ok := q.opts.GetPrevPageParam(pages, first)
	if !ok {
		return
	}

	q.runFetch(ctx, param, false)
}

// RefetchPage re-fetches the page currently at index, in place,
// preserving its position and not disturbing neighbors. A fetch
// already in flight makes this a no-op, per the at-most-one-fetch
// invariant that covers next/previous/refetchPage alike.
func (q *InfiniteQuery[TData, TParam]) RefetchPage(ctx context.Context, index int) {
	q.mu.Lock()
	if q.fetching || index < 0 || index >= len(q.state.Pages) {
		q.mu.Unlock()
		return
	}
	param := q.state.Pages[index].Param
	q.fetching = true
	fctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.mu.Unlock()
	defer cancel()

	loading := q.withFetchingFlags(true, false)
	q.setState(loading)

	data, err := q.fetcher(fctx, param)

	q.mu.Lock()
	q.fetching = false
	if index < len(q.state.Pages) {
		if err != nil {
			q.state.Pages[index] = Page[TData, TParam]{Param: param, Err: err}
		} else {
			q.state.Pages[index] = Page[TData, TParam]{Param: param, Data: data, HasData: true}
		}
	}
	next := q.recomputeLocked(err)
	q.mu.Unlock()

	q.applyPostFetch(loading, next, data, err)
}

func (q *InfiniteQuery[TData, TParam]) withFetchingFlags(next, prev bool) State[TData, TParam] {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.cloneState()
	s.IsFetchingNextPage = next
	s.IsFetchingPrevPage = prev
	if s.Status == Idle {
		s.Status = Loading
	}
	return s
}

func (q *InfiniteQuery[TData, TParam]) runFetch(ctx context.Context, param TParam, forward bool) {
	q.mu.Lock()
	if q.fetching {
		q.mu.Unlock()
		return
	}
	q.fetching = true
	fctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.mu.Unlock()
	defer cancel()

	loading := q.withFetchingFlags(forward, !forward)
	q.setState(loading)

	data, err := q.fetcher(fctx, param)

	q.mu.Lock()
	q.fetching = false
	page := Page[TData, TParam]{Param: param}
	if err != nil {
		page.Err = err
	} else {
		page.Data = data
		page.HasData = true
	}
	if forward {
		q.state.Pages = append(q.state.Pages, page)
		q.capForward()
	} else {
		q.state.Pages = append([]Page[TData, TParam]{page}, q.state.Pages...)
		q.capBackward()
	}
	next := q.recomputeLocked(err)
	q.mu.Unlock()

	q.applyPostFetch(loading, next, data, err)
}

// capForward drops pages from the start once the window exceeds
// MaxPages, preserving ordering.
func (q *InfiniteQuery[TData, TParam]) capForward() {
	if q.opts.MaxPages <= 0 {
		return
	}
	if over := len(q.state.Pages) - q.opts.MaxPages; over > 0 {
		q.state.Pages = q.state.Pages[over:]
	}
}

// capBackward drops pages from the end once the window exceeds
// MaxPages, preserving ordering.
func (q *InfiniteQuery[TData, TParam]) capBackward() {
	if q.opts.MaxPages <= 0 {
		return
	}
	if over := len(q.state.Pages) - q.opts.MaxPages; over > 0 {
		q.state.Pages = q.state.Pages[:q.opts.MaxPages]
	}
}

// recomputeLocked rebuilds status/hasNext/hasPrev after a page-list
// mutation. Caller must hold q.mu.
func (q *InfiniteQuery[TData, TParam]) recomputeLocked(lastErr error) State[TData, TParam] {
	q.state.IsFetchingNextPage = false
	q.state.IsFetchingPrevPage = false
	q.state.Err = nil

	switch {
	case lastErr != nil && lastDataPage(q.state.Pages) == nil && firstDataPage(q.state.Pages) == nil:
		// No page in the whole window ever succeeded: nothing to show.
		q.state.Status = Error
		q.state.Err = lastErr
	default:
		q.state.Status = Success
	}

	if q.opts.GetNextPageParam != nil {
		_, ok := q.opts.GetNextPageParam(q.state.Pages, lastDataPage(q.state.Pages))
		q.state.HasNextPage = ok
	}
	if q.opts.GetPrevPageParam != nil {
		_, ok := q.opts.GetPrevPageParam(q.state.Pages, firstDataPage(q.state.Pages))
		q.state.HasPreviousPage = ok
	}
	return q.cloneState()
}

// applyPostFetch fires observer notifications and success/error
// callbacks for a completed fetch; q.state was already updated by the
// caller while holding q.mu during recomputeLocked.
func (q *InfiniteQuery[TData, TParam]) applyPostFetch(prev, next State[TData, TParam], data TData, err error) {
	q.notify(prev, next)
	if err != nil {
		if q.opts.OnError != nil {
			q.opts.OnError(err)
		}
		return
	}
	if q.opts.OnSuccess != nil {
		q.opts.OnSuccess(data)
	}
}

// Cancel drops any in-flight page fetch.
func (q *InfiniteQuery[TData, TParam]) Cancel() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reset clears all pages and cancels any in-flight fetch tracker.
func (q *InfiniteQuery[TData, TParam]) Reset() {
	q.Cancel()
	q.mu.Lock()
	q.state = State[TData, TParam]{Status: Idle}
	q.fetching = false
	q.mu.Unlock()
}
