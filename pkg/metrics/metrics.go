// Package metrics wires Store instrumentation into OpenTelemetry,
// driven by the CacheConfig.performance knobs (enableMetrics,
// slowQueryThresholdMs, memoryWarningThreshold). FetchDuration and
// ExceedsMemoryWarning have no caller in fasq.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Recorder records the observability signals the cache's
// performance-tuning fields call for. A zero-value Recorder, or one
// built by New with metrics disabled, records nothing; a nil *Recorder
// is not safe to call into.
type Recorder struct {
	enabled bool

	hits       metric.Int64Counter
	misses     metric.Int64Counter
	evictions  metric.Int64Counter
	overBudget metric.Int64Counter
	fetchDur   metric.Float64Histogram
	slowFetch  metric.Int64Counter

	slowQueryThreshold  time.Duration
	memoryWarnThreshold int64
}

// Config configures a Recorder.
type Config struct {
	Enabled             bool
	Meter               metric.Meter
	SlowQueryThreshold  time.Duration
	MemoryWarnThreshold int64 // bytes
}

// New builds a Recorder from an OTel Meter. If cfg.Enabled is false or
// cfg.Meter is nil, the returned Recorder is a no-op.
func New(cfg Config) (*Recorder, error) {
	if !cfg.Enabled || cfg.Meter == nil {
		return &Recorder{enabled: false}, nil
	}

	r := &Recorder{
		enabled:             true,
		slowQueryThreshold:  cfg.SlowQueryThreshold,
		memoryWarnThreshold: cfg.MemoryWarnThreshold,
	}

	var err error
	if r.hits, err = cfg.Meter.Int64Counter("fasq.store.hits"); err != nil {
		return nil, err
	}
	if r.misses, err = cfg.Meter.Int64Counter("fasq.store.misses"); err != nil {
		return nil, err
	}
	if r.evictions, err = cfg.Meter.Int64Counter("fasq.store.evictions"); err != nil {
		return nil, err
	}
	if r.overBudget, err = cfg.Meter.Int64Counter("fasq.store.overbudget_total"); err != nil {
		return nil, err
	}
	if r.fetchDur, err = cfg.Meter.Float64Histogram("fasq.query.fetch_duration_ms"); err != nil {
		return nil, err
	}
	if r.slowFetch, err = cfg.Meter.Int64Counter("fasq.query.slow_fetch_total"); err != nil {
		return nil, err
	}
	return r, nil
}

// Hit records a Store cache hit.
func (r *Recorder) Hit(ctx context.Context) {
	if r.enabled {
		r.hits.Add(ctx, 1)
	}
}

// Miss records a Store cache miss.
func (r *Recorder) Miss(ctx context.Context) {
	if r.enabled {
		r.misses.Add(ctx, 1)
	}
}

// Eviction records n entries evicted in one eviction pass.
func (r *Recorder) Eviction(ctx context.Context, n int) {
	if r.enabled && n > 0 {
		r.evictions.Add(ctx, int64(n))
	}
}

// OverBudget records that eviction could not bring the store back
// under budget (the documented over-budget edge case).
func (r *Recorder) OverBudget(ctx context.Context) {
	if r.enabled {
		r.overBudget.Add(ctx, 1)
	}
}

// FetchDuration records how long a fetch took and, if it exceeded the
// configured slow-query threshold, bumps the slow-fetch counter.
func (r *Recorder) FetchDuration(ctx context.Context, d time.Duration) {
	if !r.enabled {
		return
	}
	r.fetchDur.Record(ctx, float64(d.Milliseconds()))
	if r.slowQueryThreshold > 0 && d > r.slowQueryThreshold {
		r.slowFetch.Add(ctx, 1)
	}
}

// ExceedsMemoryWarning reports whether currentSize has crossed the
// configured memory-warning threshold, for callers that want to log a
// one-shot warning rather than emit a counter.
func (r *Recorder) ExceedsMemoryWarning(currentSize int64) bool {
	return r.enabled && r.memoryWarnThreshold > 0 && currentSize >= r.memoryWarnThreshold
}
