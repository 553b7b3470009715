package cache

import "sync/atomic"

// Metrics tracks cache performance counters: hits, misses, sets,
// deletes, evictions, and the L2 hit/miss/error breakdown.
type Metrics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
	l2Hits    atomic.Int64
	l2Misses  atomic.Int64
	l2Errors  atomic.Int64
}

// MetricsSnapshot is a point-in-time read of Metrics' counters.
type MetricsSnapshot struct {
	Hits      int64
	Misses    int64
	HitRate   float64
	Sets      int64
	Deletes   int64
	Evictions int64
	L1Size    int
	L2Hits    int64
	L2Misses  int64
	L2Errors  int64
}

// Metrics returns a snapshot of the facade's performance counters.
func (f *Facade) Metrics() MetricsSnapshot {
	hits := f.metrics.hits.Load()
	misses := f.metrics.misses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return MetricsSnapshot{
		Hits:      hits,
		Misses:    misses,
		HitRate:   hitRate,
		Sets:      f.metrics.sets.Load(),
		Deletes:   f.metrics.deletes.Load(),
		Evictions: f.metrics.evictions.Load(),
		L1Size:    f.l1.Size(),
		L2Hits:    f.metrics.l2Hits.Load(),
		L2Misses:  f.metrics.l2Misses.Load(),
		L2Errors:  f.metrics.l2Errors.Load(),
	}
}
