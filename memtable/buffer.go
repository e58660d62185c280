// Package memtable implements the engine's in-process memory tier: the
// newest points for every series, held uncompressed for fast ingest and
// low-latency recent-data reads until the scheduler flushes them to disk.
package memtable

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chronodb/chronodb/internal/hash"
	"github.com/chronodb/chronodb/point"
)

// shardCount is the number of independent shards the series keyspace is
// split across. A fixed power-of-two count keeps the modulo a cheap mask
// and bounds per-shard lock contention under concurrent ingest from many
// series.
const shardCount = 32

// Buffer is the memory tier: a sharded, per-series concurrent store of
// unflushed points. Each series is guarded by its own mutex so that writes
// to unrelated series never contend.
type Buffer struct {
	shards     [shardCount]*shard
	pointCount atomic.Int64
}

type shard struct {
	mu     sync.RWMutex
	series map[point.SeriesKey]*seriesBuffer
}

type seriesBuffer struct {
	mu     sync.Mutex
	points []point.Point
	// sorted is false once an out-of-order insert has landed; Range and
	// Drain sort lazily on next read rather than on every insert.
	sorted bool
}

// New creates an empty memory buffer.
func New() *Buffer {
	b := &Buffer{}
	for i := range b.shards {
		b.shards[i] = &shard{series: make(map[point.SeriesKey]*seriesBuffer)}
	}

	return b
}

func (b *Buffer) shardFor(key point.SeriesKey) *shard {
	h := hash.ID(string(key))
	return b.shards[h&(shardCount-1)]
}

func (s *shard) getOrCreate(key point.SeriesKey) *seriesBuffer {
	s.mu.RLock()
	sb, ok := s.series[key]
	s.mu.RUnlock()
	if ok {
		return sb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sb, ok := s.series[key]; ok {
		return sb
	}

	sb = &seriesBuffer{sorted: true}
	s.series[key] = sb

	return sb
}

// Insert appends points to a series' in-memory buffer. Points need not be
// pre-sorted; the buffer sorts lazily before any read that requires order.
func (b *Buffer) Insert(key point.SeriesKey, points []point.Point) {
	if len(points) == 0 {
		return
	}

	sb := b.shardFor(key).getOrCreate(key)

	sb.mu.Lock()
	wasSorted := sb.sorted && len(sb.points) > 0
	sb.points = append(sb.points, points...)
	if wasSorted {
		for _, p := range points {
			if p.Timestamp < sb.points[len(sb.points)-len(points)-1].Timestamp {
				sb.sorted = false
				break
			}
		}
	}
	if len(points) > 1 {
		sb.sorted = false
	}
	sb.mu.Unlock()

	b.pointCount.Add(int64(len(points)))
}

func (sb *seriesBuffer) ensureSorted() {
	if sb.sorted {
		return
	}

	sort.Slice(sb.points, func(i, j int) bool { return point.Less(sb.points[i], sb.points[j]) })
	sb.sorted = true
}

// Range returns a copy of the points in [lo, hi] (inclusive) for a series,
// sorted ascending by timestamp. Returns nil if the series has no buffered
// points.
func (b *Buffer) Range(key point.SeriesKey, lo, hi int64) []point.Point {
	s := b.shardFor(key)

	s.mu.RLock()
	sb, ok := s.series[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.ensureSorted()

	lowIdx := sort.Search(len(sb.points), func(i int) bool { return sb.points[i].Timestamp >= lo })
	out := make([]point.Point, 0, len(sb.points)-lowIdx)
	for i := lowIdx; i < len(sb.points) && sb.points[i].Timestamp <= hi; i++ {
		out = append(out, sb.points[i])
	}

	return out
}

// DrainExcess removes and returns, per series, the oldest points (by
// timestamp) that push that series over limit, leaving at most limit
// points buffered. Implements memory_buffer_size: once a series' buffer
// would exceed the limit, its oldest excess points become eligible for
// flush even before flush_age elapses, though Range still sees them until
// this call actually removes them. limit <= 0 disables the check.
func (b *Buffer) DrainExcess(limit int) map[point.SeriesKey][]point.Point {
	if limit <= 0 {
		return nil
	}

	out := make(map[point.SeriesKey][]point.Point)

	for _, s := range b.shards {
		s.mu.Lock()
		for key, sb := range s.series {
			sb.mu.Lock()
			sb.ensureSorted()

			excess := len(sb.points) - limit
			if excess <= 0 {
				sb.mu.Unlock()
				continue
			}

			drained := make([]point.Point, excess)
			copy(drained, sb.points[:excess])
			out[key] = drained

			sb.points = append(sb.points[:0], sb.points[excess:]...)
			b.pointCount.Add(-int64(excess))

			sb.mu.Unlock()
		}
		s.mu.Unlock()
	}

	return out
}

// DrainOlderThan removes and returns every point with Timestamp <= cutoff
// for every series, keyed by series. Points newer than cutoff remain
// buffered. Series left empty after the drain are removed from the shard
// map. Used by the scheduler's flush task; the caller is responsible for
// persisting the returned points before they are discarded here.
func (b *Buffer) DrainOlderThan(cutoff int64) map[point.SeriesKey][]point.Point {
	out := make(map[point.SeriesKey][]point.Point)

	for _, s := range b.shards {
		s.mu.Lock()
		for key, sb := range s.series {
			sb.mu.Lock()
			sb.ensureSorted()

			splitIdx := sort.Search(len(sb.points), func(i int) bool { return sb.points[i].Timestamp > cutoff })
			if splitIdx == 0 {
				sb.mu.Unlock()
				continue
			}

			drained := make([]point.Point, splitIdx)
			copy(drained, sb.points[:splitIdx])
			out[key] = drained

			remaining := len(sb.points) - splitIdx
			if remaining == 0 {
				sb.points = nil
			} else {
				sb.points = append(sb.points[:0], sb.points[splitIdx:]...)
			}
			b.pointCount.Add(-int64(splitIdx))

			empty := len(sb.points) == 0
			sb.mu.Unlock()

			if empty {
				delete(s.series, key)
			}
		}
		s.mu.Unlock()
	}

	return out
}

// SeriesKeys returns every series currently holding at least one buffered
// point. The returned slice is a snapshot; concurrent inserts may race with
// the caller's use of it.
func (b *Buffer) SeriesKeys() []point.SeriesKey {
	var out []point.SeriesKey

	for _, s := range b.shards {
		s.mu.RLock()
		for key := range s.series {
			out = append(out, key)
		}
		s.mu.RUnlock()
	}

	return out
}

// PointCount returns the total number of points currently buffered across
// all series, backing the engine's memory_points_total gauge.
func (b *Buffer) PointCount() int64 {
	return b.pointCount.Load()
}
