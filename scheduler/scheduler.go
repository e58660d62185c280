// Package scheduler runs the engine's two background tasks: flush (memory
// to disk) and archive (disk to the remote object store), on independent
// tickers with cooperative cancellation, plus synchronous hooks for
// on-demand execution.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/chronodb/chronodb/archivetier"
	"github.com/chronodb/chronodb/disktier"
	"github.com/chronodb/chronodb/memtable"
	"github.com/chronodb/chronodb/point"
)

// Clock abstracts wall-clock time so tests can control cutoffs without
// sleeping.
type Clock func() time.Time

// Config holds the scheduler's tunables, sourced from the engine's
// configuration.
type Config struct {
	FlushInterval   time.Duration
	FlushAge        time.Duration
	ArchiveInterval  time.Duration
	ArchivalAge      time.Duration
	MaxBlockPoints   int
	MemoryBufferSize int
	ArchiveEnabled   bool
	Now              Clock
}

// Scheduler owns the flush and archive background tasks.
type Scheduler struct {
	cfg     Config
	memory  *memtable.Buffer
	disk    *disktier.Tier
	archive *archivetier.Tier
	log     *zap.Logger

	onFlushRun    func(err error)
	onArchiveRun  func(err error)
	pendingMu     sync.Mutex
	pendingFlush  map[point.SeriesKey][]point.Point
	stopCh        chan struct{}
	wg            sync.WaitGroup
	startedOnce   sync.Once
}

// Hooks lets the engine façade observe scheduler run outcomes for metrics
// without the scheduler depending on a metrics package directly.
type Hooks struct {
	OnFlushRun   func(err error)
	OnArchiveRun func(err error)
}

// New creates a scheduler over the given tiers. archive may be nil when
// cfg.ArchiveEnabled is false.
func New(cfg Config, memory *memtable.Buffer, disk *disktier.Tier, archive *archivetier.Tier, log *zap.Logger, hooks Hooks) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Scheduler{
		cfg:          cfg,
		memory:       memory,
		disk:         disk,
		archive:      archive,
		log:          log.Named("scheduler"),
		onFlushRun:   hooks.OnFlushRun,
		onArchiveRun: hooks.OnArchiveRun,
		pendingFlush: make(map[point.SeriesKey][]point.Point),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the flush and archive tasks. Safe to call once; later
// calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.startedOnce.Do(func() {
		s.wg.Add(2)
		go s.runTask(ctx, s.cfg.FlushInterval, s.ForceFlush)
		go s.runTask(ctx, s.cfg.ArchiveInterval, s.ForceArchive)
	})
}

// Stop signals both tasks to finish their current iteration and exit, then
// waits for them to do so.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, interval time.Duration, run func(ctx context.Context) error) {
	defer s.wg.Done()

	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := run(ctx); err != nil {
				s.log.Warn("scheduled task iteration failed", zap.Error(err))
			}
		}
	}
}

// ForceFlush runs one flush iteration synchronously: it drains every
// series' points older than flush_age from memory, plus any points pushed
// over memory_buffer_size regardless of age, groups them into blocks no
// larger than max_block_points, and writes them to the disk tier. Points
// that fail to write are kept pending and retried on the next call rather
// than re-inserted into memory.
func (s *Scheduler) ForceFlush(ctx context.Context) error {
	cutoff := s.cfg.Now().Add(-s.cfg.FlushAge).UnixMilli()

	excess := s.memory.DrainExcess(s.cfg.MemoryBufferSize)
	drained := s.memory.DrainOlderThan(cutoff)

	s.pendingMu.Lock()
	for key, pts := range excess {
		s.pendingFlush[key] = append(s.pendingFlush[key], pts...)
	}
	for key, pts := range drained {
		s.pendingFlush[key] = append(s.pendingFlush[key], pts...)
	}
	pending := s.pendingFlush
	s.pendingFlush = make(map[point.SeriesKey][]point.Point)
	s.pendingMu.Unlock()

	var firstErr error

	for key, pts := range pending {
		if len(pts) == 0 {
			continue
		}

		if written, err := s.flushSeries(ctx, key, pts); err != nil {
			s.log.Warn("flush failed, will retry next tick", zap.String("series", string(key)), zap.Error(err))

			s.pendingMu.Lock()
			s.pendingFlush[key] = append(s.pendingFlush[key], pts[written:]...)
			s.pendingMu.Unlock()

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if s.onFlushRun != nil {
		s.onFlushRun(firstErr)
	}

	return firstErr
}

// flushSeries writes pts in blocks of at most max_block_points and returns
// how many leading points were written before any error.
func (s *Scheduler) flushSeries(ctx context.Context, key point.SeriesKey, pts []point.Point) (int, error) {
	maxPoints := s.cfg.MaxBlockPoints
	if maxPoints <= 0 {
		maxPoints = len(pts)
	}

	for start := 0; start < len(pts); start += maxPoints {
		end := start + maxPoints
		if end > len(pts) {
			end = len(pts)
		}

		chunk := pts[start:end]

		op := func() error { return s.disk.WriteBlock(ctx, key, chunk) }
		if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)); err != nil {
			return start, err
		}
	}

	return len(pts), nil
}

// ForceArchive runs one archive iteration synchronously: for every series,
// it finds disk blocks older than archival_age, copies them to the archive
// tier, and only then deletes them from disk. A crash between the archive
// write and the disk deletion leaves the block in both tiers; the query
// planner's deduplication keeps that window transparent to callers, and
// the next archive run re-discovers and completes the deletion.
func (s *Scheduler) ForceArchive(ctx context.Context) error {
	if !s.cfg.ArchiveEnabled || s.archive == nil {
		return nil
	}

	cutoff := s.cfg.Now().Add(-s.cfg.ArchivalAge).UnixMilli()

	series, err := s.disk.ListSeries()
	if err != nil {
		if s.onArchiveRun != nil {
			s.onArchiveRun(err)
		}

		return err
	}

	var firstErr error

	for _, key := range series {
		if err := s.archiveSeries(ctx, key, cutoff); err != nil {
			s.log.Warn("archive failed for series, will retry next tick", zap.String("series", string(key)), zap.Error(err))

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if s.onArchiveRun != nil {
		s.onArchiveRun(firstErr)
	}

	return firstErr
}

func (s *Scheduler) archiveSeries(ctx context.Context, key point.SeriesKey, cutoff int64) error {
	entries, err := s.disk.OlderThan(key, cutoff)
	if err != nil {
		return err
	}

	var committed []string

	for _, e := range entries {
		pts, err := s.disk.ReadBlock(key, e)
		if err != nil {
			continue
		}

		if err := s.archive.PutBlock(ctx, key, pts); err != nil {
			continue
		}

		committed = append(committed, e.Path)
	}

	return s.disk.DeleteBlocks(key, committed)
}
