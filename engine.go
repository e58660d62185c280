// Package chronodb implements a Gorilla-style time-series engine: an
// in-process memory buffer backed by a local-disk tier, optionally
// off-loaded to a remote object store, with a query planner that merges
// reads transparently across all three.
package chronodb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/chronodb/chronodb/archivetier"
	"github.com/chronodb/chronodb/blobstore"
	"github.com/chronodb/chronodb/disktier"
	"github.com/chronodb/chronodb/memtable"
	"github.com/chronodb/chronodb/point"
	"github.com/chronodb/chronodb/query"
	"github.com/chronodb/chronodb/scheduler"
)

const lockFileName = ".lock"

// Engine is the top-level handle to a running time-series store: one
// Engine owns one data_dir, one memory buffer, and the background tasks
// that flush and archive it.
type Engine struct {
	cfg Config
	log *zap.Logger

	lock *flock.Flock

	memory  *memtable.Buffer
	disk    *disktier.Tier
	archive *archivetier.Tier
	store   blobstore.Store
	planner *query.Planner
	sched   *scheduler.Scheduler
	metrics *metrics

	closeOnce sync.Once
	closed    sync.Once
	mu        sync.RWMutex
	shutdown  bool
}

// EngineOption configures Open beyond what Config covers: the logger, the
// prometheus registerer, the disk tier's filesystem, and the archive tier's
// blob store.
type EngineOption func(*engineOptions)

type engineOptions struct {
	log      *zap.Logger
	registry prometheus.Registerer
	fs       afero.Fs
	store    blobstore.Store
}

// WithLogger overrides the zap.Logger the engine and its tiers log
// through. Defaults to zap.NewNop() when omitted.
func WithLogger(log *zap.Logger) EngineOption {
	return func(o *engineOptions) { o.log = log }
}

// WithRegisterer overrides the prometheus.Registerer metrics are
// registered against. A nil registerer (the default) disables
// registration; instruments are still created and updated.
func WithRegisterer(reg prometheus.Registerer) EngineOption {
	return func(o *engineOptions) { o.registry = reg }
}

// WithFilesystem overrides the afero.Fs the disk tier is opened on.
// Defaults to the OS filesystem; tests use this to inject an in-memory
// one.
func WithFilesystem(fs afero.Fs) EngineOption {
	return func(o *engineOptions) { o.fs = fs }
}

// WithBlobStore overrides the archive tier's backing store entirely,
// bypassing the S3 configuration in Config. Tests use this to inject a
// blobstore.Memory.
func WithBlobStore(store blobstore.Store) EngineOption {
	return func(o *engineOptions) { o.store = store }
}

// Open starts an engine over cfg: it acquires the data_dir's advisory
// lock, opens (and recovers) the disk tier, constructs the archive tier's
// BlobStore if archiving is enabled, and starts the flush and archive
// background tasks. Open fails with ErrConflict if another engine already
// holds data_dir.
func Open(ctx context.Context, cfg Config, opts ...EngineOption) (*Engine, error) {
	o := &engineOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	log := o.log.Named("chronodb")

	fs := o.fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	if err := fs.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, newError(KindTierUnavailable, "engine.open", fmt.Errorf("create data_dir %q: %w", cfg.DataDir, err))
	}

	lock, err := acquireLock(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	disk, err := disktier.Open(fs, cfg.DataDir, log, disktier.WithQuarantineOrphans())
	if err != nil {
		_ = lock.Unlock()
		return nil, newError(KindTierUnavailable, "engine.open", fmt.Errorf("open disk tier: %w", err))
	}

	var archive *archivetier.Tier

	store := o.store
	if store == nil && cfg.ArchiveEnabled {
		s3Store, err := blobstore.NewS3(ctx, blobstore.S3Config{
			Bucket: cfg.ArchiveBucket,
			Prefix: cfg.ArchivePrefix,
			Region: cfg.ArchiveRegion,
		})
		if err != nil {
			_ = lock.Unlock()
			return nil, newError(KindTierUnavailable, "engine.open", fmt.Errorf("open archive store: %w", err))
		}

		store = s3Store
	}

	if store != nil {
		archive = archivetier.New(store, "series", log)
	}

	memory := memtable.New()
	planner := query.New(memory, disk, archive, log)
	m := newMetrics(o.registry)

	sched := scheduler.New(scheduler.Config{
		FlushInterval:    cfg.FlushInterval,
		FlushAge:         cfg.FlushAge,
		ArchiveInterval:  cfg.ArchiveInterval,
		ArchivalAge:      cfg.ArchivalAge,
		MaxBlockPoints:   cfg.MaxBlockPoints,
		MemoryBufferSize: cfg.MemoryBufferSize,
		ArchiveEnabled:   cfg.ArchiveEnabled,
	}, memory, disk, archive, log, scheduler.Hooks{
		OnFlushRun:   m.observeFlush,
		OnArchiveRun: m.observeArchive,
	})

	e := &Engine{
		cfg:     cfg,
		log:     log,
		lock:    lock,
		memory:  memory,
		disk:    disk,
		archive: archive,
		store:   store,
		planner: planner,
		sched:   sched,
		metrics: m,
	}

	sched.Start(ctx)

	return e, nil
}

func acquireLock(dataDir string) (*flock.Flock, error) {
	l := flock.New(filepath.Join(dataDir, lockFileName))

	ok, err := l.TryLock()
	if err != nil {
		return nil, newError(KindTierUnavailable, "engine.open", fmt.Errorf("lock data_dir: %w", err))
	}

	if !ok {
		return nil, newError(KindConflict, "engine.open", fmt.Errorf("data_dir already owned by another engine"))
	}

	return l, nil
}

// Insert adds a point to series. Insert never blocks on disk or network
// I/O: it only validates and writes to the memory buffer.
func (e *Engine) Insert(series string, p point.Point) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	key, err := point.Canonicalize(series)
	if err != nil {
		return newError(KindInvalidInput, "engine.insert", err)
	}

	if err := point.ValidateTimestamp(p.Timestamp); err != nil {
		return newError(KindInvalidInput, "engine.insert", err)
	}

	e.memory.Insert(key, []point.Point{p})
	e.metrics.memoryPoints.Set(float64(e.memory.PointCount()))

	return nil
}

// QueryRange returns every point for series within [tLo, tHi], merged and
// deduplicated across all tiers.
func (e *Engine) QueryRange(ctx context.Context, series string, tLo, tHi int64) (query.Result, error) {
	if err := e.checkOpen(); err != nil {
		return query.Result{}, err
	}

	key, err := point.Canonicalize(series)
	if err != nil {
		return query.Result{}, newError(KindInvalidInput, "engine.query_range", err)
	}

	res, err := e.planner.Range(ctx, key, tLo, tHi)
	if err != nil {
		if errors.Is(err, query.ErrInvertedRange) {
			return query.Result{}, newError(KindInvalidInput, "engine.query_range", err)
		}

		return query.Result{}, newError(KindTierUnavailable, "engine.query_range", err)
	}

	return res, nil
}

// QueryAggregate folds every point for series within [tLo, tHi] using op.
func (e *Engine) QueryAggregate(ctx context.Context, series string, tLo, tHi int64, op query.Op) (query.AggResult, error) {
	if err := e.checkOpen(); err != nil {
		return query.AggResult{}, err
	}

	key, err := point.Canonicalize(series)
	if err != nil {
		return query.AggResult{}, newError(KindInvalidInput, "engine.query_aggregate", err)
	}

	res, err := e.planner.Aggregate(ctx, key, tLo, tHi, op)
	if err != nil {
		if errors.Is(err, query.ErrInvertedRange) {
			return query.AggResult{}, newError(KindInvalidInput, "engine.query_aggregate", err)
		}

		return query.AggResult{}, newError(KindTierUnavailable, "engine.query_aggregate", err)
	}

	return res, nil
}

// SeriesList returns the union of every series known to any tier.
func (e *Engine) SeriesList(ctx context.Context) ([]point.SeriesKey, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	seen := make(map[point.SeriesKey]bool)

	for _, k := range e.memory.SeriesKeys() {
		seen[k] = true
	}

	diskKeys, err := e.disk.ListSeries()
	if err != nil {
		return nil, newError(KindTierUnavailable, "engine.series_list", err)
	}

	for _, k := range diskKeys {
		seen[k] = true
	}

	if e.archive != nil {
		archiveKeys, err := e.archive.ListSeries(ctx)
		if err != nil {
			return nil, newError(KindTierUnavailable, "engine.series_list", err)
		}

		for _, k := range archiveKeys {
			seen[k] = true
		}
	}

	out := make([]point.SeriesKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}

	return out, nil
}

// ForceFlush runs one flush iteration synchronously, outside of the
// scheduler's ticker.
func (e *Engine) ForceFlush(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	if err := e.sched.ForceFlush(ctx); err != nil {
		return newError(KindTierUnavailable, "engine.force_flush", err)
	}

	e.metrics.memoryPoints.Set(float64(e.memory.PointCount()))

	return nil
}

// ForceArchive runs one archive iteration synchronously, outside of the
// scheduler's ticker.
func (e *Engine) ForceArchive(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	if err := e.sched.ForceArchive(ctx); err != nil {
		return newError(KindTierUnavailable, "engine.force_archive", err)
	}

	return nil
}

// HealthReport summarizes the engine's liveness for an operator or a
// health-check endpoint.
type HealthReport struct {
	Healthy      bool
	MemoryPoints int64
}

// Health reports whether the engine is open and how many points are
// currently buffered in memory.
func (e *Engine) Health() HealthReport {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return HealthReport{Healthy: !e.shutdown, MemoryPoints: e.memory.PointCount()}
}

// Stats reports the engine's current series and point counts per tier.
// Counts are not atomic across tiers and may be momentarily inconsistent
// under concurrent writes.
type Stats struct {
	MemorySeries  int
	MemoryPoints  int64
	DiskPoints    int64
	ArchivePoints int64
}

// Stats returns a point-in-time snapshot of every tier's occupancy. Disk and
// archive counts come from a manifest scan, so Stats is more expensive than
// Health and shouldn't be polled at a high rate.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		MemorySeries: len(e.memory.SeriesKeys()),
		MemoryPoints: e.memory.PointCount(),
	}

	diskPoints, err := e.disk.PointCount()
	if err != nil {
		return Stats{}, newError(KindTierUnavailable, "engine.stats", err)
	}
	stats.DiskPoints = diskPoints

	if e.archive != nil {
		archivePoints, err := e.archive.PointCount(ctx)
		if err != nil {
			return Stats{}, newError(KindTierUnavailable, "engine.stats", err)
		}
		stats.ArchivePoints = archivePoints
	}

	return stats, nil
}

// Shutdown stops the background tasks, performs a final flush so no
// buffered point is lost, and releases the data_dir lock. Insert,
// QueryRange, QueryAggregate, SeriesList, ForceFlush and ForceArchive
// called after Shutdown return ErrShutdown; Health and Stats still answer.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	e.mu.Unlock()

	e.sched.Stop()

	var shutdownErr error
	if err := e.sched.ForceFlush(ctx); err != nil {
		shutdownErr = err
	}

	e.metrics.engineHealthy.Set(0)

	if err := e.lock.Unlock(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}

	if shutdownErr != nil {
		return newError(KindTierUnavailable, "engine.shutdown", shutdownErr)
	}

	return nil
}

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.shutdown {
		return ErrShutdown
	}

	return nil
}
