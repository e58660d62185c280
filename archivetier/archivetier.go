// Package archivetier implements the remote storage tier: the same
// block/manifest model as disktier, but persisted through a BlobStore
// instead of a local filesystem. Blocks are immutable once written; the
// tier never mutates or deletes a block on its own.
package archivetier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/chronodb/chronodb/blobstore"
	"github.com/chronodb/chronodb/codec"
	"github.com/chronodb/chronodb/internal/blockcompress"
	"github.com/chronodb/chronodb/internal/manifest"
	"github.com/chronodb/chronodb/point"
)

const manifestObjectName = "manifest.json"

// Tier is the remote-storage tier, backed by a blobstore.Store.
type Tier struct {
	store  blobstore.Store
	prefix string
	log    *zap.Logger

	mu          sync.Mutex
	seriesLocks map[point.SeriesKey]*sync.Mutex
}

// New creates an archive tier writing under prefix in store.
func New(store blobstore.Store, prefix string, log *zap.Logger) *Tier {
	return &Tier{
		store:       store,
		prefix:      prefix,
		log:         log.Named("archivetier"),
		seriesLocks: make(map[point.SeriesKey]*sync.Mutex),
	}
}

func (t *Tier) lockFor(key point.SeriesKey) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.seriesLocks[key]
	if !ok {
		m = &sync.Mutex{}
		t.seriesLocks[key] = m
	}

	return m
}

func (t *Tier) seriesPrefix(key point.SeriesKey) string {
	return blobstore.JoinKey(t.prefix, string(key))
}

func (t *Tier) manifestKey(key point.SeriesKey) string {
	return blobstore.JoinKey(t.seriesPrefix(key), manifestObjectName)
}

// PutBlock encodes points and writes them as a new immutable block, then
// adds the block to the series' manifest. Block keys always carry a random
// suffix: archive writers across multiple engine instances could otherwise
// collide on the same content-range key, and BlobStore writes are only
// safe when keys are unique.
func (t *Tier) PutBlock(ctx context.Context, key point.SeriesKey, points []point.Point) error {
	if len(points) == 0 {
		return fmt.Errorf("archivetier: cannot write an empty block for series %q", key)
	}

	data, err := codec.Encode(points)
	if err != nil {
		return fmt.Errorf("archivetier: encode series %q: %w", key, err)
	}

	data, err = blockcompress.Compress(blockcompress.Zstd, data)
	if err != nil {
		return fmt.Errorf("archivetier: compress series %q: %w", key, err)
	}

	start, end := points[0].Timestamp, points[len(points)-1].Timestamp
	blockKey := fmt.Sprintf("block_%d_%d_%s", start, end, uuid.NewString())
	fullKey := blobstore.JoinKey(t.seriesPrefix(key), blockKey)

	if err := t.store.Put(ctx, fullKey, data); err != nil {
		return fmt.Errorf("archivetier: put block %q: %w", fullKey, err)
	}

	lock := t.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	m, err := t.loadManifestLocked(ctx, key)
	if err != nil {
		return fmt.Errorf("archivetier: load manifest %q: %w", key, err)
	}

	m.Add(manifest.Entry{Path: blockKey, StartTS: start, EndTS: end, PointCount: uint64(len(points))})

	return t.commitManifestLocked(ctx, key, m)
}

// Result is the outcome of a ReadRange call: the points successfully
// decoded, plus an aggregate error (via multierr) describing any blocks
// that could not be fetched or decoded. A non-nil Err does not mean Points
// is empty — readers get best-effort partial data.
type Result struct {
	Points []point.Point
	Err    error
}

// ReadRange decodes every block intersecting [lo, hi] for a series. Blocks
// that fail to fetch or decode are skipped and recorded in the returned
// error rather than aborting the whole read, matching the archive tier's
// tolerance for per-block failures.
func (t *Tier) ReadRange(ctx context.Context, key point.SeriesKey, lo, hi int64) Result {
	lock := t.lockFor(key)
	lock.Lock()
	m, err := t.loadManifestLocked(ctx, key)
	lock.Unlock()
	if err != nil {
		return Result{Err: fmt.Errorf("archivetier: load manifest %q: %w", key, err)}
	}

	var (
		out  []point.Point
		errs error
	)

	for _, e := range m.Intersecting(lo, hi) {
		blockKey := blobstore.JoinKey(t.seriesPrefix(key), e.Path)

		data, err := t.store.Get(ctx, blockKey)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("archivetier: fetch block %q: %w", blockKey, err))
			continue
		}

		data, err = blockcompress.Decompress(data)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: decompress block %q: %v", codec.ErrCorruptBlock, blockKey, err))
			continue
		}

		points, _, err := codec.Decode(data)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("archivetier: decode block %q: %w", blockKey, err))
			continue
		}

		for _, p := range points {
			if p.Timestamp >= lo && p.Timestamp <= hi {
				out = append(out, p)
			}
		}
	}

	return Result{Points: out, Err: errs}
}

// ListSeries enumerates every series with at least one manifest under the
// tier's prefix.
func (t *Tier) ListSeries(ctx context.Context) ([]point.SeriesKey, error) {
	keys, err := t.store.List(ctx, t.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("archivetier: list: %w", err)
	}

	seen := make(map[point.SeriesKey]bool)
	for _, k := range keys {
		rel := strings.TrimPrefix(k, t.prefix+"/")
		segments := strings.SplitN(rel, "/", 2)
		if len(segments) == 2 && segments[1] == manifestObjectName {
			seen[point.SeriesKey(segments[0])] = true
		}
	}

	out := make([]point.SeriesKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}

	return out, nil
}

// PointCount returns the total number of points recorded across every
// series' manifest, backing Engine.Stats()'s archive-tier count.
func (t *Tier) PointCount(ctx context.Context) (int64, error) {
	series, err := t.ListSeries(ctx)
	if err != nil {
		return 0, fmt.Errorf("archivetier: point count: %w", err)
	}

	var total int64

	for _, key := range series {
		lock := t.lockFor(key)
		lock.Lock()
		m, err := t.loadManifestLocked(ctx, key)
		lock.Unlock()
		if err != nil {
			return 0, fmt.Errorf("archivetier: point count %q: %w", key, err)
		}

		for _, e := range m.Blocks {
			total += int64(e.PointCount)
		}
	}

	return total, nil
}

func (t *Tier) loadManifestLocked(ctx context.Context, key point.SeriesKey) (*manifest.Manifest, error) {
	data, err := t.store.Get(ctx, t.manifestKey(key))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return manifest.New(string(key)), nil
		}

		return nil, err
	}

	m, err := manifest.Unmarshal(data)
	if err != nil {
		t.log.Warn("archive manifest corrupt", zap.String("series", string(key)), zap.Error(err))
		return manifest.New(string(key)), nil
	}

	return m, nil
}

func (t *Tier) commitManifestLocked(ctx context.Context, key point.SeriesKey, m *manifest.Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}

	return t.store.Put(ctx, t.manifestKey(key), data)
}
