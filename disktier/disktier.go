// Package disktier implements the local-filesystem storage tier: one
// directory per series holding compressed blocks plus a JSON manifest, with
// crash-safe writes and startup recovery.
package disktier

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/chronodb/chronodb/codec"
	"github.com/chronodb/chronodb/internal/blockcompress"
	"github.com/chronodb/chronodb/internal/manifest"
	"github.com/chronodb/chronodb/point"
)

const (
	manifestName     = "manifest"
	manifestTempName = "manifest.tmp"
	quarantineDir    = "quarantine"
)

// Tier is the disk-backed storage tier. Safe for concurrent use; writes to
// different series never contend, writes to the same series serialise
// against each other and against that series' archival deletions.
type Tier struct {
	fs   afero.Fs
	root string
	log  *zap.Logger

	mu          sync.Mutex
	seriesLocks map[point.SeriesKey]*sync.Mutex

	// quarantineOrphans controls recovery's handling of block files not
	// referenced by any manifest: move to quarantine/ when true, delete
	// outright when false.
	quarantineOrphans bool
}

// Option configures a Tier at Open time.
type Option func(*Tier)

// WithQuarantineOrphans moves orphaned block files discovered during
// recovery into a quarantine/ subdirectory instead of deleting them.
func WithQuarantineOrphans() Option {
	return func(t *Tier) { t.quarantineOrphans = true }
}

// Open opens (creating if necessary) the disk tier rooted at root on fs, and
// runs startup recovery: manifests with missing block files are trimmed,
// and block files not referenced by any manifest are quarantined or
// deleted.
func Open(fs afero.Fs, root string, log *zap.Logger, opts ...Option) (*Tier, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("disktier: create root %q: %w", root, err)
	}

	t := &Tier{
		fs:          fs,
		root:        root,
		log:         log.Named("disktier"),
		seriesLocks: make(map[point.SeriesKey]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(t)
	}

	if err := t.recover(); err != nil {
		return nil, fmt.Errorf("disktier: recovery: %w", err)
	}

	return t, nil
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

func (t *Tier) seriesDir(key point.SeriesKey) string {
	return path.Join(t.root, string(key))
}

func (t *Tier) manifestPath(key point.SeriesKey) string {
	return path.Join(t.seriesDir(key), manifestName)
}

// WriteBlock encodes points and durably commits them as a new block: the
// block file is written and fsynced first, then the manifest is rewritten
// to a temp file and renamed over the old one. The rename is the commit
// point; a crash before it leaves at most an orphan block file, which
// recovery cleans on next Open.
func (t *Tier) WriteBlock(_ context.Context, key point.SeriesKey, points []point.Point) error {
	if len(points) == 0 {
		return fmt.Errorf("disktier: cannot write an empty block for series %q", key)
	}

	data, err := codec.Encode(points)
	if err != nil {
		return fmt.Errorf("disktier: encode series %q: %w", key, err)
	}

	data, err = blockcompress.Compress(blockcompress.LZ4, data)
	if err != nil {
		return fmt.Errorf("disktier: compress series %q: %w", key, err)
	}

	lock := t.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	dir := t.seriesDir(key)
	if err := t.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("disktier: create series dir %q: %w", key, err)
	}

	start, end := points[0].Timestamp, points[len(points)-1].Timestamp
	blockName := fmt.Sprintf("block_%d_%d", start, end)
	blockPath := path.Join(dir, blockName)

	if exists, _ := afero.Exists(t.fs, blockPath); exists {
		blockName = fmt.Sprintf("block_%d_%d_%s", start, end, uuid.NewString())
		blockPath = path.Join(dir, blockName)
	}

	if err := afero.WriteFile(t.fs, blockPath, data, 0o644); err != nil {
		return fmt.Errorf("disktier: write block %q: %w", blockPath, err)
	}
	if err := syncFile(t.fs, blockPath); err != nil {
		return fmt.Errorf("disktier: fsync block %q: %w", blockPath, err)
	}

	m, err := t.loadManifestLocked(key)
	if err != nil {
		return fmt.Errorf("disktier: load manifest %q: %w", key, err)
	}

	m.Add(manifest.Entry{
		Path:       blockName,
		StartTS:    start,
		EndTS:      end,
		PointCount: uint64(len(points)),
	})

	return t.commitManifestLocked(key, m)
}

// ReadRange decodes and returns every point in [lo, hi] for a series,
// pruning blocks that don't intersect the window before decoding them. A
// block that fails to read, decompress, or decode is skipped rather than
// aborting the call: the returned error aggregates every skipped block (via
// multierr) while out still carries every point successfully decoded from
// the rest, matching archivetier's best-effort-partial read semantics.
func (t *Tier) ReadRange(_ context.Context, key point.SeriesKey, lo, hi int64) ([]point.Point, error) {
	lock := t.lockFor(key)
	lock.Lock()
	m, err := t.loadManifestLocked(key)
	lock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("disktier: load manifest %q: %w", key, err)
	}

	var (
		out  []point.Point
		errs error
	)

	for _, e := range m.Intersecting(lo, hi) {
		blockPath := path.Join(t.seriesDir(key), e.Path)

		data, err := afero.ReadFile(t.fs, blockPath)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("disktier: read block %q: %w", blockPath, err))
			continue
		}

		data, err = blockcompress.Decompress(data)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: decompress block %q: %v", codec.ErrCorruptBlock, blockPath, err))
			continue
		}

		points, _, err := codec.Decode(data)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("disktier: decode block %q: %w", blockPath, err))
			continue
		}

		for _, p := range points {
			if p.Timestamp >= lo && p.Timestamp <= hi {
				out = append(out, p)
			}
		}
	}

	return out, errs
}

// ReadBlock decodes a single block identified by a manifest entry,
// bypassing the per-range merge in ReadRange. Used by the scheduler's
// archive task, which moves whole blocks rather than arbitrary ranges.
func (t *Tier) ReadBlock(key point.SeriesKey, e manifest.Entry) ([]point.Point, error) {
	blockPath := path.Join(t.seriesDir(key), e.Path)

	data, err := afero.ReadFile(t.fs, blockPath)
	if err != nil {
		return nil, fmt.Errorf("disktier: read block %q: %w", blockPath, err)
	}

	data, err = blockcompress.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress block %q: %v", codec.ErrCorruptBlock, blockPath, err)
	}

	points, _, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("disktier: decode block %q: %w", blockPath, err)
	}

	return points, nil
}

// OlderThan returns the manifest entries for key whose EndTS < cutoff,
// without removing them; the caller removes them via DeleteBlocks once the
// archive copy is durably acknowledged.
func (t *Tier) OlderThan(key point.SeriesKey, cutoff int64) ([]manifest.Entry, error) {
	lock := t.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	m, err := t.loadManifestLocked(key)
	if err != nil {
		return nil, fmt.Errorf("disktier: load manifest %q: %w", key, err)
	}

	return m.OlderThan(cutoff), nil
}

// DeleteBlocks removes the given block paths from key's manifest and
// deletes the underlying files. Called only after the archive tier has
// durably committed the same blocks.
func (t *Tier) DeleteBlocks(key point.SeriesKey, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	lock := t.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	m, err := t.loadManifestLocked(key)
	if err != nil {
		return fmt.Errorf("disktier: load manifest %q: %w", key, err)
	}

	toRemove := make(map[string]bool, len(paths))
	for _, p := range paths {
		toRemove[p] = true
	}

	m.Remove(toRemove)

	if err := t.commitManifestLocked(key, m); err != nil {
		return err
	}

	dir := t.seriesDir(key)
	for _, p := range paths {
		if err := t.fs.Remove(path.Join(dir, p)); err != nil && !afero.IsNotExist(err) {
			t.log.Warn("failed to remove archived block", zap.String("series", string(key)), zap.String("block", p), zap.Error(err))
		}
	}

	return nil
}

// ListSeries enumerates every series directory under the tier's root.
func (t *Tier) ListSeries() ([]point.SeriesKey, error) {
	entries, err := afero.ReadDir(t.fs, t.root)
	if err != nil {
		return nil, fmt.Errorf("disktier: list series: %w", err)
	}

	var out []point.SeriesKey
	for _, e := range entries {
		if e.IsDir() && e.Name() != quarantineDir {
			out = append(out, point.SeriesKey(e.Name()))
		}
	}

	return out, nil
}

// PointCount returns the total number of points recorded across every
// series' manifest, backing Engine.Stats()'s disk-tier count.
func (t *Tier) PointCount() (int64, error) {
	series, err := t.ListSeries()
	if err != nil {
		return 0, fmt.Errorf("disktier: point count: %w", err)
	}

	var total int64

	for _, key := range series {
		lock := t.lockFor(key)
		lock.Lock()
		m, err := t.loadManifestLocked(key)
		lock.Unlock()
		if err != nil {
			return 0, fmt.Errorf("disktier: point count %q: %w", key, err)
		}

		for _, e := range m.Blocks {
			total += int64(e.PointCount)
		}
	}

	return total, nil
}

func (t *Tier) loadManifestLocked(key point.SeriesKey) (*manifest.Manifest, error) {
	data, err := afero.ReadFile(t.fs, t.manifestPath(key))
	if err != nil {
		if afero.IsNotExist(err) {
			return manifest.New(string(key)), nil
		}

		return nil, err
	}

	m, err := manifest.Unmarshal(data)
	if err != nil {
		t.log.Warn("manifest corrupt, rebuilding from directory scan", zap.String("series", string(key)), zap.Error(err))
		return t.rebuildManifestLocked(key)
	}

	return m, nil
}

func (t *Tier) commitManifestLocked(key point.SeriesKey, m *manifest.Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}

	tmpPath := path.Join(t.seriesDir(key), manifestTempName)
	if err := afero.WriteFile(t.fs, tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("disktier: write temp manifest: %w", err)
	}
	if err := syncFile(t.fs, tmpPath); err != nil {
		return fmt.Errorf("disktier: fsync temp manifest: %w", err)
	}

	if err := t.fs.Rename(tmpPath, t.manifestPath(key)); err != nil {
		return fmt.Errorf("disktier: commit manifest: %w", err)
	}

	return nil
}

func (t *Tier) rebuildManifestLocked(key point.SeriesKey) (*manifest.Manifest, error) {
	dir := t.seriesDir(key)
	entries, err := afero.ReadDir(t.fs, dir)
	if err != nil {
		return manifest.New(string(key)), nil
	}

	m := manifest.New(string(key))
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "block_") {
			continue
		}

		data, err := afero.ReadFile(t.fs, path.Join(dir, e.Name()))
		if err != nil {
			continue
		}

		data, err = blockcompress.Decompress(data)
		if err != nil {
			continue
		}

		h, err := codec.DecodeHeader(data)
		if err != nil {
			continue
		}

		m.Add(manifest.Entry{Path: e.Name(), StartTS: h.StartTS, EndTS: h.EndTS, PointCount: h.PointCount})
	}

	return m, nil
}

// recover walks the data directory, dropping manifest entries whose block
// file is missing and quarantining (or deleting) block files no manifest
// references.
func (t *Tier) recover() error {
	entries, err := afero.ReadDir(t.fs, t.root)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if !e.IsDir() || e.Name() == quarantineDir {
			continue
		}

		key := point.SeriesKey(e.Name())
		if err := t.recoverSeries(key); err != nil {
			t.log.Warn("series recovery failed", zap.String("series", e.Name()), zap.Error(err))
		}
	}

	return nil
}

func (t *Tier) recoverSeries(key point.SeriesKey) error {
	lock := t.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	dir := t.seriesDir(key)

	m, err := t.loadManifestLocked(key)
	if err != nil {
		m, err = t.rebuildManifestLocked(key)
		if err != nil {
			return err
		}
	}

	referenced := make(map[string]bool, len(m.Blocks))
	missing := make(map[string]bool)
	for _, e := range m.Blocks {
		referenced[e.Path] = true
		if exists, _ := afero.Exists(t.fs, path.Join(dir, e.Path)); !exists {
			missing[e.Path] = true
		}
	}
	if len(missing) > 0 {
		m.Remove(missing)
	}

	m.MergeOverlaps()

	if err := t.commitManifestLocked(key, m); err != nil {
		return err
	}

	files, err := afero.ReadDir(t.fs, dir)
	if err != nil {
		return err
	}

	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, "block_") || referenced[name] {
			continue
		}

		if t.quarantineOrphans {
			qDir := path.Join(t.root, quarantineDir, string(key))
			if err := t.fs.MkdirAll(qDir, 0o755); err != nil {
				t.log.Warn("failed to create quarantine dir", zap.Error(err))
				continue
			}
			if err := t.fs.Rename(path.Join(dir, name), path.Join(qDir, name)); err != nil {
				t.log.Warn("failed to quarantine orphan block", zap.String("block", name), zap.Error(err))
			}
			continue
		}

		if err := t.fs.Remove(path.Join(dir, name)); err != nil {
			t.log.Warn("failed to delete orphan block", zap.String("block", name), zap.Error(err))
		}
	}

	return nil
}

func syncFile(fs afero.Fs, path string) error {
	type syncer interface{ Sync() error }

	f, err := fs.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if s, ok := f.(syncer); ok {
		return s.Sync()
	}

	return nil
}
