package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chronodb/chronodb/archivetier"
	"github.com/chronodb/chronodb/blobstore"
	"github.com/chronodb/chronodb/disktier"
	"github.com/chronodb/chronodb/memtable"
	"github.com/chronodb/chronodb/point"
)

func fixedClock(t time.Time) Clock { return func() time.Time { return t } }

func TestForceFlush_MovesPointsToDisk(t *testing.T) {
	mem := memtable.New()
	disk, err := disktier.Open(afero.NewMemMapFs(), "/data", zap.NewNop())
	require.NoError(t, err)

	now := time.UnixMilli(10_000)
	mem.Insert("m", []point.Point{
		{Timestamp: 100, Value: 1},
		{Timestamp: 200, Value: 2},
		{Timestamp: 300, Value: 3},
		{Timestamp: 400, Value: 4},
		{Timestamp: 500, Value: 5},
	})

	s := New(Config{FlushAge: 0, Now: fixedClock(now)}, mem, disk, nil, zap.NewNop(), Hooks{})

	require.NoError(t, s.ForceFlush(context.Background()))
	require.EqualValues(t, 0, mem.PointCount())

	got, err := disk.ReadRange(context.Background(), "m", 0, 1000)
	require.NoError(t, err)
	require.Len(t, got, 5)
}

func TestForceFlush_MemoryBufferSizeFlushesEarlyRegardlessOfAge(t *testing.T) {
	mem := memtable.New()
	disk, err := disktier.Open(afero.NewMemMapFs(), "/data", zap.NewNop())
	require.NoError(t, err)

	now := time.UnixMilli(10_000)
	mem.Insert("m", []point.Point{
		{Timestamp: 9_999, Value: 1},
		{Timestamp: 9_999, Value: 2},
		{Timestamp: 9_999, Value: 3},
	})

	// FlushAge is huge, so nothing would be drained by age; MemoryBufferSize
	// still forces the oldest excess point out to disk.
	s := New(Config{FlushAge: time.Hour, MemoryBufferSize: 2, Now: fixedClock(now)}, mem, disk, nil, zap.NewNop(), Hooks{})

	require.NoError(t, s.ForceFlush(context.Background()))
	require.EqualValues(t, 2, mem.PointCount())

	got, err := disk.ReadRange(context.Background(), "m", 0, 100_000)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestForceFlush_SplitsOversizedBatches(t *testing.T) {
	mem := memtable.New()
	disk, err := disktier.Open(afero.NewMemMapFs(), "/data", zap.NewNop())
	require.NoError(t, err)

	now := time.UnixMilli(10_000)
	pts := make([]point.Point, 10)
	for i := range pts {
		pts[i] = point.Point{Timestamp: int64(i + 1), Value: float64(i)}
	}
	mem.Insert("m", pts)

	s := New(Config{FlushAge: 0, MaxBlockPoints: 4, Now: fixedClock(now)}, mem, disk, nil, zap.NewNop(), Hooks{})
	require.NoError(t, s.ForceFlush(context.Background()))

	keys, err := disk.ListSeries()
	require.NoError(t, err)
	require.Contains(t, keys, point.SeriesKey("m"))

	got, err := disk.ReadRange(context.Background(), "m", 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 10)
}

func TestForceArchive_MovesBlocksAndDeletesFromDisk(t *testing.T) {
	ctx := context.Background()
	disk, err := disktier.Open(afero.NewMemMapFs(), "/data", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, disk.WriteBlock(ctx, "m", []point.Point{{Timestamp: 100, Value: 1}}))

	archive := archivetier.New(blobstore.NewMemory(), "archive", zap.NewNop())

	now := time.UnixMilli(10_000)
	s := New(Config{ArchiveEnabled: true, ArchivalAge: 0, Now: fixedClock(now)}, memtable.New(), disk, archive, zap.NewNop(), Hooks{})

	require.NoError(t, s.ForceArchive(ctx))

	diskPoints, err := disk.ReadRange(ctx, "m", 0, 1000)
	require.NoError(t, err)
	require.Empty(t, diskPoints)

	res := archive.ReadRange(ctx, "m", 0, 1000)
	require.NoError(t, res.Err)
	require.Equal(t, []point.Point{{Timestamp: 100, Value: 1}}, res.Points)
}

func TestForceArchive_NoOpWhenDisabled(t *testing.T) {
	disk, err := disktier.Open(afero.NewMemMapFs(), "/data", zap.NewNop())
	require.NoError(t, err)

	s := New(Config{ArchiveEnabled: false}, memtable.New(), disk, nil, zap.NewNop(), Hooks{})
	require.NoError(t, s.ForceArchive(context.Background()))
}

func TestScheduler_StartStopCooperativeCancellation(t *testing.T) {
	disk, err := disktier.Open(afero.NewMemMapFs(), "/data", zap.NewNop())
	require.NoError(t, err)

	s := New(Config{FlushInterval: 10 * time.Millisecond, ArchiveInterval: 10 * time.Millisecond}, memtable.New(), disk, nil, zap.NewNop(), Hooks{})
	s.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	s.Stop()
}
