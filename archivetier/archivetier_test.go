package archivetier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chronodb/chronodb/blobstore"
	"github.com/chronodb/chronodb/point"
)

func TestTier_PutBlockAndReadRange(t *testing.T) {
	store := blobstore.NewMemory()
	tier := New(store, "archive", zap.NewNop())
	ctx := context.Background()

	pts := []point.Point{
		{Timestamp: 100, Value: 1},
		{Timestamp: 200, Value: 2},
	}
	require.NoError(t, tier.PutBlock(ctx, "cpu", pts))

	res := tier.ReadRange(ctx, "cpu", 0, 1000)
	require.NoError(t, res.Err)
	require.Equal(t, pts, res.Points)
}

func TestTier_ReadRangeToleratesMissingBlock(t *testing.T) {
	store := blobstore.NewMemory()
	tier := New(store, "archive", zap.NewNop())
	ctx := context.Background()

	require.NoError(t, tier.PutBlock(ctx, "cpu", []point.Point{{Timestamp: 100, Value: 1}}))

	keys, err := store.List(ctx, "archive/cpu/")
	require.NoError(t, err)

	for _, k := range keys {
		if k != "archive/cpu/manifest.json" {
			require.NoError(t, store.Delete(ctx, k))
		}
	}

	res := tier.ReadRange(ctx, "cpu", 0, 1000)
	require.Error(t, res.Err)
	require.Empty(t, res.Points)
}

func TestTier_ListSeries(t *testing.T) {
	store := blobstore.NewMemory()
	tier := New(store, "archive", zap.NewNop())
	ctx := context.Background()

	require.NoError(t, tier.PutBlock(ctx, "cpu", []point.Point{{Timestamp: 1, Value: 1}}))
	require.NoError(t, tier.PutBlock(ctx, "mem", []point.Point{{Timestamp: 1, Value: 1}}))

	keys, err := tier.ListSeries(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []point.SeriesKey{"cpu", "mem"}, keys)
}

func TestTier_PointCount(t *testing.T) {
	store := blobstore.NewMemory()
	tier := New(store, "archive", zap.NewNop())
	ctx := context.Background()

	require.NoError(t, tier.PutBlock(ctx, "cpu", []point.Point{{Timestamp: 1, Value: 1}, {Timestamp: 2, Value: 2}}))
	require.NoError(t, tier.PutBlock(ctx, "mem", []point.Point{{Timestamp: 1, Value: 1}}))

	total, err := tier.PointCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
}

func TestTier_PutBlockRejectsEmpty(t *testing.T) {
	tier := New(blobstore.NewMemory(), "archive", zap.NewNop())
	require.Error(t, tier.PutBlock(context.Background(), "cpu", nil))
}
