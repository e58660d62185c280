package memtable

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronodb/chronodb/point"
)

func TestBuffer_InsertAndRange(t *testing.T) {
	b := New()
	key := point.SeriesKey("cpu.load")

	b.Insert(key, []point.Point{
		{Timestamp: 300, Value: 3},
		{Timestamp: 100, Value: 1},
		{Timestamp: 200, Value: 2},
	})

	got := b.Range(key, 100, 300)
	require.Equal(t, []point.Point{
		{Timestamp: 100, Value: 1},
		{Timestamp: 200, Value: 2},
		{Timestamp: 300, Value: 3},
	}, got)
}

func TestBuffer_RangeFiltersBounds(t *testing.T) {
	b := New()
	key := point.SeriesKey("cpu.load")

	b.Insert(key, []point.Point{
		{Timestamp: 100, Value: 1},
		{Timestamp: 200, Value: 2},
		{Timestamp: 300, Value: 3},
	})

	got := b.Range(key, 150, 250)
	require.Equal(t, []point.Point{{Timestamp: 200, Value: 2}}, got)
}

func TestBuffer_RangeUnknownSeries(t *testing.T) {
	b := New()
	require.Nil(t, b.Range(point.SeriesKey("missing"), 0, 100))
}

func TestBuffer_DrainOlderThan(t *testing.T) {
	b := New()
	key := point.SeriesKey("mem.used")

	b.Insert(key, []point.Point{
		{Timestamp: 100, Value: 1},
		{Timestamp: 200, Value: 2},
		{Timestamp: 300, Value: 3},
	})

	drained := b.DrainOlderThan(200)
	require.Equal(t, []point.Point{
		{Timestamp: 100, Value: 1},
		{Timestamp: 200, Value: 2},
	}, drained[key])

	require.Equal(t, []point.Point{{Timestamp: 300, Value: 3}}, b.Range(key, 0, 1000))
	require.EqualValues(t, 1, b.PointCount())
}

func TestBuffer_DrainOlderThanRemovesEmptySeries(t *testing.T) {
	b := New()
	key := point.SeriesKey("disk.free")

	b.Insert(key, []point.Point{{Timestamp: 100, Value: 1}})
	drained := b.DrainOlderThan(500)
	require.Len(t, drained[key], 1)
	require.Empty(t, b.SeriesKeys())
}

func TestBuffer_SeriesKeys(t *testing.T) {
	b := New()
	b.Insert(point.SeriesKey("a"), []point.Point{{Timestamp: 1, Value: 1}})
	b.Insert(point.SeriesKey("b"), []point.Point{{Timestamp: 1, Value: 1}})

	keys := b.SeriesKeys()
	require.ElementsMatch(t, []point.SeriesKey{"a", "b"}, keys)
}

func TestBuffer_PointCount(t *testing.T) {
	b := New()
	b.Insert(point.SeriesKey("a"), []point.Point{{Timestamp: 1, Value: 1}, {Timestamp: 2, Value: 2}})
	require.EqualValues(t, 2, b.PointCount())
}

func TestBuffer_DrainExcessKeepsNewestUpToLimit(t *testing.T) {
	b := New()
	key := point.SeriesKey("cpu")

	b.Insert(key, []point.Point{
		{Timestamp: 100, Value: 1},
		{Timestamp: 200, Value: 2},
		{Timestamp: 300, Value: 3},
		{Timestamp: 400, Value: 4},
	})

	excess := b.DrainExcess(2)
	require.Equal(t, []point.Point{{Timestamp: 100, Value: 1}, {Timestamp: 200, Value: 2}}, excess[key])

	remaining := b.Range(key, 0, 1000)
	require.Equal(t, []point.Point{{Timestamp: 300, Value: 3}, {Timestamp: 400, Value: 4}}, remaining)
}

func TestBuffer_DrainExcessNoOpUnderLimit(t *testing.T) {
	b := New()
	key := point.SeriesKey("cpu")
	b.Insert(key, []point.Point{{Timestamp: 100, Value: 1}})

	excess := b.DrainExcess(10)
	require.Empty(t, excess)
	require.Len(t, b.Range(key, 0, 1000), 1)
}

func TestBuffer_DrainExcessDisabledWhenLimitNonPositive(t *testing.T) {
	b := New()
	key := point.SeriesKey("cpu")
	b.Insert(key, []point.Point{{Timestamp: 100, Value: 1}})

	require.Nil(t, b.DrainExcess(0))
	require.Len(t, b.Range(key, 0, 1000), 1)
}

func TestBuffer_ConcurrentInsertDifferentSeries(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := point.SeriesKey(string(rune('a' + i%26)))
			b.Insert(key, []point.Point{{Timestamp: int64(i + 1), Value: float64(i)}})
		}(i)
	}

	wg.Wait()
	require.EqualValues(t, 50, b.PointCount())
}
