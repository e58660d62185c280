// Package query implements the tiered query planner: it fans a single
// range or aggregate request out across the memory, disk, and archive
// tiers, merges and deduplicates the results, and reports which tiers (if
// any) could not be reached.
package query

import (
	"context"
	"errors"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/chronodb/chronodb/archivetier"
	"github.com/chronodb/chronodb/disktier"
	"github.com/chronodb/chronodb/memtable"
	"github.com/chronodb/chronodb/point"
)

// ErrInvertedRange is returned when t_lo > t_hi.
var ErrInvertedRange = errors.New("query: t_lo must be <= t_hi")

// Op identifies an aggregation fold.
type Op string

const (
	OpSum   Op = "sum"
	OpMean  Op = "mean"
	OpMin   Op = "min"
	OpMax   Op = "max"
	OpCount Op = "count"
)

// Result is the outcome of Range: the merged, deduplicated points in
// ascending timestamp order, plus a note of which tiers (if any) could not
// be reached.
type Result struct {
	Points       []point.Point
	Partial      bool
	SkippedTiers []string
}

// Planner answers range and aggregate queries by merging across all three
// tiers. Archive may be nil when the engine runs with archiving disabled.
type Planner struct {
	memory  *memtable.Buffer
	disk    *disktier.Tier
	archive *archivetier.Tier
	log     *zap.Logger
}

// New creates a Planner over the given tiers.
func New(memory *memtable.Buffer, disk *disktier.Tier, archive *archivetier.Tier, log *zap.Logger) *Planner {
	return &Planner{memory: memory, disk: disk, archive: archive, log: log.Named("query")}
}

// Range unions points from every tier for [lo, hi], sorts them ascending by
// timestamp, and collapses adjacent points sharing both timestamp and
// value. A failed tier does not abort the query: whatever that tier could
// not read is missing from the result (points it did read are still
// merged), and Partial is set along with the tier's name.
func (p *Planner) Range(ctx context.Context, series point.SeriesKey, lo, hi int64) (Result, error) {
	if lo > hi {
		return Result{}, ErrInvertedRange
	}

	var (
		merged  []point.Point
		skipped []string
	)

	merged = append(merged, p.memory.Range(series, lo, hi)...)

	diskPoints, err := p.disk.ReadRange(ctx, series, lo, hi)
	merged = append(merged, diskPoints...)
	if err != nil {
		p.log.Warn("disk tier read degraded, returning partial result", zap.String("series", string(series)), zap.Error(err))
		skipped = append(skipped, "disk")
	}

	if p.archive != nil {
		res := p.archive.ReadRange(ctx, series, lo, hi)
		merged = append(merged, res.Points...)
		if res.Err != nil {
			p.log.Warn("archive tier read degraded, returning partial result", zap.String("series", string(series)), zap.Error(res.Err))
			skipped = append(skipped, "archive")
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return point.Less(merged[i], merged[j]) })
	deduped := dedupe(merged)

	return Result{Points: deduped, Partial: len(skipped) > 0, SkippedTiers: skipped}, nil
}

// dedupe collapses adjacent points sharing both timestamp and value.
// merged is assumed sorted by timestamp; points with the same timestamp
// but different values are both kept, order among them arbitrary but
// stable.
func dedupe(merged []point.Point) []point.Point {
	if len(merged) == 0 {
		return nil
	}

	out := merged[:1]
	for _, p := range merged[1:] {
		last := out[len(out)-1]
		if p.Timestamp == last.Timestamp && sameValue(p.Value, last.Value) {
			continue
		}

		out = append(out, p)
	}

	return out
}

func sameValue(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}

	return a == b
}

// AggResult is the outcome of Aggregate.
type AggResult struct {
	Value        float64
	Partial      bool
	SkippedTiers []string
}

// Aggregate performs Range then folds the resulting points according to op.
func (p *Planner) Aggregate(ctx context.Context, series point.SeriesKey, lo, hi int64, op Op) (AggResult, error) {
	r, err := p.Range(ctx, series, lo, hi)
	if err != nil {
		return AggResult{}, err
	}

	return AggResult{Value: fold(r.Points, op), Partial: r.Partial, SkippedTiers: r.SkippedTiers}, nil
}

func fold(points []point.Point, op Op) float64 {
	switch op {
	case OpSum:
		var sum float64
		for _, p := range points {
			sum += p.Value
		}

		return sum

	case OpMean:
		if len(points) == 0 {
			return math.NaN()
		}

		var sum float64
		for _, p := range points {
			sum += p.Value
		}

		return sum / float64(len(points))

	case OpMin:
		result := math.NaN()
		seen := false
		for _, p := range points {
			if math.IsNaN(p.Value) {
				continue
			}
			if !seen || p.Value < result {
				result = p.Value
				seen = true
			}
		}

		return result

	case OpMax:
		result := math.NaN()
		seen := false
		for _, p := range points {
			if math.IsNaN(p.Value) {
				continue
			}
			if !seen || p.Value > result {
				result = p.Value
				seen = true
			}
		}

		return result

	case OpCount:
		return float64(len(points))

	default:
		return math.NaN()
	}
}
