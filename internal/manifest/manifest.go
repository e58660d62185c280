// Package manifest implements the per-series block index shared by the disk
// and archive tiers: a JSON document enumerating the blocks a tier currently
// owns for one series.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Entry describes one block owned by a tier.
type Entry struct {
	Path       string `json:"path"`
	StartTS    int64  `json:"start_ts"`
	EndTS      int64  `json:"end_ts"`
	PointCount uint64 `json:"point_count"`
}

// Intersects reports whether the entry's range overlaps [lo, hi].
func (e Entry) Intersects(lo, hi int64) bool {
	return e.StartTS <= hi && e.EndTS >= lo
}

// Manifest is the per-series block index. The zero value is an empty
// manifest for an unspecified series.
type Manifest struct {
	Series string  `json:"series"`
	Blocks []Entry `json:"blocks"`
}

// New creates an empty manifest for series.
func New(series string) *Manifest {
	return &Manifest{Series: series}
}

// Marshal serializes the manifest to indented JSON.
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal %q: %w", m.Series, err)
	}

	return data, nil
}

// Unmarshal parses a manifest from JSON produced by Marshal. A malformed
// document is reported to the caller so it can fall back to a directory
// scan rather than silently losing data.
func Unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: unmarshal: %w", err)
	}

	return &m, nil
}

// Add inserts e in start-timestamp order, keeping the manifest's blocks
// sorted as required by the tier-level non-overlap invariant.
func (m *Manifest) Add(e Entry) {
	idx := sort.Search(len(m.Blocks), func(i int) bool { return m.Blocks[i].StartTS > e.StartTS })
	m.Blocks = append(m.Blocks, Entry{})
	copy(m.Blocks[idx+1:], m.Blocks[idx:])
	m.Blocks[idx] = e
}

// Remove deletes every entry whose Path is in paths, returning the updated
// count removed.
func (m *Manifest) Remove(paths map[string]bool) int {
	kept := m.Blocks[:0]
	removed := 0

	for _, e := range m.Blocks {
		if paths[e.Path] {
			removed++
			continue
		}

		kept = append(kept, e)
	}

	m.Blocks = kept

	return removed
}

// Intersecting returns every entry whose range overlaps [lo, hi], in
// start-timestamp order.
func (m *Manifest) Intersecting(lo, hi int64) []Entry {
	var out []Entry
	for _, e := range m.Blocks {
		if e.Intersects(lo, hi) {
			out = append(out, e)
		}
	}

	return out
}

// OlderThan returns every entry with EndTS < cutoff.
func (m *Manifest) OlderThan(cutoff int64) []Entry {
	var out []Entry
	for _, e := range m.Blocks {
		if e.EndTS < cutoff {
			out = append(out, e)
		}
	}

	return out
}

// MergeOverlaps collapses entries whose ranges overlap one another into a
// single entry spanning their union, keeping the path and point count of
// whichever overlapping entry holds the most points (point counts are not
// summed). This heals manifests that recovery finds in a
// state the tier-level invariant forbids (entries should be disjoint-or-
// equal within one tier), which a crash mid-commit can produce.
func (m *Manifest) MergeOverlaps() {
	if len(m.Blocks) < 2 {
		return
	}

	sort.Slice(m.Blocks, func(i, j int) bool { return m.Blocks[i].StartTS < m.Blocks[j].StartTS })

	merged := m.Blocks[:1]
	for _, e := range m.Blocks[1:] {
		last := &merged[len(merged)-1]
		if e.StartTS <= last.EndTS {
			if e.EndTS > last.EndTS {
				last.EndTS = e.EndTS
			}
			if e.PointCount > last.PointCount {
				last.Path = e.Path
				last.PointCount = e.PointCount
			}
			continue
		}

		merged = append(merged, e)
	}

	m.Blocks = merged
}
