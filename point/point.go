// Package point defines the core data model shared by every tier of the
// engine: the immutable Point, the SeriesKey identifier, and the
// canonicalization/validation rules applied at ingest.
package point

import (
	"fmt"
	"strings"
)

// Point is an immutable (timestamp, value) pair. Timestamps are milliseconds
// since the Unix epoch and must be strictly positive; values may be any
// IEEE-754 double, including NaN and ±Inf.
type Point struct {
	Timestamp int64
	Value     float64
}

// SeriesKey identifies a time series. It is canonicalised by Canonicalize
// before use as a filesystem path segment or blob-store key component.
type SeriesKey string

// ErrEmptySeries is returned when a series key is empty after trimming.
var ErrEmptySeries = fmt.Errorf("series key must not be empty")

// ErrUnsafeSeries is returned when a series key contains characters that are
// unsafe to use as a path segment in the disk tier or a key component in the
// blob store (path separators, NUL bytes, or directory-traversal segments).
var ErrUnsafeSeries = fmt.Errorf("series key contains unsafe path characters")

// ErrNonPositiveTimestamp is returned when a point's timestamp is not
// strictly positive.
var ErrNonPositiveTimestamp = fmt.Errorf("timestamp must be strictly positive")

// Canonicalize trims surrounding whitespace and validates that key is usable
// as a path segment for both the local disk tier and any BlobStore
// implementation. It rejects empty keys and keys containing '/', '\\', NUL,
// or a bare ".." segment.
func Canonicalize(key string) (SeriesKey, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", ErrEmptySeries
	}

	if strings.ContainsAny(trimmed, "/\\\x00") {
		return "", ErrUnsafeSeries
	}

	if trimmed == "." || trimmed == ".." {
		return "", ErrUnsafeSeries
	}

	return SeriesKey(trimmed), nil
}

// ValidateTimestamp reports whether ts is a legal Point timestamp.
func ValidateTimestamp(ts int64) error {
	if ts <= 0 {
		return ErrNonPositiveTimestamp
	}

	return nil
}

// Less orders points by timestamp only, matching the engine's sort-by-
// timestamp-ascending contract; ties are broken by the caller (stable sort).
func Less(a, b Point) bool {
	return a.Timestamp < b.Timestamp
}
