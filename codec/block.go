// Package codec implements the Gorilla-style compression block: delta-of-
// delta timestamp encoding, XOR value encoding, and the fixed-size block
// header both DiskTier and ArchiveTier read and write.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chronodb/chronodb/internal/pool"
	"github.com/chronodb/chronodb/point"
)

// Magic is the 4-byte block file magic, "TSB\0".
var Magic = [4]byte{0x54, 0x53, 0x42, 0x00}

// Version is the current codec version written into new blocks.
const Version uint16 = 1

// HeaderSize is the fixed size of a block header in bytes.
const HeaderSize = 36

// ErrCorruptBlock is returned when a block fails its magic/version/length
// checks during decode. Callers map this to the engine's CorruptBlock kind.
var ErrCorruptBlock = errors.New("corrupt block")

// Header is the fixed-size, self-describing prefix of every block.
type Header struct {
	CodecVersion uint16
	PointCount   uint64
	StartTS      int64
	EndTS        int64
	TSStreamLen  uint32
}

// Encode compresses points into a self-describing byte block. points must be
// non-empty and sorted non-decreasing by timestamp; the caller (memtable
// drain or disktier write) is responsible for sorting.
//
// Complexity: O(N) time, O(1) auxiliary memory beyond the output buffer.
func Encode(points []point.Point) ([]byte, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("codec: cannot encode empty point slice")
	}

	tsEnc := NewTimestampEncoder()
	valEnc := NewValueEncoder()
	defer tsEnc.Finish()
	defer valEnc.Finish()

	for _, p := range points {
		tsEnc.Write(p.Timestamp)
		valEnc.Write(p.Value)
	}

	tsBytes := tsEnc.Bytes()
	valBytes := valEnc.Bytes()

	out := make([]byte, HeaderSize+len(tsBytes)+len(valBytes))
	copy(out[0:4], Magic[:])
	binary.LittleEndian.PutUint16(out[4:6], Version)
	binary.LittleEndian.PutUint16(out[6:8], 0) // flags, reserved
	binary.LittleEndian.PutUint64(out[8:16], uint64(len(points)))
	binary.LittleEndian.PutUint64(out[16:24], uint64(points[0].Timestamp))
	binary.LittleEndian.PutUint64(out[24:32], uint64(points[len(points)-1].Timestamp))
	binary.LittleEndian.PutUint32(out[32:36], uint32(len(tsBytes)))
	copy(out[HeaderSize:], tsBytes)
	copy(out[HeaderSize+len(tsBytes):], valBytes)

	return out, nil
}

// DecodeHeader parses and validates only the fixed-size header, used by
// manifest-less consumers (e.g. quarantine scans) that need the time range
// without paying for a full decode.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: truncated header (%d bytes)", ErrCorruptBlock, len(data))
	}

	if data[0] != Magic[0] || data[1] != Magic[1] || data[2] != Magic[2] || data[3] != Magic[3] {
		return Header{}, fmt.Errorf("%w: bad magic", ErrCorruptBlock)
	}

	version := binary.LittleEndian.Uint16(data[4:6])
	if version != Version {
		return Header{}, fmt.Errorf("%w: unsupported codec version %d", ErrCorruptBlock, version)
	}

	h := Header{
		CodecVersion: version,
		PointCount:   binary.LittleEndian.Uint64(data[8:16]),
		StartTS:      int64(binary.LittleEndian.Uint64(data[16:24])),
		EndTS:        int64(binary.LittleEndian.Uint64(data[24:32])),
		TSStreamLen:  binary.LittleEndian.Uint32(data[32:36]),
	}

	if h.PointCount == 0 {
		return Header{}, fmt.Errorf("%w: zero point_count", ErrCorruptBlock)
	}

	if h.StartTS > h.EndTS {
		return Header{}, fmt.Errorf("%w: start_ts > end_ts", ErrCorruptBlock)
	}

	if HeaderSize+int(h.TSStreamLen) > len(data) {
		return Header{}, fmt.Errorf("%w: timestamp stream length exceeds block size", ErrCorruptBlock)
	}

	return h, nil
}

// Decode validates the header and fully decompresses data back into points,
// losslessly for both timestamps and IEEE-754 value bit patterns (including
// NaN and ±Inf).
func Decode(data []byte) ([]point.Point, Header, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, Header{}, err
	}

	tsStream := data[HeaderSize : HeaderSize+int(h.TSStreamLen)]
	valStream := data[HeaderSize+int(h.TSStreamLen):]

	count := int(h.PointCount)

	timestamps, putTimestamps := pool.GetInt64Slice(count)
	defer putTimestamps()
	values, putValues := pool.GetFloat64Slice(count)
	defer putValues()

	i := 0
	for ts := range NewTimestampDecoder().All(tsStream, count) {
		if i >= count {
			break
		}
		timestamps[i] = ts
		i++
	}
	tsGot := i

	i = 0
	for v := range NewValueDecoder().All(valStream, count) {
		if i >= count {
			break
		}
		values[i] = v
		i++
	}
	valGot := i

	if tsGot != count || valGot != count {
		return nil, Header{}, fmt.Errorf("%w: stream yielded %d/%d timestamps, %d/%d values",
			ErrCorruptBlock, tsGot, count, valGot, count)
	}

	points := make([]point.Point, count)
	for i := range points {
		points[i] = point.Point{Timestamp: timestamps[i], Value: values[i]}
	}

	if points[0].Timestamp != h.StartTS || points[count-1].Timestamp != h.EndTS {
		return nil, Header{}, fmt.Errorf("%w: decoded range does not match header", ErrCorruptBlock)
	}

	return points, h, nil
}

// Intersects reports whether a block's [start, end] timestamp range overlaps
// [lo, hi], used by every tier to prune blocks before decoding.
func (h Header) Intersects(lo, hi int64) bool {
	return h.StartTS <= hi && h.EndTS >= lo
}
