package codec

import (
	"encoding/binary"
	"iter"

	"github.com/chronodb/chronodb/internal/pool"
)

// TimestampEncoder implements delta-of-delta timestamp compression: the
// first timestamp is a full 64-bit value, the second is a zigzag-varint
// delta, and every later timestamp is a delta-of-delta packed with a
// prefix-coded tiered bit scheme (see writeDod) rather than a byte-aligned
// varint, so that small, steady-interval deltas cost as little as one bit.
type TimestampEncoder struct {
	prevTS    int64
	prevDelta int64
	temp      [binary.MaxVarintLen64]byte
	buf       *pool.ByteBuffer
	count     int

	bitBuf   uint64
	bitCount int
}

// NewTimestampEncoder creates an encoder ready to accept timestamps.
func NewTimestampEncoder() *TimestampEncoder {
	return &TimestampEncoder{buf: pool.GetBlobBuffer()}
}

// Write encodes a single timestamp.
func (e *TimestampEncoder) Write(ts int64) {
	e.count++
	e.buf.Grow(10)

	if e.count == 1 {
		binary.BigEndian.PutUint64(e.temp[:8], uint64(ts))
		e.buf.MustWrite(e.temp[:8])
		e.prevTS = ts

		return
	}

	delta := ts - e.prevTS

	if e.count == 2 {
		zigzag := uint64((delta << 1) ^ (delta >> 63))
		n := binary.PutUvarint(e.temp[:], zigzag)
		e.buf.MustWrite(e.temp[:n])
	} else {
		e.writeDod(delta - e.prevDelta)
	}

	e.prevDelta = delta
	e.prevTS = ts
}

// writeDod packs a delta-of-delta using a prefix-coded tiered scheme: a
// dod of 0 costs one bit, and each wider tier costs one more prefix bit
// plus a fixed-width signed payload, so steady-interval series compress to
// nearly one bit per point.
func (e *TimestampEncoder) writeDod(dod int64) {
	switch {
	case dod == 0:
		e.writeBits(0b0, 1)
	case fitsSigned(dod, 7):
		e.writeBits(0b10, 2)
		e.writeBits(uint64(dod)&0x7F, 7)
	case fitsSigned(dod, 9):
		e.writeBits(0b110, 3)
		e.writeBits(uint64(dod)&0x1FF, 9)
	case fitsSigned(dod, 12):
		e.writeBits(0b1110, 4)
		e.writeBits(uint64(dod)&0xFFF, 12)
	default:
		e.writeBits(0b1111, 4)
		e.writeBits(uint64(dod), 64)
	}
}

func (e *TimestampEncoder) writeBits(value uint64, numBits int) {
	if numBits == 0 {
		return
	}

	if numBits < 64 {
		value &= (1 << numBits) - 1
	}

	available := 64 - e.bitCount

	if numBits <= available {
		e.bitBuf = (e.bitBuf << numBits) | value
		e.bitCount += numBits

		if e.bitCount == 64 {
			e.flushBits()
		}

		return
	}

	highBits := numBits - available
	e.bitBuf = (e.bitBuf << available) | (value >> highBits)
	e.bitCount = 64
	e.flushBits()

	e.bitBuf = value & ((1 << highBits) - 1)
	e.bitCount = highBits
}

func (e *TimestampEncoder) flushBits() {
	if e.bitCount == 0 {
		return
	}

	numBytes := (e.bitCount + 7) / 8
	e.buf.Grow(numBytes)

	aligned := e.bitBuf << (64 - e.bitCount)

	startLen := e.buf.Len()
	e.buf.ExtendOrGrow(numBytes)
	bs := e.buf.Slice(startLen, startLen+numBytes)

	if numBytes == 8 {
		binary.BigEndian.PutUint64(bs, aligned)
	} else {
		for i := range numBytes {
			bs[i] = byte(aligned >> (56 - i*8))
		}
	}

	e.bitBuf = 0
	e.bitCount = 0
}

// WriteSlice encodes a slice of timestamps, which must already be sorted
// non-decreasing; the caller (memtable/disktier) is responsible for sorting.
func (e *TimestampEncoder) WriteSlice(timestamps []int64) {
	for _, ts := range timestamps {
		e.Write(ts)
	}
}

// Bytes returns the accumulated encoded bytes, flushing any pending dod
// bits first. Valid until the next Write or Reset.
func (e *TimestampEncoder) Bytes() []byte {
	if e.bitCount > 0 {
		e.flushBits()
	}

	return e.buf.Bytes()
}

// Len returns the number of timestamps written.
func (e *TimestampEncoder) Len() int { return e.count }

// Finish releases the encoder's internal buffer back to the pool. The
// encoder must not be used afterward.
func (e *TimestampEncoder) Finish() {
	pool.PutBlobBuffer(e.buf)
	e.buf = nil
}

// fitsSigned reports whether v fits in a two's-complement signed integer
// of nbits width.
func fitsSigned(v int64, nbits int) bool {
	lo := -(int64(1) << uint(nbits-1))
	hi := (int64(1) << uint(nbits-1)) - 1

	return v >= lo && v <= hi
}

// signExtend interprets the low nbits of v as a two's-complement signed
// integer and sign-extends it to a full int64.
func signExtend(v uint64, nbits int) int64 {
	shift := uint(64 - nbits)
	return int64(v<<shift) >> shift
}

// TimestampDecoder decodes a delta-of-delta encoded timestamp stream. It is
// stateless and safe for concurrent reuse across streams.
type TimestampDecoder struct{}

// NewTimestampDecoder creates a stateless decoder instance.
func NewTimestampDecoder() TimestampDecoder { return TimestampDecoder{} }

// All decodes count timestamps from data in ascending order.
func (d TimestampDecoder) All(data []byte, count int) iter.Seq[int64] {
	return func(yield func(int64) bool) {
		if len(data) < 8 || count <= 0 {
			return
		}

		curTS := int64(binary.BigEndian.Uint64(data[:8]))
		offset := 8

		if !yield(curTS) {
			return
		}

		if count == 1 {
			return
		}

		zigzag, n := binary.Uvarint(data[offset:])
		if n <= 0 {
			return
		}
		offset += n

		delta := int64(zigzag>>1) ^ -(int64(zigzag & 1))
		curTS += delta
		if !yield(curTS) {
			return
		}

		prevDelta := delta
		yielded := 2

		br := newBitReader(data[offset:])

		for yielded < count {
			dod, ok := readDod(br)
			if !ok {
				return
			}

			delta = prevDelta + dod
			curTS += delta
			yielded++

			if !yield(curTS) {
				return
			}

			prevDelta = delta
		}
	}
}

// readDod decodes one delta-of-delta value encoded by writeDod.
func readDod(br *bitReader) (int64, bool) {
	b0, ok := br.readBit()
	if !ok {
		return 0, false
	}
	if b0 == 0 {
		return 0, true
	}

	b1, ok := br.readBit()
	if !ok {
		return 0, false
	}
	if b1 == 0 {
		v, ok := br.readBits(7)
		if !ok {
			return 0, false
		}

		return signExtend(v, 7), true
	}

	b2, ok := br.readBit()
	if !ok {
		return 0, false
	}
	if b2 == 0 {
		v, ok := br.readBits(9)
		if !ok {
			return 0, false
		}

		return signExtend(v, 9), true
	}

	b3, ok := br.readBit()
	if !ok {
		return 0, false
	}
	if b3 == 0 {
		v, ok := br.readBits(12)
		if !ok {
			return 0, false
		}

		return signExtend(v, 12), true
	}

	v, ok := br.readBits(64)
	if !ok {
		return 0, false
	}

	return signExtend(v, 64), true
}

// DecodeAll is a convenience wrapper returning a materialized slice, used by
// tiers that need random access (range pruning, merge) rather than streaming.
func (d TimestampDecoder) DecodeAll(data []byte, count int) []int64 {
	out := make([]int64, 0, count)
	for ts := range d.All(data, count) {
		out = append(out, ts)
	}

	return out
}
