package codec

import (
	"encoding/binary"
	"iter"
	"math"
	"math/bits"

	"github.com/chronodb/chronodb/internal/pool"
)

// ValueEncoder implements Facebook's Gorilla XOR compression for float64
// values: the first value is stored uncompressed, and every later value is
// XORed with its predecessor and packed using leading/trailing-zero window
// reuse.
//
// See https://www.vldb.org/pvldb/vol8/p1816-teller.pdf for algorithm details.
type ValueEncoder struct {
	bitBuf        uint64
	prevValue     uint64
	bitCount      int
	count         int
	prevLeading   int
	prevTrailing  int
	prevBlockSize int
	firstValue    bool

	buf *pool.ByteBuffer
}

// NewValueEncoder creates an encoder ready to accept float64 values.
func NewValueEncoder() *ValueEncoder {
	return &ValueEncoder{buf: pool.GetBlobBuffer(), firstValue: true}
}

// Write encodes a single float64 value, including NaN and ±Inf, which
// round-trip losslessly because the codec operates on raw IEEE-754 bits.
func (e *ValueEncoder) Write(val float64) {
	e.count++
	valBits := math.Float64bits(val)

	if e.firstValue {
		e.firstValue = false
		e.prevValue = valBits
		e.writeBits(valBits, 64)

		return
	}

	e.writeValue(valBits)
}

// WriteSlice encodes a slice of float64 values.
func (e *ValueEncoder) WriteSlice(values []float64) {
	for _, v := range values {
		e.Write(v)
	}
}

func (e *ValueEncoder) writeValue(valBits uint64) {
	xor := valBits ^ e.prevValue
	e.prevValue = valBits

	if xor == 0 {
		e.writeBit(0)
		return
	}

	e.writeBit(1)

	leading := bits.LeadingZeros64(xor)
	trailing := bits.TrailingZeros64(xor)

	if leading > 31 {
		adjustment := leading - 31
		leading = 31
		trailing -= adjustment
		if trailing < 0 {
			trailing = 0
		}
	}

	if e.count > 2 && e.prevBlockSize > 0 && leading >= e.prevLeading && trailing >= e.prevTrailing {
		e.writeBit(0)
		e.writeBits(xor>>e.prevTrailing, e.prevBlockSize)

		return
	}

	blockSize := 64 - leading - trailing
	e.writeBit(1)
	e.write5Bits(uint64(leading))
	e.write6Bits(uint64(blockSize - 1))
	e.writeBits(xor>>trailing, blockSize)

	e.prevLeading = leading
	e.prevTrailing = trailing
	e.prevBlockSize = blockSize
}

func (e *ValueEncoder) writeBit(bit uint64) {
	e.bitBuf = (e.bitBuf << 1) | bit
	e.bitCount++

	if e.bitCount == 64 {
		e.flushBits()
	}
}

func (e *ValueEncoder) writeBits(value uint64, numBits int) {
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

func (e *ValueEncoder) write5Bits(value uint64) { e.writeBits(value&0x1F, 5) }
func (e *ValueEncoder) write6Bits(value uint64) { e.writeBits(value&0x3F, 6) }

func (e *ValueEncoder) flushBits() {
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

// Bytes returns the encoded byte slice, flushing any pending bits first.
func (e *ValueEncoder) Bytes() []byte {
	if e.bitCount > 0 {
		e.flushBits()
	}

	return e.buf.Bytes()
}

// Len returns the number of values encoded.
func (e *ValueEncoder) Len() int { return e.count }

// Finish releases the encoder's internal buffer back to the pool.
func (e *ValueEncoder) Finish() {
	pool.PutBlobBuffer(e.buf)
	e.buf = nil
}

// ValueDecoder decodes a Gorilla-compressed float64 stream. Stateless and
// safe for concurrent reuse.
type ValueDecoder struct{}

// NewValueDecoder creates a stateless decoder instance.
func NewValueDecoder() ValueDecoder { return ValueDecoder{} }

type blockState struct {
	trailing  int
	blockSize int
	valid     bool
}

func (s *blockState) next(br *bitReader) (trailing, blockSize int, ok bool) {
	control, ok := br.readBit()
	if !ok {
		return 0, 0, false
	}

	if control == 0 {
		if !s.valid {
			return 0, 0, false
		}

		return s.trailing, s.blockSize, true
	}

	leading, ok := br.read5Bits()
	if !ok {
		return 0, 0, false
	}

	blockSize, ok = br.read6Bits()
	if !ok {
		return 0, 0, false
	}
	blockSize++
	if blockSize < 1 || blockSize > 64 {
		return 0, 0, false
	}

	trailing = 64 - leading - blockSize
	if trailing < 0 || trailing > 64 {
		return 0, 0, false
	}

	s.trailing = trailing
	s.blockSize = blockSize
	s.valid = true

	return trailing, blockSize, true
}

// All decodes count float64 values from data in order.
func (d ValueDecoder) All(data []byte, count int) iter.Seq[float64] {
	return func(yield func(float64) bool) {
		if len(data) == 0 || count == 0 {
			return
		}

		br := newBitReader(data)

		firstBits, ok := br.readBits(64)
		if !ok {
			return
		}

		prevValue := firstBits
		prevFloat := math.Float64frombits(prevValue)
		if !yield(prevFloat) {
			return
		}

		if count == 1 {
			return
		}

		state := blockState{}
		produced := 1

		for produced < count {
			control, ok := br.readBit()
			if !ok {
				return
			}

			if control == 0 {
				if !yield(prevFloat) {
					return
				}
				produced++

				continue
			}

			trailing, blockSize, ok := state.next(br)
			if !ok {
				return
			}

			meaningful, ok := br.readBits(blockSize)
			if !ok {
				return
			}

			prevValue ^= meaningful << uint64(trailing)
			prevFloat = math.Float64frombits(prevValue)
			if !yield(prevFloat) {
				return
			}
			produced++
		}
	}
}

// DecodeAll is a convenience wrapper returning a materialized slice.
func (d ValueDecoder) DecodeAll(data []byte, count int) []float64 {
	out := make([]float64, 0, count)
	for v := range d.All(data, count) {
		out = append(out, v)
	}

	return out
}

// bitReader provides efficient bit-level reading from a byte slice, mirroring
// the teacher's internal/encoding.bitReader.
type bitReader struct {
	data     []byte
	bytePos  int
	bitBuf   uint64
	bitCount int
}

func newBitReader(data []byte) *bitReader { return &bitReader{data: data} }

func (br *bitReader) readBit() (uint64, bool) {
	if br.bitCount == 0 {
		if !br.fillBuffer() {
			return 0, false
		}
	}

	bit := br.bitBuf >> 63
	br.bitBuf <<= 1
	br.bitCount--

	return bit, true
}

func (br *bitReader) read5Bits() (int, bool) {
	v, ok := br.readBits(5)
	return int(v), ok
}

func (br *bitReader) read6Bits() (int, bool) {
	v, ok := br.readBits(6)
	return int(v), ok
}

func (br *bitReader) readBits(numBits int) (uint64, bool) {
	if numBits == 0 {
		return 0, true
	}

	if numBits <= br.bitCount {
		shift := 64 - numBits
		result := br.bitBuf >> shift
		br.bitBuf <<= numBits
		br.bitCount -= numBits

		return result, true
	}

	var result uint64
	first := true

	for numBits > 0 {
		if br.bitCount == 0 {
			if !br.fillBuffer() {
				return 0, false
			}
		}

		n := numBits
		if n > br.bitCount {
			n = br.bitCount
		}

		shifted := br.bitBuf >> (64 - n)
		if first {
			result = shifted
			first = false
		} else {
			result = (result << n) | shifted
		}

		br.bitBuf <<= n
		br.bitCount -= n
		numBits -= n
	}

	return result, true
}

func (br *bitReader) fillBuffer() bool {
	if br.bytePos >= len(br.data) {
		return false
	}

	avail := len(br.data) - br.bytePos
	n := 8
	if n > avail {
		n = avail
	}

	if n == 8 {
		br.bitBuf = binary.BigEndian.Uint64(br.data[br.bytePos : br.bytePos+8])
		br.bytePos += 8
		br.bitCount = 64

		return true
	}

	br.bitBuf = 0
	for i := 0; i < n; i++ {
		br.bitBuf = (br.bitBuf << 8) | uint64(br.data[br.bytePos])
		br.bytePos++
	}
	br.bitBuf <<= (8 - n) * 8
	br.bitCount = n * 8

	return true
}
