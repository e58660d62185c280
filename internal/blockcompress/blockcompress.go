// Package blockcompress wraps an encoded codec block with a general-purpose
// byte compressor before it is written to the disk or archive tier. It is
// independent of the block's own header format: the wrapper holds a
// one-byte algorithm tag followed by the (possibly compressed) codec
// bytes, so a tier can decompress without knowing which algorithm a given
// block was written with.
package blockcompress

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algo identifies the byte-compression algorithm wrapping a block.
type Algo byte

const (
	// None stores the codec bytes unchanged. Useful for already-dense
	// Gorilla-encoded streams where a second compression pass rarely pays
	// for itself.
	None Algo = iota
	// LZ4 favors decompression speed over ratio; a good default for the
	// disk tier, which is read on every query.
	LZ4
	// Zstd favors ratio over speed; a good default for the archive tier,
	// where objects are written once and read rarely.
	Zstd
)

var lz4WriterPool = sync.Pool{New: func() any { return lz4.NewWriter(nil) }}

var zstdEncoderPool = sync.Pool{
	New: func() any {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(fmt.Sprintf("blockcompress: create zstd encoder: %v", err))
		}

		return enc
	},
}

var zstdDecoderPool = sync.Pool{
	New: func() any {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			panic(fmt.Sprintf("blockcompress: create zstd decoder: %v", err))
		}

		return dec
	},
}

// Compress wraps data with the one-byte algo tag and, for LZ4/Zstd, the
// compressed payload.
func Compress(algo Algo, data []byte) ([]byte, error) {
	switch algo {
	case None:
		out := make([]byte, 1+len(data))
		out[0] = byte(None)
		copy(out[1:], data)

		return out, nil

	case LZ4:
		var buf bytes.Buffer
		buf.WriteByte(byte(LZ4))

		w := lz4WriterPool.Get().(*lz4.Writer)
		defer lz4WriterPool.Put(w)
		w.Reset(&buf)

		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("blockcompress: lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("blockcompress: lz4 close: %w", err)
		}

		return buf.Bytes(), nil

	case Zstd:
		enc := zstdEncoderPool.Get().(*zstd.Encoder)
		defer zstdEncoderPool.Put(enc)

		out := make([]byte, 1, len(data)/2+64)
		out[0] = byte(Zstd)
		out = enc.EncodeAll(data, out)

		return out, nil

	default:
		return nil, fmt.Errorf("blockcompress: unknown algorithm %d", algo)
	}
}

// Decompress reads the one-byte algo tag and reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("blockcompress: empty input")
	}

	algo, payload := Algo(data[0]), data[1:]

	switch algo {
	case None:
		return payload, nil

	case LZ4:
		r := lz4.NewReader(bytes.NewReader(payload))

		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("blockcompress: lz4 decompress: %w", err)
		}

		return out, nil

	case Zstd:
		dec := zstdDecoderPool.Get().(*zstd.Decoder)
		defer zstdDecoderPool.Put(dec)

		out, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("blockcompress: zstd decompress: %w", err)
		}

		return out, nil

	default:
		return nil, fmt.Errorf("blockcompress: unknown algorithm tag %d", algo)
	}
}
