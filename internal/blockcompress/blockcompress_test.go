package blockcompress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressDecompress_RoundTrip(t *testing.T) {
	original := []byte("the quick brown fox jumps over the lazy dog, repeatedly, for compressibility")

	for _, algo := range []Algo{None, LZ4, Zstd} {
		wrapped, err := Compress(algo, original)
		require.NoError(t, err)

		got, err := Decompress(wrapped)
		require.NoError(t, err)
		require.Equal(t, original, got)
	}
}

func TestCompress_EmptyInput(t *testing.T) {
	for _, algo := range []Algo{None, LZ4, Zstd} {
		wrapped, err := Compress(algo, nil)
		require.NoError(t, err)

		got, err := Decompress(wrapped)
		require.NoError(t, err)
		require.Empty(t, got)
	}
}

func TestDecompress_UnknownAlgoIsError(t *testing.T) {
	_, err := Decompress([]byte{0xFF, 1, 2, 3})
	require.Error(t, err)
}

func TestDecompress_EmptyInputIsError(t *testing.T) {
	_, err := Decompress(nil)
	require.Error(t, err)
}
