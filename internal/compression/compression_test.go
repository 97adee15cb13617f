package compression

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-zfs/internal/types"
)

// compressLZ4Block produces the on-disk ZFS lz4 layout: a big-endian
// length prefix followed by a single raw lz4 block.
func compressLZ4Block(t *testing.T, logical []byte) []byte {
	t.Helper()
	buf := make([]byte, lz4.CompressBlockBound(len(logical)))
	var c lz4.Compressor
	n, err := c.CompressBlock(logical, buf)
	require.NoError(t, err)
	require.NotZero(t, n, "input must be compressible")

	out := make([]byte, 4+n)
	binary.BigEndian.PutUint32(out, uint32(n))
	copy(out[4:], buf[:n])
	return out
}

func repeatedText(n int) []byte {
	return bytes.Repeat([]byte("zfs metadata block payload "), n)[:n*16]
}

func TestDecompressLZ4RoundTrip(t *testing.T) {
	logical := repeatedText(64)
	physical := compressLZ4Block(t, logical)

	got, err := DecompressLZ4(physical, len(logical))
	require.NoError(t, err)
	assert.Equal(t, logical, got)
}

func TestDecompressLZ4RejectsBadInput(t *testing.T) {
	tests := []struct {
		name     string
		physical []byte
	}{
		{name: "too short for prefix", physical: []byte{0, 0}},
		{name: "length exceeds block", physical: []byte{0, 0, 0xFF, 0xFF, 1, 2, 3}},
		{name: "zero length", physical: []byte{0, 0, 0, 0, 1, 2, 3}},
		{name: "garbage payload", physical: []byte{0, 0, 0, 4, 0xF0, 0xDE, 0xAD, 0xBE}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecompressLZ4(tt.physical, 512)
			assert.Error(t, err)
		})
	}
}

func TestDecompressLZ4RejectsSizeMismatch(t *testing.T) {
	logical := repeatedText(64)
	physical := compressLZ4Block(t, logical)

	_, err := DecompressLZ4(physical, len(logical)/2)
	assert.Error(t, err)
}

func TestDecompressGzipRoundTrip(t *testing.T) {
	logical := repeatedText(32)

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(logical)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := DecompressGzip(buf.Bytes(), len(logical))
	require.NoError(t, err)
	assert.Equal(t, logical, got)
}

func TestDecompressZLE(t *testing.T) {
	tests := []struct {
		name     string
		physical []byte
		expected []byte
	}{
		{
			name:     "literal run",
			physical: []byte{2, 'a', 'b', 'c'},
			expected: []byte("abc"),
		},
		{
			name:     "shortest zero run",
			physical: []byte{0x40},
			expected: []byte{0},
		},
		{
			name:     "two zeroes",
			physical: []byte{0x41},
			expected: []byte{0, 0},
		},
		{
			name:     "zero run",
			physical: []byte{63 + 4},
			expected: []byte{0, 0, 0, 0},
		},
		{
			name:     "mixed runs",
			physical: []byte{1, 'x', 'y', 63 + 3, 0, 'z'},
			expected: []byte{'x', 'y', 0, 0, 0, 'z'},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecompressZLE(tt.physical, len(tt.expected))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDecompressZLETruncated(t *testing.T) {
	_, err := DecompressZLE([]byte{5, 'a'}, 6)
	assert.Error(t, err)

	_, err = DecompressZLE([]byte{64 + 2}, 6)
	assert.Error(t, err)
}

func TestDecompressLZJB(t *testing.T) {
	t.Run("all literals", func(t *testing.T) {
		// Control byte 0x00 marks the next eight items as literals.
		physical := []byte{0x00, 'h', 'e', 'l', 'l', 'o', '!', '!', '!'}
		got, err := DecompressLZJB(physical, 8)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello!!!"), got)
	})

	t.Run("back reference", func(t *testing.T) {
		// Three literals, then a copy of length 3 at offset 3: "abcabc".
		// Copy item: mlen-3=0 in the top 6 bits, offset 3 in the low 10.
		physical := []byte{0x08, 'a', 'b', 'c', 0x00, 0x03}
		got, err := DecompressLZJB(physical, 6)
		require.NoError(t, err)
		assert.Equal(t, []byte("abcabc"), got)
	})

	t.Run("overlapping back reference", func(t *testing.T) {
		// One literal then a copy at offset 1 repeats it.
		physical := []byte{0x02, 'z', 0x04, 0x01}
		got, err := DecompressLZJB(physical, 5)
		require.NoError(t, err)
		assert.Equal(t, []byte("zzzzz"), got)
	})

	t.Run("zero offset rejected", func(t *testing.T) {
		physical := []byte{0x02, 'z', 0x00, 0x00}
		_, err := DecompressLZJB(physical, 5)
		assert.Error(t, err)
	})

	t.Run("truncated stream rejected", func(t *testing.T) {
		_, err := DecompressLZJB([]byte{0x00, 'a'}, 4)
		assert.Error(t, err)
	})
}

func TestDecompressDispatch(t *testing.T) {
	logical := repeatedText(64)
	physical := compressLZ4Block(t, logical)

	t.Run("lz4", func(t *testing.T) {
		got, err := Decompress(physical, len(logical), types.CompressionLZ4)
		require.NoError(t, err)
		assert.Equal(t, logical, got)
	})

	t.Run("on resolves to lz4", func(t *testing.T) {
		got, err := Decompress(physical, len(logical), types.CompressionOn)
		require.NoError(t, err)
		assert.Equal(t, logical, got)
	})

	t.Run("off copies and pads", func(t *testing.T) {
		got, err := Decompress([]byte{1, 2, 3}, 5, types.CompressionOff)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3, 0, 0}, got)
	})

	t.Run("implausible logical size rejected", func(t *testing.T) {
		_, err := Decompress(physical, types.MaxLogicalBlockSize+1, types.CompressionLZ4)
		assert.Error(t, err)
	})

	t.Run("inherit is unsupported", func(t *testing.T) {
		_, err := Decompress(physical, len(logical), types.CompressionInherit)
		assert.ErrorIs(t, err, ErrUnsupportedMethod)
	})
}
