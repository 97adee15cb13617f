// Package compression decompresses ZFS block payloads. Every function
// takes the physical (compressed) bytes as stored on disk and the
// logical size declared by the referencing block pointer, and returns
// exactly that many bytes or an error.
package compression

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/deploymenttheory/go-zfs/internal/types"
)

// ErrUnsupportedMethod is returned for compression families this
// engine does not implement.
var ErrUnsupportedMethod = fmt.Errorf("unsupported compression method")

// Decompress expands physical into logicalSize bytes using the given
// method. CompressionOff and CompressionEmpty return the input
// truncated or zero-padded to the logical size.
func Decompress(physical []byte, logicalSize int, method types.CompressionMethod) ([]byte, error) {
	if logicalSize < 0 || logicalSize > types.MaxLogicalBlockSize {
		return nil, fmt.Errorf("%w: implausible logical size %d", types.ErrDecompression, logicalSize)
	}

	var (
		out []byte
		err error
	)
	switch method {
	case types.CompressionOff, types.CompressionEmpty:
		out = make([]byte, logicalSize)
		copy(out, physical)
	case types.CompressionLZ4, types.CompressionOn:
		out, err = DecompressLZ4(physical, logicalSize)
	case types.CompressionLZJB:
		out, err = DecompressLZJB(physical, logicalSize)
	case types.CompressionZLE:
		out, err = DecompressZLE(physical, logicalSize)
	case types.CompressionZstd:
		out, err = DecompressZstd(physical, logicalSize)
	default:
		if _, ok := method.GzipLevel(); ok {
			out, err = DecompressGzip(physical, logicalSize)
		} else {
			err = fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrDecompression, err)
	}
	return out, nil
}

// DecompressLZ4 expands an lz4-compressed ZFS block. The on-disk
// layout is a 4-byte big-endian compressed length followed by a single
// raw lz4 block.
func DecompressLZ4(physical []byte, logicalSize int) ([]byte, error) {
	if len(physical) < 4 {
		return nil, fmt.Errorf("lz4 block too short for length prefix: %d bytes", len(physical))
	}
	compLen := int(binary.BigEndian.Uint32(physical))
	if compLen <= 0 || compLen > len(physical)-4 {
		return nil, fmt.Errorf("lz4 compressed length %d exceeds physical block of %d bytes", compLen, len(physical)-4)
	}

	out := make([]byte, logicalSize)
	n, err := lz4.UncompressBlock(physical[4:4+compLen], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != logicalSize {
		return nil, fmt.Errorf("lz4 produced %d bytes, expected %d", n, logicalSize)
	}
	return out, nil
}

// DecompressGzip expands a gzip-compressed ZFS block. Despite the
// name, the payload is a zlib stream.
func DecompressGzip(physical []byte, logicalSize int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(physical))
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	defer r.Close()

	out := make([]byte, logicalSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	return out, nil
}

// zstdHeaderSize covers the c_len word and the version/level word that
// prefix every zstd-compressed ZFS block.
const zstdHeaderSize = 8

// DecompressZstd expands a zstd-compressed ZFS block. The payload is
// prefixed by a big-endian compressed length and a version/level word.
func DecompressZstd(physical []byte, logicalSize int) ([]byte, error) {
	if len(physical) < zstdHeaderSize {
		return nil, fmt.Errorf("zstd block too short for header: %d bytes", len(physical))
	}
	compLen := int(binary.BigEndian.Uint32(physical))
	if compLen <= 0 || compLen > len(physical)-zstdHeaderSize {
		return nil, fmt.Errorf("zstd compressed length %d exceeds physical block of %d bytes", compLen, len(physical)-zstdHeaderSize)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(physical[zstdHeaderSize:zstdHeaderSize+compLen], make([]byte, 0, logicalSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != logicalSize {
		return nil, fmt.Errorf("zstd produced %d bytes, expected %d", len(out), logicalSize)
	}
	return out, nil
}

// DecompressZLE expands a zero-length-encoded block. Each count byte
// is one less than the run length: a byte below 64 starts a literal
// run of count+1 bytes, a byte of 64 or more stands for count-63
// zeroes.
func DecompressZLE(physical []byte, logicalSize int) ([]byte, error) {
	out := make([]byte, 0, logicalSize)
	src := physical
	for len(out) < logicalSize {
		if len(src) == 0 {
			return nil, fmt.Errorf("zle stream truncated at %d of %d bytes", len(out), logicalSize)
		}
		n := int(src[0]) + 1
		src = src[1:]
		if n <= 64 {
			if n > len(src) {
				return nil, fmt.Errorf("zle literal run of %d exceeds remaining input", n)
			}
			out = append(out, src[:n]...)
			src = src[n:]
		} else {
			n -= 64
			for i := 0; i < n; i++ {
				out = append(out, 0)
			}
		}
	}
	if len(out) != logicalSize {
		return nil, fmt.Errorf("zle produced %d bytes, expected %d", len(out), logicalSize)
	}
	return out, nil
}
