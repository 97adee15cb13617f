// Package checksums computes content digests that are bit-compatible
// with the zio_cksum_t values ZFS embeds in block pointers, so digests
// computed here can be compared directly against checksums recovered
// from intact metadata.
package checksums

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/deploymenttheory/go-zfs/internal/types"
)

// Digest is a 256-bit checksum in the on-disk zio_cksum_t layout:
// four 64-bit words.
type Digest [4]uint64

// IsZero reports whether the digest is all zeroes (an unset checksum).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) String() string {
	return fmt.Sprintf("%016x:%016x:%016x:%016x", d[0], d[1], d[2], d[3])
}

// Short returns an abbreviated form suitable for file names and logs.
func (d Digest) Short() string {
	return fmt.Sprintf("%016x", d[0])
}

// ErrUnsupportedMethod is returned for checksum families this engine
// does not implement (skein, edon-r, and the non-checksum pseudo
// values).
var ErrUnsupportedMethod = fmt.Errorf("unsupported checksum method")

// Checksum computes the digest of data under the given method. The
// method is the value declared by whichever block pointer references
// the data; "on" and "gang_header" resolve to fletcher4 and "zilog" to
// fletcher2, matching the zio checksum table.
func Checksum(data []byte, method types.ChecksumMethod) (Digest, error) {
	switch method {
	case types.ChecksumFletcher4, types.ChecksumOn, types.ChecksumGangHeader:
		return Fletcher4(data), nil
	case types.ChecksumFletcher2, types.ChecksumZilog:
		return Fletcher2(data), nil
	case types.ChecksumSHA256, types.ChecksumLabel:
		return packBigEndian(sha256.Sum256(data)), nil
	case types.ChecksumSHA512:
		// ZFS "sha512" is SHA-512/256.
		return packBigEndian(sha512.Sum512_256(data)), nil
	case types.ChecksumBlake3:
		return packLittleEndian(blake3.Sum256(data)), nil
	default:
		return Digest{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
}

// packBigEndian converts a 32-byte hash into the word layout ZFS uses
// for the SHA family: each zc_word holds eight digest bytes in
// big-endian order.
func packBigEndian(sum [32]byte) Digest {
	var d Digest
	for i := range d {
		d[i] = binary.BigEndian.Uint64(sum[i*8 : i*8+8])
	}
	return d
}

// packLittleEndian converts a 32-byte hash into native (little-endian)
// words, matching the blake3 zio checksum implementation.
func packLittleEndian(sum [32]byte) Digest {
	var d Digest
	for i := range d {
		d[i] = binary.LittleEndian.Uint64(sum[i*8 : i*8+8])
	}
	return d
}
