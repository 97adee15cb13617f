package checksums

import "encoding/binary"

// Fletcher4 computes the fletcher4 checksum: four running 64-bit sums
// over the data read as little-endian 32-bit words. A trailing partial
// word is ignored, matching the reference implementation's behavior on
// sector-aligned input.
func Fletcher4(data []byte) Digest {
	var a, b, c, d uint64
	for len(data) >= 4 {
		w := uint64(binary.LittleEndian.Uint32(data))
		a += w
		b += a
		c += b
		d += c
		data = data[4:]
	}
	return Digest{a, b, c, d}
}

// Fletcher2 computes the fletcher2 checksum: two interleaved pairs of
// 64-bit sums over the data read as little-endian 64-bit words.
func Fletcher2(data []byte) Digest {
	var a0, a1, b0, b1 uint64
	for len(data) >= 16 {
		a0 += binary.LittleEndian.Uint64(data)
		a1 += binary.LittleEndian.Uint64(data[8:])
		b0 += a0
		b1 += a1
		data = data[16:]
	}
	return Digest{a0, a1, b0, b1}
}
