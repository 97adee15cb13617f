// Package blockpointers decodes blkptr_t structures and the addresses
// they carry: data virtual addresses, embedded payloads and gang
// headers.
package blockpointers

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-zfs/internal/types"
)

// DVA is a decoded data virtual address: one redundant copy of a
// block, addressed by virtual device and sector offset within the
// device's allocatable region.
type DVA struct {
	VdevID uint32

	// AllocatedSectors is the allocated (physical, post-RAIDZ) size in
	// 512-byte sectors.
	AllocatedSectors uint32

	// OffsetSectors is the sector offset relative to the end of the
	// front label reservation.
	OffsetSectors uint64

	// IsGang marks the target as a gang header rather than data.
	IsGang bool
}

// ParseDVA decodes one on-disk dva_t.
func ParseDVA(data []byte) (DVA, error) {
	if len(data) < types.DVASize {
		return DVA{}, fmt.Errorf("%w: dva needs %d bytes, have %d",
			types.ErrMalformedStructure, types.DVASize, len(data))
	}

	w0 := binary.LittleEndian.Uint64(data)
	w1 := binary.LittleEndian.Uint64(data[8:])

	return DVA{
		VdevID:           uint32(w0 >> 32),
		AllocatedSectors: uint32(w0 & 0xFFFFFF),
		OffsetSectors:    w1 & ((1 << 63) - 1),
		IsGang:           w1>>63 != 0,
	}, nil
}

// IsNull reports whether the DVA is an unused slot (all fields zero).
func (d DVA) IsNull() bool {
	return d.VdevID == 0 && d.AllocatedSectors == 0 && d.OffsetSectors == 0 && !d.IsGang
}

// ByteOffset returns the absolute byte offset of the target on its
// device, accounting for the front label reservation.
func (d DVA) ByteOffset() uint64 {
	return d.OffsetSectors*types.SectorSize + types.DeviceFrontReservation
}

// AllocatedBytes returns the allocated size in bytes.
func (d DVA) AllocatedBytes() uint64 {
	return uint64(d.AllocatedSectors) * types.SectorSize
}

func (d DVA) String() string {
	gang := ""
	if d.IsGang {
		gang = " gang"
	}
	return fmt.Sprintf("<%d:%x:%x%s>", d.VdevID, d.OffsetSectors*types.SectorSize, d.AllocatedBytes(), gang)
}
