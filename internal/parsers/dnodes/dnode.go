// Package dnodes decodes dnode_phys_t slots and the typed payloads
// carried in their bonus buffers.
package dnodes

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-zfs/internal/parsers/blockpointers"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

// Indirect block shift bounds (dn_indblkshift): 1 KiB to 128 KiB.
const (
	minIndirectBlockShift = 10
	maxIndirectBlockShift = 17
)

const maxDNodeLevels = 6

// DNode is a decoded dnode_phys_t.
type DNode struct {
	Type               types.ObjectType
	IndirectBlockShift uint8
	Levels             uint8
	BonusType          types.BonusType
	ChecksumMethod     types.ChecksumMethod
	CompressionMethod  types.CompressionMethod
	Flags              uint8

	// DataBlockSize is the size of one level-0 data block in bytes.
	DataBlockSize uint32

	// ExtraSlots is the number of additional 512-byte slots this dnode
	// occupies beyond its own.
	ExtraSlots uint8

	MaxBlockID uint64
	UsedBytes  uint64

	BlockPointers []*blockpointers.BlockPointer
	Bonus         []byte
}

// ParseDNode decodes a dnode starting at the first byte of data. The
// caller provides at least one slot; large dnodes must be given all
// their slots.
//
// Fields are validated strictly enough that a 512-byte window of
// arbitrary image bytes is very unlikely to pass, which is what makes
// brute scanning viable.
func ParseDNode(data []byte) (*DNode, error) {
	if len(data) < types.DNodeSlotSize {
		return nil, fmt.Errorf("%w: dnode needs %d bytes, have %d",
			types.ErrMalformedStructure, types.DNodeSlotSize, len(data))
	}

	dn := &DNode{
		Type:               types.ObjectType(data[0]),
		IndirectBlockShift: data[1],
		Levels:             data[2],
		BonusType:          types.BonusType(data[4]),
		ChecksumMethod:     types.ChecksumMethod(data[5]),
		CompressionMethod:  types.CompressionMethod(data[6]),
		Flags:              data[7],
		DataBlockSize:      uint32(binary.LittleEndian.Uint16(data[8:])) * types.SectorSize,
		ExtraSlots:         data[12],
		MaxBlockID:         binary.LittleEndian.Uint64(data[16:]),
		UsedBytes:          binary.LittleEndian.Uint64(data[24:]),
	}

	nblkptr := data[3]
	bonusLen := binary.LittleEndian.Uint16(data[10:])

	switch {
	case dn.Type == types.ObjectTypeNone || !dn.Type.Valid():
		return nil, fmt.Errorf("%w: dnode type %d", types.ErrMalformedStructure, dn.Type)
	case nblkptr < 1 || nblkptr > types.MaxBlockPointersPerDNode:
		return nil, fmt.Errorf("%w: dnode with %d block pointers", types.ErrMalformedStructure, nblkptr)
	case dn.Levels < 1 || dn.Levels > maxDNodeLevels:
		return nil, fmt.Errorf("%w: dnode with %d levels", types.ErrMalformedStructure, dn.Levels)
	case dn.IndirectBlockShift < minIndirectBlockShift || dn.IndirectBlockShift > maxIndirectBlockShift:
		return nil, fmt.Errorf("%w: indirect block shift %d", types.ErrMalformedStructure, dn.IndirectBlockShift)
	case dn.DataBlockSize == 0 || dn.DataBlockSize > types.MaxLogicalBlockSize:
		return nil, fmt.Errorf("%w: data block size %d", types.ErrMalformedStructure, dn.DataBlockSize)
	case !dn.BonusType.Valid():
		return nil, fmt.Errorf("%w: bonus type %d", types.ErrMalformedStructure, dn.BonusType)
	case !dn.ChecksumMethod.Valid() || !dn.CompressionMethod.Valid():
		return nil, fmt.Errorf("%w: dnode checksum/compression out of range", types.ErrMalformedStructure)
	}

	totalSize := (1 + int(dn.ExtraSlots)) * types.DNodeSlotSize
	if totalSize > len(data) {
		return nil, fmt.Errorf("%w: dnode spans %d slots beyond the provided region",
			types.ErrMalformedStructure, 1+dn.ExtraSlots)
	}

	bonusOffset := types.DNodeCoreSize + int(nblkptr)*types.BlockPointerSize
	if bonusOffset+int(bonusLen) > totalSize {
		return nil, fmt.Errorf("%w: bonus of %d bytes overflows dnode", types.ErrMalformedStructure, bonusLen)
	}

	for i := 0; i < int(nblkptr); i++ {
		raw := data[types.DNodeCoreSize+i*types.BlockPointerSize:]
		bp, err := blockpointers.ParseBlockPointer(raw)
		if err != nil {
			// Unused trailing pointers are routinely holes.
			continue
		}
		dn.BlockPointers = append(dn.BlockPointers, bp)
	}

	if bonusLen > 0 {
		dn.Bonus = append([]byte(nil), data[bonusOffset:bonusOffset+int(bonusLen)]...)
	}

	return dn, nil
}

// SlotCount returns how many 512-byte slots the dnode occupies.
func (dn *DNode) SlotCount() int {
	return 1 + int(dn.ExtraSlots)
}

func (dn *DNode) String() string {
	return fmt.Sprintf("dnode[%s levels=%d blksz=%d nbp=%d bonus=%s/%d]",
		dn.Type, dn.Levels, dn.DataBlockSize, len(dn.BlockPointers),
		types.ObjectType(dn.BonusType), len(dn.Bonus))
}
