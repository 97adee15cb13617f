// Package objsets decodes objset_phys_t headers, the entry point to
// every object set (the meta object set and each dataset filesystem).
package objsets

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-zfs/internal/parsers/blockpointers"
	"github.com/deploymenttheory/go-zfs/internal/parsers/dnodes"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

// Field offsets within an objset_phys_t.
const (
	zilHeaderOffset = types.DNodeSlotSize
	typeOffset      = zilHeaderOffset + types.ZILHeaderSize
	flagsOffset     = typeOffset + 8
)

// ZILHeader is a decoded zil_header_t. The log pointer is nil when no
// intent log has been claimed.
type ZILHeader struct {
	ClaimTxg  uint64
	ReplaySeq uint64
	Log       *blockpointers.BlockPointer
	Flags     uint64
}

// Objset is a decoded objset_phys_t: the meta-dnode that indexes every
// object in the set, the intent log header and the set's type.
type Objset struct {
	MetaDNode *dnodes.DNode
	ZIL       ZILHeader
	Type      types.ObjsetType
	Flags     uint64
}

// ParseObjset decodes an objset header. The meta-dnode must itself be
// a valid dnode of type dnode, which is what distinguishes a real
// objset header from arbitrary bytes during scanning.
func ParseObjset(data []byte) (*Objset, error) {
	if len(data) < types.ObjsetPhysSize {
		return nil, fmt.Errorf("%w: objset needs %d bytes, have %d",
			types.ErrMalformedStructure, types.ObjsetPhysSize, len(data))
	}

	meta, err := dnodes.ParseDNode(data[:types.DNodeSlotSize])
	if err != nil {
		return nil, fmt.Errorf("objset meta-dnode: %w", err)
	}
	if meta.Type != types.ObjectTypeDNode {
		return nil, fmt.Errorf("%w: objset meta-dnode has type %s", types.ErrMalformedStructure, meta.Type)
	}

	os := &Objset{
		MetaDNode: meta,
		Type:      types.ObjsetType(binary.LittleEndian.Uint64(data[typeOffset:])),
		Flags:     binary.LittleEndian.Uint64(data[flagsOffset:]),
	}
	if !os.Type.Valid() {
		return nil, fmt.Errorf("%w: objset type %d", types.ErrMalformedStructure, uint64(os.Type))
	}

	os.ZIL.ClaimTxg = binary.LittleEndian.Uint64(data[zilHeaderOffset:])
	os.ZIL.ReplaySeq = binary.LittleEndian.Uint64(data[zilHeaderOffset+8:])
	os.ZIL.Flags = binary.LittleEndian.Uint64(data[zilHeaderOffset+16+types.BlockPointerSize:])
	if bp, err := blockpointers.ParseBlockPointer(data[zilHeaderOffset+16:]); err == nil {
		os.ZIL.Log = bp
	}

	return os, nil
}

// DNodesPerBlock returns how many dnode slots fit in one block of the
// meta-dnode's data.
func (os *Objset) DNodesPerBlock() uint64 {
	return uint64(os.MetaDNode.DataBlockSize) / types.DNodeSlotSize
}
