package dnodes

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-zfs/internal/parsers/blockpointers"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

// znodeSize is the fixed portion of a znode_phys_t bonus buffer.
const znodeSize = 264

// ZNode holds the filesystem attributes stored in a file or directory
// dnode's bonus buffer (pre-SA layout).
type ZNode struct {
	ATime  [2]uint64
	MTime  [2]uint64
	CTime  [2]uint64
	CrTime [2]uint64

	Generation uint64
	Mode       uint64
	Size       uint64
	Parent     uint64
	Links      uint64
	Flags      uint64
	UID        uint64
	GID        uint64
}

// ZNodeBonus decodes the znode attributes from a dnode's bonus buffer.
func (dn *DNode) ZNodeBonus() (*ZNode, error) {
	if dn.BonusType != types.BonusTypeZNode {
		return nil, fmt.Errorf("%w: bonus type %d is not a znode", types.ErrMalformedStructure, dn.BonusType)
	}
	if len(dn.Bonus) < znodeSize {
		return nil, fmt.Errorf("%w: znode bonus needs %d bytes, have %d",
			types.ErrMalformedStructure, znodeSize, len(dn.Bonus))
	}

	b := dn.Bonus
	zn := &ZNode{
		Generation: binary.LittleEndian.Uint64(b[64:]),
		Mode:       binary.LittleEndian.Uint64(b[72:]),
		Size:       binary.LittleEndian.Uint64(b[80:]),
		Parent:     binary.LittleEndian.Uint64(b[88:]),
		Links:      binary.LittleEndian.Uint64(b[96:]),
		Flags:      binary.LittleEndian.Uint64(b[120:]),
		UID:        binary.LittleEndian.Uint64(b[128:]),
		GID:        binary.LittleEndian.Uint64(b[136:]),
	}
	for i := 0; i < 2; i++ {
		zn.ATime[i] = binary.LittleEndian.Uint64(b[i*8:])
		zn.MTime[i] = binary.LittleEndian.Uint64(b[16+i*8:])
		zn.CTime[i] = binary.LittleEndian.Uint64(b[32+i*8:])
		zn.CrTime[i] = binary.LittleEndian.Uint64(b[48+i*8:])
	}
	return zn, nil
}

// DSLDirectory holds the dsl_dir_phys_t bonus payload of a DSL
// directory dnode.
type DSLDirectory struct {
	CreationTime      uint64
	HeadDatasetObject uint64
	ParentObject      uint64
	OriginObject      uint64
	ChildDirZapObject uint64
	UsedBytes         uint64
	CompressedBytes   uint64
	UncompressedBytes uint64
	Quota             uint64
	Reserved          uint64
	PropsZapObject    uint64
}

// DSLDirectoryBonus decodes the DSL directory payload from a dnode's
// bonus buffer.
func (dn *DNode) DSLDirectoryBonus() (*DSLDirectory, error) {
	if dn.BonusType != types.BonusTypeDSLDirectory {
		return nil, fmt.Errorf("%w: bonus type %d is not a dsl directory", types.ErrMalformedStructure, dn.BonusType)
	}
	if len(dn.Bonus) < 88 {
		return nil, fmt.Errorf("%w: dsl directory bonus needs 88 bytes, have %d",
			types.ErrMalformedStructure, len(dn.Bonus))
	}

	b := dn.Bonus
	return &DSLDirectory{
		CreationTime:      binary.LittleEndian.Uint64(b[0:]),
		HeadDatasetObject: binary.LittleEndian.Uint64(b[8:]),
		ParentObject:      binary.LittleEndian.Uint64(b[16:]),
		OriginObject:      binary.LittleEndian.Uint64(b[24:]),
		ChildDirZapObject: binary.LittleEndian.Uint64(b[32:]),
		UsedBytes:         binary.LittleEndian.Uint64(b[40:]),
		CompressedBytes:   binary.LittleEndian.Uint64(b[48:]),
		UncompressedBytes: binary.LittleEndian.Uint64(b[56:]),
		Quota:             binary.LittleEndian.Uint64(b[64:]),
		Reserved:          binary.LittleEndian.Uint64(b[72:]),
		PropsZapObject:    binary.LittleEndian.Uint64(b[80:]),
	}, nil
}

// DSLDataset holds the dsl_dataset_phys_t bonus payload of a DSL
// dataset dnode, including the block pointer to the dataset's objset.
type DSLDataset struct {
	DirObject          uint64
	PrevSnapshotObject uint64
	PrevSnapshotTxg    uint64
	NextSnapshotObject uint64
	SnapNamesZapObject uint64
	NumChildren        uint64
	CreationTime       uint64
	CreationTxg        uint64
	ReferencedBytes    uint64
	GUID               uint64

	// ObjsetBP references the dataset's object set header.
	ObjsetBP *blockpointers.BlockPointer
}

// dslDatasetBPOffset is where the objset block pointer starts inside a
// dsl_dataset_phys_t.
const dslDatasetBPOffset = 128

// DSLDatasetBonus decodes the DSL dataset payload from a dnode's bonus
// buffer. The embedded objset pointer may be absent (a hole); the
// returned ObjsetBP is nil in that case.
func (dn *DNode) DSLDatasetBonus() (*DSLDataset, error) {
	if dn.BonusType != types.BonusTypeDSLDataset {
		return nil, fmt.Errorf("%w: bonus type %d is not a dsl dataset", types.ErrMalformedStructure, dn.BonusType)
	}
	if len(dn.Bonus) < dslDatasetBPOffset+types.BlockPointerSize {
		return nil, fmt.Errorf("%w: dsl dataset bonus needs %d bytes, have %d",
			types.ErrMalformedStructure, dslDatasetBPOffset+types.BlockPointerSize, len(dn.Bonus))
	}

	b := dn.Bonus
	ds := &DSLDataset{
		DirObject:          binary.LittleEndian.Uint64(b[0:]),
		PrevSnapshotObject: binary.LittleEndian.Uint64(b[8:]),
		PrevSnapshotTxg:    binary.LittleEndian.Uint64(b[16:]),
		NextSnapshotObject: binary.LittleEndian.Uint64(b[24:]),
		SnapNamesZapObject: binary.LittleEndian.Uint64(b[32:]),
		NumChildren:        binary.LittleEndian.Uint64(b[40:]),
		CreationTime:       binary.LittleEndian.Uint64(b[48:]),
		CreationTxg:        binary.LittleEndian.Uint64(b[56:]),
		ReferencedBytes:    binary.LittleEndian.Uint64(b[72:]),
		GUID:               binary.LittleEndian.Uint64(b[112:]),
	}

	if bp, err := blockpointers.ParseBlockPointer(b[dslDatasetBPOffset:]); err == nil {
		ds.ObjsetBP = bp
	}
	return ds, nil
}
