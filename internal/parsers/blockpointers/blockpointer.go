package blockpointers

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-zfs/internal/checksums"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

// Field offsets within a blkptr_t.
const (
	infoOffset      = 48
	physBirthOffset = 72
	birthOffset     = 80
	fillOffset      = 88
	checksumOffset  = 96
)

// maxEmbeddedPayload is the payload capacity of an embedded block
// pointer: every word except the info and birth words.
const maxEmbeddedPayload = 112

// BlockPointer is a decoded blkptr_t referencing a block by up to
// three redundant DVAs, or carrying the block inline when embedded.
type BlockPointer struct {
	DVAs [types.MaxDVAsPerBlockPointer]DVA

	Level             uint8
	Type              types.ObjectType
	ChecksumMethod    types.ChecksumMethod
	CompressionMethod types.CompressionMethod
	Dedup             bool

	// LogicalSize and PhysicalSize are in bytes.
	LogicalSize  uint32
	PhysicalSize uint32

	PhysicalBirthTxg uint64
	LogicalBirthTxg  uint64
	FillCount        uint64

	Checksum checksums.Digest

	// Embedded is set when the payload lives inside the pointer itself;
	// EmbeddedData then holds the physical (possibly compressed) bytes
	// and the DVAs, checksum and birth fields above are meaningless.
	Embedded     bool
	EmbeddedData []byte
}

// ParseBlockPointer decodes one on-disk blkptr_t. It rejects layouts
// this tool cannot use: big-endian pools, encrypted blocks, and hole
// pointers (no DVA and no embedded payload).
func ParseBlockPointer(data []byte) (*BlockPointer, error) {
	if len(data) < types.BlockPointerSize {
		return nil, fmt.Errorf("%w: block pointer needs %d bytes, have %d",
			types.ErrMalformedStructure, types.BlockPointerSize, len(data))
	}

	info := binary.LittleEndian.Uint64(data[infoOffset:])

	if info>>63 == 0 {
		return nil, fmt.Errorf("%w: big-endian block pointer", types.ErrMalformedStructure)
	}
	if info>>61&1 != 0 {
		return nil, fmt.Errorf("%w: encrypted block pointer", types.ErrMalformedStructure)
	}

	if info>>39&1 != 0 {
		return parseEmbedded(data, info)
	}

	bp := &BlockPointer{
		Level:             uint8(info >> 56 & 0x1F),
		Type:              types.ObjectType(info >> 48 & 0xFF),
		ChecksumMethod:    types.ChecksumMethod(info >> 40 & 0xFF),
		CompressionMethod: types.CompressionMethod(info >> 32 & 0x7F),
		Dedup:             info>>62&1 != 0,
		PhysicalSize:      (uint32(info>>16&0xFFFF) + 1) * types.SectorSize,
		LogicalSize:       (uint32(info&0xFFFF) + 1) * types.SectorSize,
		PhysicalBirthTxg:  binary.LittleEndian.Uint64(data[physBirthOffset:]),
		LogicalBirthTxg:   binary.LittleEndian.Uint64(data[birthOffset:]),
		FillCount:         binary.LittleEndian.Uint64(data[fillOffset:]),
	}

	if !bp.Type.Valid() || !bp.ChecksumMethod.Valid() || !bp.CompressionMethod.Valid() {
		return nil, fmt.Errorf("%w: block pointer field out of range (type=%d cksum=%d comp=%d)",
			types.ErrMalformedStructure, bp.Type, bp.ChecksumMethod, bp.CompressionMethod)
	}

	for i := range bp.DVAs {
		dva, err := ParseDVA(data[i*types.DVASize:])
		if err != nil {
			return nil, err
		}
		bp.DVAs[i] = dva
	}
	if bp.DVAs[0].IsNull() && bp.DVAs[1].IsNull() && bp.DVAs[2].IsNull() {
		return nil, fmt.Errorf("%w: hole block pointer", types.ErrMalformedStructure)
	}

	for i := range bp.Checksum {
		bp.Checksum[i] = binary.LittleEndian.Uint64(data[checksumOffset+i*8:])
	}

	return bp, nil
}

// parseEmbedded decodes a BP_EMBEDDED pointer. The payload occupies
// every word except the info word (48) and the birth word (80); sizes
// are stored in bytes rather than sectors.
func parseEmbedded(data []byte, info uint64) (*BlockPointer, error) {
	bp := &BlockPointer{
		Embedded:          true,
		Level:             uint8(info >> 56 & 0x1F),
		Type:              types.ObjectType(info >> 40 & 0xFF),
		CompressionMethod: types.CompressionMethod(info >> 32 & 0x7F),
		PhysicalSize:      uint32(info>>25&0x7F) + 1,
		LogicalSize:       uint32(info&0x1FFFFFF) + 1,
		LogicalBirthTxg:   binary.LittleEndian.Uint64(data[birthOffset:]),
	}

	if !bp.Type.Valid() || !bp.CompressionMethod.Valid() {
		return nil, fmt.Errorf("%w: embedded pointer field out of range (type=%d comp=%d)",
			types.ErrMalformedStructure, bp.Type, bp.CompressionMethod)
	}
	if bp.PhysicalSize > maxEmbeddedPayload {
		return nil, fmt.Errorf("%w: embedded payload of %d bytes exceeds capacity",
			types.ErrMalformedStructure, bp.PhysicalSize)
	}

	payload := make([]byte, 0, maxEmbeddedPayload)
	payload = append(payload, data[0:infoOffset]...)
	payload = append(payload, data[infoOffset+8:birthOffset]...)
	payload = append(payload, data[birthOffset+8:types.BlockPointerSize]...)
	bp.EmbeddedData = payload[:bp.PhysicalSize]

	return bp, nil
}

// ActiveDVAs returns the non-null DVAs in order.
func (bp *BlockPointer) ActiveDVAs() []DVA {
	var active []DVA
	for _, dva := range bp.DVAs {
		if !dva.IsNull() {
			active = append(active, dva)
		}
	}
	return active
}

func (bp *BlockPointer) String() string {
	if bp.Embedded {
		return fmt.Sprintf("embedded[%s L%d %s psize=%d lsize=%d]",
			bp.Type, bp.Level, bp.CompressionMethod, bp.PhysicalSize, bp.LogicalSize)
	}
	return fmt.Sprintf("bp[%s L%d %s/%s psize=%d lsize=%d birth=%d %s]",
		bp.Type, bp.Level, bp.ChecksumMethod, bp.CompressionMethod,
		bp.PhysicalSize, bp.LogicalSize, bp.LogicalBirthTxg, bp.DVAs[0])
}
