package services

import (
	"encoding/binary"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-zfs/internal/checksums"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// lz4Frame compresses logical bytes into the on-disk framing: a
// big-endian compressed length followed by one raw lz4 block.
func lz4Frame(t *testing.T, logical []byte) []byte {
	t.Helper()
	buf := make([]byte, lz4.CompressBlockBound(len(logical)))
	var c lz4.Compressor
	n, err := c.CompressBlock(logical, buf)
	require.NoError(t, err)
	require.NotZero(t, n, "test payload must be compressible")

	out := make([]byte, 4+n)
	binary.BigEndian.PutUint32(out, uint32(n))
	copy(out[4:], buf[:n])
	return out
}

// bpParams describes a block pointer for rawBP.
type bpParams struct {
	offsetSectors uint64
	asizeSectors  uint32
	psize         uint32
	lsize         uint32
	objType       types.ObjectType
	level         uint8
	comp          types.CompressionMethod
	checksum      checksums.Digest
	gang          bool

	// secondOffsetSectors, when non-zero, adds a second copy.
	secondOffsetSectors uint64
}

// rawBP assembles an on-disk blkptr_t with a fletcher4 checksum
// declaration.
func rawBP(p bpParams) []byte {
	raw := make([]byte, types.BlockPointerSize)
	binary.LittleEndian.PutUint64(raw[0:], uint64(p.asizeSectors))
	word1 := p.offsetSectors
	if p.gang {
		word1 |= 1 << 63
	}
	binary.LittleEndian.PutUint64(raw[8:], word1)
	if p.secondOffsetSectors != 0 {
		binary.LittleEndian.PutUint64(raw[16:], uint64(p.asizeSectors))
		binary.LittleEndian.PutUint64(raw[24:], p.secondOffsetSectors)
	}

	info := uint64(1) << 63
	info |= uint64(p.level&0x1F) << 56
	info |= uint64(p.objType) << 48
	info |= uint64(types.ChecksumFletcher4) << 40
	info |= uint64(p.comp) << 32
	info |= uint64(p.psize/types.SectorSize - 1) << 16
	info |= uint64(p.lsize/types.SectorSize - 1)
	binary.LittleEndian.PutUint64(raw[48:], info)

	binary.LittleEndian.PutUint64(raw[80:], 42) // birth
	binary.LittleEndian.PutUint64(raw[88:], 1)  // fill
	for i, w := range p.checksum {
		binary.LittleEndian.PutUint64(raw[96+i*8:], w)
	}
	return raw
}

// rawFileDNode assembles a plain-file dnode slot with one block
// pointer and a znode bonus declaring fileSize.
func rawFileDNode(bp []byte, dataBlockSize uint32, maxBlockID, fileSize uint64) []byte {
	raw := make([]byte, types.DNodeSlotSize)
	raw[0] = byte(types.ObjectTypePlainFileContents)
	raw[1] = 14 // 16 KiB indirect blocks
	raw[2] = 1  // levels
	raw[3] = 1  // nblkptr
	raw[4] = byte(types.BonusTypeZNode)
	raw[5] = byte(types.ChecksumFletcher4)
	raw[6] = byte(types.CompressionOff)
	binary.LittleEndian.PutUint16(raw[8:], uint16(dataBlockSize/types.SectorSize))
	binary.LittleEndian.PutUint16(raw[10:], 264) // znode bonus
	binary.LittleEndian.PutUint64(raw[16:], maxBlockID)

	copy(raw[types.DNodeCoreSize:], bp)

	bonus := raw[types.DNodeCoreSize+types.BlockPointerSize:]
	binary.LittleEndian.PutUint64(bonus[72:], 0o100644) // mode
	binary.LittleEndian.PutUint64(bonus[80:], fileSize)
	binary.LittleEndian.PutUint64(bonus[96:], 1) // links
	return raw
}

// testImageBuffer allocates a full device image with empty label
// reservations and the given allocatable size.
func testImageBuffer(allocSize uint64) []byte {
	return make([]byte, types.DeviceFrontReservation+allocSize+types.DeviceTailReservation)
}

// placeAlloc copies data into the image at an allocatable-region
// offset.
func placeAlloc(img []byte, offset uint64, data []byte) {
	copy(img[types.DeviceFrontReservation+offset:], data)
}
