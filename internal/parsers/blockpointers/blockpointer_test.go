package blockpointers

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-zfs/internal/checksums"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

// buildTestBP assembles an on-disk blkptr_t for a single DVA.
func buildTestBP(t *testing.T, vdev uint32, offsetSectors uint64, asizeSectors uint32,
	psize, lsize uint32, objType types.ObjectType, level uint8,
	cksumMethod types.ChecksumMethod, compMethod types.CompressionMethod,
	digest checksums.Digest) []byte {
	t.Helper()
	require.Zero(t, psize%types.SectorSize)
	require.Zero(t, lsize%types.SectorSize)

	raw := make([]byte, types.BlockPointerSize)
	binary.LittleEndian.PutUint64(raw[0:], uint64(vdev)<<32|uint64(asizeSectors))
	binary.LittleEndian.PutUint64(raw[8:], offsetSectors)

	info := uint64(1) << 63
	info |= uint64(level&0x1F) << 56
	info |= uint64(objType) << 48
	info |= uint64(cksumMethod) << 40
	info |= uint64(compMethod) << 32
	info |= uint64(psize/types.SectorSize - 1) << 16
	info |= uint64(lsize/types.SectorSize - 1)
	binary.LittleEndian.PutUint64(raw[48:], info)

	binary.LittleEndian.PutUint64(raw[80:], 1234) // birth txg
	binary.LittleEndian.PutUint64(raw[88:], 1)    // fill
	for i, w := range digest {
		binary.LittleEndian.PutUint64(raw[96+i*8:], w)
	}
	return raw
}

func TestParseDVA(t *testing.T) {
	raw := make([]byte, types.DVASize)
	binary.LittleEndian.PutUint64(raw[0:], uint64(2)<<32|8) // vdev 2, asize 8 sectors
	binary.LittleEndian.PutUint64(raw[8:], 1<<63|0x1000)    // gang, offset 0x1000 sectors

	dva, err := ParseDVA(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), dva.VdevID)
	assert.Equal(t, uint32(8), dva.AllocatedSectors)
	assert.Equal(t, uint64(0x1000), dva.OffsetSectors)
	assert.True(t, dva.IsGang)
	assert.Equal(t, uint64(0x1000*types.SectorSize+types.DeviceFrontReservation), dva.ByteOffset())
	assert.Equal(t, uint64(8*types.SectorSize), dva.AllocatedBytes())
	assert.False(t, dva.IsNull())
}

func TestParseDVATooShort(t *testing.T) {
	_, err := ParseDVA(make([]byte, 8))
	assert.ErrorIs(t, err, types.ErrMalformedStructure)
}

func TestParseBlockPointer(t *testing.T) {
	digest := checksums.Digest{0x11, 0x22, 0x33, 0x44}
	raw := buildTestBP(t, 0, 0x2000, 2, 1024, 4096, types.ObjectTypeDNode, 0,
		types.ChecksumFletcher4, types.CompressionLZ4, digest)

	bp, err := ParseBlockPointer(raw)
	require.NoError(t, err)
	assert.Equal(t, types.ObjectTypeDNode, bp.Type)
	assert.Equal(t, uint8(0), bp.Level)
	assert.Equal(t, types.ChecksumFletcher4, bp.ChecksumMethod)
	assert.Equal(t, types.CompressionLZ4, bp.CompressionMethod)
	assert.Equal(t, uint32(1024), bp.PhysicalSize)
	assert.Equal(t, uint32(4096), bp.LogicalSize)
	assert.Equal(t, uint64(1234), bp.LogicalBirthTxg)
	assert.Equal(t, digest, bp.Checksum)
	assert.False(t, bp.Embedded)

	active := bp.ActiveDVAs()
	require.Len(t, active, 1)
	assert.Equal(t, uint64(0x2000), active[0].OffsetSectors)
}

func TestParseBlockPointerRejections(t *testing.T) {
	valid := buildTestBP(t, 0, 0x2000, 2, 1024, 4096, types.ObjectTypeDNode, 0,
		types.ChecksumFletcher4, types.CompressionLZ4, checksums.Digest{1})

	tests := []struct {
		name   string
		mutate func([]byte)
	}{
		{
			name: "big endian",
			mutate: func(raw []byte) {
				info := binary.LittleEndian.Uint64(raw[48:])
				binary.LittleEndian.PutUint64(raw[48:], info&^(uint64(1)<<63))
			},
		},
		{
			name: "encrypted",
			mutate: func(raw []byte) {
				info := binary.LittleEndian.Uint64(raw[48:])
				binary.LittleEndian.PutUint64(raw[48:], info|uint64(1)<<61)
			},
		},
		{
			name: "invalid object type",
			mutate: func(raw []byte) {
				info := binary.LittleEndian.Uint64(raw[48:])
				binary.LittleEndian.PutUint64(raw[48:], info|uint64(0xC8)<<48)
			},
		},
		{
			name: "hole pointer",
			mutate: func(raw []byte) {
				for i := 0; i < 48; i++ {
					raw[i] = 0
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := append([]byte(nil), valid...)
			tt.mutate(raw)
			_, err := ParseBlockPointer(raw)
			assert.ErrorIs(t, err, types.ErrMalformedStructure)
		})
	}
}

func TestParseEmbeddedBlockPointer(t *testing.T) {
	payload := []byte("inline directory payload bytes, short enough to embed")

	raw := make([]byte, types.BlockPointerSize)
	info := uint64(1) << 63
	info |= uint64(1) << 39
	info |= uint64(types.ObjectTypeDirectoryContents) << 40
	info |= uint64(types.CompressionOff) << 32
	info |= uint64(len(payload)-1) << 25
	info |= uint64(len(payload) - 1)
	binary.LittleEndian.PutUint64(raw[48:], info)
	binary.LittleEndian.PutUint64(raw[80:], 77)

	// Payload spans the dva area, the pad words and the tail words.
	copy(raw[0:48], payload[:48])
	copy(raw[56:], payload[48:])

	bp, err := ParseBlockPointer(raw)
	require.NoError(t, err)
	assert.True(t, bp.Embedded)
	assert.Equal(t, types.ObjectTypeDirectoryContents, bp.Type)
	assert.Equal(t, uint32(len(payload)), bp.PhysicalSize)
	assert.Equal(t, uint32(len(payload)), bp.LogicalSize)
	assert.Equal(t, uint64(77), bp.LogicalBirthTxg)
	assert.Equal(t, payload, bp.EmbeddedData)
}

func TestParseGangHeader(t *testing.T) {
	inner := buildTestBP(t, 0, 0x4000, 1, 512, 512, types.ObjectTypePlainFileContents, 0,
		types.ChecksumFletcher4, types.CompressionOff, checksums.Digest{9})

	raw := make([]byte, types.GangHeaderSize)
	copy(raw, inner)
	binary.LittleEndian.PutUint64(raw[gangTailOffset:], types.GangHeaderMagic)

	gh, err := ParseGangHeader(raw)
	require.NoError(t, err)
	require.Len(t, gh.BlockPointers, 1)
	assert.Equal(t, uint32(512), gh.BlockPointers[0].PhysicalSize)
}

func TestParseGangHeaderBadMagic(t *testing.T) {
	raw := make([]byte, types.GangHeaderSize)
	_, err := ParseGangHeader(raw)
	assert.ErrorIs(t, err, types.ErrMalformedStructure)
}
