package blockpointers

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-zfs/internal/types"
)

// gangTailOffset is where the zio_eck_t trailer starts inside a gang
// header: magic word then an embedded checksum.
const gangTailOffset = types.GangHeaderSize - 40

// GangHeader is a decoded zio_gbh_phys_t: a 512-byte header whose
// block pointers together make up one logical block that could not be
// allocated contiguously.
type GangHeader struct {
	BlockPointers []*BlockPointer
}

// ParseGangHeader decodes a gang header and returns its constituent
// block pointers in order. Unused trailing pointer slots are omitted.
func ParseGangHeader(data []byte) (*GangHeader, error) {
	if len(data) < types.GangHeaderSize {
		return nil, fmt.Errorf("%w: gang header needs %d bytes, have %d",
			types.ErrMalformedStructure, types.GangHeaderSize, len(data))
	}

	if magic := binary.LittleEndian.Uint64(data[gangTailOffset:]); magic != types.GangHeaderMagic {
		return nil, fmt.Errorf("%w: gang header magic %#x", types.ErrMalformedStructure, magic)
	}

	gh := &GangHeader{}
	for i := 0; i < types.MaxDVAsPerBlockPointer; i++ {
		raw := data[i*types.BlockPointerSize : (i+1)*types.BlockPointerSize]
		if isZero(raw) {
			continue
		}
		bp, err := ParseBlockPointer(raw)
		if err != nil {
			return nil, fmt.Errorf("gang constituent %d: %w", i, err)
		}
		gh.BlockPointers = append(gh.BlockPointers, bp)
	}
	if len(gh.BlockPointers) == 0 {
		return nil, fmt.Errorf("%w: gang header with no constituents", types.ErrMalformedStructure)
	}
	return gh, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
