// Package labels decodes vdev labels: the XDR nvlist describing the
// pool and the ring of uberblocks pointing at recent meta object set
// roots.
package labels

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-zfs/internal/parsers/blockpointers"
	"github.com/deploymenttheory/go-zfs/internal/parsers/nvlist"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

// Uberblock field offsets.
const (
	ubVersionOffset       = 8
	ubTxgOffset           = 16
	ubGuidSumOffset       = 24
	ubTimestampOffset     = 32
	ubRootBPOffset        = 40
	ubSoftwareVersion     = 168
	ubCheckpointTxgOffset = 200

	// minUberblockSize is the smallest uberblock ring slot; pools with
	// larger ashift use one slot per 1<<ashift bytes.
	minUberblockSize = 1024
)

// Uberblock is a decoded uberblock_t. RootBP references the meta
// object set as of Txg; it is nil when the slot's pointer is a hole or
// unparseable.
type Uberblock struct {
	Version         uint64
	Txg             uint64
	GuidSum         uint64
	Timestamp       uint64
	SoftwareVersion uint64
	CheckpointTxg   uint64
	RootBP          *blockpointers.BlockPointer
}

// ParseUberblock decodes one uberblock ring slot.
func ParseUberblock(data []byte) (*Uberblock, error) {
	if len(data) < minUberblockSize {
		return nil, fmt.Errorf("%w: uberblock needs %d bytes, have %d",
			types.ErrMalformedStructure, minUberblockSize, len(data))
	}
	if magic := binary.LittleEndian.Uint64(data); magic != types.UberblockMagic {
		return nil, fmt.Errorf("%w: uberblock magic %#x", types.ErrMalformedStructure, magic)
	}

	ub := &Uberblock{
		Version:         binary.LittleEndian.Uint64(data[ubVersionOffset:]),
		Txg:             binary.LittleEndian.Uint64(data[ubTxgOffset:]),
		GuidSum:         binary.LittleEndian.Uint64(data[ubGuidSumOffset:]),
		Timestamp:       binary.LittleEndian.Uint64(data[ubTimestampOffset:]),
		SoftwareVersion: binary.LittleEndian.Uint64(data[ubSoftwareVersion:]),
		CheckpointTxg:   binary.LittleEndian.Uint64(data[ubCheckpointTxgOffset:]),
	}
	if bp, err := blockpointers.ParseBlockPointer(data[ubRootBPOffset:]); err == nil {
		ub.RootBP = bp
	}
	return ub, nil
}

// Label is one decoded vdev label.
type Label struct {
	// Config is the pool configuration nvlist; nil when the nvlist
	// region is unparseable.
	Config nvlist.List

	// Uberblocks holds every slot of the ring that carried a valid
	// magic, in ring order.
	Uberblocks []*Uberblock
}

// ParseLabel decodes one 256 KiB label. ashift sets the uberblock ring
// slot size; pass 0 when unknown to use the minimum.
func ParseLabel(data []byte, ashift uint) (*Label, error) {
	if len(data) < types.LabelSize {
		return nil, fmt.Errorf("%w: label needs %d bytes, have %d",
			types.ErrMalformedStructure, types.LabelSize, len(data))
	}

	l := &Label{}
	if cfg, err := nvlist.Parse(data[types.LabelNVPairsOffset:types.LabelUberblocksOffset]); err == nil {
		l.Config = cfg
	}

	slot := 1 << ashift
	if slot < minUberblockSize {
		slot = minUberblockSize
	}
	ring := data[types.LabelUberblocksOffset:types.LabelSize]
	for off := 0; off+slot <= len(ring); off += slot {
		ub, err := ParseUberblock(ring[off : off+slot])
		if err != nil {
			continue
		}
		l.Uberblocks = append(l.Uberblocks, ub)
	}
	return l, nil
}

// Ashift returns the pool's ashift from the label's vdev tree.
func (l *Label) Ashift() (uint, bool) {
	if l.Config == nil {
		return 0, false
	}
	tree, ok := l.Config.List("vdev_tree")
	if !ok {
		return 0, false
	}
	v, ok := tree.Uint64("ashift")
	return uint(v), ok
}

// PoolName returns the pool's name from the label config.
func (l *Label) PoolName() (string, bool) {
	if l.Config == nil {
		return "", false
	}
	return l.Config.String("name")
}

// BestUberblock returns the active uberblock: highest txg, ties broken
// by timestamp, considering only slots with a usable root pointer.
func BestUberblock(labels ...*Label) *Uberblock {
	var best *Uberblock
	for _, l := range labels {
		if l == nil {
			continue
		}
		for _, ub := range l.Uberblocks {
			if ub.RootBP == nil {
				continue
			}
			if best == nil || ub.Txg > best.Txg ||
				(ub.Txg == best.Txg && ub.Timestamp > best.Timestamp) {
				best = ub
			}
		}
	}
	return best
}
