// Package services implements the recovery pipeline on top of the
// parsers: block resolution, brute scanning, graph building, root
// expansion and reporting.
package services

import (
	"fmt"
	"sync"

	"github.com/deploymenttheory/go-zfs/internal/checksums"
	"github.com/deploymenttheory/go-zfs/internal/compression"
	"github.com/deploymenttheory/go-zfs/internal/device"
	"github.com/deploymenttheory/go-zfs/internal/parsers/blockpointers"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

// defaultCacheLimit bounds the number of decoded blocks the resolver
// retains; expansion revisits shared metadata blocks often enough that
// a modest cache pays for itself.
const defaultCacheLimit = 4096

// Resolver reads and verifies the blocks referenced by block
// pointers: DVA address translation, redundant-copy fallback, gang
// reassembly, checksum verification and decompression.
type Resolver struct {
	devices *device.Set

	mu    sync.RWMutex
	cache map[checksums.Digest][]byte
	limit int
}

// NewResolver builds a resolver over a device set.
func NewResolver(devices *device.Set) *Resolver {
	return &Resolver{
		devices: devices,
		cache:   map[checksums.Digest][]byte{},
		limit:   defaultCacheLimit,
	}
}

// ReadDVA returns length raw bytes at the DVA's target, unverified.
func (r *Resolver) ReadDVA(dva blockpointers.DVA, length uint64) ([]byte, error) {
	dev, err := r.devices.Device(dva.VdevID)
	if err != nil {
		return nil, err
	}
	return dev.Read(dva.OffsetSectors*types.SectorSize, length)
}

// Dereference resolves a block pointer to its logical bytes: embedded
// payloads are decompressed in place; otherwise each DVA is tried in
// turn, the stored bytes are verified against the pointer's checksum
// and then decompressed to the declared logical size.
func (r *Resolver) Dereference(bp *blockpointers.BlockPointer) ([]byte, error) {
	if bp.Embedded {
		return compression.Decompress(bp.EmbeddedData, int(bp.LogicalSize), bp.CompressionMethod)
	}

	if cached, ok := r.cached(bp.Checksum); ok {
		return cached, nil
	}

	physical, err := r.Physical(bp)
	if err != nil {
		return nil, err
	}

	logical, err := compression.Decompress(physical, int(bp.LogicalSize), bp.CompressionMethod)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", bp.Checksum.Short(), err)
	}

	r.store(bp.Checksum, logical)
	return logical, nil
}

// Physical returns the verified physical (pre-decompression) bytes of
// a non-embedded block pointer, trying each redundant copy until one
// checks out.
func (r *Resolver) Physical(bp *blockpointers.BlockPointer) ([]byte, error) {
	if bp.Embedded {
		return append([]byte(nil), bp.EmbeddedData...), nil
	}

	var lastErr error
	for _, dva := range bp.ActiveDVAs() {
		physical, err := r.readCopy(bp, dva)
		if err != nil {
			lastErr = err
			continue
		}
		return physical, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: block pointer without usable copies", types.ErrMalformedStructure)
	}
	return nil, lastErr
}

// readCopy reads one DVA's copy of the block and verifies it. Gang
// targets are reassembled from their constituents, each of which is
// verified through its own pointer.
func (r *Resolver) readCopy(bp *blockpointers.BlockPointer, dva blockpointers.DVA) ([]byte, error) {
	if dva.IsGang {
		return r.readGang(dva, uint64(bp.PhysicalSize))
	}

	physical, err := r.ReadDVA(dva, uint64(bp.PhysicalSize))
	if err != nil {
		return nil, err
	}

	computed, err := checksums.Checksum(physical, bp.ChecksumMethod)
	if err != nil {
		return nil, err
	}
	if computed != bp.Checksum {
		return nil, fmt.Errorf("%w: copy at %s computed %s, expected %s",
			types.ErrChecksumMismatch, dva, computed.Short(), bp.Checksum.Short())
	}
	return physical, nil
}

// readGang reads a gang header at the DVA and concatenates its
// verified constituents into the block's physical bytes.
func (r *Resolver) readGang(dva blockpointers.DVA, psize uint64) ([]byte, error) {
	raw, err := r.ReadDVA(dva, types.GangHeaderSize)
	if err != nil {
		return nil, err
	}
	gh, err := blockpointers.ParseGangHeader(raw)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, psize)
	for _, constituent := range gh.BlockPointers {
		part, err := r.Physical(constituent)
		if err != nil {
			return nil, fmt.Errorf("gang constituent: %w", err)
		}
		out = append(out, part...)
	}
	if uint64(len(out)) < psize {
		return nil, fmt.Errorf("%w: gang yielded %d of %d bytes", types.ErrMalformedStructure, len(out), psize)
	}
	return out[:psize], nil
}

func (r *Resolver) cached(key checksums.Digest) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.cache[key]
	return v, ok
}

func (r *Resolver) store(key checksums.Digest, value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cache) >= r.limit {
		// Full reset beats tracking recency during a linear scan.
		r.cache = map[checksums.Digest][]byte{}
	}
	r.cache[key] = value
}
