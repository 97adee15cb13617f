package services

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/deploymenttheory/go-zfs/internal/checksums"
	"github.com/deploymenttheory/go-zfs/internal/device"
	"github.com/deploymenttheory/go-zfs/internal/parsers/blockpointers"
	"github.com/deploymenttheory/go-zfs/internal/parsers/dnodes"
	"github.com/deploymenttheory/go-zfs/internal/parsers/objsets"
	"github.com/deploymenttheory/go-zfs/internal/recovery"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

// ScanConfig tunes the brute scan.
type ScanConfig struct {
	// WindowSizes are the candidate physical block sizes tried at each
	// sector boundary, in bytes.
	WindowSizes []uint64

	// Workers is the number of parallel range scanners.
	Workers int

	// ChunkSize is the read granularity per worker.
	ChunkSize uint64

	// Progress enables a progress bar on stderr.
	Progress bool

	// CheckpointPath, when set, persists scan progress there so an
	// interrupted scan can resume. CheckpointInterval controls how
	// often it is rewritten.
	CheckpointPath     string
	CheckpointInterval time.Duration
}

// DefaultScanConfig returns the scan parameters that cover the block
// sizes compressed pool metadata is actually written in: 1 KiB and
// 1.5 KiB for dnode and objset blocks, 4 KiB and 12 KiB for fuller
// metadata blocks, 128 KiB for uncompressible spans.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		WindowSizes:        []uint64{2 * 512, 3 * 512, 8 * 512, 24 * 512, 256 * 512},
		Workers:            4,
		ChunkSize:          16 << 20,
		CheckpointInterval: 30 * time.Second,
	}
}

// ScanStats counts what a scan saw.
type ScanStats struct {
	BytesScanned      uint64
	WindowsTried      uint64
	WindowsAccepted   uint64
	FragmentsInserted uint64
	Collisions        uint64
}

// Scanner performs the stage 1 brute scan: every 512-byte aligned
// window of each device is tried as an lz4-compressed metadata block
// and the survivors are decomposed into fragments.
type Scanner struct {
	set *recovery.Set
	log *logrus.Logger
	cfg ScanConfig
}

// NewScanner builds a scanner inserting into set.
func NewScanner(set *recovery.Set, log *logrus.Logger, cfg ScanConfig) *Scanner {
	if len(cfg.WindowSizes) == 0 {
		cfg.WindowSizes = DefaultScanConfig().WindowSizes
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultScanConfig().ChunkSize
	}
	return &Scanner{set: set, log: log, cfg: cfg}
}

// checkpoint is the persisted scan position: the next unscanned offset
// of each worker's range.
type checkpoint struct {
	VdevID  uint32   `json:"vdev_id"`
	Offsets []uint64 `json:"offsets"`
}

// ScanDevice scans one device's allocatable region. Image read errors
// abort the scan; malformed candidates are rejected silently.
func (s *Scanner) ScanDevice(ctx context.Context, dev device.Device, vdevID uint32) (*ScanStats, error) {
	total := dev.AllocatedSize()
	workers := s.cfg.Workers

	rangeSize := total / uint64(workers)
	rangeSize -= rangeSize % types.SectorSize

	offsets := make([]uint64, workers)
	starts := make([]uint64, workers)
	ends := make([]uint64, workers)
	for w := 0; w < workers; w++ {
		starts[w] = uint64(w) * rangeSize
		ends[w] = starts[w] + rangeSize
	}
	ends[workers-1] = total

	if cp := s.loadCheckpoint(vdevID, workers); cp != nil {
		copy(starts, cp.Offsets)
		s.log.WithFields(logrus.Fields{"vdev": vdevID, "path": s.cfg.CheckpointPath}).
			Info("resuming scan from checkpoint")
	}
	copy(offsets, starts)

	var bar *pb.ProgressBar
	if s.cfg.Progress {
		bar = pb.Full.Start64(int64(total))
		defer bar.Finish()
	}

	stats := &ScanStats{}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)

	// The checkpoint writer runs outside the errgroup: it has no
	// failure mode of its own and must not keep Wait from returning
	// once the workers are done.
	var checkpointStop chan struct{}
	if s.cfg.CheckpointPath != "" {
		checkpointStop = make(chan struct{})
		go func() {
			ticker := time.NewTicker(s.cfg.CheckpointInterval)
			defer ticker.Stop()
			for {
				select {
				case <-checkpointStop:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.saveCheckpoint(vdevID, offsets)
				}
			}
		}()
	}

	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			local, err := s.scanRange(ctx, dev, vdevID, starts[w], ends[w], &offsets[w], bar)
			if err != nil {
				return err
			}
			mu.Lock()
			stats.BytesScanned += local.BytesScanned
			stats.WindowsTried += local.WindowsTried
			stats.WindowsAccepted += local.WindowsAccepted
			stats.FragmentsInserted += local.FragmentsInserted
			stats.Collisions += local.Collisions
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if checkpointStop != nil {
		close(checkpointStop)
	}
	if err != nil {
		s.saveCheckpoint(vdevID, offsets)
		return stats, err
	}
	if s.cfg.CheckpointPath != "" {
		os.Remove(s.cfg.CheckpointPath)
	}
	return stats, nil
}

// scanRange walks [start, end) in chunks, sliding a window over every
// sector boundary. progress (when non-nil) and *offset are updated as
// the range advances.
func (s *Scanner) scanRange(ctx context.Context, dev device.Device, vdevID uint32, start, end uint64,
	offset *uint64, bar *pb.ProgressBar) (*ScanStats, error) {
	stats := &ScanStats{}
	maxWindow := s.cfg.WindowSizes[0]
	for _, w := range s.cfg.WindowSizes {
		if w > maxWindow {
			maxWindow = w
		}
	}

	for chunkStart := start; chunkStart < end; chunkStart += s.cfg.ChunkSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		chunkEnd := chunkStart + s.cfg.ChunkSize
		if chunkEnd > end {
			chunkEnd = end
		}
		// Overlap so windows straddling the chunk boundary are seen.
		readEnd := chunkEnd + maxWindow - types.SectorSize
		if readEnd > dev.AllocatedSize() {
			readEnd = dev.AllocatedSize()
		}

		buf, err := dev.Read(chunkStart, readEnd-chunkStart)
		if err != nil {
			return stats, err
		}

		for off := chunkStart; off < chunkEnd; off += types.SectorSize {
			for _, size := range s.cfg.WindowSizes {
				rel := off - chunkStart
				if rel+size > uint64(len(buf)) {
					continue
				}
				stats.WindowsTried++
				s.tryWindow(buf[rel:rel+size], vdevID, off, stats)
			}
			atomic.StoreUint64(offset, off+types.SectorSize)
		}

		stats.BytesScanned += chunkEnd - chunkStart
		if bar != nil {
			bar.Add64(int64(chunkEnd - chunkStart))
		}
	}
	return stats, nil
}

// tryWindow classifies one candidate window and inserts the fragments
// it decomposes into; vdev-relative offset is recorded as the
// fragment's location.
func (s *Scanner) tryWindow(raw []byte, vdevID uint32, offset uint64, stats *ScanStats) {
	decoded, ok := decompressCandidate(raw)
	if !ok {
		return
	}

	switch classify(decoded) {
	case classObjset:
		os, err := objsets.ParseObjset(decoded)
		if err != nil {
			return
		}
		stats.WindowsAccepted++
		s.insert(stats, &recovery.Fragment{
			Hash:     checksums.Fletcher4(raw),
			Kind:     recovery.KindObjsetDNode,
			Location: recovery.Location{VdevID: vdevID, Offset: offset, Size: uint64(len(raw))},
			Raw:      append([]byte(nil), raw...),
			Decoded:  decoded,
			Objset:   os,
		})

	case classDNodeBlock:
		stats.WindowsAccepted++
		for pos := 0; pos+types.DNodeSlotSize <= len(decoded); {
			dn, err := dnodes.ParseDNode(decoded[pos:])
			if err != nil {
				pos += types.DNodeSlotSize
				continue
			}
			kind, ok := dnodeKind(dn.Type)
			size := dn.SlotCount() * types.DNodeSlotSize
			if ok {
				slot := append([]byte(nil), decoded[pos:pos+size]...)
				s.insert(stats, &recovery.Fragment{
					Hash:     checksums.Fletcher4(slot),
					Kind:     kind,
					Location: recovery.Location{VdevID: vdevID, Offset: offset, Size: uint64(len(raw))},
					Raw:      slot,
					DNode:    dn,
				})
			}
			pos += size
		}

	case classIndirect:
		stats.WindowsAccepted++
		s.insert(stats, &recovery.Fragment{
			Hash:     checksums.Fletcher4(raw),
			Kind:     recovery.KindIndirectBlock,
			Location: recovery.Location{VdevID: vdevID, Offset: offset, Size: uint64(len(raw))},
			Raw:      append([]byte(nil), raw...),
			Decoded:  decoded,
		})
	}
}

func (s *Scanner) insert(stats *ScanStats, f *recovery.Fragment) {
	_, added, err := s.set.Insert(f)
	if err != nil {
		stats.Collisions++
		s.log.WithFields(logrus.Fields{"hash": f.Hash.Short(), "location": f.Location.String()}).
			Warn("refusing hash-colliding fragment")
		return
	}
	if added {
		stats.FragmentsInserted++
	}
}

func (s *Scanner) loadCheckpoint(vdevID uint32, workers int) *checkpoint {
	if s.cfg.CheckpointPath == "" {
		return nil
	}
	data, err := os.ReadFile(s.cfg.CheckpointPath)
	if err != nil {
		return nil
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil || cp.VdevID != vdevID || len(cp.Offsets) != workers {
		return nil
	}
	return &cp
}

func (s *Scanner) saveCheckpoint(vdevID uint32, offsets []uint64) {
	if s.cfg.CheckpointPath == "" {
		return
	}
	snapshot := make([]uint64, len(offsets))
	for i := range offsets {
		snapshot[i] = atomic.LoadUint64(&offsets[i])
	}
	data, err := json.Marshal(checkpoint{VdevID: vdevID, Offsets: snapshot})
	if err != nil {
		return
	}
	if err := os.WriteFile(s.cfg.CheckpointPath, data, 0o644); err != nil {
		s.log.WithError(err).Warn("writing scan checkpoint failed")
	}
}

// candidateClass is the coarse shape of a decompressed window.
type candidateClass int

const (
	classNone candidateClass = iota
	classObjset
	classDNodeBlock
	classIndirect
)

// decompressCandidate attempts the lz4 framing every compressed
// metadata block uses. The logical size is unknown during scanning, so
// whatever length the stream inflates to is accepted if it is
// sector-aligned.
func decompressCandidate(raw []byte) ([]byte, bool) {
	if len(raw) < 8 {
		return nil, false
	}
	compLen := int(uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3]))
	if compLen <= 0 || compLen > len(raw)-4 {
		return nil, false
	}

	out := make([]byte, types.MaxLogicalBlockSize)
	n, err := lz4.UncompressBlock(raw[4:4+compLen], out)
	if err != nil || n == 0 || n%types.SectorSize != 0 {
		return nil, false
	}
	return out[:n], true
}

// classify is the pure stage 1 filter: it decides what a decompressed
// window is without consulting any state beyond the bytes themselves.
func classify(decoded []byte) candidateClass {
	if len(decoded) >= types.ObjsetPhysSize {
		if _, err := objsets.ParseObjset(decoded); err == nil {
			return classObjset
		}
	}
	if isDNodeBlock(decoded) {
		return classDNodeBlock
	}
	if isIndirectBlock(decoded) {
		return classIndirect
	}
	return classNone
}

// isDNodeBlock reports whether the bytes read as a run of dnode slots:
// every slot is either empty or begins a parseable dnode, and at least
// one dnode with a usable block pointer is present.
func isDNodeBlock(decoded []byte) bool {
	if len(decoded)%types.DNodeSlotSize != 0 {
		return false
	}
	valid := 0
	for pos := 0; pos+types.DNodeSlotSize <= len(decoded); {
		slot := decoded[pos : pos+types.DNodeSlotSize]
		if isZeroBytes(slot) {
			pos += types.DNodeSlotSize
			continue
		}
		dn, err := dnodes.ParseDNode(decoded[pos:])
		if err != nil {
			return false
		}
		if len(dn.BlockPointers) > 0 {
			valid++
		}
		pos += dn.SlotCount() * types.DNodeSlotSize
	}
	return valid > 0
}

// isIndirectBlock reports whether the bytes read as an array of block
// pointers: every 128-byte entry is either empty or a parseable
// pointer, and at least one pointer is present.
func isIndirectBlock(decoded []byte) bool {
	if len(decoded)%types.BlockPointerSize != 0 {
		return false
	}
	valid := 0
	for pos := 0; pos+types.BlockPointerSize <= len(decoded); pos += types.BlockPointerSize {
		entry := decoded[pos : pos+types.BlockPointerSize]
		if isZeroBytes(entry) {
			continue
		}
		if _, err := blockpointers.ParseBlockPointer(entry); err != nil {
			return false
		}
		valid++
	}
	return valid > 0
}

func isZeroBytes(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// dnodeKind maps a dnode's object type to the fragment kind the scan
// keeps. Only file and directory objects are interesting as scan
// roots; everything else is reached through objset expansion.
func dnodeKind(t types.ObjectType) (recovery.Kind, bool) {
	switch t {
	case types.ObjectTypePlainFileContents:
		return recovery.KindFileDNode, true
	case types.ObjectTypeDirectoryContents, types.ObjectTypeMasterNode:
		return recovery.KindDirectoryDNode, true
	}
	return 0, false
}
