package services

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/deploymenttheory/go-zfs/internal/checksums"
	"github.com/deploymenttheory/go-zfs/internal/parsers/blockpointers"
	"github.com/deploymenttheory/go-zfs/internal/parsers/dnodes"
	"github.com/deploymenttheory/go-zfs/internal/parsers/objsets"
	"github.com/deploymenttheory/go-zfs/internal/parsers/zap"
	"github.com/deploymenttheory/go-zfs/internal/recovery"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

// ExpandStats counts the outcome of root expansion.
type ExpandStats struct {
	RootsExpanded      int
	BlocksMaterialized int
	Unrecoverable      int
	FragmentsInserted  int
	Collisions         int
}

// Expander is stage 3: for every scanned metadata fragment it follows
// the block pointers into the image, materializes the referenced
// blocks as new fragments under their pointer checksums, and
// assembles composite content. Expansion only ever adds fragments, so
// rebuilding the graph afterwards resolves references stage 2 could
// not.
type Expander struct {
	set      *recovery.Set
	resolver *Resolver
	log      *logrus.Logger
	workers  int

	mu sync.Mutex
	// composites maps a file or directory dnode fragment to its
	// assembled content fragment.
	composites map[checksums.Digest]checksums.Digest
	stats      ExpandStats
}

// NewExpander builds an expander inserting into set through resolver.
func NewExpander(set *recovery.Set, resolver *Resolver, log *logrus.Logger, workers int) *Expander {
	if workers < 1 {
		workers = 1
	}
	return &Expander{
		set:        set,
		resolver:   resolver,
		log:        log,
		workers:    workers,
		composites: map[checksums.Digest]checksums.Digest{},
	}
}

// CompositeFor returns the assembled content fragment of a dnode
// fragment, when expansion produced one.
func (e *Expander) CompositeFor(dnodeHash checksums.Digest) (checksums.Digest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.composites[dnodeHash]
	return h, ok
}

// ExpandAll expands every metadata fragment present in the snapshot
// taken at entry. Fragments added by the expansion itself are not
// re-expanded; they are already fully materialized.
func (e *Expander) ExpandAll(ctx context.Context) (ExpandStats, error) {
	snapshot := e.set.Snapshot()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, f := range snapshot {
		f := f
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			switch f.Kind {
			case recovery.KindFileDNode, recovery.KindDirectoryDNode:
				e.expandDNode(f)
			case recovery.KindObjsetDNode:
				e.expandObjset(f)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return e.snapshotStats(), err
	}
	return e.snapshotStats(), nil
}

func (e *Expander) snapshotStats() ExpandStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Expander) count(update func(*ExpandStats)) {
	e.mu.Lock()
	update(&e.stats)
	e.mu.Unlock()
}

// expandDNode materializes a file or directory dnode's block tree and
// assembles its content composite.
func (e *Expander) expandDNode(f *recovery.Fragment) {
	if f.DNode == nil {
		return
	}
	blocks := e.materializeTree(f.DNode)
	if len(blocks) == 0 {
		return
	}
	e.assembleContent(f, blocks)
	e.count(func(s *ExpandStats) { s.RootsExpanded++ })
}

// assembleContent builds the logical byte stream of a dnode in block
// order, zero-filling blocks that could not be recovered, and inserts
// it as a content fragment referencing its recovered constituents.
func (e *Expander) assembleContent(f *recovery.Fragment, blocks map[uint64]materialized) {
	dn := f.DNode
	blockSize := uint64(dn.DataBlockSize)

	var maxID uint64
	for id := range blocks {
		if id > maxID {
			maxID = id
		}
	}
	if dn.MaxBlockID > maxID && dn.MaxBlockID-maxID < 1<<20 {
		maxID = dn.MaxBlockID
	}

	content := make([]byte, 0, (maxID+1)*blockSize)
	var refs []checksums.Digest
	for id := uint64(0); id <= maxID; id++ {
		b, ok := blocks[id]
		if !ok {
			content = append(content, make([]byte, blockSize)...)
			continue
		}
		content = append(content, b.logical...)
		// Embedded blocks carry their payload in the pointer itself and
		// have no checksum, so there is no fragment to reference.
		if !b.hash.IsZero() {
			refs = append(refs, b.hash)
		}
	}

	// A znode bonus gives the exact file length; without it the
	// block-aligned length stands.
	if zn, err := dn.ZNodeBonus(); err == nil && zn.Size < uint64(len(content)) {
		content = content[:zn.Size]
	}

	composite := &recovery.Fragment{
		Hash:     checksums.Fletcher4(content),
		Kind:     recovery.KindFileContent,
		Location: f.Location,
		Raw:      content,
		Refs:     refs,
	}
	canonical := e.insert(composite)

	e.mu.Lock()
	e.composites[f.Hash] = canonical.Hash
	e.mu.Unlock()
	e.addRefs(f, canonical.Hash)
}

// expandObjset materializes an objset's meta-dnode, registers every
// contained dnode as a fragment indexed by object number, and resolves
// directory entries within the set to their child objects.
func (e *Expander) expandObjset(f *recovery.Fragment) {
	if f.Objset == nil {
		return
	}
	blocks := e.materializeTree(f.Objset.MetaDNode)
	if len(blocks) == 0 {
		return
	}

	perBlock := f.Objset.DNodesPerBlock()
	index := map[uint64]*recovery.Fragment{}
	var slotRefs []checksums.Digest

	var blockIDs []uint64
	for id := range blocks {
		blockIDs = append(blockIDs, id)
	}
	sortUint64s(blockIDs)

	for _, id := range blockIDs {
		logical := blocks[id].logical
		for pos := 0; pos+types.DNodeSlotSize <= len(logical); {
			objectID := id*perBlock + uint64(pos/types.DNodeSlotSize)
			dn, err := dnodes.ParseDNode(logical[pos:])
			if err != nil {
				pos += types.DNodeSlotSize
				continue
			}
			size := dn.SlotCount() * types.DNodeSlotSize
			slot := append([]byte(nil), logical[pos:pos+size]...)
			pos += size

			kind, ok := objectKind(dn.Type)
			if !ok {
				continue
			}
			frag := e.insert(&recovery.Fragment{
				Hash:     checksums.Fletcher4(slot),
				Kind:     kind,
				Location: f.Location,
				Raw:      slot,
				DNode:    dn,
				ObjectID: objectID,
			})
			index[objectID] = frag
			slotRefs = append(slotRefs, frag.Hash)

			// Dataset dnodes hang further objsets off their bonus.
			if ds, err := dn.DSLDatasetBonus(); err == nil && ds.ObjsetBP != nil {
				e.materializeObjset(ds.ObjsetBP)
			}
		}
	}

	e.addRefs(f, slotRefs...)
	e.linkDirectories(index)
	e.count(func(s *ExpandStats) { s.RootsExpanded++ })
}

// materializeObjset dereferences an objset pointer found during
// expansion and inserts its header as a fragment under the pointer's
// checksum. It is not recursively expanded in this pass; stage 4 links
// it and a later expansion pass is unnecessary because its meta-dnode
// references resolve through the graph.
func (e *Expander) materializeObjset(bp *blockpointers.BlockPointer) {
	physical, logical, ok := e.resolve(bp)
	if !ok {
		return
	}
	os, err := objsets.ParseObjset(logical)
	if err != nil {
		return
	}
	e.insert(&recovery.Fragment{
		Hash:    bp.Checksum,
		Kind:    recovery.KindObjsetDNode,
		Raw:     physical,
		Decoded: logical,
		Objset:  os,
	})
}

// linkDirectories resolves directory entries against the objset's
// object index and records the verified child references.
func (e *Expander) linkDirectories(index map[uint64]*recovery.Fragment) {
	for _, frag := range index {
		if frag.Kind != recovery.KindDirectoryDNode || frag.DNode == nil {
			continue
		}
		entries, err := e.directoryEntries(frag)
		if err != nil {
			continue
		}
		var refs []checksums.Digest
		for _, ent := range entries {
			child, ok := index[zap.DirectoryObjectID(ent.Value)]
			if !ok {
				e.count(func(s *ExpandStats) { s.Unrecoverable++ })
				continue
			}
			refs = append(refs, child.Hash)
		}
		e.addRefs(frag, refs...)
	}
}

// directoryEntries assembles and parses a directory dnode's ZAP.
func (e *Expander) directoryEntries(f *recovery.Fragment) ([]zap.Entry, error) {
	blocks := e.materializeTree(f.DNode)
	var blockIDs []uint64
	for id := range blocks {
		blockIDs = append(blockIDs, id)
	}
	sortUint64s(blockIDs)

	ordered := make([][]byte, 0, len(blocks))
	for _, id := range blockIDs {
		ordered = append(ordered, blocks[id].logical)
	}
	return zap.Parse(ordered)
}

// materialized is one recovered level-0 block.
type materialized struct {
	hash    checksums.Digest
	logical []byte
}

// materializeTree walks a dnode's block pointer tree down to level
// zero, inserting every intermediate and leaf block as a fragment
// keyed by its pointer checksum, and returns the recovered level-0
// blocks by block id.
func (e *Expander) materializeTree(dn *dnodes.DNode) map[uint64]materialized {
	blocks := map[uint64]materialized{}

	entriesPerIndirect := (uint64(1) << dn.IndirectBlockShift) / types.BlockPointerSize
	span := func(level uint8) uint64 {
		s := uint64(1)
		for l := uint8(0); l < level; l++ {
			s *= entriesPerIndirect
		}
		return s
	}

	var walk func(bp *blockpointers.BlockPointer, base uint64, depth int)
	walk = func(bp *blockpointers.BlockPointer, base uint64, depth int) {
		if depth > maxDNodeTreeDepth {
			return
		}
		physical, logical, ok := e.resolve(bp)
		if !ok {
			return
		}
		e.count(func(s *ExpandStats) { s.BlocksMaterialized++ })

		if bp.Level == 0 {
			if !bp.Embedded {
				e.insert(&recovery.Fragment{
					Hash:    bp.Checksum,
					Kind:    recovery.KindFileContent,
					Raw:     physical,
					Decoded: logical,
				})
			}
			blocks[base] = materialized{hash: bp.Checksum, logical: logical}
			return
		}

		if !bp.Embedded {
			e.insert(&recovery.Fragment{
				Hash:    bp.Checksum,
				Kind:    recovery.KindIndirectBlock,
				Raw:     physical,
				Decoded: logical,
			})
		}
		childSpan := span(bp.Level - 1)
		for i := 0; bpOffset(i)+types.BlockPointerSize <= len(logical); i++ {
			child, err := blockpointers.ParseBlockPointer(logical[bpOffset(i):])
			if err != nil {
				continue
			}
			walk(child, base+uint64(i)*childSpan, depth+1)
		}
	}

	topSpan := span(dn.Levels - 1)
	for i, bp := range dn.BlockPointers {
		walk(bp, uint64(i)*topSpan, 0)
	}
	return blocks
}

const maxDNodeTreeDepth = 8

func bpOffset(i int) int {
	return i * types.BlockPointerSize
}

// resolve dereferences a pointer, counting failures as unrecoverable.
func (e *Expander) resolve(bp *blockpointers.BlockPointer) (physical, logical []byte, ok bool) {
	logical, err := e.resolver.Dereference(bp)
	if err != nil {
		e.count(func(s *ExpandStats) { s.Unrecoverable++ })
		return nil, nil, false
	}
	physical, err = e.resolver.Physical(bp)
	if err != nil {
		e.count(func(s *ExpandStats) { s.Unrecoverable++ })
		return nil, nil, false
	}
	return physical, logical, true
}

// insert adds a fragment, counting dedup merges and collisions, and
// returns the canonical fragment for the hash.
func (e *Expander) insert(f *recovery.Fragment) *recovery.Fragment {
	canonical, added, err := e.set.Insert(f)
	if err != nil {
		e.count(func(s *ExpandStats) { s.Collisions++ })
		e.log.WithFields(logrus.Fields{"hash": f.Hash.Short()}).
			Warn("refusing hash-colliding fragment during expansion")
		return canonical
	}
	if added {
		e.count(func(s *ExpandStats) { s.FragmentsInserted++ })
	}
	return canonical
}

// addRefs appends producer-verified references to a fragment.
// Expansion is the only writer of Refs and runs before the final graph
// build, so the append only needs the expander's own lock.
func (e *Expander) addRefs(f *recovery.Fragment, refs ...checksums.Digest) {
	if len(refs) == 0 {
		return
	}
	e.mu.Lock()
	f.Refs = append(f.Refs, refs...)
	e.mu.Unlock()
}

// objectKind maps object types seen inside an objset to fragment
// kinds. Unlike the scan filter it also keeps DSL and ZAP carriers,
// which only make sense with objset context.
func objectKind(t types.ObjectType) (recovery.Kind, bool) {
	switch t {
	case types.ObjectTypePlainFileContents:
		return recovery.KindFileDNode, true
	case types.ObjectTypeDirectoryContents, types.ObjectTypeMasterNode,
		types.ObjectTypeDSLDirectoryChildMap, types.ObjectTypeObjectDirectory:
		return recovery.KindDirectoryDNode, true
	case types.ObjectTypeDSLDirectory, types.ObjectTypeDSLDataset:
		return recovery.KindFileDNode, true
	}
	return 0, false
}

func sortUint64s(s []uint64) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}
