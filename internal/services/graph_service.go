package services

import (
	"github.com/deploymenttheory/go-zfs/internal/checksums"
	"github.com/deploymenttheory/go-zfs/internal/parsers/blockpointers"
	"github.com/deploymenttheory/go-zfs/internal/recovery"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

// GraphStats counts the outcome of a graph build.
type GraphStats struct {
	Nodes      int
	Edges      int
	Unresolved int
	Mismatched int
	Cycles     int
}

// BuildGraph is the single graph construction used by stage 2 and
// stage 4: a pure function of the fragment set snapshot it is given.
// Each fragment contributes the references its kind implies; an edge
// is added only when the referenced fragment exists and its stored
// content reproduces the referencing checksum. A reference to an
// absent fragment counts as unresolved, a present-but-differing target
// counts as mismatched and gets no edge.
func BuildGraph(set *recovery.Set) (*recovery.Graph, GraphStats) {
	graph := recovery.NewGraph()
	stats := GraphStats{}

	for _, f := range set.Snapshot() {
		graph.AddNode(f.Hash)

		for _, ref := range enumerateRefs(f) {
			child, ok := set.Get(ref.digest)
			if !ok {
				stats.Unresolved++
				continue
			}
			if ref.method != 0 && !refMatches(child, ref) {
				stats.Mismatched++
				continue
			}
			graph.AddEdge(f.Hash, ref.digest)
		}
	}

	stats.Nodes = graph.NodeCount()
	stats.Edges = graph.EdgeCount()
	stats.Cycles = len(graph.Cycles())
	return graph, stats
}

// reference is one outgoing link: the expected content digest and, for
// references parsed from block pointers, the checksum method to verify
// the target with. method 0 marks producer-verified references that
// need no recheck.
type reference struct {
	digest checksums.Digest
	method types.ChecksumMethod
}

// enumerateRefs lists the references a fragment's decoded content
// makes, per kind.
func enumerateRefs(f *recovery.Fragment) []reference {
	var refs []reference
	add := func(bps []*blockpointers.BlockPointer) {
		for _, bp := range bps {
			if bp.Embedded {
				continue
			}
			refs = append(refs, reference{digest: bp.Checksum, method: bp.ChecksumMethod})
		}
	}

	switch f.Kind {
	case recovery.KindFileDNode, recovery.KindDirectoryDNode:
		if f.DNode != nil {
			add(f.DNode.BlockPointers)
			if ds, err := f.DNode.DSLDatasetBonus(); err == nil && ds.ObjsetBP != nil {
				add([]*blockpointers.BlockPointer{ds.ObjsetBP})
			}
		}
	case recovery.KindObjsetDNode:
		if f.Objset != nil {
			add(f.Objset.MetaDNode.BlockPointers)
			if f.Objset.ZIL.Log != nil {
				add([]*blockpointers.BlockPointer{f.Objset.ZIL.Log})
			}
		}
	case recovery.KindIndirectBlock:
		add(parseIndirectEntries(f.Logical()))
	}

	for _, r := range f.Refs {
		refs = append(refs, reference{digest: r})
	}
	return refs
}

// parseIndirectEntries decodes the non-hole pointers of an indirect
// block's logical bytes.
func parseIndirectEntries(logical []byte) []*blockpointers.BlockPointer {
	var bps []*blockpointers.BlockPointer
	for pos := 0; pos+types.BlockPointerSize <= len(logical); pos += types.BlockPointerSize {
		bp, err := blockpointers.ParseBlockPointer(logical[pos : pos+types.BlockPointerSize])
		if err != nil {
			continue
		}
		bps = append(bps, bp)
	}
	return bps
}

// refMatches recomputes the reference's checksum over the stored
// fragment bytes. The fragment's canonical hash may legitimately
// differ from the reference digest only when hashing methods differ;
// any byte-level disagreement is a collision and blocks the edge.
func refMatches(child *recovery.Fragment, ref reference) bool {
	computed, err := checksums.Checksum(child.Raw, ref.method)
	if err != nil {
		return false
	}
	return computed == ref.digest
}
