package services

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-zfs/internal/checksums"
	"github.com/deploymenttheory/go-zfs/internal/parsers/dnodes"
	"github.com/deploymenttheory/go-zfs/internal/recovery"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

// insertContent adds a raw content fragment and returns its hash.
func insertContent(t *testing.T, set *recovery.Set, raw []byte) checksums.Digest {
	t.Helper()
	f := &recovery.Fragment{
		Hash: checksums.Fletcher4(raw),
		Kind: recovery.KindFileContent,
		Raw:  raw,
	}
	_, _, err := set.Insert(f)
	require.NoError(t, err)
	return f.Hash
}

// insertFileDNode adds a file dnode fragment whose single pointer
// declares the given checksum.
func insertFileDNode(t *testing.T, set *recovery.Set, target checksums.Digest) checksums.Digest {
	t.Helper()
	slot := rawFileDNode(rawBP(bpParams{
		offsetSectors: 64,
		asizeSectors:  8,
		psize:         4096,
		lsize:         4096,
		objType:       types.ObjectTypePlainFileContents,
		comp:          types.CompressionOff,
		checksum:      target,
	}), 4096, 0, 4096)

	dn, err := dnodes.ParseDNode(slot)
	require.NoError(t, err)

	f := &recovery.Fragment{
		Hash:  checksums.Fletcher4(slot),
		Kind:  recovery.KindFileDNode,
		Raw:   slot,
		DNode: dn,
	}
	_, _, err = set.Insert(f)
	require.NoError(t, err)
	return f.Hash
}

func TestBuildGraphVerifiedEdge(t *testing.T) {
	set := recovery.NewSet()

	block := bytes.Repeat([]byte{0xAB}, 4096)
	blockHash := insertContent(t, set, block)
	dnodeHash := insertFileDNode(t, set, blockHash)

	graph, stats := BuildGraph(set)
	assert.Equal(t, 2, stats.Nodes)
	assert.Equal(t, 1, stats.Edges)
	assert.Zero(t, stats.Unresolved)
	assert.Zero(t, stats.Mismatched)

	roots := graph.Roots()
	require.Len(t, roots, 1)
	assert.Equal(t, dnodeHash, roots[0])
	assert.Equal(t, []checksums.Digest{blockHash}, graph.Children(dnodeHash))
}

func TestBuildGraphUnresolvedReference(t *testing.T) {
	set := recovery.NewSet()
	insertFileDNode(t, set, checksums.Digest{9, 9, 9, 9})

	_, stats := BuildGraph(set)
	assert.Equal(t, 1, stats.Nodes)
	assert.Zero(t, stats.Edges)
	assert.Equal(t, 1, stats.Unresolved)
}

func TestBuildGraphMismatchedTargetGetsNoEdge(t *testing.T) {
	set := recovery.NewSet()

	// A fragment stored under the referenced hash whose bytes do not
	// reproduce it. The reference must not link to it.
	imposter := &recovery.Fragment{
		Hash: checksums.Digest{9, 9, 9, 9},
		Kind: recovery.KindFileContent,
		Raw:  []byte("not the referenced content"),
	}
	_, _, err := set.Insert(imposter)
	require.NoError(t, err)
	insertFileDNode(t, set, imposter.Hash)

	_, stats := BuildGraph(set)
	assert.Zero(t, stats.Edges)
	assert.Equal(t, 1, stats.Mismatched)
}

func TestBuildGraphProducerVerifiedRefs(t *testing.T) {
	set := recovery.NewSet()

	child := insertContent(t, set, []byte("assembled constituent"))
	composite := &recovery.Fragment{
		Hash: checksums.Digest{1, 2, 3, 4},
		Kind: recovery.KindFileContent,
		Raw:  []byte("assembled whole"),
		Refs: []checksums.Digest{child},
	}
	_, _, err := set.Insert(composite)
	require.NoError(t, err)

	graph, stats := BuildGraph(set)
	assert.Equal(t, 1, stats.Edges)
	assert.Zero(t, stats.Mismatched)
	assert.Equal(t, []checksums.Digest{child}, graph.Children(composite.Hash))
}

func TestBuildGraphIndirectBlockEdges(t *testing.T) {
	set := recovery.NewSet()

	blockA := insertContent(t, set, bytes.Repeat([]byte{0x01}, 512))
	blockB := insertContent(t, set, bytes.Repeat([]byte{0x02}, 512))

	logical := make([]byte, 4*types.BlockPointerSize)
	copy(logical, rawBP(bpParams{
		offsetSectors: 64, asizeSectors: 1, psize: 512, lsize: 512,
		objType: types.ObjectTypePlainFileContents, comp: types.CompressionOff,
		checksum: blockA,
	}))
	copy(logical[types.BlockPointerSize:], rawBP(bpParams{
		offsetSectors: 128, asizeSectors: 1, psize: 512, lsize: 512,
		objType: types.ObjectTypePlainFileContents, comp: types.CompressionOff,
		checksum: blockB,
	}))

	indirect := &recovery.Fragment{
		Hash:    checksums.Digest{5, 5, 5, 5},
		Kind:    recovery.KindIndirectBlock,
		Raw:     logical,
		Decoded: logical,
	}
	_, _, err := set.Insert(indirect)
	require.NoError(t, err)

	graph, stats := BuildGraph(set)
	assert.Equal(t, 2, stats.Edges)
	assert.Len(t, graph.Children(indirect.Hash), 2)
}

func TestBuildGraphDetectsCycle(t *testing.T) {
	set := recovery.NewSet()

	a := &recovery.Fragment{Hash: checksums.Digest{1}, Kind: recovery.KindFileContent, Raw: []byte("a")}
	b := &recovery.Fragment{Hash: checksums.Digest{2}, Kind: recovery.KindFileContent, Raw: []byte("b")}
	a.Refs = []checksums.Digest{b.Hash}
	b.Refs = []checksums.Digest{a.Hash}
	for _, f := range []*recovery.Fragment{a, b} {
		_, _, err := set.Insert(f)
		require.NoError(t, err)
	}

	_, stats := BuildGraph(set)
	assert.Equal(t, 2, stats.Edges)
	assert.NotZero(t, stats.Cycles)
}
