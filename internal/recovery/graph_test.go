package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-zfs/internal/checksums"
)

func d(n uint64) checksums.Digest {
	return checksums.Digest{n}
}

func TestGraphRoots(t *testing.T) {
	g := NewGraph()
	g.AddEdge(d(1), d(2))
	g.AddEdge(d(1), d(3))
	g.AddEdge(d(3), d(4))
	g.AddNode(d(9))

	assert.Equal(t, []checksums.Digest{d(1), d(9)}, g.Roots())
	assert.Equal(t, 5, g.NodeCount())
	assert.Equal(t, 3, g.EdgeCount())
}

func TestGraphDuplicateEdgesCollapse(t *testing.T) {
	g := NewGraph()
	g.AddEdge(d(1), d(2))
	g.AddEdge(d(1), d(2))

	assert.Equal(t, 1, g.EdgeCount())
	assert.Equal(t, []checksums.Digest{d(2)}, g.Children(d(1)))
	assert.Equal(t, []checksums.Digest{d(1)}, g.Roots())
}

func TestGraphSharedChildHasNoRootEntry(t *testing.T) {
	g := NewGraph()
	// Two files share one content block.
	g.AddEdge(d(10), d(100))
	g.AddEdge(d(20), d(100))

	assert.Equal(t, []checksums.Digest{d(10), d(20)}, g.Roots())
}

func TestGraphCycles(t *testing.T) {
	g := NewGraph()
	g.AddEdge(d(1), d(2))
	g.AddEdge(d(2), d(3))
	g.AddEdge(d(3), d(1))
	g.AddEdge(d(5), d(6))

	cycles := g.Cycles()
	require.Len(t, cycles, 1)

	assert.Empty(t, NewGraph().Cycles())
}

func TestGraphReachableToleratesCycles(t *testing.T) {
	g := NewGraph()
	g.AddEdge(d(1), d(2))
	g.AddEdge(d(2), d(1))
	g.AddEdge(d(2), d(3))

	assert.Equal(t, []checksums.Digest{d(1), d(2), d(3)}, g.Reachable(d(1)))
}
