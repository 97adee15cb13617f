package recovery

import (
	"sync"

	"github.com/deploymenttheory/go-zfs/internal/checksums"
)

// Graph is the parent/child dependency graph over a fragment set.
// Nodes are content hashes; an edge means the parent's decoded bytes
// reference the child and the reference was verified against the
// child's content.
type Graph struct {
	mu       sync.RWMutex
	children map[checksums.Digest][]checksums.Digest
	parents  map[checksums.Digest]int
	nodes    map[checksums.Digest]struct{}
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		children: map[checksums.Digest][]checksums.Digest{},
		parents:  map[checksums.Digest]int{},
		nodes:    map[checksums.Digest]struct{}{},
	}
}

// AddNode registers a hash as a graph node with no edges yet.
func (g *Graph) AddNode(hash checksums.Digest) {
	g.mu.Lock()
	g.nodes[hash] = struct{}{}
	g.mu.Unlock()
}

// AddEdge records that parent references child. Both endpoints become
// nodes. Duplicate edges collapse to one.
func (g *Graph) AddEdge(parent, child checksums.Digest) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes[parent] = struct{}{}
	g.nodes[child] = struct{}{}
	for _, c := range g.children[parent] {
		if c == child {
			return
		}
	}
	g.children[parent] = append(g.children[parent], child)
	g.parents[child]++
}

// Children returns the verified references of a node in insertion
// order.
func (g *Graph) Children(hash checksums.Digest) []checksums.Digest {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]checksums.Digest(nil), g.children[hash]...)
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of distinct edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, cs := range g.children {
		n += len(cs)
	}
	return n
}

// Roots returns the nodes no other node references, sorted by hash.
// These are the recovery starting points: fragments whose parents did
// not survive.
func (g *Graph) Roots() []checksums.Digest {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var roots []checksums.Digest
	for node := range g.nodes {
		if g.parents[node] == 0 {
			roots = append(roots, node)
		}
	}
	sortDigests(roots)
	return roots
}

// Cycles returns one representative node per reference cycle, sorted
// by hash. Well-formed pool metadata is acyclic, so any cycle marks
// corrupted or misidentified fragments; callers flag them and skip
// the offending subtree rather than fail the run.
func (g *Graph) Cycles() []checksums.Digest {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := map[checksums.Digest]int{}
	var cycles []checksums.Digest

	var visit func(n checksums.Digest)
	visit = func(n checksums.Digest) {
		state[n] = inStack
		for _, c := range g.children[n] {
			switch state[c] {
			case unvisited:
				visit(c)
			case inStack:
				cycles = append(cycles, c)
			}
		}
		state[n] = done
	}

	var nodes []checksums.Digest
	for n := range g.nodes {
		nodes = append(nodes, n)
	}
	sortDigests(nodes)
	for _, n := range nodes {
		if state[n] == unvisited {
			visit(n)
		}
	}
	sortDigests(cycles)
	return cycles
}

// Reachable returns every node reachable from start, start included,
// sorted by hash. Traversal tolerates cycles.
func (g *Graph) Reachable(start checksums.Digest) []checksums.Digest {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[checksums.Digest]struct{}{}
	stack := []checksums.Digest{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		stack = append(stack, g.children[n]...)
	}

	out := make([]checksums.Digest, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sortDigests(out)
	return out
}
