// Package recovery holds the data model shared by the pipeline
// stages: content-addressed fragments of recovered metadata and data,
// and the dependency graph linking them.
package recovery

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/deploymenttheory/go-zfs/internal/checksums"
	"github.com/deploymenttheory/go-zfs/internal/parsers/dnodes"
	"github.com/deploymenttheory/go-zfs/internal/parsers/objsets"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

// Kind classifies what a fragment's bytes were recognized as.
type Kind uint8

const (
	KindFileDNode Kind = iota
	KindDirectoryDNode
	KindObjsetDNode
	KindIndirectBlock
	KindFileContent
	KindObjset

	kinds
)

func (k Kind) String() string {
	names := [...]string{
		"file_dnode", "directory_dnode", "objset_dnode",
		"indirect_block", "file_content", "objset",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// Location records where a fragment's bytes were found on the pool.
type Location struct {
	VdevID uint32

	// Offset is the byte offset within the device's allocatable region.
	Offset uint64

	// Size is the physical extent in bytes.
	Size uint64
}

func (l Location) String() string {
	return fmt.Sprintf("%d:%x:%x", l.VdevID, l.Offset, l.Size)
}

// Fragment is one recovered unit of pool content, addressed by the
// hash of its raw bytes. Fragments are immutable once inserted into a
// set.
type Fragment struct {
	Hash checksums.Digest
	Kind Kind

	// Location is where the bytes were first seen; duplicates found
	// elsewhere dedup onto the first.
	Location Location

	// Raw holds the physical bytes as stored. Decoded holds the
	// logical bytes when they differ (decompressed blocks, assembled
	// composites); it is nil when Raw is already logical.
	Raw     []byte
	Decoded []byte

	// DNode and Objset carry the parsed view for metadata kinds.
	DNode  *dnodes.DNode
	Objset *objsets.Objset

	// ObjectID is the object number of a dnode fragment within its
	// objset, when known; zero otherwise.
	ObjectID uint64

	// Refs holds references the producer already verified against the
	// referenced content, such as the members of an assembled
	// composite or a directory's resolved children. The graph builder
	// adds these alongside the references parsed from the bytes.
	Refs []checksums.Digest
}

// Logical returns the logical bytes of the fragment.
func (f *Fragment) Logical() []byte {
	if f.Decoded != nil {
		return f.Decoded
	}
	return f.Raw
}

// shardCount spreads set mutexes; a power of two so the hash maps to a
// shard with a mask.
const shardCount = 64

type shard struct {
	mu        sync.RWMutex
	fragments map[checksums.Digest]*Fragment
}

// Set is a concurrent, insert-only collection of fragments keyed by
// content hash.
type Set struct {
	shards     [shardCount]shard
	collisions sync.Map // Digest -> struct{}
}

// NewSet returns an empty fragment set.
func NewSet() *Set {
	s := &Set{}
	for i := range s.shards {
		s.shards[i].fragments = map[checksums.Digest]*Fragment{}
	}
	return s
}

func (s *Set) shardFor(hash checksums.Digest) *shard {
	return &s.shards[hash[0]&(shardCount-1)]
}

// Insert adds a fragment and returns the canonical fragment for its
// hash. added is false when an identical fragment was already present.
// A hash-equal fragment with different raw bytes is refused: the
// existing fragment stays canonical, the hash is flagged as colliding
// and an error wrapping ErrChecksumMismatch is returned.
func (s *Set) Insert(f *Fragment) (*Fragment, bool, error) {
	sh := s.shardFor(f.Hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, ok := sh.fragments[f.Hash]
	if !ok {
		sh.fragments[f.Hash] = f
		return f, true, nil
	}
	if !bytes.Equal(existing.Raw, f.Raw) {
		s.collisions.Store(f.Hash, struct{}{})
		return existing, false, fmt.Errorf("%w: hash %s maps to differing content at %s and %s",
			types.ErrChecksumMismatch, f.Hash.Short(), existing.Location, f.Location)
	}
	return existing, false, nil
}

// Get returns the fragment with the given hash.
func (s *Set) Get(hash checksums.Digest) (*Fragment, bool) {
	sh := s.shardFor(hash)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	f, ok := sh.fragments[hash]
	return f, ok
}

// Len returns the number of distinct fragments.
func (s *Set) Len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.RLock()
		n += len(s.shards[i].fragments)
		s.shards[i].mu.RUnlock()
	}
	return n
}

// Collisions returns the hashes that were refused due to content
// mismatch, sorted for determinism.
func (s *Set) Collisions() []checksums.Digest {
	var out []checksums.Digest
	s.collisions.Range(func(key, _ interface{}) bool {
		out = append(out, key.(checksums.Digest))
		return true
	})
	sortDigests(out)
	return out
}

// Snapshot returns every fragment sorted by hash, a stable order for
// the pure graph build.
func (s *Set) Snapshot() []*Fragment {
	var out []*Fragment
	for i := range s.shards {
		s.shards[i].mu.RLock()
		for _, f := range s.shards[i].fragments {
			out = append(out, f)
		}
		s.shards[i].mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return digestLess(out[i].Hash, out[j].Hash) })
	return out
}

func digestLess(a, b checksums.Digest) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func sortDigests(ds []checksums.Digest) {
	sort.Slice(ds, func(i, j int) bool { return digestLess(ds[i], ds[j]) })
}
