package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-zfs/internal/checksums"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

func newTestFragment(hash uint64, raw string) *Fragment {
	return &Fragment{
		Hash:     checksums.Digest{hash},
		Kind:     KindFileContent,
		Location: Location{VdevID: 0, Offset: hash * 512, Size: uint64(len(raw))},
		Raw:      []byte(raw),
	}
}

func TestSetInsertIsIdempotent(t *testing.T) {
	s := NewSet()

	f := newTestFragment(1, "payload")
	got, added, err := s.Insert(f)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Same(t, f, got)

	dup := newTestFragment(1, "payload")
	dup.Location.Offset = 9999
	got, added, err = s.Insert(dup)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Same(t, f, got, "first insertion stays canonical")
	assert.Equal(t, 1, s.Len())
}

func TestSetRefusesHashCollision(t *testing.T) {
	s := NewSet()

	f, _, err := s.Insert(newTestFragment(7, "original"))
	require.NoError(t, err)

	got, added, err := s.Insert(newTestFragment(7, "different bytes"))
	assert.ErrorIs(t, err, types.ErrChecksumMismatch)
	assert.False(t, added)
	assert.Same(t, f, got)

	collisions := s.Collisions()
	require.Len(t, collisions, 1)
	assert.Equal(t, checksums.Digest{7}, collisions[0])
}

func TestSetSnapshotIsSorted(t *testing.T) {
	s := NewSet()
	for _, h := range []uint64{9, 3, 200, 41} {
		_, _, err := s.Insert(newTestFragment(h, "x"))
		require.NoError(t, err)
	}

	snap := s.Snapshot()
	require.Len(t, snap, 4)
	for i := 1; i < len(snap); i++ {
		assert.True(t, digestLess(snap[i-1].Hash, snap[i].Hash))
	}
}

func TestSetGet(t *testing.T) {
	s := NewSet()
	_, _, err := s.Insert(newTestFragment(5, "hello"))
	require.NoError(t, err)

	f, ok := s.Get(checksums.Digest{5})
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), f.Logical())

	_, ok = s.Get(checksums.Digest{6})
	assert.False(t, ok)
}

func TestFragmentLogicalPrefersDecoded(t *testing.T) {
	f := newTestFragment(1, "compressed")
	assert.Equal(t, []byte("compressed"), f.Logical())
	f.Decoded = []byte("logical")
	assert.Equal(t, []byte("logical"), f.Logical())
}
