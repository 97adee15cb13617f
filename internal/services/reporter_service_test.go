package services

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-zfs/internal/checksums"
	"github.com/deploymenttheory/go-zfs/internal/parsers/dnodes"
	"github.com/deploymenttheory/go-zfs/internal/recovery"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

// rawMicroZap assembles a single-block micro ZAP with the given
// name/value entries.
func rawMicroZap(size int, entries map[string]uint64) []byte {
	block := make([]byte, size)
	binary.LittleEndian.PutUint64(block, 1<<63+3)
	off := 64
	for name, value := range entries {
		binary.LittleEndian.PutUint64(block[off:], value)
		copy(block[off+14:], name)
		off += 64
	}
	return block
}

func reporterFixture(t *testing.T, kind recovery.Kind, content []byte) (*recovery.Set, *recovery.Fragment, *recovery.Fragment) {
	t.Helper()
	set := recovery.NewSet()

	slot := rawFileDNode(rawBP(bpParams{
		offsetSectors: 64,
		asizeSectors:  8,
		psize:         4096,
		lsize:         4096,
		objType:       types.ObjectTypePlainFileContents,
		comp:          types.CompressionOff,
		checksum:      checksums.Fletcher4(content[:4096]),
	}), 4096, 0, uint64(len(content)))
	dn, err := dnodes.ParseDNode(slot)
	require.NoError(t, err)

	composite := &recovery.Fragment{
		Hash:     checksums.Fletcher4(content),
		Kind:     recovery.KindFileContent,
		Location: recovery.Location{VdevID: 1, Offset: 0x8000, Size: uint64(len(content))},
		Raw:      content,
	}
	_, _, err = set.Insert(composite)
	require.NoError(t, err)

	dnode := &recovery.Fragment{
		Hash:     checksums.Fletcher4(slot),
		Kind:     kind,
		Location: recovery.Location{VdevID: 1, Offset: 0x4000, Size: 1024},
		Raw:      slot,
		DNode:    dn,
		Refs:     []checksums.Digest{composite.Hash},
	}
	_, _, err = set.Insert(dnode)
	require.NoError(t, err)

	return set, dnode, composite
}

func TestReporterWritesFileRoot(t *testing.T) {
	content := bytes.Repeat([]byte("recovered file payload! "), 200)[:4500]
	set, dnode, composite := reporterFixture(t, recovery.KindFileDNode, content)

	graph, _ := BuildGraph(set)
	outDir := t.TempDir()
	r := NewReporter(set, testLogger(), outDir)

	composites := func(h checksums.Digest) (checksums.Digest, bool) {
		if h == dnode.Hash {
			return composite.Hash, true
		}
		return checksums.Digest{}, false
	}

	manifest, err := r.Report(graph, composites, Manifest{})
	require.NoError(t, err)
	require.Len(t, manifest.Roots, 1)
	assert.NotEmpty(t, manifest.RunID)

	root := manifest.Roots[0]
	assert.Equal(t, "file_dnode", root.Kind)
	assert.Equal(t, 4500, root.Size)
	require.NotEmpty(t, root.Output)

	written, err := os.ReadFile(filepath.Join(outDir, root.Output))
	require.NoError(t, err)
	assert.Equal(t, content, written)

	// The manifest itself round-trips.
	data, err := os.ReadFile(filepath.Join(outDir, "manifest.json"))
	require.NoError(t, err)
	var decoded Manifest
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, manifest.RunID, decoded.RunID)
}

func TestReporterListsDirectoryRoot(t *testing.T) {
	listing := rawMicroZap(4096, map[string]uint64{
		"notes.txt": 42 | uint64(8)<<60,
		"sub":       17 | uint64(4)<<60,
	})
	set, dnode, composite := reporterFixture(t, recovery.KindDirectoryDNode, listing)

	graph, _ := BuildGraph(set)
	r := NewReporter(set, testLogger(), t.TempDir())

	composites := func(h checksums.Digest) (checksums.Digest, bool) {
		if h == dnode.Hash {
			return composite.Hash, true
		}
		return checksums.Digest{}, false
	}

	manifest, err := r.Report(graph, composites, Manifest{})
	require.NoError(t, err)
	require.Len(t, manifest.Roots, 1)

	entries := manifest.Roots[0].Entries
	require.Len(t, entries, 2)
	assert.Equal(t, "notes.txt", entries[0].Name)
	assert.Equal(t, uint64(42), entries[0].ObjectID)
	assert.Equal(t, uint8(8), entries[0].Type)
	assert.Equal(t, "sub", entries[1].Name)
	assert.Equal(t, uint64(17), entries[1].ObjectID)
}

func TestReporterWritesObjsetContainedFiles(t *testing.T) {
	content := bytes.Repeat([]byte("contained file payload! "), 200)[:4500]
	set, dnode, composite := reporterFixture(t, recovery.KindFileDNode, content)

	// An objset header referencing the file dnode makes the dnode a
	// child, leaving the objset as the only root.
	header := bytes.Repeat([]byte{0x05}, 1024)
	objset := &recovery.Fragment{
		Hash:     checksums.Fletcher4(header),
		Kind:     recovery.KindObjsetDNode,
		Location: recovery.Location{VdevID: 1, Offset: 0x2000, Size: 1024},
		Raw:      header,
		Refs:     []checksums.Digest{dnode.Hash},
	}
	_, _, err := set.Insert(objset)
	require.NoError(t, err)

	graph, _ := BuildGraph(set)
	outDir := t.TempDir()
	r := NewReporter(set, testLogger(), outDir)

	composites := func(h checksums.Digest) (checksums.Digest, bool) {
		if h == dnode.Hash {
			return composite.Hash, true
		}
		return checksums.Digest{}, false
	}

	manifest, err := r.Report(graph, composites, Manifest{})
	require.NoError(t, err)
	require.Len(t, manifest.Roots, 1)

	root := manifest.Roots[0]
	assert.Equal(t, "objset_dnode", root.Kind)
	require.Len(t, root.Files, 1)

	file := root.Files[0]
	assert.Equal(t, "file_dnode", file.Kind)
	assert.Equal(t, 4500, file.Size)
	require.NotEmpty(t, file.Output)

	written, err := os.ReadFile(filepath.Join(outDir, file.Output))
	require.NoError(t, err)
	assert.Equal(t, content, written)
}

func TestReporterSkipsRootsWithoutComposite(t *testing.T) {
	content := bytes.Repeat([]byte{0x42}, 4096)
	set, _, _ := reporterFixture(t, recovery.KindFileDNode, content)

	graph, _ := BuildGraph(set)
	outDir := t.TempDir()
	r := NewReporter(set, testLogger(), outDir)

	manifest, err := r.Report(graph, nil, Manifest{})
	require.NoError(t, err)
	require.Len(t, manifest.Roots, 1)
	assert.Empty(t, manifest.Roots[0].Output)
	assert.Zero(t, manifest.Roots[0].Size)
}
