package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-zfs/internal/checksums"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

// TestPipelineRecoversDeletedFile runs all five stages against a
// synthetic image holding one orphaned file: a dnode block that no
// live dataset references, pointing at a data block elsewhere on the
// device.
func TestPipelineRecoversDeletedFile(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}

	slot := rawFileDNode(rawBP(bpParams{
		offsetSectors: 0x40000 / types.SectorSize,
		asizeSectors:  8,
		psize:         4096,
		lsize:         4096,
		objType:       types.ObjectTypePlainFileContents,
		comp:          types.CompressionOff,
		checksum:      checksums.Fletcher4(data),
	}), 4096, 0, 3000)

	dnodeBlock := make([]byte, 2*types.DNodeSlotSize)
	copy(dnodeBlock, slot)

	img := testImageBuffer(1 << 20)
	placeAlloc(img, 0x10000, lz4Frame(t, dnodeBlock))
	placeAlloc(img, 0x40000, data)

	dir := t.TempDir()
	imagePath := filepath.Join(dir, "pool.img")
	require.NoError(t, os.WriteFile(imagePath, img, 0o644))
	outDir := filepath.Join(dir, "out")

	p := NewPipeline(testLogger(), PipelineConfig{
		ImagePaths: []string{imagePath},
		OutputDir:  outDir,
		Scan: ScanConfig{
			WindowSizes: []uint64{1024},
			Workers:     2,
			ChunkSize:   128 * 1024,
		},
	})

	manifest, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.NotZero(t, manifest.Scan.FragmentsInserted)
	assert.NotZero(t, manifest.Expand.BlocksMaterialized)
	assert.NotZero(t, manifest.Graph.Edges)
	assert.Empty(t, manifest.Collisions)

	var fileRoot *RootReport
	for i := range manifest.Roots {
		if manifest.Roots[i].Kind == "file_dnode" {
			fileRoot = &manifest.Roots[i]
		}
	}
	require.NotNil(t, fileRoot, "expected a recovered file root")
	assert.Equal(t, 3000, fileRoot.Size)
	require.NotEmpty(t, fileRoot.Output)

	recovered, err := os.ReadFile(filepath.Join(outDir, fileRoot.Output))
	require.NoError(t, err)
	assert.Equal(t, data[:3000], recovered)
}

// TestPipelineContextCancellation aborts a run before it starts any
// real work.
func TestPipelineContextCancellation(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "pool.img")
	require.NoError(t, os.WriteFile(imagePath, testImageBuffer(1<<20), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPipeline(testLogger(), PipelineConfig{
		ImagePaths: []string{imagePath},
		OutputDir:  filepath.Join(dir, "out"),
		Scan: ScanConfig{
			WindowSizes: []uint64{1024},
			Workers:     1,
			ChunkSize:   64 * 1024,
		},
	})

	_, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
