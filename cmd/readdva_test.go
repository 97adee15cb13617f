package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-zfs/internal/types"
)

func TestParseDVASpec(t *testing.T) {
	dva, psize, err := parseDVASpec("0:40000:1000")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), dva.VdevID)
	assert.Equal(t, uint64(0x40000/512), dva.OffsetSectors)
	assert.Equal(t, uint64(0x1000), psize)

	tests := []struct {
		name string
		spec string
	}{
		{"too few fields", "0:40000"},
		{"four fields", "0:40000:1000:2000"},
		{"non-numeric vdev", "x:40000:1000"},
		{"unaligned offset", "0:40001:1000"},
		{"zero psize", "0:40000:0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseDVASpec(tt.spec)
			assert.Error(t, err)
		})
	}
}

func TestParseDVASpecInlineDecompression(t *testing.T) {
	readdvaLsize = 0
	readdvaCompress = ""
	t.Cleanup(func() {
		readdvaLsize = 0
		readdvaCompress = ""
	})

	_, psize, err := parseDVASpec("1:a000:c00:4000:lz4")
	require.NoError(t, err)
	assert.Equal(t, uint64(0xc00), psize)
	assert.Equal(t, 0x4000, readdvaLsize)
	assert.Equal(t, "lz4", readdvaCompress)
}

func TestCompressionByName(t *testing.T) {
	m, err := compressionByName("LZ4")
	require.NoError(t, err)
	assert.Equal(t, types.CompressionLZ4, m)

	m, err = compressionByName("gzip")
	require.NoError(t, err)
	assert.Equal(t, types.CompressionGzip6, m)

	_, err = compressionByName("brotli")
	assert.Error(t, err)
}
