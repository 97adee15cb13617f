package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-zfs/internal/compression"
	"github.com/deploymenttheory/go-zfs/internal/device"
	"github.com/deploymenttheory/go-zfs/internal/parsers/blockpointers"
	"github.com/deploymenttheory/go-zfs/internal/services"
	"github.com/deploymenttheory/go-zfs/internal/types"
)

var (
	readdvaLsize    int
	readdvaCompress string
	readdvaOut      string
)

var readdvaCmd = &cobra.Command{
	Use:   "readdva <vdev>:<offset>:<psize>[:<lsize>:<comp>] <image>...",
	Short: "Read and decompress a single block by address",
	Long: `Read one block straight off the pool by its data virtual address,
in the zdb -R style: vdev id, hex byte offset within the allocatable
region, and hex physical size. An optional lsize and compression method
(inline or through --lsize/--compress) decompress the block before it
is written out.

Examples:
  go-zfs readdva 0:40000:1000 pool.img > block.bin
  go-zfs readdva 0:40000:c00:4000:lz4 pool.img --out block.bin
  go-zfs readdva 0:40000:c00 --lsize 16384 --compress lz4 disk0.img disk1.img`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dva, psize, err := parseDVASpec(args[0])
		if err != nil {
			return err
		}

		devices, _, err := device.OpenPool(args[1:])
		if err != nil {
			return fmt.Errorf("open pool: %w", err)
		}
		defer devices.Close()

		resolver := services.NewResolver(devices)
		data, err := resolver.ReadDVA(dva, psize)
		if err != nil {
			return fmt.Errorf("read %s: %w", dva, err)
		}

		if readdvaCompress != "" {
			method, err := compressionByName(readdvaCompress)
			if err != nil {
				return err
			}
			lsize := readdvaLsize
			if lsize == 0 {
				lsize = int(psize)
			}
			if data, err = compression.Decompress(data, lsize, method); err != nil {
				return fmt.Errorf("decompress %s: %w", dva, err)
			}
		}

		if readdvaOut == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		return os.WriteFile(readdvaOut, data, 0o644)
	},
}

// parseDVASpec parses "vdev:offset:psize[:lsize:comp]" with offset and
// sizes in hex bytes. The optional suffix fills the --lsize and
// --compress flags when those were not given.
func parseDVASpec(spec string) (blockpointers.DVA, uint64, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 && len(parts) != 5 {
		return blockpointers.DVA{}, 0, fmt.Errorf("dva spec %q: want vdev:offset:psize[:lsize:comp]", spec)
	}
	if len(parts) == 5 {
		lsize, err := strconv.ParseUint(parts[3], 16, 32)
		if err != nil {
			return blockpointers.DVA{}, 0, fmt.Errorf("dva lsize %q: %w", parts[3], err)
		}
		if readdvaLsize == 0 {
			readdvaLsize = int(lsize)
		}
		if readdvaCompress == "" {
			readdvaCompress = parts[4]
		}
	}
	vdev, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return blockpointers.DVA{}, 0, fmt.Errorf("dva vdev %q: %w", parts[0], err)
	}
	offset, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return blockpointers.DVA{}, 0, fmt.Errorf("dva offset %q: %w", parts[1], err)
	}
	psize, err := strconv.ParseUint(parts[2], 16, 64)
	if err != nil {
		return blockpointers.DVA{}, 0, fmt.Errorf("dva psize %q: %w", parts[2], err)
	}
	if offset%types.SectorSize != 0 || psize == 0 || psize%types.SectorSize != 0 {
		return blockpointers.DVA{}, 0, fmt.Errorf("dva spec %q: offset and psize must be sector multiples", spec)
	}

	return blockpointers.DVA{
		VdevID:           uint32(vdev),
		OffsetSectors:    offset / types.SectorSize,
		AllocatedSectors: uint32(psize / types.SectorSize),
	}, psize, nil
}

func compressionByName(name string) (types.CompressionMethod, error) {
	switch strings.ToLower(name) {
	case "off", "none":
		return types.CompressionOff, nil
	case "lz4", "on":
		return types.CompressionLZ4, nil
	case "lzjb":
		return types.CompressionLZJB, nil
	case "zle":
		return types.CompressionZLE, nil
	case "zstd":
		return types.CompressionZstd, nil
	case "gzip":
		return types.CompressionGzip6, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

func init() {
	readdvaCmd.Flags().IntVar(&readdvaLsize, "lsize", 0, "logical size to decompress to (defaults to psize)")
	readdvaCmd.Flags().StringVar(&readdvaCompress, "compress", "", "compression method (off, lz4, lzjb, zle, gzip, zstd)")
	readdvaCmd.Flags().StringVar(&readdvaOut, "out", "", "write the block to a file instead of stdout")
	rootCmd.AddCommand(readdvaCmd)
}
