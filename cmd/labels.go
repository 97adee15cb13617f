package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-zfs/internal/device"
	"github.com/deploymenttheory/go-zfs/internal/parsers/labels"
	"github.com/deploymenttheory/go-zfs/internal/parsers/nvlist"
)

var labelsShowUberblocks bool

var labelsCmd = &cobra.Command{
	Use:   "labels <image>...",
	Short: "Inspect vdev labels and uberblocks",
	Long: `Read the four vdev labels of each image and print the pool
configuration they carry: pool name and guid, the vdev tree, and the
uberblock ring pointing at recent pool states.

Examples:
  go-zfs labels pool.img
  go-zfs labels --uberblocks disk0.img disk1.img`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, path := range args {
			if err := printLabels(path); err != nil {
				return err
			}
		}
		return nil
	},
}

func printLabels(path string) error {
	img, err := device.OpenImage(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer img.Close()

	found := device.ReadLabels(img)
	fmt.Printf("%s: %d readable label(s)\n", path, len(found))
	if len(found) == 0 {
		return nil
	}

	l := found[0]
	if name, ok := l.PoolName(); ok {
		fmt.Printf("  pool:   %s\n", name)
	}
	if l.Config != nil {
		if guid, ok := l.Config.Uint64("pool_guid"); ok {
			fmt.Printf("  guid:   %d\n", guid)
		}
		if txg, ok := l.Config.Uint64("txg"); ok {
			fmt.Printf("  txg:    %d\n", txg)
		}
		if tree, ok := l.Config.List("vdev_tree"); ok {
			printVdevTree(tree, "  ")
		}
	}

	if best := labels.BestUberblock(found...); best != nil {
		fmt.Printf("  active uberblock: txg=%d time=%s version=%d\n",
			best.Txg, time.Unix(int64(best.Timestamp), 0).UTC().Format(time.RFC3339), best.Version)
	}
	if labelsShowUberblocks {
		for i, label := range found {
			for _, ub := range label.Uberblocks {
				fmt.Printf("  label %d: txg=%-10d time=%d root=%v\n", i, ub.Txg, ub.Timestamp, ub.RootBP != nil)
			}
		}
	}
	return nil
}

func printVdevTree(tree nvlist.List, indent string) {
	if typ, ok := tree.String("type"); ok {
		fmt.Printf("%svdev:   %s", indent, typ)
		if ashift, ok := tree.Uint64("ashift"); ok {
			fmt.Printf(" (ashift=%d)", ashift)
		}
		fmt.Println()
	}
}

func init() {
	labelsCmd.Flags().BoolVar(&labelsShowUberblocks, "uberblocks", false, "list every valid uberblock slot")
	rootCmd.AddCommand(labelsCmd)
}
