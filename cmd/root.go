// Package cmd wires the command-line interface of go-zfs.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	quiet   bool

	log = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "go-zfs",
	Short: "ZFS pool forensics and deleted-file recovery",
	Long: `go-zfs is a read-only command-line tool for recovering deleted files
from ZFS pool images.

It never imports the pool: devices and image files are read directly,
every 512-byte aligned window is tried as a compressed metadata block,
and the surviving dnodes, object sets and indirect blocks are linked
into a reference graph whose roots are written out as recovered files.

Commands:
  undelete    Scan pool images and recover unreferenced files
  labels      Inspect vdev labels and uberblocks
  readdva     Read and decompress a single block by address`,
	Version: "0.1.0-dev",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		configureLogging()
		return nil
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.go-zfs.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except warnings")
}

func configureLogging() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	switch {
	case verbose:
		log.SetLevel(logrus.DebugLevel)
	case quiet:
		log.SetLevel(logrus.WarnLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
}
