package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-zfs/internal/services"
)

// Configuration keys. Every key is also settable through the
// environment with the GOZFS_ prefix, e.g. GOZFS_SCAN_WORKERS=8.
const (
	keyOutputDir          = "output.dir"
	keyScanWorkers        = "scan.workers"
	keyScanChunkSize      = "scan.chunk_size"
	keyScanWindowSizes    = "scan.window_sizes"
	keyScanProgress       = "scan.progress"
	keyScanCheckpoint     = "scan.checkpoint"
	keyCheckpointInterval = "scan.checkpoint_interval"
)

func loadConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".go-zfs")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("GOZFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	defaults := services.DefaultScanConfig()
	viper.SetDefault(keyOutputDir, "./recovered")
	viper.SetDefault(keyScanWorkers, defaults.Workers)
	viper.SetDefault(keyScanChunkSize, defaults.ChunkSize)
	viper.SetDefault(keyScanWindowSizes, defaults.WindowSizes)
	viper.SetDefault(keyScanProgress, true)
	viper.SetDefault(keyScanCheckpoint, "")
	viper.SetDefault(keyCheckpointInterval, defaults.CheckpointInterval)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

// scanConfigFromViper builds the scan parameters the flags and config
// file agreed on.
func scanConfigFromViper() services.ScanConfig {
	cfg := services.ScanConfig{
		Workers:            viper.GetInt(keyScanWorkers),
		ChunkSize:          viper.GetUint64(keyScanChunkSize),
		Progress:           viper.GetBool(keyScanProgress) && !quiet,
		CheckpointPath:     viper.GetString(keyScanCheckpoint),
		CheckpointInterval: viper.GetDuration(keyCheckpointInterval),
	}
	for _, w := range viper.GetIntSlice(keyScanWindowSizes) {
		cfg.WindowSizes = append(cfg.WindowSizes, uint64(w))
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 30 * time.Second
	}
	return cfg
}
