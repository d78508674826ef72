package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/strideml/stride/internal/checkpoint"
	"github.com/strideml/stride/internal/config"
	"github.com/strideml/stride/internal/trainer"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete checkpoints of stale runs",
	Long: `Clean deletes the checkpoint directories of runs untouched for
longer than the retention TTL. The run root comes from the config when
one is given, otherwise the default root directory is cleaned.`,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().Int("ttl-hours", 0, "Delete runs untouched for this many hours (default 168)")
}

func runClean(cmd *cobra.Command, args []string) error {
	rootDir := trainer.DefaultRootDir
	if path := configPath(cmd); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if cfg.Trainer.RootDir != "" {
			rootDir = cfg.Trainer.RootDir
		}
	}

	store, err := checkpoint.NewFilesystemStore(rootDir)
	if err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}

	ttl, _ := cmd.Flags().GetInt("ttl-hours")
	retention := checkpoint.NewRetention(checkpoint.RetentionConfig{TTLHours: ttl}, store)
	retention.RunCleanupNow()

	fmt.Printf("Cleaned stale runs under %s\n", rootDir)
	return nil
}
