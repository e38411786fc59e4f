package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aidevops/supervisor/internal/config"
	"github.com/aidevops/supervisor/internal/storage"
)

// Shared state for all subcommands, wired in PersistentPreRunE.
var (
	cfg   *config.Config
	store *storage.Store
)

var rootCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "Autonomous multi-task AI coding supervisor",
	Long: `supervisor drives AI coding workers through a full pipeline:
dispatch, evaluation, PR review, merge, deploy, and verification.

It is designed to be pulsed from cron every couple of minutes:

  */2 * * * * supervisor pulse`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if err := cfg.EnsureDirs(); err != nil {
			return err
		}
		store, err = storage.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			_ = store.Close()
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
