package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aidevops/supervisor/internal/types"
)

var (
	batchBase    int
	batchMax     int
	batchLoad    float64
	batchRelease string
	batchSkipQG  bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Manage task batches",
}

var batchCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a batch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		batch := &types.Batch{
			Name:            args[0],
			BaseConcurrency: batchBase,
			MaxConcurrency:  batchMax,
			MaxLoadFactor:   batchLoad,
			Status:          types.BatchActive,
			SkipQualityGate: batchSkipQG,
		}
		if batchRelease != "" {
			switch types.ReleaseType(batchRelease) {
			case types.ReleaseMajor, types.ReleaseMinor, types.ReleasePatch:
			default:
				fmt.Fprintf(os.Stderr, "Error: invalid release type %q\n", batchRelease)
				os.Exit(1)
			}
			batch.ReleaseOnComplete = true
			batch.ReleaseType = types.ReleaseType(batchRelease)
		}
		if err := store.CreateBatch(context.Background(), batch); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s created batch %s (id %d)\n", color.GreenString("✓"), batch.Name, batch.ID)
	},
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches with progress",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		batches, err := store.ListBatches(ctx, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(batches) == 0 {
			fmt.Println("No batches")
			return
		}
		for _, batch := range batches {
			progress, err := store.Progress(ctx, batch.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("  %-20s %-10s %d/%d terminal (base=%d)\n",
				batch.Name, batch.Status, progress.Terminal, progress.Total, batch.BaseConcurrency)
		}
	},
}

var batchPauseCmd = &cobra.Command{
	Use:   "pause <name>",
	Short: "Pause dispatch for a batch",
	Args:  cobra.ExactArgs(1),
	Run:   func(cmd *cobra.Command, args []string) { setBatchStatus(args[0], types.BatchPaused) },
}

var batchResumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Resume dispatch for a batch",
	Args:  cobra.ExactArgs(1),
	Run:   func(cmd *cobra.Command, args []string) { setBatchStatus(args[0], types.BatchActive) },
}

func setBatchStatus(name string, status types.BatchStatus) {
	ctx := context.Background()
	batch, err := store.GetBatchByName(ctx, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := store.SetBatchStatus(ctx, batch.ID, status); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s batch %s is now %s\n", color.GreenString("✓"), name, status)
}

func init() {
	batchCreateCmd.Flags().IntVar(&batchBase, "base-concurrency", 2, "base parallel workers")
	batchCreateCmd.Flags().IntVar(&batchMax, "max-concurrency", 0, "hard ceiling (0 = CPU count)")
	batchCreateCmd.Flags().Float64Var(&batchLoad, "max-load-factor", 0.85, "host load ceiling")
	batchCreateCmd.Flags().StringVar(&batchRelease, "release-on-complete", "", "auto-release type: major|minor|patch")
	batchCreateCmd.Flags().BoolVar(&batchSkipQG, "skip-quality-gate", false, "accept completions without gate checks")

	batchCmd.AddCommand(batchCreateCmd, batchListCmd, batchPauseCmd, batchResumeCmd)
	rootCmd.AddCommand(batchCmd)
}
