package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var reportLimit int

var reportCmd = &cobra.Command{
	Use:   "report [task-id]",
	Short: "Show the proof log",
	Long: `Without arguments, shows recent decisions across all tasks. With a
task ID, shows that task's full audit trail plus per-stage latency.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if len(args) == 1 {
			reportTask(ctx, args[0])
			return
		}
		reportRecent(ctx)
	},
}

func reportRecent(ctx context.Context) {
	entries, err := store.RecentProof(ctx, reportLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("No proof entries")
		return
	}
	for _, e := range entries {
		fmt.Printf("  %s  %-8s %-14s %-10s %s\n",
			e.CreatedAt.Format("01-02 15:04:05"), e.TaskID, e.Event, e.Decision, e.Evidence)
	}
}

func reportTask(ctx context.Context, id string) {
	entries, err := store.ProofHistory(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Printf("No proof entries for %s\n", id)
		return
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("\n%s\n\n", cyan("=== "+id+" ==="))
	for _, e := range entries {
		fmt.Printf("  %s  %-14s %-10s %s", e.CreatedAt.Format("01-02 15:04:05"), e.Event, e.Decision, e.Evidence)
		if e.DecisionMaker != "" {
			fmt.Printf("  [%s]", e.DecisionMaker)
		}
		fmt.Println()
	}

	latencies, err := store.StageLatencies(ctx, id)
	if err == nil && len(latencies) > 0 {
		fmt.Printf("\n%s\n", color.YellowString("Stage latency:"))
		for _, l := range latencies {
			fmt.Printf("  %-14s %s\n", l.Stage, (time.Duration(l.Seconds * float64(time.Second))).Round(time.Second))
		}
	}
	fmt.Println()
}

func init() {
	reportCmd.Flags().IntVar(&reportLimit, "limit", 50, "entries to show in the recent view")
	rootCmd.AddCommand(reportCmd)
}
