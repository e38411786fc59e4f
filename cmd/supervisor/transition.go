package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aidevops/supervisor/internal/storage"
	"github.com/aidevops/supervisor/internal/types"
)

var transitionReason string

var transitionCmd = &cobra.Command{
	Use:   "transition <task-id> <status>",
	Short: "Force a state transition",
	Long: `Manually transition a task. The whitelist still applies: only edges
the pipeline itself could take are accepted. Useful for requeueing blocked
tasks after fixing the underlying problem:

  supervisor transition t42 queued --reason "token refreshed"`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		target := types.Status(strings.ToLower(args[1]))
		if !target.IsValid() {
			fmt.Fprintf(os.Stderr, "Error: unknown status %q\n", args[1])
			os.Exit(1)
		}

		reason := transitionReason
		if reason == "" {
			reason = "manual transition"
		}
		if _, err := store.Transition(ctx, args[0], target, storage.TransitionUpdate{
			Reason:        reason,
			DecisionMaker: "cli",
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s %s -> %s\n", color.GreenString("✓"), args[0], target)
	},
}

func init() {
	transitionCmd.Flags().StringVar(&transitionReason, "reason", "", "reason recorded in the state log")
	rootCmd.AddCommand(transitionCmd)
}
