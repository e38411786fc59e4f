package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aidevops/supervisor/internal/proc"
	"github.com/aidevops/supervisor/internal/storage"
	"github.com/aidevops/supervisor/internal/todo"
	"github.com/aidevops/supervisor/internal/types"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task and kill its worker",
	Long: `Cancel a task if its current state permits. Any recorded worker
process tree is terminated (TERM, grace period, then KILL).

Cancelling during merging or deploying is allowed but remote side-effects
(a merge that already landed, a half-finished deploy) are recovered by the
normal pulse phases.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		id := args[0]

		task, err := store.GetTask(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if pid := proc.ParseSession(task.Session); pid > 0 && proc.Alive(pid) {
			fmt.Printf("Killing worker pid %d...\n", pid)
			if err := proc.KillTree(pid, 10*time.Second); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
		}
		_ = proc.RemovePID(cfg.PIDsDir, id)

		if _, err := store.Transition(ctx, id, types.StatusCancelled, storage.TransitionUpdate{
			Reason:        "cancelled by operator",
			DecisionMaker: "cli",
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		// Free the registry claim so the line can be picked up again.
		if task.Repo != "" {
			if err := todo.NewRegistry(task.Repo).Unclaim(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to unclaim %s in TODO.md: %v\n", id, err)
			}
		}
		fmt.Printf("%s cancelled %s\n", color.GreenString("✓"), id)
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
