package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aidevops/supervisor/internal/proc"
	"github.com/aidevops/supervisor/internal/types"
	"github.com/aidevops/supervisor/internal/worktree"
)

var cleanupDryRun bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune dead PID files, stale ownership tokens, and terminal worktrees",
	Long: `Remove supervisor state that no longer corresponds to anything live:

  - PID files whose process is gone
  - worktree ownership tokens whose session is dead
  - worktrees of tasks in a terminal state

Worktrees still claimed by a live session are left alone.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		removedPIDs := prunePIDFiles()

		registry, err := worktree.NewRegistry(cfg.WorktreesDir + ".tokens")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		prunedTokens := 0
		if !cleanupDryRun {
			prunedTokens, err = registry.Prune()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: token prune: %v\n", err)
			}
		}

		removedTrees := pruneWorktrees(ctx, registry)

		fmt.Printf("%s removed %d pid files, %d stale tokens, %d worktrees\n",
			color.GreenString("✓"), removedPIDs, prunedTokens, removedTrees)
	},
}

// prunePIDFiles deletes PID files whose recorded process is dead.
func prunePIDFiles() int {
	entries, err := os.ReadDir(cfg.PIDsDir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(cfg.PIDsDir, entry.Name()))
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err == nil && proc.Alive(pid) {
			continue
		}
		if cleanupDryRun {
			fmt.Printf("  would remove %s\n", entry.Name())
			removed++
			continue
		}
		if err := os.Remove(filepath.Join(cfg.PIDsDir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed
}

// pruneWorktrees tears down worktrees of tasks that reached a terminal
// state. Ownership checks inside the provisioner keep live ones safe.
func pruneWorktrees(ctx context.Context, registry *worktree.Registry) int {
	provisioner := &worktree.Provisioner{Registry: registry, Root: cfg.WorktreesDir, Base: "origin/main"}

	tasks, err := store.ListTasks(ctx, types.TaskFilter{Statuses: []types.Status{
		types.StatusVerified, types.StatusFailed, types.StatusCancelled,
	}})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return 0
	}

	removed := 0
	for _, task := range tasks {
		if task.Worktree == "" {
			continue
		}
		if _, err := os.Stat(task.Worktree); os.IsNotExist(err) {
			continue
		}
		if cleanupDryRun {
			fmt.Printf("  would remove worktree %s (%s)\n", task.Worktree, task.ID)
			removed++
			continue
		}
		if err := provisioner.Cleanup(ctx, task.Repo, task.ID); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %s: %v\n", task.ID, err)
			continue
		}
		removed++
	}
	return removed
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report what would be removed")
	rootCmd.AddCommand(cleanupCmd)
}
