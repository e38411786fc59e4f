package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aidevops/supervisor/internal/proc"
	"github.com/aidevops/supervisor/internal/types"
)

var statusAll bool

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show pipeline status",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if len(args) == 1 {
			showTask(ctx, args[0])
			return
		}
		showOverview(ctx)
	},
}

func showOverview(ctx context.Context) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("=== Supervisor Status ==="))

	fmt.Printf("%s\n", yellow("Tasks by status:"))
	total := 0
	for _, status := range types.AllStatuses {
		n, err := store.CountByStatus(ctx, status)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if n == 0 && !statusAll {
			continue
		}
		fmt.Printf("  %-14s %d\n", status, n)
		total += n
	}
	if total == 0 {
		fmt.Printf("  %s\n", gray("No tasks"))
	}
	fmt.Println()

	active, err := store.ListTasks(ctx, types.TaskFilter{Statuses: []types.Status{
		types.StatusDispatched, types.StatusRunning,
	}})
	if err == nil && len(active) > 0 {
		fmt.Printf("%s\n", yellow("Active workers:"))
		for _, task := range active {
			pid := proc.ParseSession(task.Session)
			liveness := gray("dead")
			if proc.Alive(pid) {
				liveness = color.GreenString("alive")
			}
			age := ""
			if task.StartedAt != nil {
				age = time.Since(*task.StartedAt).Round(time.Second).String()
			}
			fmt.Printf("  %s  pid=%d %s  %s\n", task.ID, pid, liveness, age)
		}
		fmt.Println()
	}
}

func showTask(ctx context.Context, id string) {
	task, err := store.GetTask(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("\n%s\n\n", cyan("=== "+task.ID+" ==="))
	fmt.Printf("  Status:  %s\n", task.Status)
	fmt.Printf("  Repo:    %s\n", task.Repo)
	if task.Model != "" {
		fmt.Printf("  Model:   %s\n", task.Model)
	}
	if task.Branch != "" {
		fmt.Printf("  Branch:  %s\n", task.Branch)
	}
	if task.PRURL != "" {
		fmt.Printf("  PR:      %s\n", task.PRURL)
	}
	if task.IssueURL != "" {
		fmt.Printf("  Issue:   %s\n", task.IssueURL)
	}
	if task.LastError != "" {
		fmt.Printf("  Error:   %s\n", color.RedString(task.LastError))
	}
	fmt.Printf("  Retries: %d/%d  Escalations: %d/%d\n",
		task.Retries, task.MaxRetries, task.EscalationDepth, task.MaxEscalations)

	history, err := store.StateHistory(ctx, id)
	if err == nil && len(history) > 0 {
		fmt.Printf("\n%s\n", color.YellowString("History:"))
		for _, h := range history {
			fmt.Printf("  %s  %s -> %s  %s\n",
				h.CreatedAt.Format("01-02 15:04:05"), h.FromState, h.ToState, h.Reason)
		}
	}
	fmt.Println()
}

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "include zero-count statuses")
	rootCmd.AddCommand(statusCmd)
}
