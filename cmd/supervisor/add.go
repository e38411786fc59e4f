package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aidevops/supervisor/internal/types"
)

var (
	addRepo       string
	addModel      string
	addBatch      string
	addMaxRetries int
)

var addCmd = &cobra.Command{
	Use:   "add <task-id> <description>",
	Short: "Queue a new task",
	Long: `Queue a task for the next pulse to dispatch.

Task IDs are opaque; dots encode hierarchy (t12.3 is a subtask of t12)
and siblings of the same parent merge serially.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		repo := addRepo
		if repo == "" {
			repo, _ = os.Getwd()
		}
		repo, err := filepath.Abs(repo)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		task := &types.Task{
			ID:          args[0],
			Description: args[1],
			Repo:        repo,
			Model:       addModel,
		}
		if addMaxRetries > 0 {
			task.MaxRetries = addMaxRetries
		}
		if err := store.CreateTask(ctx, task); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create task: %v\n", err)
			os.Exit(1)
		}

		if addBatch != "" {
			batch, err := store.GetBatchByName(ctx, addBatch)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: batch %q: %v\n", addBatch, err)
				os.Exit(1)
			}
			progress, err := store.Progress(ctx, batch.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if err := store.AddBatchMember(ctx, batch.ID, task.ID, progress.Total); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s queued %s (%s)\n", green("✓"), task.ID, repo)
	},
}

func init() {
	addCmd.Flags().StringVar(&addRepo, "repo", "", "repository root (default: current directory)")
	addCmd.Flags().StringVar(&addModel, "model", "", "explicit model, bypassing resolution")
	addCmd.Flags().StringVar(&addBatch, "batch", "", "append to an existing batch")
	addCmd.Flags().IntVar(&addMaxRetries, "max-retries", 0, "retry ceiling (default 3)")
	rootCmd.AddCommand(addCmd)
}
