package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	tailFollow bool
	tailLines  int
)

var tailCmd = &cobra.Command{
	Use:   "tail <task-id>",
	Short: "Show a task's worker log",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		task, err := store.GetTask(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		logFile := task.LogFile
		if logFile == "" {
			logFile = filepath.Join(cfg.LogsDir, task.ID+".log")
		}
		if _, err := os.Stat(logFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: no log at %s\n", logFile)
			os.Exit(1)
		}

		tailArgs := []string{"-n", fmt.Sprintf("%d", tailLines)}
		if tailFollow {
			tailArgs = append(tailArgs, "-f")
		}
		tailArgs = append(tailArgs, logFile)

		tail := exec.Command("tail", tailArgs...)
		tail.Stdout = os.Stdout
		tail.Stderr = os.Stderr
		if err := tail.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "follow the log")
	tailCmd.Flags().IntVarP(&tailLines, "lines", "n", 50, "lines to show")
	rootCmd.AddCommand(tailCmd)
}
