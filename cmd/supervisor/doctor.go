package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aidevops/supervisor/internal/forge"
	"github.com/aidevops/supervisor/internal/types"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the environment the pulse depends on",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		ok := color.GreenString("ok")
		bad := color.RedString("FAIL")
		warn := color.YellowString("warn")
		failures := 0

		// Database. PersistentPreRunE already opened it; a ping proves
		// the file is still writable.
		if _, err := store.CountByStatus(ctx, types.StatusQueued); err != nil {
			fmt.Printf("  %s  database: %v\n", bad, err)
			failures++
		} else {
			fmt.Printf("  %s  database: %s\n", ok, cfg.DBPath)
		}

		// Worker binary.
		if path, err := exec.LookPath(cfg.WorkerCommand); err != nil {
			fmt.Printf("  %s  worker command %q not on PATH\n", bad, cfg.WorkerCommand)
			failures++
		} else {
			fmt.Printf("  %s  worker command: %s\n", ok, path)
		}

		// gh binary and authentication.
		if _, err := exec.LookPath("gh"); err != nil {
			fmt.Printf("  %s  gh not on PATH\n", bad)
			failures++
		} else {
			authCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			client := forge.NewClient(cfg.ForgeRPS, cfg.ForgeRetries)
			if user, err := client.Username(authCtx); err != nil {
				fmt.Printf("  %s  gh auth: %v\n", bad, err)
				failures++
			} else {
				fmt.Printf("  %s  gh auth: logged in as %s\n", ok, user)
			}
			cancel()
		}

		// Pulse lock.
		if _, err := os.Stat(cfg.LockDir); err == nil {
			fmt.Printf("  %s  pulse lock held at %s (a pulse may be running)\n", warn, cfg.LockDir)
		} else {
			fmt.Printf("  %s  pulse lock free\n", ok)
		}

		// State directories.
		for _, dir := range []string{cfg.LogsDir, cfg.WorktreesDir, cfg.PIDsDir} {
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				fmt.Printf("  %s  missing directory %s\n", bad, dir)
				failures++
			}
		}

		if failures > 0 {
			fmt.Printf("\n%d problem(s) found\n", failures)
			os.Exit(1)
		}
		fmt.Printf("\n%s environment looks healthy\n", color.GreenString("✓"))
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
