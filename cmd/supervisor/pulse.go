package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aidevops/supervisor/internal/pulse"
)

// Exit codes for schedulers. 75 is EX_TEMPFAIL: try again next pulse.
const (
	exitOK          = 0
	exitError       = 1
	exitConcurrency = 2  // dispatch hit the concurrency ceiling
	exitProvider    = 3  // model provider unavailable or rate-limited
	exitTempFail    = 75 // lock held, or transient backend during reprompt
)

var pulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Run one supervision pass",
	Long: `Run one twelve-phase supervision pass and exit.

Exactly one pulse runs at a time; if another pulse holds the lock this
command exits silently with status 75 so cron overlap is harmless.
Dispatch deferrals surface as distinct codes: 2 when the concurrency
ceiling refused workers, 3 when the model provider is down or
rate-limited, 75 when a reprompt hit a transient backend failure.`,
	Run: func(cmd *cobra.Command, args []string) {
		sup, err := pulse.New(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitError)
		}
		defer func() { _ = sup.Close() }()

		err = sup.Pulse(context.Background())
		switch {
		case err == nil:
		case errors.Is(err, pulse.ErrPulseActive):
			os.Exit(exitTempFail)
		case errors.Is(err, pulse.ErrBackendTransient):
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			os.Exit(exitTempFail)
		case errors.Is(err, pulse.ErrProviderUnavailable):
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			os.Exit(exitProvider)
		case errors.Is(err, pulse.ErrConcurrencyLimit):
			os.Exit(exitConcurrency)
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitError)
		}
	},
}

func init() {
	rootCmd.AddCommand(pulseCmd)
}
