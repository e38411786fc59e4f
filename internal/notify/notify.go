// Package notify shells out to an operator-configured command for events
// worth a human's attention. Notification failure never fails the pipeline.
package notify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Notifier runs the configured command with the event as arguments. An empty
// command disables notifications.
type Notifier struct {
	Command string
}

// Send invokes the command as: <command> <event> <subject> <detail>.
// Best effort: errors are warned, never returned.
func (n *Notifier) Send(ctx context.Context, event, subject, detail string) {
	if n == nil || n.Command == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, n.Command, event, subject, detail)
	if out, err := cmd.CombinedOutput(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: notification %q failed: %v (%s)\n", event, err, firstLine(string(out)))
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
