package heal

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/aidevops/supervisor/internal/gitx"
	"github.com/aidevops/supervisor/internal/types"
)

// trivialLogBytes is the size below which a log with no PR signal is assumed
// to be a worker that gave up immediately.
const trivialLogBytes = 2048

// errorDensityLimit fails the gate when more than this fraction of the tail
// lines carry error markers.
const errorDensityLimit = 0.3

// QualityGate inspects a completion before it is accepted. A failing gate
// sends the task to escalation instead of the merge pipeline.
type QualityGate struct{}

// Inspect returns ok=false with a reason when the completion looks hollow.
// Checks run cheapest-first and the first failure wins.
func (g *QualityGate) Inspect(ctx context.Context, task *types.Task, summary *types.LogSummary) (ok bool, reason string) {
	if summary != nil {
		if summary.SizeBytes > 0 && summary.SizeBytes < trivialLogBytes &&
			summary.PRURL == "" && task.PRURL == "" {
			return false, fmt.Sprintf("trivial output: %d byte log with no PR signal", summary.SizeBytes)
		}
		if density := errorDensity(summary.TailLines); density > errorDensityLimit {
			return false, fmt.Sprintf("error density %.0f%% in log tail", density*100)
		}
	}

	if task.Worktree == "" {
		return true, ""
	}
	git := gitx.New(task.Worktree)

	files, err := git.ChangedFiles(ctx, "origin/main")
	if err == nil && len(files) == 0 && task.PRURL == "" {
		return false, "no changes against main and no PR"
	}

	for _, f := range files {
		if !strings.HasSuffix(f, ".sh") {
			continue
		}
		path := filepath.Join(task.Worktree, f)
		if out, err := exec.CommandContext(ctx, "bash", "-n", path).CombinedOutput(); err != nil {
			return false, fmt.Sprintf("shell syntax error in %s: %s", f, firstLine(string(out)))
		}
	}
	return true, ""
}

func errorDensity(tail []string) float64 {
	if len(tail) == 0 {
		return 0
	}
	hits := 0
	for _, line := range tail {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "traceback") ||
			strings.Contains(lower, "exception") {
			hits++
		}
	}
	return float64(hits) / float64(len(tail))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
