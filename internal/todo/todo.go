// Package todo mutates the repository's TODO.md task registry. Lines look
// like:
//
//   - [ ] t123 Add retry logic assignee:alice started:2026-08-01 #infra
//
// possibly indented for subtasks. Mutations are line-addressed and pushed
// with optimistic concurrency: a rejected push means another writer won, so
// we rebase, re-read, re-decide (possibly a no-op), and retry up to three
// times. Within one host, a flock serialises writers so local races never
// reach the push.
package todo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/aidevops/supervisor/internal/gitx"
)

// ErrClaimLost indicates another writer claimed the task (or mutated the
// registry) first.
var ErrClaimLost = errors.New("claim lost")

// ErrTaskLineMissing indicates the task ID has no line in TODO.md.
var ErrTaskLineMissing = errors.New("task line not found")

const maxPushRetries = 3

// Registry edits one repository's TODO.md.
type Registry struct {
	repo string
	git  *gitx.Git
}

// NewRegistry binds to the TODO.md in repo.
func NewRegistry(repo string) *Registry {
	return &Registry{repo: repo, git: gitx.New(repo)}
}

func (r *Registry) path() string {
	return filepath.Join(r.repo, "TODO.md")
}

// Checkbox markers beyond the plain pair show up in real registries:
// [-] cancelled, [!] attention. They parse like any other line and survive
// rewrites untouched.
var taskLine = regexp.MustCompile(`^(\s*)- \[([ xX!-])\] (\S+)(\s.*)?$`)

// Line is one parsed registry entry.
type Line struct {
	Index    int // 0-based line number
	Indent   string
	Box      string // checkbox marker as written
	Done     bool
	TaskID   string
	Rest     string // everything after the task ID, leading space included
	Assignee string
}

var assigneeField = regexp.MustCompile(`\s*assignee:(\S+)`)

func parseLine(index int, raw string) (Line, bool) {
	m := taskLine.FindStringSubmatch(raw)
	if m == nil {
		return Line{}, false
	}
	l := Line{Index: index, Indent: m[1], Box: m[2], TaskID: m[3], Rest: m[4]}
	l.Done = l.Box == "x" || l.Box == "X"
	if am := assigneeField.FindStringSubmatch(l.Rest); am != nil {
		l.Assignee = am[1]
	}
	return l, true
}

// Find returns the registry line for a task ID.
func (r *Registry) Find(taskID string) (Line, error) {
	data, err := os.ReadFile(r.path())
	if err != nil {
		return Line{}, fmt.Errorf("failed to read TODO.md: %w", err)
	}
	for i, raw := range strings.Split(string(data), "\n") {
		if l, ok := parseLine(i, raw); ok && l.TaskID == taskID {
			return l, nil
		}
	}
	return Line{}, fmt.Errorf("%s: %w", taskID, ErrTaskLineMissing)
}

// Claim sets assignee:<identity> on the task's line and pushes. Returns
// ErrClaimLost when another writer holds the claim or wins the push race.
func (r *Registry) Claim(ctx context.Context, taskID, identity string) error {
	return r.mutate(ctx, fmt.Sprintf("claim %s", taskID), func(lines []string) ([]string, bool, error) {
		l, ok := findIn(lines, taskID)
		if !ok {
			return lines, false, fmt.Errorf("%s: %w", taskID, ErrTaskLineMissing)
		}
		if l.Assignee == identity {
			return lines, false, nil // already ours
		}
		if l.Assignee != "" {
			return lines, false, fmt.Errorf("%s assigned to %s: %w", taskID, l.Assignee, ErrClaimLost)
		}
		rest := l.Rest + " assignee:" + identity
		if !strings.Contains(rest, " started:") {
			rest += " started:" + time.Now().Format("2006-01-02")
		}
		lines[l.Index] = renderLine(l.Indent, l.Box, l.TaskID, rest)
		return lines, true, nil
	})
}

// Unclaim removes the assignee field from the task's line.
func (r *Registry) Unclaim(ctx context.Context, taskID string) error {
	return r.mutate(ctx, fmt.Sprintf("unclaim %s", taskID), func(lines []string) ([]string, bool, error) {
		l, ok := findIn(lines, taskID)
		if !ok || l.Assignee == "" {
			return lines, false, nil
		}
		lines[l.Index] = renderLine(l.Indent, l.Box, l.TaskID,
			assigneeField.ReplaceAllString(l.Rest, ""))
		return lines, true, nil
	})
}

// Complete flips the task's checkbox to [x] and stamps completed:<date>.
func (r *Registry) Complete(ctx context.Context, taskID string) error {
	return r.mutate(ctx, fmt.Sprintf("complete %s", taskID), func(lines []string) ([]string, bool, error) {
		l, ok := findIn(lines, taskID)
		if !ok {
			return lines, false, fmt.Errorf("%s: %w", taskID, ErrTaskLineMissing)
		}
		if l.Done {
			return lines, false, nil
		}
		rest := assigneeField.ReplaceAllString(l.Rest, "")
		if !strings.Contains(rest, " completed:") {
			rest += " completed:" + time.Now().Format("2006-01-02")
		}
		lines[l.Index] = renderLine(l.Indent, "x", l.TaskID, rest)
		return lines, true, nil
	})
}

// AnnotateBlocked appends an indented Notes line under the task.
func (r *Registry) AnnotateBlocked(ctx context.Context, taskID, reason string) error {
	note := "BLOCKED: " + strings.ReplaceAll(reason, "\n", " ")
	return r.mutate(ctx, fmt.Sprintf("annotate %s", taskID), func(lines []string) ([]string, bool, error) {
		l, ok := findIn(lines, taskID)
		if !ok {
			return lines, false, fmt.Errorf("%s: %w", taskID, ErrTaskLineMissing)
		}
		noteLine := l.Indent + "  - Notes: " + note
		if l.Index+1 < len(lines) && lines[l.Index+1] == noteLine {
			return lines, false, nil // already annotated
		}
		out := make([]string, 0, len(lines)+1)
		out = append(out, lines[:l.Index+1]...)
		out = append(out, noteLine)
		out = append(out, lines[l.Index+1:]...)
		return out, true, nil
	})
}

// mutate applies edit under the host flock and optimistic push concurrency.
// The edit callback reads the freshly pulled file and reports whether it
// changed anything; edits must be re-decidable because a push race re-runs
// them against the rebased file.
func (r *Registry) mutate(ctx context.Context, what string, edit func(lines []string) ([]string, bool, error)) error {
	fl := flock.New(r.path() + ".lock")
	locked, err := fl.TryLockContext(ctx, 250*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock TODO.md: %w", err)
	}
	if !locked {
		return fmt.Errorf("TODO.md lock unavailable: %w", ErrClaimLost)
	}
	defer func() { _ = fl.Unlock() }()

	var lastErr error
	committedLocally := false
	for attempt := 0; attempt < maxPushRetries; attempt++ {
		if attempt > 0 {
			if err := r.git.Pull(ctx); err != nil {
				return fmt.Errorf("failed to rebase TODO.md after push race: %w", err)
			}
		}

		data, err := os.ReadFile(r.path())
		if err != nil {
			return fmt.Errorf("failed to read TODO.md: %w", err)
		}
		lines, changed, err := edit(strings.Split(string(data), "\n"))
		if err != nil {
			return err
		}
		if !changed && !committedLocally {
			return nil // another writer already did it
		}
		// A no-op re-decide after our own rebased commit still needs the
		// push; only a remote writer's identical change makes it moot.

		if changed {
			if err := os.WriteFile(r.path(), []byte(strings.Join(lines, "\n")), 0644); err != nil {
				return fmt.Errorf("failed to write TODO.md: %w", err)
			}
			if err := r.git.CommitAll(ctx, "todo: "+what); err != nil {
				return err
			}
			committedLocally = true
		}

		branch, err := r.git.CurrentBranch(ctx)
		if err != nil {
			return err
		}
		err = r.git.Push(ctx, branch)
		if err == nil {
			return nil
		}
		if !errors.Is(err, gitx.ErrPushRejected) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%s: push rejected %d times: %w", what, maxPushRetries, errors.Join(lastErr, ErrClaimLost))
}

func findIn(lines []string, taskID string) (Line, bool) {
	for i, raw := range lines {
		if l, ok := parseLine(i, raw); ok && l.TaskID == taskID {
			return l, true
		}
	}
	return Line{}, false
}

func renderLine(indent, box, taskID, rest string) string {
	rest = strings.TrimRight(rest, " ")
	return fmt.Sprintf("%s- [%s] %s%s", indent, box, taskID, rest)
}
