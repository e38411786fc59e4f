// Package linker is the single source of truth for binding PR URLs to
// tasks. Every URL goes through discover-validate-persist: a candidate URL
// is only stored after the live PR's title or head branch matches the task
// ID on a word boundary. Unvalidated URLs are cleared, never stored.
package linker

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/aidevops/supervisor/internal/forge"
	"github.com/aidevops/supervisor/internal/storage"
	"github.com/aidevops/supervisor/internal/types"
)

// Forge is the subset of forge capabilities linking needs.
type Forge interface {
	ViewPR(ctx context.Context, repo, ref string) (*forge.PR, error)
	PRsOnBranch(ctx context.Context, repo, branch string) ([]forge.PR, error)
}

// Linker validates and persists PR-task links.
type Linker struct {
	Store *storage.Store
	Forge Forge
}

// Validate checks that the PR at url genuinely belongs to the task: its
// title or head branch must contain the task ID as a whole word, so t195
// matches "feature/t195" but never "t1950".
func (l *Linker) Validate(ctx context.Context, repo, url, taskID string) (bool, error) {
	pr, err := l.Forge.ViewPR(ctx, repo, url)
	if err != nil {
		return false, fmt.Errorf("failed to fetch PR %s: %w", url, err)
	}
	return matchesTask(pr, taskID), nil
}

// Link validates url against the task and persists the result: the URL on
// success, a cleared column on failure. Returns whether the link stuck.
func (l *Linker) Link(ctx context.Context, task *types.Task, url string) (bool, error) {
	ok, err := l.Validate(ctx, task.Repo, url, task.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		// A wrong URL in the row is worse than none: downstream stages
		// would merge someone else's PR.
		if task.PRURL != "" {
			if err := l.Store.SetPRURL(ctx, task.ID, ""); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	if err := l.Store.SetPRURL(ctx, task.ID, url); err != nil {
		return false, err
	}
	return true, nil
}

// Discover looks for the task's PR by branch: first the recorded branch,
// then the conventional task/<id> and feature/<id> names. The first
// validated hit is persisted.
func (l *Linker) Discover(ctx context.Context, task *types.Task) (string, error) {
	branches := []string{}
	if task.Branch != "" {
		branches = append(branches, task.Branch)
	}
	branches = append(branches, "task/"+task.ID, "feature/"+task.ID)

	seen := map[string]bool{}
	for _, branch := range branches {
		if seen[branch] {
			continue
		}
		seen[branch] = true

		prs, err := l.Forge.PRsOnBranch(ctx, task.Repo, branch)
		if err != nil {
			return "", err
		}
		for _, pr := range prs {
			if matchesTask(&pr, task.ID) {
				if err := l.Store.SetPRURL(ctx, task.ID, pr.URL); err != nil {
					return "", err
				}
				return pr.URL, nil
			}
		}
	}
	return "", nil
}

// SweepOrphans runs Discover across every non-terminal task without a PR.
// Failures on one task never stop the sweep.
func (l *Linker) SweepOrphans(ctx context.Context) (linked int) {
	noPR := false
	tasks, err := l.Store.ListTasks(ctx, types.TaskFilter{HasPR: &noPR})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: orphan sweep list failed: %v\n", err)
		return 0
	}
	for _, task := range tasks {
		if task.Status.IsTerminal() || task.Status == types.StatusQueued {
			continue
		}
		url, err := l.Discover(ctx, task)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: orphan sweep failed for %s: %v\n", task.ID, err)
			continue
		}
		if url != "" {
			linked++
		}
	}
	return linked
}

func matchesTask(pr *forge.PR, taskID string) bool {
	pattern := regexp.MustCompile(`(^|[^A-Za-z0-9_.])` + regexp.QuoteMeta(taskID) + `($|[^A-Za-z0-9_.])`)
	return pattern.MatchString(pr.Title) || pattern.MatchString(pr.HeadRef)
}
