package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aidevops/supervisor/internal/gitx"
)

// reuse policy: a worktree with real work in flight is kept, an empty one is
// rebuilt, and a branch with an open PR is never deleted.
const (
	// maxDivergedFiles bounds reuse: past this the worktree has drifted so
	// far from main that a fresh start is cheaper than reconciling.
	maxDivergedFiles = 50
)

// Provisioner decides between reusing, resetting, and recreating worktrees.
type Provisioner struct {
	Registry *Registry
	Root     string // directory worktrees live under
	Base     string // base ref, e.g. "origin/main"

	// HasOpenPR reports whether the branch has an open pull request.
	// Injected so provisioning stays testable without a live forge.
	HasOpenPR func(ctx context.Context, branch string) (bool, error)
}

// Decision says what Provision did with the worktree.
type Decision string

const (
	DecisionReused    Decision = "reused"
	DecisionRecreated Decision = "recreated"
	DecisionReset     Decision = "reset"
	DecisionCreated   Decision = "created"
)

// Provision ensures a worktree exists for the task and returns its path,
// branch, and what was done to get there.
//
// Policy:
//
//   - worktree present, >=1 commit ahead, <50 files diverged: reuse
//   - worktree present, 0 ahead, no open PR: delete and recreate
//   - worktree present, 0 ahead, open PR: keep, reset to base, force-push
//     the reset so the remote matches (the PR and its review context live on)
//   - no worktree but branch has an open PR: recreate on the existing branch
//   - anything else: create fresh
func (p *Provisioner) Provision(ctx context.Context, repo, taskID string) (path, branch string, decision Decision, err error) {
	branch = "task/" + taskID
	path = filepath.Join(p.Root, taskID)
	repoGit := gitx.New(repo)

	exists := false
	if _, statErr := os.Stat(path); statErr == nil {
		exists = true
	}

	if exists {
		wt := gitx.New(path)
		ahead, err := wt.AheadCount(ctx, p.Base)
		if err != nil {
			// Unreadable worktree; treat as broken and rebuild.
			return p.recreate(ctx, repoGit, path, branch, taskID)
		}

		if ahead >= 1 {
			diverged, err := wt.DivergedFileCount(ctx, p.Base)
			if err == nil && diverged < maxDivergedFiles {
				if err := p.Registry.Claim(path, taskID, ""); err != nil {
					return "", "", "", err
				}
				return path, branch, DecisionReused, nil
			}
			// Too far gone; rebuild.
			return p.recreate(ctx, repoGit, path, branch, taskID)
		}

		// Zero commits ahead: the split is whether a PR already exists.
		open, err := p.openPR(ctx, branch)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to check for open PR on %s: %w", branch, err)
		}
		if !open {
			return p.recreate(ctx, repoGit, path, branch, taskID)
		}

		// Open PR: never delete the branch. Reset contents to base and
		// force-push so the remote matches, preserving review context.
		wtGit := gitx.New(path)
		if err := wtGit.Fetch(ctx); err != nil {
			return "", "", "", err
		}
		if err := wtGit.ResetHardTo(ctx, p.Base); err != nil {
			return "", "", "", err
		}
		if err := wtGit.ForcePushWithLease(ctx, branch); err != nil {
			return "", "", "", err
		}
		if err := p.Registry.Claim(path, taskID, ""); err != nil {
			return "", "", "", err
		}
		return path, branch, DecisionReset, nil
	}

	// No worktree. An existing branch with an open PR gets a worktree on
	// that branch; otherwise create fresh from base.
	if err := repoGit.WorktreeAdd(ctx, path, branch, p.Base); err != nil {
		return "", "", "", fmt.Errorf("failed to create worktree for %s: %w", taskID, err)
	}
	if err := p.Registry.Claim(path, taskID, ""); err != nil {
		return "", "", "", err
	}
	return path, branch, DecisionCreated, nil
}

func (p *Provisioner) recreate(ctx context.Context, repoGit *gitx.Git, path, branch, taskID string) (string, string, Decision, error) {
	if err := p.Registry.CanRemove(path); err != nil {
		return "", "", "", err
	}
	if err := repoGit.WorktreeRemove(ctx, path); err != nil {
		// Fall back to raw removal for broken worktrees.
		if err := os.RemoveAll(path); err != nil {
			return "", "", "", fmt.Errorf("failed to remove worktree %s: %w", path, err)
		}
	}
	_ = p.Registry.Forget(path)

	if err := repoGit.WorktreeAdd(ctx, path, branch, p.Base); err != nil {
		return "", "", "", fmt.Errorf("failed to recreate worktree for %s: %w", taskID, err)
	}
	if err := p.Registry.Claim(path, taskID, ""); err != nil {
		return "", "", "", err
	}
	return path, branch, DecisionRecreated, nil
}

func (p *Provisioner) openPR(ctx context.Context, branch string) (bool, error) {
	if p.HasOpenPR == nil {
		return false, nil
	}
	return p.HasOpenPR(ctx, branch)
}

// Cleanup removes a task's worktree if this session may. Missing worktrees
// are fine.
func (p *Provisioner) Cleanup(ctx context.Context, repo, taskID string) error {
	path := filepath.Join(p.Root, taskID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = p.Registry.Forget(path)
		return nil
	}
	if err := p.Registry.CanRemove(path); err != nil {
		return err
	}
	if err := gitx.New(repo).WorktreeRemove(ctx, path); err != nil {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove worktree %s: %w", path, err)
		}
	}
	return p.Registry.Forget(path)
}
