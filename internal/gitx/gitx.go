// Package gitx wraps the git CLI operations the pipeline depends on:
// history searches for already-done detection, divergence measurements for
// worktree reuse, remote rewrites, and the push/rebase primitives.
package gitx

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Git runs commands against one repository (or worktree) directory.
type Git struct {
	Dir string
}

// New returns a Git bound to dir.
func New(dir string) *Git {
	return &Git{Dir: dir}
}

// run executes git with args in the bound directory, returning combined
// output. Errors carry the output; git writes its diagnostics to stderr.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s failed: %w (output: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// IsRepo reports whether the directory is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context) bool {
	out, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// HistoryMentions reports whether any commit message references the task ID
// as a whole word. A plain substring match would let "t12" match "t123"
// commits, so the grep is anchored on word boundaries.
func (g *Git) HistoryMentions(ctx context.Context, taskID string) (bool, error) {
	pattern := `\b` + regexp.QuoteMeta(taskID) + `\b`
	out, err := g.run(ctx, "log", "--all", "-E", "--grep", pattern, "--format=%H", "-n", "1")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// AheadCount returns the number of commits HEAD is ahead of base.
func (g *Git) AheadCount(ctx context.Context, base string) (int, error) {
	out, err := g.run(ctx, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", out, err)
	}
	return n, nil
}

// DivergedFileCount returns how many files differ between base and HEAD
// (three-dot: changes since the merge base).
func (g *Git) DivergedFileCount(ctx context.Context, base string) (int, error) {
	out, err := g.run(ctx, "diff", "--name-only", base+"...HEAD")
	if err != nil {
		return 0, err
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return 0, nil
	}
	return len(strings.Split(trimmed, "\n")), nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RemoteURL returns the origin fetch URL.
func (g *Git) RemoteURL(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "remote", "get-url", "origin")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

var sshRemote = regexp.MustCompile(`^(?:ssh://)?git@([^:/]+)[:/](.+?)(?:\.git)?$`)

// HTTPSFromSSH converts an SSH remote URL to HTTPS, or returns the input
// unchanged when it is not SSH. Background workers run without an SSH agent,
// so they can only push over HTTPS.
func HTTPSFromSSH(url string) string {
	m := sshRemote.FindStringSubmatch(url)
	if m == nil {
		return url
	}
	return fmt.Sprintf("https://%s/%s.git", m[1], m[2])
}

// EnsureHTTPSRemote rewrites an SSH origin to HTTPS in place.
func (g *Git) EnsureHTTPSRemote(ctx context.Context) error {
	url, err := g.RemoteURL(ctx)
	if err != nil {
		return err
	}
	https := HTTPSFromSSH(url)
	if https == url {
		return nil
	}
	if _, err := g.run(ctx, "remote", "set-url", "origin", https); err != nil {
		return err
	}
	return nil
}

// Fetch updates origin refs.
func (g *Git) Fetch(ctx context.Context) error {
	_, err := g.run(ctx, "fetch", "origin")
	return err
}

// ResetHardTo discards all local state and matches ref exactly.
func (g *Git) ResetHardTo(ctx context.Context, ref string) error {
	if _, err := g.run(ctx, "reset", "--hard", ref); err != nil {
		return err
	}
	_, err := g.run(ctx, "clean", "-fd")
	return err
}

// Push pushes the branch to origin. Returns ErrPushRejected when the remote
// moved underneath us; that is the optimistic-concurrency conflict signal.
func (g *Git) Push(ctx context.Context, branch string) error {
	out, err := g.run(ctx, "push", "origin", branch)
	if err != nil {
		if isRejection(out) {
			return fmt.Errorf("push of %s: %w", branch, ErrPushRejected)
		}
		return err
	}
	return nil
}

// ForcePushWithLease force-pushes the branch, refusing if the remote moved
// past what we last fetched.
func (g *Git) ForcePushWithLease(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "push", "--force-with-lease", "origin", branch)
	return err
}

// Rebase rebases the current branch onto ref.
func (g *Git) Rebase(ctx context.Context, ref string) error {
	if _, err := g.run(ctx, "rebase", ref); err != nil {
		// A half-done rebase leaves the worktree unusable for the next step.
		_, _ = g.run(ctx, "rebase", "--abort")
		return err
	}
	return nil
}

// Pull rebase-pulls the current branch.
func (g *Git) Pull(ctx context.Context) error {
	_, err := g.run(ctx, "pull", "--rebase", "origin")
	return err
}

// PullFFOnly fast-forwards the current branch, refusing merges.
func (g *Git) PullFFOnly(ctx context.Context) error {
	_, err := g.run(ctx, "pull", "--ff-only", "origin")
	return err
}

// DeleteBranch removes a local branch, forcing through unmerged warnings.
func (g *Git) DeleteBranch(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "branch", "-D", branch)
	return err
}

// CommitAll stages everything and commits with message. No-ops cleanly when
// there is nothing to commit.
func (g *Git) CommitAll(ctx context.Context, message string) error {
	if _, err := g.run(ctx, "add", "-A"); err != nil {
		return err
	}
	out, err := g.run(ctx, "commit", "-m", message)
	if err != nil && strings.Contains(out, "nothing to commit") {
		return nil
	}
	return err
}

// ChangedFiles lists the paths that differ from the merge-base with base.
func (g *Git) ChangedFiles(ctx context.Context, base string) ([]string, error) {
	out, err := g.run(ctx, "diff", "--name-only", base+"...HEAD")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// HeadCommit returns the current HEAD SHA.
func (g *Git) HeadCommit(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DiffStat returns the summary line of changes since base, "" for no diff.
func (g *Git) DiffStat(ctx context.Context, base string) (string, error) {
	out, err := g.run(ctx, "diff", "--shortstat", base+"...HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// WorktreeAdd creates a worktree at path on branch, creating the branch from
// base when it does not exist yet.
func (g *Git) WorktreeAdd(ctx context.Context, path, branch, base string) error {
	if _, err := g.run(ctx, "worktree", "add", path, branch); err == nil {
		return nil
	}
	_, err := g.run(ctx, "worktree", "add", "-b", branch, path, base)
	return err
}

// WorktreeRemove removes a worktree and prunes the registry. A broken
// worktree falls back to prune-only.
func (g *Git) WorktreeRemove(ctx context.Context, path string) error {
	if _, err := g.run(ctx, "worktree", "remove", path, "--force"); err != nil {
		_, _ = g.run(ctx, "worktree", "prune")
		return err
	}
	_, _ = g.run(ctx, "worktree", "prune")
	return nil
}

func isRejection(output string) bool {
	return strings.Contains(output, "[rejected]") ||
		strings.Contains(output, "failed to push some refs") ||
		strings.Contains(output, "fetch first")
}
