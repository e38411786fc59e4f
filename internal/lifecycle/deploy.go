package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// deployManifest is the optional .supervisor-deploy.yml at the repo root.
// Its presence marks a self-deploying repository.
type deployManifest struct {
	Command  string `yaml:"command"`
	Targeted bool   `yaml:"targeted"` // pass --since <pre-merge-commit>
}

// Deployer runs the post-merge deploy step with a hard timeout.
type Deployer struct {
	Timeout time.Duration
}

// Deploy deploys repo after a merge. A .supervisor-deploy.yml manifest takes
// precedence; targeted manifests receive the pre-merge commit so they can
// deploy only what changed. Without a manifest, a setup.sh at the repo root
// is run in full. Neither existing is a no-op, not an error.
func (d *Deployer) Deploy(ctx context.Context, repo, preMergeCommit string) error {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args, ok, err := d.plan(repo, preMergeCommit)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = repo
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("deploy timed out after %s", timeout)
	}
	if err != nil {
		return fmt.Errorf("deploy failed: %w (output: %s)", err, tail(string(out), 500))
	}
	return nil
}

func (d *Deployer) plan(repo, preMergeCommit string) (name string, args []string, ok bool, err error) {
	manifestPath := filepath.Join(repo, ".supervisor-deploy.yml")
	if data, readErr := os.ReadFile(manifestPath); readErr == nil {
		var m deployManifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return "", nil, false, fmt.Errorf("failed to parse %s: %w", manifestPath, err)
		}
		if m.Command == "" {
			return "", nil, false, fmt.Errorf("%s has no command", manifestPath)
		}
		args = []string{"-c", m.Command}
		if m.Targeted && preMergeCommit != "" {
			args[1] = fmt.Sprintf("%s --since %s", m.Command, preMergeCommit)
		}
		return "bash", args, true, nil
	}

	setup := filepath.Join(repo, "setup.sh")
	if _, statErr := os.Stat(setup); statErr == nil {
		return "bash", []string{setup}, true, nil
	}
	return "", nil, false, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
