// Package dispatch launches worker subprocesses for queued tasks behind a
// chain of pre-flight gates. Every gate failure is a distinct, typed result
// so the pulse can decide between skip, defer, and block.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aidevops/supervisor/internal/config"
	"github.com/aidevops/supervisor/internal/forge"
	"github.com/aidevops/supervisor/internal/gitx"
	"github.com/aidevops/supervisor/internal/governor"
	"github.com/aidevops/supervisor/internal/model"
	"github.com/aidevops/supervisor/internal/proc"
	"github.com/aidevops/supervisor/internal/storage"
	"github.com/aidevops/supervisor/internal/todo"
	"github.com/aidevops/supervisor/internal/types"
	"github.com/aidevops/supervisor/internal/worktree"
)

// Result classifies one dispatch attempt.
type Result string

const (
	ResultDispatched      Result = "dispatched"
	ResultNotQueued       Result = "not_queued"        // terminal recheck failed
	ResultAlreadyDone     Result = "already_done"      // git/forge shows prior completion
	ResultClaimLost       Result = "claim_lost"        // TODO.md claim race lost
	ResultDeferred        Result = "deferred"          // concurrency ceiling reached
	ResultModelDeferred   Result = "model_deferred"    // provider down or rate-limited
	ResultModelBlocked    Result = "model_blocked"     // credits/auth; task blocked permanently
	ResultForgeAuthFailed Result = "forge_auth_failed" // token rejected
	ResultError           Result = "error"
)

// Dispatcher runs the pre-flight gates and spawns workers.
type Dispatcher struct {
	Cfg      *config.Config
	Store    *storage.Store
	Sampler  governor.Sampler
	Prober   *model.Prober
	Resolver *model.Resolver
	Forge    *forge.Client
	Registry *worktree.Registry

	// forgeAuthOK caches the auth gate for the pulse lifetime.
	forgeAuthChecked bool
	forgeAuthErr     error
}

// Dispatch runs one task through the gates. A nil error with a non-dispatched
// Result is a refusal, not a failure.
func (d *Dispatcher) Dispatch(ctx context.Context, task *types.Task, batch *types.Batch) (Result, error) {
	// Gate 1: terminal recheck. The pulse peeked this task earlier; the
	// state may have moved since.
	fresh, err := d.Store.GetTask(ctx, task.ID)
	if err != nil {
		return ResultError, err
	}
	if fresh.Status != types.StatusQueued {
		return ResultNotQueued, nil
	}
	task = fresh

	// Gate 2: already-done detection. After a DB reset or external
	// completion, git history or a merged PR still knows the work happened.
	done, err := d.alreadyDone(ctx, task)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: already-done check failed for %s: %v\n", task.ID, err)
	} else if done {
		_, err := d.Store.Transition(ctx, task.ID, types.StatusCancelled, storage.TransitionUpdate{
			Reason:        "Pre-dispatch: already completed",
			Evidence:      "git_history_or_merged_pr",
			DecisionMaker: "dispatcher",
		})
		if err != nil {
			return ResultError, err
		}
		return ResultAlreadyDone, nil
	}

	// Gate 3: claim acquisition in TODO.md.
	identity := d.Forge.Identity(ctx)
	registry := todo.NewRegistry(task.Repo)
	if err := registry.Claim(ctx, task.ID, identity); err != nil {
		if errors.Is(err, todo.ErrClaimLost) {
			return ResultClaimLost, nil
		}
		if errors.Is(err, todo.ErrTaskLineMissing) {
			// Tasks added directly to the store may have no registry line.
			fmt.Fprintf(os.Stderr, "Warning: %s has no TODO.md line, skipping claim\n", task.ID)
		} else {
			return ResultError, err
		}
	}

	// Gate 4: admission, with a fresh running count. Counting once per
	// pulse and dispatching against the stale number overshoots the
	// ceiling.
	sample, err := d.Sampler.Sample()
	if err != nil {
		return ResultError, fmt.Errorf("failed to sample host load: %w", err)
	}
	running, err := d.Store.ActiveCount(ctx)
	if err != nil {
		return ResultError, err
	}
	base, maxC := d.concurrency(batch)
	admitted, effective := governor.Admit(base, maxC, running, sample)
	if !admitted {
		return ResultDeferred, nil
	}

	// Gate 5: model health.
	resolved := d.Resolver.Resolve(task.Model, task.Description)
	switch d.Prober.Probe(ctx, resolved) {
	case model.Healthy:
	case model.Unavailable, model.RateLimited:
		return ResultModelDeferred, nil
	case model.AuthFailed:
		_, err := d.Store.Transition(ctx, task.ID, types.StatusBlocked, storage.TransitionUpdate{
			Reason:        "model provider auth failed (credits exhausted or invalid key)",
			Evidence:      "probe=auth_failed,model=" + resolved,
			DecisionMaker: "dispatcher",
		})
		if err != nil {
			return ResultError, err
		}
		return ResultModelBlocked, nil
	}

	// Gate 6: forge auth, checked once per pulse.
	if !d.forgeAuthChecked {
		_, d.forgeAuthErr = d.Forge.Username(ctx)
		d.forgeAuthChecked = true
	}
	if d.forgeAuthErr != nil {
		return ResultForgeAuthFailed, d.forgeAuthErr
	}

	// Gate 7: SSH remotes cannot push from agent-less background workers.
	if err := gitx.New(task.Repo).EnsureHTTPSRemote(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: remote rewrite failed for %s: %v\n", task.ID, err)
	}

	// Provision the worktree.
	prov := &worktree.Provisioner{
		Registry: d.Registry,
		Root:     d.Cfg.WorktreesDir,
		Base:     "origin/main",
		HasOpenPR: func(ctx context.Context, branch string) (bool, error) {
			pr, err := d.Forge.OpenPRForBranch(ctx, task.Repo, branch)
			return pr != nil, err
		},
	}
	wtPath, branch, decision, err := prov.Provision(ctx, task.Repo, task.ID)
	if err != nil {
		return ResultError, fmt.Errorf("worktree provisioning failed: %w", err)
	}

	// Spawn the worker.
	pid, logFile, err := d.spawn(ctx, task.ID, resolved, wtPath, workerPrompt(task))
	if err != nil {
		return ResultError, err
	}

	session := fmt.Sprintf("pid:%d", pid)
	update := storage.TransitionUpdate{
		Reason:        fmt.Sprintf("dispatched (worktree %s)", decision),
		Session:       &session,
		Worktree:      &wtPath,
		Branch:        &branch,
		LogFile:       &logFile,
		Model:         &resolved,
		Evidence:      fmt.Sprintf("running=%d,effective=%d,model=%s", running, effective, resolved),
		DecisionMaker: "dispatcher",
	}
	if _, err := d.Store.Transition(ctx, task.ID, types.StatusDispatched, update); err != nil {
		return ResultError, err
	}
	if _, err := d.Store.Transition(ctx, task.ID, types.StatusRunning, storage.TransitionUpdate{
		Reason: "worker process started",
	}); err != nil {
		return ResultError, err
	}
	return ResultDispatched, nil
}

// alreadyDone checks git history and the forge for evidence the task was
// finished before (word-boundary match on the task ID).
func (d *Dispatcher) alreadyDone(ctx context.Context, task *types.Task) (bool, error) {
	git := gitx.New(task.Repo)
	if git.IsRepo(ctx) {
		found, err := git.HistoryMentions(ctx, task.ID)
		if err == nil && found {
			return true, nil
		}
	}
	merged, err := d.Forge.MergedPRMentioning(ctx, task.Repo, task.ID)
	if err != nil {
		return false, err
	}
	return merged, nil
}

func (d *Dispatcher) concurrency(batch *types.Batch) (base, maxC int) {
	if batch != nil {
		return batch.BaseConcurrency, batch.MaxConcurrency
	}
	return d.Cfg.BaseConcurrency, d.Cfg.MaxConcurrency
}

// spawn launches the worker under nohup with a wrapper that records the exit
// code, detached so it survives this short-lived pulse process.
func (d *Dispatcher) spawn(ctx context.Context, taskID, resolvedModel, wtPath, prompt string) (pid int, logFile string, err error) {
	logFile = filepath.Join(d.Cfg.LogsDir, taskID+".log")
	if err := os.MkdirAll(d.Cfg.LogsDir, 0755); err != nil {
		return 0, "", fmt.Errorf("failed to create logs directory: %w", err)
	}

	workerCfg, err := d.writeWorkerConfig(taskID)
	if err != nil {
		return 0, "", err
	}

	script := buildWrapper(d.Cfg.WorkerCommand, resolvedModel, workerCfg, prompt, logFile)

	cmd := exec.CommandContext(ctx, "bash", "-c", script)
	cmd.Dir = wtPath
	// Detach fully: new session, no inherited stdio.
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return 0, "", fmt.Errorf("failed to start worker: %w", err)
	}
	pid = cmd.Process.Pid
	// Reap the shell in the background; the worker itself is disowned
	// inside the wrapper.
	go func() { _ = cmd.Wait() }()

	if err := proc.WritePID(d.Cfg.PIDsDir, taskID, pid); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to write pid file for %s: %v\n", taskID, err)
	}
	return pid, logFile, nil
}

// SpawnReviewFix launches a worker in the task's existing worktree to address
// review threads, and moves the task back through dispatched to running.
func (d *Dispatcher) SpawnReviewFix(ctx context.Context, task *types.Task, prompt string) error {
	if task.Worktree == "" {
		return fmt.Errorf("task %s has no worktree for a review-fix worker", task.ID)
	}
	resolved := task.Model
	if resolved == "" {
		resolved = d.Resolver.Resolve("", task.Description)
	}
	pid, logFile, err := d.spawn(ctx, task.ID, resolved, task.Worktree, prompt)
	if err != nil {
		return err
	}
	session := fmt.Sprintf("pid:%d", pid)
	if _, err := d.Store.Transition(ctx, task.ID, types.StatusDispatched, storage.TransitionUpdate{
		Reason:        "review-fix worker dispatched",
		Session:       &session,
		LogFile:       &logFile,
		DecisionMaker: "lifecycle",
	}); err != nil {
		return err
	}
	_, err = d.Store.Transition(ctx, task.ID, types.StatusRunning, storage.TransitionUpdate{
		Reason: "review-fix worker started",
	})
	return err
}

// buildWrapper emits the shell wrapper: sentinel, worker under nohup/disown,
// exit capture. The worker must keep running after the pulse exits.
func buildWrapper(command, resolvedModel, workerCfg, prompt, logFile string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "echo WORKER_STARTED >> %q\n", logFile)
	fmt.Fprintf(&b, "nohup %s --model %q --settings %q -p %q >> %q 2>&1 < /dev/null &\n",
		command, resolvedModel, workerCfg, prompt, logFile)
	b.WriteString("WPID=$!\n")
	b.WriteString("disown $WPID\n")
	b.WriteString("wait $WPID 2>/dev/null\n")
	fmt.Fprintf(&b, "echo EXIT:$? >> %q\n", logFile)
	return b.String()
}

// writeWorkerConfig generates a per-worker settings file with heavy
// indexers disabled; semantic-search plugins cost a core per worker.
func (d *Dispatcher) writeWorkerConfig(taskID string) (string, error) {
	dir := filepath.Join(d.Cfg.HomeDir, "worker-configs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create worker config directory: %w", err)
	}
	path := filepath.Join(dir, taskID+".json")
	cfg := `{
  "disabledMcpjsonServers": ["semantic-code-search", "code-indexer"],
  "env": {"DISABLE_INDEXING": "1"}
}
`
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		return "", fmt.Errorf("failed to write worker config: %w", err)
	}
	return path, nil
}

// workerPrompt renders the task into the worker CLI's single prompt
// argument.
func workerPrompt(task *types.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n\n", task.ID, task.Description)
	b.WriteString("Work in the current directory (a dedicated git worktree).\n")
	b.WriteString("Commit your work referencing the task ID, push the branch, and open a pull request.\n")
	b.WriteString("When the full loop is done, print FULL_LOOP_COMPLETE on its own line.\n")
	if task.IsDiagnostic() {
		fmt.Fprintf(&b, "\nThis is a diagnostic task for %s: investigate the failure evidence in the description and fix the root cause.\n", task.DiagnosticOf)
	}
	return b.String()
}

// HangCheck transitions running tasks whose workers died without an exit
// marker, and terminates workers that stopped producing log output. A hang is
// log silence, not elapsed runtime: a worker grinding through a long build is
// healthy as long as its log keeps moving. Termination is two-phase: SIGTERM
// at half the silence budget, SIGKILL at the full budget.
func (d *Dispatcher) HangCheck(ctx context.Context, task *types.Task, hangAfter time.Duration) error {
	if task.Status != types.StatusRunning {
		return nil
	}

	alive := proc.SessionAlive(task.Session)
	if !alive {
		_, err := d.Store.Transition(ctx, task.ID, types.StatusEvaluating, storage.TransitionUpdate{
			Reason: "worker process exited",
		})
		return err
	}

	silence := d.logSilence(task)
	switch {
	case silence > hangAfter:
		pid := proc.ParseSession(task.Session)
		fmt.Fprintf(os.Stderr, "Warning: killing hung worker for %s (pid %d, no log output for %s)\n",
			task.ID, pid, silence.Round(time.Minute))
		if err := proc.KillTree(pid, 10*time.Second); err != nil {
			return err
		}
		_, err := d.Store.Transition(ctx, task.ID, types.StatusEvaluating, storage.TransitionUpdate{
			Reason:   "worker killed after hang timeout",
			Evidence: fmt.Sprintf("log_silence=%s", silence.Round(time.Second)),
		})
		return err
	case silence > hangAfter/2:
		pid := proc.ParseSession(task.Session)
		fmt.Fprintf(os.Stderr, "Warning: SIGTERM to quiet worker for %s (pid %d, no log output for %s)\n",
			task.ID, pid, silence.Round(time.Minute))
		proc.TermTree(pid)
	}
	return nil
}

// logSilence measures how long the worker's log file has been untouched. With
// no readable log it falls back to the task's last state change; started_at is
// useless here because a respawned retry inherits the original timestamp.
func (d *Dispatcher) logSilence(task *types.Task) time.Duration {
	if task.LogFile != "" {
		if info, err := os.Stat(task.LogFile); err == nil {
			return time.Since(info.ModTime())
		}
	}
	return time.Since(task.UpdatedAt)
}
