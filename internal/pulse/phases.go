package pulse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aidevops/supervisor/internal/dispatch"
	"github.com/aidevops/supervisor/internal/evaluate"
	"github.com/aidevops/supervisor/internal/proc"
	"github.com/aidevops/supervisor/internal/storage"
	"github.com/aidevops/supervisor/internal/todo"
	"github.com/aidevops/supervisor/internal/types"
)

// sweepInterval throttles the broad orphan sweep; the eager per-task scan
// covers the common case every pulse.
const sweepInterval = 10 * time.Minute

// phaseRecoverStale catches tasks stranded in dispatched by a crashed pulse:
// the worker either never confirmed running or died before the next pass.
func (s *Supervisor) phaseRecoverStale(ctx context.Context) error {
	tasks, err := s.Store.ListTasks(ctx, types.TaskFilter{Statuses: []types.Status{types.StatusDispatched}})
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if proc.SessionAlive(task.Session) {
			// Alive but the running transition was lost; restore it.
			if _, err := s.Store.Transition(ctx, task.ID, types.StatusRunning, storage.TransitionUpdate{
				Reason:        "recovered: worker alive but running transition missing",
				DecisionMaker: "pulse",
			}); err != nil {
				s.log.Printf("recover %s: %v", task.ID, err)
			}
			continue
		}
		if _, err := s.Store.Transition(ctx, task.ID, types.StatusEvaluating, storage.TransitionUpdate{
			Reason:        "recovered: dispatched worker not alive",
			DecisionMaker: "pulse",
		}); err != nil {
			s.log.Printf("recover %s: %v", task.ID, err)
		}
	}
	return nil
}

// phaseEvaluate moves finished workers to evaluating and classifies
// everything in evaluating.
func (s *Supervisor) phaseEvaluate(ctx context.Context) error {
	running, err := s.Store.ListTasks(ctx, types.TaskFilter{Statuses: []types.Status{types.StatusRunning}})
	if err != nil {
		return err
	}
	for _, task := range running {
		if proc.SessionAlive(task.Session) {
			continue
		}
		if _, err := s.Store.Transition(ctx, task.ID, types.StatusEvaluating, storage.TransitionUpdate{
			Reason:        "worker process exited",
			DecisionMaker: "pulse",
		}); err != nil {
			s.log.Printf("evaluate %s: %v", task.ID, err)
		}
	}

	evaluating, err := s.Store.ListTasks(ctx, types.TaskFilter{Statuses: []types.Status{types.StatusEvaluating}})
	if err != nil {
		return err
	}
	for _, task := range evaluating {
		if err := s.evaluateOne(ctx, task); err != nil {
			s.log.Printf("evaluate %s: %v", task.ID, err)
		}
	}
	return nil
}

func (s *Supervisor) evaluateOne(ctx context.Context, task *types.Task) error {
	summary, err := evaluate.Summarize(task.LogFile)
	if err != nil {
		return fmt.Errorf("failed to summarize log: %w", err)
	}
	outcome := s.Evaluator.Evaluate(ctx, task, summary)
	s.log.Printf("evaluated %s: %s (%s)", task.ID, outcome.String(), outcome.DecisionMaker)

	if perr := s.Store.AppendProof(ctx, &types.ProofEntry{
		TaskID:        task.ID,
		Event:         types.ProofEvaluate,
		Stage:         string(types.StatusEvaluating),
		Decision:      outcome.String(),
		Evidence:      outcome.Evidence,
		DecisionMaker: outcome.DecisionMaker,
	}); perr != nil {
		s.log.Printf("proof write for %s: %v", task.ID, perr)
	}

	_ = proc.RemovePID(s.Cfg.PIDsDir, task.ID)

	switch outcome.Type {
	case types.OutcomeComplete:
		return s.acceptCompletion(ctx, task, summary, outcome)

	case types.OutcomeRetry:
		if task.Retries >= task.MaxRetries {
			reason := fmt.Sprintf("retry budget exhausted after %s", outcome.Detail)
			_, err := s.Store.Transition(ctx, task.ID, types.StatusFailed, storage.TransitionUpdate{
				Reason:        reason,
				Error:         &reason,
				Event:         types.ProofFailed,
				Evidence:      outcome.Evidence,
				DecisionMaker: outcome.DecisionMaker,
			})
			if err == nil {
				s.annotateRegistry(ctx, task, reason)
			}
			return err
		}
		_, err := s.Store.Transition(ctx, task.ID, types.StatusRetrying, storage.TransitionUpdate{
			Reason:        outcome.String(),
			Event:         types.ProofRetry,
			Evidence:      outcome.Evidence,
			DecisionMaker: outcome.DecisionMaker,
		})
		return err

	case types.OutcomeBlocked:
		detail := outcome.Detail
		_, err := s.Store.Transition(ctx, task.ID, types.StatusBlocked, storage.TransitionUpdate{
			Reason:        outcome.String(),
			Error:         &detail,
			Event:         types.ProofBlocked,
			Evidence:      outcome.Evidence,
			DecisionMaker: outcome.DecisionMaker,
		})
		if err == nil {
			s.annotateRegistry(ctx, task, outcome.Detail)
			s.Notifier.Send(ctx, "task_blocked", task.ID, outcome.Detail)
		}
		return err

	case types.OutcomeFailed:
		detail := outcome.Detail
		_, err := s.Store.Transition(ctx, task.ID, types.StatusFailed, storage.TransitionUpdate{
			Reason:        outcome.String(),
			Error:         &detail,
			Event:         types.ProofFailed,
			Evidence:      outcome.Evidence,
			DecisionMaker: outcome.DecisionMaker,
		})
		if err == nil {
			s.annotateRegistry(ctx, task, outcome.Detail)
		}
		return err
	}
	return fmt.Errorf("unknown outcome type %q", outcome.Type)
}

// annotateRegistry appends the BLOCKED note to the task's TODO.md line.
// Best effort: tasks added straight to the store have no registry line, and
// a push race just means another writer got there first.
func (s *Supervisor) annotateRegistry(ctx context.Context, task *types.Task, reason string) {
	if err := todo.NewRegistry(task.Repo).AnnotateBlocked(ctx, task.ID, reason); err != nil &&
		!errors.Is(err, todo.ErrTaskLineMissing) {
		s.log.Printf("registry annotation for %s: %v", task.ID, err)
	}
}

// acceptCompletion runs the quality gate, then records the completion with a
// validated PR URL when the evaluator produced one.
func (s *Supervisor) acceptCompletion(ctx context.Context, task *types.Task, summary *types.LogSummary, outcome types.Outcome) error {
	skipGate := false
	if batch, err := s.Store.BatchForTask(ctx, task.ID); err == nil && batch != nil {
		skipGate = batch.SkipQualityGate
	}
	if !skipGate {
		if ok, reason := s.Gate.Inspect(ctx, task, summary); !ok {
			s.log.Printf("quality gate failed for %s: %s", task.ID, reason)
			if perr := s.Store.AppendProof(ctx, &types.ProofEntry{
				TaskID:        task.ID,
				Event:         types.ProofQualityGate,
				Stage:         string(types.StatusEvaluating),
				Decision:      "fail",
				Evidence:      reason,
				DecisionMaker: "quality_gate",
			}); perr != nil {
				s.log.Printf("proof write for %s: %v", task.ID, perr)
			}
			escalated, err := s.Healer.Escalate(ctx, task, s.Cfg.EscalationChain)
			if err != nil {
				return err
			}
			if escalated {
				s.Notifier.Send(ctx, "task_escalated", task.ID, reason)
				return nil
			}
			// No escalation left; accept the completion but keep the
			// gate's reservation on record.
			outcome.Evidence = strings.TrimPrefix(outcome.Evidence+",gate="+reason, ",")
		}
	}

	update := storage.TransitionUpdate{
		Reason:        outcome.String(),
		Evidence:      outcome.Evidence,
		DecisionMaker: outcome.DecisionMaker,
	}
	if strings.HasPrefix(outcome.Detail, "http") {
		linked, err := s.Linker.Link(ctx, task, outcome.Detail)
		if err != nil {
			s.log.Printf("PR link validation failed for %s: %v", task.ID, err)
		} else if linked {
			update.PRURL = &outcome.Detail
		}
	}
	_, err := s.Store.Transition(ctx, task.ID, types.StatusComplete, update)
	return err
}

// phaseEagerOrphanScan finds PRs for freshly completed tasks whose log never
// yielded a URL.
func (s *Supervisor) phaseEagerOrphanScan(ctx context.Context) error {
	tasks, err := s.Store.ListTasks(ctx, types.TaskFilter{Statuses: []types.Status{types.StatusComplete}})
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.PRURL != "" {
			continue
		}
		if url, err := s.Linker.Discover(ctx, task); err != nil {
			s.log.Printf("orphan scan %s: %v", task.ID, err)
		} else if url != "" {
			s.log.Printf("orphan scan linked %s to %s", task.ID, url)
		}
	}
	return nil
}

// phaseLifecycle advances every task in the post-PR pipeline short of
// verification.
func (s *Supervisor) phaseLifecycle(ctx context.Context) error {
	tasks, err := s.Store.ListTasks(ctx, types.TaskFilter{Statuses: []types.Status{
		types.StatusComplete, types.StatusPRReview, types.StatusReviewTriage,
		types.StatusMerging, types.StatusMerged, types.StatusDeploying, types.StatusDeployed,
	}})
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := s.Lifecycle.Advance(ctx, task); err != nil {
			s.log.Printf("lifecycle %s (%s): %v", task.ID, task.Status, err)
		}
	}
	return nil
}

// phaseVerification runs the queued check directives for deployed tasks.
func (s *Supervisor) phaseVerification(ctx context.Context) error {
	tasks, err := s.Store.ListTasks(ctx, types.TaskFilter{Statuses: []types.Status{types.StatusVerifying}})
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := s.Lifecycle.Advance(ctx, task); err != nil {
			s.log.Printf("verification %s: %v", task.ID, err)
		}
	}
	return nil
}

// phaseSelfHeal synthesises diagnostic children for unexplained failures and
// requeues parents whose diagnostics finished.
func (s *Supervisor) phaseSelfHeal(ctx context.Context) error {
	tasks, err := s.Store.ListTasks(ctx, types.TaskFilter{Statuses: []types.Status{
		types.StatusBlocked, types.StatusFailed,
	}})
	if err != nil {
		return err
	}
	for _, task := range tasks {
		ok, err := s.Healer.ShouldDiagnose(ctx, task)
		if err != nil || !ok {
			continue
		}
		summary, err := evaluate.Summarize(task.LogFile)
		if err != nil {
			summary = &types.LogSummary{}
		}
		diag, err := s.Healer.SynthesizeDiagnostic(ctx, task, summary.TailLines)
		if err != nil {
			s.log.Printf("self-heal %s: %v", task.ID, err)
			continue
		}
		s.log.Printf("synthesised diagnostic %s for %s", diag.ID, task.ID)
		s.Notifier.Send(ctx, "diagnostic_created", diag.ID, "for "+task.ID)
	}

	if n := s.Healer.RequeueHealedParents(ctx); n > 0 {
		s.log.Printf("requeued %d healed parents", n)
	}
	return nil
}

// phaseEscalation gives tasks that burned their retry budget on a cheap
// model one shot on the next tier.
func (s *Supervisor) phaseEscalation(ctx context.Context) error {
	tasks, err := s.Store.ListTasks(ctx, types.TaskFilter{Statuses: []types.Status{types.StatusFailed}})
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if !strings.Contains(strings.ToLower(task.LastError), "retry budget") {
			continue
		}
		escalated, err := s.Healer.Escalate(ctx, task, s.Cfg.EscalationChain)
		if err != nil {
			s.log.Printf("escalation %s: %v", task.ID, err)
			continue
		}
		if escalated {
			s.log.Printf("escalated %s after exhausted retries", task.ID)
		}
	}
	return nil
}

// phaseRetryRequeue moves retrying tasks back to queued; the transition into
// retrying already counted the attempt.
func (s *Supervisor) phaseRetryRequeue(ctx context.Context) error {
	tasks, err := s.Store.ListTasks(ctx, types.TaskFilter{Statuses: []types.Status{types.StatusRetrying}})
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if _, err := s.Store.Transition(ctx, task.ID, types.StatusQueued, storage.TransitionUpdate{
			Reason:        fmt.Sprintf("requeued for retry %d/%d", task.Retries, task.MaxRetries),
			DecisionMaker: "pulse",
		}); err != nil {
			s.log.Printf("requeue %s: %v", task.ID, err)
			continue
		}
		// The retry starts unassigned; the next dispatch re-claims.
		if err := todo.NewRegistry(task.Repo).Unclaim(ctx, task.ID); err != nil &&
			!errors.Is(err, todo.ErrTaskLineMissing) {
			s.log.Printf("unclaim %s: %v", task.ID, err)
		}
	}
	return nil
}

// phaseDispatch launches workers for queued tasks until the governor says
// stop. Tasks in paused batches stay queued.
func (s *Supervisor) phaseDispatch(ctx context.Context) error {
	tasks, err := s.Store.ListTasks(ctx, types.TaskFilter{Statuses: []types.Status{types.StatusQueued}})
	if err != nil {
		return err
	}
	for _, task := range tasks {
		batch, err := s.Store.BatchForTask(ctx, task.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Printf("dispatch %s: batch lookup: %v", task.ID, err)
			continue
		}
		if batch != nil && batch.Status != types.BatchActive {
			continue
		}

		result, err := s.Dispatcher.Dispatch(ctx, task, batch)
		if err != nil {
			s.log.Printf("dispatch %s: %s: %v", task.ID, result, err)
			continue
		}
		s.log.Printf("dispatch %s: %s", task.ID, result)

		switch result {
		case dispatch.ResultDeferred:
			// Concurrency ceiling; nothing later in the list will fit either.
			s.concurrencyDeferred = true
			return nil
		case dispatch.ResultModelDeferred:
			// Provider down; later tasks would probe the same provider.
			s.providerDeferred = true
			if task.Retries > 0 {
				s.repromptDeferred = true
			}
			return nil
		case dispatch.ResultForgeAuthFailed:
			return fmt.Errorf("forge auth failed; dispatch halted")
		}
	}
	return nil
}

// phaseHangDetection kills workers past the hang budget.
func (s *Supervisor) phaseHangDetection(ctx context.Context) error {
	tasks, err := s.Store.ListTasks(ctx, types.TaskFilter{Statuses: []types.Status{types.StatusRunning}})
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := s.Dispatcher.HangCheck(ctx, task, s.Cfg.HangAfter); err != nil {
			s.log.Printf("hang check %s: %v", task.ID, err)
		}
	}
	return nil
}

// phaseOrphanSweep is the broad, throttled PR discovery pass plus issue sync
// for blocked tasks.
func (s *Supervisor) phaseOrphanSweep(ctx context.Context) error {
	if s.sweepDue() {
		if n := s.Linker.SweepOrphans(ctx); n > 0 {
			s.log.Printf("orphan sweep linked %d PRs", n)
		}
	}

	blocked, err := s.Store.ListTasks(ctx, types.TaskFilter{Statuses: []types.Status{types.StatusBlocked}})
	if err != nil {
		return err
	}
	for _, task := range blocked {
		if task.IssueURL != "" {
			continue
		}
		title := fmt.Sprintf("Blocked task %s needs attention", task.ID)
		body := fmt.Sprintf("Task: %s\nReason: %s\nPR: %s\n", task.ID, task.LastError, task.PRURL)
		url, err := s.Forge.CreateIssue(ctx, task.Repo, title, body)
		if err != nil {
			s.log.Printf("issue sync %s: %v", task.ID, err)
			continue
		}
		if err := s.Store.SetIssueURL(ctx, task.ID, url); err != nil {
			s.log.Printf("issue sync %s: %v", task.ID, err)
		}
	}
	return nil
}

// sweepDue rate-limits the broad sweep with a marker file's mtime; the pulse
// itself is stateless across runs.
func (s *Supervisor) sweepDue() bool {
	marker := s.Cfg.HomeDir + "/last-sweep"
	info, err := os.Stat(marker)
	if err == nil && time.Since(info.ModTime()) < sweepInterval {
		return false
	}
	if err := os.WriteFile(marker, []byte(time.Now().Format(time.RFC3339)+"\n"), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to write sweep marker: %v\n", err)
	}
	return true
}

// phaseBatchCompletion marks batches whose members have all reached a
// terminal state. A batch completes exactly once.
func (s *Supervisor) phaseBatchCompletion(ctx context.Context) error {
	batches, err := s.Store.ListBatches(ctx, types.BatchActive)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		progress, err := s.Store.Progress(ctx, batch.ID)
		if err != nil {
			s.log.Printf("batch %s: %v", batch.Name, err)
			continue
		}
		if progress.Total == 0 || progress.Terminal < progress.Total {
			continue
		}
		if err := s.Store.SetBatchStatus(ctx, batch.ID, types.BatchComplete); err != nil {
			s.log.Printf("batch %s: %v", batch.Name, err)
			continue
		}
		s.log.Printf("batch %s complete (%d tasks)", batch.Name, progress.Total)
		s.Notifier.Send(ctx, "batch_complete", batch.Name, fmt.Sprintf("%d tasks", progress.Total))
		if batch.ReleaseOnComplete {
			s.log.Printf("batch %s requests a %s release", batch.Name, batch.ReleaseType)
			s.Notifier.Send(ctx, "release_requested", batch.Name, string(batch.ReleaseType))
		}
	}
	return nil
}
