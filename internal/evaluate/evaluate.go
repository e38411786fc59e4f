// Package evaluate classifies finished workers into a single outcome line
// <type>:<detail> through a tiered pipeline: log-presence guards, then
// deterministic wrapper signals, then bounded heuristics, then the git state
// of the worktree, and only as a last resort an AI verdict.
package evaluate

import (
	"context"
	"fmt"
	"strings"

	"github.com/aidevops/supervisor/internal/types"
)

// GitState is the worktree evidence used by the git tier.
type GitState interface {
	AheadCount(ctx context.Context) (int, error)
	HasUncommittedChanges(ctx context.Context) (bool, error)
}

// Verdicter produces the last-resort AI outcome.
type Verdicter interface {
	Verdict(ctx context.Context, description string, tail []string) (types.Outcome, error)
}

// Evaluator runs the tier pipeline.
type Evaluator struct {
	// Git opens the git state for a worktree; nil disables the git tier.
	Git func(worktree string) GitState
	// AI is the tier-3 fallback; nil degrades to retry:ambiguous_ai_unavailable.
	AI Verdicter
}

// Evaluate classifies one finished worker.
func (e *Evaluator) Evaluate(ctx context.Context, task *types.Task, summary *types.LogSummary) types.Outcome {
	if out, done := tierLogPresence(task, summary); done {
		return out
	}
	if out, done := tierSignals(summary); done {
		return out
	}
	if out, done := tierBackendError(summary); done {
		return out
	}
	if out, done := tierObsolete(summary); done {
		return out
	}
	if out, done := tierCleanExitNoSignal(summary); done {
		return out
	}
	if out, done := tierErrorPatterns(summary); done {
		return out
	}
	if out, done := e.tierGit(ctx, task, summary); done {
		return out
	}
	return e.tierAI(ctx, task, summary)
}

// tierLogPresence emits distinct failure codes for each way a log can be
// absent, so diagnostic children know what to investigate.
func tierLogPresence(task *types.Task, s *types.LogSummary) (types.Outcome, bool) {
	switch {
	case task.LogFile == "":
		return outcome(types.OutcomeFailed, "no_log_file_recorded", "log_file column empty", "heuristic:tier0"), true
	case s.LogMissing:
		return outcome(types.OutcomeFailed, "log_file_missing", "log_file="+task.LogFile, "heuristic:tier0"), true
	case s.LogEmpty:
		return outcome(types.OutcomeFailed, "log_empty", "size=0", "heuristic:tier0"), true
	case !s.WorkerStarted:
		return outcome(types.OutcomeFailed, "worker_never_started", "WORKER_STARTED sentinel absent", "heuristic:tier0"), true
	}
	return types.Outcome{}, false
}

// tierSignals handles the deterministic wrapper markers.
func tierSignals(s *types.LogSummary) (types.Outcome, bool) {
	if s.FullLoopComplete {
		detail := s.PRURL
		if detail == "" {
			detail = "no_pr"
		}
		return outcome(types.OutcomeComplete, detail, "signal=FULL_LOOP_COMPLETE", "heuristic:tier1"), true
	}
	if s.TaskComplete && s.ExitCodeKnown && s.ExitCode == 0 {
		detail := s.PRURL
		if detail == "" {
			detail = "task_only"
		}
		return outcome(types.OutcomeComplete, detail, "signal=TASK_COMPLETE,exit=0", "heuristic:tier1"), true
	}
	if s.ExitCodeKnown && s.ExitCode == 0 && s.PRURL != "" {
		return outcome(types.OutcomeComplete, s.PRURL, "exit=0,pr_in_final_text", "heuristic:tier1"), true
	}
	return types.Outcome{}, false
}

// tierBackendError catches CLIs that exit 0 after the backend rejected the
// call. Only the final 20 lines are consulted.
func tierBackendError(s *types.LogSummary) (types.Outcome, bool) {
	if !s.ExitCodeKnown || s.ExitCode != 0 {
		return types.Outcome{}, false
	}
	tail := strings.ToLower(strings.Join(s.Tail(20), "\n"))
	switch {
	case strings.Contains(tail, "credit balance") || strings.Contains(tail, "credits exhausted"):
		return outcome(types.OutcomeBlocked, "billing_credits_exhausted", "exit=0,credit_pattern_in_tail", "heuristic:tier1.5"), true
	case strings.Contains(tail, "quota exceeded") ||
		strings.Contains(tail, "503") ||
		strings.Contains(tail, "endpoint failed"):
		return outcome(types.OutcomeRetry, "backend_quota_error", "exit=0,quota_pattern_in_tail", "heuristic:tier1.5"), true
	}
	return types.Outcome{}, false
}

// tierObsolete recognises "nothing to do" final texts.
func tierObsolete(s *types.LogSummary) (types.Outcome, bool) {
	if !s.ExitCodeKnown || s.ExitCode != 0 {
		return types.Outcome{}, false
	}
	text := strings.ToLower(s.FinalText)
	for _, phrase := range []string{"already done", "already been done", "no changes needed", "nothing to fix", "already implemented"} {
		if strings.Contains(text, phrase) {
			return outcome(types.OutcomeComplete, "task_obsolete", "final_text="+phrase, "heuristic:tier1.6"), true
		}
	}
	return types.Outcome{}, false
}

// tierCleanExitNoSignal: a clean exit with no marker and no PR usually means
// the worker ran out of context mid-task.
func tierCleanExitNoSignal(s *types.LogSummary) (types.Outcome, bool) {
	if s.ExitCodeKnown && s.ExitCode == 0 {
		return outcome(types.OutcomeRetry, "clean_exit_no_signal", "exit=0,no_signal,no_pr", "heuristic:tier1.7"), true
	}
	return types.Outcome{}, false
}

// tierErrorPatterns runs only on non-zero exits. Clean exits never reach
// here: worker output that merely discusses errors as content would trip
// these patterns.
func tierErrorPatterns(s *types.LogSummary) (types.Outcome, bool) {
	if s.ExitCodeKnown {
		switch s.ExitCode {
		case 130:
			return outcome(types.OutcomeRetry, "interrupted_sigint", "exit=130", "heuristic:tier2"), true
		case 137:
			return outcome(types.OutcomeRetry, "interrupted_sigkill", "exit=137", "heuristic:tier2"), true
		case 143:
			return outcome(types.OutcomeRetry, "interrupted_sigterm", "exit=143", "heuristic:tier2"), true
		}
	}

	tail := strings.ToLower(strings.Join(s.Tail(20), "\n"))
	patterns := []struct {
		needle string
		typ    types.OutcomeType
		detail string
	}{
		{"internal server error", types.OutcomeRetry, "backend_infrastructure_error"},
		{"upstream connect error", types.OutcomeRetry, "backend_infrastructure_error"},
		{"invalid api key", types.OutcomeBlocked, "auth_error"},
		{"authentication failed", types.OutcomeBlocked, "auth_error"},
		{"merge conflict", types.OutcomeBlocked, "merge_conflict"},
		{"conflict (content)", types.OutcomeBlocked, "merge_conflict"},
		{"out of memory", types.OutcomeBlocked, "out_of_memory"},
		{"oom-kill", types.OutcomeBlocked, "out_of_memory"},
		{"rate limit", types.OutcomeRetry, "rate_limited"},
		{"timed out", types.OutcomeRetry, "timeout"},
		{"timeout", types.OutcomeRetry, "timeout"},
	}
	for _, p := range patterns {
		if strings.Contains(tail, p.needle) {
			return outcome(p.typ, p.detail,
				fmt.Sprintf("exit=%s,pattern=%q", exitEvidence(s), p.needle), "heuristic:tier2"), true
		}
	}
	return types.Outcome{}, false
}

// tierGit consults the worktree when the log was inconclusive and retries
// remain.
func (e *Evaluator) tierGit(ctx context.Context, task *types.Task, s *types.LogSummary) (types.Outcome, bool) {
	if e.Git == nil || task.Worktree == "" || task.Retries >= task.MaxRetries {
		return types.Outcome{}, false
	}
	git := e.Git(task.Worktree)

	ahead, err := git.AheadCount(ctx)
	if err != nil {
		return types.Outcome{}, false
	}
	if ahead >= 1 {
		if s.PRURL != "" {
			return outcome(types.OutcomeComplete, s.PRURL,
				fmt.Sprintf("ahead=%d,pr_url_present", ahead), "heuristic:tier2.5"), true
		}
		return outcome(types.OutcomeComplete, "task_only",
			fmt.Sprintf("ahead=%d,no_pr", ahead), "heuristic:tier2.5"), true
	}

	dirty, err := git.HasUncommittedChanges(ctx)
	if err == nil && dirty {
		return outcome(types.OutcomeRetry, "work_in_progress", "ahead=0,uncommitted_changes", "heuristic:tier2.5"), true
	}
	return types.Outcome{}, false
}

// tierAI is the last resort. An unavailable evaluator degrades to a retry.
func (e *Evaluator) tierAI(ctx context.Context, task *types.Task, s *types.LogSummary) types.Outcome {
	if e.AI == nil {
		return outcome(types.OutcomeRetry, "ambiguous_ai_unavailable", "no_ai_evaluator", "heuristic:tier3")
	}
	out, err := e.AI.Verdict(ctx, task.Description, s.Tail(20))
	if err != nil {
		return outcome(types.OutcomeRetry, "ambiguous_ai_unavailable", "ai_error="+firstLine(err.Error()), "heuristic:tier3")
	}
	if out.DecisionMaker == "" {
		out.DecisionMaker = "ai_eval"
	}
	return out
}

func outcome(typ types.OutcomeType, detail, evidence, maker string) types.Outcome {
	return types.Outcome{Type: typ, Detail: detail, Evidence: evidence, DecisionMaker: maker}
}

func exitEvidence(s *types.LogSummary) string {
	if !s.ExitCodeKnown {
		return "unknown"
	}
	return fmt.Sprintf("%d", s.ExitCode)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
