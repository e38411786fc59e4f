// Package heal contains the self-healing loop: diagnostic children for
// unexplained failures, a quality gate over suspicious completions, and
// model-tier escalation for tasks that keep failing cheap.
package heal

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aidevops/supervisor/internal/model"
	"github.com/aidevops/supervisor/internal/storage"
	"github.com/aidevops/supervisor/internal/types"
)

// Healer synthesises diagnostic tasks and requeues their parents.
type Healer struct {
	Store *storage.Store
}

// Failure causes that a diagnostic worker cannot do anything about; a human
// or the retry budget owns these.
var undiagnosable = []string{
	"auth", "credit", "quota",
	"out of memory", "oom",
	"conflict",
	"max retries", "retry budget",
}

// ShouldDiagnose reports whether a blocked or failed task deserves a
// diagnostic child. One diag per parent, never a diag of a diag.
func (h *Healer) ShouldDiagnose(ctx context.Context, task *types.Task) (bool, error) {
	if task.Status != types.StatusBlocked && task.Status != types.StatusFailed {
		return false, nil
	}
	if task.IsDiagnostic() {
		return false, nil
	}
	reason := strings.ToLower(task.LastError)
	for _, cause := range undiagnosable {
		if strings.Contains(reason, cause) {
			return false, nil
		}
	}
	// Max one diagnostic per parent, ever.
	if _, err := h.Store.GetTask(ctx, diagID(task.ID)); err == nil {
		return false, nil
	}
	return true, nil
}

func diagID(parentID string) string {
	return parentID + "-diag-1"
}

// SynthesizeDiagnostic creates the diagnostic child: same repo and model,
// description embedding the parent's ID, final error, and log tail. Newlines
// in the evidence are flattened so the description survives single-line
// round-trips.
func (h *Healer) SynthesizeDiagnostic(ctx context.Context, parent *types.Task, tail []string) (*types.Task, error) {
	evidence := strings.Join(tail, " | ")
	evidence = strings.ReplaceAll(evidence, "\n", " ")
	if len(evidence) > 8000 {
		evidence = evidence[len(evidence)-8000:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Diagnose why task %s ended %s.\n", parent.ID, parent.Status)
	if parent.LastError != "" {
		fmt.Fprintf(&b, "Final error: %s\n", strings.ReplaceAll(parent.LastError, "\n", " "))
	}
	fmt.Fprintf(&b, "Log tail: %s\n", evidence)
	b.WriteString("Identify the root cause and fix it so the original task can be retried.")

	diag := &types.Task{
		ID:           diagID(parent.ID),
		Description:  b.String(),
		Repo:         parent.Repo,
		Model:        parent.Model,
		DiagnosticOf: parent.ID,
	}
	if err := h.Store.CreateTask(ctx, diag); err != nil {
		return nil, fmt.Errorf("failed to create diagnostic for %s: %w", parent.ID, err)
	}
	if err := h.Store.AppendProof(ctx, &types.ProofEntry{
		TaskID:        parent.ID,
		Event:         types.ProofSelfHeal,
		Stage:         string(parent.Status),
		Decision:      "diagnostic_created",
		Evidence:      "diagnostic=" + diag.ID,
		DecisionMaker: "healer",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: proof log write failed for %s: %v\n", parent.ID, err)
	}
	return diag, nil
}

// RequeueHealedParents requeues blocked/failed parents whose diagnostic child
// has finished its pipeline. Best effort per parent.
func (h *Healer) RequeueHealedParents(ctx context.Context) (requeued int) {
	done, err := h.Store.ListTasks(ctx, types.TaskFilter{
		Statuses: []types.Status{
			types.StatusComplete, types.StatusPRReview, types.StatusReviewTriage,
			types.StatusMerging, types.StatusMerged, types.StatusDeploying,
			types.StatusDeployed, types.StatusVerifying, types.StatusVerified,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: healed-parent listing failed: %v\n", err)
		return 0
	}
	for _, diag := range done {
		if !diag.IsDiagnostic() {
			continue
		}
		parent, err := h.Store.GetTask(ctx, diag.DiagnosticOf)
		if err != nil {
			continue
		}
		if parent.Status != types.StatusBlocked && parent.Status != types.StatusFailed {
			continue
		}
		_, err = h.Store.Transition(ctx, parent.ID, types.StatusQueued, storage.TransitionUpdate{
			Reason:        fmt.Sprintf("diagnostic %s finished (%s); retrying original task", diag.ID, diag.Status),
			DecisionMaker: "healer",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to requeue %s: %v\n", parent.ID, err)
			continue
		}
		requeued++
	}
	return requeued
}

// Escalate moves a repeatedly failing task one model tier up and requeues it.
// Returns false when no escalation remains (depth exhausted or already at the
// top of the chain).
func (h *Healer) Escalate(ctx context.Context, task *types.Task, chain []string) (bool, error) {
	if task.EscalationDepth >= task.MaxEscalations {
		return false, nil
	}
	next := model.NextTier(chain, task.Model)
	if next == "" {
		return false, nil
	}
	if err := h.Store.SetEscalationDepth(ctx, task.ID, task.EscalationDepth+1, next); err != nil {
		return false, err
	}
	_, err := h.Store.Transition(ctx, task.ID, types.StatusQueued, storage.TransitionUpdate{
		Event:         types.ProofEscalate,
		Reason:        fmt.Sprintf("escalating model %s -> %s", task.Model, next),
		Evidence:      fmt.Sprintf("escalation_depth=%d,model=%s", task.EscalationDepth+1, next),
		DecisionMaker: "healer",
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
