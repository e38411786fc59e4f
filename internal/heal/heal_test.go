package heal

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aidevops/supervisor/internal/storage"
	"github.com/aidevops/supervisor/internal/types"
)

func newHealer(t *testing.T) (*Healer, *storage.Store) {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return &Healer{Store: s}, s
}

func seedBlocked(t *testing.T, s *storage.Store, id, lastError string) *types.Task {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateTask(ctx, &types.Task{ID: id, Repo: "/tmp/repo", Model: "sonnet"}); err != nil {
		t.Fatal(err)
	}
	for _, step := range []types.Status{
		types.StatusDispatched, types.StatusRunning, types.StatusEvaluating,
	} {
		if _, err := s.Transition(ctx, id, step, storage.TransitionUpdate{Reason: "seed"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Transition(ctx, id, types.StatusBlocked, storage.TransitionUpdate{
		Reason: "seed", Error: &lastError,
	}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestShouldDiagnose(t *testing.T) {
	ctx := context.Background()
	h, s := newHealer(t)

	task := seedBlocked(t, s, "t1", "mysterious worker failure")
	ok, err := h.ShouldDiagnose(ctx, task)
	if err != nil || !ok {
		t.Fatalf("ShouldDiagnose = %v, %v; want true", ok, err)
	}

	// Undiagnosable causes.
	for i, cause := range []string{
		"authentication failed", "out of memory", "merge conflict in db.go", "max retries exhausted",
	} {
		id := "tc" + string(rune('a'+i))
		task := seedBlocked(t, s, id, cause)
		if ok, _ := h.ShouldDiagnose(ctx, task); ok {
			t.Errorf("cause %q diagnosed; a worker cannot fix it", cause)
		}
	}
}

func TestShouldDiagnoseOncePerParent(t *testing.T) {
	ctx := context.Background()
	h, s := newHealer(t)

	task := seedBlocked(t, s, "t2", "weird failure")
	diag, err := h.SynthesizeDiagnostic(ctx, task, []string{"line one", "line two"})
	if err != nil {
		t.Fatal(err)
	}
	if diag.ID != "t2-diag-1" {
		t.Errorf("diag ID = %s, want t2-diag-1", diag.ID)
	}
	if ok, _ := h.ShouldDiagnose(ctx, task); ok {
		t.Error("second diagnostic allowed for the same parent")
	}
}

func TestDiagnosticOfDiagnosticRefused(t *testing.T) {
	ctx := context.Background()
	h, s := newHealer(t)

	parent := seedBlocked(t, s, "t3", "weird failure")
	diag, err := h.SynthesizeDiagnostic(ctx, parent, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Walk the diag itself to blocked.
	for _, step := range []types.Status{
		types.StatusDispatched, types.StatusRunning, types.StatusEvaluating, types.StatusBlocked,
	} {
		if _, err := s.Transition(ctx, diag.ID, step, storage.TransitionUpdate{Reason: "seed"}); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := s.GetTask(ctx, diag.ID)
	if ok, _ := h.ShouldDiagnose(ctx, got); ok {
		t.Error("diagnostic of a diagnostic allowed")
	}
}

func TestSynthesizeDiagnosticFlattensEvidence(t *testing.T) {
	ctx := context.Background()
	h, s := newHealer(t)

	task := seedBlocked(t, s, "t4", "failure\nwith newline")
	diag, err := h.SynthesizeDiagnostic(ctx, task, []string{"line\none", "line two"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(diag.Description, "line two") {
		t.Error("tail not embedded in description")
	}
	if strings.Contains(diag.Description, "line\none") {
		t.Error("tail newlines survived into the description")
	}
	if !strings.Contains(diag.Description, "t4") {
		t.Error("description missing parent ID")
	}
	if diag.DiagnosticOf != "t4" {
		t.Errorf("DiagnosticOf = %s, want t4", diag.DiagnosticOf)
	}

	// The healing attempt goes on the parent's record.
	entries, err := s.ProofHistory(ctx, "t4")
	if err != nil {
		t.Fatal(err)
	}
	healed := false
	for _, e := range entries {
		if e.Event == types.ProofSelfHeal && strings.Contains(e.Evidence, diag.ID) {
			healed = true
		}
	}
	if !healed {
		t.Error("self_heal event missing from parent's proof log")
	}
}

func TestRequeueHealedParents(t *testing.T) {
	ctx := context.Background()
	h, s := newHealer(t)

	parent := seedBlocked(t, s, "t5", "weird failure")
	diag, err := h.SynthesizeDiagnostic(ctx, parent, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, step := range []types.Status{
		types.StatusDispatched, types.StatusRunning, types.StatusEvaluating, types.StatusComplete,
	} {
		if _, err := s.Transition(ctx, diag.ID, step, storage.TransitionUpdate{Reason: "seed"}); err != nil {
			t.Fatal(err)
		}
	}

	if n := h.RequeueHealedParents(ctx); n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}
	got, _ := s.GetTask(ctx, "t5")
	if got.Status != types.StatusQueued {
		t.Errorf("parent status = %s, want queued", got.Status)
	}

	// Second sweep is a no-op: the parent is no longer blocked.
	if n := h.RequeueHealedParents(ctx); n != 0 {
		t.Errorf("second sweep requeued %d", n)
	}
}

func TestEscalate(t *testing.T) {
	ctx := context.Background()
	h, s := newHealer(t)
	chain := []string{"haiku", "sonnet", "opus"}

	task := seedBlocked(t, s, "t6", "kept failing")
	ok, err := h.Escalate(ctx, task, chain)
	if err != nil || !ok {
		t.Fatalf("Escalate = %v, %v; want true", ok, err)
	}
	got, _ := s.GetTask(ctx, "t6")
	if got.Model != "opus" {
		t.Errorf("model = %s, want opus", got.Model)
	}
	if got.EscalationDepth != 1 {
		t.Errorf("escalation depth = %d, want 1", got.EscalationDepth)
	}
	if got.Status != types.StatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}

	entries, err := s.ProofHistory(ctx, "t6")
	if err != nil {
		t.Fatal(err)
	}
	escalated := false
	for _, e := range entries {
		if e.Event == types.ProofEscalate && strings.Contains(e.Evidence, "model=opus") {
			escalated = true
		}
	}
	if !escalated {
		t.Error("escalate event missing from proof log")
	}
}

func TestEscalateExhausted(t *testing.T) {
	ctx := context.Background()
	h, s := newHealer(t)
	chain := []string{"haiku", "sonnet", "opus"}

	// At the top of the chain: nowhere to go.
	if err := s.CreateTask(ctx, &types.Task{ID: "t7", Repo: "/tmp/repo", Model: "opus"}); err != nil {
		t.Fatal(err)
	}
	task, _ := s.GetTask(ctx, "t7")
	if ok, _ := h.Escalate(ctx, task, chain); ok {
		t.Error("escalated past the top of the chain")
	}

	// Depth exhausted.
	task = &types.Task{ID: "t8", Model: "haiku", EscalationDepth: 2, MaxEscalations: 2}
	if ok, _ := h.Escalate(ctx, task, chain); ok {
		t.Error("escalated past max depth")
	}
}
