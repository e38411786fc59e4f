package heal

import (
	"context"
	"strings"
	"testing"

	"github.com/aidevops/supervisor/internal/types"
)

func TestGateTrivialLog(t *testing.T) {
	g := &QualityGate{}
	task := &types.Task{ID: "t1"}

	ok, reason := g.Inspect(context.Background(), task, &types.LogSummary{SizeBytes: 300})
	if ok {
		t.Fatal("tiny log with no PR passed the gate")
	}
	if !strings.Contains(reason, "trivial") {
		t.Errorf("reason = %q", reason)
	}

	// Same size but a PR signal: the worker did real work.
	ok, _ = g.Inspect(context.Background(), task, &types.LogSummary{
		SizeBytes: 300, PRURL: "https://github.com/acme/widgets/pull/1",
	})
	if !ok {
		t.Error("tiny log with a PR failed the gate")
	}
}

func TestGateErrorDensity(t *testing.T) {
	g := &QualityGate{}
	task := &types.Task{ID: "t2", PRURL: "https://github.com/acme/widgets/pull/2"}

	tail := make([]string, 10)
	for i := range tail {
		tail[i] = "Error: something broke"
	}
	ok, reason := g.Inspect(context.Background(), task, &types.LogSummary{SizeBytes: 9000, TailLines: tail})
	if ok {
		t.Fatal("all-error tail passed the gate")
	}
	if !strings.Contains(reason, "density") {
		t.Errorf("reason = %q", reason)
	}

	// A few errors in a long tail are normal worker noise.
	tail = append(make([]string, 0, 20), tail[:2]...)
	for i := 0; i < 18; i++ {
		tail = append(tail, "progress line")
	}
	if ok, _ := g.Inspect(context.Background(), task, &types.LogSummary{SizeBytes: 9000, TailLines: tail}); !ok {
		t.Error("mostly clean tail failed the gate")
	}
}

func TestErrorDensity(t *testing.T) {
	if d := errorDensity(nil); d != 0 {
		t.Errorf("density of empty tail = %f", d)
	}
	d := errorDensity([]string{"Error: x", "ok", "Traceback (most recent call last)", "ok"})
	if d != 0.5 {
		t.Errorf("density = %f, want 0.5", d)
	}
}
