package ai

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		want  string
		ok    bool
	}{
		{"bare line", "VERDICT:retry:timeout", "retry:timeout", true},
		{"pr url detail", "VERDICT:complete:https://github.com/acme/widgets/pull/42",
			"complete:https://github.com/acme/widgets/pull/42", true},
		{"surrounded by prose", "Looking at the log:\nVERDICT:blocked:merge_conflict\nHope that helps.",
			"blocked:merge_conflict", true},
		{"invalid type", "VERDICT:maybe:unsure", "", false},
		{"missing line", "The task probably failed.", "", false},
		{"mangled", "VERDICT retry timeout", "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			out, err := ParseVerdict(c.reply)
			if c.ok {
				if err != nil {
					t.Fatalf("ParseVerdict failed: %v", err)
				}
				if out.String() != c.want {
					t.Errorf("got %s, want %s", out.String(), c.want)
				}
				if !out.Type.IsValid() {
					t.Errorf("invalid outcome type %s", out.Type)
				}
			} else if err == nil {
				t.Errorf("expected parse error, got %s", out.String())
			}
		})
	}
}

func TestBreakerOpensAndProbes(t *testing.T) {
	b := newBreaker(3, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		if err := b.allow(); err != nil {
			t.Fatalf("closed breaker refused request %d: %v", i, err)
		}
		b.recordFailure()
	}

	if err := b.allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("breaker did not open: %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	// One probe allowed; a second concurrent request is still refused.
	if err := b.allow(); err != nil {
		t.Fatalf("probe refused: %v", err)
	}
	if err := b.allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Error("second request allowed during probe")
	}

	b.recordSuccess()
	if err := b.allow(); err != nil {
		t.Errorf("breaker did not close after probe success: %v", err)
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b := newBreaker(2, 30*time.Millisecond)
	b.recordFailure()
	b.recordFailure()
	time.Sleep(40 * time.Millisecond)

	if err := b.allow(); err != nil {
		t.Fatalf("probe refused: %v", err)
	}
	b.recordFailure()
	if err := b.allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Error("breaker closed despite failed probe")
	}
}

func TestWithRetryBackoffAndGiveUp(t *testing.T) {
	c := &Client{
		retry: RetryConfig{
			MaxRetries:       2,
			InitialBackoff:   time.Millisecond,
			MaxBackoff:       4 * time.Millisecond,
			Timeout:          time.Second,
			FailureThreshold: 100, // keep the breaker out of this test
			OpenTimeout:      time.Second,
		},
		breaker: newBreaker(100, time.Second),
	}

	calls := 0
	err := c.withRetry(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}

	// Success on second attempt stops early.
	calls = 0
	err = c.withRetry(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
