package types

import (
	"fmt"
	"strings"
	"time"
)

// OutcomeType classifies a finished worker. The evaluator emits exactly one
// outcome per finished worker as a single "<type>:<detail>" line.
type OutcomeType string

const (
	OutcomeComplete OutcomeType = "complete"
	OutcomeRetry    OutcomeType = "retry"
	OutcomeBlocked  OutcomeType = "blocked"
	OutcomeFailed   OutcomeType = "failed"
)

// IsValid checks if the outcome type value is valid
func (o OutcomeType) IsValid() bool {
	switch o {
	case OutcomeComplete, OutcomeRetry, OutcomeBlocked, OutcomeFailed:
		return true
	}
	return false
}

// Outcome is the evaluator's decision for one finished worker, plus the
// evidence and decision-maker identity recorded in the proof log.
type Outcome struct {
	Type          OutcomeType
	Detail        string // canonical detail, e.g. "backend_quota_error" or a PR URL
	Evidence      string // inputs that produced the decision, e.g. "exit_code=0,signal=FULL_LOOP_COMPLETE"
	DecisionMaker string // who decided, e.g. "heuristic:tier1", "ai_eval:haiku"
}

// String renders the canonical "<type>:<detail>" decision line.
func (o Outcome) String() string {
	return fmt.Sprintf("%s:%s", o.Type, o.Detail)
}

// ParseOutcome parses a canonical "<type>:<detail>" line. The detail may
// itself contain colons (PR URLs do).
func ParseOutcome(s string) (Outcome, error) {
	idx := strings.Index(s, ":")
	if idx <= 0 {
		return Outcome{}, fmt.Errorf("malformed outcome %q (want <type>:<detail>)", s)
	}
	typ := OutcomeType(s[:idx])
	if !typ.IsValid() {
		return Outcome{}, fmt.Errorf("invalid outcome type %q (want complete|retry|blocked|failed)", s[:idx])
	}
	return Outcome{Type: typ, Detail: s[idx+1:]}, nil
}

// ProofEvent categorizes proof-log entries
type ProofEvent string

const (
	ProofDispatch            ProofEvent = "dispatch"
	ProofEvaluate            ProofEvent = "evaluate"
	ProofComplete            ProofEvent = "complete"
	ProofRetry               ProofEvent = "retry"
	ProofBlocked             ProofEvent = "blocked"
	ProofFailed              ProofEvent = "failed"
	ProofVerifyPass          ProofEvent = "verify_pass"
	ProofVerifyFail          ProofEvent = "verify_fail"
	ProofPRReview            ProofEvent = "pr_review"
	ProofMerge               ProofEvent = "merge"
	ProofDeploy              ProofEvent = "deploy"
	ProofQualityGate         ProofEvent = "quality_gate"
	ProofEscalate            ProofEvent = "escalate"
	ProofSelfHeal            ProofEvent = "self_heal"
	ProofDeliverableVerified ProofEvent = "deliverable_verified"
	ProofAutoRecover         ProofEvent = "auto_recover"
	ProofTransition          ProofEvent = "transition"
)

// ProofEntry is one immutable evidence record of a pipeline decision.
// Writes are best-effort: a failed proof write must never block a pipeline
// step.
type ProofEntry struct {
	ID            int64      `json:"id"`
	TaskID        string     `json:"task_id"`
	Event         ProofEvent `json:"event"`
	Stage         string     `json:"stage"`
	Decision      string     `json:"decision"`
	Evidence      string     `json:"evidence"`
	DecisionMaker string     `json:"decision_maker"`
	PRURL         string     `json:"pr_url,omitempty"`
	DurationSecs  *float64   `json:"duration_secs,omitempty"`
	Metadata      string     `json:"metadata,omitempty"` // JSON
	CreatedAt     time.Time  `json:"created_at"`
}

// StageLatency is one sample of the per-stage latency series derived from
// consecutive proof entries for the same (task, stage).
type StageLatency struct {
	TaskID  string
	Stage   string
	Seconds float64
	At      time.Time
}
