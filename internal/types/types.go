package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Task is the primary entity: one unit of work driven through the pipeline
// by the pulse. Task IDs are opaque strings from the TODO.md registry
// (e.g. "t123", "t123.4" for subtasks, "t123-diag-1" for diagnostic children).
type Task struct {
	ID              string     `json:"id"`
	Repo            string     `json:"repo"` // repository root (filesystem path)
	Description     string     `json:"description"`
	Status          Status     `json:"status"`
	Session         string     `json:"session,omitempty"`  // e.g. "pid:12345"
	Worktree        string     `json:"worktree,omitempty"` // worktree path
	Branch          string     `json:"branch,omitempty"`
	LogFile         string     `json:"log_file,omitempty"`
	Retries         int        `json:"retries"`
	MaxRetries      int        `json:"max_retries"`
	EscalationDepth int        `json:"escalation_depth"`
	MaxEscalations  int        `json:"max_escalations"`
	Model           string     `json:"model,omitempty"` // resolved model identifier
	LastError       string     `json:"last_error,omitempty"`
	PRURL           string     `json:"pr_url,omitempty"`
	IssueURL        string     `json:"issue_url,omitempty"`
	DiagnosticOf    string     `json:"diagnostic_of,omitempty"` // parent task ID for -diag-N children
	Meta            string     `json:"meta"`                    // JSON blob for extension fields
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Validate checks if the task has valid field values
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Repo == "" {
		return fmt.Errorf("repo is required")
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", t.Status)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if t.Meta != "" {
		var v interface{}
		if err := json.Unmarshal([]byte(t.Meta), &v); err != nil {
			return fmt.Errorf("meta must be valid JSON: %w", err)
		}
	}
	return nil
}

// IsDiagnostic reports whether the task is a synthesised diagnostic child.
func (t *Task) IsDiagnostic() bool {
	return t.DiagnosticOf != ""
}

// ParentID returns the dotted-hierarchy parent of a subtask ID,
// or "" when the task is top-level. "t300.2" -> "t300".
func (t *Task) ParentID() string {
	idx := strings.LastIndex(t.ID, ".")
	if idx < 0 {
		return ""
	}
	return t.ID[:idx]
}

// MetaValue reads a single field out of the JSON meta blob as a string.
// Returns "" when the key is absent or meta is empty.
func (t *Task) MetaValue(key string) string {
	if t.Meta == "" {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(t.Meta), &m); err != nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	case bool:
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// WithMetaValue returns the meta blob with key set to value.
func (t *Task) WithMetaValue(key string, value interface{}) (string, error) {
	m := map[string]interface{}{}
	if t.Meta != "" {
		if err := json.Unmarshal([]byte(t.Meta), &m); err != nil {
			return "", fmt.Errorf("meta is not valid JSON: %w", err)
		}
	}
	m[key] = value
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta: %w", err)
	}
	return string(data), nil
}

// Status represents the current pipeline state of a task
type Status string

const (
	StatusQueued       Status = "queued"
	StatusDispatched   Status = "dispatched"
	StatusRunning      Status = "running"
	StatusEvaluating   Status = "evaluating"
	StatusRetrying     Status = "retrying"
	StatusComplete     Status = "complete"
	StatusPRReview     Status = "pr_review"
	StatusReviewTriage Status = "review_triage"
	StatusMerging      Status = "merging"
	StatusMerged       Status = "merged"
	StatusDeploying    Status = "deploying"
	StatusDeployed     Status = "deployed"
	StatusVerifying    Status = "verifying"
	StatusVerified     Status = "verified"
	StatusVerifyFailed Status = "verify_failed"
	StatusBlocked      Status = "blocked"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// AllStatuses is the full state alphabet, used by the store's CHECK constraint
// and by validation errors.
var AllStatuses = []Status{
	StatusQueued, StatusDispatched, StatusRunning, StatusEvaluating,
	StatusRetrying, StatusComplete, StatusPRReview, StatusReviewTriage,
	StatusMerging, StatusMerged, StatusDeploying, StatusDeployed,
	StatusVerifying, StatusVerified, StatusVerifyFailed,
	StatusBlocked, StatusFailed, StatusCancelled,
}

// IsValid checks if the status value is in the state alphabet
func (s Status) IsValid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status ends the task's lifecycle for batch
// accounting. Soft-terminal states retain history; task rows are never deleted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDeployed, StatusVerified, StatusMerged, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidTransitions returns the legal next states from this status.
// The whitelist is fixed; anything else is rejected at the store layer
// with an error naming this set.
//
// Main line:
//
//	queued → dispatched → running → evaluating → complete → pr_review
//	  → review_triage → merging → merged → deploying → deployed
//	  → verifying → verified
//
// with branches into retrying, blocked, failed, and cancelled.
func (s Status) ValidTransitions() []Status {
	switch s {
	case StatusQueued:
		return []Status{StatusDispatched, StatusBlocked, StatusFailed, StatusCancelled}
	case StatusDispatched:
		return []Status{StatusRunning, StatusQueued, StatusFailed, StatusCancelled}
	case StatusRunning:
		return []Status{StatusEvaluating, StatusRetrying, StatusBlocked, StatusFailed, StatusCancelled}
	case StatusEvaluating:
		return []Status{StatusComplete, StatusRetrying, StatusBlocked, StatusFailed, StatusQueued, StatusCancelled}
	case StatusRetrying:
		return []Status{StatusQueued, StatusDispatched, StatusBlocked, StatusFailed, StatusCancelled}
	case StatusComplete:
		return []Status{StatusPRReview, StatusDeployed, StatusBlocked, StatusCancelled}
	case StatusPRReview:
		return []Status{StatusReviewTriage, StatusMerging, StatusMerged, StatusBlocked, StatusCancelled}
	case StatusReviewTriage:
		return []Status{StatusMerging, StatusDispatched, StatusBlocked, StatusCancelled}
	case StatusMerging:
		return []Status{StatusMerged, StatusBlocked, StatusFailed, StatusCancelled}
	case StatusMerged:
		return []Status{StatusDeploying, StatusBlocked, StatusCancelled}
	case StatusDeploying:
		return []Status{StatusDeployed, StatusBlocked, StatusFailed, StatusCancelled}
	case StatusDeployed:
		return []Status{StatusVerifying}
	case StatusVerifying:
		return []Status{StatusVerified, StatusVerifyFailed}
	case StatusVerifyFailed:
		return []Status{StatusQueued, StatusBlocked, StatusCancelled}
	case StatusBlocked:
		return []Status{StatusQueued, StatusFailed, StatusCancelled}
	case StatusFailed:
		return []Status{StatusQueued, StatusCancelled}
	case StatusVerified, StatusCancelled:
		return []Status{} // Terminal
	default:
		return []Status{}
	}
}

// CanTransitionTo checks if a transition from this status to target is legal
func (s Status) CanTransitionTo(target Status) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// significantTargets are the pipeline-stage states whose entry is recorded in
// the proof log. Micro-transitions are not, to keep the ledger focused on
// decisions with evidentiary value.
var significantTargets = map[Status]bool{
	StatusDispatched:   true,
	StatusComplete:     true,
	StatusPRReview:     true,
	StatusReviewTriage: true,
	StatusMerging:      true,
	StatusMerged:       true,
	StatusDeploying:    true,
	StatusDeployed:     true,
	StatusVerifying:    true,
	StatusVerified:     true,
	StatusVerifyFailed: true,
}

// IsSignificantTarget reports whether entering this status warrants a
// proof-log entry.
func (s Status) IsSignificantTarget() bool {
	return significantTargets[s]
}

// ProofEvent names the proof-log event for entering this status. Stages
// with a dedicated vocabulary entry use it; the rest record a generic
// transition with the stage column carrying the target state.
func (s Status) ProofEvent() ProofEvent {
	switch s {
	case StatusDispatched:
		return ProofDispatch
	case StatusComplete:
		return ProofComplete
	case StatusRetrying:
		return ProofRetry
	case StatusBlocked:
		return ProofBlocked
	case StatusFailed:
		return ProofFailed
	case StatusMerged:
		return ProofMerge
	case StatusVerified:
		return ProofVerifyPass
	case StatusVerifyFailed:
		return ProofVerifyFail
	default:
		return ProofTransition
	}
}

// BatchStatus represents the state of a batch
type BatchStatus string

const (
	BatchActive    BatchStatus = "active"
	BatchPaused    BatchStatus = "paused"
	BatchComplete  BatchStatus = "complete"
	BatchCancelled BatchStatus = "cancelled"
)

// IsValid checks if the batch status value is valid
func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchActive, BatchPaused, BatchComplete, BatchCancelled:
		return true
	}
	return false
}

// ReleaseType categorizes the version bump on batch auto-release
type ReleaseType string

const (
	ReleaseMajor ReleaseType = "major"
	ReleaseMinor ReleaseType = "minor"
	ReleasePatch ReleaseType = "patch"
)

// Batch is a named, concurrency-bounded cohort of tasks.
// A batch completes exactly once: when every member task is terminal.
type Batch struct {
	ID                int64       `json:"id"`
	Name              string      `json:"name"`
	BaseConcurrency   int         `json:"base_concurrency"`
	MaxConcurrency    int         `json:"max_concurrency"` // 0 = auto-cap at logical CPU count
	MaxLoadFactor     float64     `json:"max_load_factor"`
	Status            BatchStatus `json:"status"`
	ReleaseOnComplete bool        `json:"release_on_complete"`
	ReleaseType       ReleaseType `json:"release_type,omitempty"`
	SkipQualityGate   bool        `json:"skip_quality_gate"`
	CreatedAt         time.Time   `json:"created_at"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
}

// Validate checks if the batch has valid field values
func (b *Batch) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("name is required")
	}
	if b.BaseConcurrency < 1 {
		return fmt.Errorf("base_concurrency must be positive (got %d)", b.BaseConcurrency)
	}
	if b.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency cannot be negative (got %d)", b.MaxConcurrency)
	}
	if !b.Status.IsValid() {
		return fmt.Errorf("invalid batch status: %s", b.Status)
	}
	return nil
}

// BatchMember carries the ordered many-to-many between batches and tasks.
// Position is the dispatch priority within the batch (lower first).
type BatchMember struct {
	BatchID  int64  `json:"batch_id"`
	TaskID   string `json:"task_id"`
	Position int    `json:"position"`
}

// StateLogEntry is one append-only row of a task's transition history.
type StateLogEntry struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	FromState Status    `json:"from_state"`
	ToState   Status    `json:"to_state"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskFilter is used to filter task queries
type TaskFilter struct {
	Status   *Status
	Statuses []Status // any-of; takes precedence over Status when set
	Repo     *string
	BatchID  *int64
	HasPR    *bool
	Limit    int
}
