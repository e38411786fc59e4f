package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aidevops/supervisor/internal/types"
)

const taskColumns = `id, repo, description, status, session, worktree, branch,
	log_file, retries, max_retries, escalation_depth, max_escalations, model,
	last_error, pr_url, issue_url, diagnostic_of, meta,
	created_at, started_at, completed_at, updated_at`

// CreateTask inserts a new task row. The task must validate; status defaults
// to queued when unset.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	if task.Status == "" {
		task.Status = types.StatusQueued
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = 3
	}
	if task.MaxEscalations == 0 {
		task.MaxEscalations = 2
	}
	if task.Meta == "" {
		task.Meta = "{}"
	}
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, repo, description, status, session, worktree,
			branch, log_file, retries, max_retries, escalation_depth,
			max_escalations, model, last_error, pr_url, issue_url,
			diagnostic_of, meta, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Repo, task.Description, task.Status, task.Session,
		task.Worktree, task.Branch, task.LogFile, task.Retries, task.MaxRetries,
		task.EscalationDepth, task.MaxEscalations, task.Model, task.LastError,
		task.PRURL, task.IssueURL, task.DiagnosticOf, task.Meta,
		task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask fetches one task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, oldest first.
func (s *Store) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	var conds []string
	var args []interface{}

	if filter.BatchID != nil {
		query = "SELECT " + prefixColumns("t.", taskColumns) +
			" FROM tasks t JOIN batch_members bm ON bm.task_id = t.id"
		conds = append(conds, "bm.batch_id = ?")
		args = append(args, *filter.BatchID)
	}
	if len(filter.Statuses) > 0 {
		ph := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			ph[i] = "?"
			args = append(args, st)
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ", ")+")")
	} else if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Repo != nil {
		conds = append(conds, "repo = ?")
		args = append(args, *filter.Repo)
	}
	if filter.HasPR != nil {
		if *filter.HasPR {
			conds = append(conds, "pr_url != ''")
		} else {
			conds = append(conds, "pr_url = ''")
		}
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if filter.BatchID != nil {
		query += " ORDER BY bm.position, t.created_at"
	} else {
		query += " ORDER BY created_at"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CountByStatus returns the number of tasks currently in status.
func (s *Store) CountByStatus(ctx context.Context, status types.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE status = ?", status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s tasks: %w", status, err)
	}
	return n, nil
}

// ActiveCount returns the number of tasks holding a worker slot
// (dispatched or running).
func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE status IN (?, ?)",
		types.StatusDispatched, types.StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active tasks: %w", err)
	}
	return n, nil
}

// TransitionUpdate carries the side-band fields a transition may set along
// with the status change. Nil pointers leave the column untouched.
type TransitionUpdate struct {
	Reason   string
	Session  *string
	Worktree *string
	Branch   *string
	LogFile  *string
	Model    *string
	PRURL    *string
	IssueURL *string
	Error    *string
	Meta     *string

	// Proof-log context for significant targets. A non-empty Event forces a
	// proof entry even for micro-transitions (the evaluator records its
	// retry/blocked/failed verdicts this way).
	Event         types.ProofEvent
	Evidence      string
	DecisionMaker string
}

// Transition moves a task to a new status atomically, enforcing the
// transition whitelist. It also:
//
//   - increments retries when entering retrying
//   - sets started_at once, on the first move to dispatched
//   - sets completed_at when entering a terminal state
//   - clears session/worktree/log_file on deployed, verified, failed, cancelled
//   - appends to the state log (same transaction)
//   - appends a best-effort proof entry for significant targets (after commit)
//
// BEGIN IMMEDIATE takes the write lock up front so the read-check-write is a
// true compare-and-set against concurrent pulses.
func (s *Store) Transition(ctx context.Context, id string, target types.Status, update TransitionUpdate) (*types.Task, error) {
	if !target.IsValid() {
		return nil, fmt.Errorf("invalid status %q", target)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			// Rollback must run even when ctx is already done.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	row := conn.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}

	from := task.Status
	if from == target {
		// Idempotent no-op; pulses can race on the same observation.
		committed = true
		_, _ = conn.ExecContext(ctx, "COMMIT")
		return task, nil
	}
	if !from.CanTransitionTo(target) {
		return nil, fmt.Errorf("task %s: %s -> %s (legal: %s): %w",
			id, from, target, statusList(from.ValidTransitions()), ErrInvalidTransition)
	}

	now := time.Now()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{target, now}

	if target == types.StatusRetrying {
		sets = append(sets, "retries = retries + 1")
	}
	if target == types.StatusDispatched && task.StartedAt == nil {
		sets = append(sets, "started_at = ?")
		args = append(args, now)
	}
	if target.IsTerminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	switch target {
	case types.StatusDeployed, types.StatusVerified, types.StatusFailed, types.StatusCancelled:
		// Worker resources are gone; stale paths would confuse later reuse
		// decisions.
		sets = append(sets, "session = ''", "worktree = ''", "log_file = ''")
	}

	for col, val := range map[string]*string{
		"session":    update.Session,
		"worktree":   update.Worktree,
		"branch":     update.Branch,
		"log_file":   update.LogFile,
		"model":      update.Model,
		"pr_url":     update.PRURL,
		"issue_url":  update.IssueURL,
		"last_error": update.Error,
		"meta":       update.Meta,
	} {
		if val != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *val)
		}
	}

	args = append(args, id)
	if _, err := conn.ExecContext(ctx,
		"UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}

	if _, err := conn.ExecContext(ctx,
		"INSERT INTO state_log (task_id, from_state, to_state, reason, created_at) VALUES (?, ?, ?, ?, ?)",
		id, from, target, update.Reason, now); err != nil {
		return nil, fmt.Errorf("failed to append state log for %s: %w", id, err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("failed to commit transition for %s: %w", id, err)
	}
	committed = true

	if update.Event != "" || target.IsSignificantTarget() {
		event := update.Event
		if event == "" {
			event = target.ProofEvent()
		}
		entry := &types.ProofEntry{
			TaskID:        id,
			Event:         event,
			Stage:         string(target),
			Decision:      fmt.Sprintf("%s -> %s", from, target),
			Evidence:      update.Evidence,
			DecisionMaker: update.DecisionMaker,
		}
		if update.PRURL != nil {
			entry.PRURL = *update.PRURL
		}
		if err := s.AppendProof(ctx, entry); err != nil {
			// Proof writes never block the pipeline.
			fmt.Fprintf(os.Stderr, "Warning: proof log write failed for %s: %v\n", id, err)
		}
	}

	return s.GetTask(ctx, id)
}

// StateHistory returns the append-only transition log for a task,
// oldest first.
func (s *Store) StateHistory(ctx context.Context, taskID string) ([]types.StateLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_state, to_state, reason, created_at
		FROM state_log WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query state log: %w", err)
	}
	defer rows.Close()

	var entries []types.StateLogEntry
	for rows.Next() {
		var e types.StateLogEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.FromState, &e.ToState, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan state log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.Repo, &t.Description, &t.Status, &t.Session,
		&t.Worktree, &t.Branch, &t.LogFile, &t.Retries, &t.MaxRetries,
		&t.EscalationDepth, &t.MaxEscalations, &t.Model, &t.LastError,
		&t.PRURL, &t.IssueURL, &t.DiagnosticOf, &t.Meta,
		&t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func statusList(statuses []types.Status) string {
	if len(statuses) == 0 {
		return "none (terminal)"
	}
	parts := make([]string, len(statuses))
	for i, st := range statuses {
		parts[i] = string(st)
	}
	return strings.Join(parts, ", ")
}

func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// SetEscalationDepth records a model-tier escalation on the task.
func (s *Store) SetEscalationDepth(ctx context.Context, id string, depth int, model string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET escalation_depth = ?, model = ?, updated_at = ? WHERE id = ?",
		depth, model, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set escalation depth for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetIssueURL records the tracker issue linked to a blocked task.
func (s *Store) SetIssueURL(ctx context.Context, id, url string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET issue_url = ?, updated_at = ? WHERE id = ?",
		url, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set issue URL for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetMeta replaces the task's JSON meta blob.
func (s *Store) SetMeta(ctx context.Context, id, meta string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET meta = ?, updated_at = ? WHERE id = ?",
		meta, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set meta for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetPRURL records or clears the PR linked to a task. An empty url clears a
// link that failed validation.
func (s *Store) SetPRURL(ctx context.Context, id, url string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET pr_url = ?, updated_at = ? WHERE id = ?",
		url, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set PR URL for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}
