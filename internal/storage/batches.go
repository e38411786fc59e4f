package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aidevops/supervisor/internal/types"
)

const batchColumns = `id, name, base_concurrency, max_concurrency,
	max_load_factor, status, release_on_complete, release_type,
	skip_quality_gate, created_at, completed_at`

// CreateBatch inserts a new batch and returns its assigned ID.
func (s *Store) CreateBatch(ctx context.Context, batch *types.Batch) error {
	if batch.Status == "" {
		batch.Status = types.BatchActive
	}
	if batch.BaseConcurrency == 0 {
		batch.BaseConcurrency = 2
	}
	if batch.MaxLoadFactor == 0 {
		batch.MaxLoadFactor = 0.85
	}
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	batch.CreatedAt = time.Now()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (name, base_concurrency, max_concurrency,
			max_load_factor, status, release_on_complete, release_type,
			skip_quality_gate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.Name, batch.BaseConcurrency, batch.MaxConcurrency,
		batch.MaxLoadFactor, batch.Status, batch.ReleaseOnComplete,
		batch.ReleaseType, batch.SkipQualityGate, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create batch %s: %w", batch.Name, err)
	}
	batch.ID, _ = res.LastInsertId()
	return nil
}

// GetBatch fetches one batch by ID.
func (s *Store) GetBatch(ctx context.Context, id int64) (*types.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+batchColumns+" FROM batches WHERE id = ?", id)
	return scanBatch(row, fmt.Sprintf("batch %d", id))
}

// GetBatchByName fetches one batch by its unique name.
func (s *Store) GetBatchByName(ctx context.Context, name string) (*types.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+batchColumns+" FROM batches WHERE name = ?", name)
	return scanBatch(row, fmt.Sprintf("batch %q", name))
}

// ListBatches returns batches filtered by status; empty status means all.
func (s *Store) ListBatches(ctx context.Context, status types.BatchStatus) ([]*types.Batch, error) {
	query := "SELECT " + batchColumns + " FROM batches"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*types.Batch
	for rows.Next() {
		b, err := scanBatch(rows, "batch")
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// AddBatchMember attaches a task to a batch at the given dispatch position.
func (s *Store) AddBatchMember(ctx context.Context, batchID int64, taskID string, position int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO batch_members (batch_id, task_id, position) VALUES (?, ?, ?)",
		batchID, taskID, position)
	if err != nil {
		return fmt.Errorf("failed to add %s to batch %d: %w", taskID, batchID, err)
	}
	return nil
}

// BatchForTask returns the batch a task belongs to, or ErrNotFound.
func (s *Store) BatchForTask(ctx context.Context, taskID string) (*types.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+prefixColumns("b.", batchColumns)+
			" FROM batches b JOIN batch_members bm ON bm.batch_id = b.id WHERE bm.task_id = ?",
		taskID)
	return scanBatch(row, fmt.Sprintf("batch for task %s", taskID))
}

// SetBatchStatus updates a batch's lifecycle state, stamping completed_at
// exactly once on the first move to complete or cancelled.
func (s *Store) SetBatchStatus(ctx context.Context, id int64, status types.BatchStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid batch status %q", status)
	}
	var res sql.Result
	var err error
	if status == types.BatchComplete || status == types.BatchCancelled {
		res, err = s.db.ExecContext(ctx,
			"UPDATE batches SET status = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ?",
			status, time.Now(), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE batches SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("failed to set batch %d status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %d: %w", id, ErrNotFound)
	}
	return nil
}

// BatchProgress summarises member counts for completion checks.
type BatchProgress struct {
	Total    int
	Terminal int
	ByStatus map[types.Status]int
}

// Progress computes the member-status breakdown of a batch. A batch is
// completion-eligible when every member is terminal.
func (s *Store) Progress(ctx context.Context, batchID int64) (*BatchProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.status, COUNT(*)
		FROM tasks t JOIN batch_members bm ON bm.task_id = t.id
		WHERE bm.batch_id = ?
		GROUP BY t.status`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch %d progress: %w", batchID, err)
	}
	defer rows.Close()

	p := &BatchProgress{ByStatus: make(map[types.Status]int)}
	for rows.Next() {
		var st types.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan batch progress: %w", err)
		}
		p.ByStatus[st] = n
		p.Total += n
		if st.IsTerminal() {
			p.Terminal += n
		}
	}
	return p, rows.Err()
}

func scanBatch(row rowScanner, what string) (*types.Batch, error) {
	var b types.Batch
	var completedAt sql.NullTime
	err := row.Scan(&b.ID, &b.Name, &b.BaseConcurrency, &b.MaxConcurrency,
		&b.MaxLoadFactor, &b.Status, &b.ReleaseOnComplete, &b.ReleaseType,
		&b.SkipQualityGate, &b.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", what, err)
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return &b, nil
}
