package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aidevops/supervisor/internal/types"
)

// AppendProof writes one evidence record. Callers treat failures as
// warnings; the proof log is an audit trail, not a pipeline dependency.
func (s *Store) AppendProof(ctx context.Context, entry *types.ProofEntry) error {
	if entry.TaskID == "" {
		return fmt.Errorf("proof entry requires a task ID")
	}
	if entry.Event == "" {
		return fmt.Errorf("proof entry requires an event")
	}
	entry.CreatedAt = time.Now()

	var duration interface{}
	if entry.DurationSecs != nil {
		duration = *entry.DurationSecs
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO proof_log (task_id, event, stage, decision, evidence,
			decision_maker, pr_url, duration_secs, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.Event, entry.Stage, entry.Decision, entry.Evidence,
		entry.DecisionMaker, entry.PRURL, duration, entry.Metadata, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append proof entry: %w", err)
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// ProofHistory returns all proof entries for a task, oldest first.
func (s *Store) ProofHistory(ctx context.Context, taskID string) ([]types.ProofEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, event, stage, decision, evidence, decision_maker,
			pr_url, duration_secs, metadata, created_at
		FROM proof_log WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query proof log: %w", err)
	}
	defer rows.Close()
	return scanProofRows(rows)
}

// RecentProof returns the newest limit entries across all tasks,
// newest first. Used by the report command.
func (s *Store) RecentProof(ctx context.Context, limit int) ([]types.ProofEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, event, stage, decision, evidence, decision_maker,
			pr_url, duration_secs, metadata, created_at
		FROM proof_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query proof log: %w", err)
	}
	defer rows.Close()
	return scanProofRows(rows)
}

// StageLatencies derives per-stage durations for a task from the gaps
// between consecutive proof entries. The duration attributed to a stage is
// the time from entering it to the next recorded stage entry.
func (s *Store) StageLatencies(ctx context.Context, taskID string) ([]types.StageLatency, error) {
	entries, err := s.ProofHistory(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var latencies []types.StageLatency
	for i := 0; i+1 < len(entries); i++ {
		if entries[i].Stage == "" {
			continue
		}
		secs := entries[i+1].CreatedAt.Sub(entries[i].CreatedAt).Seconds()
		if secs < 0 {
			continue
		}
		latencies = append(latencies, types.StageLatency{
			TaskID:  taskID,
			Stage:   entries[i].Stage,
			Seconds: secs,
			At:      entries[i].CreatedAt,
		})
	}
	return latencies, nil
}

func scanProofRows(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]types.ProofEntry, error) {
	var entries []types.ProofEntry
	for rows.Next() {
		var e types.ProofEntry
		var duration *float64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Event, &e.Stage, &e.Decision,
			&e.Evidence, &e.DecisionMaker, &e.PRURL, &duration, &e.Metadata,
			&e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan proof entry: %w", err)
		}
		e.DurationSecs = duration
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
