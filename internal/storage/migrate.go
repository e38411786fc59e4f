package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Migration is a single schema change. Tables lists every table whose row
// count must not decrease across the migration; that verification is the
// defence against the historical SELECT*-copy bug that silently dropped rows
// when the column count changed.
type Migration struct {
	Version     int
	Description string
	Tables      []string
	Up          string
}

// migrations holds the ordered schema evolution. New entries append with the
// next version number; the base schema in schema.go is version 0.
var migrations = []Migration{}

// applyMigrations applies all pending migrations, each through SafeMigrate.
func (s *Store) applyMigrations(ctx context.Context) error {
	var current int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	pending := make([]Migration, 0, len(migrations))
	for _, m := range migrations {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, m := range pending {
		if err := s.SafeMigrate(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// SafeMigrate executes one migration under the backup/verify/rollback
// discipline:
//
//  1. Back up the whole database file to a timestamped copy.
//  2. Run the migration SQL in a transaction.
//  3. Verify the row counts of m.Tables did not decrease.
//  4. On any failure, restore the backup atomically.
//  5. Prune backups to the most recent five.
func (s *Store) SafeMigrate(ctx context.Context, m Migration) error {
	before, err := s.rowCounts(ctx, m.Tables)
	if err != nil {
		return fmt.Errorf("failed to count rows before migration: %w", err)
	}

	backupPath, err := s.Backup(fmt.Sprintf("migrate-v%d", m.Version))
	if err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}

	runErr := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now()); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return tx.Commit()
	}()

	if runErr == nil {
		after, err := s.rowCounts(ctx, m.Tables)
		if err != nil {
			runErr = fmt.Errorf("failed to count rows after migration: %w", err)
		} else {
			for _, table := range m.Tables {
				if after[table] < before[table] {
					runErr = fmt.Errorf("row count for %s decreased %d -> %d",
						table, before[table], after[table])
					break
				}
			}
		}
	}

	if runErr != nil {
		if restoreErr := s.restoreBackup(backupPath); restoreErr != nil {
			return fmt.Errorf("migration failed (%v) and restore failed: %w", runErr, restoreErr)
		}
		return fmt.Errorf("migration rolled back: %w", runErr)
	}

	s.pruneBackups(5)
	return nil
}

// rowCounts returns the current row count per table.
func (s *Store) rowCounts(ctx context.Context, tables []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		if !isSafeIdent(table) {
			return nil, fmt.Errorf("invalid table name: %s", table)
		}
		var n int64
		if err := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// Backup copies the database file to a timestamped sibling and returns its
// path. VACUUM INTO gives a consistent single-file snapshot even with live
// WAL/SHM sidecars.
func (s *Store) Backup(reason string) (string, error) {
	ts := time.Now().Format("20060102-150405")
	dir := filepath.Dir(s.path)
	base := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	backupPath := filepath.Join(dir, fmt.Sprintf("%s-backup-%s-%s.db", base, reason, ts))

	if _, err := s.db.Exec("VACUUM INTO ?", backupPath); err != nil {
		return "", fmt.Errorf("VACUUM INTO failed: %w", err)
	}
	return backupPath, nil
}

// restoreBackup replaces the live database file with the backup copy.
// The copy goes to a temp file first and lands with an atomic rename.
func (s *Store) restoreBackup(backupPath string) error {
	src, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer src.Close()

	tmp := s.path + ".restore-tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to copy backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Drop stale WAL/SHM sidecars so the restored file is authoritative.
	_ = os.Remove(s.path + "-wal")
	_ = os.Remove(s.path + "-shm")

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace database: %w", err)
	}
	return nil
}

// pruneBackups removes all but the newest keep backup files for this database.
func (s *Store) pruneBackups(keep int) {
	dir := filepath.Dir(s.path)
	base := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	pattern := filepath.Join(dir, base+"-backup-*.db")

	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) <= keep {
		return
	}

	type backup struct {
		path string
		mod  time.Time
	}
	var backups []backup
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: p, mod: info.ModTime()})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].mod.After(backups[j].mod) })

	for i := keep; i < len(backups); i++ {
		if err := os.Remove(backups[i].path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to prune backup %s: %v\n", backups[i].path, err)
		}
	}
}

// isSafeIdent rejects anything that is not a plain SQL identifier.
func isSafeIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
