// Package lock provides the single-pulse mutual exclusion lock. The lock is
// a directory (mkdir is atomic on every filesystem we care about) holding a
// metadata file with the owner's PID, hostname, and start time.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrHeld indicates a live pulse already owns the lock.
var ErrHeld = errors.New("lock held")

// StaleAfter is how old a lock may be before a dead owner's lock is broken.
// Below this age even an unverifiable owner is assumed alive.
const StaleAfter = 600 * time.Second

const metaFile = "owner.json"

// meta is the ownership record written inside the lock directory.
type meta struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is an acquired pulse lock.
type Lock struct {
	dir string
	pid int
}

// Acquire takes the pulse lock at dir, breaking a stale one if its owner is
// provably dead or the lock has outlived StaleAfter. Returns ErrHeld (wrapped
// with the owner's identity) when a live pulse holds it.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock parent: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(dir, 0755)
		if err == nil {
			l := &Lock{dir: dir, pid: os.Getpid()}
			if err := l.writeMeta(); err != nil {
				_ = os.RemoveAll(dir)
				return nil, err
			}
			return l, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}

		owner, ok := readMeta(dir)
		if ok && !isStale(owner) {
			return nil, fmt.Errorf("pulse already running (PID %d on %s since %s): %w",
				owner.PID, owner.Hostname, owner.StartedAt.Format(time.RFC3339), ErrHeld)
		}
		if !ok {
			// No readable metadata. Age the directory itself before breaking
			// so a racing acquirer that has mkdir'd but not yet written meta
			// is not evicted.
			info, statErr := os.Stat(dir)
			if statErr != nil || time.Since(info.ModTime()) < StaleAfter {
				return nil, fmt.Errorf("lock directory %s has no readable owner: %w", dir, ErrHeld)
			}
		}

		if err := breakStale(dir); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("lock directory %s: %w", dir, ErrHeld)
}

// breakStale removes a stale lock via rename-then-remove: the rename is
// atomic, so two racing breakers cannot both remove the live path and a new
// acquirer never sees a half-deleted directory.
func breakStale(dir string) error {
	tomb := fmt.Sprintf("%s.stale.%d.%d", dir, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(dir, tomb); err != nil {
		if os.IsNotExist(err) {
			return nil // someone else broke it first
		}
		return fmt.Errorf("failed to break stale lock: %w", err)
	}
	if err := os.RemoveAll(tomb); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to remove stale lock remnant %s: %v\n", tomb, err)
	}
	return nil
}

// Release removes the lock if this process still owns it. Releasing a lock
// that was already broken and re-acquired by another pulse is a no-op.
func (l *Lock) Release() error {
	owner, ok := readMeta(l.dir)
	if ok && owner.PID != l.pid {
		return nil
	}
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Dir returns the lock directory path.
func (l *Lock) Dir() string {
	return l.dir
}

func (l *Lock) writeMeta() error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	data, err := json.MarshalIndent(meta{
		PID:       l.pid,
		Hostname:  hostname,
		StartedAt: time.Now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock owner: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, metaFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write lock owner: %w", err)
	}
	return nil
}

func readMeta(dir string) (meta, bool) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return meta{}, false
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil || m.PID == 0 {
		return meta{}, false
	}
	return m, true
}

// isStale reports whether the recorded owner can be treated as dead.
func isStale(m meta) bool {
	if time.Since(m.StartedAt) > StaleAfter {
		return true
	}
	return !processAlive(m.PID, m.Hostname)
}

// processAlive checks the owner process with signal 0. Remote owners and
// permission errors are assumed alive; breaking a live lock is the worse
// failure mode.
func processAlive(pid int, hostname string) bool {
	current, err := os.Hostname()
	if err != nil || !strings.EqualFold(hostname, current) {
		return true
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
