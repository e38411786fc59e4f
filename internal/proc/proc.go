// Package proc manages worker process identity: PID files, liveness checks,
// process-tree walks, and two-phase termination.
package proc

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// PIDFile returns the path of the PID file for a task.
func PIDFile(pidsDir, taskID string) string {
	return filepath.Join(pidsDir, taskID+".pid")
}

// WritePID records a worker's PID for later liveness checks and cleanup.
func WritePID(pidsDir, taskID string, pid int) error {
	if err := os.MkdirAll(pidsDir, 0755); err != nil {
		return fmt.Errorf("failed to create pids directory: %w", err)
	}
	path := PIDFile(pidsDir, taskID)
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// ReadPID returns the recorded worker PID for a task, or 0 when absent.
func ReadPID(pidsDir, taskID string) (int, error) {
	data, err := os.ReadFile(PIDFile(pidsDir, taskID))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file for %s: %w", taskID, err)
	}
	return pid, nil
}

// RemovePID discards a task's PID file. Missing files are fine.
func RemovePID(pidsDir, taskID string) error {
	if err := os.Remove(PIDFile(pidsDir, taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid file: %w", err)
	}
	return nil
}

// Alive reports whether pid exists. EPERM counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}

// SessionAlive reports liveness for a "pid:<n>" session string.
func SessionAlive(session string) bool {
	pid := ParseSession(session)
	return pid > 0 && Alive(pid)
}

// ParseSession extracts the PID from a "pid:<n>" session string, 0 on
// anything else.
func ParseSession(session string) int {
	rest, ok := strings.CutPrefix(session, "pid:")
	if !ok {
		return 0
	}
	pid, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return pid
}

// Descendants walks the process tree under root (root excluded), using
// pgrep -P breadth-first.
func Descendants(root int) []int {
	var out []int
	frontier := []int{root}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, child := range children(next) {
			out = append(out, child)
			frontier = append(frontier, child)
		}
	}
	return out
}

func children(pid int) []int {
	data, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil // no children, or pgrep missing
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		if p, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
			pids = append(pids, p)
		}
	}
	return pids
}

// TreeSize counts root plus all its descendants, 0 when root is dead.
func TreeSize(root int) int {
	if !Alive(root) {
		return 0
	}
	return 1 + len(Descendants(root))
}

// TermTree sends SIGTERM to a worker and everything under it without
// waiting. Used as the graceful first phase of hang termination; KillTree
// follows later if the tree ignores it.
func TermTree(root int) {
	if !Alive(root) {
		return
	}
	for _, pid := range append(Descendants(root), root) {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
}

// KillTree terminates a worker and everything under it: SIGTERM to the whole
// tree, a grace wait, then SIGKILL to survivors. Children first so the worker
// cannot respawn them during the grace period.
func KillTree(root int, grace time.Duration) error {
	if !Alive(root) {
		return nil
	}

	targets := append(Descendants(root), root)
	for _, pid := range targets {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !anyAlive(targets) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	var survivors []int
	for _, pid := range targets {
		if Alive(pid) {
			survivors = append(survivors, pid)
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
	if len(survivors) > 0 {
		fmt.Fprintf(os.Stderr, "Warning: SIGKILL sent to %d surviving processes under %d\n",
			len(survivors), root)
	}
	return nil
}

func anyAlive(pids []int) bool {
	for _, pid := range pids {
		if Alive(pid) {
			return true
		}
	}
	return false
}

// TotalProcessCount returns the host's process count, for the concurrency
// governor's load sample. Zero when /proc is unreadable.
func TotalProcessCount() int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		// Not Linux; fall back to ps.
		out, err := exec.Command("ps", "-axo", "pid=").Output()
		if err != nil {
			return 0
		}
		return len(strings.Split(strings.TrimSpace(string(out)), "\n"))
	}
	n := 0
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err == nil {
			n++
		}
	}
	return n
}
