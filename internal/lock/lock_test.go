package lock

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pulse.lock")

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "owner.json")); err != nil {
		t.Errorf("owner metadata not written: %v", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("lock directory still present after release")
	}
}

func TestAcquireMutualExclusion(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pulse.lock")

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	defer func() { _ = l.Release() }()

	// Same live process holds it.
	if _, err := Acquire(dir); !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire: got %v, want ErrHeld", err)
	}
}

func TestAcquireBreaksDeadOwner(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pulse.lock")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	// PID that cannot exist; recent start time so only liveness matters.
	writeOwner(t, dir, 1<<30, time.Now())

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire should break dead owner's lock: %v", err)
	}
	_ = l.Release()
}

func TestAcquireBreaksAgedOutOwner(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pulse.lock")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	// Our own PID is alive, but the lock is past the stale threshold.
	writeOwner(t, dir, os.Getpid(), time.Now().Add(-11*time.Minute))

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire should break aged-out lock: %v", err)
	}
	_ = l.Release()
}

func TestAcquireKeepsFreshUnreadableLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pulse.lock")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	// No metadata at all: looks like a racing acquirer mid-setup.
	if _, err := Acquire(dir); !errors.Is(err, ErrHeld) {
		t.Fatalf("got %v, want ErrHeld for fresh unreadable lock", err)
	}
}

func TestReleaseIsOwnerChecked(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pulse.lock")

	l, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate the lock being broken and re-acquired by another pulse.
	writeOwner(t, dir, os.Getpid()+1, time.Now())

	if err := l.Release(); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Release removed a lock owned by someone else")
	}
}

func writeOwner(t *testing.T, dir string, pid int, startedAt time.Time) {
	t.Helper()
	data, err := json.Marshal(meta{PID: pid, Hostname: hostnameOrUnknown(), StartedAt: startedAt})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
