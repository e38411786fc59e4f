package worktree

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestRegistryClaimOwnerForget(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	wt := "/tmp/worktrees/t400"

	if _, ok := r.Owner(wt); ok {
		t.Fatal("unclaimed worktree has an owner")
	}

	if err := r.Claim(wt, "t400", "pid:4242"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	owner, ok := r.Owner(wt)
	if !ok {
		t.Fatal("claimed worktree has no owner")
	}
	if owner.TaskID != "t400" || owner.Session != "pid:4242" {
		t.Errorf("owner = %+v", owner)
	}

	if err := r.Forget(wt); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if _, ok := r.Owner(wt); ok {
		t.Error("forgotten worktree still has an owner")
	}
	// Forgetting twice is fine.
	if err := r.Forget(wt); err != nil {
		t.Errorf("second Forget failed: %v", err)
	}
}

func TestCanRemove(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	wt := "/tmp/worktrees/t401"

	// No token: no owner, safe to remove.
	if err := r.CanRemove(wt); err != nil {
		t.Errorf("CanRemove with no token: %v", err)
	}

	// Owned by our own session: allowed.
	if err := r.Claim(wt, "t401", ""); err != nil {
		t.Fatal(err)
	}
	if err := r.CanRemove(wt); err != nil {
		t.Errorf("CanRemove of own worktree: %v", err)
	}

	// Owned by a live foreign session: refused.
	if err := r.Claim(wt, "t401", sessionFor(os.Getpid())); err != nil {
		t.Fatal(err)
	}
	if err := r.CanRemove(wt); !errors.Is(err, ErrOwnedElsewhere) {
		t.Errorf("CanRemove of live foreign worktree: got %v, want ErrOwnedElsewhere", err)
	}

	// Owned by a dead session: allowed.
	if err := r.Claim(wt, "t401", "pid:1073741824"); err != nil {
		t.Fatal(err)
	}
	if err := r.CanRemove(wt); err != nil {
		t.Errorf("CanRemove of dead-owner worktree: %v", err)
	}
}

func TestPrune(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	// A token whose path exists stays; one whose path is gone goes.
	alive := t.TempDir()
	if err := r.Claim(alive, "t402", "pid:1"); err != nil {
		t.Fatal(err)
	}
	dead := filepath.Join(t.TempDir(), "vanished")
	if err := r.Claim(dead, "t403", "pid:1"); err != nil {
		t.Fatal(err)
	}

	pruned, err := r.Prune()
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if _, ok := r.Owner(alive); !ok {
		t.Error("token for existing worktree was pruned")
	}
	if _, ok := r.Owner(dead); ok {
		t.Error("token for vanished worktree survived prune")
	}
}

func sessionFor(pid int) string {
	return "pid:" + strconv.Itoa(pid)
}
