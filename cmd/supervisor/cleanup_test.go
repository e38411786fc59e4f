package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/aidevops/supervisor/internal/config"
)

func TestPrunePIDFiles(t *testing.T) {
	dir := t.TempDir()
	cfg = &config.Config{PIDsDir: dir}

	// Live PID: our own process. Must survive the prune.
	live := filepath.Join(dir, "t1.pid")
	if err := os.WriteFile(live, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
		t.Fatal(err)
	}
	// Dead PID: far above pid_max on any reasonable host.
	dead := filepath.Join(dir, "t2.pid")
	if err := os.WriteFile(dead, []byte("1073741824\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// Garbage content counts as dead.
	garbage := filepath.Join(dir, "t3.pid")
	if err := os.WriteFile(garbage, []byte("not-a-pid\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// Non-pid files are ignored entirely.
	other := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(other, []byte("keep\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if removed := prunePIDFiles(); removed != 2 {
		t.Errorf("prunePIDFiles() = %d; want 2", removed)
	}
	if _, err := os.Stat(live); err != nil {
		t.Error("live pid file was removed")
	}
	if _, err := os.Stat(dead); !os.IsNotExist(err) {
		t.Error("dead pid file survived")
	}
	if _, err := os.Stat(garbage); !os.IsNotExist(err) {
		t.Error("garbage pid file survived")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("unrelated file was removed")
	}
}

func TestPrunePIDFilesDryRun(t *testing.T) {
	dir := t.TempDir()
	cfg = &config.Config{PIDsDir: dir}
	cleanupDryRun = true
	defer func() { cleanupDryRun = false }()

	dead := filepath.Join(dir, "t9.pid")
	if err := os.WriteFile(dead, []byte("1073741824\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if removed := prunePIDFiles(); removed != 1 {
		t.Errorf("prunePIDFiles() = %d; want 1", removed)
	}
	if _, err := os.Stat(dead); err != nil {
		t.Error("dry run removed the pid file")
	}
}
