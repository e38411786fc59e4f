package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDeployNothingToDo(t *testing.T) {
	d := &Deployer{Timeout: time.Second}
	if err := d.Deploy(context.Background(), t.TempDir(), ""); err != nil {
		t.Errorf("empty repo deploy errored: %v", err)
	}
}

func TestDeployManifestTargeted(t *testing.T) {
	repo := t.TempDir()
	marker := filepath.Join(repo, "deployed.txt")
	manifest := "command: echo deploy > deployed.txt; echo\ntargeted: true\n"
	if err := os.WriteFile(filepath.Join(repo, ".supervisor-deploy.yml"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}

	d := &Deployer{Timeout: 5 * time.Second}
	if err := d.Deploy(context.Background(), repo, "abc123"); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("manifest command did not run")
	}
}

func TestDeploySetupFallback(t *testing.T) {
	repo := t.TempDir()
	script := "#!/bin/bash\ntouch setup-ran\n"
	if err := os.WriteFile(filepath.Join(repo, "setup.sh"), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}

	d := &Deployer{Timeout: 5 * time.Second}
	if err := d.Deploy(context.Background(), repo, ""); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "setup-ran")); err != nil {
		t.Error("setup.sh did not run")
	}
}

func TestDeployTimeout(t *testing.T) {
	repo := t.TempDir()
	if err := os.WriteFile(filepath.Join(repo, "setup.sh"), []byte("sleep 10\n"), 0755); err != nil {
		t.Fatal(err)
	}

	d := &Deployer{Timeout: 200 * time.Millisecond}
	err := d.Deploy(context.Background(), repo, "")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v, want timeout", err)
	}
}

func TestDeployFailureSurfacesOutput(t *testing.T) {
	repo := t.TempDir()
	if err := os.WriteFile(filepath.Join(repo, "setup.sh"), []byte("echo boom >&2; exit 3\n"), 0755); err != nil {
		t.Fatal(err)
	}

	d := &Deployer{Timeout: 5 * time.Second}
	err := d.Deploy(context.Background(), repo, "")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %v, want output with 'boom'", err)
	}
}
