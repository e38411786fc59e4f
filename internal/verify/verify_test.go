package verify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirectivesForFiles(t *testing.T) {
	checks := DirectivesForFiles([]string{
		"scripts/deploy.sh",
		"scripts/test-deploy.sh",
		"docs/INDEX.md",
		"internal/storage/tasks.go",
	})

	joined := strings.Join(checks, "\n")
	for _, want := range []string{
		"file-exists scripts/deploy.sh",
		"shellcheck scripts/deploy.sh",
		"bash scripts/test-deploy.sh",
		"file-exists internal/storage/tasks.go",
		`rg "docs" docs/INDEX.md`,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing directive %q in:\n%s", want, joined)
		}
	}
	// Plain Go files get only existence checks.
	if strings.Contains(joined, "shellcheck internal/storage/tasks.go") {
		t.Error("shellcheck applied to a Go file")
	}
}

func TestAppendAndPending(t *testing.T) {
	repo := t.TempDir()
	q := NewQueue(repo)

	if err := q.Append("t500", "Add retry logic", 42, []string{"pkg/retry.go"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := q.Append("t501", "Fix pagination", 43, nil); err != nil {
		t.Fatalf("second Append failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(repo, "todo", "VERIFY.md"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)

	// Entries land before the sentinel, sequentially numbered.
	if !strings.Contains(content, "- [ ] v001 t500 Add retry logic | PR #42") {
		t.Errorf("first entry malformed:\n%s", content)
	}
	if !strings.Contains(content, "- [ ] v002 t501 Fix pagination | PR #43") {
		t.Errorf("second entry malformed:\n%s", content)
	}
	if strings.Index(content, "v002") > strings.Index(content, Sentinel) {
		t.Error("entry inserted after the sentinel")
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d entries, want 2", len(pending))
	}
	if pending[0].TaskID != "t500" || pending[0].PRNumber != 42 {
		t.Errorf("entry = %+v", pending[0])
	}
	if len(pending[0].Checks) == 0 || pending[0].Checks[0] != "file-exists pkg/retry.go" {
		t.Errorf("checks = %v", pending[0].Checks)
	}
}

func TestRunDirectives(t *testing.T) {
	repo := t.TempDir()
	q := NewQueue(repo)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(repo, "present.txt"), []byte("needle here\n"), 0644); err != nil {
		t.Fatal(err)
	}

	e := Entry{Checks: []string{
		"file-exists present.txt",
		"file-exists missing.txt",
	}}
	results, ok := q.Run(ctx, e)
	if ok {
		t.Error("Run passed with a missing file")
	}
	if len(results) != 2 || !results[0].Passed || results[1].Passed {
		t.Errorf("results = %+v", results)
	}

	e = Entry{Checks: []string{"file-exists present.txt"}}
	if _, ok := q.Run(ctx, e); !ok {
		t.Error("Run failed with all files present")
	}
}

func TestMark(t *testing.T) {
	repo := t.TempDir()
	q := NewQueue(repo)

	if err := q.Append("t502", "Widget polish", 44, nil); err != nil {
		t.Fatal(err)
	}

	if err := q.Mark("v001", true, ""); err != nil {
		t.Fatalf("Mark pass failed: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(repo, "todo", "VERIFY.md"))
	if !strings.Contains(string(data), "- [x] v001") || !strings.Contains(string(data), "verified:") {
		t.Errorf("pass not recorded:\n%s", data)
	}

	if err := q.Append("t503", "More polish", 45, nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Mark("v002", false, "shellcheck found unquoted variable expansion"); err != nil {
		t.Fatalf("Mark fail failed: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(repo, "todo", "VERIFY.md"))
	if !strings.Contains(string(data), "- [!] v002") || !strings.Contains(string(data), "failed:") {
		t.Errorf("failure not recorded:\n%s", data)
	}

	// Verified entries drop out of the pending set.
	pending, err := q.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want none", pending)
	}

	if err := q.Mark("v999", true, ""); err == nil {
		t.Error("Mark of unknown entry succeeded")
	}
}
