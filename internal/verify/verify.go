// Package verify manages the post-deploy verification queue in
// todo/VERIFY.md. Entries carry atomic check directives with a fixed
// vocabulary:
//
//	file-exists <path>
//	shellcheck <path>
//	rg "<pattern>" <path>
//	bash <script>
//
// New entries are inserted before the <!-- VERIFY-QUEUE-END --> sentinel so
// humans can keep prose after the queue.
package verify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Sentinel marks the end of the verification queue inside VERIFY.md.
const Sentinel = "<!-- VERIFY-QUEUE-END -->"

// Entry is one verification queue item.
type Entry struct {
	ID       string // vNNN
	TaskID   string
	Desc     string
	PRNumber int
	MergedAt string // YYYY-MM-DD
	Files    []string
	Checks   []string // raw directives
	State    byte     // ' ' pending, 'x' verified, '!' failed
}

// CheckResult is the outcome of one directive.
type CheckResult struct {
	Directive string
	Passed    bool
	Detail    string
}

// Queue edits one repository's todo/VERIFY.md.
type Queue struct {
	repo string
}

// NewQueue binds to repo's verification queue file.
func NewQueue(repo string) *Queue {
	return &Queue{repo: repo}
}

func (q *Queue) path() string {
	return filepath.Join(q.repo, "todo", "VERIFY.md")
}

var entryLine = regexp.MustCompile(`^- \[( |x|!)\] (v\d+) (\S+) (.*?) \| PR #(\d+) \| merged:(\S+)`)

// DirectivesForFiles derives check directives from a PR's changed files:
// shellcheck for shell files, bash -n via the bash directive for test
// scripts, pattern presence for index files, file-exists for everything.
func DirectivesForFiles(files []string) []string {
	var checks []string
	for _, f := range files {
		checks = append(checks, "file-exists "+f)
		switch {
		case strings.HasSuffix(f, ".sh") && strings.Contains(f, "test"):
			checks = append(checks, "bash "+f)
		case strings.HasSuffix(f, ".sh"):
			checks = append(checks, "shellcheck "+f)
		case strings.HasSuffix(f, "INDEX.md") || strings.HasSuffix(f, "index.md"):
			checks = append(checks, fmt.Sprintf(`rg "%s" %s`, filepath.Base(filepath.Dir(f)), f))
		}
	}
	return checks
}

// Append inserts a new pending entry before the sentinel, creating the file
// with a sentinel when absent.
func (q *Queue) Append(taskID, desc string, prNumber int, files []string) error {
	dir := filepath.Dir(q.path())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create todo directory: %w", err)
	}

	content := "# Verification Queue\n\n" + Sentinel + "\n"
	if data, err := os.ReadFile(q.path()); err == nil {
		content = string(data)
	}
	if !strings.Contains(content, Sentinel) {
		content = strings.TrimRight(content, "\n") + "\n" + Sentinel + "\n"
	}

	entries, _ := q.parse(content)
	next := 1
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.ID, "v%d", &n); err == nil && n >= next {
			next = n + 1
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "- [ ] v%03d %s %s | PR #%d | merged:%s\n",
		next, taskID, desc, prNumber, time.Now().Format("2006-01-02"))
	if len(files) > 0 {
		fmt.Fprintf(&b, "  files: %s\n", strings.Join(files, " "))
	}
	for _, c := range DirectivesForFiles(files) {
		fmt.Fprintf(&b, "  check: %s\n", c)
	}

	content = strings.Replace(content, Sentinel, b.String()+Sentinel, 1)
	if err := os.WriteFile(q.path(), []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write VERIFY.md: %w", err)
	}
	return nil
}

// Pending returns the entries still awaiting verification.
func (q *Queue) Pending() ([]Entry, error) {
	data, err := os.ReadFile(q.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read VERIFY.md: %w", err)
	}
	entries, err := q.parse(string(data))
	if err != nil {
		return nil, err
	}
	var pending []Entry
	for _, e := range entries {
		if e.State == ' ' {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

func (q *Queue) parse(content string) ([]Entry, error) {
	var entries []Entry
	var cur *Entry
	for _, raw := range strings.Split(content, "\n") {
		if m := entryLine.FindStringSubmatch(raw); m != nil {
			if cur != nil {
				entries = append(entries, *cur)
			}
			e := Entry{ID: m[2], TaskID: m[3], Desc: m[4], MergedAt: m[6], State: m[1][0]}
			fmt.Sscanf(m[5], "%d", &e.PRNumber)
			cur = &e
			continue
		}
		if cur == nil {
			continue
		}
		trimmed := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(trimmed, "files: "):
			cur.Files = strings.Fields(strings.TrimPrefix(trimmed, "files: "))
		case strings.HasPrefix(trimmed, "check: "):
			cur.Checks = append(cur.Checks, strings.TrimPrefix(trimmed, "check: "))
		case strings.HasPrefix(raw, "- ") || raw == Sentinel:
			entries = append(entries, *cur)
			cur = nil
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	return entries, nil
}

// Run executes an entry's directives in order. All must pass.
func (q *Queue) Run(ctx context.Context, e Entry) ([]CheckResult, bool) {
	results := make([]CheckResult, 0, len(e.Checks))
	allPassed := true
	for _, directive := range e.Checks {
		res := q.runDirective(ctx, directive)
		results = append(results, res)
		if !res.Passed {
			allPassed = false
		}
	}
	return results, allPassed
}

var rgDirective = regexp.MustCompile(`^rg "(.*)" (\S+)$`)

func (q *Queue) runDirective(ctx context.Context, directive string) CheckResult {
	res := CheckResult{Directive: directive}
	fields := strings.Fields(directive)
	if len(fields) < 2 {
		res.Detail = "malformed directive"
		return res
	}

	switch fields[0] {
	case "file-exists":
		path := filepath.Join(q.repo, fields[1])
		if _, err := os.Stat(path); err != nil {
			res.Detail = "missing: " + fields[1]
			return res
		}
		res.Passed = true

	case "shellcheck":
		out, err := exec.CommandContext(ctx, "shellcheck", filepath.Join(q.repo, fields[1])).CombinedOutput()
		if err != nil {
			res.Detail = truncate(string(out), 200)
			return res
		}
		res.Passed = true

	case "rg":
		m := rgDirective.FindStringSubmatch(directive)
		if m == nil {
			res.Detail = "malformed rg directive"
			return res
		}
		cmd := exec.CommandContext(ctx, "rg", "-q", m[1], filepath.Join(q.repo, m[2]))
		if err := cmd.Run(); err != nil {
			res.Detail = fmt.Sprintf("pattern %q not found in %s", m[1], m[2])
			return res
		}
		res.Passed = true

	case "bash":
		out, err := exec.CommandContext(ctx, "bash", "-n", filepath.Join(q.repo, fields[1])).CombinedOutput()
		if err != nil {
			res.Detail = truncate(string(out), 200)
			return res
		}
		res.Passed = true

	default:
		res.Detail = "unknown directive: " + fields[0]
	}
	return res
}

// Mark rewrites an entry's checkbox: verified:<date> on pass, failed:<date>
// with a truncated reason on fail.
func (q *Queue) Mark(entryID string, passed bool, reason string) error {
	data, err := os.ReadFile(q.path())
	if err != nil {
		return fmt.Errorf("failed to read VERIFY.md: %w", err)
	}

	date := time.Now().Format("2006-01-02")
	lines := strings.Split(string(data), "\n")
	found := false
	for i, raw := range lines {
		m := entryLine.FindStringSubmatch(raw)
		if m == nil || m[2] != entryID {
			continue
		}
		found = true
		if passed {
			line := strings.Replace(raw, "- [ ]", "- [x]", 1)
			lines[i] = line + " verified:" + date
		} else {
			line := strings.Replace(raw, "- [ ]", "- [!]", 1)
			lines[i] = line + fmt.Sprintf(" failed:%s reason:%s", date,
				strings.ReplaceAll(truncate(reason, 120), " ", "_"))
		}
		break
	}
	if !found {
		return fmt.Errorf("entry %s not found in VERIFY.md", entryID)
	}
	if err := os.WriteFile(q.path(), []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return fmt.Errorf("failed to write VERIFY.md: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
