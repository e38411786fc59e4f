package lifecycle

import (
	"strings"
	"testing"

	"github.com/aidevops/supervisor/internal/forge"
)

func TestClassifyThread(t *testing.T) {
	cases := []struct {
		body string
		want Severity
	}{
		{"Possible SQL injection in this query", SeverityCritical},
		{"This credential should not be hardcoded", SeverityCritical},
		{"This is a bug: the error is swallowed", SeverityHigh},
		{"panic when input is empty", SeverityHigh},
		{"Consider extracting this into a helper", SeverityMedium},
		{"Missing test for the error path", SeverityMedium},
		{"nit: trailing whitespace", SeverityLow},
		{"typo in the comment", SeverityLow},
		{"LGTM once CI passes", SeverityDismiss},
		{"some remark with no keywords at all", SeverityLow},
	}
	for _, c := range cases {
		if got := ClassifyThread(forge.ReviewThread{Body: c.body}); got != c.want {
			t.Errorf("ClassifyThread(%q) = %s, want %s", c.body, got, c.want)
		}
	}
}

func TestTriageBatchAction(t *testing.T) {
	mk := func(bodies ...string) []forge.ReviewThread {
		var out []forge.ReviewThread
		for _, b := range bodies {
			out = append(out, forge.ReviewThread{Body: b})
		}
		return out
	}

	if action, _ := Triage(nil); action != ActionMerge {
		t.Errorf("empty triage = %s, want merge", action)
	}
	if action, _ := Triage(mk("nit: naming", "LGTM")); action != ActionMerge {
		t.Errorf("low-only triage blocked the merge")
	}
	action, actionable := Triage(mk("nit: naming", "this is a bug", "consider a test"))
	if action != ActionFix {
		t.Errorf("triage = %s, want fix", action)
	}
	if len(actionable) != 2 {
		t.Errorf("actionable = %d threads, want 2", len(actionable))
	}
	if action, _ := Triage(mk("nit", "security issue: secret in log")); action != ActionBlock {
		t.Errorf("critical thread did not block")
	}
}

func TestIsBotLogin(t *testing.T) {
	for login, want := range map[string]bool{
		"coderabbitai[bot]": true,
		"dependabot[bot]":   true,
		"sonarcloud":        true,
		"renovate-bot":      true,
		"alice":             false,
		"bob-smith":         false,
	} {
		if got := IsBotLogin(login); got != want {
			t.Errorf("IsBotLogin(%q) = %v, want %v", login, got, want)
		}
	}
}

func TestFixPromptListsThreads(t *testing.T) {
	prompt := FixPrompt("t42", []forge.ReviewThread{
		{Path: "db.go", Line: 17, Body: "error swallowed\nsecond line"},
		{Body: "general: please add a changelog entry"},
	})
	if !strings.Contains(prompt, "db.go:17") {
		t.Errorf("prompt missing location:\n%s", prompt)
	}
	if strings.Contains(prompt, "\nsecond line") {
		t.Error("thread body newlines not flattened")
	}
	if !strings.Contains(prompt, "t42") {
		t.Error("prompt missing task ID")
	}
}
