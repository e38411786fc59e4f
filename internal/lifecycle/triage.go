package lifecycle

import (
	"strconv"
	"strings"

	"github.com/aidevops/supervisor/internal/forge"
)

// Severity classifies one review thread.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityDismiss  Severity = "dismiss"
)

// Action is the batch decision over all threads on a PR.
type Action string

const (
	ActionMerge Action = "merge" // nothing actionable, proceed
	ActionFix   Action = "fix"   // redispatch a review-fix worker
	ActionBlock Action = "block" // needs a human
)

// Keyword tables checked in severity order; the first hit wins per thread.
var severityKeywords = []struct {
	severity Severity
	words    []string
}{
	{SeverityCritical, []string{
		"security", "vulnerab", "injection", "secret", "credential",
		"data loss", "unsafe", "exploit",
	}},
	{SeverityHigh, []string{
		"bug", "broken", "incorrect", "race condition", "deadlock",
		"crash", "panic", "memory leak", "wrong result", "fails",
	}},
	{SeverityMedium, []string{
		"should", "consider", "missing test", "error handling",
		"edge case", "refactor", "duplicate",
	}},
	{SeverityLow, []string{
		"nit", "typo", "style", "naming", "whitespace", "optional",
		"minor", "prefer",
	}},
}

// ClassifyThread assigns a severity from the first comment body. Unmatched
// bodies default to low: a thread a reviewer bothered to open is at least
// worth a look, but not worth blocking a merge.
func ClassifyThread(t forge.ReviewThread) Severity {
	body := strings.ToLower(t.Body)
	if strings.Contains(body, "lgtm") || strings.Contains(body, "looks good") {
		return SeverityDismiss
	}
	for _, tier := range severityKeywords {
		for _, w := range tier.words {
			if strings.Contains(body, w) {
				return tier.severity
			}
		}
	}
	return SeverityLow
}

// Triage summarises all threads to one batch action. Criticals block,
// high/medium spawn a fix worker, low/dismiss-only proceeds to merge.
func Triage(threads []forge.ReviewThread) (Action, []forge.ReviewThread) {
	var actionable []forge.ReviewThread
	action := ActionMerge
	for _, t := range threads {
		switch ClassifyThread(t) {
		case SeverityCritical:
			return ActionBlock, []forge.ReviewThread{t}
		case SeverityHigh, SeverityMedium:
			actionable = append(actionable, t)
			action = ActionFix
		}
	}
	return action, actionable
}

// botLogins are review authors whose change requests may be auto-dismissed
// once CI is green.
var botLogins = []string{"[bot]", "-bot", "coderabbitai", "copilot", "sonarcloud", "dependabot"}

// IsBotLogin reports whether a review author looks automated.
func IsBotLogin(login string) bool {
	lower := strings.ToLower(login)
	for _, pattern := range botLogins {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// FixPrompt renders the actionable threads into a review-fix worker prompt.
func FixPrompt(taskID string, threads []forge.ReviewThread) string {
	var b strings.Builder
	b.WriteString("Address the following code review feedback on the open pull request for task ")
	b.WriteString(taskID)
	b.WriteString(". Fix each point, commit, and push to the existing branch.\n\n")
	for i, t := range threads {
		b.WriteString("- ")
		if t.Path != "" {
			b.WriteString(t.Path)
			if t.Line > 0 {
				b.WriteString(":")
				b.WriteString(strconv.Itoa(t.Line))
			}
			b.WriteString(": ")
		}
		b.WriteString(strings.ReplaceAll(strings.TrimSpace(t.Body), "\n", " "))
		b.WriteString("\n")
		if i >= 19 {
			b.WriteString("- (further threads elided)\n")
			break
		}
	}
	return b.String()
}
