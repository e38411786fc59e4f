package forge

import (
	"context"
	"testing"
)

func TestContainsWord(t *testing.T) {
	cases := []struct {
		text, word string
		want       bool
	}{
		{"t123: add pagination", "t123", true},
		{"t123.4: subtask fix", "t123.4", true},
		{"t123.4: subtask fix", "t123", false}, // parent must not match subtask
		{"fix for t1234", "t123", false},
		{"(t123)", "t123", true},
		{"prefix-t123", "t123", true}, // hyphen is a boundary
		{"no mention here", "t123", false},
		{"t123", "t123", true},
	}
	for _, c := range cases {
		if got := containsWord(c.text, c.word); got != c.want {
			t.Errorf("containsWord(%q, %q) = %v, want %v", c.text, c.word, got, c.want)
		}
	}
}

func TestErrorClassifiers(t *testing.T) {
	if !isAuthError("HTTP 401: Bad credentials") {
		t.Error("bad credentials not classified as auth error")
	}
	if !isAuthError("To get started with GitHub CLI, please run:  gh auth login") {
		t.Error("logged-out gh not classified as auth error")
	}
	if isAuthError("API rate limit exceeded") {
		t.Error("rate limit misclassified as auth error")
	}

	if !isTransient("API rate limit exceeded for user") {
		t.Error("rate limit not transient")
	}
	if !isTransient("HTTP 502 from api.github.com") {
		t.Error("502 not transient")
	}
	if isTransient("pull request not found") {
		t.Error("not-found misclassified as transient")
	}
}

func TestDecodePRs(t *testing.T) {
	out := `[{"url":"https://github.com/acme/widgets/pull/7","number":7,"title":"t123: fix","state":"OPEN","headRefName":"task/t123"}]`
	prs, err := decodePRs(out)
	if err != nil {
		t.Fatalf("decodePRs failed: %v", err)
	}
	if len(prs) != 1 || prs[0].Number != 7 || prs[0].HeadRef != "task/t123" {
		t.Errorf("prs = %+v", prs)
	}

	if _, err := decodePRs("not json"); err == nil {
		t.Error("expected decode error for garbage input")
	}
}

func TestIdentityEnvWins(t *testing.T) {
	t.Setenv("AIDEVOPS_IDENTITY", "robo-claimer")
	c := NewClient(2, 3)
	if got := c.Identity(context.Background()); got != "robo-claimer" {
		t.Errorf("Identity = %q, want robo-claimer", got)
	}
}
