package linker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aidevops/supervisor/internal/forge"
	"github.com/aidevops/supervisor/internal/storage"
	"github.com/aidevops/supervisor/internal/types"
)

type fakeForge struct {
	prs   map[string][]forge.PR // branch -> PRs
	byRef map[string]*forge.PR
}

func (f *fakeForge) ViewPR(_ context.Context, _ string, ref string) (*forge.PR, error) {
	if pr, ok := f.byRef[ref]; ok {
		return pr, nil
	}
	return &forge.PR{URL: ref, Title: "unrelated change", HeadRef: "misc"}, nil
}

func (f *fakeForge) PRsOnBranch(_ context.Context, _ string, branch string) ([]forge.PR, error) {
	return f.prs[branch], nil
}

func newLinker(t *testing.T, f *fakeForge) (*Linker, *storage.Store) {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return &Linker{Store: s, Forge: f}, s
}

func seedTask(t *testing.T, s *storage.Store, id string) *types.Task {
	t.Helper()
	task := &types.Task{ID: id, Repo: "/tmp/repo"}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestLinkValidatesWordBoundary(t *testing.T) {
	ctx := context.Background()
	url := "https://github.com/acme/widgets/pull/42"

	f := &fakeForge{byRef: map[string]*forge.PR{
		url: {URL: url, Title: "fixes for t1950", HeadRef: "feature/t1950"},
	}}
	l, s := newLinker(t, f)
	task := seedTask(t, s, "t195")

	// t195 must not match t1950.
	ok, err := l.Link(ctx, task, url)
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if ok {
		t.Error("t195 linked to a t1950 PR")
	}
	got, _ := s.GetTask(ctx, "t195")
	if got.PRURL != "" {
		t.Errorf("unvalidated URL persisted: %s", got.PRURL)
	}

	// A branch match on the exact ID links.
	f.byRef[url] = &forge.PR{URL: url, Title: "assorted fixes", HeadRef: "feature/t195"}
	ok, err = l.Link(ctx, task, url)
	if err != nil || !ok {
		t.Fatalf("Link = %v, %v", ok, err)
	}
	got, _ = s.GetTask(ctx, "t195")
	if got.PRURL != url {
		t.Errorf("PRURL = %s, want %s", got.PRURL, url)
	}
}

func TestLinkClearsStaleURL(t *testing.T) {
	ctx := context.Background()
	url := "https://github.com/acme/widgets/pull/9"

	f := &fakeForge{byRef: map[string]*forge.PR{
		url: {URL: url, Title: "someone else's work", HeadRef: "other"},
	}}
	l, s := newLinker(t, f)
	task := seedTask(t, s, "t700")

	// Pretend a bad URL got in previously.
	if err := s.SetPRURL(ctx, "t700", url); err != nil {
		t.Fatal(err)
	}
	task.PRURL = url

	ok, err := l.Link(ctx, task, url)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("invalid link accepted")
	}
	got, _ := s.GetTask(ctx, "t700")
	if got.PRURL != "" {
		t.Errorf("stale URL not cleared: %s", got.PRURL)
	}
}

func TestDiscoverByBranch(t *testing.T) {
	ctx := context.Background()
	url := "https://github.com/acme/widgets/pull/77"

	f := &fakeForge{prs: map[string][]forge.PR{
		"task/t701": {{URL: url, Title: "t701: add linker", HeadRef: "task/t701"}},
	}}
	l, s := newLinker(t, f)
	seedTask(t, s, "t701")

	task, _ := s.GetTask(ctx, "t701")
	got, err := l.Discover(ctx, task)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if got != url {
		t.Errorf("Discover = %q, want %q", got, url)
	}
	stored, _ := s.GetTask(ctx, "t701")
	if stored.PRURL != url {
		t.Errorf("PRURL not persisted: %q", stored.PRURL)
	}
}

func TestDiscoverNoMatch(t *testing.T) {
	ctx := context.Background()
	f := &fakeForge{prs: map[string][]forge.PR{
		"task/t702": {{URL: "https://github.com/acme/widgets/pull/5",
			Title: "t7020 big refactor", HeadRef: "task/t7020"}},
	}}
	l, s := newLinker(t, f)
	seedTask(t, s, "t702")

	task, _ := s.GetTask(ctx, "t702")
	got, err := l.Discover(ctx, task)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("Discover matched the wrong task's PR: %s", got)
	}
}
