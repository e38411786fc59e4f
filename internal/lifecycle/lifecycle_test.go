package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aidevops/supervisor/internal/config"
	"github.com/aidevops/supervisor/internal/forge"
	"github.com/aidevops/supervisor/internal/linker"
	"github.com/aidevops/supervisor/internal/storage"
	"github.com/aidevops/supervisor/internal/types"
	"github.com/aidevops/supervisor/internal/worktree"
)

type fakeForge struct {
	pr        *forge.PR
	checks    []forge.Check
	threads   []forge.ReviewThread
	reviews   []forge.Review
	files     []string
	prsByHead map[string][]forge.PR

	merged      bool
	mergedAdmin bool
	readied     bool
	dismissed   []int
}

func (f *fakeForge) ViewPR(context.Context, string, string) (*forge.PR, error) { return f.pr, nil }
func (f *fakeForge) Checks(context.Context, string, string) ([]forge.Check, error) {
	return f.checks, nil
}
func (f *fakeForge) Merge(_ context.Context, _, _ string, admin bool) error {
	f.merged = true
	f.mergedAdmin = admin
	return nil
}
func (f *fakeForge) UnresolvedThreads(context.Context, string, int) ([]forge.ReviewThread, error) {
	return f.threads, nil
}
func (f *fakeForge) Reviews(context.Context, string, string) ([]forge.Review, error) {
	return f.reviews, nil
}
func (f *fakeForge) DismissReview(_ context.Context, _ string, _, reviewID int, _ string) error {
	f.dismissed = append(f.dismissed, reviewID)
	return nil
}
func (f *fakeForge) MarkReady(context.Context, string, string) error {
	f.readied = true
	return nil
}
func (f *fakeForge) ChangedFiles(context.Context, string, string) ([]string, error) {
	return f.files, nil
}
func (f *fakeForge) PRsOnBranch(_ context.Context, _ string, branch string) ([]forge.PR, error) {
	return f.prsByHead[branch], nil
}

func newController(t *testing.T, f *fakeForge) (*Controller, *storage.Store) {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	reg, err := worktree.NewRegistry(filepath.Join(t.TempDir(), "tokens"))
	if err != nil {
		t.Fatal(err)
	}
	c := &Controller{
		Cfg:      &config.Config{AdminOverrideChecks: []string{"unstable_sonarcloud"}},
		Store:    s,
		Forge:    f,
		Linker:   &linker.Linker{Store: s, Forge: f},
		Cleanup:  &worktree.Provisioner{Registry: reg, Root: filepath.Join(t.TempDir(), "worktrees"), Base: "origin/main"},
		Deployer: &Deployer{Timeout: 5 * time.Second},
	}
	return c, s
}

// seedAt creates a task and walks it to status through legal transitions.
func seedAt(t *testing.T, s *storage.Store, id, repo string, status types.Status, prURL string) *types.Task {
	t.Helper()
	ctx := context.Background()
	task := &types.Task{ID: id, Repo: repo, Description: "test task"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	path := map[types.Status][]types.Status{
		types.StatusComplete:  {types.StatusDispatched, types.StatusRunning, types.StatusEvaluating, types.StatusComplete},
		types.StatusPRReview:  {types.StatusDispatched, types.StatusRunning, types.StatusEvaluating, types.StatusComplete, types.StatusPRReview},
		types.StatusMerging:   {types.StatusDispatched, types.StatusRunning, types.StatusEvaluating, types.StatusComplete, types.StatusPRReview, types.StatusMerging},
		types.StatusMerged:    {types.StatusDispatched, types.StatusRunning, types.StatusEvaluating, types.StatusComplete, types.StatusPRReview, types.StatusMerging, types.StatusMerged},
		types.StatusDeploying: {types.StatusDispatched, types.StatusRunning, types.StatusEvaluating, types.StatusComplete, types.StatusPRReview, types.StatusMerging, types.StatusMerged, types.StatusDeploying},
	}[status]
	for _, step := range path {
		if _, err := s.Transition(ctx, id, step, storage.TransitionUpdate{Reason: "seed"}); err != nil {
			t.Fatalf("seeding %s to %s: %v", id, step, err)
		}
	}
	if prURL != "" {
		if err := s.SetPRURL(ctx, id, prURL); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestCompleteWithoutPRSkipsMergePipeline(t *testing.T) {
	ctx := context.Background()
	c, s := newController(t, &fakeForge{})
	task := seedAt(t, s, "t1", t.TempDir(), types.StatusComplete, "")

	if err := c.Advance(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, "t1")
	if got.Status != types.StatusDeployed {
		t.Errorf("status = %s, want deployed", got.Status)
	}
}

func TestPRReviewAlreadyMerged(t *testing.T) {
	ctx := context.Background()
	url := "https://github.com/acme/widgets/pull/3"
	f := &fakeForge{pr: &forge.PR{URL: url, Number: 3, State: "MERGED"}}
	c, s := newController(t, f)
	task := seedAt(t, s, "t2", t.TempDir(), types.StatusPRReview, url)

	if err := c.Advance(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, "t2")
	if got.Status != types.StatusMerged {
		t.Errorf("status = %s, want merged (fast-forward)", got.Status)
	}
}

func TestPRReviewClosedBlocks(t *testing.T) {
	ctx := context.Background()
	url := "https://github.com/acme/widgets/pull/4"
	f := &fakeForge{pr: &forge.PR{URL: url, Number: 4, State: "CLOSED"}}
	c, s := newController(t, f)
	task := seedAt(t, s, "t3", t.TempDir(), types.StatusPRReview, url)

	if err := c.Advance(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, "t3")
	if got.Status != types.StatusBlocked {
		t.Errorf("status = %s, want blocked", got.Status)
	}
}

func TestPRReviewWaitsOnPendingCI(t *testing.T) {
	ctx := context.Background()
	url := "https://github.com/acme/widgets/pull/5"
	f := &fakeForge{
		pr:     &forge.PR{URL: url, Number: 5, State: "OPEN"},
		checks: []forge.Check{{Name: "build", State: "PENDING"}},
	}
	c, s := newController(t, f)
	task := seedAt(t, s, "t4", t.TempDir(), types.StatusPRReview, url)

	if err := c.Advance(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, "t4")
	if got.Status != types.StatusPRReview {
		t.Errorf("status = %s, want pr_review (waiting)", got.Status)
	}
}

func TestPRReviewCIFailureBlocks(t *testing.T) {
	ctx := context.Background()
	url := "https://github.com/acme/widgets/pull/6"
	f := &fakeForge{
		pr: &forge.PR{URL: url, Number: 6, State: "OPEN"},
		checks: []forge.Check{
			{Name: "build", State: "FAILURE"},
			{Name: "SonarCloud Code Analysis", State: "FAILURE"},
		},
	}
	c, s := newController(t, f)
	task := seedAt(t, s, "t5", t.TempDir(), types.StatusPRReview, url)

	if err := c.Advance(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, "t5")
	if got.Status != types.StatusBlocked {
		t.Errorf("status = %s, want blocked", got.Status)
	}
}

func TestPRReviewUnstableQualityGateTagsOverride(t *testing.T) {
	ctx := context.Background()
	url := "https://github.com/acme/widgets/pull/7"
	f := &fakeForge{
		pr: &forge.PR{URL: url, Number: 7, State: "OPEN", Title: "t6: fix", HeadRef: "task/t6"},
		checks: []forge.Check{
			{Name: "build", State: "SUCCESS"},
			{Name: "SonarCloud Code Analysis", State: "FAILURE"},
		},
	}
	c, s := newController(t, f)
	task := seedAt(t, s, "t6", t.TempDir(), types.StatusPRReview, url)

	if err := c.Advance(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, "t6")
	if got.Status != types.StatusMerging {
		t.Fatalf("status = %s, want merging (fast path)", got.Status)
	}
	if got.MetaValue("admin_override") != "unstable_sonarcloud" {
		t.Errorf("admin override not recorded: %s", got.Meta)
	}

	// The merge itself must carry --admin.
	if err := c.Advance(ctx, got); err != nil {
		t.Fatal(err)
	}
	if !f.merged || !f.mergedAdmin {
		t.Errorf("merge admin=%v merged=%v, want admin merge", f.mergedAdmin, f.merged)
	}

	// The override must land in the proof log: one merge event carrying the
	// unstable-gate evidence.
	entries, err := s.ProofHistory(ctx, "t6")
	if err != nil {
		t.Fatal(err)
	}
	var merges []types.ProofEntry
	for _, e := range entries {
		if e.Event == types.ProofMerge {
			merges = append(merges, e)
		}
	}
	if len(merges) != 1 {
		t.Fatalf("merge events = %d, want 1", len(merges))
	}
	if merges[0].Evidence != "sonarcloud_unstable=true,admin=true" {
		t.Errorf("merge evidence = %q, want sonarcloud_unstable=true,admin=true", merges[0].Evidence)
	}
}

func TestPRReviewThreadsEnterTriage(t *testing.T) {
	ctx := context.Background()
	url := "https://github.com/acme/widgets/pull/8"
	f := &fakeForge{
		pr:      &forge.PR{URL: url, Number: 8, State: "OPEN"},
		checks:  []forge.Check{{Name: "build", State: "SUCCESS"}},
		threads: []forge.ReviewThread{{Path: "main.go", Body: "consider a test here"}},
	}
	c, s := newController(t, f)
	task := seedAt(t, s, "t7", t.TempDir(), types.StatusPRReview, url)

	if err := c.Advance(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, "t7")
	if got.Status != types.StatusReviewTriage {
		t.Errorf("status = %s, want review_triage", got.Status)
	}
}

func TestPRReviewDismissesBotReviews(t *testing.T) {
	ctx := context.Background()
	url := "https://github.com/acme/widgets/pull/9"
	f := &fakeForge{
		pr: &forge.PR{URL: url, Number: 9, State: "OPEN", Title: "t8: fix", HeadRef: "task/t8",
			ReviewDecision: "CHANGES_REQUESTED"},
		checks: []forge.Check{{Name: "build", State: "SUCCESS"}},
		reviews: []forge.Review{
			{ID: 11, AuthorLogin: "coderabbitai[bot]", State: "CHANGES_REQUESTED"},
			{ID: 12, AuthorLogin: "alice", State: "APPROVED"},
		},
	}
	c, s := newController(t, f)
	task := seedAt(t, s, "t8", t.TempDir(), types.StatusPRReview, url)

	if err := c.Advance(ctx, task); err != nil {
		t.Fatal(err)
	}
	if len(f.dismissed) != 1 || f.dismissed[0] != 11 {
		t.Errorf("dismissed = %v, want [11]", f.dismissed)
	}
	got, _ := s.GetTask(ctx, "t8")
	if got.Status != types.StatusMerging {
		t.Errorf("status = %s, want merging after bot dismissal", got.Status)
	}
}

func TestPRReviewHumanChangesBlock(t *testing.T) {
	ctx := context.Background()
	url := "https://github.com/acme/widgets/pull/10"
	f := &fakeForge{
		pr:     &forge.PR{URL: url, Number: 10, State: "OPEN", ReviewDecision: "CHANGES_REQUESTED"},
		checks: []forge.Check{{Name: "build", State: "SUCCESS"}},
		reviews: []forge.Review{
			{ID: 21, AuthorLogin: "bob", State: "CHANGES_REQUESTED"},
		},
	}
	c, s := newController(t, f)
	task := seedAt(t, s, "t9", t.TempDir(), types.StatusPRReview, url)

	if err := c.Advance(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, "t9")
	if got.Status != types.StatusBlocked {
		t.Errorf("status = %s, want blocked on human changes", got.Status)
	}
}

func TestSerialMergeGuard(t *testing.T) {
	ctx := context.Background()
	urlA := "https://github.com/acme/widgets/pull/11"
	urlB := "https://github.com/acme/widgets/pull/12"
	f := &fakeForge{checks: []forge.Check{{Name: "build", State: "SUCCESS"}}}
	c, s := newController(t, f)

	repo := t.TempDir()
	a := seedAt(t, s, "t10.1", repo, types.StatusPRReview, urlA)
	b := seedAt(t, s, "t10.2", repo, types.StatusPRReview, urlB)

	f.pr = &forge.PR{URL: urlA, Number: 11, State: "OPEN"}
	if err := c.Advance(ctx, a); err != nil {
		t.Fatal(err)
	}
	f.pr = &forge.PR{URL: urlB, Number: 12, State: "OPEN"}
	if err := c.Advance(ctx, b); err != nil {
		t.Fatal(err)
	}

	gotA, _ := s.GetTask(ctx, "t10.1")
	gotB, _ := s.GetTask(ctx, "t10.2")
	if gotA.Status != types.StatusMerging {
		t.Errorf("first sibling status = %s, want merging", gotA.Status)
	}
	if gotB.Status != types.StatusPRReview {
		t.Errorf("second sibling status = %s, want pr_review (deferred)", gotB.Status)
	}
}

func TestMergingRefusesUnlinkedPR(t *testing.T) {
	ctx := context.Background()
	url := "https://github.com/acme/widgets/pull/13"
	// The PR references a different task entirely.
	f := &fakeForge{pr: &forge.PR{URL: url, Number: 13, State: "OPEN",
		Title: "t999: unrelated", HeadRef: "task/t999"}}
	c, s := newController(t, f)
	task := seedAt(t, s, "t11", t.TempDir(), types.StatusMerging, url)

	if err := c.Advance(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, "t11")
	if got.Status != types.StatusBlocked {
		t.Errorf("status = %s, want blocked", got.Status)
	}
	if f.merged {
		t.Error("merged a PR that does not reference the task")
	}
	if got.PRURL != "" {
		t.Errorf("invalid PR URL survived: %s", got.PRURL)
	}
}

func TestTriageFixSpawnsWorker(t *testing.T) {
	ctx := context.Background()
	url := "https://github.com/acme/widgets/pull/14"
	f := &fakeForge{
		pr: &forge.PR{URL: url, Number: 14, State: "OPEN"},
		threads: []forge.ReviewThread{
			{Path: "db.go", Line: 40, Body: "this is a bug: the error is swallowed"},
		},
	}
	c, s := newController(t, f)

	var spawnedPrompt string
	c.SpawnFix = func(_ context.Context, task *types.Task, prompt string) error {
		spawnedPrompt = prompt
		return nil
	}

	task := seedAt(t, s, "t12", t.TempDir(), types.StatusPRReview, url)
	// Walk into triage first.
	if _, err := s.Transition(ctx, "t12", types.StatusReviewTriage, storage.TransitionUpdate{Reason: "seed"}); err != nil {
		t.Fatal(err)
	}
	task, _ = s.GetTask(ctx, "t12")

	if err := c.Advance(ctx, task); err != nil {
		t.Fatal(err)
	}
	if spawnedPrompt == "" {
		t.Fatal("no review-fix worker spawned")
	}
	if want := "db.go:40"; !contains(spawnedPrompt, want) {
		t.Errorf("prompt missing %q:\n%s", want, spawnedPrompt)
	}

	entries, err := s.ProofHistory(ctx, "t12")
	if err != nil {
		t.Fatal(err)
	}
	reviewed := false
	for _, e := range entries {
		if e.Event == types.ProofPRReview && e.Decision == string(ActionFix) {
			reviewed = true
		}
	}
	if !reviewed {
		t.Error("triage decision missing from proof log")
	}
}

func TestDeployedHousekeepingQueuesVerification(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	url := "https://github.com/acme/widgets/pull/15"
	f := &fakeForge{
		pr:    &forge.PR{URL: url, Number: 15, State: "MERGED"},
		files: []string{"scripts/install.sh", "README.md"},
	}
	c, s := newController(t, f)

	task := seedAt(t, s, "t13", repo, types.StatusDeploying, url)
	if _, err := s.Transition(ctx, "t13", types.StatusDeployed, storage.TransitionUpdate{Reason: "seed"}); err != nil {
		t.Fatal(err)
	}
	task, _ = s.GetTask(ctx, "t13")

	if err := c.Advance(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, "t13")
	if got.Status != types.StatusVerifying {
		t.Errorf("status = %s, want verifying", got.Status)
	}

	data, err := os.ReadFile(filepath.Join(repo, "todo", "VERIFY.md"))
	if err != nil {
		t.Fatalf("VERIFY.md not created: %v", err)
	}
	if !contains(string(data), "shellcheck scripts/install.sh") {
		t.Errorf("shell check directive missing:\n%s", data)
	}
	if got.MetaValue("verify_queued") == "" {
		t.Error("verify_queued marker not set; replay would duplicate the entry")
	}

	entries, err := s.ProofHistory(ctx, "t13")
	if err != nil {
		t.Fatal(err)
	}
	verified := false
	for _, e := range entries {
		if e.Event == types.ProofDeliverableVerified {
			verified = true
			if !contains(e.Evidence, url) {
				t.Errorf("deliverable evidence = %q, want PR URL", e.Evidence)
			}
		}
	}
	if !verified {
		t.Error("deliverable_verified event missing from proof log")
	}
}

// A task stuck in deployed past the threshold gets its housekeeping replayed,
// and the replay is recorded as a recovery.
func TestStuckDeployedRecoveryRecorded(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	url := "https://github.com/acme/widgets/pull/16"
	f := &fakeForge{
		pr:    &forge.PR{URL: url, Number: 16, State: "MERGED"},
		files: []string{"README.md"},
	}
	c, s := newController(t, f)
	c.Cfg.StuckDeployAfter = time.Nanosecond

	task := seedAt(t, s, "t14", repo, types.StatusDeploying, url)
	if _, err := s.Transition(ctx, "t14", types.StatusDeployed, storage.TransitionUpdate{Reason: "seed"}); err != nil {
		t.Fatal(err)
	}
	task, _ = s.GetTask(ctx, "t14")

	if err := c.Advance(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, "t14")
	if got.Status != types.StatusVerifying {
		t.Errorf("status = %s, want verifying", got.Status)
	}

	entries, err := s.ProofHistory(ctx, "t14")
	if err != nil {
		t.Fatal(err)
	}
	recovered := false
	for _, e := range entries {
		if e.Event == types.ProofAutoRecover && e.Decision == "replay_housekeeping" {
			recovered = true
		}
	}
	if !recovered {
		t.Error("auto_recover event missing from proof log")
	}
}

// Below the threshold the housekeeping replay is routine and must not be
// tagged as a recovery.
func TestFreshDeployedIsNotARecovery(t *testing.T) {
	ctx := context.Background()
	repo := t.TempDir()
	url := "https://github.com/acme/widgets/pull/17"
	f := &fakeForge{
		pr:    &forge.PR{URL: url, Number: 17, State: "MERGED"},
		files: []string{"README.md"},
	}
	c, s := newController(t, f)
	c.Cfg.StuckDeployAfter = time.Hour

	task := seedAt(t, s, "t15", repo, types.StatusDeploying, url)
	if _, err := s.Transition(ctx, "t15", types.StatusDeployed, storage.TransitionUpdate{Reason: "seed"}); err != nil {
		t.Fatal(err)
	}
	task, _ = s.GetTask(ctx, "t15")

	if err := c.Advance(ctx, task); err != nil {
		t.Fatal(err)
	}
	entries, err := s.ProofHistory(ctx, "t15")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Event == types.ProofAutoRecover {
			t.Error("fresh deployed task recorded a recovery")
		}
	}
}

func TestRollup(t *testing.T) {
	overridable := []string{"unstable_sonarcloud"}
	cases := []struct {
		name   string
		checks []forge.Check
		want   ciState
	}{
		{"all green", []forge.Check{{Name: "build", State: "SUCCESS"}}, ciGreen},
		{"pending", []forge.Check{{Name: "build", State: "IN_PROGRESS"}}, ciPending},
		{"hard failure", []forge.Check{{Name: "build", State: "FAILURE"}}, ciFailed},
		{"only sonar failed", []forge.Check{
			{Name: "build", State: "SUCCESS"},
			{Name: "SonarCloud Code Analysis", State: "FAILURE"},
		}, ciUnstable},
		{"sonar and build failed", []forge.Check{
			{Name: "build", State: "FAILURE"},
			{Name: "SonarCloud Code Analysis", State: "FAILURE"},
		}, ciFailed},
		{"no checks", nil, ciGreen},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rollup(tc.checks, overridable); got != tc.want {
				t.Errorf("rollup = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestPRNumberFromURL(t *testing.T) {
	if n := prNumberFromURL("https://github.com/acme/widgets/pull/412"); n != 412 {
		t.Errorf("prNumberFromURL = %d, want 412", n)
	}
	if n := prNumberFromURL("not a url"); n != 0 {
		t.Errorf("prNumberFromURL = %d, want 0", n)
	}
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
