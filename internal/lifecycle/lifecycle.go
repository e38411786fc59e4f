// Package lifecycle drives tasks through the post-PR pipeline: pr_review,
// review_triage, merging, merged, deploying, deployed, verifying. One
// controller lives for one pulse; the serial-merge guard is pulse-scoped.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aidevops/supervisor/internal/config"
	"github.com/aidevops/supervisor/internal/forge"
	"github.com/aidevops/supervisor/internal/gitx"
	"github.com/aidevops/supervisor/internal/linker"
	"github.com/aidevops/supervisor/internal/proc"
	"github.com/aidevops/supervisor/internal/storage"
	"github.com/aidevops/supervisor/internal/todo"
	"github.com/aidevops/supervisor/internal/types"
	"github.com/aidevops/supervisor/internal/verify"
	"github.com/aidevops/supervisor/internal/worktree"
)

// Forge is the subset of forge capabilities the lifecycle needs, an
// interface so stages are testable without gh.
type Forge interface {
	ViewPR(ctx context.Context, repo, ref string) (*forge.PR, error)
	Checks(ctx context.Context, repo, ref string) ([]forge.Check, error)
	Merge(ctx context.Context, repo, ref string, admin bool) error
	UnresolvedThreads(ctx context.Context, repo string, prNumber int) ([]forge.ReviewThread, error)
	Reviews(ctx context.Context, repo, ref string) ([]forge.Review, error)
	DismissReview(ctx context.Context, repo string, prNumber, reviewID int, message string) error
	MarkReady(ctx context.Context, repo, ref string) error
	ChangedFiles(ctx context.Context, repo, ref string) ([]string, error)
}

// Controller advances one task per call through its current stage.
type Controller struct {
	Cfg      *config.Config
	Store    *storage.Store
	Forge    Forge
	Linker   *linker.Linker
	Cleanup  *worktree.Provisioner
	Deployer *Deployer

	// SpawnFix launches a review-fix worker in the task's worktree and owns
	// the transition back to dispatched/running. Injected by the pulse.
	SpawnFix func(ctx context.Context, task *types.Task, prompt string) error

	// mergedParents tracks dotted-parent prefixes that already sent a
	// subtask to merging this pulse.
	mergedParents map[string]bool
}

// Stages lists the statuses the controller acts on.
var Stages = []types.Status{
	types.StatusComplete, types.StatusPRReview, types.StatusReviewTriage,
	types.StatusMerging, types.StatusMerged, types.StatusDeploying,
	types.StatusDeployed, types.StatusVerifying,
}

// Advance runs the stage for the task's current status. A nil return with no
// transition means the task is waiting (CI pending, draft worker alive,
// sibling merge deferred).
func (c *Controller) Advance(ctx context.Context, task *types.Task) error {
	switch task.Status {
	case types.StatusComplete:
		return c.stageComplete(ctx, task)
	case types.StatusPRReview:
		return c.stagePRReview(ctx, task)
	case types.StatusReviewTriage:
		return c.stageTriage(ctx, task)
	case types.StatusMerging:
		return c.stageMerging(ctx, task)
	case types.StatusMerged:
		return c.stageMerged(ctx, task)
	case types.StatusDeploying:
		return c.stageDeploying(ctx, task)
	case types.StatusDeployed:
		return c.stageDeployed(ctx, task)
	case types.StatusVerifying:
		return c.stageVerifying(ctx, task)
	default:
		return nil
	}
}

// stageComplete moves a completed task toward review, discovering its PR if
// evaluation recorded none. No PR at all means nothing to merge.
func (c *Controller) stageComplete(ctx context.Context, task *types.Task) error {
	if task.PRURL == "" {
		url, err := c.Linker.Discover(ctx, task)
		if err != nil {
			return err
		}
		task.PRURL = url
	}
	if task.PRURL == "" {
		_, err := c.Store.Transition(ctx, task.ID, types.StatusDeployed, storage.TransitionUpdate{
			Reason:        "no PR to review; skipping merge pipeline",
			DecisionMaker: "lifecycle",
		})
		return err
	}
	_, err := c.Store.Transition(ctx, task.ID, types.StatusPRReview, storage.TransitionUpdate{
		Reason:        "PR linked, entering review",
		DecisionMaker: "lifecycle",
	})
	return err
}

func (c *Controller) stagePRReview(ctx context.Context, task *types.Task) error {
	pr, err := c.Forge.ViewPR(ctx, task.Repo, task.PRURL)
	if err != nil {
		return err
	}

	switch pr.State {
	case "MERGED":
		// Someone merged it for us; fast-forward.
		_, err := c.Store.Transition(ctx, task.ID, types.StatusMerged, storage.TransitionUpdate{
			Reason:        "already merged upstream",
			DecisionMaker: "lifecycle",
		})
		return err
	case "CLOSED":
		_, err := c.Store.Transition(ctx, task.ID, types.StatusBlocked, storage.TransitionUpdate{
			Reason:        "PR closed without merge",
			DecisionMaker: "lifecycle",
		})
		return err
	}

	if pr.IsDraft {
		if proc.SessionAlive(task.Session) {
			return nil // worker still pushing commits
		}
		// Worker exited without marking ready; promote on its behalf.
		if err := c.Forge.MarkReady(ctx, task.Repo, task.PRURL); err != nil {
			return err
		}
		return nil // re-read checks next pulse
	}

	checks, err := c.Forge.Checks(ctx, task.Repo, task.PRURL)
	if err != nil {
		return err
	}
	switch rollup(checks, c.Cfg.AdminOverrideChecks) {
	case ciPending:
		return nil
	case ciFailed:
		_, err := c.Store.Transition(ctx, task.ID, types.StatusBlocked, storage.TransitionUpdate{
			Reason:        "CI failed: " + failedCheckNames(checks),
			Evidence:      "status_check_rollup",
			DecisionMaker: "lifecycle",
		})
		return err
	case ciUnstable:
		// Only the overridable quality gate failed; merge with --admin.
		meta, err := task.WithMetaValue("admin_override", "unstable_sonarcloud")
		if err != nil {
			return err
		}
		task.Meta = meta
		if err := c.persistMeta(ctx, task); err != nil {
			return err
		}
	}

	if pr.ReviewDecision == "CHANGES_REQUESTED" {
		human, err := c.dismissBotReviews(ctx, task, pr)
		if err != nil {
			return err
		}
		if human {
			_, err := c.Store.Transition(ctx, task.ID, types.StatusBlocked, storage.TransitionUpdate{
				Reason:        "human review requested changes",
				DecisionMaker: "lifecycle",
			})
			return err
		}
	}

	threads, err := c.Forge.UnresolvedThreads(ctx, task.Repo, pr.Number)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		// Fast path: nothing to triage.
		return c.enterMerging(ctx, task, "CI green, no review threads")
	}
	_, err = c.Store.Transition(ctx, task.ID, types.StatusReviewTriage, storage.TransitionUpdate{
		Reason:        fmt.Sprintf("CI green, %d review threads to triage", len(threads)),
		DecisionMaker: "lifecycle",
	})
	return err
}

func (c *Controller) stageTriage(ctx context.Context, task *types.Task) error {
	pr, err := c.Forge.ViewPR(ctx, task.Repo, task.PRURL)
	if err != nil {
		return err
	}
	threads, err := c.Forge.UnresolvedThreads(ctx, task.Repo, pr.Number)
	if err != nil {
		return err
	}

	action, actionable := Triage(threads)
	c.appendProof(ctx, task.ID, types.ProofPRReview, types.StatusReviewTriage,
		string(action), fmt.Sprintf("threads=%d,actionable=%d", len(threads), len(actionable)))
	switch action {
	case ActionMerge:
		return c.enterMerging(ctx, task, "review threads all low severity or dismissable")
	case ActionBlock:
		reason := "critical review thread"
		if len(actionable) > 0 {
			reason = "critical review thread: " + firstLineOf(actionable[0].Body)
		}
		_, err := c.Store.Transition(ctx, task.ID, types.StatusBlocked, storage.TransitionUpdate{
			Reason:        reason,
			DecisionMaker: "lifecycle",
		})
		return err
	case ActionFix:
		if c.SpawnFix == nil {
			return fmt.Errorf("no review-fix spawner configured")
		}
		return c.SpawnFix(ctx, task, FixPrompt(task.ID, actionable))
	}
	return nil
}

// enterMerging transitions to merging behind the serial-merge guard: one
// subtask per dotted parent per pulse. Deferred siblings stay put and get
// rebased CI on the next pulse.
func (c *Controller) enterMerging(ctx context.Context, task *types.Task, reason string) error {
	parent := task.ParentID()
	if parent != "" {
		if c.mergedParents == nil {
			c.mergedParents = map[string]bool{}
		}
		if c.mergedParents[parent] {
			return nil
		}
		c.mergedParents[parent] = true
	}
	_, err := c.Store.Transition(ctx, task.ID, types.StatusMerging, storage.TransitionUpdate{
		Reason:        reason,
		DecisionMaker: "lifecycle",
	})
	return err
}

func (c *Controller) stageMerging(ctx context.Context, task *types.Task) error {
	// Re-validate the PR-task link right before the irreversible step.
	ok, err := c.Linker.Link(ctx, task, task.PRURL)
	if err != nil {
		return err
	}
	if !ok {
		_, err := c.Store.Transition(ctx, task.ID, types.StatusBlocked, storage.TransitionUpdate{
			Reason:        "PR no longer references this task; refusing to merge",
			Evidence:      "link_validation",
			DecisionMaker: "lifecycle",
		})
		return err
	}

	// Record where main was, for the targeted deploy diff.
	if head, err := gitx.New(task.Repo).HeadCommit(ctx); err == nil {
		if meta, err := task.WithMetaValue("pre_merge_commit", head); err == nil {
			task.Meta = meta
			_ = c.persistMeta(ctx, task)
		}
	}

	admin := task.MetaValue("admin_override") == "unstable_sonarcloud"
	if err := c.Forge.Merge(ctx, task.Repo, task.PRURL, admin); err != nil {
		_, terr := c.Store.Transition(ctx, task.ID, types.StatusBlocked, storage.TransitionUpdate{
			Reason:        "merge failed: " + firstLineOf(err.Error()),
			DecisionMaker: "lifecycle",
		})
		if terr != nil {
			return terr
		}
		return nil
	}

	reason := "squash-merged"
	evidence := "admin=false"
	if admin {
		reason = "squash-merged with admin override (unstable quality gate)"
		evidence = "sonarcloud_unstable=true,admin=true"
	}
	if _, err := c.Store.Transition(ctx, task.ID, types.StatusMerged, storage.TransitionUpdate{
		Reason:        reason,
		Evidence:      evidence,
		DecisionMaker: "lifecycle",
	}); err != nil {
		return err
	}

	c.rebaseSiblings(ctx, task)
	return nil
}

// rebaseSiblings rebases the branches of same-parent subtasks onto the new
// main and force-pushes with lease, so their CI re-runs on current code.
// Best effort per sibling.
func (c *Controller) rebaseSiblings(ctx context.Context, task *types.Task) {
	parent := task.ParentID()
	if parent == "" {
		return
	}
	siblings, err := c.Store.ListTasks(ctx, types.TaskFilter{Repo: &task.Repo})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: sibling listing failed after merge of %s: %v\n", task.ID, err)
		return
	}
	for _, sib := range siblings {
		if sib.ID == task.ID || sib.ParentID() != parent {
			continue
		}
		if sib.Status.IsTerminal() || sib.Worktree == "" || sib.Branch == "" {
			continue
		}
		git := gitx.New(sib.Worktree)
		if err := git.Fetch(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: fetch failed for sibling %s: %v\n", sib.ID, err)
			continue
		}
		if err := git.Rebase(ctx, "origin/main"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: rebase failed for sibling %s: %v\n", sib.ID, err)
			continue
		}
		if err := git.ForcePushWithLease(ctx, sib.Branch); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: force-push failed for sibling %s: %v\n", sib.ID, err)
		}
	}
}

func (c *Controller) stageMerged(ctx context.Context, task *types.Task) error {
	if err := gitx.New(task.Repo).PullFFOnly(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: ff-only pull failed in %s: %v\n", task.Repo, err)
	}

	// Post-flight: the forge must agree the PR is merged.
	if task.PRURL != "" {
		pr, err := c.Forge.ViewPR(ctx, task.Repo, task.PRURL)
		if err != nil {
			return err
		}
		if pr.State != "MERGED" {
			_, err := c.Store.Transition(ctx, task.ID, types.StatusBlocked, storage.TransitionUpdate{
				Reason:        "post-flight: PR not merged upstream (state " + pr.State + ")",
				DecisionMaker: "lifecycle",
			})
			return err
		}
	}
	_, err := c.Store.Transition(ctx, task.ID, types.StatusDeploying, storage.TransitionUpdate{
		Reason:        "merge confirmed upstream",
		DecisionMaker: "lifecycle",
	})
	return err
}

func (c *Controller) stageDeploying(ctx context.Context, task *types.Task) error {
	err := c.Deployer.Deploy(ctx, task.Repo, task.MetaValue("pre_merge_commit"))
	if err != nil {
		c.appendProof(ctx, task.ID, types.ProofDeploy, types.StatusDeploying,
			"fail", firstLineOf(err.Error()))
		_, terr := c.Store.Transition(ctx, task.ID, types.StatusFailed, storage.TransitionUpdate{
			Reason:        "deploy failed: " + firstLineOf(err.Error()),
			DecisionMaker: "lifecycle",
		})
		if terr != nil {
			return terr
		}
		return nil
	}
	c.appendProof(ctx, task.ID, types.ProofDeploy, types.StatusDeploying,
		"succeed", "since="+task.MetaValue("pre_merge_commit"))
	_, err = c.Store.Transition(ctx, task.ID, types.StatusDeployed, storage.TransitionUpdate{
		Reason:        "deploy succeeded",
		DecisionMaker: "lifecycle",
	})
	return err
}

// stageDeployed runs the post-deploy housekeeping. Every step is idempotent:
// a task stuck here (crash mid-housekeeping) is simply replayed next pulse.
// Past the stuck-deploy threshold the replay stops waiting on worktree
// ownership and records the recovery.
func (c *Controller) stageDeployed(ctx context.Context, task *types.Task) error {
	stuck := c.Cfg.StuckDeployAfter > 0 && time.Since(task.UpdatedAt) > c.Cfg.StuckDeployAfter
	if stuck {
		c.appendProof(ctx, task.ID, types.ProofAutoRecover, types.StatusDeployed,
			"replay_housekeeping", fmt.Sprintf("stuck_for=%s", time.Since(task.UpdatedAt).Round(time.Second)))
	}

	if err := c.Cleanup.Cleanup(ctx, task.Repo, task.ID); err != nil {
		if errors.Is(err, worktree.ErrOwnedElsewhere) && !stuck {
			return nil // a live session owns the worktree; wait
		}
		fmt.Fprintf(os.Stderr, "Warning: worktree cleanup failed for %s: %v\n", task.ID, err)
	}

	if err := todo.NewRegistry(task.Repo).Complete(ctx, task.ID); err != nil &&
		!errors.Is(err, todo.ErrTaskLineMissing) {
		fmt.Fprintf(os.Stderr, "Warning: TODO completion failed for %s: %v\n", task.ID, err)
	}

	if task.PRURL != "" && task.MetaValue("verify_queued") == "" {
		c.appendProof(ctx, task.ID, types.ProofDeliverableVerified, types.StatusDeployed,
			"pr_merged", "pr_url="+task.PRURL)
		if err := c.queueVerification(ctx, task); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: verification queueing failed for %s: %v\n", task.ID, err)
		} else if meta, err := task.WithMetaValue("verify_queued", time.Now().Format(time.RFC3339)); err == nil {
			task.Meta = meta
			_ = c.persistMeta(ctx, task)
		}
	}

	_, err := c.Store.Transition(ctx, task.ID, types.StatusVerifying, storage.TransitionUpdate{
		Reason:        "post-deploy housekeeping done",
		DecisionMaker: "lifecycle",
	})
	return err
}

func (c *Controller) queueVerification(ctx context.Context, task *types.Task) error {
	files, err := c.Forge.ChangedFiles(ctx, task.Repo, task.PRURL)
	if err != nil {
		return err
	}
	return verify.NewQueue(task.Repo).Append(task.ID, firstLineOf(task.Description), prNumberFromURL(task.PRURL), files)
}

func (c *Controller) stageVerifying(ctx context.Context, task *types.Task) error {
	q := verify.NewQueue(task.Repo)
	pending, err := q.Pending()
	if err != nil {
		return err
	}

	var entry *verify.Entry
	for i := range pending {
		if pending[i].TaskID == task.ID {
			entry = &pending[i]
			break
		}
	}
	if entry == nil {
		_, err := c.Store.Transition(ctx, task.ID, types.StatusVerified, storage.TransitionUpdate{
			Reason:        "no pending verification checks",
			DecisionMaker: "lifecycle",
		})
		return err
	}

	results, passed := q.Run(ctx, *entry)
	reason := "all checks passed"
	if !passed {
		var failed []string
		for _, r := range results {
			if !r.Passed {
				failed = append(failed, r.Directive)
			}
		}
		reason = "failed: " + strings.Join(failed, "; ")
	}
	if err := q.Mark(entry.ID, passed, reason); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to mark verify entry %s: %v\n", entry.ID, err)
	}

	target := types.StatusVerified
	if !passed {
		target = types.StatusVerifyFailed
	}
	_, err = c.Store.Transition(ctx, task.ID, target, storage.TransitionUpdate{
		Reason:        reason,
		Evidence:      "verify_checks",
		DecisionMaker: "lifecycle",
	})
	return err
}

// dismissBotReviews dismisses change requests from automated reviewers and
// reports whether human change requests remain.
func (c *Controller) dismissBotReviews(ctx context.Context, task *types.Task, pr *forge.PR) (humanRemains bool, err error) {
	reviews, err := c.Forge.Reviews(ctx, task.Repo, task.PRURL)
	if err != nil {
		return false, err
	}
	for _, r := range reviews {
		if r.State != "CHANGES_REQUESTED" {
			continue
		}
		if !IsBotLogin(r.AuthorLogin) {
			humanRemains = true
			continue
		}
		if err := c.Forge.DismissReview(ctx, task.Repo, pr.Number, r.ID,
			"Dismissing automated review: CI is green"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to dismiss review %d on %s: %v\n", r.ID, task.ID, err)
		}
	}
	return humanRemains, nil
}

func (c *Controller) persistMeta(ctx context.Context, task *types.Task) error {
	return c.Store.SetMeta(ctx, task.ID, task.Meta)
}

// appendProof records a stage decision; proof writes never block a stage.
func (c *Controller) appendProof(ctx context.Context, taskID string, event types.ProofEvent, stage types.Status, decision, evidence string) {
	if err := c.Store.AppendProof(ctx, &types.ProofEntry{
		TaskID:        taskID,
		Event:         event,
		Stage:         string(stage),
		Decision:      decision,
		Evidence:      evidence,
		DecisionMaker: "lifecycle",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: proof log write failed for %s: %v\n", taskID, err)
	}
}

type ciState int

const (
	ciGreen ciState = iota
	ciPending
	ciFailed
	ciUnstable // only overridable checks failed
)

// rollup folds the per-check states into one verdict. Failures restricted to
// the operator-declared overridable checks count as unstable, not failed.
func rollup(checks []forge.Check, overridable []string) ciState {
	state := ciGreen
	sawFailure := false
	allFailuresOverridable := true
	for _, check := range checks {
		switch check.State {
		case "PENDING", "QUEUED", "IN_PROGRESS", "EXPECTED":
			if state == ciGreen {
				state = ciPending
			}
		case "FAILURE", "ERROR", "TIMED_OUT", "CANCELLED":
			sawFailure = true
			if !isOverridable(check.Name, overridable) {
				allFailuresOverridable = false
			}
		}
	}
	if sawFailure {
		if allFailuresOverridable {
			return ciUnstable
		}
		return ciFailed
	}
	return state
}

func isOverridable(name string, overridable []string) bool {
	lower := strings.ToLower(name)
	for _, o := range overridable {
		// "unstable_sonarcloud" matches a check named "SonarCloud Code Analysis".
		key := strings.TrimPrefix(o, "unstable_")
		if strings.Contains(lower, strings.ToLower(key)) {
			return true
		}
	}
	return false
}

func failedCheckNames(checks []forge.Check) string {
	var names []string
	for _, check := range checks {
		switch check.State {
		case "FAILURE", "ERROR", "TIMED_OUT", "CANCELLED":
			names = append(names, check.Name)
		}
	}
	return strings.Join(names, ", ")
}

var prNumberPattern = regexp.MustCompile(`/pull/(\d+)`)

func prNumberFromURL(url string) int {
	m := prNumberPattern.FindStringSubmatch(url)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func firstLineOf(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
