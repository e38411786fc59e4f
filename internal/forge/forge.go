// Package forge talks to the code host through the gh CLI. All calls go
// through a shared rate limiter and transient failures are retried with
// exponential backoff (1s, 2s, 4s).
package forge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// ErrAuthFailed indicates the forge token is missing or rejected.
var ErrAuthFailed = errors.New("forge authentication failed")

// PR is the subset of pull-request fields the pipeline reads.
type PR struct {
	URL            string `json:"url"`
	Number         int    `json:"number"`
	Title          string `json:"title"`
	State          string `json:"state"` // OPEN, MERGED, CLOSED
	HeadRef        string `json:"headRefName"`
	Mergeable      string `json:"mergeable"`
	IsDraft        bool   `json:"isDraft"`
	ReviewDecision string `json:"reviewDecision"` // APPROVED, CHANGES_REQUESTED, REVIEW_REQUIRED, ""
}

// Review is one top-level PR review (distinct from inline threads).
type Review struct {
	ID          int    `json:"databaseId"`
	AuthorLogin string `json:"-"`
	State       string `json:"state"` // APPROVED, CHANGES_REQUESTED, COMMENTED, DISMISSED
}

// Check is one CI status check on a PR.
type Check struct {
	Name  string `json:"name"`
	State string `json:"state"` // SUCCESS, FAILURE, PENDING, ...
}

// ReviewThread is one unresolved review conversation.
type ReviewThread struct {
	Path       string
	Line       int
	Body       string // first comment body
	IsResolved bool
}

// Client wraps gh, bound to one repository directory.
type Client struct {
	limiter *rate.Limiter
	retries int

	username string // cached per client lifetime (one pulse)
}

// NewClient builds a client limited to rps calls per second.
func NewClient(rps float64, retries int) *Client {
	if rps <= 0 {
		rps = 2
	}
	if retries <= 0 {
		retries = 3
	}
	return &Client{
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		retries: retries,
	}
}

// run executes gh in dir with rate limiting and backoff on transient
// failures. Auth errors are not retried.
func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	var out string
	backoff := retry.WithMaxRetries(uint64(c.retries), retry.NewExponential(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		cmd := exec.CommandContext(ctx, "gh", args...)
		cmd.Dir = dir
		raw, err := cmd.CombinedOutput()
		out = string(raw)
		if err == nil {
			return nil
		}
		if isAuthError(out) {
			return fmt.Errorf("gh %s: %s: %w", args[0], firstLine(out), ErrAuthFailed)
		}
		if isTransient(out) {
			return retry.RetryableError(fmt.Errorf("gh %s: %s", args[0], firstLine(out)))
		}
		return fmt.Errorf("gh %s failed: %w (output: %s)", strings.Join(args, " "), err, firstLine(out))
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

// Username returns the authenticated forge login, cached for the client's
// lifetime. Doubles as the auth pre-flight check.
func (c *Client) Username(ctx context.Context) (string, error) {
	if c.username != "" {
		return c.username, nil
	}
	out, err := c.run(ctx, "", "api", "user", "--jq", ".login")
	if err != nil {
		return "", err
	}
	c.username = strings.TrimSpace(out)
	if c.username == "" {
		return "", fmt.Errorf("empty login from forge: %w", ErrAuthFailed)
	}
	return c.username, nil
}

// OpenPRForBranch returns the open PR whose head is branch, or nil.
func (c *Client) OpenPRForBranch(ctx context.Context, repo, branch string) (*PR, error) {
	out, err := c.run(ctx, repo, "pr", "list", "--head", branch, "--state", "open",
		"--json", "url,number,title,state,headRefName", "--limit", "1")
	if err != nil {
		return nil, err
	}
	prs, err := decodePRs(out)
	if err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// PRsOnBranch returns all PRs (any state) whose head is branch. This is the
// fallback PR-URL source when the worker's final text carried none.
func (c *Client) PRsOnBranch(ctx context.Context, repo, branch string) ([]PR, error) {
	out, err := c.run(ctx, repo, "pr", "list", "--head", branch, "--state", "all",
		"--json", "url,number,title,state,headRefName")
	if err != nil {
		return nil, err
	}
	return decodePRs(out)
}

// MergedPRMentioning reports whether a merged PR's title contains the task
// ID. Used by the already-done dispatch guard.
func (c *Client) MergedPRMentioning(ctx context.Context, repo, taskID string) (bool, error) {
	out, err := c.run(ctx, repo, "pr", "list", "--state", "merged",
		"--search", taskID, "--json", "title", "--limit", "20")
	if err != nil {
		return false, err
	}
	var prs []struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return false, fmt.Errorf("failed to decode PR list: %w", err)
	}
	for _, pr := range prs {
		if containsWord(pr.Title, taskID) {
			return true, nil
		}
	}
	return false, nil
}

// ViewPR fetches one PR by URL or number.
func (c *Client) ViewPR(ctx context.Context, repo, ref string) (*PR, error) {
	out, err := c.run(ctx, repo, "pr", "view", ref,
		"--json", "url,number,title,state,headRefName,mergeable,isDraft,reviewDecision")
	if err != nil {
		return nil, err
	}
	var pr PR
	if err := json.Unmarshal([]byte(out), &pr); err != nil {
		return nil, fmt.Errorf("failed to decode PR: %w", err)
	}
	return &pr, nil
}

// MarkReady promotes a draft PR to ready for review.
func (c *Client) MarkReady(ctx context.Context, repo, ref string) error {
	_, err := c.run(ctx, repo, "pr", "ready", ref)
	return err
}

// Reviews returns the top-level reviews on a PR with author logins.
func (c *Client) Reviews(ctx context.Context, repo, ref string) ([]Review, error) {
	out, err := c.run(ctx, repo, "pr", "view", ref, "--json", "reviews")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Reviews []struct {
			ID     int    `json:"databaseId"`
			State  string `json:"state"`
			Author struct {
				Login string `json:"login"`
			} `json:"author"`
		} `json:"reviews"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode reviews: %w", err)
	}
	reviews := make([]Review, 0, len(resp.Reviews))
	for _, r := range resp.Reviews {
		reviews = append(reviews, Review{ID: r.ID, AuthorLogin: r.Author.Login, State: r.State})
	}
	return reviews, nil
}

// DismissReview dismisses one review. Only the REST surface supports this.
func (c *Client) DismissReview(ctx context.Context, repo string, prNumber, reviewID int, message string) error {
	_, err := c.run(ctx, repo, "api", "--method", "PUT",
		fmt.Sprintf("repos/{owner}/{repo}/pulls/%d/reviews/%d/dismissals", prNumber, reviewID),
		"-f", "message="+message)
	return err
}

// ChangedFiles returns the paths touched by a PR.
func (c *Client) ChangedFiles(ctx context.Context, repo, ref string) ([]string, error) {
	out, err := c.run(ctx, repo, "pr", "view", ref, "--json", "files")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Files []struct {
			Path string `json:"path"`
		} `json:"files"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode changed files: %w", err)
	}
	paths := make([]string, 0, len(resp.Files))
	for _, f := range resp.Files {
		paths = append(paths, f.Path)
	}
	return paths, nil
}

// Checks returns the CI checks on a PR.
func (c *Client) Checks(ctx context.Context, repo, ref string) ([]Check, error) {
	out, err := c.run(ctx, repo, "pr", "checks", ref, "--json", "name,state")
	if err != nil {
		// gh pr checks exits nonzero when checks are failing; the JSON is
		// still on stdout.
		var checks []Check
		if jsonErr := json.Unmarshal([]byte(out), &checks); jsonErr == nil {
			return checks, nil
		}
		return nil, err
	}
	var checks []Check
	if err := json.Unmarshal([]byte(out), &checks); err != nil {
		return nil, fmt.Errorf("failed to decode checks: %w", err)
	}
	return checks, nil
}

// Merge squash-merges the PR. admin bypasses branch protection for CI checks
// the operator has declared overridable.
func (c *Client) Merge(ctx context.Context, repo, ref string, admin bool) error {
	args := []string{"pr", "merge", ref, "--squash", "--delete-branch=false"}
	if admin {
		args = append(args, "--admin")
	}
	_, err := c.run(ctx, repo, args...)
	return err
}

// UnresolvedThreads returns the unresolved, non-outdated review threads on a
// PR via the GraphQL API; the REST surface does not expose thread resolution.
func (c *Client) UnresolvedThreads(ctx context.Context, repo string, prNumber int) ([]ReviewThread, error) {
	query := `query($owner: String!, $name: String!, $number: Int!) {
	  repository(owner: $owner, name: $name) {
	    pullRequest(number: $number) {
	      reviewThreads(first: 50) {
	        nodes {
	          isResolved
	          isOutdated
	          path
	          line
	          comments(first: 1) { nodes { body } }
	        }
	      }
	    }
	  }
	}`
	out, err := c.run(ctx, repo, "api", "graphql",
		"-F", "owner={owner}", "-F", "name={repo}",
		"-F", fmt.Sprintf("number=%d", prNumber),
		"-f", "query="+query)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			Repository struct {
				PullRequest struct {
					ReviewThreads struct {
						Nodes []struct {
							IsResolved bool   `json:"isResolved"`
							IsOutdated bool   `json:"isOutdated"`
							Path       string `json:"path"`
							Line       int    `json:"line"`
							Comments   struct {
								Nodes []struct {
									Body string `json:"body"`
								} `json:"nodes"`
							} `json:"comments"`
						} `json:"nodes"`
					} `json:"reviewThreads"`
				} `json:"pullRequest"`
			} `json:"repository"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode review threads: %w", err)
	}

	var threads []ReviewThread
	for _, n := range resp.Data.Repository.PullRequest.ReviewThreads.Nodes {
		if n.IsResolved || n.IsOutdated {
			continue
		}
		t := ReviewThread{Path: n.Path, Line: n.Line}
		if len(n.Comments.Nodes) > 0 {
			t.Body = n.Comments.Nodes[0].Body
		}
		threads = append(threads, t)
	}
	return threads, nil
}

// CreateIssue opens a tracker issue and returns its URL.
func (c *Client) CreateIssue(ctx context.Context, repo, title, body string) (string, error) {
	out, err := c.run(ctx, repo, "issue", "create", "--title", title, "--body", body)
	if err != nil {
		return "", err
	}
	// gh prints the issue URL as the last line.
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1]), nil
}

func decodePRs(out string) ([]PR, error) {
	var prs []PR
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("failed to decode PR list: %w", err)
	}
	return prs, nil
}

func isAuthError(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "bad credentials") ||
		strings.Contains(lower, "gh auth login")
}

func isTransient(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "could not resolve")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// containsWord reports whether text contains word bounded by non-word
// characters, so "t12" does not match "t123".
func containsWord(text, word string) bool {
	idx := 0
	for {
		pos := strings.Index(text[idx:], word)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b == '_' || b == '.' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// Identity resolves who claims tasks: AIDEVOPS_IDENTITY env, then the cached
// forge login, then user@host.
func (c *Client) Identity(ctx context.Context) string {
	if id := os.Getenv("AIDEVOPS_IDENTITY"); id != "" {
		return id
	}
	if login, err := c.Username(ctx); err == nil {
		return login
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "supervisor"
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return user + "@" + host
}
