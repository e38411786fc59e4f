// Package ai is the tier-3 evaluator: a short prompt to a cheap model asking
// for a strict VERDICT line when the deterministic tiers could not classify
// a worker's outcome.
package ai

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"

	"github.com/aidevops/supervisor/internal/types"
)

// Config configures the verdict client.
type Config struct {
	APIKey    string // falls back to ANTHROPIC_API_KEY
	Model     string
	MaxTokens int
	Retry     RetryConfig
}

// Client calls the model provider with retry, circuit breaking, and a
// concurrency cap.
type Client struct {
	client  *anthropic.Client
	model   string
	tokens  int64
	retry   RetryConfig
	breaker *breaker
	sem     *semaphore.Weighted
}

// NewClient builds a verdict client. The API key comes from cfg or the
// environment.
func NewClient(cfg Config) (*Client, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("no API key: set ANTHROPIC_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	client := anthropic.NewClient(option.WithAPIKey(key))
	c := &Client{
		client:  &client,
		model:   cfg.Model,
		tokens:  int64(cfg.MaxTokens),
		retry:   cfg.Retry,
		breaker: newBreaker(cfg.Retry.FailureThreshold, cfg.Retry.OpenTimeout),
	}
	if cfg.Retry.MaxConcurrent > 0 {
		c.sem = semaphore.NewWeighted(int64(cfg.Retry.MaxConcurrent))
	}
	return c, nil
}

const verdictInstructions = `You judge the outcome of an automated coding worker from its log tail.
Respond with EXACTLY one line of the form:
VERDICT:<type>:<detail>
where <type> is one of complete, retry, blocked, failed and <detail> is a
short snake_case reason or a PR URL. No other text.`

// Verdict asks the model to classify a worker outcome. The reply is parsed
// regex-strictly; anything that does not match is an error, and callers
// degrade to retry:ambiguous_ai_unavailable.
func (c *Client) Verdict(ctx context.Context, description string, tail []string) (types.Outcome, error) {
	prompt := fmt.Sprintf("%s\n\nTask description:\n%s\n\nLog tail:\n%s\n",
		verdictInstructions, strings.TrimSpace(description), strings.Join(tail, "\n"))

	var response *anthropic.Message
	err := c.withRetry(ctx, "verdict", func(attemptCtx context.Context) error {
		resp, apiErr := c.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: c.tokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	var reply string
	if response != nil {
		for _, block := range response.Content {
			if block.Type == "text" {
				reply += block.Text
			}
		}
	}
	if err != nil {
		return types.Outcome{}, err
	}

	out, err := ParseVerdict(reply)
	if err != nil {
		return types.Outcome{}, err
	}
	out.DecisionMaker = "ai_eval:" + c.model
	out.Evidence = "verdict_line"
	return out, nil
}

var verdictLine = regexp.MustCompile(`(?m)^VERDICT:(complete|retry|blocked|failed):(\S+)\s*$`)

// ParseVerdict extracts the outcome from a model reply. Only an exact
// VERDICT line counts; prose around it is tolerated, a missing or mangled
// line is not.
func ParseVerdict(reply string) (types.Outcome, error) {
	m := verdictLine.FindStringSubmatch(reply)
	if m == nil {
		return types.Outcome{}, fmt.Errorf("no VERDICT line in reply %q", firstLine(reply))
	}
	return types.Outcome{Type: types.OutcomeType(m[1]), Detail: m[2]}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
