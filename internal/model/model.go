// Package model resolves which AI model a task runs on and probes provider
// availability before dispatch.
package model

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

// Health is the probe outcome. The distinct values map to distinct dispatch
// behaviours: defer on transient conditions, block permanently on auth.
type Health string

const (
	Healthy     Health = "healthy"
	Unavailable Health = "unavailable"  // provider down; defer dispatch
	RateLimited Health = "rate_limited" // defer dispatch
	AuthFailed  Health = "auth_failed"  // credits exhausted or bad key; block task
)

// Resolver picks the model for a task by a four-priority chain:
//
//  1. explicit model on the task row
//  2. subagent frontmatter in the task description
//  3. complexity classifier over the description
//  4. configured tier default
type Resolver struct {
	Default string
}

var frontmatterModel = regexp.MustCompile(`(?m)^model:\s*([a-z0-9._-]+)\s*$`)

// Resolve returns the model identifier for a task.
func (r *Resolver) Resolve(explicit, description string) string {
	if explicit != "" {
		return explicit
	}
	if m := frontmatterModel.FindStringSubmatch(description); m != nil {
		return m[1]
	}
	if m := classifyComplexity(description); m != "" {
		return m
	}
	if r.Default != "" {
		return r.Default
	}
	return "sonnet"
}

// classifyComplexity maps obvious description shapes to a tier. Short
// mechanical chores go to the cheap tier; anything mentioning architecture
// or multi-file refactoring goes up a tier. Ambiguity returns "" and falls
// through to the default.
func classifyComplexity(description string) string {
	d := strings.ToLower(description)
	heavy := []string{"architecture", "refactor", "redesign", "migration", "concurrency", "race"}
	for _, kw := range heavy {
		if strings.Contains(d, kw) {
			return "opus"
		}
	}
	light := []string{"typo", "rename", "bump", "comment", "format", "lint"}
	for _, kw := range light {
		if strings.Contains(d, kw) {
			return "haiku"
		}
	}
	return ""
}

// NextTier returns the next escalation step in the chain, or "" when the
// model is already at the top (or not in the chain at all).
func NextTier(chain []string, current string) string {
	for i, m := range chain {
		if m == current && i+1 < len(chain) {
			return chain[i+1]
		}
	}
	// Secondary family: flash escalates to pro.
	if current == "flash" {
		return "pro"
	}
	return ""
}

// probeTimeout bounds one live provider round trip. A probe that cannot
// answer a one-token prompt in 15 seconds is not a provider worth dispatching
// against this pulse.
const probeTimeout = 15 * time.Second

// Prober checks model availability with a minimal CLI round trip. Results
// are cached per-pulse in memory and for TTL on disk, so one slow or
// rate-limited provider does not get hammered by every dispatch gate.
type Prober struct {
	Command  string // worker CLI binary
	CacheDir string
	TTL      time.Duration

	pulse map[string]Health // per-pulse cache
}

// NewProber builds a prober with an empty per-pulse cache.
func NewProber(command, cacheDir string, ttl time.Duration) *Prober {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Prober{Command: command, CacheDir: cacheDir, TTL: ttl, pulse: make(map[string]Health)}
}

// Probe returns the health of a model, consulting the pulse cache, then the
// file cache, then the provider itself.
func (p *Prober) Probe(ctx context.Context, model string) Health {
	if h, ok := p.pulse[model]; ok {
		return h
	}
	if h, ok := p.readCache(model); ok {
		p.pulse[model] = h
		return h
	}

	h := p.probeLive(ctx, model)
	p.pulse[model] = h
	p.writeCache(model, h)
	return h
}

// probeLive asks the worker CLI for a trivial completion and classifies the
// failure mode from output text and exit code.
func (p *Prober) probeLive(ctx context.Context, model string) Health {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Command, "--model", model, "-p", "ok")
	out, err := cmd.CombinedOutput()
	if err == nil {
		return Healthy
	}

	text := strings.ToLower(string(out))
	switch {
	case strings.Contains(text, "credit balance") ||
		strings.Contains(text, "invalid api key") ||
		strings.Contains(text, "authentication"):
		return AuthFailed
	case strings.Contains(text, "rate limit") || strings.Contains(text, "429"):
		return RateLimited
	default:
		return Unavailable
	}
}

func (p *Prober) cachePath(model string) string {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == ':' {
			return '-'
		}
		return r
	}, model)
	return filepath.Join(p.CacheDir, "health", safe)
}

func (p *Prober) readCache(model string) (Health, bool) {
	path := p.cachePath(model)
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) > p.TTL {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	h := Health(strings.TrimSpace(string(data)))
	switch h {
	case Healthy, Unavailable, RateLimited, AuthFailed:
		return h, true
	}
	return "", false
}

func (p *Prober) writeCache(model string, h Health) {
	path := p.cachePath(model)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	if err := os.WriteFile(path, []byte(string(h)+"\n"), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to cache model health: %v\n", err)
	}
}
