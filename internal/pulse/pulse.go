// Package pulse is the supervisor's heartbeat: one externally scheduled pass
// through twelve phases under an exclusive lock. No phase error ever escapes
// into a sibling phase; each is logged and the pass continues.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aidevops/supervisor/internal/ai"
	"github.com/aidevops/supervisor/internal/config"
	"github.com/aidevops/supervisor/internal/dispatch"
	"github.com/aidevops/supervisor/internal/evaluate"
	"github.com/aidevops/supervisor/internal/forge"
	"github.com/aidevops/supervisor/internal/gitx"
	"github.com/aidevops/supervisor/internal/governor"
	"github.com/aidevops/supervisor/internal/heal"
	"github.com/aidevops/supervisor/internal/lifecycle"
	"github.com/aidevops/supervisor/internal/linker"
	"github.com/aidevops/supervisor/internal/lock"
	"github.com/aidevops/supervisor/internal/model"
	"github.com/aidevops/supervisor/internal/notify"
	"github.com/aidevops/supervisor/internal/storage"
	"github.com/aidevops/supervisor/internal/worktree"
)

// ErrPulseActive means another pulse holds the lock; the caller exits
// silently, this is the normal cron overlap case.
var ErrPulseActive = errors.New("another pulse is active")

// Dispatch-phase verdicts surfaced to the scheduler after a complete pass.
// The pulse itself still ran every phase; these tell cron why queued work
// stayed queued.
var (
	// ErrConcurrencyLimit: the admission governor refused further workers.
	ErrConcurrencyLimit = errors.New("concurrency limit reached during dispatch")
	// ErrProviderUnavailable: the model provider is down or rate-limited.
	ErrProviderUnavailable = errors.New("model provider unavailable or rate-limited")
	// ErrBackendTransient: a reprompt (retried task) hit a transient backend
	// failure; the task stays queued for the next pulse.
	ErrBackendTransient = errors.New("transient backend failure during reprompt")
)

// Supervisor owns one pulse's collaborators. Build one per pulse; the
// per-pulse caches (forge auth, model probes, serial-merge guard) live in the
// collaborators themselves.
type Supervisor struct {
	Cfg        *config.Config
	Store      *storage.Store
	Forge      *forge.Client
	Dispatcher *dispatch.Dispatcher
	Evaluator  *evaluate.Evaluator
	Lifecycle  *lifecycle.Controller
	Healer     *heal.Healer
	Gate       *heal.QualityGate
	Linker     *linker.Linker
	Notifier   *notify.Notifier

	log *log.Logger

	// Set by the dispatch phase, folded into Pulse's return value.
	concurrencyDeferred bool
	providerDeferred    bool
	repromptDeferred    bool
}

// New wires a supervisor from config. The AI evaluator is optional: with no
// API key the tier-3 fallback degrades to retry:ambiguous_ai_unavailable.
func New(cfg *config.Config) (*Supervisor, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	registry, err := worktree.NewRegistry(cfg.WorktreesDir + ".tokens")
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	forgeClient := forge.NewClient(cfg.ForgeRPS, cfg.ForgeRetries)

	var verdicter evaluate.Verdicter
	aiClient, err := ai.NewClient(ai.Config{
		Model:     cfg.AIModel,
		MaxTokens: cfg.AIMaxTokens,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: AI evaluator disabled: %v\n", err)
	} else {
		verdicter = aiClient
	}

	transcript := log.New(&lumberjack.Logger{
		Filename:   cfg.TranscriptPath,
		MaxSize:    cfg.TranscriptMaxMB,
		MaxBackups: cfg.TranscriptBackups,
	}, "", log.LstdFlags)

	linkHelper := &linker.Linker{Store: store, Forge: forgeClient}
	dispatcher := &dispatch.Dispatcher{
		Cfg:      cfg,
		Store:    store,
		Sampler:  &governor.HostSampler{},
		Prober:   model.NewProber(cfg.WorkerCommand, cfg.HomeDir, cfg.ModelProbeTTL),
		Resolver: &model.Resolver{Default: cfg.DefaultModel},
		Forge:    forgeClient,
		Registry: registry,
	}

	s := &Supervisor{
		Cfg:        cfg,
		Store:      store,
		Forge:      forgeClient,
		Dispatcher: dispatcher,
		Evaluator: &evaluate.Evaluator{
			Git: func(wt string) evaluate.GitState { return gitState{gitx.New(wt)} },
			AI:  verdicter,
		},
		Lifecycle: &lifecycle.Controller{
			Cfg:      cfg,
			Store:    store,
			Forge:    forgeClient,
			Linker:   linkHelper,
			Cleanup:  &worktree.Provisioner{Registry: registry, Root: cfg.WorktreesDir, Base: "origin/main"},
			Deployer: &lifecycle.Deployer{Timeout: cfg.DeployTimeout},
		},
		Healer:   &heal.Healer{Store: store},
		Gate:     &heal.QualityGate{},
		Linker:   linkHelper,
		Notifier: &notify.Notifier{Command: cfg.NotifyCommand},
		log:      transcript,
	}
	s.Lifecycle.SpawnFix = dispatcher.SpawnReviewFix
	return s, nil
}

// Close releases the store.
func (s *Supervisor) Close() error {
	return s.Store.Close()
}

// gitState adapts gitx to the evaluator's interface against origin/main.
type gitState struct{ g *gitx.Git }

func (gs gitState) AheadCount(ctx context.Context) (int, error) {
	return gs.g.AheadCount(ctx, "origin/main")
}

func (gs gitState) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := gs.g.DiffStat(ctx, "HEAD")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Pulse runs one full pass. Returns ErrPulseActive when another pulse holds
// the lock.
func (s *Supervisor) Pulse(ctx context.Context) error {
	l, err := lock.Acquire(s.Cfg.LockDir)
	if errors.Is(err, lock.ErrHeld) {
		return ErrPulseActive
	}
	if err != nil {
		return fmt.Errorf("failed to acquire pulse lock: %w", err)
	}
	defer func() { _ = l.Release() }()

	start := time.Now()
	s.log.Printf("pulse start pid=%d", os.Getpid())

	phases := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"recover_stale", s.phaseRecoverStale},
		{"evaluate", s.phaseEvaluate},
		{"eager_orphan_scan", s.phaseEagerOrphanScan},
		{"lifecycle", s.phaseLifecycle},
		{"verification", s.phaseVerification},
		{"self_heal", s.phaseSelfHeal},
		{"escalation", s.phaseEscalation},
		{"retry_requeue", s.phaseRetryRequeue},
		{"dispatch", s.phaseDispatch},
		{"hang_detection", s.phaseHangDetection},
		{"orphan_sweep", s.phaseOrphanSweep},
		{"batch_completion", s.phaseBatchCompletion},
	}
	for _, phase := range phases {
		s.runPhase(ctx, phase.name, phase.fn)
	}

	s.log.Printf("pulse done in %s", time.Since(start).Round(time.Millisecond))
	return s.dispatchVerdict()
}

// dispatchVerdict maps the dispatch phase's deferral flags to the sentinel
// the scheduler keys exit codes off. Reprompt trouble outranks a generally
// unavailable provider, which outranks the concurrency ceiling.
func (s *Supervisor) dispatchVerdict() error {
	switch {
	case s.repromptDeferred:
		return ErrBackendTransient
	case s.providerDeferred:
		return ErrProviderUnavailable
	case s.concurrencyDeferred:
		return ErrConcurrencyLimit
	}
	return nil
}

// runPhase isolates one phase: errors and panics are logged, never
// propagated into the next phase.
func (s *Supervisor) runPhase(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Printf("phase %s panicked: %v", name, r)
			fmt.Fprintf(os.Stderr, "Warning: phase %s panicked: %v\n", name, r)
		}
	}()
	if err := fn(ctx); err != nil {
		s.log.Printf("phase %s: %v", name, err)
		fmt.Fprintf(os.Stderr, "Warning: phase %s: %v\n", name, err)
	}
}
