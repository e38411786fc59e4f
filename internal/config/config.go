// Package config loads supervisor settings from ~/.aidevops/supervisor.yaml
// with SUPERVISOR_* environment variables taking precedence over the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all supervisor settings, resolved from defaults, the config
// file, and the environment (environment wins).
type Config struct {
	// Filesystem layout. All paths default under HomeDir.
	HomeDir      string
	DBPath       string
	LogsDir      string
	WorktreesDir string
	PIDsDir      string
	LockDir      string

	// Pulse transcript.
	TranscriptPath    string
	TranscriptMaxMB   int
	TranscriptBackups int

	// Dispatch.
	BaseConcurrency int
	MaxConcurrency  int // 0 = auto-cap at logical CPU count
	MaxLoadFactor   float64
	WorkerCommand   string // worker binary invoked per task

	// Models. Escalation walks the chain left to right.
	DefaultModel    string
	EscalationChain []string
	ModelProbeTTL   time.Duration

	// Evaluation.
	AIModel     string // model used by the tier-3 evaluator
	AITimeout   time.Duration
	AIMaxTokens int

	// Lifecycle.
	DeployTimeout       time.Duration
	StuckDeployAfter    time.Duration
	HangAfter           time.Duration
	AdminOverrideChecks []string // CI check names that permit --admin merge

	// Forge.
	ForgeHost     string
	ForgeRPS      float64 // rate limit for forge API calls
	ForgeRetries  int
	NotifyCommand string // optional external notifier, best-effort
}

// Load resolves the configuration. The config file is optional; a missing
// file yields pure defaults plus environment overrides.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return load(filepath.Join(home, ".aidevops"))
}

// load is the testable core; homeDir is the supervisor state root.
func load(homeDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(filepath.Join(homeDir, "supervisor.yaml"))

	v.SetEnvPrefix("SUPERVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("db", filepath.Join(homeDir, "supervisor.db"))
	v.SetDefault("logs-dir", filepath.Join(homeDir, "logs"))
	v.SetDefault("worktrees-dir", filepath.Join(homeDir, "worktrees"))
	v.SetDefault("pids-dir", filepath.Join(homeDir, "pids"))
	v.SetDefault("lock-dir", filepath.Join(homeDir, "pulse.lock"))

	v.SetDefault("transcript.path", filepath.Join(homeDir, "pulse.log"))
	v.SetDefault("transcript.max-mb", 50)
	v.SetDefault("transcript.backups", 5)

	v.SetDefault("dispatch.base-concurrency", 2)
	v.SetDefault("dispatch.max-concurrency", 0)
	v.SetDefault("dispatch.max-load-factor", 0.85)
	v.SetDefault("dispatch.worker-command", "claude")

	v.SetDefault("model.default", "sonnet")
	v.SetDefault("model.escalation-chain", []string{"haiku", "sonnet", "opus"})
	v.SetDefault("model.probe-ttl", "5m")

	v.SetDefault("ai.model", "claude-sonnet-4-5")
	v.SetDefault("ai.timeout", "60s")
	v.SetDefault("ai.max-tokens", 1024)

	v.SetDefault("lifecycle.deploy-timeout", "300s")
	v.SetDefault("lifecycle.stuck-deploy-after", "600s")
	v.SetDefault("lifecycle.hang-after", "45m")
	v.SetDefault("lifecycle.admin-override-checks", []string{"unstable_sonarcloud"})

	v.SetDefault("forge.host", "github.com")
	v.SetDefault("forge.rps", 2.0)
	v.SetDefault("forge.retries", 3)
	v.SetDefault("notify.command", "")

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine; a malformed one is not.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		HomeDir:      homeDir,
		DBPath:       v.GetString("db"),
		LogsDir:      v.GetString("logs-dir"),
		WorktreesDir: v.GetString("worktrees-dir"),
		PIDsDir:      v.GetString("pids-dir"),
		LockDir:      v.GetString("lock-dir"),

		TranscriptPath:    v.GetString("transcript.path"),
		TranscriptMaxMB:   v.GetInt("transcript.max-mb"),
		TranscriptBackups: v.GetInt("transcript.backups"),

		BaseConcurrency: v.GetInt("dispatch.base-concurrency"),
		MaxConcurrency:  v.GetInt("dispatch.max-concurrency"),
		MaxLoadFactor:   v.GetFloat64("dispatch.max-load-factor"),
		WorkerCommand:   v.GetString("dispatch.worker-command"),

		DefaultModel:    v.GetString("model.default"),
		EscalationChain: v.GetStringSlice("model.escalation-chain"),
		ModelProbeTTL:   v.GetDuration("model.probe-ttl"),

		AIModel:     v.GetString("ai.model"),
		AITimeout:   v.GetDuration("ai.timeout"),
		AIMaxTokens: v.GetInt("ai.max-tokens"),

		DeployTimeout:       v.GetDuration("lifecycle.deploy-timeout"),
		StuckDeployAfter:    v.GetDuration("lifecycle.stuck-deploy-after"),
		HangAfter:           v.GetDuration("lifecycle.hang-after"),
		AdminOverrideChecks: v.GetStringSlice("lifecycle.admin-override-checks"),

		ForgeHost:     v.GetString("forge.host"),
		ForgeRPS:      v.GetFloat64("forge.rps"),
		ForgeRetries:  v.GetInt("forge.retries"),
		NotifyCommand: v.GetString("notify.command"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a pulse.
func (c *Config) Validate() error {
	if c.BaseConcurrency < 1 {
		return fmt.Errorf("dispatch.base-concurrency must be positive (got %d)", c.BaseConcurrency)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("dispatch.max-concurrency cannot be negative (got %d)", c.MaxConcurrency)
	}
	if c.MaxLoadFactor <= 0 || c.MaxLoadFactor > 1 {
		return fmt.Errorf("dispatch.max-load-factor must be in (0, 1] (got %v)", c.MaxLoadFactor)
	}
	if len(c.EscalationChain) == 0 {
		return fmt.Errorf("model.escalation-chain cannot be empty")
	}
	if c.AITimeout <= 0 {
		return fmt.Errorf("ai.timeout must be positive")
	}
	return nil
}

// EnsureDirs creates the state directories the supervisor writes to.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.HomeDir, c.LogsDir, c.WorktreesDir, c.PIDsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
