// Package config loads foreman's statically-typed configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete, statically-typed configuration for a foreman
// run. Every recognized option is an explicit field — no free-form
// dynamic dictionaries — per the parallel/sprint/automation split called
// for by the orchestrator design notes.
type Config struct {
	Parallel   ParallelConfig   `yaml:"parallel"`
	Sprint     SprintConfig     `yaml:"sprint"`
	Automation AutomationConfig `yaml:"automation"`
}

// ParallelConfig configures the worker pool, merge coordinator, and
// git lock used by the core orchestrator.
type ParallelConfig struct {
	MaxWorkers              int           `yaml:"max_workers"`
	WorktreeBase            string        `yaml:"worktree_base"`
	WorktreeAllowlist       []string      `yaml:"worktree_allowlist"`
	IssueTimeout            time.Duration `yaml:"issue_timeout"`
	HandoffMaxContinuations int           `yaml:"handoff_max_continuations"`
	RequireCodeChanges      bool          `yaml:"require_code_changes"`
	MaxMergeRetries         int           `yaml:"max_merge_retries"`
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
	CooldownSeconds         int           `yaml:"cooldown_seconds"`
	LockMaxBackoff          time.Duration `yaml:"lock_max_backoff"`
	LockMaxRetries          int           `yaml:"lock_max_retries"`
	ShutdownGracePeriod     time.Duration `yaml:"shutdown_grace_period"`
	AgentCommand            []string      `yaml:"agent_command"`
	AgentPermissionFlag     string        `yaml:"agent_permission_flag"`
}

// SprintConfig configures the dependency-aware wave planner and the
// file-contention sub-wave refinement.
type SprintConfig struct {
	IssuesBaseDir       string  `yaml:"issues_base_dir"`
	ContentionThreshold float64 `yaml:"contention_threshold"`
	IncludeP0InWaves    bool    `yaml:"include_p0_in_waves"`
}

// AutomationConfig configures things shared across the sequential and
// parallel automators (out of core scope, retained for CLI wiring).
type AutomationConfig struct {
	StateFile   string `yaml:"state_file"`
	StreamOutput bool  `yaml:"stream_output"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig returns sensible defaults, mirroring the conservative
// choices called out in the design notes (3 consecutive merge failures,
// 30s cooldown).
func DefaultConfig() *Config {
	return &Config{
		Parallel: ParallelConfig{
			MaxWorkers:              4,
			WorktreeBase:            filepath.Join(".foreman", "worktrees"),
			WorktreeAllowlist:       []string{".env", ".envrc"},
			IssueTimeout:            30 * time.Minute,
			HandoffMaxContinuations: 3,
			RequireCodeChanges:      true,
			MaxMergeRetries:         3,
			CircuitBreakerThreshold: 3,
			CooldownSeconds:         30,
			LockMaxBackoff:          5 * time.Second,
			LockMaxRetries:          8,
			ShutdownGracePeriod:     2 * time.Minute,
			AgentCommand:            []string{"agent", "run", "--prompt-file"},
			AgentPermissionFlag:     "--dangerously-skip-permissions",
		},
		Sprint: SprintConfig{
			IssuesBaseDir:       ".issues",
			ContentionThreshold: 0.4,
			IncludeP0InWaves:    true,
		},
		Automation: AutomationConfig{
			StateFile: filepath.Join(".foreman", "state.json"),
		},
	}
}

// Load reads configuration from path, merging onto DefaultConfig. A
// missing file is not an error — defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations that would make the orchestrator's
// invariants unsatisfiable.
func (c *Config) Validate() error {
	if c.Parallel.MaxWorkers < 1 {
		return fmt.Errorf("parallel.max_workers must be >= 1")
	}
	if c.Parallel.MaxMergeRetries < 0 {
		return fmt.Errorf("parallel.max_merge_retries must be >= 0")
	}
	if c.Parallel.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("parallel.circuit_breaker_threshold must be >= 1")
	}
	if c.Sprint.ContentionThreshold < 0 || c.Sprint.ContentionThreshold > 1 {
		return fmt.Errorf("sprint.contention_threshold must be in [0, 1]")
	}
	if c.Sprint.IssuesBaseDir == "" {
		return fmt.Errorf("sprint.issues_base_dir must be set")
	}
	if len(c.Parallel.AgentCommand) == 0 {
		return fmt.Errorf("parallel.agent_command must be set")
	}
	return nil
}
