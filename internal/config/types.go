package config

import "time"

// ProviderConfig defines a transport: which CLI agent to run and how.
// Several executor roles can share one provider.
type ProviderConfig struct {
	// Type is the backend type: "claude", "codex", "opencode" or "command".
	Type    string   `koanf:"type" yaml:"type"`
	Command string   `koanf:"command" yaml:"command,omitempty"`
	Args    []string `koanf:"args" yaml:"args,omitempty"`
	Model   string   `koanf:"model" yaml:"model,omitempty"`
	// Agent is the opencode agent profile.
	Agent string `koanf:"agent" yaml:"agent,omitempty"`
}

// RoleConfig binds an executor role to a provider.
type RoleConfig struct {
	Provider string `koanf:"provider" yaml:"provider"`
	Model    string `koanf:"model" yaml:"model,omitempty"`
	Brief    string `koanf:"brief" yaml:"brief,omitempty"` // replaces the built-in role brief
}

// ReviewerConfig configures one reviewer role. Without a judge provider
// the reviewer runs its deterministic checks only.
type ReviewerConfig struct {
	Judge string `koanf:"judge" yaml:"judge,omitempty"`
	Model string `koanf:"model" yaml:"model,omitempty"`
}

// PlannerConfig selects the provider that produces plans and replans.
type PlannerConfig struct {
	Provider string `koanf:"provider" yaml:"provider"`
	Model    string `koanf:"model" yaml:"model,omitempty"`
}

// StoreConfig selects the artifact store.
type StoreConfig struct {
	Driver string `koanf:"driver" yaml:"driver"` // "file" or "sqlite"
	Dir    string `koanf:"dir" yaml:"dir"`       // artifact directory (file driver)
	Path   string `koanf:"path" yaml:"path"`     // database file (sqlite driver)
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"` // "json" or "console"
}

// RetryConfig configures transport retries towards providers.
type RetryConfig struct {
	InitialInterval     time.Duration `koanf:"initial_interval" yaml:"initial_interval"`
	MaxInterval         time.Duration `koanf:"max_interval" yaml:"max_interval"`
	MaxElapsedTime      time.Duration `koanf:"max_elapsed_time" yaml:"max_elapsed_time"`
	Multiplier          float64       `koanf:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64       `koanf:"randomization_factor" yaml:"randomization_factor"`
}

// AuditConfig configures the reviewers' evidence gathering.
type AuditConfig struct {
	CommandTimeout  time.Duration `koanf:"command_timeout" yaml:"command_timeout"` // zero means no limit
	RunVerification bool          `koanf:"run_verification" yaml:"run_verification"`
	CheckFiles      bool          `koanf:"check_files" yaml:"check_files"`
}

// EventsConfig configures forwarding of run events to NATS.
type EventsConfig struct {
	NATSURL string `koanf:"nats_url" yaml:"nats_url,omitempty"` // empty disables forwarding
	Subject string `koanf:"subject" yaml:"subject"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `koanf:"addr" yaml:"addr,omitempty"` // empty disables the endpoint
}

// WorkspaceConfig configures per-run git worktree isolation.
type WorkspaceConfig struct {
	Worktrees  bool   `koanf:"worktrees" yaml:"worktrees"`
	BaseBranch string `koanf:"base_branch" yaml:"base_branch"`
	Dir        string `koanf:"dir" yaml:"dir"`
}

// RunsConfig limits concurrent runs.
type RunsConfig struct {
	MaxParallel int `koanf:"max_parallel" yaml:"max_parallel"`
}

// Config is the top-level configuration.
type Config struct {
	Providers map[string]ProviderConfig `koanf:"providers" yaml:"providers"`
	Executors map[string]RoleConfig     `koanf:"executors" yaml:"executors"`
	Reviewers map[string]ReviewerConfig `koanf:"reviewers" yaml:"reviewers"`
	Planner   PlannerConfig             `koanf:"planner" yaml:"planner"`
	Store     StoreConfig               `koanf:"store" yaml:"store"`
	Log       LogConfig                 `koanf:"log" yaml:"log"`
	Retry     RetryConfig               `koanf:"retry" yaml:"retry"`
	Audit     AuditConfig               `koanf:"audit" yaml:"audit"`
	Events    EventsConfig              `koanf:"events" yaml:"events"`
	Metrics   MetricsConfig             `koanf:"metrics" yaml:"metrics"`
	Workspace WorkspaceConfig           `koanf:"workspace" yaml:"workspace"`
	Runs      RunsConfig                `koanf:"runs" yaml:"runs"`
}
