package config

import (
	"time"

	"github.com/aristath/autopilot/internal/routing"
)

// DefaultConfig returns the built-in configuration: every executor role on
// claude, rule-only reviewers and file artifacts under .autopilot/tasks.
func DefaultConfig() *Config {
	executors := make(map[string]RoleConfig, len(routing.Roles))
	for _, role := range routing.Roles {
		executors[string(role)] = RoleConfig{Provider: "claude"}
	}

	return &Config{
		Providers: map[string]ProviderConfig{
			"claude":   {Type: "claude"},
			"codex":    {Type: "codex", Args: []string{"--full-auto"}},
			"opencode": {Type: "opencode"},
			"jules": {
				Type:    "command",
				Command: "jules",
				Args:    []string{"remote", "new"},
			},
		},
		Executors: executors,
		Reviewers: map[string]ReviewerConfig{
			string(routing.ReviewerStrictGate): {},
			string(routing.ReviewerZeroTrust):  {},
		},
		Planner: PlannerConfig{Provider: "claude"},
		Store: StoreConfig{
			Driver: "file",
			Dir:    ".autopilot/tasks",
			Path:   ".autopilot/autopilot.db",
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Retry: RetryConfig{
			InitialInterval:     100 * time.Millisecond,
			MaxInterval:         10 * time.Second,
			MaxElapsedTime:      2 * time.Minute,
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Audit: AuditConfig{
			CommandTimeout:  10 * time.Minute,
			RunVerification: true,
			CheckFiles:      true,
		},
		Events:    EventsConfig{Subject: "autopilot"},
		Workspace: WorkspaceConfig{BaseBranch: "main", Dir: ".autopilot/worktrees"},
		Runs:      RunsConfig{MaxParallel: 2},
	}
}
