// Package config loads autopilot configuration from layered YAML files and
// AUTOPILOT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/routing"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUTOPILOT_"

const maxConfigFileSize = 1024 * 1024

// Load reads and merges configuration. Precedence, highest first:
// AUTOPILOT_* environment variables, the project file, the global file,
// built-in defaults. Missing files are not errors; malformed YAML is.
//
// Environment keys split on the first underscore after the prefix:
//
//	AUTOPILOT_LOG_LEVEL         -> log.level
//	AUTOPILOT_EVENTS_NATS_URL   -> events.nats_url
//	AUTOPILOT_RUNS_MAX_PARALLEL -> runs.max_parallel
func Load(globalPath, projectPath string) (*Config, error) {
	k := koanf.New(".")

	if err := loadFile(k, globalPath); err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}
	if err := loadFile(k, projectPath); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.autopilot/config.yaml
// Project: .autopilot/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, filepath.Join(".autopilot", "config.yaml"))
}

// GlobalPath returns the per-user config file path.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".autopilot", "config.yaml"), nil
}

func loadFile(k *koanf.Koanf, path string) error {
	if path == "" {
		return nil
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("%s is larger than %d bytes", path, maxConfigFileSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, found := strings.Cut(lower, "_")
	if !found {
		return lower
	}
	return section + "." + field
}

// applyDefaults fills values a partial override may have cleared.
func applyDefaults(cfg *Config) {
	for name, p := range cfg.Providers {
		if p.Type == "" && slices.Contains(backend.Types, name) {
			p.Type = name
			cfg.Providers[name] = p
		}
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "file"
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "autopilot"
	}
	if cfg.Runs.MaxParallel <= 0 {
		cfg.Runs.MaxParallel = 1
	}
}

// Validate checks cross references between sections.
func (c *Config) Validate() error {
	var problems []string

	for name, p := range c.Providers {
		if !slices.Contains(backend.Types, p.Type) {
			problems = append(problems, fmt.Sprintf("provider %q: unknown type %q", name, p.Type))
		}
		if p.Type == "command" && p.Command == "" {
			problems = append(problems, fmt.Sprintf("provider %q: command type needs a command", name))
		}
	}

	for _, role := range routing.Roles {
		rc, ok := c.Executors[string(role)]
		if !ok {
			problems = append(problems, fmt.Sprintf("executor role %q is not configured", role))
			continue
		}
		if _, ok := c.Providers[rc.Provider]; !ok {
			problems = append(problems, fmt.Sprintf("executor role %q: unknown provider %q", role, rc.Provider))
		}
	}
	for name := range c.Executors {
		if _, ok := routing.ParseRole(name); !ok {
			problems = append(problems, fmt.Sprintf("executors: unknown role %q", name))
		}
	}

	for name, rc := range c.Reviewers {
		if _, ok := routing.ParseReviewerRole(name); !ok {
			problems = append(problems, fmt.Sprintf("reviewers: unknown role %q", name))
		}
		if rc.Judge != "" {
			if _, ok := c.Providers[rc.Judge]; !ok {
				problems = append(problems, fmt.Sprintf("reviewer %q: unknown judge provider %q", name, rc.Judge))
			}
		}
	}

	if _, ok := c.Providers[c.Planner.Provider]; !ok {
		problems = append(problems, fmt.Sprintf("planner: unknown provider %q", c.Planner.Provider))
	}

	switch c.Store.Driver {
	case "file":
		if c.Store.Dir == "" {
			problems = append(problems, "store: file driver needs dir")
		}
	case "sqlite":
		if c.Store.Path == "" {
			problems = append(problems, "store: sqlite driver needs path")
		}
	default:
		problems = append(problems, fmt.Sprintf("store: unknown driver %q", c.Store.Driver))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("log: unknown format %q", c.Log.Format))
	}

	if len(problems) > 0 {
		slices.Sort(problems)
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// ProviderNames returns the configured provider names, sorted.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
