package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "config.yaml")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Providers["gemini"] = ProviderConfig{Type: "command", Command: "gemini", Args: []string{"-p"}}
	cfg.Executors["performance"] = RoleConfig{Provider: "gemini", Model: "pro", Brief: "Measure first."}
	cfg.Reviewers["zero-trust"] = ReviewerConfig{Judge: "codex"}
	cfg.Store.Driver = "sqlite"
	cfg.Audit.CommandTimeout = 90 * time.Second
	cfg.Workspace.Worktrees = true

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := loaded.Providers["gemini"]; got.Command != "gemini" || len(got.Args) != 1 || got.Args[0] != "-p" {
		t.Errorf("gemini provider mismatch: %+v", got)
	}
	if got := loaded.Executors["performance"]; got.Provider != "gemini" || got.Brief != "Measure first." {
		t.Errorf("performance role mismatch: %+v", got)
	}
	if loaded.Reviewers["zero-trust"].Judge != "codex" {
		t.Errorf("zero-trust judge = %q", loaded.Reviewers["zero-trust"].Judge)
	}
	if loaded.Store.Driver != "sqlite" {
		t.Errorf("store driver = %q", loaded.Store.Driver)
	}
	if loaded.Audit.CommandTimeout != 90*time.Second {
		t.Errorf("command timeout = %v", loaded.Audit.CommandTimeout)
	}
	if !loaded.Workspace.Worktrees {
		t.Error("worktrees flag lost")
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	first := DefaultConfig()
	first.Log.Level = "debug"
	if err := Save(first, path); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}

	second := DefaultConfig()
	second.Log.Level = "error"
	if err := Save(second, path); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	if strings.Contains(string(data), "debug") || !strings.Contains(string(data), "level: error") {
		t.Errorf("expected file to hold only the second config, got:\n%s", data)
	}
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Planner.Provider = "missing"
	if err := Save(cfg, path); err == nil || !strings.Contains(err.Error(), "planner") {
		t.Fatalf("expected validation error naming the planner, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("invalid config was written: %v", err)
	}
}

func TestSaveWritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# autopilot configuration.") {
		t.Errorf("missing header:\n%s", data)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("reading dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}
