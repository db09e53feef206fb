package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/artifact"
	"github.com/aristath/autopilot/internal/audit"
	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/orchestrator"
	"github.com/aristath/autopilot/internal/routing"
)

const validPlan = `# Add request validation

1. Add a validator
2. Cover it with tests

BEGIN_EXECUTION_HANDOFFS_YAML
execution_handoffs:
  - label: build
    agent: conservative-fix
    includes_steps: [1]
    risk: low
    reviewers: [strict-gate, zero-trust]
    verification:
      - go build ./...
  - label: tests
    agent: high-autonomy
    includes_steps: [2]
    risk: medium
    reviewers: [strict-gate]
    verification:
      - go test ./...
    depends_on: [build]
    executor: codex
END_EXECUTION_HANDOFFS_YAML
`

func findCommand(t *testing.T, name string) *cobra.Command {
	t.Helper()
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == name {
			return cmd
		}
	}
	t.Fatalf("%s command not found in rootCmd", name)
	return nil
}

func TestRootCmd_Commands(t *testing.T) {
	for _, name := range []string{"run", "compile", "status", "init"} {
		cmd := findCommand(t, name)
		if cmd.Short == "" || cmd.Long == "" {
			t.Errorf("%s command should have Short and Long descriptions", name)
		}
	}
}

func TestRunCmd_Flags(t *testing.T) {
	cmd := findCommand(t, "run")
	for _, flag := range []string{"goal", "slug", "plan", "accept", "tui", "metrics-addr"} {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("run command should have --%s flag", flag)
		}
	}
	if rootCmd.PersistentFlags().Lookup("config") == nil {
		t.Error("root command should have --config flag")
	}
}

func TestCompilePlan_PrintsBatches(t *testing.T) {
	var out bytes.Buffer
	if err := compilePlan(&out, validPlan, []string{"claude", "codex"}); err != nil {
		t.Fatalf("compilePlan failed: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"Add request validation (2 steps, slug add_request_validation)",
		"build",
		"conservative-fix",
		"high-autonomy@codex",
		"go build ./...",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "conservative-fix") > strings.Index(got, "high-autonomy") {
		t.Error("batches not printed in routing order")
	}
}

func TestCompilePlan_UnknownProvider(t *testing.T) {
	var out bytes.Buffer
	if err := compilePlan(&out, validPlan, []string{"claude"}); err == nil {
		t.Fatal("expected an error for the codex executor override")
	}
}

func TestCompilePlan_InvalidRoutingShowsSnippet(t *testing.T) {
	plan := "1. Do it\n\nBEGIN_EXECUTION_HANDOFFS_YAML\nexecution_handoffs:\n  • label: [unclosed\nEND_EXECUTION_HANDOFFS_YAML\n"

	var out bytes.Buffer
	err := compilePlan(&out, plan, nil)
	var invalid *routing.InvalidRoutingError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidRoutingError, got %v", err)
	}
	if !strings.Contains(out.String(), "  - label: [unclosed") {
		t.Errorf("normalized snippet not printed:\n%s", out.String())
	}
}

func TestShowTask(t *testing.T) {
	ctx := context.Background()
	store, err := artifact.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer store.Close()

	now := time.Now()
	if err := store.WriteMeta(ctx, artifact.Meta{
		Slug:       "stuck_task",
		Status:     artifact.StatusFatalStop,
		RetryCount: 3,
		RunID:      "run-1",
		Message:    "Execution stuck. 3 attempts failed.",
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("WriteMeta failed: %v", err)
	}
	if err := store.WriteTask(ctx, "stuck_task", "# Stuck task\n"); err != nil {
		t.Fatalf("WriteTask failed: %v", err)
	}

	var out bytes.Buffer
	if err := showTask(ctx, &out, store, "stuck_task"); err != nil {
		t.Fatalf("showTask failed: %v", err)
	}
	got := out.String()
	for _, want := range []string{"status:  fatal_stop", "retries: 3", "Execution stuck. 3 attempts failed.", "--- task ---", "# Stuck task"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "--- audit ---") {
		t.Error("printed an audit that was never written")
	}

	out.Reset()
	if err := listTasks(ctx, &out, store); err != nil {
		t.Fatalf("listTasks failed: %v", err)
	}
	if !strings.Contains(out.String(), "stuck_task") || !strings.Contains(out.String(), "fatal_stop") {
		t.Errorf("task missing from list:\n%s", out.String())
	}

	if err := showTask(ctx, &out, store, "missing"); !errors.Is(err, artifact.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := showTask(ctx, &out, store, "../etc"); !errors.Is(err, artifact.ErrInvalidSlug) {
		t.Errorf("expected ErrInvalidSlug, got %v", err)
	}
}

func TestReport(t *testing.T) {
	var out bytes.Buffer
	err := report(&out, orchestrator.Outcome{
		RunID: "run-1", TaskSlug: "t", State: orchestrator.StateDone, Message: "Audit passed after 0 retries.",
		Summary: artifact.Summary{
			ChangedFiles:         []string{"internal/api/validate.go"},
			VerificationCommands: []string{"go test ./..."},
		},
	})
	if err != nil {
		t.Errorf("Done run reported as error: %v", err)
	}
	for _, want := range []string{
		"Changed files:\n  - internal/api/validate.go\n",
		"Verification commands:\n  - go test ./...\n",
		"Manual checks:\n  (none)\n",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("summary missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	err = report(&out, orchestrator.Outcome{State: orchestrator.StateFatalStop, RetryCount: 3, Message: "Execution stuck. 3 attempts failed."})
	if err == nil {
		t.Error("FatalStop run not reported as error")
	}
	if !strings.Contains(out.String(), "Execution stuck. 3 attempts failed.") {
		t.Errorf("fatal message not printed:\n%s", out.String())
	}
	if strings.Contains(out.String(), "Changed files:") {
		t.Errorf("summary printed for a run that did not pass:\n%s", out.String())
	}
}

func TestWiringEnv(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Reviewers[string(routing.ReviewerZeroTrust)] = config.ReviewerConfig{Judge: "codex"}

	w := newWiring(cfg, backend.NewProcessManager(), zap.NewNop())
	env, err := w.env(t.TempDir())
	if err != nil {
		t.Fatalf("env failed: %v", err)
	}
	if env.Gateway == nil {
		t.Fatal("env has no gateway")
	}
	gate, ok := env.Auditor.(*audit.Gate)
	if !ok {
		t.Fatalf("auditor is %T, want *audit.Gate", env.Auditor)
	}
	roles := gate.Reviewers()
	if len(roles) != 2 || roles[0] != routing.ReviewerStrictGate || roles[1] != routing.ReviewerZeroTrust {
		t.Errorf("unexpected reviewer order %v", roles)
	}
	if err := env.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	cfg.Reviewers[string(routing.ReviewerStrictGate)] = config.ReviewerConfig{Judge: "missing"}
	if _, err := w.env(t.TempDir()); err == nil {
		t.Error("expected error for unknown judge provider")
	}
}

func TestNewLogger_File(t *testing.T) {
	root := t.TempDir()
	logger, sync, err := newLogger(config.LogConfig{Level: "info", Format: "json"}, root, true)
	if err != nil {
		t.Fatalf("newLogger failed: %v", err)
	}
	logger.Info("run started", zap.String("run_id", "run-1"))
	sync()

	data, err := os.ReadFile(filepath.Join(root, stateDir, "autopilot.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), `"run_id":"run-1"`) {
		t.Errorf("log line not written:\n%s", data)
	}
}

// TestProcessManagerKillAllOnShutdown verifies that ProcessManager.KillAll()
// terminates tracked processes during simulated shutdown.
func TestProcessManagerKillAllOnShutdown(t *testing.T) {
	pm := backend.NewProcessManager()

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start subprocess: %v", err)
	}
	pm.Track(cmd)
	defer pm.Untrack(cmd)

	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected process to be killed (non-zero exit), got nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not terminate after KillAll()")
	}
}

// TestSignalContextCancellation verifies that signal.NotifyContext produces
// a context that cancels when a signal is received.
func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("Context did not cancel after SIGUSR1")
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), stateDir, "config.yaml")

	var out bytes.Buffer
	if err := writeDefaultConfig(path, false, &out); err != nil {
		t.Fatalf("writeDefaultConfig failed: %v", err)
	}
	cfg, err := config.Load("", path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Planner.Provider != "claude" {
		t.Errorf("planner provider = %q", cfg.Planner.Provider)
	}

	if err := writeDefaultConfig(path, false, &out); err == nil {
		t.Error("expected refusal to overwrite without --force")
	}
	if err := writeDefaultConfig(path, true, &out); err != nil {
		t.Errorf("--force overwrite failed: %v", err)
	}
}
