package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aristath/autopilot/internal/artifact"
	"github.com/aristath/autopilot/internal/audit"
	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/cmdexec"
	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/escalation"
	"github.com/aristath/autopilot/internal/gateway"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/orchestrator"
	"github.com/aristath/autopilot/internal/routing"
	"github.com/aristath/autopilot/internal/workspace"
)

// stateDir holds everything autopilot writes next to the repository.
const stateDir = ".autopilot"

func loadConfig() (*config.Config, error) {
	globalPath, err := config.GlobalPath()
	if err != nil {
		return nil, err
	}
	return config.Load(globalPath, configPath)
}

// newLogger logs to stderr, or to a file under root while the TUI owns the
// terminal.
func newLogger(cfg config.LogConfig, root string, toFile bool) (*zap.Logger, func(), error) {
	if !toFile {
		logger, err := logging.New(cfg, zapcore.Lock(os.Stderr))
		return logger, func() { _ = logger.Sync() }, err
	}

	if err := os.MkdirAll(filepath.Join(root, stateDir), 0755); err != nil {
		return nil, nil, fmt.Errorf("creating state dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(root, stateDir, "autopilot.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	logger, err := logging.New(cfg, zapcore.AddSync(f))
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return logger, func() {
		_ = logger.Sync()
		f.Close()
	}, nil
}

// wiring builds the per-run collaborators from configuration.
type wiring struct {
	cfg     *config.Config
	procs   *backend.ProcessManager
	factory *gateway.Factory
	logger  *zap.Logger
}

func newWiring(cfg *config.Config, procs *backend.ProcessManager, logger *zap.Logger) *wiring {
	return &wiring{
		cfg:     cfg,
		procs:   procs,
		factory: gateway.NewFactory(cfg, procs, logger),
		logger:  logger,
	}
}

// planner creates the backend planner. It works in root, never in a run's
// worktree.
func (w *wiring) planner(root string) (*escalation.BackendPlanner, error) {
	b, err := w.factory.Backend(w.cfg.Planner.Provider, w.cfg.Planner.Model, root)
	if err != nil {
		return nil, fmt.Errorf("creating planner backend: %w", err)
	}
	return escalation.NewBackendPlanner(w.cfg.Planner.Provider, b, w.factory.Resilient(), w.logger), nil
}

// judge creates the model judge configured for role. A nil Judge means the
// reviewer runs its deterministic checks only.
func (w *wiring) judge(role routing.ReviewerRole, workDir string) (audit.Judge, func() error, error) {
	rc, ok := w.cfg.Reviewers[string(role)]
	if !ok || rc.Judge == "" {
		return nil, nil, nil
	}
	b, err := w.factory.Backend(rc.Judge, rc.Model, workDir)
	if err != nil {
		return nil, nil, fmt.Errorf("creating %s judge: %w", role, err)
	}
	j := audit.NewBackendJudge(rc.Judge, b, w.factory.Resilient(), w.logger)
	return j, j.Close, nil
}

// env builds the executors and reviewers of a run working in workDir.
func (w *wiring) env(workDir string) (orchestrator.Env, error) {
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	reg, err := w.factory.Registry(workDir)
	if err != nil {
		return orchestrator.Env{}, err
	}
	closers = append(closers, reg.Close)

	judges := make(map[routing.ReviewerRole]audit.Judge, len(routing.ReviewerRoles))
	for _, role := range routing.ReviewerRoles {
		j, closeJudge, err := w.judge(role, workDir)
		if err != nil {
			_ = closeAll()
			return orchestrator.Env{}, err
		}
		if closeJudge != nil {
			closers = append(closers, closeJudge)
		}
		judges[role] = j
	}

	var runner *cmdexec.Runner
	if w.cfg.Audit.RunVerification {
		runner = cmdexec.NewRunner(cmdexec.Config{
			WorkDir: workDir,
			Timeout: w.cfg.Audit.CommandTimeout,
		}, w.procs, w.logger)
	}
	var insp *workspace.Inspector
	if w.cfg.Audit.CheckFiles {
		insp = workspace.NewInspector(workDir, stateDir)
	}

	gate := audit.NewGate(
		audit.NewStrictGate(judges[routing.ReviewerStrictGate], w.logger),
		audit.NewZeroTrust(runner, insp, judges[routing.ReviewerZeroTrust], w.logger),
		w.logger,
	)
	return orchestrator.Env{Gateway: reg, Auditor: gate, Close: closeAll}, nil
}

// worktrees returns the worktree manager when run isolation is enabled.
func (w *wiring) worktrees(root string) *workspace.Worktrees {
	if !w.cfg.Workspace.Worktrees {
		return nil
	}
	return workspace.NewWorktrees(workspace.WorktreesConfig{
		RepoPath:   root,
		BaseBranch: w.cfg.Workspace.BaseBranch,
		Dir:        w.cfg.Workspace.Dir,
	})
}

func openStore(ctx context.Context, cfg *config.Config, root string) (artifact.Store, error) {
	store, err := artifact.Open(ctx, cfg.Store, root)
	if err != nil {
		return nil, fmt.Errorf("opening artifact store: %w", err)
	}
	return store, nil
}
