package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/gateway"
	"github.com/aristath/autopilot/internal/locks"
	"github.com/aristath/autopilot/internal/routing"
	"github.com/aristath/autopilot/internal/workspace"
)

// Env is the per-run part of a controller: executors and reviewers bound
// to the directory the run works in.
type Env struct {
	Gateway gateway.Gateway
	Auditor Auditor
	// Close releases the env's backends. Optional.
	Close func() error
}

// EnvFactory builds the env for a run working in workDir.
type EnvFactory func(workDir string) (Env, error)

// SupervisorConfig configures the supervisor.
type SupervisorConfig struct {
	// MaxParallel bounds concurrent runs (default 1).
	MaxParallel int
	// RepoPath is the directory runs work in when Worktrees is nil.
	RepoPath string
	// Worktrees isolates each run in its own git worktree. Optional.
	Worktrees *workspace.Worktrees
	Env       EnvFactory
	// Controller carries the collaborators shared by every run. Its
	// Gateway and Auditor are replaced by the run's Env.
	Controller Config
}

// Supervisor runs independent tasks concurrently, one Controller per run.
// Runs of the same slug are serialised.
type Supervisor struct {
	cfg    SupervisorConfig
	locks  *locks.Keyed
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]*workspace.Worktree
}

// NewSupervisor creates a supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	logger := cfg.Controller.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:    cfg,
		locks:  locks.NewKeyed(),
		logger: logger.Named("supervisor"),
		active: make(map[string]*workspace.Worktree),
	}
}

// RunAll runs every request with bounded concurrency. Outcomes are in
// request order; errors of individual runs are joined.
func (s *Supervisor) RunAll(ctx context.Context, reqs []Request) ([]Outcome, error) {
	if s.cfg.Worktrees != nil {
		if err := s.cfg.Worktrees.Prune(ctx); err != nil {
			s.logger.Warn("failed to prune stale worktrees", zap.Error(err))
		}
	}
	// Catches cancellation paths that skip a run's own cleanup.
	defer s.cleanupAll()

	outcomes := make([]Outcome, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxParallel)
	for i, req := range reqs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			outcomes[i], errs[i] = s.Run(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes, errors.Join(errs...)
}

// Run executes one request, in its own worktree when isolation is enabled.
// A run that ends Done has its worktree merged back.
func (s *Supervisor) Run(ctx context.Context, req Request) (Outcome, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	logger := s.logger.With(zap.String("run_id", req.RunID))

	workDir := s.cfg.RepoPath
	var wt *workspace.Worktree
	if s.cfg.Worktrees != nil {
		name := req.Slug
		if name == "" {
			name = routing.Slug(req.Goal)
		}
		var err error
		wt, err = s.cfg.Worktrees.Create(ctx, name, req.RunID)
		if err != nil {
			return Outcome{RunID: req.RunID}, fmt.Errorf("creating worktree: %w", err)
		}
		s.track(req.RunID, wt)
		defer s.cleanup(req.RunID, wt)
		workDir = wt.Path
	}

	env, err := s.cfg.Env(workDir)
	if err != nil {
		return Outcome{RunID: req.RunID}, fmt.Errorf("building run env: %w", err)
	}
	if env.Close != nil {
		defer func() {
			if err := env.Close(); err != nil {
				logger.Warn("closing run env", zap.Error(err))
			}
		}()
	}

	cfg := s.cfg.Controller
	cfg.Gateway = env.Gateway
	cfg.Auditor = env.Auditor
	cfg.SlugLocks = s.locks

	out, err := New(cfg).Run(ctx, req)
	if err != nil || out.State != StateDone || wt == nil {
		return out, err
	}

	s.merge(ctx, logger, out, wt)
	return out, nil
}

func (s *Supervisor) merge(ctx context.Context, logger *zap.Logger, out Outcome, wt *workspace.Worktree) {
	committed, err := s.cfg.Worktrees.Commit(ctx, wt, fmt.Sprintf("autopilot: %s (run %s)", out.TaskSlug, out.RunID))
	if err != nil {
		logger.Error("committing run changes", zap.Error(err))
		return
	}
	if !committed {
		logger.Info("run changed nothing; skipping merge")
		return
	}

	result, err := s.cfg.Worktrees.Merge(ctx, wt)
	if err != nil {
		logger.Error("merging run branch", zap.Error(err))
		return
	}
	if result.Error != nil {
		logger.Warn("run branch not merged", zap.Strings("conflicts", result.ConflictFiles), zap.Error(result.Error))
	}
	if bus := s.cfg.Controller.Bus; bus != nil {
		bus.Emit(events.WorkspaceMergedEvent{
			Run:           out.RunID,
			Branch:        wt.Branch,
			Merged:        result.Merged,
			ConflictFiles: result.ConflictFiles,
			Timestamp:     time.Now(),
		})
	}
}

func (s *Supervisor) track(runID string, wt *workspace.Worktree) {
	s.mu.Lock()
	s.active[runID] = wt
	s.mu.Unlock()
}

func (s *Supervisor) cleanup(runID string, wt *workspace.Worktree) {
	s.mu.Lock()
	delete(s.active, runID)
	s.mu.Unlock()

	// The run's context may already be cancelled; cleanup must still run.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.cfg.Worktrees.Cleanup(ctx, wt); err != nil {
		s.logger.Warn("failed to cleanup worktree", zap.String("branch", wt.Branch), zap.Error(err))
	}
}

func (s *Supervisor) cleanupAll() {
	s.mu.Lock()
	remaining := make(map[string]*workspace.Worktree, len(s.active))
	for id, wt := range s.active {
		remaining[id] = wt
	}
	s.mu.Unlock()

	for id, wt := range remaining {
		s.cleanup(id, wt)
	}
}
