package orchestrator

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/autopilot/internal/escalation"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/gateway"
	"github.com/aristath/autopilot/internal/routing"
	"github.com/aristath/autopilot/internal/workspace"
)

// setupTestRepo creates a temporary git repository with one commit on main.
func setupTestRepo(t *testing.T) string {
	t.Helper()

	repoPath := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %s failed: %v (output: %s)", strings.Join(args, " "), err, output)
		}
	}

	run("init", "-b", "main")
	run("config", "user.name", "Test User")
	run("config", "user.email", "test@example.com")
	run("config", "commit.gpgsign", "false")

	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Test Repo\n"), 0644); err != nil {
		t.Fatalf("failed to write initial file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")

	return repoPath
}

// fileWritingGateway creates the file it claims to change in its workDir.
type fileWritingGateway struct {
	workDir string
	file    string
}

func (g *fileWritingGateway) Invoke(ctx context.Context, batch routing.ExecutionBatch, bctx gateway.BatchContext) (gateway.DevCompletion, error) {
	path := filepath.Join(g.workDir, g.file)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return gateway.DevCompletion{}, err
	}
	if err := os.WriteFile(path, []byte("package api\n"), 0644); err != nil {
		return gateway.DevCompletion{}, err
	}
	return gateway.DevCompletion{
		Status:       gateway.StatusDone,
		FilesChanged: []string{g.file},
		CommandsRun:  batch.Verification,
		Results:      "written",
	}, nil
}

func TestSupervisor_RunAllPreservesOrder(t *testing.T) {
	store := newStore(t)
	var mu sync.Mutex
	var workDirs []string

	sup := NewSupervisor(SupervisorConfig{
		MaxParallel: 2,
		RepoPath:    "/repo",
		Env: func(workDir string) (Env, error) {
			mu.Lock()
			workDirs = append(workDirs, workDir)
			mu.Unlock()
			return Env{
				Gateway: newScriptedGateway().on("build", done("go build ./...")),
				Auditor: newGate(),
			}, nil
		},
		Controller: Config{
			Planner: escalation.NewStaticPlanner(onePlan),
			Store:   store,
		},
	})

	outs, err := sup.RunAll(context.Background(), []Request{
		{Goal: "first", Slug: "first"},
		{Goal: "second", Slug: "second"},
		{Goal: "third", Slug: "third"},
	})
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	for i, want := range []string{"first", "second", "third"} {
		if outs[i].TaskSlug != want || outs[i].State != StateDone {
			t.Errorf("outcome %d: got %s/%s", i, outs[i].TaskSlug, outs[i].State)
		}
	}
	for _, dir := range workDirs {
		if dir != "/repo" {
			t.Errorf("run worked in %q without isolation", dir)
		}
	}
}

func TestSupervisor_SameSlugSerialised(t *testing.T) {
	store := newStore(t)
	var mu sync.Mutex
	active, peak := 0, 0

	sup := NewSupervisor(SupervisorConfig{
		MaxParallel: 3,
		Env: func(string) (Env, error) {
			return Env{Gateway: &trackingGateway{mu: &mu, active: &active, peak: &peak}, Auditor: newGate()}, nil
		},
		Controller: Config{Planner: escalation.NewStaticPlanner(onePlan), Store: store},
	})

	reqs := []Request{{Goal: "g", Slug: "shared"}, {Goal: "g", Slug: "shared"}, {Goal: "g", Slug: "shared"}}
	outs, err := sup.RunAll(context.Background(), reqs)
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	for i, out := range outs {
		if out.State != StateDone {
			t.Errorf("run %d ended %s", i, out.State)
		}
	}
	if peak != 1 {
		t.Errorf("same slug ran %d times concurrently", peak)
	}
}

type trackingGateway struct {
	mu           *sync.Mutex
	active, peak *int
}

func (g *trackingGateway) Invoke(ctx context.Context, batch routing.ExecutionBatch, bctx gateway.BatchContext) (gateway.DevCompletion, error) {
	g.mu.Lock()
	*g.active++
	if *g.active > *g.peak {
		*g.peak = *g.active
	}
	g.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	g.mu.Lock()
	*g.active--
	g.mu.Unlock()
	return gateway.DevCompletion{Status: gateway.StatusDone, CommandsRun: batch.Verification}, nil
}

func TestSupervisor_JoinsRunErrors(t *testing.T) {
	sup := NewSupervisor(SupervisorConfig{
		Env: func(string) (Env, error) { return Env{}, errors.New("no providers") },
		Controller: Config{
			Planner: escalation.NewStaticPlanner(onePlan),
			Store:   newStore(t),
		},
	})

	_, err := sup.RunAll(context.Background(), []Request{{Goal: "a"}, {Goal: "b"}})
	if err == nil || !strings.Contains(err.Error(), "no providers") {
		t.Fatalf("expected joined env errors, got %v", err)
	}
}

func TestSupervisor_WorktreeMergedOnDone(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repoPath := setupTestRepo(t)
	bus := events.NewEventBus()
	defer bus.Close()
	merged := bus.Subscribe(events.TopicRun, 100)

	var closed bool
	sup := NewSupervisor(SupervisorConfig{
		Worktrees: workspace.NewWorktrees(workspace.WorktreesConfig{RepoPath: repoPath, BaseBranch: "main"}),
		Env: func(workDir string) (Env, error) {
			if workDir == repoPath {
				t.Errorf("run was not isolated")
			}
			return Env{
				Gateway: &fileWritingGateway{workDir: workDir, file: "internal/api/validate.go"},
				Auditor: newGate(),
				Close:   func() error { closed = true; return nil },
			}, nil
		},
		Controller: Config{
			Planner: escalation.NewStaticPlanner(onePlan),
			Store:   newStore(t),
			Bus:     bus,
		},
	})

	out, err := sup.Run(context.Background(), Request{Goal: "Add request validation"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.State != StateDone {
		t.Fatalf("expected Done, got %s (%s)", out.State, out.Message)
	}
	if !closed {
		t.Error("run env was not closed")
	}

	if _, err := os.Stat(filepath.Join(repoPath, "internal/api/validate.go")); err != nil {
		t.Errorf("run changes were not merged into main: %v", err)
	}

	var mergeEvent *events.WorkspaceMergedEvent
	for len(merged) > 0 {
		if ev, ok := (<-merged).(events.WorkspaceMergedEvent); ok {
			mergeEvent = &ev
		}
	}
	if mergeEvent == nil || !mergeEvent.Merged || !strings.HasPrefix(mergeEvent.Branch, "autopilot/add_request_validation-") {
		t.Errorf("unexpected merge event %+v", mergeEvent)
	}

	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = repoPath
	list, err := cmd.Output()
	if err != nil {
		t.Fatalf("git worktree list failed: %v", err)
	}
	if strings.Contains(string(list), "autopilot/") {
		t.Errorf("worktree left behind:\n%s", list)
	}
}
