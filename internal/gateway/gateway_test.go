package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/routing"
)

const doneReply = `All set.

BEGIN_DEV_COMPLETION_YAML
status: done
assumptions: []
files_changed:
  - internal/api/validate.go
commands_run:
  - go test ./...
results: "validator added"
remaining_risks: []
questions_for_audit: []
END_DEV_COMPLETION_YAML`

const blockedReply = `BEGIN_DEV_COMPLETION_YAML
status: BLOCKED
files_changed: []
commands_run: []
results: "cannot reach the database"
questions_for_audit:
  • Which DSN should migrations use?
END_DEV_COMPLETION_YAML`

func testBatch() routing.ExecutionBatch {
	return routing.ExecutionBatch{
		Label:         "Batch 1",
		Agent:         routing.RoleConservativeFix,
		IncludesSteps: []int{1},
		Risk:          routing.RiskLow,
		Reviewers:     []routing.ReviewerRole{routing.ReviewerStrictGate},
		Verification:  []string{"go test ./..."},
	}
}

func TestParseCompletion(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		wantStatus Status
		wantErr    string
	}{
		{name: "done, status upper-cased", reply: doneReply, wantStatus: StatusDone},
		{name: "blocked with bullet glyph", reply: blockedReply, wantStatus: StatusBlocked},
		{name: "no block", reply: "I did it!", wantErr: "no BEGIN_DEV_COMPLETION_YAML"},
		{
			name:    "third status",
			reply:   CompletionBegin + "\nstatus: PARTIAL\n" + CompletionEnd,
			wantErr: `status "PARTIAL" is not DONE or BLOCKED`,
		},
		{
			name:    "missing status",
			reply:   CompletionBegin + "\nresults: x\n" + CompletionEnd,
			wantErr: "status is missing",
		},
		{
			name:    "questions while done",
			reply:   CompletionBegin + "\nstatus: DONE\nquestions_for_audit: [why?]\n" + CompletionEnd,
			wantErr: "questions_for_audit must be empty",
		},
		{
			name:    "bad yaml",
			reply:   CompletionBegin + "\nstatus: [DONE\n" + CompletionEnd,
			wantErr: "parsing completion YAML",
		},
		{
			name:       "last block wins over echoed template",
			reply:      CompletionShape + "\n\n" + doneReply,
			wantStatus: StatusDone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCompletion(tt.reply)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", c.Status, tt.wantStatus)
			}
		})
	}
}

func TestParseCompletion_Fields(t *testing.T) {
	c, err := ParseCompletion(blockedReply)
	if err != nil {
		t.Fatalf("ParseCompletion failed: %v", err)
	}
	if !c.Blocked() {
		t.Error("expected Blocked() to be true")
	}
	if len(c.QuestionsForAudit) != 1 || c.QuestionsForAudit[0] != "Which DSN should migrations use?" {
		t.Errorf("questions = %v", c.QuestionsForAudit)
	}
}

func TestBackendExecutor_FirstReplyValid(t *testing.T) {
	b := &scriptedBackend{responses: []any{doneReply}}
	e := NewBackendExecutor(routing.RoleConservativeFix, "", "claude", b, nil, nil)

	c, err := e.Invoke(context.Background(), testBatch(), BatchContext{
		Goal:                 "Add validation",
		StepTexts:            []string{"1. Add a validator"},
		AcceptanceCriteria:   []string{"invalid input returns 400"},
		VerificationCommands: []string{"go test ./..."},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if c.Status != StatusDone || len(c.FilesChanged) != 1 {
		t.Errorf("unexpected completion: %+v", c)
	}
	if b.CallCount() != 1 {
		t.Errorf("expected 1 call, got %d", b.CallCount())
	}

	prompt := b.prompts[0]
	for _, want := range []string{
		DefaultBriefs[routing.RoleConservativeFix],
		"Add validation",
		"1. Add a validator",
		"invalid input returns 400",
		"go test ./...",
		"Never ask the user anything",
		CompletionBegin,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBackendExecutor_ReasksOnce(t *testing.T) {
	b := &scriptedBackend{responses: []any{"done, trust me", blockedReply}}
	e := NewBackendExecutor(routing.RoleSchemaMigration, "", "codex", b, nil, nil)

	c, err := e.Invoke(context.Background(), testBatch(), BatchContext{})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !c.Blocked() {
		t.Errorf("expected BLOCKED completion to be returned as a result, got %+v", c)
	}
	if b.CallCount() != 2 {
		t.Fatalf("expected 2 calls, got %d", b.CallCount())
	}
	if !strings.Contains(b.prompts[1], "did not contain a valid completion block") {
		t.Errorf("second prompt is not a re-ask: %q", b.prompts[1])
	}
}

func TestBackendExecutor_MalformedTwice(t *testing.T) {
	b := &scriptedBackend{responses: []any{"nope", "still nope", doneReply}}
	e := NewBackendExecutor(routing.RoleHighAutonomy, "", "claude", b, nil, nil)

	_, err := e.Invoke(context.Background(), testBatch(), BatchContext{})
	if !errors.Is(err, ErrMalformedCompletion) {
		t.Fatalf("expected ErrMalformedCompletion, got %v", err)
	}
	if b.CallCount() != 2 {
		t.Errorf("expected exactly one re-ask (2 calls), got %d", b.CallCount())
	}
}

func TestBackendExecutor_TransportError(t *testing.T) {
	b := &scriptedBackend{responses: []any{errors.New("connection refused")}}
	e := NewBackendExecutor(routing.RolePerformance, "", "claude", b, nil, nil)

	_, err := e.Invoke(context.Background(), testBatch(), BatchContext{})
	if err == nil || errors.Is(err, ErrMalformedCompletion) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestBackendExecutor_RetriesTransportThroughResilient(t *testing.T) {
	b := &scriptedBackend{responses: []any{errors.New("flaky"), doneReply}}
	res := NewResilient(NewBreakers(nil), fastRetry())
	e := NewBackendExecutor(routing.RolePerformance, "", "claude", b, res, nil)

	if _, err := e.Invoke(context.Background(), testBatch(), BatchContext{}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
}

type stubExecutor struct {
	role  routing.Role
	calls int
}

func (s *stubExecutor) Role() routing.Role { return s.role }

func (s *stubExecutor) Invoke(ctx context.Context, batch routing.ExecutionBatch, bctx BatchContext) (DevCompletion, error) {
	s.calls++
	return DevCompletion{Status: StatusDone, Results: string(s.role)}, nil
}

func TestRegistry_RoutesByRole(t *testing.T) {
	fix := &stubExecutor{role: routing.RoleConservativeFix}
	perf := &stubExecutor{role: routing.RolePerformance}
	r := NewRegistry(nil, fix, perf)

	batch := testBatch()
	batch.Agent = routing.RolePerformance
	c, err := r.Invoke(context.Background(), batch, BatchContext{})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if c.Results != "performance" || perf.calls != 1 || fix.calls != 0 {
		t.Errorf("batch routed to the wrong executor: %+v", c)
	}

	batch.Agent = routing.RoleDeploymentGate
	if _, err := r.Invoke(context.Background(), batch, BatchContext{}); err == nil {
		t.Error("expected error for unregistered role")
	}
}

func TestRegistry_ExecutorOverrideCached(t *testing.T) {
	built := 0
	override := func(role routing.Role, provider string) (Executor, error) {
		built++
		if provider != "jules" {
			t.Errorf("override called with provider %q", provider)
		}
		return &stubExecutor{role: role}, nil
	}
	r := NewRegistry(override, &stubExecutor{role: routing.RoleConservativeFix})

	batch := testBatch()
	batch.Executor = "jules"
	for range 3 {
		if _, err := r.Invoke(context.Background(), batch, BatchContext{}); err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
	}
	if built != 1 {
		t.Errorf("override built %d executors, want 1", built)
	}
}

func TestFactory_RegistryCoversEveryRole(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Executors["performance"] = config.RoleConfig{Provider: "codex", Model: "gpt-5"}

	f := NewFactory(cfg, backend.NewProcessManager(), nil)
	r, err := f.Registry(t.TempDir())
	if err != nil {
		t.Fatalf("Registry failed: %v", err)
	}
	for _, role := range routing.Roles {
		if _, ok := r.executors[role]; !ok {
			t.Errorf("no executor for role %q", role)
		}
	}
	if e := r.executors[routing.RolePerformance].(*BackendExecutor); e.provider != "codex" {
		t.Errorf("performance provider = %q, want codex", e.provider)
	}

	if _, err := f.Executor(routing.RoleHighAutonomy, "missing", t.TempDir()); err == nil {
		t.Error("expected error for unknown provider override")
	}
}

type closingExecutor struct {
	stubExecutor
	closed int
	err    error
}

func (c *closingExecutor) Close() error {
	c.closed++
	return c.err
}

func TestRegistry_CloseReleasesExecutors(t *testing.T) {
	fix := &closingExecutor{stubExecutor: stubExecutor{role: routing.RoleConservativeFix}}
	perf := &closingExecutor{stubExecutor: stubExecutor{role: routing.RolePerformance}, err: errors.New("session gone")}
	var override *closingExecutor
	r := NewRegistry(func(role routing.Role, provider string) (Executor, error) {
		override = &closingExecutor{stubExecutor: stubExecutor{role: role}}
		return override, nil
	}, fix, perf, &stubExecutor{role: routing.RoleHighAutonomy})

	batch := testBatch()
	batch.Executor = "jules"
	if _, err := r.Invoke(context.Background(), batch, BatchContext{}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	err := r.Close()
	if err == nil || !strings.Contains(err.Error(), "session gone") {
		t.Errorf("expected joined close error, got %v", err)
	}
	if fix.closed != 1 || perf.closed != 1 || override.closed != 1 {
		t.Errorf("closed counts: fix=%d perf=%d override=%d", fix.closed, perf.closed, override.closed)
	}
}
