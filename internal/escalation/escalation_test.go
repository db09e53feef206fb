package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/autopilot/internal/audit"
	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/routing"
)

func TestBudget_Sequence(t *testing.T) {
	b := NewBudget(Ceiling)
	assert.Equal(t, 0, b.Count())

	want := []struct {
		count     int
		exhausted bool
	}{
		{1, false},
		{2, false},
		{3, true},
	}
	for _, w := range want {
		count, exhausted := b.Fail()
		assert.Equal(t, w.count, count)
		assert.Equal(t, w.exhausted, exhausted, "after failure %d", w.count)
	}
	assert.Equal(t, 3, b.Count())
}

func TestBudget_DefaultCeiling(t *testing.T) {
	b := NewBudget(-1)
	b.Fail()
	_, exhausted := b.Fail()
	assert.False(t, exhausted)
	_, exhausted = b.Fail()
	assert.True(t, exhausted)
}

func TestFatalMessage(t *testing.T) {
	assert.Equal(t, "Execution stuck. 3 attempts failed.", FatalMessage)
}

func TestHandoff_RenderAudit(t *testing.T) {
	combined := audit.Combine(
		audit.Fail(routing.ReviewerStrictGate, "x", `batch "tests" is BLOCKED: which database?`),
		audit.Pass(routing.ReviewerZeroTrust, "ok"),
	)
	h := Handoff{
		Goal:        "Add request validation",
		Slug:        "add_request_validation",
		RetryCount:  1,
		PlanText:    "# Add request validation\n1. do it",
		RoutingText: "# Add request validation\n1. do it",
		Artifact:    "# artifact body",
		Audit:       &combined,
		Blocked:     []string{"which database?"},
	}

	out := h.Render()
	assert.Contains(t, out, "TASK: add_request_validation")
	assert.Contains(t, out, "ATTEMPT 1 of 3 FAILED: audit FAIL with 1 blocking issue(s)")
	assert.Contains(t, out, `- batch "tests" is BLOCKED: which database?`)
	assert.Contains(t, out, "BLOCKED EXECUTOR QUESTIONS:\n- which database?")
	assert.Contains(t, out, "REVIEWERS RECOMMEND: handoff_to_planner")
	assert.Contains(t, out, "PREVIOUS PLAN:\n# Add request validation")
	assert.NotContains(t, out, "PREVIOUS ROUTING", "identical routing text is not repeated")
	assert.Contains(t, out, "ARTIFACT (tail):\n# artifact body")
}

func TestHandoff_RenderCompileError(t *testing.T) {
	h := Handoff{Goal: "g", Slug: "s", RetryCount: 2, CompileErr: routing.ErrMissingMarkers}
	out := h.Render()
	assert.Contains(t, out, "ATTEMPT 2 of 3 FAILED: routing failed: missing routing block markers")
	assert.Contains(t, out, "ROUTING ERROR:\nmissing routing block markers")
	assert.NotContains(t, out, "NORMALIZED ROUTING BLOCK")
}

func TestHandoff_RenderInvalidRoutingSnippet(t *testing.T) {
	plan := "# Plan\n\n1. build\n\n" +
		routing.BeginMarker + "\n" +
		"execution_handoffs:\n" +
		"  \u2022 label: build\n" +
		"    includes_steps: [1\n" +
		routing.EndMarker + "\n"
	_, _, err := routing.Compile(plan, plan)
	var invalid *routing.InvalidRoutingError
	require.ErrorAs(t, err, &invalid)

	out := Handoff{Goal: "g", Slug: "s", RetryCount: 1, CompileErr: fmt.Errorf("attempt 1: %w", err)}.Render()
	assert.Contains(t, out, "ROUTING ERROR:\nattempt 1: invalid routing YAML")
	assert.Contains(t, out, "NORMALIZED ROUTING BLOCK:\n"+strings.TrimRight(invalid.NormalizedSnippet, "\n")+"\n")
	assert.Contains(t, out, "  - label: build")
}

func TestExcerpt(t *testing.T) {
	short := "short artifact"
	assert.Equal(t, short, Excerpt(short))

	long := strings.Repeat("line of artifact text\n", 1000) + "LAST LINE"
	ex := Excerpt(long)
	assert.True(t, strings.HasPrefix(ex, "[...]\n"))
	assert.True(t, strings.HasSuffix(ex, "LAST LINE"))
	assert.LessOrEqual(t, len(ex), excerptLimit+len("[...]\n"))
	assert.True(t, strings.HasPrefix(strings.TrimPrefix(ex, "[...]\n"), "line of"), "cut at a line boundary")
}

func TestRoutingExampleCompiles(t *testing.T) {
	plan := "# Example\n\n1. one\n2. two\n3. three\n\n" + RoutingExample
	_, batches, err := routing.Compile(plan, plan)
	require.NoError(t, err)
	assert.Len(t, batches, 2)
}

func TestPrompts(t *testing.T) {
	p := PlanPrompt("Add request validation")
	assert.Contains(t, p, "GOAL:\nAdd request validation")
	assert.Contains(t, p, routing.BeginMarker)
	assert.Contains(t, p, "conservative-fix, high-autonomy, deployment-gate, schema-migration, performance")
	assert.Contains(t, p, "Never ask the user anything")

	r := ReplanPrompt(Handoff{Goal: "g", Slug: "s", RetryCount: 1, CompileErr: errors.New("bad yaml")})
	assert.Contains(t, r, "routing failed: bad yaml")
	assert.Contains(t, r, routing.EndMarker)
}

type recordingBackend struct {
	prompts []string
	reply   string
	err     error
}

func (b *recordingBackend) Send(_ context.Context, msg backend.Message) (backend.Response, error) {
	b.prompts = append(b.prompts, msg.Content)
	return backend.Response{Content: b.reply}, b.err
}

func (b *recordingBackend) Close() error      { return nil }
func (b *recordingBackend) SessionID() string { return "" }

func TestBackendPlanner(t *testing.T) {
	b := &recordingBackend{reply: "# Plan\n1. x"}
	p := NewBackendPlanner("claude", b, nil, nil)

	out, err := p.Plan(context.Background(), "goal text")
	require.NoError(t, err)
	assert.Equal(t, "# Plan\n1. x", out)

	_, err = p.Replan(context.Background(), Handoff{Goal: "goal text", Slug: "plan", RetryCount: 1})
	require.NoError(t, err)
	require.Len(t, b.prompts, 2)
	assert.Contains(t, b.prompts[1], "The previous attempt failed")

	b.err = errors.New("boom")
	_, err = p.Plan(context.Background(), "goal text")
	assert.ErrorContains(t, err, "planning: boom")
}

func TestStaticPlanner(t *testing.T) {
	p := NewStaticPlanner("first", "second")
	ctx := context.Background()

	out, err := p.Plan(ctx, "goal")
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	out, err = p.Replan(ctx, Handoff{RetryCount: 1})
	require.NoError(t, err)
	assert.Equal(t, "second", out)

	out, err = p.Replan(ctx, Handoff{RetryCount: 2})
	require.NoError(t, err)
	assert.Equal(t, "second", out, "last reply repeats")
	assert.Len(t, p.Handoffs(), 2)

	_, err = NewStaticPlanner().Plan(ctx, "goal")
	assert.ErrorIs(t, err, ErrNoReplies)
}
