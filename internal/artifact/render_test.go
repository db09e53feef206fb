package artifact

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/autopilot/internal/audit"
	"github.com/aristath/autopilot/internal/gateway"
	"github.com/aristath/autopilot/internal/routing"
)

func sampleDoc() TaskDoc {
	build := routing.ExecutionBatch{
		Label: "build", Agent: routing.RoleConservativeFix, IncludesSteps: []int{1, 2},
		Risk: routing.RiskLow, Verification: []string{"go build ./..."},
	}
	tests := routing.ExecutionBatch{
		Label: "tests", Agent: routing.RoleHighAutonomy, IncludesSteps: []int{3},
		Risk: routing.RiskMedium, Verification: []string{"go test ./..."}, DependsOn: []string{"build"},
	}
	return TaskDoc{
		Slug:       "add_validation",
		RunID:      "run-1",
		Goal:       "Add request validation",
		RetryCount: 1,

		AcceptanceCriteria: []string{"invalid requests get a 400"},
		Plan: routing.Plan{Title: "Add validation", Steps: []routing.Step{
			{Index: 1, Description: "Add a validator"},
			{Index: 2, Description: "Wire it in"},
			{Index: 3, Description: "Test it"},
		}},
		Batches: []routing.ExecutionBatch{build, tests},
		Ledger: []gateway.Record{
			{Batch: build, Completion: gateway.DevCompletion{
				Status:         gateway.StatusDone,
				FilesChanged:   []string{"internal/api/validate.go"},
				CommandsRun:    []string{"go build ./..."},
				Results:        "builds",
				RemainingRisks: []string{"check the error messages by hand"},
			}},
			{Batch: tests, Completion: gateway.BlockedBy(errors.New("executor timed out")), Err: "executor timed out"},
		},
		Generated: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRenderTask(t *testing.T) {
	out, err := RenderTask(sampleDoc())
	require.NoError(t, err)

	h, body, err := ParseFrontMatter(out)
	require.NoError(t, err)
	assert.Equal(t, "add_validation", h.Slug)
	assert.Equal(t, "run-1", h.RunID)
	assert.Equal(t, 1, h.RetryCount)
	assert.False(t, h.Placeholder)
	assert.True(t, h.Generated.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	for _, want := range []string{
		"# Add validation\n",
		"## Goal\n\nAdd request validation\n",
		"## Acceptance criteria\n\n- invalid requests get a 400\n",
		"- [x] 1. Add a validator\n",
		"- [x] 2. Wire it in\n",
		"- [ ] 3. Test it\n",
		"### build\n",
		"- verification: `go build ./...`\n",
		"- files changed: `internal/api/validate.go`\n",
		"### tests\n",
		"- depends on: build\n",
		"- status: BLOCKED\n",
		"- error: executor timed out\n",
		"### Changed files\n\n- internal/api/validate.go\n",
		"### Manual checks\n\n- check the error messages by hand\n",
	} {
		assert.Contains(t, body, want)
	}
}

func TestRenderTask_BatchNotRun(t *testing.T) {
	doc := sampleDoc()
	doc.Ledger = doc.Ledger[:1]
	out, err := RenderTask(doc)
	require.NoError(t, err)
	assert.Contains(t, out, "### tests\n\n- agent: high-autonomy\n- steps: 3\n- risk: medium\n- depends on: build\n- verification: `go test ./...`\n- status: NOT RUN\n")
}

func TestSummarize(t *testing.T) {
	doc := sampleDoc()
	doc.Ledger = append(doc.Ledger, doc.Ledger[0])
	s := Summarize(doc.Ledger)
	assert.Equal(t, []string{"internal/api/validate.go"}, s.ChangedFiles)
	assert.Equal(t, []string{"go build ./...", "go test ./..."}, s.VerificationCommands)
	assert.Equal(t, []string{"check the error messages by hand"}, s.ManualChecks)
}

func TestRenderAudit(t *testing.T) {
	c := audit.Combine(
		audit.Pass(routing.ReviewerStrictGate, "evidence present"),
		audit.Fail(routing.ReviewerZeroTrust, "rerun failed", `batch "tests": verification command "go test ./..." failed (exit=1): FAIL`),
	)
	out := RenderAudit("add_validation", c, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	assert.True(t, strings.HasPrefix(out, "# Audit: add_validation\n"))
	assert.Contains(t, out, "Status: FAIL\n")
	assert.Contains(t, out, "Recommended next step: handoff_to_planner\n")
	assert.Contains(t, out, "### Blocking Issues\n\n- batch \"tests\"")
	assert.Contains(t, out, "### Non-Blocking\n\nNone\n")
	assert.Contains(t, out, "## Reviewer strict-gate\n\nStatus: PASS\nWhy: evidence present\n")
	assert.Contains(t, out, "## Reviewer zero-trust\n\nStatus: FAIL\n")
	assert.Contains(t, out, "2026-03-01T12:00:00Z")
}

func TestPlaceholder(t *testing.T) {
	out := Placeholder("add_validation", "run-1", 2, errors.New("disk full"), time.Now())
	h, body, err := ParseFrontMatter(out)
	require.NoError(t, err)
	assert.True(t, h.Placeholder)
	assert.Equal(t, 2, h.RetryCount)
	assert.Contains(t, body, "\n\nartifact write failed: disk full\n")
}

func TestParseFrontMatter_Errors(t *testing.T) {
	_, _, err := ParseFrontMatter("# no header")
	assert.ErrorIs(t, err, ErrMissingFrontMatter)

	_, _, err = ParseFrontMatter("---\nautopilot:\n  slug: x\n")
	assert.ErrorIs(t, err, ErrMalformedFrontMatter)

	_, _, err = ParseFrontMatter("---\nother: 1\n---\nbody")
	assert.ErrorIs(t, err, ErrMalformedFrontMatter)

	_, err = WriteFrontMatter(Header{}, "body")
	assert.Error(t, err)
}
