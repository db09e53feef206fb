package audit

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/gateway"
	"github.com/aristath/autopilot/internal/routing"
)

// Judge gives a reviewer a model's opinion on a submission.
type Judge interface {
	Judge(ctx context.Context, role routing.ReviewerRole, sub Submission) (Decision, error)
}

var judgeBriefs = map[routing.ReviewerRole]string{
	routing.ReviewerStrictGate: "You are a strict release gate. Accept the work only if the artifact proves every step " +
		"was done and every verification command was run. Missing evidence is a blocking issue.",
	routing.ReviewerZeroTrust: "You are a zero-trust auditor. Assume every claim in the artifact is false until the " +
		"evidence in it proves otherwise. Name each unproven claim as a blocking issue.",
}

// DecisionShape is the block a judge must end its reply with.
const DecisionShape = DecisionBegin + `
status: PASS                 # or FAIL
why: "one sentence"
blocking_issues: []          # required and non-empty when FAIL, empty when PASS
non_blocking: []
rerun_commands: []
questions_for_planner: []
recommended_next_step: accept_as_is  # or handoff_to_planner, or rerun_dev_batch:<label>
` + DecisionEnd

// BackendJudge asks a CLI agent backend for a decision.
type BackendJudge struct {
	provider string
	backend  backend.Backend
	res      *gateway.Resilient
	logger   *zap.Logger
}

// NewBackendJudge creates a judge. res and logger may be nil.
func NewBackendJudge(provider string, b backend.Backend, res *gateway.Resilient, logger *zap.Logger) *BackendJudge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackendJudge{
		provider: provider,
		backend:  b,
		res:      res,
		logger:   logger.Named("judge").With(zap.String("provider", provider)),
	}
}

// Close releases the backend.
func (j *BackendJudge) Close() error {
	return j.backend.Close()
}

// Judge implements Judge. A reply without a definitive decision resolves
// to FAIL; only transport failures are returned as errors.
func (j *BackendJudge) Judge(ctx context.Context, role routing.ReviewerRole, sub Submission) (Decision, error) {
	msg := backend.Message{Content: JudgePrompt(role, sub), Role: "user"}

	var (
		resp backend.Response
		err  error
	)
	if j.res != nil {
		resp, err = j.res.Send(ctx, j.provider, j.backend, msg)
	} else {
		resp, err = j.backend.Send(ctx, msg)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("asking %s judge: %w", role, err)
	}

	d := Resolve(role, resp.Content)
	j.logger.Debug("judge decided", zap.String("reviewer", string(role)), zap.String("status", string(d.Status)))
	return d, nil
}

// JudgePrompt renders the review request for role.
func JudgePrompt(role routing.ReviewerRole, sub Submission) string {
	var b strings.Builder
	b.WriteString(judgeBriefs[role])
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "TASK: %s\n", sub.Slug)
	if len(sub.AcceptanceCriteria) > 0 {
		b.WriteString("\nACCEPTANCE CRITERIA:\n")
		for _, c := range sub.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	b.WriteString("\nBATCHES:\n")
	for _, batch := range sub.Batches {
		fmt.Fprintf(&b, "- %s (%s, steps %v)", batch.Label, batch.Agent, batch.IncludesSteps)
		if len(batch.Verification) > 0 {
			fmt.Fprintf(&b, " verification: %s", strings.Join(batch.Verification, "; "))
		}
		b.WriteString("\n")
	}

	b.WriteString("\nARTIFACT:\n")
	if sub.ArtifactErr != nil {
		fmt.Fprintf(&b, "(the artifact could not be persisted: %v)\n", sub.ArtifactErr)
	}
	b.WriteString(sub.Artifact)

	b.WriteString(`

RULES:
- Decide PASS or FAIL. Anything else counts as FAIL.
- Never ask the user anything.

End your reply with exactly this block:
`)
	b.WriteString(DecisionShape)
	b.WriteString("\n")
	return b.String()
}
