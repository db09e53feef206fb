package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/gateway"
	"github.com/aristath/autopilot/internal/routing"
)

// Planner produces a plan with its routing block, first from a goal and
// later from a failed attempt's handoff. The reply is the planner's full
// text; the routing block is found inside it.
type Planner interface {
	Plan(ctx context.Context, goal string) (string, error)
	Replan(ctx context.Context, h Handoff) (string, error)
}

// RoutingExample is the routing block planners are shown.
const RoutingExample = routing.BeginMarker + `
execution_handoffs:
  - label: "Batch 1"
    agent: "conservative-fix"
    includes_steps: [1, 2]
    risk: low
    reviewers: ["strict-gate", "zero-trust"]
    verification:
      - "go test ./..."
  - label: "Batch 2"
    agent: "high-autonomy"
    includes_steps: [3]
    reviewers: ["strict-gate", "zero-trust"]
    verification:
      - "go test ./..."
    depends_on: ["Batch 1"]
` + routing.EndMarker

// PlanPrompt renders the request for a first plan.
func PlanPrompt(goal string) string {
	var b strings.Builder
	b.WriteString("You are the planner. Break the goal below into numbered steps and route them to executors.\n\n")
	fmt.Fprintf(&b, "GOAL:\n%s\n\n", goal)
	writeInstructions(&b)
	return b.String()
}

// ReplanPrompt renders the request for a revised plan after a failure.
func ReplanPrompt(h Handoff) string {
	var b strings.Builder
	b.WriteString("You are the planner. The previous attempt failed. Revise the plan so the next attempt passes audit.\n\n")
	b.WriteString(h.Render())
	b.WriteString("\n")
	writeInstructions(&b)
	return b.String()
}

func writeInstructions(b *strings.Builder) {
	roles := make([]string, len(routing.Roles))
	for i, r := range routing.Roles {
		roles[i] = string(r)
	}

	b.WriteString(`Return:
1) A markdown title line ("# ...") and a numbered plan (1. ... 2. ...).
2) A routing block between the markers, exactly like this example:

`)
	b.WriteString(RoutingExample)
	fmt.Fprintf(b, `

RULES:
- agent must be one of: %s.
- reviewers must be strict-gate and/or zero-trust.
- Every step must be in includes_steps of some batch, and batches run in the order listed.
- verification commands must be non-interactive and safe to run twice.
- Never ask the user anything. If something is unknown, decide and record the assumption in the plan.
- Without both markers the task fails automatically.
`, strings.Join(roles, ", "))
}

// BackendPlanner plans by prompting a CLI agent backend.
type BackendPlanner struct {
	provider string
	backend  backend.Backend
	res      *gateway.Resilient
	logger   *zap.Logger
}

// NewBackendPlanner creates a planner. res and logger may be nil.
func NewBackendPlanner(provider string, b backend.Backend, res *gateway.Resilient, logger *zap.Logger) *BackendPlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackendPlanner{
		provider: provider,
		backend:  b,
		res:      res,
		logger:   logger.Named("planner").With(zap.String("provider", provider)),
	}
}

// Close releases the backend.
func (p *BackendPlanner) Close() error {
	return p.backend.Close()
}

// Plan implements Planner.
func (p *BackendPlanner) Plan(ctx context.Context, goal string) (string, error) {
	reply, err := p.send(ctx, PlanPrompt(goal))
	if err != nil {
		return "", fmt.Errorf("planning: %w", err)
	}
	return reply, nil
}

// Replan implements Planner.
func (p *BackendPlanner) Replan(ctx context.Context, h Handoff) (string, error) {
	p.logger.Info("replanning", zap.String("slug", h.Slug), zap.Int("retry_count", h.RetryCount), zap.String("reason", h.Reason()))
	reply, err := p.send(ctx, ReplanPrompt(h))
	if err != nil {
		return "", fmt.Errorf("replanning %q: %w", h.Slug, err)
	}
	return reply, nil
}

func (p *BackendPlanner) send(ctx context.Context, prompt string) (string, error) {
	msg := backend.Message{Content: prompt, Role: "user"}

	var (
		resp backend.Response
		err  error
	)
	if p.res != nil {
		resp, err = p.res.Send(ctx, p.provider, p.backend, msg)
	} else {
		resp, err = p.backend.Send(ctx, msg)
	}
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// ErrNoReplies is returned by a StaticPlanner that has run out of replies.
var ErrNoReplies = errors.New("static planner has no replies left")

// StaticPlanner returns fixed replies in order: the first for Plan, the
// rest for each Replan. Once only one reply is left it is repeated.
type StaticPlanner struct {
	mu       sync.Mutex
	replies  []string
	next     int
	handoffs []Handoff
}

// NewStaticPlanner creates a planner that answers with replies.
func NewStaticPlanner(replies ...string) *StaticPlanner {
	return &StaticPlanner{replies: replies}
}

// Plan implements Planner.
func (p *StaticPlanner) Plan(ctx context.Context, _ string) (string, error) {
	return p.reply(ctx)
}

// Replan implements Planner.
func (p *StaticPlanner) Replan(ctx context.Context, h Handoff) (string, error) {
	p.mu.Lock()
	p.handoffs = append(p.handoffs, h)
	p.mu.Unlock()
	return p.reply(ctx)
}

// Handoffs returns every handoff received so far.
func (p *StaticPlanner) Handoffs() []Handoff {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Handoff(nil), p.handoffs...)
}

func (p *StaticPlanner) reply(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.replies) == 0 {
		return "", ErrNoReplies
	}
	i := p.next
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	p.next++
	return p.replies[i], nil
}
