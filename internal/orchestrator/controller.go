// Package orchestrator runs the plan, dispatch, audit and escalate loop for
// a task, and supervises several independent tasks at once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/artifact"
	"github.com/aristath/autopilot/internal/audit"
	"github.com/aristath/autopilot/internal/escalation"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/gateway"
	"github.com/aristath/autopilot/internal/locks"
	"github.com/aristath/autopilot/internal/routing"
)

// ErrFatalStopped is returned when a task slug has already ended in
// FatalStop. Such a task is never retried automatically.
var ErrFatalStopped = errors.New("task is fatally stopped")

// State is a controller state.
type State string

const (
	StateRouting         State = "Routing"
	StateDispatching     State = "Dispatching"
	StateArtifactWriting State = "ArtifactWriting"
	StateAuditing        State = "Auditing"
	StateDeciding        State = "Deciding"
	StateEscalating      State = "Escalating"
	StateDone            State = "Done"
	StateFatalStop       State = "FatalStop"
	// StateFailed ends a run whose planner could not produce a plan.
	StateFailed State = "Failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFatalStop || s == StateFailed
}

// Request is one task handed to the controller.
type Request struct {
	Goal               string
	AcceptanceCriteria []string
	// Slug fixes the artifact namespace. When empty it is derived from the
	// first plan's title.
	Slug string
	// PlanText, when set, is used as the first plan instead of asking the
	// planner.
	PlanText string
	// RunID is generated when empty.
	RunID string
}

// RunState is the controller's view of a run in progress.
type RunState struct {
	RunID          string
	TaskSlug       string
	RetryCount     int
	CurrentPlan    routing.Plan
	CurrentRouting string
	Batches        []routing.ExecutionBatch
	BatchIndex     int
	LastAudit      *audit.Combined
	State          State
}

// Outcome is how a run ended.
type Outcome struct {
	RunID      string
	TaskSlug   string
	State      State
	RetryCount int
	Summary    artifact.Summary
	Message    string
	Ledger     []gateway.Record
	LastAudit  *audit.Combined
}

// Auditor evaluates a submission. *audit.Gate implements it.
type Auditor interface {
	Evaluate(ctx context.Context, sub audit.Submission) audit.Combined
}

// Config wires a Controller to its collaborators.
type Config struct {
	Planner escalation.Planner
	Gateway gateway.Gateway
	Auditor Auditor
	Store   artifact.Store
	// Bus receives run events. Optional.
	Bus *events.EventBus
	// SlugLocks serialises runs of the same slug. Optional.
	SlugLocks *locks.Keyed
	Logger    *zap.Logger
	// Providers restricts batch executor overrides to known providers.
	Providers []string
	// Ceiling is the highest retry count a run may continue at; zero
	// means escalation.Ceiling.
	Ceiling int
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Controller drives one run at a time through the state machine. It holds
// no per-run state, so one Controller can serve sequential runs.
type Controller struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a controller.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = escalation.Ceiling
	}
	return &Controller{cfg: cfg, logger: cfg.Logger.Named("controller")}
}

// run carries the mutable state of one Run call.
type run struct {
	req      Request
	st       RunState
	budget   *escalation.Budget
	started  time.Time
	progress strings.Builder
	logger   *zap.Logger
}

// Run executes req until it reaches Done, FatalStop or Failed. The returned
// error is reserved for runs that could not start (ErrFatalStopped, an
// invalid slug, an unreadable meta record) and for cancellation; every
// other failure is absorbed into the escalation cycle and reported in the
// Outcome.
func (c *Controller) Run(ctx context.Context, req Request) (Outcome, error) {
	r := &run{
		req:     req,
		budget:  escalation.NewBudget(c.cfg.Ceiling),
		started: c.cfg.Now(),
	}
	r.st.RunID = req.RunID
	if r.st.RunID == "" {
		r.st.RunID = uuid.NewString()
	}
	r.logger = c.logger.With(zap.String("run_id", r.st.RunID))

	if req.Slug != "" {
		if err := c.admit(ctx, r, req.Slug); err != nil {
			return c.refused(r, err)
		}
		defer c.release(req.Slug)
	}

	text := req.PlanText
	if text == "" {
		c.transition(r, StateRouting)
		var err error
		text, err = c.cfg.Planner.Plan(ctx, req.Goal)
		if err != nil {
			if ctx.Err() != nil {
				return c.outcome(r, nil), ctx.Err()
			}
			return c.fail(ctx, r, nil, fmt.Errorf("planning: %w", err)), nil
		}
	}

	if r.st.TaskSlug == "" {
		slug := slugFor(text, req.Goal)
		if err := c.admit(ctx, r, slug); err != nil {
			return c.refused(r, err)
		}
		defer c.release(slug)
	}

	c.emit(events.RunStartedEvent{Run: r.st.RunID, Slug: r.st.TaskSlug, Goal: req.Goal, Timestamp: c.cfg.Now()})
	c.writeMeta(ctx, r, artifact.StatusRunning, "")
	r.logger.Info("run started")

	for {
		ledger, handoff, passed, err := c.attempt(ctx, r, text)
		if err != nil {
			return c.outcome(r, ledger), err
		}
		if passed {
			return c.done(ctx, r, ledger), nil
		}

		c.transition(r, StateDeciding)
		count, exhausted := r.budget.Fail()
		r.st.RetryCount = count
		if exhausted {
			return c.fatalStop(ctx, r, ledger), nil
		}

		c.transition(r, StateEscalating)
		handoff.RetryCount = count
		c.note(ctx, r, "escalating: %s", handoff.Reason())
		c.emit(events.RunEscalatedEvent{
			Run: r.st.RunID, Slug: r.st.TaskSlug, RetryCount: count,
			Reason: handoff.Reason(), Timestamp: c.cfg.Now(),
		})
		c.writeMeta(ctx, r, artifact.StatusRunning, handoff.Reason())

		next, err := c.cfg.Planner.Replan(ctx, handoff)
		if err != nil {
			if ctx.Err() != nil {
				return c.outcome(r, ledger), ctx.Err()
			}
			return c.fail(ctx, r, ledger, fmt.Errorf("replanning: %w", err)), nil
		}
		if strings.TrimSpace(next) == strings.TrimSpace(text) {
			r.logger.Warn("planner returned the previous plan unchanged", zap.Int("retry_count", count))
		}
		text = next
	}
}

// attempt runs one Routing to Deciding cycle. It returns the handoff for
// the planner when the attempt failed.
func (c *Controller) attempt(ctx context.Context, r *run, text string) (ledger []gateway.Record, h escalation.Handoff, passed bool, err error) {
	c.transition(r, StateRouting)
	h = escalation.Handoff{
		Goal:        r.req.Goal,
		Slug:        r.st.TaskSlug,
		PlanText:    text,
		RoutingText: routingText(text),
	}

	opts := []routing.Option{routing.WithTitle(r.req.Goal)}
	if len(c.cfg.Providers) > 0 {
		opts = append(opts, routing.WithProviders(c.cfg.Providers...))
	}
	plan, batches, cerr := routing.Compile(text, text, opts...)
	routed := events.RoutingCompletedEvent{
		Run: r.st.RunID, Slug: r.st.TaskSlug, RetryCount: r.st.RetryCount, Timestamp: c.cfg.Now(),
	}
	if cerr != nil {
		routed.Err = cerr.Error()
		c.emit(routed)
		c.note(ctx, r, "routing failed: %v", cerr)
		r.logger.Warn("routing failed", zap.Error(cerr))
		h.CompileErr = cerr
		return nil, h, false, nil
	}
	for _, b := range batches {
		routed.Batches = append(routed.Batches, b.Label)
	}
	c.emit(routed)
	r.st.CurrentPlan = plan
	r.st.CurrentRouting = h.RoutingText
	r.st.Batches = batches
	c.note(ctx, r, "routed %d batch(es): %s", len(batches), strings.Join(routed.Batches, ", "))

	ledger = c.dispatch(ctx, r, plan, batches)
	if err := ctx.Err(); err != nil {
		return ledger, h, false, err
	}

	content, artErr := c.writeArtifact(ctx, r, plan, batches, ledger)
	h.Artifact = content

	c.transition(r, StateAuditing)
	started := c.cfg.Now()
	combined := c.cfg.Auditor.Evaluate(ctx, audit.Submission{
		Slug:               r.st.TaskSlug,
		Artifact:           content,
		ArtifactErr:        artErr,
		Plan:               plan,
		Batches:            batches,
		Ledger:             ledger,
		AcceptanceCriteria: r.req.AcceptanceCriteria,
	})
	if err := ctx.Err(); err != nil {
		return ledger, h, false, err
	}
	r.st.LastAudit = &combined
	h.Audit = &combined
	h.Blocked = blockedQuestions(ledger)

	if err := c.cfg.Store.WriteAudit(ctx, r.st.TaskSlug, artifact.RenderAudit(r.st.TaskSlug, combined, c.cfg.Now())); err != nil {
		r.logger.Error("writing audit record", zap.Error(err))
	}
	c.emit(events.AuditCompletedEvent{
		Run:            r.st.RunID,
		Slug:           r.st.TaskSlug,
		Status:         string(combined.Status),
		Primary:        string(combined.Primary.Status),
		Secondary:      string(combined.Secondary.Status),
		BlockingIssues: combined.BlockingIssues,
		Duration:       c.cfg.Now().Sub(started),
		Timestamp:      c.cfg.Now(),
	})
	c.note(ctx, r, "audit %s (primary %s, secondary %s, %d blocking issue(s))",
		combined.Status, combined.Primary.Status, combined.Secondary.Status, len(combined.BlockingIssues))

	return ledger, h, combined.Passed() && !anyBlocked(ledger), nil
}

// dispatch runs every batch in routing order, one at a time. A batch that
// cannot be executed is recorded as BLOCKED and the loop continues.
func (c *Controller) dispatch(ctx context.Context, r *run, plan routing.Plan, batches []routing.ExecutionBatch) []gateway.Record {
	ledger := make([]gateway.Record, 0, len(batches))
	for i, batch := range batches {
		if ctx.Err() != nil {
			break
		}
		r.st.BatchIndex = i
		c.transition(r, StateDispatching)
		c.emit(events.BatchDispatchedEvent{
			Run: r.st.RunID, Label: batch.Label, Index: i, Total: len(batches),
			Agent: string(batch.Agent), Timestamp: c.cfg.Now(),
		})
		c.note(ctx, r, "batch %s dispatched to %s", batch.Label, batch.Agent)

		started := c.cfg.Now()
		rec := gateway.Record{Batch: batch}
		completion, err := c.cfg.Gateway.Invoke(ctx, batch, gateway.BatchContext{
			Goal:                 r.req.Goal,
			StepTexts:            stepTexts(plan, batch),
			AcceptanceCriteria:   r.req.AcceptanceCriteria,
			VerificationCommands: batch.Verification,
			RetryCount:           r.st.RetryCount,
		})
		if err != nil {
			r.logger.Warn("executor failed", zap.String("batch", batch.Label), zap.Error(err))
			completion = gateway.BlockedBy(err)
			rec.Err = err.Error()
		}
		rec.Completion = completion
		ledger = append(ledger, rec)

		c.emit(events.BatchCompletedEvent{
			Run: r.st.RunID, Label: batch.Label, Agent: string(batch.Agent),
			Status: string(completion.Status), FilesChanged: completion.FilesChanged,
			Err: rec.Err, Duration: c.cfg.Now().Sub(started), Timestamp: c.cfg.Now(),
		})
		c.note(ctx, r, "batch %s %s", batch.Label, completion.Status)
	}
	return ledger
}

// writeArtifact persists the task document and reads it back. When either
// step fails a placeholder stating the failure is written instead and the
// error is returned alongside it.
func (c *Controller) writeArtifact(ctx context.Context, r *run, plan routing.Plan, batches []routing.ExecutionBatch, ledger []gateway.Record) (string, error) {
	c.transition(r, StateArtifactWriting)
	slug := r.st.TaskSlug

	content, err := artifact.RenderTask(artifact.TaskDoc{
		Slug:               slug,
		RunID:              r.st.RunID,
		Goal:               r.req.Goal,
		AcceptanceCriteria: r.req.AcceptanceCriteria,
		RetryCount:         r.st.RetryCount,
		Plan:               plan,
		Batches:            batches,
		Ledger:             ledger,
		Generated:          c.cfg.Now(),
	})
	if err == nil {
		err = c.cfg.Store.WriteTask(ctx, slug, content)
	}
	if err == nil {
		content, err = c.cfg.Store.ReadTask(ctx, slug)
	}
	if err == nil {
		c.emit(events.ArtifactWrittenEvent{Run: r.st.RunID, Slug: slug, Timestamp: c.cfg.Now()})
		return content, nil
	}

	r.logger.Error("artifact write failed", zap.Error(err))
	c.note(ctx, r, "artifact write failed: %v", err)
	placeholder := artifact.Placeholder(slug, r.st.RunID, r.st.RetryCount, err, c.cfg.Now())
	if perr := c.cfg.Store.WriteTask(ctx, slug, placeholder); perr != nil {
		r.logger.Error("placeholder write failed", zap.Error(perr))
	}
	c.emit(events.ArtifactWrittenEvent{Run: r.st.RunID, Slug: slug, Placeholder: true, Timestamp: c.cfg.Now()})
	return placeholder, fmt.Errorf("task artifact: %w", err)
}

// admit fixes the run's slug, takes the slug lock and refuses slugs that
// have already ended in FatalStop.
func (c *Controller) admit(ctx context.Context, r *run, slug string) error {
	if err := artifact.ValidSlug(slug); err != nil {
		return err
	}
	r.st.TaskSlug = slug
	r.logger = r.logger.With(zap.String("task_slug", slug))
	if c.cfg.SlugLocks != nil {
		c.cfg.SlugLocks.Lock(slug)
	}

	meta, err := c.cfg.Store.ReadMeta(ctx, slug)
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		return nil
	case err != nil:
		c.release(slug)
		return fmt.Errorf("reading meta for %s: %w", slug, err)
	case meta.Status == artifact.StatusFatalStop:
		c.release(slug)
		r.st.RetryCount = meta.RetryCount
		r.st.State = StateFatalStop
		return fmt.Errorf("%w: %s (run %s): %s", ErrFatalStopped, slug, meta.RunID, meta.Message)
	}
	return nil
}

func (c *Controller) release(slug string) {
	if c.cfg.SlugLocks != nil {
		c.cfg.SlugLocks.Unlock(slug)
	}
}

func (c *Controller) refused(r *run, err error) (Outcome, error) {
	r.logger.Warn("run refused", zap.Error(err))
	out := c.outcome(r, nil)
	if errors.Is(err, ErrFatalStopped) {
		out.Message = escalation.FatalMessage
	}
	return out, err
}

func (c *Controller) done(ctx context.Context, r *run, ledger []gateway.Record) Outcome {
	c.transition(r, StateDone)
	out := c.outcome(r, ledger)
	out.Message = fmt.Sprintf("Audit passed after %d retr%s.", r.st.RetryCount, plural(r.st.RetryCount, "y", "ies"))
	sum := out.Summary
	c.note(ctx, r, "changed files: %s", joinOrNone(sum.ChangedFiles))
	c.note(ctx, r, "verification commands: %s", joinOrNone(sum.VerificationCommands))
	c.note(ctx, r, "manual checks: %s", joinOrNone(sum.ManualChecks))
	r.logger.Info("run summary",
		zap.Strings("changed_files", sum.ChangedFiles),
		zap.Strings("verification_commands", sum.VerificationCommands),
		zap.Strings("manual_checks", sum.ManualChecks))
	c.finish(ctx, r, artifact.StatusPassed, out)
	return out
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

func (c *Controller) fatalStop(ctx context.Context, r *run, ledger []gateway.Record) Outcome {
	c.transition(r, StateFatalStop)
	out := c.outcome(r, ledger)
	out.Message = escalation.FatalMessage
	r.logger.Error(escalation.FatalMessage, zap.Int("retry_count", r.st.RetryCount))
	c.finish(ctx, r, artifact.StatusFatalStop, out)
	return out
}

func (c *Controller) fail(ctx context.Context, r *run, ledger []gateway.Record, err error) Outcome {
	c.transition(r, StateFailed)
	out := c.outcome(r, ledger)
	out.Message = err.Error()
	r.logger.Error("run failed", zap.Error(err))
	c.finish(ctx, r, artifact.StatusFailed, out)
	return out
}

func (c *Controller) finish(ctx context.Context, r *run, status artifact.Status, out Outcome) {
	c.note(ctx, r, "%s: %s", out.State, out.Message)
	c.writeMeta(ctx, r, status, out.Message)
	c.emit(events.RunFinishedEvent{
		Run: r.st.RunID, Slug: r.st.TaskSlug, State: string(out.State),
		RetryCount: out.RetryCount, Message: out.Message,
		Duration: c.cfg.Now().Sub(r.started), Timestamp: c.cfg.Now(),
	})
	r.logger.Info("run finished", zap.String("state", string(out.State)), zap.Int("retry_count", out.RetryCount))
}

func (c *Controller) outcome(r *run, ledger []gateway.Record) Outcome {
	return Outcome{
		RunID:      r.st.RunID,
		TaskSlug:   r.st.TaskSlug,
		State:      r.st.State,
		RetryCount: r.st.RetryCount,
		Summary:    artifact.Summarize(ledger),
		Ledger:     ledger,
		LastAudit:  r.st.LastAudit,
	}
}

func (c *Controller) transition(r *run, s State) {
	r.st.State = s
	r.logger.Debug("state", zap.String("state", string(s)),
		zap.Int("retry_count", r.st.RetryCount), zap.Int("batch_index", r.st.BatchIndex))
}

// writeMeta records the task's status. A failure is logged; the meta
// record never decides the outcome of the run itself.
func (c *Controller) writeMeta(ctx context.Context, r *run, status artifact.Status, message string) {
	if r.st.TaskSlug == "" {
		return
	}
	err := c.cfg.Store.WriteMeta(ctx, artifact.Meta{
		Slug:       r.st.TaskSlug,
		Status:     status,
		RetryCount: r.st.RetryCount,
		RunID:      r.st.RunID,
		Goal:       r.req.Goal,
		Message:    message,
	})
	if err != nil {
		r.logger.Error("writing meta record", zap.Error(err))
	}
}

// note appends a line to the run's progress log and persists the log.
func (c *Controller) note(ctx context.Context, r *run, format string, args ...any) {
	if r.st.TaskSlug == "" {
		return
	}
	fmt.Fprintf(&r.progress, "- %s [%s] retry=%d %s\n",
		c.cfg.Now().UTC().Format(time.RFC3339), r.st.State, r.st.RetryCount, fmt.Sprintf(format, args...))
	if err := c.cfg.Store.WriteProgress(ctx, r.st.TaskSlug, r.progress.String()); err != nil {
		r.logger.Warn("writing progress log", zap.Error(err))
	}
}

func (c *Controller) emit(e events.Event) {
	if c.cfg.Bus != nil {
		c.cfg.Bus.Emit(e)
	}
}

// slugFor derives the artifact namespace from the plan's title, falling
// back to the goal when the plan cannot be parsed.
func slugFor(text, goal string) string {
	if plan, err := routing.ParsePlan(text, goal); err == nil && plan.Title != "" {
		return routing.Slug(plan.Title)
	}
	return routing.Slug(goal)
}

// routingText returns the routing block of text with its markers, or text
// itself when it has none.
func routingText(text string) string {
	block, err := routing.ExtractRouting(text)
	if err != nil {
		return text
	}
	return routing.BeginMarker + "\n" + block + "\n" + routing.EndMarker
}

func stepTexts(plan routing.Plan, batch routing.ExecutionBatch) []string {
	texts := make([]string, 0, len(batch.IncludesSteps))
	for _, i := range batch.IncludesSteps {
		if s, ok := plan.Step(i); ok {
			texts = append(texts, fmt.Sprintf("%d. %s", s.Index, s.Description))
		}
	}
	return texts
}

func anyBlocked(ledger []gateway.Record) bool {
	for _, rec := range ledger {
		if rec.Completion.Blocked() {
			return true
		}
	}
	return false
}

func blockedQuestions(ledger []gateway.Record) []string {
	var qs []string
	for _, rec := range ledger {
		if !rec.Completion.Blocked() {
			continue
		}
		if len(rec.Completion.QuestionsForAudit) == 0 {
			qs = append(qs, fmt.Sprintf("%s: blocked without a question", rec.Batch.Label))
		}
		for _, q := range rec.Completion.QuestionsForAudit {
			qs = append(qs, fmt.Sprintf("%s: %s", rec.Batch.Label, q))
		}
	}
	return qs
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
