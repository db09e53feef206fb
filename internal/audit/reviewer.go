// Package audit decides whether the evidence a run produced is good enough
// to accept. Two reviewers look at every run, a strict gate that reads the
// persisted artifact and a zero-trust reviewer that checks it against the
// workspace, and their verdicts are combined into one.
package audit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/cmdexec"
	"github.com/aristath/autopilot/internal/gateway"
	"github.com/aristath/autopilot/internal/routing"
	"github.com/aristath/autopilot/internal/workspace"
)

// Submission is everything a reviewer may look at.
type Submission struct {
	Slug string
	// Artifact is the task document as read back from the store.
	Artifact string
	// ArtifactErr is set when the store could not persist or return the
	// task document; Artifact then holds a placeholder.
	ArtifactErr        error
	Plan               routing.Plan
	Batches            []routing.ExecutionBatch
	Ledger             []gateway.Record
	AcceptanceCriteria []string
}

func (s Submission) record(label string) (gateway.Record, bool) {
	for _, r := range s.Ledger {
		if r.Batch.Label == label {
			return r, true
		}
	}
	return gateway.Record{}, false
}

// Reviewer examines a submission and returns a decision.
type Reviewer interface {
	Role() routing.ReviewerRole
	Review(ctx context.Context, sub Submission) (Decision, error)
}

// Findings is what one check found. Batches names the labels the blocking
// issues are about, if they are about specific batches.
type Findings struct {
	Blocking    []string
	NonBlocking []string
	Rerun       []string
	Questions   []string
	Batches     []string
	Global      bool // a blocking issue not tied to one batch
}

func (f *Findings) block(label, format string, args ...any) {
	f.Blocking = append(f.Blocking, fmt.Sprintf(format, args...))
	switch {
	case label == "":
		f.Global = true
	case !slices.Contains(f.Batches, label):
		f.Batches = append(f.Batches, label)
	}
}

func (f *Findings) merge(o Findings) {
	f.Blocking = append(f.Blocking, o.Blocking...)
	f.NonBlocking = append(f.NonBlocking, o.NonBlocking...)
	f.Rerun = append(f.Rerun, o.Rerun...)
	f.Questions = append(f.Questions, o.Questions...)
	for _, l := range o.Batches {
		if !slices.Contains(f.Batches, l) {
			f.Batches = append(f.Batches, l)
		}
	}
	f.Global = f.Global || o.Global
}

// Check is one deterministic audit rule.
type Check struct {
	Name string
	Run  func(ctx context.Context, sub Submission) (Findings, error)
}

// RuleReviewer runs its checks in order and, when configured, asks a judge
// backend for a second opinion. Either can fail the review.
type RuleReviewer struct {
	role   routing.ReviewerRole
	checks []Check
	judge  Judge
	logger *zap.Logger
}

// NewRuleReviewer creates a reviewer from explicit checks. judge and
// logger may be nil.
func NewRuleReviewer(role routing.ReviewerRole, judge Judge, logger *zap.Logger, checks ...Check) *RuleReviewer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleReviewer{
		role:   role,
		checks: checks,
		judge:  judge,
		logger: logger.Named("audit").With(zap.String("reviewer", string(role))),
	}
}

// NewStrictGate creates the primary reviewer. It trusts nothing but the
// persisted artifact and the completions in the ledger.
func NewStrictGate(judge Judge, logger *zap.Logger) *RuleReviewer {
	return NewRuleReviewer(routing.ReviewerStrictGate, judge, logger,
		ArtifactPersisted(),
		AllBatchesDone(),
		VerificationEvidenced(),
		ArtifactCoversBatches(),
	)
}

// NewZeroTrust creates the secondary reviewer. runner re-executes the
// verification commands and insp checks claimed files; either may be nil
// to skip that check.
func NewZeroTrust(runner *cmdexec.Runner, insp *workspace.Inspector, judge Judge, logger *zap.Logger) *RuleReviewer {
	checks := []Check{ArtifactPersisted(), AllBatchesDone()}
	if runner != nil {
		checks = append(checks, VerificationReruns(runner))
	}
	if insp != nil {
		checks = append(checks, FilesEvidenced(insp))
	}
	return NewRuleReviewer(routing.ReviewerZeroTrust, judge, logger, checks...)
}

// Role implements Reviewer.
func (r *RuleReviewer) Role() routing.ReviewerRole {
	return r.role
}

// Review implements Reviewer. An error means the review itself could not
// be carried out.
func (r *RuleReviewer) Review(ctx context.Context, sub Submission) (Decision, error) {
	var all Findings
	for _, c := range r.checks {
		f, err := c.Run(ctx, sub)
		if err != nil {
			return Decision{}, fmt.Errorf("%s check %q: %w", r.role, c.Name, err)
		}
		if len(f.Blocking) > 0 {
			r.logger.Debug("check found blocking issues", zap.String("check", c.Name), zap.Strings("issues", f.Blocking))
		}
		all.merge(f)
	}

	var verdict *Decision
	if r.judge != nil {
		d, err := r.judge.Judge(ctx, r.role, sub)
		if err != nil {
			return Decision{}, fmt.Errorf("%s judge: %w", r.role, err)
		}
		verdict = &d
		all.NonBlocking = append(all.NonBlocking, d.NonBlocking...)
		all.Rerun = append(all.Rerun, d.RerunCommands...)
		all.Questions = append(all.Questions, d.QuestionsForPlanner...)
		if !d.Passed() {
			all.Blocking = append(all.Blocking, d.BlockingIssues...)
		}
	}

	if len(all.Blocking) == 0 {
		d := Pass(r.role, "all checks passed")
		if verdict != nil && verdict.Why != "" {
			d.Why = verdict.Why
		}
		d.NonBlocking = union(all.NonBlocking, nil)
		d.RerunCommands = union(all.Rerun, nil)
		d.QuestionsForPlanner = union(all.Questions, nil)
		return d, nil
	}

	d := Fail(r.role, fmt.Sprintf("%d blocking issue(s)", len(all.Blocking)), union(all.Blocking, nil)...)
	d.NonBlocking = union(all.NonBlocking, nil)
	d.RerunCommands = union(all.Rerun, nil)
	d.QuestionsForPlanner = union(all.Questions, nil)
	switch {
	case verdict != nil && !verdict.Passed():
		d.RecommendedNextStep = verdict.RecommendedNextStep
		if verdict.Why != "" {
			d.Why = verdict.Why
		}
	case !all.Global && len(all.Batches) == 1:
		d.RecommendedNextStep = RerunBatch(all.Batches[0])
	}
	return d, nil
}

// ArtifactPersisted fails when the task document is missing or is only a
// placeholder.
func ArtifactPersisted() Check {
	return Check{Name: "artifact-persisted", Run: func(_ context.Context, sub Submission) (Findings, error) {
		var f Findings
		switch {
		case sub.ArtifactErr != nil:
			f.block("", "task artifact for %q was not persisted: %v", sub.Slug, sub.ArtifactErr)
		case strings.TrimSpace(sub.Artifact) == "":
			f.block("", "task artifact for %q is empty", sub.Slug)
		}
		return f, nil
	}}
}

// AllBatchesDone fails for every batch that is BLOCKED or never reported.
func AllBatchesDone() Check {
	return Check{Name: "all-batches-done", Run: func(_ context.Context, sub Submission) (Findings, error) {
		var f Findings
		for _, b := range sub.Batches {
			rec, ok := sub.record(b.Label)
			if !ok {
				f.block(b.Label, "batch %q has no completion", b.Label)
				continue
			}
			if rec.Completion.Blocked() {
				reason := strings.Join(rec.Completion.QuestionsForAudit, "; ")
				if reason == "" {
					reason = rec.Completion.Results
				}
				f.block(b.Label, "batch %q is BLOCKED: %s", b.Label, reason)
				f.Questions = append(f.Questions, rec.Completion.QuestionsForAudit...)
			}
		}
		return f, nil
	}}
}

// VerificationEvidenced fails when a DONE batch does not report running one
// of its verification commands.
func VerificationEvidenced() Check {
	return Check{Name: "verification-evidenced", Run: func(_ context.Context, sub Submission) (Findings, error) {
		var f Findings
		for _, b := range sub.Batches {
			rec, ok := sub.record(b.Label)
			if !ok || rec.Completion.Blocked() {
				continue
			}
			for _, cmd := range b.Verification {
				if !ranCommand(rec.Completion.CommandsRun, cmd) {
					f.block(b.Label, "batch %q: verification command %q has no evidence in commands_run", b.Label, cmd)
				}
			}
		}
		return f, nil
	}}
}

// ArtifactCoversBatches fails when the persisted artifact does not mention
// a batch, which means the ledger was not written out in full.
func ArtifactCoversBatches() Check {
	return Check{Name: "artifact-covers-batches", Run: func(_ context.Context, sub Submission) (Findings, error) {
		var f Findings
		if sub.ArtifactErr != nil {
			return f, nil
		}
		for _, b := range sub.Batches {
			if !strings.Contains(sub.Artifact, b.Label) {
				f.block(b.Label, "task artifact does not record batch %q", b.Label)
			}
		}
		return f, nil
	}}
}

// VerificationReruns executes every DONE batch's verification commands.
// Identical commands run once per review.
func VerificationReruns(runner *cmdexec.Runner) Check {
	return Check{Name: "verification-reruns", Run: func(ctx context.Context, sub Submission) (Findings, error) {
		var f Findings
		type outcome struct {
			res cmdexec.Result
			err error
		}
		seen := make(map[string]outcome)

		for _, b := range sub.Batches {
			rec, ok := sub.record(b.Label)
			if !ok || rec.Completion.Blocked() {
				continue
			}
			for _, cmd := range b.Verification {
				o, done := seen[cmd]
				if !done {
					res, err := runner.Run(ctx, cmd)
					if err != nil && ctx.Err() != nil {
						return Findings{}, ctx.Err()
					}
					o = outcome{res: res, err: err}
					seen[cmd] = o
					f.Rerun = append(f.Rerun, cmd)
				}

				switch {
				case errors.Is(o.err, cmdexec.ErrRefused):
					f.block(b.Label, "batch %q: verification command %q refused as destructive", b.Label, cmd)
				case o.err != nil:
					f.block(b.Label, "batch %q: verification command %q could not run: %v", b.Label, cmd, o.err)
				case o.res.TimedOut:
					f.block(b.Label, "batch %q: verification command %q timed out after %s", b.Label, cmd, o.res.Duration.Round(time.Millisecond))
				case !o.res.Passed():
					f.block(b.Label, "batch %q: verification command %q failed (exit=%d): %s", b.Label, cmd, o.res.ExitCode, tail(o.res))
				}
			}
		}
		return f, nil
	}}
}

// FilesEvidenced checks claimed files_changed against the workspace.
// Changes nobody claimed are reported but do not block.
func FilesEvidenced(insp *workspace.Inspector) Check {
	return Check{Name: "files-evidenced", Run: func(_ context.Context, sub Submission) (Findings, error) {
		var (
			f       Findings
			claimed []string
			owner   = make(map[string]string)
		)
		for _, b := range sub.Batches {
			rec, ok := sub.record(b.Label)
			if !ok || rec.Completion.Blocked() {
				continue
			}
			for _, path := range rec.Completion.FilesChanged {
				if _, dup := owner[path]; !dup {
					owner[path] = b.Label
					claimed = append(claimed, path)
				}
			}
		}

		ev, err := insp.Check(claimed)
		if err != nil {
			return Findings{}, fmt.Errorf("inspecting workspace: %w", err)
		}
		for _, path := range ev.Missing {
			label := owner[path]
			f.block(label, "batch %q claims %q changed but it is not in the workspace", label, path)
		}
		// Executors may commit their own work, so an unchanged claim is
		// reported without blocking.
		for _, path := range ev.Unchanged {
			f.NonBlocking = append(f.NonBlocking, fmt.Sprintf("batch %q claims %q changed but git shows no change to it", owner[path], path))
		}
		for _, path := range ev.Unclaimed {
			f.NonBlocking = append(f.NonBlocking, fmt.Sprintf("%s changed but no batch claims it", path))
		}
		if !ev.Git {
			f.NonBlocking = append(f.NonBlocking, "workspace is not a git repository; only file presence was checked")
		}
		return f, nil
	}}
}

func ranCommand(run []string, want string) bool {
	want = squash(want)
	for _, r := range run {
		if strings.Contains(squash(r), want) {
			return true
		}
	}
	return false
}

func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// tail returns the last few lines of a failed command's output.
func tail(res cmdexec.Result) string {
	out := strings.TrimSpace(res.Stderr)
	if out == "" {
		out = strings.TrimSpace(res.Stdout)
	}
	if out == "" {
		return "no output"
	}
	lines := strings.Split(out, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " | ")
}
