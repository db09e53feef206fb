// Package escalation bounds how often a run may fail before it stops for
// good, and builds the packet the planner receives after each failure.
package escalation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/autopilot/internal/audit"
	"github.com/aristath/autopilot/internal/routing"
)

// Ceiling is the highest retry count a run may continue at.
const Ceiling = 2

// FatalMessage is reported verbatim when a run exhausts its budget.
const FatalMessage = "Execution stuck. 3 attempts failed."

// excerptLimit bounds the artifact text carried in a handoff.
const excerptLimit = 4 * 1024

// Budget counts failed attempts for one run. It is not safe for concurrent
// use; each run owns its own.
type Budget struct {
	ceiling int
	count   int
}

// NewBudget creates a budget at count 0. A ceiling below zero means the
// default.
func NewBudget(ceiling int) *Budget {
	if ceiling < 0 {
		ceiling = Ceiling
	}
	return &Budget{ceiling: ceiling}
}

// Count returns the current retry count.
func (b *Budget) Count() int {
	return b.count
}

// Fail records one failed attempt. exhausted is true once the count has
// gone past the ceiling; the run must then stop.
func (b *Budget) Fail() (count int, exhausted bool) {
	b.count++
	return b.count, b.count > b.ceiling
}

// Handoff is what the planner is told after a failed attempt.
type Handoff struct {
	Goal        string
	Slug        string
	RetryCount  int
	PlanText    string
	RoutingText string
	// Artifact is the full task document; Render keeps only its tail.
	Artifact   string
	Audit      *audit.Combined
	CompileErr error
	Blocked    []string
}

// Reason summarises why the attempt failed.
func (h Handoff) Reason() string {
	switch {
	case h.CompileErr != nil:
		return "routing failed: " + h.CompileErr.Error()
	case h.Audit != nil:
		return fmt.Sprintf("audit %s with %d blocking issue(s)", h.Audit.Status, len(h.Audit.BlockingIssues))
	default:
		return "attempt failed"
	}
}

// Render formats the handoff as the planner's input.
func (h Handoff) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "TASK: %s\n", h.Slug)
	fmt.Fprintf(&b, "GOAL:\n%s\n\n", h.Goal)
	fmt.Fprintf(&b, "ATTEMPT %d of %d FAILED: %s\n", h.RetryCount, Ceiling+1, h.Reason())

	if h.CompileErr != nil {
		fmt.Fprintf(&b, "\nROUTING ERROR:\n%s\n", h.CompileErr)
		var invalid *routing.InvalidRoutingError
		if errors.As(h.CompileErr, &invalid) {
			fmt.Fprintf(&b, "\nNORMALIZED ROUTING BLOCK:\n%s\n", strings.TrimRight(invalid.NormalizedSnippet, "\n"))
		}
	}

	if h.Audit != nil {
		writeList(&b, "BLOCKING ISSUES", h.Audit.BlockingIssues)
		writeList(&b, "NON-BLOCKING", h.Audit.NonBlocking)
		writeList(&b, "QUESTIONS FOR PLANNER", h.Audit.QuestionsForPlanner)
		if h.Audit.RecommendedNextStep != "" {
			fmt.Fprintf(&b, "\nREVIEWERS RECOMMEND: %s\n", h.Audit.RecommendedNextStep)
		}
	}
	writeList(&b, "BLOCKED EXECUTOR QUESTIONS", h.Blocked)

	if h.PlanText != "" {
		fmt.Fprintf(&b, "\nPREVIOUS PLAN:\n%s\n", strings.TrimSpace(h.PlanText))
	}
	if h.RoutingText != "" && h.RoutingText != h.PlanText {
		fmt.Fprintf(&b, "\nPREVIOUS ROUTING:\n%s\n", strings.TrimSpace(h.RoutingText))
	}
	if h.Artifact != "" {
		fmt.Fprintf(&b, "\nARTIFACT (tail):\n%s\n", Excerpt(h.Artifact))
	}
	return b.String()
}

// Excerpt returns the last 4 KiB of s, cut at a line boundary when one is
// close.
func Excerpt(s string) string {
	if len(s) <= excerptLimit {
		return s
	}
	cut := s[len(s)-excerptLimit:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i < 256 {
		cut = cut[i+1:]
	}
	return "[...]\n" + cut
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}
