package artifact

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/autopilot/internal/audit"
	"github.com/aristath/autopilot/internal/gateway"
	"github.com/aristath/autopilot/internal/routing"
)

// TaskDoc is everything that goes into a task document.
type TaskDoc struct {
	Slug               string
	RunID              string
	Goal               string
	AcceptanceCriteria []string
	RetryCount         int
	Plan               routing.Plan
	Batches            []routing.ExecutionBatch
	Ledger             []gateway.Record
	Generated          time.Time
}

// Summary is what a run changed and how it was checked.
type Summary struct {
	ChangedFiles         []string `yaml:"changed_files"`
	VerificationCommands []string `yaml:"verification_commands"`
	ManualChecks         []string `yaml:"manual_checks"`
}

// Summarize collects changed files, verification commands and remaining
// risks (as manual checks) from a ledger, in ledger order without
// duplicates.
func Summarize(ledger []gateway.Record) Summary {
	var s Summary
	add := func(list *[]string, items ...string) {
		for _, it := range items {
			if it = strings.TrimSpace(it); it != "" && !slices.Contains(*list, it) {
				*list = append(*list, it)
			}
		}
	}
	for _, r := range ledger {
		add(&s.ChangedFiles, r.Completion.FilesChanged...)
		add(&s.VerificationCommands, r.Batch.Verification...)
		add(&s.ManualChecks, r.Completion.RemainingRisks...)
	}
	return s
}

// RenderTask renders the task document reviewers read.
func RenderTask(doc TaskDoc) (string, error) {
	var b strings.Builder

	title := doc.Plan.Title
	if title == "" {
		title = doc.Slug
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	if doc.Goal != "" {
		fmt.Fprintf(&b, "## Goal\n\n%s\n\n", strings.TrimSpace(doc.Goal))
	}
	if len(doc.AcceptanceCriteria) > 0 {
		b.WriteString("## Acceptance criteria\n\n")
		for _, c := range doc.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	done := make(map[int]bool)
	for _, r := range doc.Ledger {
		if !r.Completion.Blocked() {
			for _, i := range r.Batch.IncludesSteps {
				done[i] = true
			}
		}
	}
	b.WriteString("## Plan\n\n")
	for _, s := range doc.Plan.Steps {
		mark := " "
		if done[s.Index] {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %d. %s\n", mark, s.Index, s.Description)
	}

	b.WriteString("\n## Batches\n")
	for _, batch := range doc.Batches {
		renderBatch(&b, batch, doc.Ledger)
	}

	sum := Summarize(doc.Ledger)
	b.WriteString("\n## Summary\n")
	writeSection(&b, "Changed files", sum.ChangedFiles)
	writeSection(&b, "Verification commands", sum.VerificationCommands)
	writeSection(&b, "Manual checks", sum.ManualChecks)

	return WriteFrontMatter(Header{
		Slug:       doc.Slug,
		RunID:      doc.RunID,
		RetryCount: doc.RetryCount,
		Generated:  doc.Generated,
	}, b.String())
}

func renderBatch(b *strings.Builder, batch routing.ExecutionBatch, ledger []gateway.Record) {
	fmt.Fprintf(b, "\n### %s\n\n", batch.Label)
	fmt.Fprintf(b, "- agent: %s\n", batch.Agent)
	fmt.Fprintf(b, "- steps: %s\n", joinInts(batch.IncludesSteps))
	fmt.Fprintf(b, "- risk: %s\n", batch.Risk)
	if batch.Executor != "" {
		fmt.Fprintf(b, "- executor: %s\n", batch.Executor)
	}
	if len(batch.DependsOn) > 0 {
		fmt.Fprintf(b, "- depends on: %s\n", strings.Join(batch.DependsOn, ", "))
	}
	if len(batch.Verification) > 0 {
		fmt.Fprintf(b, "- verification: %s\n", code(batch.Verification))
	}

	idx := slices.IndexFunc(ledger, func(r gateway.Record) bool { return r.Batch.Label == batch.Label })
	if idx < 0 {
		b.WriteString("- status: NOT RUN\n")
		return
	}
	c := ledger[idx].Completion
	fmt.Fprintf(b, "- status: %s\n", c.Status)
	if len(c.FilesChanged) > 0 {
		fmt.Fprintf(b, "- files changed: %s\n", code(c.FilesChanged))
	}
	if len(c.CommandsRun) > 0 {
		fmt.Fprintf(b, "- commands run: %s\n", code(c.CommandsRun))
	}
	if c.Results != "" {
		fmt.Fprintf(b, "- results: %s\n", strings.TrimSpace(c.Results))
	}
	writeItems(b, "assumptions", c.Assumptions)
	writeItems(b, "remaining risks", c.RemainingRisks)
	writeItems(b, "questions for audit", c.QuestionsForAudit)
	if ledger[idx].Err != "" {
		fmt.Fprintf(b, "- error: %s\n", ledger[idx].Err)
	}
}

// RenderAudit renders the audit record for one decision.
func RenderAudit(slug string, c audit.Combined, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Audit: %s\n\n", slug)
	fmt.Fprintf(&b, "## Decision\n\nStatus: %s\n", c.Status)
	fmt.Fprintf(&b, "Recommended next step: %s\n", c.RecommendedNextStep)

	writeSection(&b, "Blocking Issues", c.BlockingIssues)
	writeSection(&b, "Non-Blocking", c.NonBlocking)
	writeSection(&b, "Rerun Commands", c.RerunCommands)
	writeSection(&b, "Questions For Planner", c.QuestionsForPlanner)

	for _, d := range []audit.Decision{c.Primary, c.Secondary} {
		fmt.Fprintf(&b, "\n## Reviewer %s\n\nStatus: %s\nWhy: %s\n", d.Reviewer, d.Status, d.Why)
		for _, issue := range d.BlockingIssues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}

	fmt.Fprintf(&b, "\n## Timestamp\n\n%s\n", at.UTC().Format(time.RFC3339))
	return b.String()
}

// Placeholder is written instead of a task document that could not be
// rendered or stored, so reviewers always have something to reject.
func Placeholder(slug, runID string, retryCount int, cause error, at time.Time) string {
	body := fmt.Sprintf("# %s\n\nartifact write failed: %v\n", slug, cause)
	out, err := WriteFrontMatter(Header{
		Slug:        slug,
		RunID:       runID,
		RetryCount:  retryCount,
		Generated:   at,
		Placeholder: true,
	}, body)
	if err != nil {
		return body
	}
	return out
}

func writeSection(b *strings.Builder, title string, items []string) {
	fmt.Fprintf(b, "\n### %s\n\n", title)
	if len(items) == 0 {
		b.WriteString("None\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func writeItems(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "- %s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "  - %s\n", it)
	}
}

func code(items []string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = "`" + it + "`"
	}
	return strings.Join(quoted, ", ")
}

func joinInts(ns []int) string {
	s := make([]string, len(ns))
	for i, n := range ns {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ", ")
}
