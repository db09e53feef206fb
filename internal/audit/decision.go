package audit

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/autopilot/internal/gateway"
	"github.com/aristath/autopilot/internal/routing"
)

// Decision block markers.
const (
	DecisionBegin = "BEGIN_AUDIT_DECISION_YAML"
	DecisionEnd   = "END_AUDIT_DECISION_YAML"
)

// Status is an audit verdict. There is no third value.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// NextStep is a reviewer's recommendation for what should happen next.
type NextStep string

const (
	NextHandoff NextStep = "handoff_to_planner"
	NextAccept  NextStep = "accept_as_is"

	rerunPrefix = "rerun_dev_batch:"
)

// RerunBatch recommends running the labelled batch again.
func RerunBatch(label string) NextStep {
	return NextStep(rerunPrefix + label)
}

// Valid reports whether s is one of the recognised recommendations.
func (s NextStep) Valid() bool {
	if s == NextHandoff || s == NextAccept {
		return true
	}
	return strings.HasPrefix(string(s), rerunPrefix) && len(s) > len(rerunPrefix)
}

// Decision is the result of one audit pass.
type Decision struct {
	Reviewer            routing.ReviewerRole `yaml:"reviewer"`
	Status              Status               `yaml:"status"`
	Why                 string               `yaml:"why"`
	BlockingIssues      []string             `yaml:"blocking_issues"`
	NonBlocking         []string             `yaml:"non_blocking"`
	RerunCommands       []string             `yaml:"rerun_commands"`
	QuestionsForPlanner []string             `yaml:"questions_for_planner"`
	RecommendedNextStep NextStep             `yaml:"recommended_next_step"`
}

// Passed reports whether the decision is PASS.
func (d Decision) Passed() bool {
	return d.Status == StatusPass
}

// Validate checks the PASS/FAIL and blocking_issues invariants.
func (d Decision) Validate() error {
	switch d.Status {
	case StatusPass:
		if len(d.BlockingIssues) > 0 {
			return errors.New("PASS with blocking_issues")
		}
	case StatusFail:
		if len(d.BlockingIssues) == 0 {
			return errors.New("FAIL without blocking_issues")
		}
	default:
		return fmt.Errorf("status %q is not PASS or FAIL", d.Status)
	}
	if !d.RecommendedNextStep.Valid() {
		return fmt.Errorf("recommended_next_step %q is not rerun_dev_batch:<label>, handoff_to_planner or accept_as_is", d.RecommendedNextStep)
	}
	return nil
}

// Fail builds a FAIL decision. Without issues, why itself is the blocking
// issue.
func Fail(reviewer routing.ReviewerRole, why string, issues ...string) Decision {
	if len(issues) == 0 {
		issues = []string{why}
	}
	return Decision{
		Reviewer:            reviewer,
		Status:              StatusFail,
		Why:                 why,
		BlockingIssues:      issues,
		RecommendedNextStep: NextHandoff,
	}
}

// Pass builds a PASS decision.
func Pass(reviewer routing.ReviewerRole, why string) Decision {
	return Decision{
		Reviewer:            reviewer,
		Status:              StatusPass,
		Why:                 why,
		RecommendedNextStep: NextAccept,
	}
}

// ParseDecision extracts a decision block from a judge's reply.
func ParseDecision(reply string) (Decision, error) {
	block, ok := gateway.LastBlock(reply, DecisionBegin, DecisionEnd)
	if !ok {
		return Decision{}, fmt.Errorf("no %s ... %s block in reply", DecisionBegin, DecisionEnd)
	}

	var d Decision
	if err := yaml.Unmarshal([]byte(routing.Normalize(block)), &d); err != nil {
		return Decision{}, fmt.Errorf("parsing audit decision YAML: %w", err)
	}
	d.Status = Status(strings.ToUpper(strings.TrimSpace(string(d.Status))))
	if d.RecommendedNextStep == "" {
		if d.Status == StatusPass {
			d.RecommendedNextStep = NextAccept
		} else {
			d.RecommendedNextStep = NextHandoff
		}
	}
	if err := d.Validate(); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// Resolve turns a judge reply into a decision. Anything that is not a
// well-formed PASS or FAIL becomes a FAIL naming the defect.
func Resolve(reviewer routing.ReviewerRole, reply string) Decision {
	d, err := ParseDecision(reply)
	if err != nil {
		return Fail(reviewer, "reviewer reply was ambiguous", fmt.Sprintf("%s produced no definitive decision: %v", reviewer, err))
	}
	d.Reviewer = reviewer
	return d
}

// Combined is the gate's verdict over both reviewers.
type Combined struct {
	Status              Status   `yaml:"status"`
	Primary             Decision `yaml:"primary"`
	Secondary           Decision `yaml:"secondary"`
	BlockingIssues      []string `yaml:"blocking_issues"`
	NonBlocking         []string `yaml:"non_blocking"`
	RerunCommands       []string `yaml:"rerun_commands"`
	QuestionsForPlanner []string `yaml:"questions_for_planner"`
	RecommendedNextStep NextStep `yaml:"recommended_next_step"`
}

// Passed reports whether the gate passed.
func (c Combined) Passed() bool {
	return c.Status == StatusPass
}

// Combine applies the gate rule: PASS only if both passed. On FAIL the
// blocking issues are the union of both, and the recommendation is the
// secondary's when only the secondary failed, else the primary's.
func Combine(primary, secondary Decision) Combined {
	c := Combined{
		Primary:             primary,
		Secondary:           secondary,
		BlockingIssues:      union(primary.BlockingIssues, secondary.BlockingIssues),
		NonBlocking:         union(primary.NonBlocking, secondary.NonBlocking),
		RerunCommands:       union(primary.RerunCommands, secondary.RerunCommands),
		QuestionsForPlanner: union(primary.QuestionsForPlanner, secondary.QuestionsForPlanner),
	}

	if primary.Passed() && secondary.Passed() {
		c.Status = StatusPass
		c.RecommendedNextStep = primary.RecommendedNextStep
		return c
	}

	c.Status = StatusFail
	if primary.Passed() {
		c.RecommendedNextStep = secondary.RecommendedNextStep
	} else {
		c.RecommendedNextStep = primary.RecommendedNextStep
	}
	return c
}

func union(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
