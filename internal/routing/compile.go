// Package routing turns planner output into a validated, ordered list of
// execution batches. Compile never invokes anything: every check runs
// before the first batch can be dispatched.
package routing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/gammazero/toposort"
	"gopkg.in/yaml.v3"
)

// Routing block markers.
const (
	BeginMarker = "BEGIN_EXECUTION_HANDOFFS_YAML"
	EndMarker   = "END_EXECUTION_HANDOFFS_YAML"
)

// ExecutionBatch is a set of plan steps assigned to one executor role.
type ExecutionBatch struct {
	Label         string         `yaml:"label"`
	Agent         Role           `yaml:"agent"`
	IncludesSteps []int          `yaml:"includes_steps,flow"`
	Domain        string         `yaml:"domain,omitempty"`
	Touches       []string       `yaml:"touches,omitempty"`
	Risk          Risk           `yaml:"risk"`
	Reviewers     []ReviewerRole `yaml:"reviewers,flow"`
	Verification  []string       `yaml:"verification"`
	DependsOn     []string       `yaml:"depends_on,omitempty"`
	Executor      string         `yaml:"executor,omitempty"` // provider override
}

// Option configures Compile.
type Option func(*options)

type options struct {
	fallbackTitle string
	providers     map[string]bool
}

// WithTitle sets the plan title used when the plan text has no heading.
func WithTitle(title string) Option {
	return func(o *options) { o.fallbackTitle = title }
}

// WithProviders restricts the optional executor key to the named providers.
func WithProviders(names ...string) Option {
	return func(o *options) {
		o.providers = make(map[string]bool, len(names))
		for _, n := range names {
			o.providers[n] = true
		}
	}
}

// Compile parses planText into a Plan and the routing block found in
// routingText into batches, in routing order. routingText may be the same
// text as planText.
func Compile(planText, routingText string, opts ...Option) (Plan, []ExecutionBatch, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	block, err := ExtractRouting(routingText)
	if err != nil {
		return Plan{}, nil, err
	}

	normalized := Normalize(block)
	raws, err := decode(normalized)
	if err != nil {
		return Plan{}, nil, &InvalidRoutingError{ParserErr: err, NormalizedSnippet: normalized}
	}

	plan, err := ParsePlan(planText, o.fallbackTitle)
	if err != nil {
		return Plan{}, nil, err
	}

	batches, err := validate(raws, plan, o)
	if err != nil {
		return Plan{}, nil, err
	}
	return plan, batches, nil
}

// ExtractRouting returns the trimmed text between the first BeginMarker and
// the first EndMarker after it.
func ExtractRouting(text string) (string, error) {
	start := strings.Index(text, BeginMarker)
	if start < 0 {
		return "", ErrMissingMarkers
	}
	rest := text[start+len(BeginMarker):]
	end := strings.Index(rest, EndMarker)
	if end < 0 {
		return "", ErrMissingMarkers
	}
	return strings.TrimSpace(rest[:end]), nil
}

var bulletLine = regexp.MustCompile(`(?m)^([ \t]*)[•◦▪‣∙●*+–][ \t]+`)

// Normalize rewrites alternate bullet glyphs at the start of a line into
// "- ", keeping the indentation.
func Normalize(text string) string {
	return bulletLine.ReplaceAllString(text, "${1}- ")
}

// stringList accepts either a YAML sequence or a single scalar.
type stringList []string

func (l *stringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		if value.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = stringList{value.Value}
		return nil
	}
	var items []string
	if err := value.Decode(&items); err != nil {
		return err
	}
	*l = items
	return nil
}

type rawBatch struct {
	Label         *string     `yaml:"label"`
	Agent         *string     `yaml:"agent"`
	IncludesSteps *[]int      `yaml:"includes_steps"`
	Domain        string      `yaml:"domain"`
	Touches       stringList  `yaml:"touches"`
	Risk          string      `yaml:"risk"`
	Reviewers     *stringList `yaml:"reviewers"`
	Verification  *stringList `yaml:"verification"`
	DependsOn     stringList  `yaml:"depends_on"`
	Executor      string      `yaml:"executor"`
}

type routingDoc struct {
	ExecutionHandoffs *[]rawBatch `yaml:"execution_handoffs"`
}

func decode(text string) ([]rawBatch, error) {
	var doc routingDoc
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, err
	}
	if doc.ExecutionHandoffs == nil {
		return nil, errors.New("routing YAML must contain execution_handoffs: [ ... ]")
	}
	if len(*doc.ExecutionHandoffs) == 0 {
		return nil, errors.New("execution_handoffs must list at least one batch")
	}
	return *doc.ExecutionHandoffs, nil
}

func (rb rawBatch) name(i int) string {
	if rb.Label != nil && strings.TrimSpace(*rb.Label) != "" {
		return fmt.Sprintf("batch %q", *rb.Label)
	}
	return fmt.Sprintf("batch #%d", i+1)
}

func (rb rawBatch) missingKeys() []string {
	var missing []string
	if rb.Label == nil || strings.TrimSpace(*rb.Label) == "" {
		missing = append(missing, "label")
	}
	if rb.Agent == nil || strings.TrimSpace(*rb.Agent) == "" {
		missing = append(missing, "agent")
	}
	if rb.IncludesSteps == nil {
		missing = append(missing, "includes_steps")
	}
	if rb.Reviewers == nil {
		missing = append(missing, "reviewers")
	}
	if rb.Verification == nil {
		missing = append(missing, "verification")
	}
	return missing
}

func validate(raws []rawBatch, plan Plan, o options) ([]ExecutionBatch, error) {
	var missing []string
	for i, rb := range raws {
		for _, key := range rb.missingKeys() {
			missing = append(missing, fmt.Sprintf("%s: missing %q", rb.name(i), key))
		}
	}
	if len(missing) > 0 {
		return nil, &MissingKeysError{Violations: missing}
	}

	batches := make([]ExecutionBatch, 0, len(raws))
	var violations []string
	seen := make(map[string]bool, len(raws))

	for _, rb := range raws {
		label := strings.TrimSpace(*rb.Label)

		role, ok := ParseRole(*rb.Agent)
		if !ok {
			return nil, &UnknownAgentError{Role: *rb.Agent, BatchLabel: label}
		}
		for _, step := range *rb.IncludesSteps {
			if _, ok := plan.Step(step); !ok {
				return nil, &StepOutOfRangeError{BatchLabel: label, Step: step, MaxStep: plan.MaxStep()}
			}
		}

		if seen[label] {
			violations = append(violations, fmt.Sprintf("batch %q: duplicate label", label))
		}
		seen[label] = true

		b := ExecutionBatch{
			Label:         label,
			Agent:         role,
			IncludesSteps: *rb.IncludesSteps,
			Domain:        rb.Domain,
			Touches:       rb.Touches,
			Verification:  *rb.Verification,
			DependsOn:     rb.DependsOn,
			Executor:      strings.TrimSpace(rb.Executor),
		}

		if len(b.IncludesSteps) == 0 {
			violations = append(violations, fmt.Sprintf("batch %q: includes_steps must not be empty", label))
		}
		dup := make(map[int]bool, len(b.IncludesSteps))
		for _, step := range b.IncludesSteps {
			if dup[step] {
				violations = append(violations, fmt.Sprintf("batch %q: step %d listed twice", label, step))
			}
			dup[step] = true
		}

		risk, ok := ParseRisk(rb.Risk)
		if !ok {
			violations = append(violations, fmt.Sprintf("batch %q: risk %q is not low, medium or high", label, rb.Risk))
		}
		b.Risk = risk

		if len(*rb.Reviewers) == 0 {
			violations = append(violations, fmt.Sprintf("batch %q: reviewers must list at least one reviewer", label))
		}
		for _, name := range *rb.Reviewers {
			r, ok := ParseReviewerRole(name)
			if !ok {
				violations = append(violations, fmt.Sprintf("batch %q: unknown reviewer %q", label, name))
				continue
			}
			b.Reviewers = append(b.Reviewers, r)
		}

		if b.Executor != "" && o.providers != nil && !o.providers[b.Executor] {
			violations = append(violations, fmt.Sprintf("batch %q: unknown executor %q", label, b.Executor))
		}

		batches = append(batches, b)
	}

	violations = append(violations, checkDependencies(batches)...)
	if len(violations) > 0 {
		return nil, &InvalidBatchError{Violations: violations}
	}
	return batches, nil
}

// checkDependencies verifies depends_on references. The dependency graph
// must be acyclic, and since routing order is execution order, every
// dependency must also appear earlier. A cycle is reported once rather
// than as one ordering violation per edge.
func checkDependencies(batches []ExecutionBatch) []string {
	position := make(map[string]int, len(batches))
	for i, b := range batches {
		position[b.Label] = i
	}

	var violations, misordered []string
	var edges []toposort.Edge
	for i, b := range batches {
		edges = append(edges, toposort.Edge{nil, b.Label})
		for _, dep := range b.DependsOn {
			j, ok := position[dep]
			switch {
			case !ok:
				violations = append(violations, fmt.Sprintf("batch %q: depends_on unknown batch %q", b.Label, dep))
			case j == i:
				violations = append(violations, fmt.Sprintf("batch %q: depends_on itself", b.Label))
			default:
				edges = append(edges, toposort.Edge{dep, b.Label})
				if j > i {
					misordered = append(misordered, fmt.Sprintf("batch %q: depends_on %q which does not run before it", b.Label, dep))
				}
			}
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return append(violations, fmt.Sprintf("depends_on cycle: %v", err))
	}
	return append(violations, misordered...)
}
