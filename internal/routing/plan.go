package routing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Step is one numbered plan step.
type Step struct {
	Index       int      `yaml:"index"`
	Description string   `yaml:"description"`
	Files       []string `yaml:"files,omitempty"`
}

// Plan is an accepted, immutable numbered plan. Every replan produces a
// new Plan.
type Plan struct {
	Title string
	Steps []Step
	Text  string // plan text as received, routing block included
}

// Step returns the step with the given 1-based index.
func (p Plan) Step(index int) (Step, bool) {
	if index < 1 || index > len(p.Steps) {
		return Step{}, false
	}
	return p.Steps[index-1], true
}

// MaxStep returns the highest step index.
func (p Plan) MaxStep() int {
	return len(p.Steps)
}

var (
	stepHeading = regexp.MustCompile(`(?i)^\s*(?:#{1,6}\s*)?(?:\*\*|__)?step\s+(\d+)\s*(?:\*\*|__)?\s*[:.)—–-]?\s*(?:\*\*|__)?\s*(.*)$`)
	numbered    = regexp.MustCompile(`^(?:#{1,6}\s*)?(\d+)[.)]\s+(.*)$`)
	heading     = regexp.MustCompile(`^#{1,6}\s+(.+)$`)
	fileRef     = regexp.MustCompile("`([^`\\s]+)`")
	fileLike    = regexp.MustCompile(`/|\.[A-Za-z0-9]{1,8}$`)
)

// ParsePlan extracts the numbered steps from plan text. Lines shaped
// "Step N: ..." take precedence; without any, top-level "N." / "N)" items
// are used. The list ends where a later section restarts numbering at 1
// (a "## Risks" list after the steps, say). Fenced code blocks and the
// routing block are skipped. Indices must run 1..N in order.
// fallbackTitle is used when the text has no heading.
func ParsePlan(text, fallbackTitle string) (Plan, error) {
	body := stripRouting(text)

	var headed, listed []Step
	title := ""
	inFence := false
	// sectionBreak is set by any other line once the step list has begun;
	// listEnded once a numbered list restarts after such a line.
	sectionBreak, listEnded := false, false
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence || trimmed == "" {
			continue
		}

		if m := stepHeading.FindStringSubmatch(line); m != nil {
			headed = append(headed, newStep(m[1], m[2]))
			continue
		}
		if m := numbered.FindStringSubmatch(line); m != nil {
			step := newStep(m[1], m[2])
			if sectionBreak && step.Index == 1 {
				listEnded = true
			}
			if !listEnded {
				listed = append(listed, step)
			}
			continue
		}
		if len(listed) > 0 {
			sectionBreak = true
		}
		if title == "" {
			if m := heading.FindStringSubmatch(trimmed); m != nil {
				title = strings.TrimSpace(m[1])
			}
		}
	}

	steps := headed
	if len(steps) == 0 {
		steps = listed
	}
	if len(steps) == 0 {
		return Plan{}, &InvalidPlanError{Reason: "no numbered steps found"}
	}
	for i, s := range steps {
		if s.Index != i+1 {
			return Plan{}, &InvalidPlanError{
				Reason: fmt.Sprintf("steps must be numbered 1..N in order: expected step %d, found step %d", i+1, s.Index),
			}
		}
	}

	if title == "" {
		title = strings.TrimSpace(fallbackTitle)
	}
	return Plan{Title: title, Steps: steps, Text: text}, nil
}

func newStep(index, rest string) Step {
	n, _ := strconv.Atoi(index)
	desc := strings.TrimSpace(strings.Trim(strings.TrimSpace(rest), "*"))

	var files []string
	for _, m := range fileRef.FindAllStringSubmatch(desc, -1) {
		if fileLike.MatchString(m[1]) {
			files = append(files, m[1])
		}
	}
	return Step{Index: n, Description: desc, Files: files}
}

// stripRouting removes the routing block, markers included, if present.
func stripRouting(text string) string {
	start := strings.Index(text, BeginMarker)
	if start < 0 {
		return text
	}
	end := strings.Index(text[start:], EndMarker)
	if end < 0 {
		return text[:start]
	}
	return text[:start] + text[start+end+len(EndMarker):]
}

var (
	slugUnsafe  = regexp.MustCompile(`[^a-z0-9_-]`)
	underscores = regexp.MustCompile(`_+`)
)

const maxSlugLen = 50

// Slug derives a stable artifact namespace from a plan title.
func Slug(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugUnsafe.ReplaceAllString(s, "_")
	s = underscores.ReplaceAllString(s, "_")
	if len(s) > maxSlugLen {
		s = s[:maxSlugLen]
	}
	s = strings.Trim(s, "_")
	if s == "" {
		return "task"
	}
	return s
}
