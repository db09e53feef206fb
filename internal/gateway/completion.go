package gateway

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/autopilot/internal/routing"
)

// Completion block markers.
const (
	CompletionBegin = "BEGIN_DEV_COMPLETION_YAML"
	CompletionEnd   = "END_DEV_COMPLETION_YAML"
)

// Status is the outcome an executor reports for a batch.
type Status string

const (
	StatusDone    Status = "DONE"
	StatusBlocked Status = "BLOCKED"
)

// DevCompletion is the structured record an executor returns for one batch.
type DevCompletion struct {
	Status            Status   `yaml:"status"`
	Assumptions       []string `yaml:"assumptions"`
	FilesChanged      []string `yaml:"files_changed"`
	CommandsRun       []string `yaml:"commands_run"`
	Results           string   `yaml:"results"`
	RemainingRisks    []string `yaml:"remaining_risks"`
	QuestionsForAudit []string `yaml:"questions_for_audit"`
}

// Record is one dispatched batch and the completion it produced. Err holds
// the transport or malformed-completion error when Completion was
// synthesized by BlockedBy.
type Record struct {
	Batch      routing.ExecutionBatch `yaml:"batch"`
	Completion DevCompletion          `yaml:"completion"`
	Err        string                 `yaml:"error,omitempty"`
}

// Blocked reports whether the executor could not finish the batch.
func (c DevCompletion) Blocked() bool {
	return c.Status == StatusBlocked
}

// Validate checks the DONE/BLOCKED contract.
func (c DevCompletion) Validate() error {
	switch c.Status {
	case StatusDone:
		if len(c.QuestionsForAudit) > 0 {
			return errors.New("questions_for_audit must be empty unless status is BLOCKED")
		}
	case StatusBlocked:
	case "":
		return errors.New("status is missing")
	default:
		return fmt.Errorf("status %q is not DONE or BLOCKED", c.Status)
	}
	return nil
}

// BlockedBy synthesizes a BLOCKED completion for a batch whose executor
// could not be reached or never produced a valid completion.
func BlockedBy(err error) DevCompletion {
	return DevCompletion{
		Status:            StatusBlocked,
		Results:           fmt.Sprintf("executor failed: %v", err),
		QuestionsForAudit: []string{fmt.Sprintf("Executor did not deliver a completion: %v", err)},
	}
}

// LastBlock returns the trimmed text inside the last begin/end marker pair.
func LastBlock(text, begin, end string) (string, bool) {
	start := strings.LastIndex(text, begin)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(begin):]
	stop := strings.Index(rest, end)
	if stop < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:stop]), true
}

// ParseCompletion extracts and validates the completion block in reply.
func ParseCompletion(reply string) (DevCompletion, error) {
	block, ok := LastBlock(reply, CompletionBegin, CompletionEnd)
	if !ok {
		return DevCompletion{}, fmt.Errorf("no %s ... %s block in reply", CompletionBegin, CompletionEnd)
	}

	var c DevCompletion
	if err := yaml.Unmarshal([]byte(routing.Normalize(block)), &c); err != nil {
		return DevCompletion{}, fmt.Errorf("parsing completion YAML: %w", err)
	}
	c.Status = Status(strings.ToUpper(strings.TrimSpace(string(c.Status))))
	if err := c.Validate(); err != nil {
		return DevCompletion{}, err
	}
	return c, nil
}

// CompletionShape is the exact block executors must end their reply with.
const CompletionShape = CompletionBegin + `
status: DONE            # or BLOCKED
assumptions: []
files_changed: []
commands_run: []
results: "what was done and what the commands showed"
remaining_risks: []
questions_for_audit: [] # only when BLOCKED
` + CompletionEnd
