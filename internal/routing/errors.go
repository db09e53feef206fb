package routing

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingMarkers is returned when the routing text lacks the
// BEGIN/END marker pair.
var ErrMissingMarkers = errors.New("missing routing block markers: " + BeginMarker + " ... " + EndMarker)

// InvalidRoutingError reports a routing block that could not be parsed.
// NormalizedSnippet is exactly the text handed to the parser.
type InvalidRoutingError struct {
	ParserErr         error
	NormalizedSnippet string
}

func (e *InvalidRoutingError) Error() string {
	return fmt.Sprintf("invalid routing YAML: %v", e.ParserErr)
}

func (e *InvalidRoutingError) Unwrap() error { return e.ParserErr }

// MissingKeysError lists every required key missing across all batches.
type MissingKeysError struct {
	Violations []string
}

func (e *MissingKeysError) Error() string {
	return fmt.Sprintf("routing is missing required keys: %s", strings.Join(e.Violations, "; "))
}

// InvalidBatchError lists every batch value that is present but not
// acceptable: bad risk, unknown reviewer, duplicate label and so on.
type InvalidBatchError struct {
	Violations []string
}

func (e *InvalidBatchError) Error() string {
	return fmt.Sprintf("routing has invalid batches: %s", strings.Join(e.Violations, "; "))
}

// UnknownAgentError reports a batch routed to a role outside Roles.
type UnknownAgentError struct {
	Role       string
	BatchLabel string
}

func (e *UnknownAgentError) Error() string {
	known := make([]string, len(Roles))
	for i, r := range Roles {
		known[i] = string(r)
	}
	return fmt.Sprintf("batch %q: unknown agent %q (known: %s)", e.BatchLabel, e.Role, strings.Join(known, ", "))
}

// StepOutOfRangeError reports an includes_steps index the plan does not have.
type StepOutOfRangeError struct {
	BatchLabel string
	Step       int
	MaxStep    int
}

func (e *StepOutOfRangeError) Error() string {
	return fmt.Sprintf("batch %q: step %d out of range (plan has steps 1..%d)", e.BatchLabel, e.Step, e.MaxStep)
}

// InvalidPlanError reports plan text without a usable numbered step list.
type InvalidPlanError struct {
	Reason string
}

func (e *InvalidPlanError) Error() string {
	return "invalid plan: " + e.Reason
}
