package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	RunID() string
}

// Topic constants
const (
	TopicRun   = "run"
	TopicBatch = "batch"
	TopicAudit = "audit"
)

// Event type constants
const (
	EventTypeRunStarted       = "run.started"
	EventTypeBatchDispatched  = "batch.dispatched"
	EventTypeBatchCompleted   = "batch.completed"
	EventTypeArtifactWritten  = "artifact.written"
	EventTypeAuditCompleted   = "audit.completed"
	EventTypeRunEscalated     = "run.escalated"
	EventTypeRunFinished      = "run.finished"
	EventTypeWorkspaceMerged  = "workspace.merged"
	EventTypeRoutingCompleted = "routing.completed"
)

// TopicOf returns the topic an event type is published on.
func TopicOf(eventType string) string {
	switch eventType {
	case EventTypeBatchDispatched, EventTypeBatchCompleted:
		return TopicBatch
	case EventTypeAuditCompleted:
		return TopicAudit
	default:
		return TopicRun
	}
}

// RunStartedEvent is published when a run is accepted.
type RunStartedEvent struct {
	Run       string    `json:"run_id"`
	Slug      string    `json:"slug"`
	Goal      string    `json:"goal"`
	Timestamp time.Time `json:"timestamp"`
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) RunID() string     { return e.Run }

// RoutingCompletedEvent is published after each attempt at compiling a
// plan. Err is empty on success.
type RoutingCompletedEvent struct {
	Run        string    `json:"run_id"`
	Slug       string    `json:"slug"`
	RetryCount int       `json:"retry_count"`
	Batches    []string  `json:"batches"`
	Err        string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e RoutingCompletedEvent) EventType() string { return EventTypeRoutingCompleted }
func (e RoutingCompletedEvent) RunID() string     { return e.Run }

// BatchDispatchedEvent is published when a batch is handed to its executor.
type BatchDispatchedEvent struct {
	Run       string    `json:"run_id"`
	Label     string    `json:"label"`
	Index     int       `json:"index"`
	Total     int       `json:"total"`
	Agent     string    `json:"agent"`
	Timestamp time.Time `json:"timestamp"`
}

func (e BatchDispatchedEvent) EventType() string { return EventTypeBatchDispatched }
func (e BatchDispatchedEvent) RunID() string     { return e.Run }

// BatchCompletedEvent is published when an executor reports back.
type BatchCompletedEvent struct {
	Run          string        `json:"run_id"`
	Label        string        `json:"label"`
	Agent        string        `json:"agent"`
	Status       string        `json:"status"`
	FilesChanged []string      `json:"files_changed"`
	Err          string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	Timestamp    time.Time     `json:"timestamp"`
}

func (e BatchCompletedEvent) EventType() string { return EventTypeBatchCompleted }
func (e BatchCompletedEvent) RunID() string     { return e.Run }

// ArtifactWrittenEvent is published after the task document is stored.
// Placeholder is true when the real document could not be written.
type ArtifactWrittenEvent struct {
	Run         string    `json:"run_id"`
	Slug        string    `json:"slug"`
	Placeholder bool      `json:"placeholder"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e ArtifactWrittenEvent) EventType() string { return EventTypeArtifactWritten }
func (e ArtifactWrittenEvent) RunID() string     { return e.Run }

// AuditCompletedEvent is published with the gate's combined decision.
type AuditCompletedEvent struct {
	Run            string        `json:"run_id"`
	Slug           string        `json:"slug"`
	Status         string        `json:"status"`
	Primary        string        `json:"primary"`
	Secondary      string        `json:"secondary"`
	BlockingIssues []string      `json:"blocking_issues"`
	Duration       time.Duration `json:"duration"`
	Timestamp      time.Time     `json:"timestamp"`
}

func (e AuditCompletedEvent) EventType() string { return EventTypeAuditCompleted }
func (e AuditCompletedEvent) RunID() string     { return e.Run }

// RunEscalatedEvent is published when a failed attempt goes back to the
// planner.
type RunEscalatedEvent struct {
	Run        string    `json:"run_id"`
	Slug       string    `json:"slug"`
	RetryCount int       `json:"retry_count"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e RunEscalatedEvent) EventType() string { return EventTypeRunEscalated }
func (e RunEscalatedEvent) RunID() string     { return e.Run }

// RunFinishedEvent is published once per run with its terminal state.
type RunFinishedEvent struct {
	Run        string        `json:"run_id"`
	Slug       string        `json:"slug"`
	State      string        `json:"state"`
	RetryCount int           `json:"retry_count"`
	Message    string        `json:"message,omitempty"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) RunID() string     { return e.Run }

// WorkspaceMergedEvent is published when a run's worktree branch has been
// merged back, or the merge was refused.
type WorkspaceMergedEvent struct {
	Run           string    `json:"run_id"`
	Branch        string    `json:"branch"`
	Merged        bool      `json:"merged"`
	ConflictFiles []string  `json:"conflict_files,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (e WorkspaceMergedEvent) EventType() string { return EventTypeWorkspaceMerged }
func (e WorkspaceMergedEvent) RunID() string     { return e.Run }
