package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/autopilot/internal/events"
)

const maxLogLines = 500

// LogPaneModel is a scrolling log of every event the monitor has seen.
type LogPaneModel struct {
	lines    []string
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewLogPaneModel creates a new log pane model.
func NewLogPaneModel() LogPaneModel {
	return LogPaneModel{viewport: viewport.New(0, 0)}
}

// Update handles messages for the log pane.
func (m LogPaneModel) Update(msg tea.Msg) (LogPaneModel, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}
	case events.Event:
		m.append(describe(msg))
	}
	return m, cmd
}

func (m *LogPaneModel) append(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

// Lines returns the log lines currently held.
func (m LogPaneModel) Lines() []string {
	return m.lines
}

// describe renders one event as a log line.
func describe(ev events.Event) string {
	var text string
	switch e := ev.(type) {
	case events.RunStartedEvent:
		text = fmt.Sprintf("run started: %s", e.Slug)
	case events.RoutingCompletedEvent:
		if e.Err != "" {
			text = fmt.Sprintf("routing failed (retry %d): %s", e.RetryCount, e.Err)
		} else {
			text = fmt.Sprintf("routed %d batches (retry %d)", len(e.Batches), e.RetryCount)
		}
	case events.BatchDispatchedEvent:
		text = fmt.Sprintf("dispatch %s -> %s", e.Label, e.Agent)
	case events.BatchCompletedEvent:
		text = fmt.Sprintf("%s %s %s", StatusIcon(e.Status), e.Label, e.Status)
	case events.ArtifactWrittenEvent:
		if e.Placeholder {
			text = "artifact write failed; placeholder written"
		} else {
			text = "artifact written: " + e.Slug
		}
	case events.AuditCompletedEvent:
		text = fmt.Sprintf("audit %s (%d blocking)", e.Status, len(e.BlockingIssues))
	case events.RunEscalatedEvent:
		text = fmt.Sprintf("escalated (retry %d): %s", e.RetryCount, e.Reason)
	case events.RunFinishedEvent:
		text = fmt.Sprintf("run finished %s: %s", e.State, e.Message)
	case events.WorkspaceMergedEvent:
		if e.Merged {
			text = "merged " + e.Branch
		} else {
			text = fmt.Sprintf("merge of %s failed, conflicts: %s", e.Branch, strings.Join(e.ConflictFiles, ", "))
		}
	default:
		text = ev.EventType()
	}

	run := ev.RunID()
	if len(run) > 8 {
		run = run[:8]
	}
	return fmt.Sprintf("[%s] %s", run, text)
}

// View renders the log pane.
func (m LogPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	return frame(m.focused, m.width, m.height, StyleTitle.Render("Events") + "\n" + m.viewport.View())
}

// SetSize updates the pane dimensions.
func (m *LogPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 0)
	m.viewport.Height = max(h-3, 0)
	m.viewport.GotoBottom()
}

// SetFocused updates the focus state.
func (m *LogPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
