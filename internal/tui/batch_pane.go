package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/autopilot/internal/events"
)

// BatchState is what the monitor knows about one batch of one run.
type BatchState struct {
	RunID    string
	Label    string
	Agent    string
	Status   string // "running", "DONE", "BLOCKED"
	Attempt  int
	Lines    []string
	Duration time.Duration
}

func batchKey(runID, label string) string {
	return runID + "/" + label
}

// BatchPaneModel lists batches and shows the selected batch's history.
type BatchPaneModel struct {
	batches     map[string]*BatchState
	order       []string
	attempts    map[string]int // run ID -> current attempt, 1-based
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewBatchPaneModel creates a new batch pane model.
func NewBatchPaneModel() BatchPaneModel {
	return BatchPaneModel{
		batches:  make(map[string]*BatchState),
		attempts: make(map[string]int),
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the batch pane.
func (m BatchPaneModel) Update(msg tea.Msg) (BatchPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		keys := DefaultKeyMap()
		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.RunEscalatedEvent:
		m.attempts[msg.Run] = msg.RetryCount + 1

	case events.BatchDispatchedEvent:
		attempt := max(m.attempts[msg.Run], 1)
		bk := batchKey(msg.Run, msg.Label)
		b, exists := m.batches[bk]
		if !exists {
			b = &BatchState{RunID: msg.Run, Label: msg.Label}
			m.batches[bk] = b
			m.order = append(m.order, bk)
		}
		b.Agent = msg.Agent
		b.Status = "running"
		b.Attempt = attempt
		b.Lines = append(b.Lines, fmt.Sprintf("[attempt %d] dispatched to %s (%d/%d)", attempt, msg.Agent, msg.Index+1, msg.Total))
		m.refresh(bk)

	case events.BatchCompletedEvent:
		bk := batchKey(msg.Run, msg.Label)
		if b, exists := m.batches[bk]; exists {
			b.Status = msg.Status
			b.Duration = msg.Duration
			line := fmt.Sprintf("[attempt %d] %s in %v", b.Attempt, msg.Status, msg.Duration.Round(time.Millisecond))
			if len(msg.FilesChanged) > 0 {
				line += "\n  files: " + strings.Join(msg.FilesChanged, ", ")
			}
			if msg.Err != "" {
				line += "\n  error: " + msg.Err
			}
			b.Lines = append(b.Lines, line)
			m.refresh(bk)
		}
	}

	return m, cmd
}

// refresh redraws the viewport when key is the selected batch.
func (m *BatchPaneModel) refresh(key string) {
	if len(m.order) == 1 {
		m.selectedIdx = 0
	}
	if m.selectedKey() == key {
		m.updateViewportContent()
	}
}

// View renders the batch pane.
func (m BatchPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 25
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	return frame(m.focused, m.width, m.height, content)
}

func (m BatchPaneModel) renderList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Batches")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, bk := range m.order {
		batch := m.batches[bk]
		name := batch.Label
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(batch.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case "running":
		return StyleStatusRunning.Render("●")
	case "DONE":
		return StyleStatusComplete.Render("✓")
	case "BLOCKED":
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

// Selected returns the selected batch, if any.
func (m BatchPaneModel) Selected() (BatchState, bool) {
	b, ok := m.batches[m.selectedKey()]
	if !ok {
		return BatchState{}, false
	}
	return *b, true
}

func (m BatchPaneModel) selectedKey() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

func (m *BatchPaneModel) updateViewportContent() {
	b, ok := m.batches[m.selectedKey()]
	if !ok {
		m.viewport.SetContent("Waiting for batches...")
		return
	}
	m.viewport.SetContent(strings.Join(b.Lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *BatchPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-25-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *BatchPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *BatchPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
