package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/autopilot/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneBatches PaneID = iota
	PaneLog
	PaneRun

	paneCount = 3
)

// Model is the run monitor: batches on the left, the event log and run
// status on the right.
type Model struct {
	batchPane   BatchPaneModel
	logPane     LogPaneModel
	runPane     RunPaneModel
	focusedPane PaneID
	keys        KeyMap
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
}

// New creates the monitor model, subscribed to every event on eventBus.
func New(eventBus *events.EventBus) Model {
	m := Model{
		batchPane:   NewBatchPaneModel(),
		logPane:     NewLogPaneModel(),
		runPane:     NewRunPaneModel(),
		focusedPane: PaneBatches,
		keys:        DefaultKeyMap(),
		eventSub:    eventBus.SubscribeAll(256),
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
		if m.handleFocusKey(msg) {
			break
		}
		var cmd tea.Cmd
		switch m.focusedPane {
		case PaneBatches:
			m.batchPane, cmd = m.batchPane.Update(msg)
		case PaneLog:
			m.logPane, cmd = m.logPane.Update(msg)
		}
		cmds = append(cmds, cmd)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.Event:
		var cmd tea.Cmd
		m.batchPane, cmd = m.batchPane.Update(msg)
		cmds = append(cmds, cmd)
		m.logPane, cmd = m.logPane.Update(msg)
		cmds = append(cmds, cmd)
		m.runPane, cmd = m.runPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// Finished reports whether every run shown has reached a terminal state.
func (m Model) Finished() bool {
	return m.runPane.Finished()
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	rightPane := lipgloss.JoinVertical(lipgloss.Left, m.logPane.View(), m.runPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.batchPane.View(), rightPane)
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, m.keys.HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 35) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar
	logHeight := (availableHeight * 55) / 100

	m.batchPane.SetSize(leftWidth, availableHeight)
	m.logPane.SetSize(rightWidth, logHeight)
	m.runPane.SetSize(rightWidth, availableHeight-logHeight)

	m.updateFocusStates()
}

// handleFocusKey moves focus for the pane navigation keys and reports
// whether msg was one of them.
func (m *Model) handleFocusKey(msg tea.KeyMsg) bool {
	switch {
	case key.Matches(msg, m.keys.NextPane):
		m.focus((m.focusedPane + 1) % paneCount)
	case key.Matches(msg, m.keys.PrevPane):
		m.focus((m.focusedPane + paneCount - 1) % paneCount)
	default:
		for pane, b := range []key.Binding{m.keys.Batches, m.keys.Log, m.keys.Run} {
			if key.Matches(msg, b) {
				m.focus(PaneID(pane))
				return true
			}
		}
		return false
	}
	return true
}

func (m *Model) focus(p PaneID) {
	m.focusedPane = p
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.batchPane.SetFocused(m.focusedPane == PaneBatches)
	m.logPane.SetFocused(m.focusedPane == PaneLog)
	m.runPane.SetFocused(m.focusedPane == PaneRun)
}
