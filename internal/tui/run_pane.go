package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/autopilot/internal/events"
)

// RunView is the monitor's summary of one run.
type RunView struct {
	RunID      string
	Slug       string
	State      string
	RetryCount int
	Total      int // batches in the current attempt
	Completed  int
	Blocked    int
	Audit      string
	Message    string
	Finished   bool
}

// RunPaneModel shows progress and the final banner of every run.
type RunPaneModel struct {
	runs    map[string]*RunView
	order   []string
	width   int
	height  int
	focused bool
}

// NewRunPaneModel creates a new run pane model.
func NewRunPaneModel() RunPaneModel {
	return RunPaneModel{runs: make(map[string]*RunView)}
}

func (m *RunPaneModel) run(id string) *RunView {
	r, ok := m.runs[id]
	if !ok {
		r = &RunView{RunID: id, State: "Routing"}
		m.runs[id] = r
		m.order = append(m.order, id)
	}
	return r
}

// Update handles messages for the run pane.
func (m RunPaneModel) Update(msg tea.Msg) (RunPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunStartedEvent:
		m.run(msg.Run).Slug = msg.Slug

	case events.RoutingCompletedEvent:
		r := m.run(msg.Run)
		r.RetryCount = msg.RetryCount
		r.Total = len(msg.Batches)
		r.Completed, r.Blocked = 0, 0
		r.Audit = ""
		r.State = "Dispatching"
		if msg.Err != "" {
			r.State = "Routing failed"
		}

	case events.BatchCompletedEvent:
		r := m.run(msg.Run)
		r.Completed++
		if msg.Status == "BLOCKED" {
			r.Blocked++
		}

	case events.ArtifactWrittenEvent:
		m.run(msg.Run).State = "Auditing"

	case events.AuditCompletedEvent:
		r := m.run(msg.Run)
		r.Audit = fmt.Sprintf("%s (primary %s, secondary %s)", msg.Status, msg.Primary, msg.Secondary)
		r.State = "Deciding"

	case events.RunEscalatedEvent:
		r := m.run(msg.Run)
		r.RetryCount = msg.RetryCount
		r.State = "Escalating"
		r.Message = msg.Reason

	case events.RunFinishedEvent:
		r := m.run(msg.Run)
		r.State = msg.State
		r.RetryCount = msg.RetryCount
		r.Message = msg.Message
		r.Finished = true
	}

	return m, nil
}

// Finished reports whether every run seen so far has ended.
func (m RunPaneModel) Finished() bool {
	if len(m.order) == 0 {
		return false
	}
	for _, id := range m.order {
		if !m.runs[id].Finished {
			return false
		}
	}
	return true
}

// Runs returns the runs in the order they were first seen.
func (m RunPaneModel) Runs() []RunView {
	out := make([]RunView, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.runs[id])
	}
	return out
}

// View renders the run pane.
func (m RunPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Runs")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting for a plan..."))
	}
	for _, id := range m.order {
		m.renderRun(&b, m.runs[id])
	}

	return frame(m.focused, m.width, m.height, b.String())
}

func (m RunPaneModel) renderRun(b *strings.Builder, r *RunView) {
	name := r.Slug
	if name == "" {
		name = r.RunID
	}
	fmt.Fprintf(b, "%s  %s  retry %d\n", StyleTitle.Render(name), r.State, r.RetryCount)

	if r.Total > 0 {
		barWidth := min(m.width-16, 40)
		doneWidth := ((r.Completed - r.Blocked) * barWidth) / r.Total
		blockedWidth := (r.Blocked * barWidth) / r.Total
		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, doneWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, blockedWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, barWidth-doneWidth-blockedWidth)))
		fmt.Fprintf(b, "[%s]  %d/%d\n", bar, r.Completed, r.Total)
	}
	if r.Audit != "" {
		fmt.Fprintf(b, "Audit: %s\n", r.Audit)
	}

	switch {
	case r.Finished && r.State == "Done":
		b.WriteString(StyleBannerDone.Render("DONE: "+r.Message) + "\n")
	case r.Finished:
		b.WriteString(StyleBannerFatal.Render(strings.ToUpper(r.State)+": "+r.Message) + "\n")
	case r.Message != "":
		fmt.Fprintf(b, "Last failure: %s\n", r.Message)
	}
	b.WriteString("\n")
}

// SetSize updates the pane dimensions.
func (m *RunPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *RunPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
