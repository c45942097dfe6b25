package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/verifgui/verifsched/internal/events"
)

// ProgressPaneModel shows the run queue and per-phase task counts.
type ProgressPaneModel struct {
	progress  events.ProgressEvent
	active    string
	queued    []string
	lastChain *events.ChainFinishedEvent
	width     int
	height    int
	focused   bool
}

// NewProgressPaneModel creates a new progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles progress and queue events.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.ProgressEvent:
		m.progress = msg
	case events.QueueAdvancedEvent:
		m.active = msg.Active
		m.queued = msg.Queued
	case events.ChainFinishedEvent:
		m.active = ""
		m.queued = nil
		m.lastChain = &msg
	}
	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	p := m.progress
	fmt.Fprintf(&b, "Passed:      %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", p.Passed)))
	fmt.Fprintf(&b, "Running:     %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", p.Running)))
	fmt.Fprintf(&b, "Failed:      %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", p.Failed)))
	fmt.Fprintf(&b, "Killed:      %s\n", StyleStatusKilled.Render(fmt.Sprintf("%d", p.Killed)))
	fmt.Fprintf(&b, "Not started: %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", p.NotStarted)))
	b.WriteString("\n")

	if p.Total > 0 {
		barWidth := min(m.width-12, 40)
		passedWidth := (p.Passed * barWidth) / p.Total
		failedWidth := ((p.Failed + p.Killed) * barWidth) / p.Total
		runningWidth := (p.Running * barWidth) / p.Total
		pendingWidth := barWidth - passedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, passedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		fmt.Fprintf(&b, "[%s]  %d/%d\n\n", bar, p.Passed, p.Total)
	}

	switch {
	case m.active != "":
		fmt.Fprintf(&b, "Active: %s\n", StyleStatusRunning.Render(m.active))
		if len(m.queued) > 0 {
			fmt.Fprintf(&b, "Queued: %s\n", strings.Join(m.queued, " -> "))
		}
	case m.lastChain != nil:
		style := StyleStatusComplete
		if !m.lastChain.Success {
			style = StyleStatusFailed
		}
		b.WriteString(style.Render(m.lastChain.Message))
		b.WriteString("\n")
	default:
		b.WriteString(StyleStatusPending.Render("Idle"))
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
