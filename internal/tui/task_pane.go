package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/verifgui/verifsched/internal/scheduler"
)

// TaskPaneModel lists the catalog tasks with their current phase.
type TaskPaneModel struct {
	states      []scheduler.TaskState
	selectedIdx int
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates an empty task list.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{}
}

// Update handles selection keys while the pane is focused.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok && m.focused {
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.states)-1 {
				m.selectedIdx++
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
		}
	}
	return m, nil
}

// SetStates replaces the snapshot, keeping the selection on the same task.
func (m *TaskPaneModel) SetStates(states []scheduler.TaskState) {
	selected, _ := m.Selected()
	m.states = states
	m.selectedIdx = 0
	for i, st := range states {
		if st.Name == selected.Name {
			m.selectedIdx = i
			break
		}
	}
}

// Selected returns the highlighted task.
func (m TaskPaneModel) Selected() (scheduler.TaskState, bool) {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.states) {
		return m.states[m.selectedIdx], true
	}
	return scheduler.TaskState{}, false
}

// View renders the task list.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.states) == 0 {
		b.WriteString(StyleStatusPending.Render("Loading..."))
	}
	for i, st := range m.states {
		line := fmt.Sprintf("%s %-12s %s", PhaseIcon(st.Phase), st.Name, m.detail(st))
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if st, ok := m.Selected(); ok && st.Description != "" {
		b.WriteString("\n")
		b.WriteString(StyleHelp.Render(st.Description))
		if len(st.Dependencies) > 0 {
			b.WriteString("\n")
			b.WriteString(StyleHelp.Render("needs " + strings.Join(st.Dependencies, ", ")))
		}
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

func (m TaskPaneModel) detail(st scheduler.TaskState) string {
	switch {
	case st.Phase == scheduler.PhaseRunning:
		return "running"
	case st.Queued:
		return "queued"
	case !st.Recorded || st.Record.LastRun.IsZero():
		return string(st.Phase)
	default:
		return fmt.Sprintf("%s %s", st.Phase, humanize.Time(st.Record.LastRun))
	}
}

// PhaseIcon returns a styled phase indicator.
func PhaseIcon(p scheduler.Phase) string {
	icon := "○"
	switch p {
	case scheduler.PhaseRunning:
		icon = "●"
	case scheduler.PhasePassed:
		icon = "✓"
	case scheduler.PhaseFailed:
		icon = "✗"
	case scheduler.PhaseKilled:
		icon = "■"
	}
	return PhaseStyle(p).Render(icon)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
