package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/verifgui/verifsched/internal/events"
)

// maxOutputLines bounds the buffered output of one task.
const maxOutputLines = 5000

// OutputPaneModel buffers streamed output per task and shows one task's
// output in a scrollable viewport.
type OutputPaneModel struct {
	lines     map[string][]string
	shown     string
	viewport  viewport.Model
	width     int
	height    int
	focused   bool
	updateTag int // for debouncing
}

// NewOutputPaneModel creates an empty output pane.
func NewOutputPaneModel() OutputPaneModel {
	return OutputPaneModel{
		lines:    make(map[string][]string),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles task events and scrolling.
func (m OutputPaneModel) Update(msg tea.Msg) (OutputPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		m.lines[msg.Name] = nil
		m.appendLine(msg.Name, fmt.Sprintf("==== %s started %s", msg.Name, msg.Timestamp.Format(time.TimeOnly)))
		if msg.Name == m.shown {
			m.updateViewportContent()
		}

	case events.TaskOutputEvent:
		line := msg.Line
		if msg.Tag != "" && msg.Tag != msg.Name {
			line = "[" + msg.Tag + "] " + line
		}
		m.appendLine(msg.Name, line)
		if msg.Name == m.shown {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.TaskCompletedEvent:
		m.appendLine(msg.Name, fmt.Sprintf("\n[%s]", msg.Message))
		if msg.Name == m.shown {
			m.updateViewportContent()
		}

	case events.TaskFailedEvent:
		m.appendLine(msg.Name, fmt.Sprintf("\n[%s]", msg.Message))
		if msg.Name == m.shown {
			m.updateViewportContent()
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *OutputPaneModel) appendLine(task, line string) {
	buf := append(m.lines[task], line)
	if len(buf) > maxOutputLines {
		buf = buf[len(buf)-maxOutputLines:]
	}
	m.lines[task] = buf
}

// Lines returns the buffered output of task.
func (m OutputPaneModel) Lines(task string) []string {
	return m.lines[task]
}

// Show switches the viewport to task.
func (m *OutputPaneModel) Show(task string) {
	if task == m.shown {
		return
	}
	m.shown = task
	m.updateViewportContent()
}

// View renders the output pane.
func (m OutputPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	title := StyleTitle.Render("Output")
	if m.shown != "" {
		title = StyleTitle.Render("Output: " + m.shown)
	}
	content := lipgloss.JoinVertical(lipgloss.Left, title, m.viewport.View())

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m *OutputPaneModel) updateViewportContent() {
	lines := m.lines[m.shown]
	if len(lines) == 0 {
		m.viewport.SetContent(StyleStatusPending.Render("No output yet."))
		return
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

// SetSize updates the pane dimensions.
func (m *OutputPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-3, 3) // border and title
}

// SetFocused updates the focus state.
func (m *OutputPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
