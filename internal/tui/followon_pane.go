package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/verifgui/verifsched/internal/prompt"
)

// FollowOnPaneModel asks which suggested follow-on tasks to run.
type FollowOnPaneModel struct {
	form     *huh.Form
	req      prompt.Request
	selected *[]string // bound to the form
	visible  bool
	done     bool
	width    int
	height   int
}

// NewFollowOnPaneModel creates a hidden follow-on pane.
func NewFollowOnPaneModel() FollowOnPaneModel {
	return FollowOnPaneModel{}
}

// Open shows a form for req with every candidate preselected.
func (m *FollowOnPaneModel) Open(req prompt.Request) tea.Cmd {
	selected := append([]string(nil), req.Candidates...)
	m.req = req
	m.selected = &selected
	m.visible = true
	m.done = false

	description := req.Message
	if description == "" {
		description = req.Task + " passed."
	}
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Key("followOns").
				Title("Run follow-on tasks?").
				Description(description).
				Options(huh.NewOptions(req.Candidates...)...).
				Value(m.selected),
		),
	)
	if m.width > 0 {
		m.form.WithWidth(m.width - 8)
	}
	return m.form.Init()
}

// Update routes keys to the form. Esc declines every candidate.
func (m FollowOnPaneModel) Update(msg tea.Msg) (FollowOnPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		*m.selected = nil
		m.visible = false
		m.done = true
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		m.visible = false
		m.done = true
	case huh.StateAborted:
		*m.selected = nil
		m.visible = false
		m.done = true
	}
	return m, cmd
}

// Result returns the answered request once, then clears it.
func (m *FollowOnPaneModel) Result() (prompt.Request, []string, bool) {
	if !m.done {
		return prompt.Request{}, nil, false
	}
	m.done = false
	return m.req, *m.selected, true
}

// View renders the form as a modal.
func (m FollowOnPaneModel) View() string {
	if !m.visible {
		return ""
	}

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render(fmt.Sprintf("%s finished", m.req.Task))

	body := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Render(m.form.View() + "\n\n" + StyleHelp.Render("space: toggle | enter: confirm | esc: skip all"))

	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

// SetSize updates the dimensions of the pane.
func (m *FollowOnPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8)
	}
}

// IsVisible reports whether a question is open.
func (m FollowOnPaneModel) IsVisible() bool {
	return m.visible
}
