package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/verifgui/verifsched/internal/scheduler"
)

var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Task phase colours: passed green, failed red, running yellow, killed
// magenta, never run grey.
var (
	StyleStatusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	StyleStatusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	StyleStatusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	StyleStatusKilled   = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	StyleStatusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))

	StyleHelp   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	StyleNotice = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	StyleError  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// PhaseStyle returns the colour a task phase is drawn in.
func PhaseStyle(p scheduler.Phase) lipgloss.Style {
	switch p {
	case scheduler.PhaseRunning:
		return StyleStatusRunning
	case scheduler.PhasePassed:
		return StyleStatusComplete
	case scheduler.PhaseFailed:
		return StyleStatusFailed
	case scheduler.PhaseKilled:
		return StyleStatusKilled
	default:
		return StyleStatusPending
	}
}
