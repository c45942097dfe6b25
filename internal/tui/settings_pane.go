package tui

import (
	"errors"
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/verifgui/verifsched/internal/config"
)

// settingsValues holds the form bindings. It lives behind a pointer so the
// bindings survive copies of the pane.
type settingsValues struct {
	saveTarget    string
	parser        string
	verilator     string
	parseArgs     string
	verilatorArgs string
	threads       string
}

// SettingsPaneModel edits the tool settings and saves them to a config file.
// Saved settings apply the next time verifsched starts.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	values      *settingsValues
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.buildForm()
	return m
}

// buildForm constructs the Huh form from the current config.
func (m *SettingsPaneModel) buildForm() {
	m.values = &settingsValues{
		saveTarget:    "project",
		parser:        m.config.Tools.Parser,
		verilator:     m.config.Tools.Verilator,
		parseArgs:     m.config.ParseArgs,
		verilatorArgs: m.config.VerilatorArgs,
		threads:       strconv.Itoa(m.config.Regression.Threads),
	}
	v := m.values

	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Project ("+m.projectPath+")", "project"),
					huh.NewOption("Global ("+m.globalPath+")", "global"),
				).
				Value(&v.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("parser").
				Title("Parser Command").
				Value(&v.parser).
				Placeholder("rSVParser"),

			huh.NewInput().
				Key("parseArgs").
				Title("Extra Parser Arguments").
				Value(&v.parseArgs),

			huh.NewInput().
				Key("verilator").
				Title("Verilator Command").
				Value(&v.verilator).
				Placeholder("verilator"),

			huh.NewInput().
				Key("verilatorArgs").
				Title("Extra Verilator Arguments").
				Value(&v.verilatorArgs),
		).Title("Tools"),

		huh.NewGroup(
			huh.NewInput().
				Key("threads").
				Title("Regression Threads").
				Value(&v.threads).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 {
						return errors.New("must be a positive number")
					}
					return nil
				}),
		).Title("Regression"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted && !m.saved && m.err == nil {
		targetPath := m.projectPath
		if m.values.saveTarget == "global" {
			targetPath = m.globalPath
		}

		if err := config.Save(m.edited(), targetPath); err != nil {
			m.err = err
		} else {
			m.saved = true
			m.visible = false
		}
	}

	return m, cmd
}

// edited returns a copy of the config with the form values applied. The
// running config is left alone.
func (m SettingsPaneModel) edited() *config.Config {
	cfg := *m.config
	v := m.values
	cfg.Tools.Parser = v.parser
	cfg.Tools.Verilator = v.verilator
	cfg.ParseArgs = v.parseArgs
	cfg.VerilatorArgs = v.verilatorArgs
	if n, err := strconv.Atoi(v.threads); err == nil {
		cfg.Regression.Threads = n
	}
	return &cfg
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	content := m.form.View()
	if m.err != nil {
		content = StyleError.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane. Showing rebuilds the form.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.buildForm()
		if m.width > 0 {
			m.form.WithWidth(m.width - 8).WithHeight(m.height - 8)
		}
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form was written to disk.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
