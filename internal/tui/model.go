// Package tui is the interactive terminal front end: a task list, the
// selected task's output, chain progress, and follow-on prompts.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/verifgui/verifsched/internal/config"
	"github.com/verifgui/verifsched/internal/events"
	"github.com/verifgui/verifsched/internal/prompt"
	"github.com/verifgui/verifsched/internal/scheduler"
)

// Controller is the part of the scheduler the TUI drives.
type Controller interface {
	StartChain(ctx context.Context, name string) ([]string, error)
	Reset(ctx context.Context, name string) error
	KillActive() bool
	Statuses(ctx context.Context) ([]scheduler.TaskState, error)
}

// Answerer resolves follow-on prompts.
type Answerer interface {
	Answer(id string, accepted []string) error
}

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneOutput
	PaneProgress
)

// Deps wires the model to a running scheduler.
type Deps struct {
	Scheduler Controller
	Broker    Answerer
	Bus       *events.EventBus
	// Prompts delivers follow-on requests, see PromptFeed.
	Prompts           <-chan prompt.Request
	Config            *config.Config
	GlobalConfigPath  string
	ProjectConfigPath string
}

// PromptFeed returns a notify hook for prompt.WithNotify and the channel the
// model reads requests from.
func PromptFeed(size int) (func(prompt.Request), <-chan prompt.Request) {
	ch := make(chan prompt.Request, size)
	return func(r prompt.Request) { ch <- r }, ch
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	ctl          Controller
	broker       Answerer
	taskPane     TaskPaneModel
	outputPane   OutputPaneModel
	progressPane ProgressPaneModel
	followOnPane FollowOnPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	prompts      <-chan prompt.Request
	notice       string
	noticeErr    bool
	width        int
	height       int
	quitting     bool
	showSettings bool
}

// statusesMsg carries a fresh status snapshot.
type statusesMsg struct {
	states []scheduler.TaskState
	err    error
}

// actionMsg reports the result of a start, reset, kill or answer.
type actionMsg struct {
	text string
	err  error
}

type promptMsg struct {
	req prompt.Request
}

// New creates a new TUI model. It subscribes to all events from the bus.
func New(d Deps) Model {
	m := Model{
		ctl:          d.Scheduler,
		broker:       d.Broker,
		taskPane:     NewTaskPaneModel(),
		outputPane:   NewOutputPaneModel(),
		progressPane: NewProgressPaneModel(),
		followOnPane: NewFollowOnPaneModel(),
		settingsPane: NewSettingsPaneModel(d.Config, d.GlobalConfigPath, d.ProjectConfigPath),
		focusedPane:  PaneTasks,
		prompts:      d.Prompts,
	}
	if d.Bus != nil {
		m.eventSub = d.Bus.SubscribeAll(1024)
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), waitForPrompt(m.prompts), m.refresh())
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	if sub == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

func waitForPrompt(ch <-chan prompt.Request) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		req, ok := <-ch
		if !ok {
			return nil
		}
		return promptMsg{req: req}
	}
}

func (m Model) refresh() tea.Cmd {
	ctl := m.ctl
	return func() tea.Msg {
		states, err := ctl.Statuses(context.Background())
		return statusesMsg{states: states, err: err}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)
		m.followOnPane.SetSize(msg.Width, msg.Height)

	case statusesMsg:
		if msg.err != nil {
			m.setNotice(msg.err.Error(), true)
			break
		}
		m.taskPane.SetStates(msg.states)
		m.showSelected()

	case actionMsg:
		if msg.err != nil {
			m.setNotice(msg.err.Error(), true)
		} else {
			m.setNotice(msg.text, false)
		}
		cmds = append(cmds, m.refresh())

	case promptMsg:
		cmds = append(cmds, m.followOnPane.Open(msg.req), waitForPrompt(m.prompts))

	case events.Event:
		var cmd tea.Cmd
		switch msg.(type) {
		case events.TaskStartedEvent, events.TaskOutputEvent, events.TaskCompletedEvent, events.TaskFailedEvent:
			m.outputPane, cmd = m.outputPane.Update(msg)
			cmds = append(cmds, cmd)
		case events.ProgressEvent, events.QueueAdvancedEvent:
			m.progressPane, cmd = m.progressPane.Update(msg)
			cmds = append(cmds, cmd)
		case events.ChainFinishedEvent:
			m.progressPane, cmd = m.progressPane.Update(msg)
			cmds = append(cmds, cmd)
			finished := msg.(events.ChainFinishedEvent)
			m.setNotice(finished.Message, !finished.Success)
		}
		// Output lines do not change any status.
		if msg.EventType() != events.EventTypeTaskOutput {
			cmds = append(cmds, m.refresh())
		}
		cmds = append(cmds, waitForEvent(m.eventSub))

	case tickMsg:
		var cmd tea.Cmd
		m.outputPane, cmd = m.outputPane.Update(msg)
		cmds = append(cmds, cmd)

	default:
		// huh forms emit their own messages.
		if m.followOnPane.IsVisible() {
			var cmd tea.Cmd
			m.followOnPane, cmd = m.followOnPane.Update(msg)
			cmds = append(cmds, cmd, m.answerIfDone())
		} else if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == KeyCtrlC {
		m.quitting = true
		return m, tea.Quit
	}

	// Follow-on questions are modal.
	if m.followOnPane.IsVisible() {
		var cmd tea.Cmd
		m.followOnPane, cmd = m.followOnPane.Update(msg)
		answer := m.answerIfDone()
		return m, tea.Batch(cmd, answer)
	}

	if m.showSettings {
		if msg.String() == KeyEsc {
			m.showSettings = false
			m.settingsPane.SetVisible(false)
			return m, nil
		}
		var cmd tea.Cmd
		m.settingsPane, cmd = m.settingsPane.Update(msg)
		if !m.settingsPane.IsVisible() {
			m.showSettings = false
			if m.settingsPane.Saved() {
				m.setNotice("Settings saved; they apply on the next start", false)
			}
		}
		return m, cmd
	}

	switch msg.String() {
	case KeyQuit:
		m.quitting = true
		return m, tea.Quit

	case KeySettings:
		m.showSettings = true
		m.settingsPane.SetVisible(true)
		return m, m.settingsPane.Init()

	case KeyTab:
		m.focusedPane = (m.focusedPane + 1) % 3
		m.updateFocusStates()

	case KeyShiftTab:
		m.focusedPane = (m.focusedPane + 2) % 3
		m.updateFocusStates()

	case KeyPane1:
		m.focusedPane = PaneTasks
		m.updateFocusStates()

	case KeyPane2:
		m.focusedPane = PaneOutput
		m.updateFocusStates()

	case KeyPane3:
		m.focusedPane = PaneProgress
		m.updateFocusStates()

	case KeyEnter:
		return m, m.activateSelected()

	case KeyKill:
		return m, m.killCmd()

	default:
		var cmd tea.Cmd
		switch m.focusedPane {
		case PaneTasks:
			m.taskPane, cmd = m.taskPane.Update(msg)
			m.showSelected()
		case PaneOutput:
			m.outputPane, cmd = m.outputPane.Update(msg)
		}
		return m, cmd
	}

	return m, nil
}

// activateSelected runs, resets or kills the selected task depending on its
// phase: running tasks are killed, finished ones reset, others started.
func (m Model) activateSelected() tea.Cmd {
	st, ok := m.taskPane.Selected()
	if !ok {
		return nil
	}

	ctl := m.ctl
	name := st.Name
	switch {
	case st.Phase == scheduler.PhaseRunning:
		return m.killCmd()
	case st.Record.Finished:
		return func() tea.Msg {
			if err := ctl.Reset(context.Background(), name); err != nil {
				return actionMsg{err: err}
			}
			return actionMsg{text: name + " reset"}
		}
	default:
		return func() tea.Msg {
			planned, err := ctl.StartChain(context.Background(), name)
			if err != nil {
				return actionMsg{err: err}
			}
			return actionMsg{text: "Running " + strings.Join(planned, " -> ")}
		}
	}
}

func (m Model) killCmd() tea.Cmd {
	ctl := m.ctl
	return func() tea.Msg {
		if !ctl.KillActive() {
			return actionMsg{text: "Nothing is running"}
		}
		return actionMsg{text: "Kill requested"}
	}
}

// answerIfDone sends the follow-on answer once the form is closed.
func (m *Model) answerIfDone() tea.Cmd {
	req, accepted, ok := m.followOnPane.Result()
	if !ok || m.broker == nil {
		return nil
	}
	broker := m.broker
	return func() tea.Msg {
		if err := broker.Answer(req.ID, accepted); err != nil {
			return actionMsg{err: err}
		}
		if len(accepted) == 0 {
			return actionMsg{text: "Follow-on tasks skipped"}
		}
		return actionMsg{text: "Queued " + strings.Join(accepted, ", ")}
	}
}

func (m *Model) showSelected() {
	if st, ok := m.taskPane.Selected(); ok {
		m.outputPane.Show(st.Name)
	}
}

func (m *Model) setNotice(text string, isErr bool) {
	m.notice = text
	m.noticeErr = isErr
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.followOnPane.IsVisible() {
		return m.followOnPane.View()
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	rightPane := lipgloss.JoinVertical(lipgloss.Left, m.outputPane.View(), m.progressPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), rightPane)

	notice := ""
	if m.notice != "" {
		style := StyleNotice
		if m.noticeErr {
			style = StyleError
		}
		notice = style.Render(truncate(m.notice, m.width))
	}

	return lipgloss.JoinVertical(lipgloss.Left, mainContent, notice, HelpView())
}

func truncate(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if width > 3 && len(s) > width {
		return s[:width-3] + "..."
	}
	return s
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 35) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 2 // notice and help bar
	rightTopHeight := (availableHeight * 65) / 100
	rightBottomHeight := availableHeight - rightTopHeight

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.outputPane.SetSize(rightWidth, rightTopHeight)
	m.progressPane.SetSize(rightWidth, rightBottomHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.outputPane.SetFocused(m.focusedPane == PaneOutput)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}

// Run starts the program on the terminal and blocks until the user quits or
// ctx is cancelled.
func Run(ctx context.Context, m Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
