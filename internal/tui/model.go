// Package tui implements the terminal monitor: a live view of one project's
// agents, tasks and activity driven by a clientstate.Store.
package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskforge/internal/clientstate"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneAgents PaneID = iota
	PaneTasks
	PaneActivity
	paneCount
)

// ResyncFunc refetches the authoritative snapshot into the store.
type ResyncFunc func(ctx context.Context) error

// stateMsg carries a new store state into the model.
type stateMsg struct{ state *clientstate.State }

// resyncDoneMsg reports the outcome of a manual resync.
type resyncDoneMsg struct{ err error }

// Model is the root Bubble Tea model for the monitor.
type Model struct {
	store        *clientstate.Store
	sub          <-chan struct{}
	resync       ResyncFunc
	project      string
	state        *clientstate.State
	agentPane    AgentPaneModel
	taskPane     TaskPaneModel
	activityPane ActivityPaneModel
	focusedPane  PaneID
	status       string
	width        int
	height       int
	quitting     bool
}

// New creates a monitor model. It subscribes to store changes; resync may be
// nil, which disables the resync key.
func New(store *clientstate.Store, project string, resync ResyncFunc) Model {
	m := Model{
		store:        store,
		sub:          store.Subscribe(),
		resync:       resync,
		project:      project,
		agentPane:    NewAgentPaneModel(),
		taskPane:     NewTaskPaneModel(),
		activityPane: NewActivityPaneModel(),
		focusedPane:  PaneAgents,
	}
	m.applyState(store.State())
	m.updateFocusStates()
	return m
}

// Close releases the store subscription.
func (m Model) Close() {
	m.store.Unsubscribe(m.sub)
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForChange(m.store, m.sub)
}

// waitForChange returns a command that blocks until the store changes.
func waitForChange(store *clientstate.Store, sub <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-sub; !ok {
			return nil // unsubscribed
		}
		return stateMsg{state: store.State()}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneAgents
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneActivity
			m.updateFocusStates()

		case KeyResync:
			if m.resync != nil {
				m.status = "resyncing..."
				cmds = append(cmds, runResync(m.resync))
			}

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneAgents:
				m.agentPane, cmd = m.agentPane.Update(msg)
			case PaneTasks:
				m.taskPane, cmd = m.taskPane.Update(msg)
			case PaneActivity:
				m.activityPane, cmd = m.activityPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case stateMsg:
		m.applyState(msg.state)
		cmds = append(cmds, waitForChange(m.store, m.sub))

	case resyncDoneMsg:
		if msg.err != nil {
			m.status = "resync failed: " + msg.err.Error()
		} else {
			m.status = ""
		}
	}

	return m, tea.Batch(cmds...)
}

func runResync(resync ResyncFunc) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return resyncDoneMsg{err: resync(ctx)}
	}
}

func (m *Model) applyState(s *clientstate.State) {
	m.state = s
	m.agentPane.SetAgents(s.AgentList())
	m.taskPane.SetState(s)
	m.activityPane.SetItems(s.Activity)
}

// View renders the monitor.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	leftPane := m.agentPane.View()
	rightPane := lipgloss.JoinVertical(lipgloss.Left, m.taskPane.View(), m.activityPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, leftPane, rightPane)

	return lipgloss.JoinVertical(lipgloss.Left, m.headerView(), mainContent, HelpView())
}

// headerView shows the project and the connection health.
func (m Model) headerView() string {
	conn := StyleDisconnected.Render("● disconnected, reconnecting")
	if m.state.Connected {
		conn = StyleConnected.Render("● connected")
	}
	header := fmt.Sprintf("%s  %s  sync #%d",
		StyleTitle.Render("taskforge: "+m.project), conn, m.state.LastSync)
	if m.status != "" {
		header += "  " + StyleHelp.Render(m.status)
	}
	return header
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 35) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 2 // header and help bar
	taskHeight := (availableHeight * 60) / 100
	activityHeight := availableHeight - taskHeight

	m.agentPane.SetSize(leftWidth, availableHeight)
	m.taskPane.SetSize(rightWidth, taskHeight)
	m.activityPane.SetSize(rightWidth, activityHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.agentPane.SetFocused(m.focusedPane == PaneAgents)
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.activityPane.SetFocused(m.focusedPane == PaneActivity)
}
