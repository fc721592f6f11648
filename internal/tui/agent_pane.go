package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskforge/internal/clientstate"
	"github.com/aristath/taskforge/internal/events"
)

// AgentPaneModel lists agents and shows details for the selected one.
type AgentPaneModel struct {
	agents      []clientstate.Agent
	selectedID  string // selection follows the agent, not the row
	selectedIdx int
	width       int
	height      int
	focused     bool
}

// NewAgentPaneModel creates a new agent pane model.
func NewAgentPaneModel() AgentPaneModel {
	return AgentPaneModel{}
}

// SetAgents replaces the listed agents, keeping the selection on the same
// agent when it still exists.
func (m *AgentPaneModel) SetAgents(agents []clientstate.Agent) {
	m.agents = agents
	m.selectedIdx = 0
	for i, a := range agents {
		if a.ID == m.selectedID {
			m.selectedIdx = i
			break
		}
	}
	if len(agents) > 0 {
		m.selectedID = agents[m.selectedIdx].ID
	}
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused || len(m.agents) == 0 {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.agents)-1 {
				m.selectedIdx++
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
		}
		m.selectedID = m.agents[m.selectedIdx].ID
	}
	return m, nil
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render(fmt.Sprintf("Agents (%d)", len(m.agents)))
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	listWidth := m.width - 4
	if len(m.agents) == 0 {
		b.WriteString(StyleStatusPending.Render("No agents yet"))
	}
	for i, a := range m.agents {
		line := fmt.Sprintf("%s %s", AgentStatusIcon(a.Status), truncate(a.ID, listWidth-2))
		if i == m.selectedIdx && m.focused {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if a, ok := m.selected(); ok {
		b.WriteString("\n")
		b.WriteString(StyleTitle.Render("Details"))
		b.WriteString("\n")
		fmt.Fprintf(&b, "type:      %s\n", a.Type)
		fmt.Fprintf(&b, "status:    %s\n", a.Status)
		if a.Provider != "" {
			fmt.Fprintf(&b, "provider:  %s\n", a.Provider)
		}
		current := a.CurrentTask
		if current == "" {
			current = "-"
		}
		fmt.Fprintf(&b, "task:      %s\n", truncate(current, listWidth-11))
		fmt.Fprintf(&b, "completed: %d\n", a.TasksCompleted)
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

func (m AgentPaneModel) selected() (clientstate.Agent, bool) {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.agents) {
		return m.agents[m.selectedIdx], true
	}
	return clientstate.Agent{}, false
}

// AgentStatusIcon returns a styled status indicator.
func AgentStatusIcon(status string) string {
	switch status {
	case events.AgentWorking:
		return StyleStatusRunning.Render("●")
	case events.AgentIdle:
		return StyleStatusComplete.Render("○")
	case events.AgentRetired:
		return StyleStatusPending.Render("✗")
	default:
		return StyleStatusPending.Render("?")
	}
}

// SetSize updates the pane dimensions.
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func truncate(s string, width int) string {
	if width < 4 || lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	if len(r) > width-3 {
		r = r[:width-3]
	}
	return string(r) + "..."
}
