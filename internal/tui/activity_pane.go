package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskforge/internal/clientstate"
	"github.com/aristath/taskforge/internal/events"
)

// ActivityPaneModel renders the activity log, newest first.
type ActivityPaneModel struct {
	items    []clientstate.ActivityItem
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewActivityPaneModel creates a new activity pane model.
func NewActivityPaneModel() ActivityPaneModel {
	return ActivityPaneModel{viewport: viewport.New(0, 0)}
}

// SetItems replaces the log. The view stays scrolled to the newest entry.
func (m *ActivityPaneModel) SetItems(items []clientstate.ActivityItem) {
	m.items = items
	m.viewport.SetContent(m.render())
	m.viewport.GotoTop()
}

// Update handles messages for the activity pane.
func (m ActivityPaneModel) Update(msg tea.Msg) (ActivityPaneModel, tea.Cmd) {
	var cmd tea.Cmd
	if _, ok := msg.(tea.KeyMsg); ok && !m.focused {
		return m, nil
	}
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the activity pane.
func (m ActivityPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	content := StyleTitle.Render("Activity") + "\n" + m.viewport.View()

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m ActivityPaneModel) render() string {
	if len(m.items) == 0 {
		return StyleStatusPending.Render("No activity yet")
	}
	width := max(m.width-6, 20)
	var b strings.Builder
	for _, item := range m.items {
		line := fmt.Sprintf("#%-5d %s %s", item.Timestamp, item.Agent, item.Message)
		b.WriteString(activityStyle(item.Type).Render(truncate(line, width)))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func activityStyle(kind string) lipgloss.Style {
	switch kind {
	case events.ActivityTaskCompleted:
		return StyleStatusComplete
	case events.ActivityTaskFailed:
		return StyleStatusFailed
	case events.ActivityTaskBlocked, events.ActivityCorrectionAttempt:
		return StyleStatusBlocked
	default:
		return StyleHelp
	}
}

// SetSize updates the pane dimensions.
func (m *ActivityPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-3, 2)
	m.viewport.SetContent(m.render())
}

// SetFocused updates the focus state.
func (m *ActivityPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
