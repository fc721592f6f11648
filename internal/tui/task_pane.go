package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/taskforge/internal/clientstate"
)

// headerLines is the height of the title, counts and progress bar block.
const headerLines = 4

// TaskPaneModel shows project progress and a scrollable task list.
type TaskPaneModel struct {
	tasks    []clientstate.Task
	counts   map[string]int
	progress clientstate.Progress
	viewport viewport.Model
	width    int
	height   int
	focused  bool
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		counts:   map[string]int{},
		viewport: viewport.New(0, 0),
	}
}

// SetState copies the task half of s into the pane.
func (m *TaskPaneModel) SetState(s *clientstate.State) {
	m.tasks = s.TaskList()
	m.counts = s.CountByStatus()
	m.progress = s.Progress
	m.viewport.SetContent(m.renderTasks())
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd
	if _, ok := msg.(tea.KeyMsg); ok && !m.focused {
		return m, nil
	}
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")

	running := m.counts["IN_PROGRESS"]
	failed := m.counts["FAILED"] + m.counts["BLOCKED"]
	fmt.Fprintf(&b, "Done: %s  Running: %s  Failed/Blocked: %s  Pending: %s\n",
		StyleStatusComplete.Render(fmt.Sprint(m.counts["DONE"]+m.counts["MERGED"])),
		StyleStatusRunning.Render(fmt.Sprint(running)),
		StyleStatusFailed.Render(fmt.Sprint(failed)),
		StyleStatusPending.Render(fmt.Sprint(m.counts["BACKLOG"]+m.counts["READY"])),
	)
	b.WriteString(m.renderBar())
	b.WriteString("\n\n")
	b.WriteString(m.viewport.View())

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// renderBar draws the completion bar from the server-reported progress.
func (m TaskPaneModel) renderBar() string {
	p := m.progress
	if p.TotalTasks == 0 {
		return StyleStatusPending.Render("No tasks")
	}
	barWidth := min(m.width-20, 40)
	if barWidth < 5 {
		barWidth = 5
	}
	done := min((p.CompletedTasks*barWidth)/p.TotalTasks, barWidth)
	bar := StyleStatusComplete.Render(strings.Repeat("=", done)) +
		StyleStatusPending.Render(strings.Repeat(".", barWidth-done))
	return fmt.Sprintf("[%s] %d/%d %.0f%%", bar, p.CompletedTasks, p.TotalTasks, p.Percentage)
}

func (m TaskPaneModel) renderTasks() string {
	if len(m.tasks) == 0 {
		return StyleStatusPending.Render("Waiting for tasks...")
	}
	lineWidth := max(m.width-6, 20)
	var b strings.Builder
	for _, t := range m.tasks {
		status := taskStatusStyle(t.Status).Render(fmt.Sprintf("%-11s", t.Status))
		label := t.ID
		if t.Title != "" {
			label = t.ID + " " + t.Title
		}
		line := status + " " + truncate(label, lineWidth-12)
		b.WriteString(line)
		b.WriteString("\n")
		switch {
		case t.Status == "IN_PROGRESS" && t.AssignedAgent != "":
			b.WriteString(StyleHelp.Render("            on " + t.AssignedAgent))
			b.WriteString("\n")
		case t.Status == "BLOCKED" && len(t.BlockedBy) > 0:
			b.WriteString(StyleHelp.Render("            waiting on " + strings.Join(t.BlockedBy, ", ")))
			b.WriteString("\n")
		case t.Diagnostic != "" && (t.Status == "BLOCKED" || t.Status == "FAILED"):
			b.WriteString(StyleHelp.Render("            " + truncate(t.Diagnostic, lineWidth-12)))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-2-headerLines, 3)
	m.viewport.SetContent(m.renderTasks())
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
