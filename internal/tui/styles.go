package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Border styles
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleStatusBlocked = lipgloss.NewStyle().
				Foreground(lipgloss.Color("208")).
				Bold(true)

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	StyleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))

	StyleConnected = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green"))

	StyleDisconnected = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)
)

// taskStatusStyle picks the style for a task status string.
func taskStatusStyle(status string) lipgloss.Style {
	switch status {
	case "IN_PROGRESS":
		return StyleStatusRunning
	case "DONE", "MERGED":
		return StyleStatusComplete
	case "FAILED":
		return StyleStatusFailed
	case "BLOCKED":
		return StyleStatusBlocked
	default:
		return StyleStatusPending
	}
}
