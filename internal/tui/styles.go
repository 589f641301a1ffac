package tui

import "github.com/charmbracelet/lipgloss"

var (
	panelBorder     = lipgloss.Color("#2D6A80")
	accentPrimary   = lipgloss.Color("#50E3C2")
	accentSecondary = lipgloss.Color("#F6AE2D")
	mutedText       = lipgloss.Color("#8CA1AE")
	warningText     = lipgloss.Color("#FF6B6B")
	successText     = lipgloss.Color("#44E7AE")
)

var (
	headerStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Bold(true).
			Foreground(accentPrimary)

	subHeaderStyle = lipgloss.NewStyle().
			Foreground(mutedText)

	statusStyle = lipgloss.NewStyle().
			Foreground(accentSecondary).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(warningText).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(successText)

	panelTitleStyle = lipgloss.NewStyle().
			Foreground(accentPrimary).
			Bold(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(panelBorder).
			Padding(0, 1)

	modalStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(accentSecondary).
			Padding(1, 2)

	errorModalStyle = modalStyle.
			BorderForeground(warningText)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedText)

	placeholderStyle = lipgloss.NewStyle().
				Foreground(mutedText).
				Italic(true)
)
