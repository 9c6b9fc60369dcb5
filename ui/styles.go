package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/fieldpoll/fieldpoll/model"
)

var (
	// Colors
	colorRed    = lipgloss.Color("#FF5555")
	colorYellow = lipgloss.Color("#F1FA8C")
	colorGreen  = lipgloss.Color("#50FA7B")
	colorCyan   = lipgloss.Color("#8BE9FD")
	colorWhite  = lipgloss.Color("#F8F8F2")
	colorGray   = lipgloss.Color("#6272A4")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorGray).
			Padding(0, 1)

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	headerStyle = lipgloss.NewStyle().Foreground(colorGray).Bold(true)
	valueStyle  = lipgloss.NewStyle().Foreground(colorWhite)
	dimStyle    = lipgloss.NewStyle().Foreground(colorGray)
	okStyle     = lipgloss.NewStyle().Foreground(colorGreen)
	warnStyle   = lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	critStyle   = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
)

func statusStyle(s model.DeviceStatus) lipgloss.Style {
	switch s {
	case model.StatusOnline:
		return okStyle
	case model.StatusWarning:
		return warnStyle
	case model.StatusError, model.StatusOffline:
		return critStyle
	default:
		return dimStyle
	}
}
