package tui

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/bitdash/bitdash/internal/config"
)

var (
	// Colors
	ColorNeonPurple = lipgloss.AdaptiveColor{Light: "#7a3ec9", Dark: "#bd93f9"}
	ColorNeonPink   = lipgloss.AdaptiveColor{Light: "#c2186a", Dark: "#ff79c6"}
	ColorNeonCyan   = lipgloss.AdaptiveColor{Light: "#00838f", Dark: "#8be9fd"}
	ColorGray       = lipgloss.AdaptiveColor{Light: "#9e9e9e", Dark: "#44475a"}
	ColorLightGray  = lipgloss.AdaptiveColor{Light: "#5f6368", Dark: "#a0a4b8"}
	ColorText       = lipgloss.AdaptiveColor{Light: "#1e1e28", Dark: "#f8f8f2"}

	// Job states
	ColorStateDownloading = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#50fa7b"}
	ColorStateQueued      = lipgloss.AdaptiveColor{Light: "#ef6c00", Dark: "#ffb86c"}
	ColorStateDone        = lipgloss.AdaptiveColor{Light: "#00838f", Dark: "#8be9fd"}
	ColorStateError       = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ff5555"}
	ColorStateUnknown     = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#f1fa8c"}

	LogoStyle = lipgloss.NewStyle().
			Foreground(ColorNeonPurple).
			Bold(true)

	StatsLabelStyle = lipgloss.NewStyle().
			Foreground(ColorNeonCyan).
			Width(12)

	StatsValueStyle = lipgloss.NewStyle().
			Foreground(ColorText)

	TabStyle = lipgloss.NewStyle().
			Foreground(ColorLightGray).
			Padding(0, 1)

	ActiveTabStyle = lipgloss.NewStyle().
			Foreground(ColorNeonPink).
			Bold(true).
			Underline(true).
			Padding(0, 1)

	SectionStyle = lipgloss.NewStyle().
			Foreground(ColorNeonCyan).
			Bold(true)

	HintStyle = lipgloss.NewStyle().
			Foreground(ColorLightGray)

	// Alerts
	AlertSuccessStyle = lipgloss.NewStyle().Foreground(ColorStateDownloading).Bold(true)
	AlertErrorStyle   = lipgloss.NewStyle().Foreground(ColorStateError).Bold(true)
	AlertInfoStyle    = lipgloss.NewStyle().Foreground(ColorNeonCyan)
)

// ApplyTheme pins lipgloss to the configured background, or asks the
// terminal when the theme is adaptive.
func ApplyTheme(theme int) {
	switch theme {
	case config.ThemeLight:
		lipgloss.SetHasDarkBackground(false)
	case config.ThemeDark:
		lipgloss.SetHasDarkBackground(true)
	default:
		lipgloss.SetHasDarkBackground(termenv.HasDarkBackground())
	}
}

// tableStyles returns the shared look of the torrent, peer and piece tables.
func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorGray).
		BorderBottom(true).
		Foreground(ColorNeonCyan).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(ColorNeonPink).
		Bold(true)
	return s
}
