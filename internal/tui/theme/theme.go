// Package theme provides the Lip Gloss palette and reusable styles for
// the terminal viewer.
package theme

import "github.com/charmbracelet/lipgloss"

// Heart-rate zone colors.
var (
	ColorRest     = lipgloss.Color("#22c55e")
	ColorElevated = lipgloss.Color("#d97706")
	ColorHigh     = lipgloss.Color("#dc2626")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorAccent  = lipgloss.Color("#3b82f6")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

var (
	StyleHeader   = lipgloss.NewStyle().Bold(true).Foreground(ColorBright)
	StyleDimmed   = lipgloss.NewStyle().Foreground(ColorDimmed)
	StyleSelected = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	StyleWarning  = lipgloss.NewStyle().Foreground(ColorWarning)
	StyleDanger   = lipgloss.NewStyle().Foreground(ColorDanger)
)

// HeartRateColor maps a beats-per-minute value to a zone color.
func HeartRateColor(bpm float64) lipgloss.Color {
	switch {
	case bpm >= 180:
		return ColorHigh
	case bpm >= 120:
		return ColorElevated
	default:
		return ColorRest
	}
}
