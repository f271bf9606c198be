// Package theme provides the Lip Gloss palette and reusable styles for the
// terminal client. It is a leaf package with no internal imports.
package theme

import "github.com/charmbracelet/lipgloss"

// Event kind colors.
var (
	ColorText      = lipgloss.Color("#f9fafb")
	ColorAgent     = lipgloss.Color("#7c3aed")
	ColorAutoReply = lipgloss.Color("#06b6d4")
	ColorQuestion  = lipgloss.Color("#d97706")
	ColorWaiting   = lipgloss.Color("#854d0e")
	ColorComplete  = lipgloss.Color("#16a34a")
	ColorErrored   = lipgloss.Color("#dc2626")
	ColorUser      = lipgloss.Color("#3b82f6")
	ColorDefault   = lipgloss.Color("#9ca3af")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// KindColor returns the color for an event kind name.
func KindColor(kind string) lipgloss.Color {
	switch kind {
	case "text":
		return ColorText
	case "agent_activated":
		return ColorAgent
	case "auto_reply":
		return ColorAutoReply
	case "input_request":
		return ColorQuestion
	case "waiting_for_input":
		return ColorWaiting
	case "completed":
		return ColorComplete
	case "error":
		return ColorErrored
	default:
		return ColorDefault
	}
}

// StateColor returns the color for a session state as the status bar
// shows it.
func StateColor(state string) lipgloss.Color {
	switch state {
	case "RUNNING":
		return ColorHealthy
	case "AWAITING_INPUT":
		return ColorWarning
	case "COMPLETED":
		return ColorComplete
	case "FAILED":
		return ColorDanger
	default:
		return ColorDimmed
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)

	StyleSender = lipgloss.NewStyle().
		Bold(true)
)

// KindGlyph returns a glyph prefixing transcript lines of an event kind.
func KindGlyph(kind string) string {
	switch kind {
	case "text":
		return "›"
	case "agent_activated":
		return "◎"
	case "auto_reply":
		return "↺"
	case "input_request":
		return "?"
	case "waiting_for_input":
		return "◌"
	case "completed":
		return "✓"
	case "error":
		return "✗"
	default:
		return "·"
	}
}
