package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/agent-stream/backend/internal/tui/theme"
)

// Model holds the status bar state.
type Model struct {
	Connected bool
	SessionID string
	State     string
	Engine    string
	Width     int
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	} else {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr
	if m.SessionID != "" {
		content += sep + "session " + shortID(m.SessionID)
	}
	if m.State != "" {
		content += sep + lipgloss.NewStyle().Foreground(theme.StateColor(m.State)).Render(m.State)
	}
	if m.Engine != "" {
		content += sep + theme.StyleDimmed.Render(fmt.Sprintf("engine: %s", m.Engine))
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
