// Package transcript renders a conversation as a scrollable log.
package transcript

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-stream/backend/internal/event"
	"github.com/agent-stream/backend/internal/tui/theme"
)

// Entry is one rendered line group of the transcript.
type Entry struct {
	Kind   string
	Sender string
	Body   string
}

// Model is a viewport over the transcript entries.
type Model struct {
	entries  []Entry
	viewport viewport.Model
	renderer *glamour.TermRenderer
	width    int
}

// New creates an empty transcript.
func New() Model {
	return Model{viewport: viewport.New(0, 0)}
}

// SetSize resizes the viewport and re-wraps markdown for the new width.
func (m *Model) SetSize(width, height int) {
	m.viewport.Width = width
	m.viewport.Height = height
	if width != m.width {
		m.width = width
		m.renderer = nil
		if width > 4 {
			if r, err := glamour.NewTermRenderer(
				glamour.WithStandardStyle("dark"),
				glamour.WithWordWrap(width-4),
			); err == nil {
				m.renderer = r
			}
		}
	}
	m.refresh()
}

// AddUser records a line typed by the user.
func (m *Model) AddUser(text string) {
	m.add(Entry{Kind: "user", Sender: "you", Body: text})
}

// AddNote records a client-side notice, such as a connection change.
func (m *Model) AddNote(text string) {
	m.add(Entry{Kind: "note", Body: text})
}

// AddEvent records an agent event.
func (m *Model) AddEvent(ev event.Event) {
	m.add(FromEvent(ev))
}

// Entries returns the recorded entries.
func (m Model) Entries() []Entry {
	return m.entries
}

// Len returns the number of entries.
func (m Model) Len() int {
	return len(m.entries)
}

func (m *Model) add(e Entry) {
	m.entries = append(m.entries, e)
	m.refresh()
}

// FromEvent describes ev as a transcript entry.
func FromEvent(ev event.Event) Entry {
	kind := ev.Kind().String()
	e := Entry{Kind: kind}
	switch ev.Kind() {
	case event.KindText:
		e.Sender = ev.Get("sender")
		e.Body = ev.Get("text")
	case event.KindAgentActivated:
		e.Body = ev.Get("agent") + " is speaking"
	case event.KindAutoReply:
		e.Sender = ev.Get("agent")
		e.Body = "auto reply"
		if t := ev.Get("text"); t != "" {
			e.Body += ": " + t
		}
	case event.KindInputRequest:
		e.Sender = ev.Get("sender")
		e.Body = ev.Get("prompt")
	case event.KindWaitingForInput:
		e.Body = "waiting for your answer"
	case event.KindCompleted:
		e.Body = "completed"
		if s := ev.Get("summary"); s != "" {
			e.Body += ": " + s
		}
	case event.KindError:
		e.Body = ev.Get("error")
		if t := ev.Get("error_type"); t != "" {
			e.Body = t + ": " + e.Body
		}
	}
	return e
}

func (m *Model) refresh() {
	atBottom := m.viewport.AtBottom()
	var b strings.Builder
	for i, e := range m.entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.render(e))
	}
	m.viewport.SetContent(b.String())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m Model) render(e Entry) string {
	if e.Kind == "note" {
		return theme.StyleDimmed.Render("  " + e.Body)
	}

	color := theme.KindColor(e.Kind)
	if e.Kind == "user" {
		color = theme.ColorUser
	}
	head := lipgloss.NewStyle().Foreground(color).Render(theme.KindGlyph(e.Kind))
	if e.Sender != "" {
		head += " " + theme.StyleSender.Foreground(color).Render(e.Sender)
	}

	body := e.Body
	if e.Kind == "text" && m.renderer != nil {
		if out, err := m.renderer.Render(body); err == nil {
			return head + "\n" + strings.TrimRight(out, "\n")
		}
	}
	return head + " " + lipgloss.NewStyle().Foreground(color).Render(body)
}

// Update forwards scrolling keys and mouse events to the viewport.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	return m.viewport.View()
}
