// Package app is the root Bubble Tea model of the terminal chat client.
package app

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-stream/backend/internal/event"
	"github.com/agent-stream/backend/internal/tui/client"
	"github.com/agent-stream/backend/internal/tui/theme"
	"github.com/agent-stream/backend/internal/tui/views/status"
	"github.com/agent-stream/backend/internal/tui/views/transcript"
)

// Conn is the part of client.ChatClient the model drives.
type Conn interface {
	Connect(ctx context.Context) tea.Cmd
	ReadLoop() tea.Cmd
	Chat(agent, message string) error
	Respond(requestID, answer string) error
	Cancel(requestID string) error
	Close() error
}

// Model is the root Bubble Tea model.
type Model struct {
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc
	agent  string

	keys   KeyMap
	width  int
	height int

	statusBar  status.Model
	transcript transcript.Model
	input      textinput.Model

	// pending is the id of the input request being answered, if any.
	pending string
}

// New creates the root model. agent optionally names the script or
// sub-agent every turn is addressed to.
func New(conn Conn, engineName, agent string) Model {
	ctx, cancel := context.WithCancel(context.Background())
	in := textinput.New()
	in.Placeholder = "Say something"
	in.Prompt = "> "
	in.Focus()
	return Model{
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		agent:      agent,
		keys:       DefaultKeyMap(),
		statusBar:  status.Model{Engine: engineName},
		transcript: transcript.New(),
		input:      in,
	}
}

// Init connects to the server.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.conn.Connect(m.ctx), textinput.Blink)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.input.Width = max(msg.Width-4, 10)
		m.transcript.SetSize(msg.Width, m.transcriptHeight())
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.ConnectedMsg:
		m.statusBar.Connected = true
		m.statusBar.SessionID = msg.SessionID
		m.statusBar.State = "IDLE"
		m.pending = ""
		m.transcript.AddNote("connected, session " + msg.SessionID)
		return m, m.conn.ReadLoop()

	case client.DisconnectedMsg:
		wasConnected := m.statusBar.Connected
		m.statusBar.Connected = false
		m.statusBar.SessionID = ""
		m.statusBar.State = ""
		m.pending = ""
		if msg.Err != nil && (wasConnected || m.transcript.Len() == 0) {
			m.transcript.AddNote("disconnected: " + msg.Err.Error() + " (ctrl+r to reconnect)")
		}
		return m, nil

	case client.EventMsg:
		m.applyEvent(msg.Event)
		return m, m.conn.ReadLoop()

	case client.ErrorMsg:
		m.transcript.AddEvent(event.New(event.KindError, event.Payload{"error": msg.Payload.Error}))
		return m, m.conn.ReadLoop()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// applyEvent records ev and tracks the session state it implies.
func (m *Model) applyEvent(ev event.Event) {
	m.transcript.AddEvent(ev)
	switch ev.Kind() {
	case event.KindInputRequest:
		m.pending = ev.ID()
		m.statusBar.State = "AWAITING_INPUT"
		m.input.Placeholder = "Answer: " + ev.Get("prompt")
	case event.KindCompleted:
		m.pending = ""
		m.statusBar.State = "COMPLETED"
		m.input.Placeholder = "Say something"
	case event.KindError:
		m.pending = ""
		m.statusBar.State = "FAILED"
		m.input.Placeholder = "Session failed (ctrl+r for a new one)"
	default:
		if m.pending == "" {
			m.statusBar.State = "RUNNING"
		}
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		_ = m.conn.Close()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Reconnect):
		_ = m.conn.Close()
		m.statusBar.Connected = false
		m.transcript.AddNote("starting a new session")
		return m, m.conn.Connect(m.ctx)

	case key.Matches(msg, m.keys.ScrollUp), key.Matches(msg, m.keys.ScrollDn):
		var cmd tea.Cmd
		m.transcript, cmd = m.transcript.Update(msg)
		return m, cmd

	case key.Matches(msg, m.keys.Cancel):
		if m.pending == "" {
			return m, nil
		}
		if err := m.conn.Cancel(m.pending); err != nil {
			m.transcript.AddNote("cancel failed: " + err.Error())
		}
		return m, nil

	case key.Matches(msg, m.keys.Send):
		return m.submit()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit sends the input line as an answer when a question is open, or as
// a new chat message otherwise.
func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	m.input.SetValue("")
	m.transcript.AddUser(text)

	var err error
	if m.pending != "" {
		err = m.conn.Respond(m.pending, text)
		if err == nil {
			m.pending = ""
			m.statusBar.State = "RUNNING"
			m.input.Placeholder = "Say something"
		}
	} else {
		err = m.conn.Chat(m.agent, text)
		if err == nil {
			m.statusBar.State = "RUNNING"
		}
	}
	if err != nil {
		m.transcript.AddNote("send failed: " + err.Error())
	}
	return m, nil
}

// Answering reports whether the input line currently answers a question.
func (m Model) Answering() bool {
	return m.pending != ""
}

func (m Model) transcriptHeight() int {
	// status bar (3) + input box (3) + help (1)
	return max(m.height-7, 1)
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	inputBox := theme.StyleBorder.Width(max(m.width-2, 10)).Render(m.input.View())
	help := "  enter:send  pgup/pgdn:scroll  ctrl+r:new session  ctrl+c:quit"
	if m.pending != "" {
		help = "  enter:answer  esc:decline  pgup/pgdn:scroll  ctrl+c:quit"
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.statusBar.View(),
		m.transcript.View(),
		inputBox,
		theme.StyleDimmed.Render(help),
	)
}
