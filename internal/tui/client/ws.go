// Package client connects the terminal UI to an agentstream server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/agent-stream/backend/internal/event"
	"github.com/agent-stream/backend/internal/ws"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	helloTimeout = 10 * time.Second
)

var ErrNotConnected = errors.New("not connected")

// ChatClient holds one /ws conversation. The server ties the session to the
// connection, so a reconnect starts a new session.
type ChatClient struct {
	url    string
	dialer *websocket.Dialer

	mu        sync.Mutex
	writeMu   sync.Mutex // serialises all conn writes
	conn      *websocket.Conn
	sessionID string
	stopPing  context.CancelFunc
}

// NewChatClient creates a client for the given WebSocket URL.
func NewChatClient(url string) *ChatClient {
	return &ChatClient{url: url, dialer: websocket.DefaultDialer}
}

// --- Bubble Tea messages ---

// ConnectedMsg is sent once the server has assigned a session.
type ConnectedMsg struct{ SessionID string }

// DisconnectedMsg is sent when the connection drops or cannot be made.
type DisconnectedMsg struct{ Err error }

// EventMsg delivers one agent event.
type EventMsg struct{ Event event.Event }

// ErrorMsg wraps a server-side error frame.
type ErrorMsg struct{ Payload ws.ErrorPayload }

// Connect returns a command that dials the server and waits for the session
// frame.
func (c *ChatClient) Connect(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			return DisconnectedMsg{Err: fmt.Errorf("dial %s: %w", c.url, err)}
		}

		_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
		var hello struct {
			Type    ws.MessageType    `json:"type"`
			Payload ws.SessionPayload `json:"payload"`
		}
		if err := conn.ReadJSON(&hello); err != nil || hello.Type != ws.MsgSession {
			conn.Close()
			if err == nil {
				err = fmt.Errorf("unexpected first frame %q", hello.Type)
			}
			return DisconnectedMsg{Err: err}
		}

		pingCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		if c.stopPing != nil {
			c.stopPing()
		}
		c.conn = conn
		c.sessionID = hello.Payload.SessionID
		c.stopPing = cancel
		c.mu.Unlock()

		go c.pingLoop(pingCtx, conn)
		return ConnectedMsg{SessionID: hello.Payload.SessionID}
	}
}

// ReadLoop returns a command that yields the next server message. It must
// be re-issued after every message it delivers.
func (c *ChatClient) ReadLoop() tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return DisconnectedMsg{Err: ErrNotConnected}
		}

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !c.drop(conn) {
					// Replaced by a newer connection; stay quiet.
					return nil
				}
				return DisconnectedMsg{Err: err}
			}
			if msg := decode(data); msg != nil {
				return msg
			}
		}
	}
}

// decode turns a server frame into a Bubble Tea message. Unknown frames
// yield nil.
func decode(data []byte) tea.Msg {
	var frame struct {
		Type    ws.MessageType  `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil
	}
	switch frame.Type {
	case ws.MsgEvent:
		var ev event.Event
		if json.Unmarshal(frame.Payload, &ev) == nil {
			return EventMsg{Event: ev}
		}
	case ws.MsgError:
		var p ws.ErrorPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			return ErrorMsg{Payload: p}
		}
	}
	return nil
}

// Chat starts a turn. agent may be empty.
func (c *ChatClient) Chat(agent, message string) error {
	return c.write(ws.ClientMessage{Type: ws.MsgChat, Agent: agent, Message: message})
}

// Respond answers an input request.
func (c *ChatClient) Respond(requestID, answer string) error {
	return c.write(ws.ClientMessage{Type: ws.MsgRespond, RequestID: requestID, Answer: answer})
}

// Cancel abandons an input request; the turn ends with an error event.
func (c *ChatClient) Cancel(requestID string) error {
	return c.write(ws.ClientMessage{Type: ws.MsgCancel, RequestID: requestID})
}

// SessionID returns the id of the current session, if connected.
func (c *ChatClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close sends a close frame and drops the connection.
func (c *ChatClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.drop(conn)
	return nil
}

func (c *ChatClient) write(msg ws.ClientMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// drop closes conn and reports whether it was the current connection.
func (c *ChatClient) drop(conn *websocket.Conn) bool {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.sessionID = ""
		if c.stopPing != nil {
			c.stopPing()
			c.stopPing = nil
		}
	}
	c.mu.Unlock()
	conn.Close()
	return current
}

// pingLoop sends periodic pings until ctx ends or the connection changes.
func (c *ChatClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
