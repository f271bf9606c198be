package ws

import (
	"github.com/agent-stream/backend/internal/event"
	"github.com/agent-stream/backend/internal/procstat"
	"github.com/agent-stream/backend/internal/session"
	"github.com/agent-stream/backend/internal/stats"
)

type MessageType string

// Server to client.
const (
	MsgSession  MessageType = "session"
	MsgEvent    MessageType = "event"
	MsgError    MessageType = "error"
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
)

// Client to server.
const (
	MsgChat    MessageType = "chat"
	MsgRespond MessageType = "respond"
	MsgCancel  MessageType = "cancel"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

// ClientMessage is a frame sent by a chat client over /ws.
type ClientMessage struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message,omitempty"`
	Agent     string      `json:"agent,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Answer    string      `json:"answer,omitempty"`
}

type SessionPayload struct {
	SessionID string `json:"session_id"`
}

type ErrorPayload struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SnapshotPayload struct {
	Sessions []session.Info `json:"sessions"`
}

type DeltaPayload struct {
	Updates []session.Info `json:"updates,omitempty"`
	Removed []string       `json:"removed,omitempty"`
}

// REST bodies.

type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

type ChatRequest struct {
	Message string `json:"message"`
	Agent   string `json:"agent,omitempty"`
}

type RespondRequest struct {
	RequestID string `json:"request_id"`
	Answer    string `json:"answer"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status         string         `json:"status"`
	Engine         string         `json:"engine"`
	Sessions       int            `json:"sessions"`
	ActiveSessions int            `json:"active_sessions"`
	Clients        int            `json:"clients"`
	UptimeSec      float64        `json:"uptime_sec"`
	Process        *procstat.Self `json:"process,omitempty"`

	EngineHealth *stats.HealthSnapshot `json:"engine_health,omitempty"`
}

// EventFrame wraps an event for /ws chat clients.
func EventFrame(ev event.Event) WSMessage {
	return WSMessage{Type: MsgEvent, Payload: ev.Wire()}
}
