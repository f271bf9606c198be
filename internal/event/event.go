// Package event defines the immutable Event value emitted by agents while a
// conversation turn runs, and its JSON wire shape.
package event

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an Event. The set is closed: new behaviour gets a new Kind.
type Kind int

const (
	KindText Kind = iota + 1
	KindAgentActivated
	KindAutoReply
	KindInputRequest
	KindWaitingForInput
	KindCompleted
	KindError
)

var kindNames = map[Kind]string{
	KindText:            "text",
	KindAgentActivated:  "agent_activated",
	KindAutoReply:       "auto_reply",
	KindInputRequest:    "input_request",
	KindWaitingForInput: "waiting_for_input",
	KindCompleted:       "completed",
	KindError:           "error",
}

var kindFromName = map[string]Kind{
	"text":              KindText,
	"agent_activated":   KindAgentActivated,
	"auto_reply":        KindAutoReply,
	"input_request":     KindInputRequest,
	"waiting_for_input": KindWaitingForInput,
	"completed":         KindCompleted,
	"error":             KindError,
}

// Kinds returns every Kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindText, KindAgentActivated, KindAutoReply, KindInputRequest, KindWaitingForInput, KindCompleted, KindError}
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// IsTerminal reports whether the kind ends a chat sequence.
func (k Kind) IsTerminal() bool {
	return k == KindCompleted || k == KindError
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := kindFromName[s]
	if !ok {
		return fmt.Errorf("unknown event kind %q", s)
	}
	*k = v
	return nil
}

// Payload is the kind-specific body of an Event. Values are strings or
// nested map[string]string.
type Payload map[string]any

// Event is a snapshot of one observable step of a conversation. Fields are
// unexported so an Event cannot change after New returns; accessors hand out
// copies.
type Event struct {
	id        string
	kind      Kind
	payload   Payload
	createdAt time.Time
}

// New creates an Event with a fresh id.
func New(kind Kind, payload Payload) Event {
	return NewWithID(uuid.NewString(), kind, payload)
}

// NewWithID creates an Event with a caller-chosen id. Agents use it for
// INPUT_REQUEST events whose id must match a pending request registered
// before the event is emitted.
func NewWithID(id string, kind Kind, payload Payload) Event {
	return Event{
		id:        id,
		kind:      kind,
		payload:   clonePayload(payload),
		createdAt: time.Now().UTC(),
	}
}

func (e Event) ID() string           { return e.id }
func (e Event) Kind() Kind           { return e.kind }
func (e Event) CreatedAt() time.Time { return e.createdAt }

// Payload returns a copy of the event payload.
func (e Event) Payload() Payload {
	return clonePayload(e.payload)
}

// Get returns a string payload value, or "" when absent or not a string.
func (e Event) Get(key string) string {
	s, _ := e.payload[key].(string)
	return s
}

// IsTerminal reports whether this event ends its chat sequence.
func (e Event) IsTerminal() bool {
	return e.kind.IsTerminal()
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s)", e.kind, e.id)
}

func clonePayload(p Payload) Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		if m, ok := v.(map[string]string); ok {
			v = maps.Clone(m)
		}
		out[k] = v
	}
	return out
}
