package session

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/agent-stream/backend/internal/pending"
)

// State is the position of a Session in its conversation lifecycle.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateAwaitingInput
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:          "IDLE",
	StateRunning:       "RUNNING",
	StateAwaitingInput: "AWAITING_INPUT",
	StateCompleted:     "COMPLETED",
	StateFailed:        "FAILED",
}

var stateFromName = map[string]State{
	"IDLE":           StateIdle,
	"RUNNING":        StateRunning,
	"AWAITING_INPUT": StateAwaitingInput,
	"COMPLETED":      StateCompleted,
	"FAILED":         StateFailed,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// IsTerminal reports whether s is COMPLETED or FAILED.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Busy reports whether a turn is in flight.
func (s State) Busy() bool {
	return s == StateRunning || s == StateAwaitingInput
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := stateFromName[name]
	if !ok {
		return fmt.Errorf("unknown session state %q", name)
	}
	*s = v
	return nil
}

// Info is a point-in-time snapshot of a Session, safe to retain and
// serialize.
type Info struct {
	ID             string            `json:"id"`
	State          State             `json:"state"`
	Engine         string            `json:"engine"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	Turns          int               `json:"turns"`
	Step           int               `json:"step"`
	InputRequests  int               `json:"input_requests"`
	Context        map[string]string `json:"context,omitempty"`
	Pending        []pending.Info    `json:"pending,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	LastErrorType  string            `json:"last_error_type,omitempty"`
}

// Clone returns a deep copy of the Info.
func (i Info) Clone() Info {
	i.Context = maps.Clone(i.Context)
	if i.Pending != nil {
		i.Pending = append([]pending.Info(nil), i.Pending...)
	}
	return i
}
