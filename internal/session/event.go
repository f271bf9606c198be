package session

// EventType classifies session lifecycle events.
type EventType int

const (
	EventNew      EventType = iota // session created
	EventUpdate                    // state, turn, or context change
	EventTerminal                  // session reached COMPLETED or FAILED
	EventRemoved                   // session destroyed
)

var eventTypeNames = map[EventType]string{
	EventNew:      "new",
	EventUpdate:   "update",
	EventTerminal: "terminal",
	EventRemoved:  "removed",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event carries a session snapshot to observers.
type Event struct {
	Type        EventType
	Info        Info // snapshot (safe to retain)
	ActiveCount int  // sessions with a turn in flight at event time
}
