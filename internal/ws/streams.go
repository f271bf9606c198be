package ws

import (
	"errors"
	"sync"

	"github.com/agent-stream/backend/internal/agent"
)

var (
	errNoTurn     = errors.New("no turn to resume")
	errStreamBusy = errors.New("turn stream already has a consumer")
)

// turnStream is the event stream of a session's latest turn. Only one HTTP
// consumer reads it at a time; a consumer that disconnects leaves it for
// the next one to resume.
type turnStream struct {
	stream *agent.Stream
	busy   bool
}

type streamRegistry struct {
	mu sync.Mutex
	m  map[string]*turnStream
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{m: make(map[string]*turnStream)}
}

// start records stream as the session's current turn, already acquired.
func (r *streamRegistry) start(id string, stream *agent.Stream) *turnStream {
	ts := &turnStream{stream: stream, busy: true}
	r.mu.Lock()
	r.m[id] = ts
	r.mu.Unlock()
	return ts
}

func (r *streamRegistry) acquire(id string) (*turnStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.m[id]
	if !ok {
		return nil, errNoTurn
	}
	if ts.busy {
		return nil, errStreamBusy
	}
	ts.busy = true
	return ts, nil
}

func (r *streamRegistry) release(id string, ts *turnStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m[id] == ts {
		ts.busy = false
	}
}

// finish forgets ts once its stream has ended.
func (r *streamRegistry) finish(id string, ts *turnStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m[id] == ts {
		delete(r.m, id)
	}
}

func (r *streamRegistry) drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
}

// prune drops entries whose session is gone and returns how many it removed.
func (r *streamRegistry) prune(live func(id string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id := range r.m {
		if !live(id) {
			delete(r.m, id)
			n++
		}
	}
	return n
}

func (r *streamRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
