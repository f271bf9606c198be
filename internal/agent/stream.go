package agent

import (
	"context"
	"io"
	"iter"

	"github.com/agent-stream/backend/internal/event"
)

// Stream is the lazy event sequence of one chat turn. The producer hands
// over one event at a time, so a consumer may stop calling Next, do other
// work, and continue later without losing its position.
type Stream struct {
	events   <-chan event.Event
	terminal bool
}

func newStream(events <-chan event.Event) *Stream {
	return &Stream{events: events}
}

// Next returns the next event. After the terminal event it returns io.EOF.
// If the turn was torn down before reaching a terminal event it returns
// ErrAborted. Next is not safe for concurrent use.
func (s *Stream) Next(ctx context.Context) (event.Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			if s.terminal {
				return event.Event{}, io.EOF
			}
			return event.Event{}, ErrAborted
		}
		if ev.IsTerminal() {
			s.terminal = true
		}
		return ev, nil
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}

// All ranges over the remaining events until the sequence ends or ctx is
// done. Breaking out of the loop leaves the stream positioned after the
// last yielded event.
func (s *Stream) All(ctx context.Context) iter.Seq[event.Event] {
	return func(yield func(event.Event) bool) {
		for {
			ev, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Collect drains events until the sequence ends, stop returns true for an
// event, or ctx is done. The stopping event is included. A fully drained
// stream returns a nil error.
func (s *Stream) Collect(ctx context.Context, stop func(event.Event) bool) ([]event.Event, error) {
	var out []event.Event
	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
		if stop != nil && stop(ev) {
			return out, nil
		}
	}
}
