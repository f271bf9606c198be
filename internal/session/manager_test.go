package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-stream/backend/internal/agent"
	"github.com/agent-stream/backend/internal/mock"
)

// drainEvents collects all events currently in ch without blocking.
func drainEvents(ch <-chan Event) []Event {
	var events []Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func typesOf(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestManagerCreateGetList(t *testing.T) {
	m := newTestManager(t)

	id1, err := m.Create()
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	id2, err := m.Create()
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	s, err := m.Get(id1)
	require.NoError(t, err)
	assert.Equal(t, id1, s.ID())

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, id1, list[0].ID)
	assert.Equal(t, id2, list[1].ID)
	assert.Equal(t, StateIdle, list[0].State)
	assert.Equal(t, "mock", list[0].Engine)
	assert.Equal(t, 2, m.Len())
}

func TestManagerGetUnknown(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, m.Destroy("nope"))
}

func TestManagerMaxSessions(t *testing.T) {
	m := newTestManager(t, WithMaxSessions(1))

	id, err := m.Create()
	require.NoError(t, err)
	_, err = m.Create()
	assert.ErrorIs(t, err, ErrTooManySessions)

	m.Destroy(id)
	_, err = m.Create()
	assert.NoError(t, err)
}

func TestManagerObservers(t *testing.T) {
	m := newTestManager(t)
	ch := make(chan Event, 32)
	m.Observe(ch)

	s := newTestSession(t, m)
	stream, err := s.ChatWith(t.Context(), mock.ScriptEcho, "hi")
	require.NoError(t, err)
	collectAll(t, stream)
	m.Destroy(s.ID())

	evs := drainEvents(ch)
	assert.Equal(t, []EventType{EventNew, EventUpdate, EventTerminal, EventRemoved}, typesOf(evs))
	assert.Equal(t, StateIdle, evs[0].Info.State)
	assert.Equal(t, StateRunning, evs[1].Info.State)
	assert.Equal(t, StateCompleted, evs[2].Info.State)
	for _, ev := range evs {
		assert.Equal(t, s.ID(), ev.Info.ID)
	}
}

func TestManagerObserverDoesNotBlock(t *testing.T) {
	m := newTestManager(t)
	ch := make(chan Event) // never read
	m.Observe(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		id, err := m.Create()
		if err != nil {
			return
		}
		s, err := m.Get(id)
		if err != nil {
			return
		}
		stream, err := s.ChatWith(context.Background(), mock.ScriptEcho, "hi")
		if err == nil {
			_, _ = stream.Collect(context.Background(), nil)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unread observer blocked the session")
	}
}

func TestManagerReap(t *testing.T) {
	m := newTestManager(t)
	done := newTestSession(t, m)
	idle := newTestSession(t, m)
	waiting := newTestSession(t, m)

	stream, err := done.ChatWith(t.Context(), mock.ScriptEcho, "hi")
	require.NoError(t, err)
	collectAll(t, stream)

	ws, err := waiting.Chat(t.Context(), "trip")
	require.NoError(t, err)
	collectUntilInput(t, ws)

	assert.Equal(t, 0, m.Reap(time.Now()), "grace period not yet over")
	assert.Equal(t, 1, m.Reap(time.Now().Add(time.Hour)))

	_, err = m.Get(done.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Get(idle.ID())
	assert.NoError(t, err)
	_, err = m.Get(waiting.ID())
	assert.NoError(t, err)
}

func TestManagerReapDisabled(t *testing.T) {
	m := newTestManager(t)
	p := m.Policy()
	p.GracePeriod = 0
	m.SetPolicy(p)

	s := newTestSession(t, m)
	stream, err := s.ChatWith(t.Context(), mock.ScriptEcho, "hi")
	require.NoError(t, err)
	collectAll(t, stream)

	assert.Equal(t, 0, m.Reap(time.Now().Add(24*time.Hour)))
}

func TestManagerReapAbandonedTurn(t *testing.T) {
	m := newTestManager(t)
	s := newTestSession(t, m)

	stream, err := s.Chat(t.Context(), "trip")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	_, err = stream.Next(ctx)
	require.NoError(t, err)

	// The consumer walks away after the first event.
	require.Eventually(t, func() bool { return !s.agent.BlockedSince().IsZero() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, s.State())

	assert.Equal(t, 0, m.Reap(time.Now()), "abandon period not yet over")
	assert.Equal(t, 1, m.Reap(time.Now().Add(time.Hour)))

	_, err = m.Get(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, s.agent.Running())
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, agent.ErrAborted)
}

func TestManagerReapKeepsTurnAwaitingInput(t *testing.T) {
	m := newTestManager(t)
	s := newTestSession(t, m)

	stream, err := s.Chat(t.Context(), "trip")
	require.NoError(t, err)
	collectUntilInput(t, stream)

	assert.Equal(t, 0, m.Reap(time.Now().Add(24*time.Hour)))
	assert.Equal(t, StateAwaitingInput, s.State())
}

func TestManagerReapAbandonDisabled(t *testing.T) {
	m := newTestManager(t)
	p := m.Policy()
	p.AbandonAfter = 0
	m.SetPolicy(p)

	s := newTestSession(t, m)
	_, err := s.Chat(t.Context(), "trip")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !s.agent.BlockedSince().IsZero() }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, m.Reap(time.Now().Add(24*time.Hour)))
	assert.Equal(t, StateRunning, s.State())
}

func TestManagerRunShutsDown(t *testing.T) {
	m := newTestManager(t, WithReapInterval(5*time.Millisecond))
	s := newTestSession(t, m)
	stream, err := s.Chat(t.Context(), "trip")
	require.NoError(t, err)
	collectUntilInput(t, stream)

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 0, m.Len())
	assert.False(t, s.agent.Running())
}

func TestManagerActiveCount(t *testing.T) {
	m := newTestManager(t)
	s := newTestSession(t, m)
	newTestSession(t, m)
	assert.Equal(t, 0, m.ActiveCount())

	stream, err := s.Chat(t.Context(), "trip")
	require.NoError(t, err)
	collectUntilInput(t, stream)
	assert.Equal(t, 1, m.ActiveCount())
}
