package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-stream/backend/internal/agent"
	"github.com/agent-stream/backend/internal/engine"
	"github.com/agent-stream/backend/internal/event"
	"github.com/agent-stream/backend/internal/mock"
	"github.com/agent-stream/backend/internal/pending"
)

var tripScript = mock.Script{
	Name: "trip",
	Steps: []mock.Step{
		{Type: engine.RecordText, Sender: "planner", Recipient: "user", Content: "Planning: {{message}}"},
		{Type: engine.RecordText, Sender: "planner", Recipient: "user", Content: "One question first."},
		{Type: engine.RecordInputRequest, Sender: "planner", Prompt: "Which city?"},
		{Type: engine.RecordText, Sender: "planner", Recipient: "user", Content: "Booked {{answer}}."},
		{Type: engine.RecordRunCompletion, Summary: "trip to {{answer}}"},
	},
}

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	eng := mock.New(mock.WithScripts(tripScript), mock.WithDefault("trip"))
	p := DefaultPolicy()
	p.AnnounceWaiting = false
	m := NewManager(eng, append([]ManagerOption{WithPolicy(p)}, opts...)...)
	t.Cleanup(m.Shutdown)
	return m
}

func newTestSession(t *testing.T, m *Manager) *Session {
	t.Helper()
	id, err := m.Create()
	require.NoError(t, err)
	s, err := m.Get(id)
	require.NoError(t, err)
	return s
}

func collectUntilInput(t *testing.T, stream *agent.Stream) []event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evs, err := stream.Collect(ctx, func(ev event.Event) bool { return ev.Kind() == event.KindInputRequest })
	require.NoError(t, err)
	return evs
}

func collectAll(t *testing.T, stream *agent.Stream) []event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	evs, err := stream.Collect(ctx, nil)
	require.NoError(t, err)
	return evs
}

func kindsOf(evs []event.Event) []event.Kind {
	out := make([]event.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind()
	}
	return out
}

func TestSessionPlanTrip(t *testing.T) {
	m := newTestManager(t)
	s := newTestSession(t, m)
	assert.Equal(t, StateIdle, s.State())

	stream, err := s.Chat(t.Context(), "plan a trip")
	require.NoError(t, err)

	first := collectUntilInput(t, stream)
	require.Equal(t, []event.Kind{event.KindText, event.KindText, event.KindInputRequest}, kindsOf(first))
	assert.Equal(t, "Planning: plan a trip", first[0].Get("text"))
	assert.Equal(t, StateAwaitingInput, s.State())

	req := first[2]
	info := s.Info()
	require.Len(t, info.Pending, 1)
	assert.Equal(t, req.ID(), info.Pending[0].ID)

	require.NoError(t, s.Respond(req.ID(), "Paris"))

	rest := collectAll(t, stream)
	require.Equal(t, []event.Kind{event.KindText, event.KindCompleted}, kindsOf(rest))
	assert.Equal(t, "Booked Paris.", rest[0].Get("text"))
	assert.Equal(t, "trip to Paris", rest[1].Get("summary"))
	assert.Equal(t, StateCompleted, s.State())

	info = s.Info()
	assert.Equal(t, 1, info.Turns)
	assert.Equal(t, 1, info.InputRequests)
	assert.Empty(t, info.Pending)
}

func TestSessionRespondUnknownRequest(t *testing.T) {
	m := newTestManager(t)
	s := newTestSession(t, m)

	err := s.Respond("nonexistent-id", "x")
	assert.ErrorIs(t, err, pending.ErrUnknownRequest)
	assert.Equal(t, StateIdle, s.State())
}

func TestSessionConcurrentRespond(t *testing.T) {
	m := newTestManager(t)
	s := newTestSession(t, m)

	stream, err := s.Chat(t.Context(), "plan a trip")
	require.NoError(t, err)
	req := collectUntilInput(t, stream)[2]

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, answer := range []string{"Paris", "Rome"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Respond(req.ID(), answer)
		}()
	}
	wg.Wait()

	ok, dup := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, pending.ErrAlreadyResolved):
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, dup)

	rest := collectAll(t, stream)
	assert.Equal(t, event.KindCompleted, rest[len(rest)-1].Kind())
}

func TestSessionDestroyWhileAwaitingInput(t *testing.T) {
	m := newTestManager(t)
	s := newTestSession(t, m)

	stream, err := s.Chat(t.Context(), "plan a trip")
	require.NoError(t, err)
	req := collectUntilInput(t, stream)[2]

	assert.True(t, m.Destroy(s.ID()))

	err = s.Respond(req.ID(), "Paris")
	assert.ErrorIs(t, err, pending.ErrUnknownRequest)
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = stream.Next(t.Context())
	assert.ErrorIs(t, err, agent.ErrAborted)

	assert.False(t, s.agent.Running())
	assert.Equal(t, 0, s.requests.Len())

	_, err = m.Get(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, m.Destroy(s.ID()), "destroy is idempotent")

	_, err = s.Chat(t.Context(), "again")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.CancelRequest(req.ID()), ErrSessionClosed)
	assert.ErrorIs(t, s.SetContext(map[string]string{"a": "b"}), ErrSessionClosed)
	assert.ErrorIs(t, s.Reset(), ErrSessionClosed)
}

func TestSessionsRunIndependently(t *testing.T) {
	m := newTestManager(t)
	a := newTestSession(t, m)
	b := newTestSession(t, m)

	sa, err := a.Chat(t.Context(), "trip A")
	require.NoError(t, err)
	collectUntilInput(t, sa)

	sb, err := b.ChatWith(t.Context(), mock.ScriptEcho, "hello")
	require.NoError(t, err)
	evs := collectAll(t, sb)
	assert.Equal(t, []event.Kind{event.KindText, event.KindCompleted}, kindsOf(evs))

	assert.Equal(t, StateAwaitingInput, a.State())
	assert.Equal(t, StateCompleted, b.State())
}

func TestSessionChatWhileBusy(t *testing.T) {
	m := newTestManager(t)
	s := newTestSession(t, m)

	stream, err := s.Chat(t.Context(), "plan a trip")
	require.NoError(t, err)
	collectUntilInput(t, stream)

	_, err = s.Chat(t.Context(), "another")
	assert.ErrorIs(t, err, agent.ErrTurnInProgress)
	assert.ErrorIs(t, s.Reset(), agent.ErrTurnInProgress)
}

func TestSessionRestartAfterCompleted(t *testing.T) {
	m := newTestManager(t)
	s := newTestSession(t, m)

	stream, err := s.ChatWith(t.Context(), mock.ScriptEcho, "one")
	require.NoError(t, err)
	collectAll(t, stream)
	require.Equal(t, StateCompleted, s.State())

	stream, err = s.ChatWith(t.Context(), mock.ScriptEcho, "two")
	require.NoError(t, err)
	evs := collectAll(t, stream)
	assert.Equal(t, "two", evs[0].Get("text"))

	final := evs[1].Payload()["final_context"].(map[string]string)
	assert.Equal(t, "2", final["step"])
	assert.Equal(t, 2, s.Info().Step)
}

func TestSessionRestartDisabled(t *testing.T) {
	m := newTestManager(t)
	p := m.Policy()
	p.RestartCompleted = false
	m.SetPolicy(p)
	s := newTestSession(t, m)

	stream, err := s.ChatWith(t.Context(), mock.ScriptEcho, "one")
	require.NoError(t, err)
	collectAll(t, stream)

	_, err = s.Chat(t.Context(), "two")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionFailedRejectsUntilReset(t *testing.T) {
	m := newTestManager(t)
	s := newTestSession(t, m)

	stream, err := s.ChatWith(t.Context(), mock.ScriptFailing, "go")
	require.NoError(t, err)
	evs := collectAll(t, stream)
	last := evs[len(evs)-1]
	assert.Equal(t, event.KindError, last.Kind())
	assert.Equal(t, StateFailed, s.State())
	assert.Contains(t, s.Info().LastError, "upstream model unavailable")

	_, err = s.Chat(t.Context(), "again")
	assert.ErrorIs(t, err, ErrSessionClosed)

	require.NoError(t, s.Reset())
	assert.Equal(t, StateIdle, s.State())
	assert.Empty(t, s.Info().LastError)

	_, err = s.ChatWith(t.Context(), mock.ScriptEcho, "again")
	assert.NoError(t, err)
}

func TestSessionContextVariables(t *testing.T) {
	m := newTestManager(t)
	s := newTestSession(t, m)

	require.NoError(t, s.SetContext(map[string]string{"city": "Paris", "days": "3"}))
	v, ok := s.Context("city")
	assert.True(t, ok)
	assert.Equal(t, "Paris", v)

	assert.True(t, s.DeleteContext("days"))
	assert.False(t, s.DeleteContext("days"))
	assert.Equal(t, map[string]string{"city": "Paris"}, s.ContextSnapshot())

	stream, err := s.ChatWith(t.Context(), mock.ScriptEcho, "hi")
	require.NoError(t, err)
	evs := collectAll(t, stream)
	final := evs[len(evs)-1].Payload()["final_context"].(map[string]string)
	assert.Equal(t, "Paris", final["city"])
	assert.Equal(t, "1", final["step"])

	require.NoError(t, s.Reset())
	assert.Empty(t, s.ContextSnapshot())
	assert.Equal(t, 0, s.Info().Step)
}

func TestSessionCancelRequest(t *testing.T) {
	m := newTestManager(t)
	s := newTestSession(t, m)

	stream, err := s.Chat(t.Context(), "plan a trip")
	require.NoError(t, err)
	req := collectUntilInput(t, stream)[2]

	require.NoError(t, s.CancelRequest(req.ID()))
	evs := collectAll(t, stream)
	require.Len(t, evs, 1)
	assert.Equal(t, agent.ErrorTypeCancelled, evs[0].Get("error_type"))
	assert.Equal(t, StateFailed, s.State())

	assert.ErrorIs(t, s.CancelRequest(req.ID()), pending.ErrUnknownRequest)
}

func TestSessionInputTimeout(t *testing.T) {
	m := newTestManager(t)
	p := m.Policy()
	p.InputTimeout = 20 * time.Millisecond
	m.SetPolicy(p)
	s := newTestSession(t, m)

	stream, err := s.Chat(t.Context(), "plan a trip")
	require.NoError(t, err)
	req := collectUntilInput(t, stream)[2]

	evs := collectAll(t, stream)
	require.Len(t, evs, 1)
	assert.Equal(t, agent.ErrorTypeTimeout, evs[0].Get("error_type"))
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Respond(req.ID(), "late"), pending.ErrUnknownRequest)
}

func TestSessionAnnounceWaitingFollowsPolicy(t *testing.T) {
	m := newTestManager(t)
	s := newTestSession(t, m)

	p := m.Policy()
	p.AnnounceWaiting = true
	m.SetPolicy(p)

	stream, err := s.Chat(t.Context(), "plan a trip")
	require.NoError(t, err)
	req := collectUntilInput(t, stream)[2]

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.KindWaitingForInput, ev.Kind())
	assert.Equal(t, req.ID(), ev.Get("request_id"))

	require.NoError(t, s.Respond(req.ID(), "Oslo"))
	collectAll(t, stream)

	_, err = stream.Next(t.Context())
	assert.ErrorIs(t, err, io.EOF)
}
