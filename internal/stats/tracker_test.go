package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-stream/backend/internal/session"
)

func newTestTracker(t *testing.T) (*Tracker, chan<- session.Event, *Store) {
	t.Helper()
	store := NewStore(t.TempDir())
	tr, ch, err := NewTracker(store, nil)
	require.NoError(t, err)
	return tr, ch, store
}

func TestTracker_CountsLifecycle(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	created := time.Now()

	info := session.Info{ID: "s1", Engine: "mock", CreatedAt: created, LastActivityAt: created}
	tr.processEvent(session.Event{Type: session.EventNew, Info: info})
	tr.processEvent(session.Event{Type: session.EventNew, Info: info}) // duplicate ignored

	info.State = session.StateRunning
	info.Turns = 1
	tr.processEvent(session.Event{Type: session.EventUpdate, Info: info, ActiveCount: 3})

	info.State = session.StateAwaitingInput
	info.InputRequests = 1
	tr.processEvent(session.Event{Type: session.EventUpdate, Info: info, ActiveCount: 1})

	info.State = session.StateCompleted
	tr.processEvent(session.Event{Type: session.EventTerminal, Info: info})

	info.State = session.StateRunning
	info.Turns = 2
	tr.processEvent(session.Event{Type: session.EventUpdate, Info: info})

	info.State = session.StateFailed
	tr.processEvent(session.Event{Type: session.EventTerminal, Info: info})

	info.LastActivityAt = created.Add(90 * time.Second)
	tr.processEvent(session.Event{Type: session.EventRemoved, Info: info})

	st := tr.Stats()
	assert.Equal(t, 1, st.TotalSessions)
	assert.Equal(t, 2, st.TotalTurns)
	assert.Equal(t, 1, st.TotalInputRequests)
	assert.Equal(t, 1, st.TotalCompletions)
	assert.Equal(t, 1, st.TotalErrors)
	assert.Equal(t, 0, st.ConsecutiveCompletions)
	assert.Equal(t, 3, st.MaxConcurrentActive)
	assert.Equal(t, 2, st.MaxTurnsPerSession)
	assert.Equal(t, 90.0, st.MaxSessionDurationSec)
	assert.Equal(t, 1, st.SessionsPerEngine["mock"])
}

func TestTracker_StatsIsCopy(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	tr.processEvent(session.Event{Type: session.EventNew, Info: session.Info{ID: "s1", Engine: "mock"}})

	st := tr.Stats()
	st.SessionsPerEngine["mock"] = 99
	assert.Equal(t, 1, tr.Stats().SessionsPerEngine["mock"])
}

func TestTracker_RunSavesOnShutdown(t *testing.T) {
	tr, ch, store := newTestTracker(t)

	ch <- session.Event{Type: session.EventNew, Info: session.Info{ID: "s1", Engine: "process"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalSessions)
	assert.Equal(t, 1, st.SessionsPerEngine["process"])
}

func TestTracker_ResumesFromDisk(t *testing.T) {
	store := NewStore(t.TempDir())
	st := newStats()
	st.TotalSessions = 10
	require.NoError(t, store.Save(st))

	tr, _, err := NewTracker(store, nil)
	require.NoError(t, err)
	tr.processEvent(session.Event{Type: session.EventNew, Info: session.Info{ID: "s1"}})
	assert.Equal(t, 11, tr.Stats().TotalSessions)
}
