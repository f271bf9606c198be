// Package stats keeps aggregate counters over session lifecycle events.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-stream/backend/internal/session"
)

const saveInterval = 30 * time.Second

type seen struct {
	turns         int
	inputRequests int
}

// Tracker observes session lifecycle events and maintains aggregate stats.
// It receives events from the session manager via a channel and
// periodically persists the accumulated stats to disk.
type Tracker struct {
	persist *Store
	logger  *slog.Logger
	events  chan session.Event

	mu       sync.Mutex
	stats    *Stats
	dirty    bool
	sessions map[string]seen
}

// NewTracker loads existing stats and returns the tracker together with the
// channel to register with session.Manager.Observe. The caller must run Run.
func NewTracker(persist *Store, logger *slog.Logger) (*Tracker, chan<- session.Event, error) {
	st, err := persist.Load()
	if err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ch := make(chan session.Event, 256)
	t := &Tracker{
		persist:  persist,
		logger:   logger,
		events:   ch,
		stats:    st,
		sessions: make(map[string]seen),
	}
	return t, ch, nil
}

// Run processes events and periodically saves dirty stats. It blocks until
// ctx is cancelled, then performs a final save.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.drain()
			t.save()
			return
		case ev := <-t.events:
			t.processEvent(ev)
		case <-ticker.C:
			if t.isDirty() {
				t.save()
			}
		}
	}
}

// Stats returns a copy of the current aggregate stats.
func (t *Tracker) Stats() *Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.clone()
}

func (t *Tracker) processEvent(ev session.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := ev.Info
	if ev.ActiveCount > t.stats.MaxConcurrentActive {
		t.stats.MaxConcurrentActive = ev.ActiveCount
	}

	switch ev.Type {
	case session.EventNew:
		if _, ok := t.sessions[info.ID]; ok {
			return
		}
		t.sessions[info.ID] = seen{}
		t.stats.TotalSessions++
		t.stats.SessionsPerEngine[info.Engine]++

	case session.EventUpdate, session.EventTerminal:
		prev := t.sessions[info.ID]
		if d := info.Turns - prev.turns; d > 0 {
			t.stats.TotalTurns += d
		}
		if d := info.InputRequests - prev.inputRequests; d > 0 {
			t.stats.TotalInputRequests += d
		}
		t.sessions[info.ID] = seen{turns: info.Turns, inputRequests: info.InputRequests}
		if info.Turns > t.stats.MaxTurnsPerSession {
			t.stats.MaxTurnsPerSession = info.Turns
		}

		if ev.Type == session.EventTerminal {
			switch info.State {
			case session.StateCompleted:
				t.stats.TotalCompletions++
				t.stats.ConsecutiveCompletions++
			case session.StateFailed:
				t.stats.TotalErrors++
				t.stats.ConsecutiveCompletions = 0
			}
		}

	case session.EventRemoved:
		if !info.CreatedAt.IsZero() {
			dur := info.LastActivityAt.Sub(info.CreatedAt).Seconds()
			if dur > t.stats.MaxSessionDurationSec {
				t.stats.MaxSessionDurationSec = dur
			}
		}
		delete(t.sessions, info.ID)
	}

	t.dirty = true
}

// drain processes events already queued at shutdown.
func (t *Tracker) drain() {
	for {
		select {
		case ev := <-t.events:
			t.processEvent(ev)
		default:
			return
		}
	}
}

func (t *Tracker) isDirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

func (t *Tracker) save() {
	t.mu.Lock()
	st := t.stats.clone()
	t.dirty = false
	t.mu.Unlock()

	if err := t.persist.Save(st); err != nil {
		t.logger.Error("failed to save stats", "path", t.persist.Path(), "err", err)
	}
}
