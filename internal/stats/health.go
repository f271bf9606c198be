package stats

import (
	"context"
	"sync"
	"time"

	"github.com/agent-stream/backend/internal/agent"
	"github.com/agent-stream/backend/internal/session"
)

// DefaultFailureThreshold is how many consecutive engine failures mark the
// engine failed.
const DefaultFailureThreshold = 3

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// HealthSnapshot is the engine health reported by /health.
type HealthSnapshot struct {
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	DegradedSessions    int          `json:"degraded_sessions"`
	LastError           string       `json:"last_error,omitempty"`
	LastErrorAt         time.Time    `json:"last_error_at,omitzero"`
	ChangedAt           time.Time    `json:"changed_at,omitzero"`
}

// Health derives engine health from session lifecycle events. Turns that
// end in an engine failure count towards the failure threshold and a
// completed turn resets the count. Sessions whose last turn failed to
// translate are reported as degraded until they complete or go away.
type Health struct {
	threshold int
	events    chan session.Event

	mu              sync.Mutex
	engineFailures  int
	lastEngineErr   string
	lastEngineFail  time.Time
	translateFailed map[string]time.Time // session id -> failure time
	lastTranslate   string
	lastStatus      HealthStatus
	changedAt       time.Time
}

// NewHealth returns the health tracker and the channel to register with
// session.Manager.Observe. A threshold below one uses
// DefaultFailureThreshold.
func NewHealth(threshold int) (*Health, chan<- session.Event) {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	ch := make(chan session.Event, 64)
	return &Health{
		threshold:       threshold,
		events:          ch,
		translateFailed: make(map[string]time.Time),
		lastStatus:      StatusHealthy,
	}, ch
}

// Run consumes events until ctx is done.
func (h *Health) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.processEvent(ev)
		}
	}
}

func (h *Health) processEvent(ev session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	info := ev.Info
	switch ev.Type {
	case session.EventTerminal:
		switch {
		case info.State == session.StateCompleted:
			h.engineFailures = 0
			delete(h.translateFailed, info.ID)
		case info.LastErrorType == agent.ErrorTypeEngine:
			h.engineFailures++
			h.lastEngineErr = info.LastError
			h.lastEngineFail = info.LastActivityAt
		case info.LastErrorType == agent.ErrorTypeTranslation:
			h.translateFailed[info.ID] = info.LastActivityAt
			h.lastTranslate = info.LastError
		}
	case session.EventRemoved:
		delete(h.translateFailed, info.ID)
	}

	if s := h.statusLocked(); s != h.lastStatus {
		h.lastStatus = s
		h.changedAt = time.Now()
	}
}

// Snapshot returns the current health.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HealthSnapshot{
		Status:              h.statusLocked(),
		ConsecutiveFailures: h.engineFailures,
		DegradedSessions:    len(h.translateFailed),
		ChangedAt:           h.changedAt,
	}
	snap.LastError, snap.LastErrorAt = h.lastErrorLocked()
	return snap
}

// statusLocked requires h.mu.
func (h *Health) statusLocked() HealthStatus {
	if h.engineFailures >= h.threshold {
		return StatusFailed
	}
	if h.engineFailures > 0 || len(h.translateFailed) > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

// lastErrorLocked prefers whichever of the engine and translation errors
// happened more recently. Caller must hold h.mu.
func (h *Health) lastErrorLocked() (string, time.Time) {
	var lastTranslateAt time.Time
	for _, at := range h.translateFailed {
		if at.After(lastTranslateAt) {
			lastTranslateAt = at
		}
	}
	if h.lastEngineErr != "" && (lastTranslateAt.IsZero() || h.lastEngineFail.After(lastTranslateAt)) {
		return h.lastEngineErr, h.lastEngineFail
	}
	if lastTranslateAt.IsZero() {
		return "", time.Time{}
	}
	return h.lastTranslate, lastTranslateAt
}
