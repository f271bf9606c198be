// Package session owns conversations: each Session drives one agent through
// the IDLE, RUNNING, AWAITING_INPUT, COMPLETED and FAILED states, and the
// Manager keeps the registry of live sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/agent-stream/backend/internal/agent"
	"github.com/agent-stream/backend/internal/engine"
	"github.com/agent-stream/backend/internal/event"
	"github.com/agent-stream/backend/internal/pending"
)

var (
	// ErrSessionClosed is returned for operations on a destroyed session or
	// one whose state no longer accepts the operation.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionNotFound is returned by Manager.Get for unknown ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTooManySessions is returned by Manager.Create at the session limit.
	ErrTooManySessions = errors.New("too many sessions")
)

// Session is one conversation. It exclusively owns its agent and pending
// request registry.
type Session struct {
	id        string
	createdAt time.Time
	engine    string
	agent     *agent.EngineAgent
	requests  *pending.Registry
	logger    *slog.Logger
	notify    func(EventType, Info)

	mu               sync.Mutex
	state            State
	destroyed        bool
	restartCompleted bool
	vars             map[string]string
	step             int
	turns            int
	inputRequests    int
	lastActivity     time.Time
	lastError        string
	lastErrorType    string
}

func newSession(id string, eng engine.Engine, p Policy, logger *slog.Logger, notify func(EventType, Info)) *Session {
	now := time.Now()
	s := &Session{
		id:               id,
		createdAt:        now,
		engine:           eng.Name(),
		requests:         pending.NewRegistry(p.InputTimeout),
		logger:           logger,
		notify:           notify,
		restartCompleted: p.RestartCompleted,
		vars:             make(map[string]string),
		lastActivity:     now,
	}
	s.agent = agent.New(eng, s.requests,
		agent.WithLogger(logger),
		agent.WithAnnounceWaiting(p.AnnounceWaiting),
		agent.WithEventHook(s.observe),
	)
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Chat starts a turn addressed to the default agent.
func (s *Session) Chat(ctx context.Context, message string) (*agent.Stream, error) {
	return s.ChatWith(ctx, "", message)
}

// ChatWith starts a turn addressed to the named agent and returns its event
// stream. A COMPLETED session starts a new turn when the policy allows
// restarts; a FAILED or destroyed session rejects with ErrSessionClosed.
func (s *Session) ChatWith(ctx context.Context, agentName, message string) (*agent.Stream, error) {
	s.mu.Lock()
	switch {
	case s.destroyed, s.state == StateFailed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case s.state == StateCompleted && !s.restartCompleted:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case s.state.Busy():
		s.mu.Unlock()
		return nil, agent.ErrTurnInProgress
	}

	turn := engine.Turn{
		Message: message,
		Agent:   agentName,
		Context: maps.Clone(s.vars),
		Step:    s.step + 1,
	}
	stream, err := s.agent.Chat(ctx, turn)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, agent.ErrClosed) {
			return nil, ErrSessionClosed
		}
		return nil, err
	}
	s.step = turn.Step
	s.turns++
	s.state = StateRunning
	s.lastActivity = time.Now()
	s.lastError = ""
	s.lastErrorType = ""
	info := s.infoLocked()
	s.mu.Unlock()

	s.logger.Debug("turn started", "step", turn.Step, "agent", agentName)
	s.notify(EventUpdate, info)
	return stream, nil
}

// Respond answers an outstanding input request. On a destroyed session the
// error matches both pending.ErrUnknownRequest and ErrSessionClosed.
func (s *Session) Respond(requestID, answer string) error {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return fmt.Errorf("%w: %s: %w", pending.ErrUnknownRequest, requestID, ErrSessionClosed)
	}

	if err := s.agent.Respond(requestID, answer); err != nil {
		return err
	}

	s.mu.Lock()
	changed := false
	if s.state == StateAwaitingInput && s.requests.Len() == 0 {
		s.state = StateRunning
		changed = true
	}
	s.lastActivity = time.Now()
	info := s.infoLocked()
	s.mu.Unlock()

	s.logger.Debug("input answered", "request", requestID)
	if changed {
		s.notify(EventUpdate, info)
	}
	return nil
}

// CancelRequest wakes the agent waiting on requestID with a cancellation.
// The turn ends with an ERROR event.
func (s *Session) CancelRequest(requestID string) error {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return fmt.Errorf("%w: %s: %w", pending.ErrUnknownRequest, requestID, ErrSessionClosed)
	}
	return s.requests.Cancel(requestID)
}

// SetContext merges vars into the session context variables passed to
// every later turn.
func (s *Session) SetContext(vars map[string]string) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	maps.Copy(s.vars, vars)
	s.lastActivity = time.Now()
	info := s.infoLocked()
	s.mu.Unlock()

	s.notify(EventUpdate, info)
	return nil
}

// Context returns one context variable.
func (s *Session) Context(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	return v, ok
}

// DeleteContext removes a context variable and reports whether it existed.
func (s *Session) DeleteContext(name string) bool {
	s.mu.Lock()
	_, ok := s.vars[name]
	if !ok || s.destroyed {
		s.mu.Unlock()
		return false
	}
	delete(s.vars, name)
	info := s.infoLocked()
	s.mu.Unlock()

	s.notify(EventUpdate, info)
	return true
}

// ContextSnapshot returns a copy of all context variables.
func (s *Session) ContextSnapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.vars)
}

// Reset returns the session to IDLE: outstanding requests are cancelled,
// context variables cleared and the step counter zeroed. It fails while a
// turn is in flight.
func (s *Session) Reset() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state.Busy() || s.agent.Running() {
		s.mu.Unlock()
		return agent.ErrTurnInProgress
	}
	s.requests.Reset()
	s.vars = make(map[string]string)
	s.step = 0
	s.state = StateIdle
	s.lastError = ""
	s.lastErrorType = ""
	s.lastActivity = time.Now()
	info := s.infoLocked()
	s.mu.Unlock()

	s.logger.Info("session reset")
	s.notify(EventUpdate, info)
	return nil
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

// LastActivity returns when the session last changed.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) setPolicy(p Policy) {
	s.requests.SetTimeout(p.InputTimeout)
	s.agent.SetAnnounceWaiting(p.AnnounceWaiting)
	s.mu.Lock()
	s.restartCompleted = p.RestartCompleted
	s.mu.Unlock()
}

// observe runs on the agent goroutine before each event is delivered, so the
// state a consumer reads after receiving an event already reflects it.
func (s *Session) observe(ev event.Event) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.lastActivity = time.Now()
	switch ev.Kind() {
	case event.KindInputRequest:
		s.state = StateAwaitingInput
		s.inputRequests++
	case event.KindCompleted:
		s.state = StateCompleted
	case event.KindError:
		s.state = StateFailed
		s.lastError = ev.Get("error")
		s.lastErrorType = ev.Get("error_type")
	}
	cur := s.state
	info := s.infoLocked()
	s.mu.Unlock()

	if cur == prev {
		return
	}
	s.logger.Debug("session state", "state", cur, "kind", ev.Kind())
	if cur.IsTerminal() {
		s.notify(EventTerminal, info)
		return
	}
	s.notify(EventUpdate, info)
}

// destroy cancels outstanding requests, stops the agent and waits for its
// goroutine. It reports false if the session was already destroyed.
func (s *Session) destroy() bool {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return false
	}
	s.destroyed = true
	s.mu.Unlock()

	n := s.requests.Len()
	s.requests.Close()
	s.agent.Close()
	s.logger.Info("session destroyed", "cancelled_requests", n)
	return true
}

// infoLocked requires s.mu.
func (s *Session) infoLocked() Info {
	return Info{
		ID:             s.id,
		State:          s.state,
		Engine:         s.engine,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		Turns:          s.turns,
		Step:           s.step,
		InputRequests:  s.inputRequests,
		Context:        maps.Clone(s.vars),
		Pending:        s.requests.Outstanding(),
		LastError:      s.lastError,
		LastErrorType:  s.lastErrorType,
	}
}
