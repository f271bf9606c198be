package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-stream/backend/internal/engine"
)

// Policy holds the tunables applied to sessions. SetPolicy applies a new
// policy to live sessions as well as future ones.
type Policy struct {
	// GracePeriod is how long a COMPLETED or FAILED session is kept after
	// its last activity before the reaper destroys it. Zero disables reaping.
	GracePeriod time.Duration

	// InputTimeout bounds how long an input request may stay unanswered.
	// Zero waits indefinitely.
	InputTimeout time.Duration

	// AbandonAfter is how long a turn may wait for its consumer to take the
	// next event before the reaper destroys the session. Zero disables it.
	AbandonAfter time.Duration

	AnnounceWaiting  bool
	RestartCompleted bool
}

// DefaultPolicy matches the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		GracePeriod:      5 * time.Minute,
		AbandonAfter:     10 * time.Minute,
		AnnounceWaiting:  true,
		RestartCompleted: true,
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

func WithPolicy(p Policy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithMaxSessions caps the number of live sessions. Zero means unlimited.
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) { m.maxSessions = n }
}

func WithStore(s Store) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithReapInterval sets how often Run looks for expired sessions.
func WithReapInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.reapInterval = d }
}

// Manager is the registry of live sessions. Create, Get and Destroy are
// safe for concurrent use.
type Manager struct {
	engine       engine.Engine
	store        Store
	logger       *slog.Logger
	reapInterval time.Duration

	mu          sync.Mutex // serializes create and destroy
	policy      Policy
	maxSessions int

	obsMu     sync.RWMutex
	observers []chan<- Event
}

func NewManager(eng engine.Engine, opts ...ManagerOption) *Manager {
	m := &Manager{
		engine:       eng,
		policy:       DefaultPolicy(),
		reapInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Observe registers ch to receive lifecycle events. Sends never block: an
// observer that falls behind misses events.
func (m *Manager) Observe(ch chan<- Event) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, ch)
}

// Create allocates a new IDLE session and returns its id.
func (m *Manager) Create() (string, error) {
	m.mu.Lock()
	if m.maxSessions > 0 && m.store.Len() >= m.maxSessions {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: limit %d", ErrTooManySessions, m.maxSessions)
	}
	id := uuid.NewString()
	s := newSession(id, m.engine, m.policy, m.logger.With("session", id), m.publish)
	m.store.Add(s)
	m.mu.Unlock()

	m.logger.Info("session created", "session", id, "engine", m.engine.Name())
	m.publish(EventNew, s.Info())
	return id, nil
}

// Get returns the live session with id.
func (m *Manager) Get(id string) (*Session, error) {
	s, ok := m.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Destroy releases the session: outstanding requests are cancelled, the
// agent is stopped and the session leaves the registry. Destroying an
// unknown or already destroyed session is a no-op. It reports whether a
// session was removed.
func (m *Manager) Destroy(id string) bool {
	m.mu.Lock()
	s, ok := m.store.Remove(id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	if !s.destroy() {
		return false
	}
	m.publish(EventRemoved, s.Info())
	return true
}

// List returns snapshots of all live sessions, oldest first.
func (m *Manager) List() []Info {
	all := m.store.All()
	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.store.Len()
}

// ActiveCount returns the number of sessions with a turn in flight.
func (m *Manager) ActiveCount() int {
	n := 0
	for _, s := range m.store.All() {
		if s.State().Busy() {
			n++
		}
	}
	return n
}

// Policy returns the current session policy.
func (m *Manager) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// SetPolicy applies p to every live session and to sessions created later.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()

	for _, s := range m.store.All() {
		s.setPolicy(p)
	}
	m.logger.Info("session policy updated",
		"grace_period", p.GracePeriod,
		"input_timeout", p.InputTimeout,
		"abandon_after", p.AbandonAfter,
		"announce_waiting", p.AnnounceWaiting,
		"restart_completed", p.RestartCompleted)
}

// SetMaxSessions changes the session limit. Live sessions above a lowered
// limit are kept.
func (m *Manager) SetMaxSessions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxSessions = n
}

// Reap destroys COMPLETED and FAILED sessions idle for longer than the
// grace period, and busy sessions whose consumer stopped taking events for
// longer than the abandon period. It returns how many it removed.
func (m *Manager) Reap(now time.Time) int {
	p := m.Policy()
	n := 0
	for _, s := range m.store.All() {
		reason := reapReason(s, p, now)
		if reason == "" {
			continue
		}
		if m.Destroy(s.ID()) {
			m.logger.Info("session reaped", "session", s.ID(), "reason", reason)
			n++
		}
	}
	return n
}

func reapReason(s *Session, p Policy, now time.Time) string {
	state := s.State()
	switch {
	case state.IsTerminal():
		if p.GracePeriod > 0 && now.Sub(s.LastActivity()) >= p.GracePeriod {
			return "expired"
		}
	case state.Busy():
		since := s.agent.BlockedSince()
		if p.AbandonAfter > 0 && !since.IsZero() && now.Sub(since) >= p.AbandonAfter {
			return "abandoned"
		}
	}
	return ""
}

// Run reaps expired sessions until ctx is done, then destroys every
// remaining session.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return nil
		case now := <-ticker.C:
			m.Reap(now)
		}
	}
}

// Shutdown destroys every live session.
func (m *Manager) Shutdown() {
	for _, s := range m.store.All() {
		m.Destroy(s.ID())
	}
}

func (m *Manager) publish(t EventType, info Info) {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	if len(m.observers) == 0 {
		return
	}
	ev := Event{Type: t, Info: info, ActiveCount: m.ActiveCount()}
	for _, ch := range m.observers {
		select {
		case ch <- ev:
		default:
			m.logger.Debug("observer full, dropping event", "session", info.ID, "type", t)
		}
	}
}
