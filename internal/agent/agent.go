// Package agent drives a reasoning engine for one session and turns its
// records into a lazy stream of events. When the engine needs human input
// the agent registers a pending request, emits INPUT_REQUEST, and parks its
// own goroutine until Respond delivers the answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agent-stream/backend/internal/engine"
	"github.com/agent-stream/backend/internal/event"
	"github.com/agent-stream/backend/internal/pending"
)

// Agent is the capability a session drives. Implementations never touch
// transport types.
type Agent interface {
	// Chat starts a turn and returns its event stream without blocking.
	Chat(ctx context.Context, turn engine.Turn) (*Stream, error)

	// Respond resolves the pending input request with answer.
	Respond(requestID, answer string) error

	// Close tears down any running turn and waits for it to unwind.
	Close()
}

// EventHook observes each event on the turn goroutine once the turn has
// committed to delivering it and before the consumer can receive it. For a
// terminal event the hook runs while the turn still counts as running. If
// the turn is cancelled mid-delivery the hook has still seen the event.
type EventHook func(event.Event)

// Option configures an EngineAgent.
type Option func(*EngineAgent)

// WithLogger sets the agent logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *EngineAgent) { a.logger = l }
}

// WithEventHook registers a hook called for every emitted event.
func WithEventHook(h EventHook) Option {
	return func(a *EngineAgent) { a.hook = h }
}

// WithAnnounceWaiting makes the agent emit WAITING_FOR_INPUT after each
// INPUT_REQUEST.
func WithAnnounceWaiting(on bool) Option {
	return func(a *EngineAgent) { a.announceWaiting.Store(on) }
}

// EngineAgent implements Agent on top of an engine.Engine. Backends differ
// only in the Engine they supply.
type EngineAgent struct {
	engine   engine.Engine
	requests *pending.Registry
	logger   *slog.Logger
	hook     EventHook

	announceWaiting atomic.Bool
	// blockedSince is the unix nano time the turn goroutine started waiting
	// on a consumer, or zero.
	blockedSince atomic.Int64

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *turnState
	// lingering is a released turn whose goroutine may still be blocked
	// delivering its terminal event to a consumer that went away.
	lingering *turnState
	closed    bool
}

type turnState struct {
	cancel context.CancelFunc
}

var _ Agent = (*EngineAgent)(nil)

// New creates an agent driving eng. Pending input requests are tracked in
// requests, which the owning session shares.
func New(eng engine.Engine, requests *pending.Registry, opts ...Option) *EngineAgent {
	base, cancel := context.WithCancel(context.Background())
	a := &EngineAgent{
		engine:   eng,
		requests: requests,
		base:     base,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// SetAnnounceWaiting toggles WAITING_FOR_INPUT events for later requests.
func (a *EngineAgent) SetAnnounceWaiting(on bool) {
	a.announceWaiting.Store(on)
}

// Running reports whether a turn is in progress.
func (a *EngineAgent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

// BlockedSince reports when the turn goroutine started waiting for a
// consumer to take an event. It is zero while the turn is producing, parked
// on an input request, or idle.
func (a *EngineAgent) BlockedSince() time.Time {
	ns := a.blockedSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Chat starts a turn on a private goroutine. The turn outlives ctx: only
// Close stops it, so a transport may drop and later resume consuming.
func (a *EngineAgent) Chat(ctx context.Context, turn engine.Turn) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if a.current != nil {
		return nil, ErrTurnInProgress
	}

	if a.lingering != nil {
		a.lingering.cancel()
		a.lingering = nil
	}

	turnCtx, cancel := context.WithCancel(a.base)
	ts := &turnState{cancel: cancel}
	a.current = ts

	out := make(chan event.Event)
	a.wg.Add(1)
	go a.run(turnCtx, ts, turn, out)

	return newStream(out), nil
}

// Respond resolves the pending request identified by requestID.
func (a *EngineAgent) Respond(requestID, answer string) error {
	return a.requests.Resolve(requestID, answer)
}

// Close cancels the running turn, if any, and waits for its goroutine to
// exit. Later Chat calls fail with ErrClosed.
func (a *EngineAgent) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
}

func (a *EngineAgent) run(ctx context.Context, ts *turnState, turn engine.Turn, out chan<- event.Event) {
	defer a.wg.Done()
	defer a.forget(ts)
	defer close(out)
	defer a.release(ts)
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("engine panic", "err", r)
			a.emit(ctx, ts, out, errorEvent(&EngineError{Op: "run", Cause: fmt.Errorf("panic: %v", r)}, ErrorTypeEngine))
		}
	}()

	run, err := a.engine.Start(ctx, turn)
	if err != nil {
		if ctx.Err() == nil {
			a.emit(ctx, ts, out, errorEvent(&EngineError{Op: "start", Cause: err}, ErrorTypeEngine))
		}
		return
	}
	defer run.Close()

	for {
		rec, err := run.Next(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, io.EOF):
			a.emit(ctx, ts, out, event.New(event.KindCompleted, event.Payload{
				"summary":       "",
				"final_context": finalContext(turn),
			}))
			return
		case err != nil:
			a.emit(ctx, ts, out, errorEvent(&EngineError{Op: "next", Cause: err}, ErrorTypeEngine))
			return
		}

		kind, payload, err := translate(rec)
		if err != nil {
			a.logger.Warn("untranslatable engine record", "type", rec.Type, "raw", string(rec.Raw), "err", err)
			a.emit(ctx, ts, out, errorEvent(err, ErrorTypeTranslation))
			return
		}

		switch kind {
		case event.KindInputRequest:
			answer, ok := a.suspend(ctx, ts, out, payload)
			if !ok {
				return
			}
			if err := run.Inject(ctx, answer); err != nil {
				if ctx.Err() == nil {
					a.emit(ctx, ts, out, errorEvent(&EngineError{Op: "inject", Cause: err}, ErrorTypeEngine))
				}
				return
			}
		case event.KindCompleted:
			payload["final_context"] = finalContext(turn)
			a.emit(ctx, ts, out, event.New(kind, payload))
			return
		default:
			ev := event.New(kind, payload)
			if !a.emit(ctx, ts, out, ev) || ev.IsTerminal() {
				return
			}
		}
	}
}

// suspend registers a pending request, publishes it, and parks until it is
// answered. The registry entry exists before the event leaves the agent so
// an immediate Respond cannot miss it.
func (a *EngineAgent) suspend(ctx context.Context, ts *turnState, out chan<- event.Event, payload event.Payload) (string, bool) {
	id := uuid.NewString()
	req, err := a.requests.Add(id)
	if err != nil {
		if !errors.Is(err, pending.ErrClosed) {
			a.emit(ctx, ts, out, errorEvent(&EngineError{Op: "input", Cause: err}, ErrorTypeEngine))
		}
		return "", false
	}

	if !a.emit(ctx, ts, out, event.NewWithID(id, event.KindInputRequest, payload)) {
		_ = a.requests.Cancel(id)
		return "", false
	}
	a.logger.Debug("awaiting input", "request", id)

	if a.announceWaiting.Load() {
		if !a.emit(ctx, ts, out, event.New(event.KindWaitingForInput, event.Payload{"request_id": id})) {
			_ = a.requests.Cancel(id)
			return "", false
		}
	}

	answer, err := req.Wait(ctx)
	switch {
	case err == nil:
		a.logger.Debug("input received", "request", id)
		return answer, true
	case ctx.Err() != nil, errors.Is(err, pending.ErrClosed):
		return "", false
	case errors.Is(err, pending.ErrExpired):
		a.emit(ctx, ts, out, errorEvent(fmt.Errorf("input request %s: %w", id, err), ErrorTypeTimeout))
	default:
		a.emit(ctx, ts, out, errorEvent(fmt.Errorf("input request %s: %w", id, err), ErrorTypeCancelled))
	}
	return "", false
}

// emit hands ev to the consumer, blocking until it is taken or ctx ends.
// The hook is skipped once the turn is cancelled. A terminal event then
// frees the agent for the next turn before delivery so a consumer reacting
// to it can start a new turn straight away.
func (a *EngineAgent) emit(ctx context.Context, ts *turnState, out chan<- event.Event, ev event.Event) bool {
	if ctx.Err() != nil {
		return false
	}
	if a.hook != nil {
		a.hook(ev)
	}
	if ev.IsTerminal() {
		a.release(ts)
	}

	select {
	case out <- ev:
		return true
	default:
	}

	stamp := time.Now().UnixNano()
	a.blockedSince.Store(stamp)
	defer a.blockedSince.CompareAndSwap(stamp, 0)
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// release detaches ts from the agent. Its context stays alive until the
// goroutine exits so a terminal event can still be delivered.
func (a *EngineAgent) release(ts *turnState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == ts {
		a.current = nil
		a.lingering = ts
	}
}

// forget cancels ts once its goroutine is done with it.
func (a *EngineAgent) forget(ts *turnState) {
	ts.cancel()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lingering == ts {
		a.lingering = nil
	}
}

func finalContext(turn engine.Turn) map[string]string {
	ctx := maps.Clone(turn.Context)
	if ctx == nil {
		ctx = make(map[string]string)
	}
	ctx["step"] = strconv.Itoa(turn.Step)
	return ctx
}
