// Package mock provides a scripted reasoning engine for demos and tests.
// Each turn replays a named script, pausing at input_request steps until
// an answer is injected.
package mock

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agent-stream/backend/internal/engine"
)

// Option configures an Engine.
type Option func(*Engine)

// WithScripts adds scripts, replacing built-ins of the same name.
func WithScripts(scripts ...Script) Option {
	return func(e *Engine) {
		for _, s := range scripts {
			e.scripts[s.Name] = s
		}
	}
}

// WithDefault selects the script used when a turn names no known script.
func WithDefault(name string) Option {
	return func(e *Engine) { e.def = name }
}

// WithStepDelay sets a pause before every step that has no delay of its own.
func WithStepDelay(d time.Duration) Option {
	return func(e *Engine) { e.stepDelay = d }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine replays scripts as engine runs.
type Engine struct {
	scripts   map[string]Script
	def       string
	stepDelay time.Duration
	logger    *slog.Logger
}

var _ engine.Engine = (*Engine)(nil)

// New creates a mock engine preloaded with BuiltinScripts.
func New(opts ...Option) *Engine {
	e := &Engine{
		scripts: make(map[string]Script),
		def:     ScriptVacation,
	}
	WithScripts(BuiltinScripts()...)(e)
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

func (e *Engine) Name() string { return "mock" }

// Scripts lists the known script names.
func (e *Engine) Scripts() []string {
	names := make([]string, 0, len(e.scripts))
	for name := range e.scripts {
		names = append(names, name)
	}
	return names
}

// Start picks the script named by turn.Agent, falling back to the default.
func (e *Engine) Start(ctx context.Context, turn engine.Turn) (engine.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	script, ok := e.scripts[turn.Agent]
	if !ok {
		script, ok = e.scripts[e.def]
	}
	if !ok {
		return nil, fmt.Errorf("mock: no script %q", e.def)
	}
	e.logger.Debug("mock run started", "script", script.Name, "step", turn.Step)
	return &run{
		script:    script,
		turn:      turn,
		stepDelay: e.stepDelay,
	}, nil
}

type run struct {
	script    Script
	turn      engine.Turn
	stepDelay time.Duration

	mu       sync.Mutex
	idx      int
	awaiting bool
	answers  []string
	closed   bool
}

func (r *run) Next(ctx context.Context) (engine.Record, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return engine.Record{}, engine.ErrRunClosed
	}
	if r.awaiting {
		r.mu.Unlock()
		return engine.Record{}, fmt.Errorf("mock: script %q is waiting for input", r.script.Name)
	}
	if r.idx >= len(r.script.Steps) {
		r.mu.Unlock()
		return engine.Record{}, io.EOF
	}
	step := r.script.Steps[r.idx]
	r.idx++
	if step.Type == engine.RecordInputRequest {
		r.awaiting = true
	}
	expand := r.replacer()
	r.mu.Unlock()

	delay := step.Delay
	if delay == 0 {
		delay = r.stepDelay
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return engine.Record{}, ctx.Err()
		}
	}

	return engine.Record{
		Type:      step.Type,
		Sender:    expand(step.Sender),
		Recipient: expand(step.Recipient),
		Content:   expand(step.Content),
		Prompt:    expand(step.Prompt),
		Agent:     expand(step.Agent),
		Summary:   expand(step.Summary),
	}, nil
}

func (r *run) Inject(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return engine.ErrRunClosed
	}
	if !r.awaiting {
		return engine.ErrNoInputExpected
	}
	r.awaiting = false
	r.answers = append(r.answers, text)
	return nil
}

func (r *run) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// replacer requires r.mu.
func (r *run) replacer() func(string) string {
	pairs := []string{
		"{{message}}", r.turn.Message,
		"{{agent}}", r.turn.Agent,
		"{{step}}", strconv.Itoa(r.turn.Step),
	}
	for i, a := range r.answers {
		pairs = append(pairs, "{{answer."+strconv.Itoa(i+1)+"}}", a)
	}
	last := ""
	if n := len(r.answers); n > 0 {
		last = r.answers[n-1]
	}
	pairs = append(pairs, "{{answer}}", last)
	rep := strings.NewReplacer(pairs...)
	return rep.Replace
}
