package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/agent-stream/backend/internal/engine"
)

// answerMarker in a fake record's content is replaced by the last injected answer.
const answerMarker = "{{answer}}"

// fakeEngine replays a fixed list of records per run.
type fakeEngine struct {
	records  []engine.Record
	startErr error
	endErr   error // returned instead of io.EOF after the records
	block    bool  // after the records, block until ctx is done
	panicMsg string

	mu    sync.Mutex
	turns []engine.Turn
	runs  []*fakeRun
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Start(_ context.Context, turn engine.Turn) (engine.Run, error) {
	if e.panicMsg != "" {
		panic(e.panicMsg)
	}
	if e.startErr != nil {
		return nil, e.startErr
	}
	r := &fakeRun{engine: e}
	e.mu.Lock()
	e.turns = append(e.turns, turn)
	e.runs = append(e.runs, r)
	e.mu.Unlock()
	return r, nil
}

func (e *fakeEngine) lastRun() *fakeRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.runs) == 0 {
		return nil
	}
	return e.runs[len(e.runs)-1]
}

type fakeRun struct {
	engine *fakeEngine

	mu       sync.Mutex
	idx      int
	awaiting bool
	answers  []string
	closed   bool
}

func (r *fakeRun) Next(ctx context.Context) (engine.Record, error) {
	r.mu.Lock()
	if r.awaiting {
		r.mu.Unlock()
		return engine.Record{}, errors.New("next called before inject")
	}
	if r.idx < len(r.engine.records) {
		rec := r.engine.records[r.idx]
		r.idx++
		if rec.Type == engine.RecordInputRequest {
			r.awaiting = true
		}
		if len(r.answers) > 0 {
			rec.Content = strings.ReplaceAll(rec.Content, answerMarker, r.answers[len(r.answers)-1])
		}
		r.mu.Unlock()
		return rec, nil
	}
	r.mu.Unlock()

	if r.engine.block {
		<-ctx.Done()
		return engine.Record{}, ctx.Err()
	}
	if r.engine.endErr != nil {
		return engine.Record{}, r.engine.endErr
	}
	return engine.Record{}, io.EOF
}

func (r *fakeRun) Inject(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.awaiting {
		return engine.ErrNoInputExpected
	}
	r.awaiting = false
	r.answers = append(r.answers, text)
	return nil
}

func (r *fakeRun) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRun) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *fakeRun) injected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.answers...)
}

func text(sender, content string) engine.Record {
	return engine.Record{Type: engine.RecordText, Sender: sender, Recipient: "user", Content: content}
}

func inputRequest(prompt string) engine.Record {
	return engine.Record{Type: engine.RecordInputRequest, Sender: "planner", Prompt: prompt}
}
