package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/agent-stream/backend/internal/procstat"
)

const maxLineSize = 1 << 20

// ProcessConfig configures a ProcessEngine.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// ProcessEngine runs one subprocess per turn. The subprocess receives a
// start line on stdin and reports Records as JSON lines on stdout; human
// answers are written back as {"type":"input","content":...} lines.
type ProcessEngine struct {
	cfg    ProcessConfig
	logger *slog.Logger
}

// NewProcessEngine creates a subprocess engine.
func NewProcessEngine(cfg ProcessConfig, logger *slog.Logger) *ProcessEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessEngine{cfg: cfg, logger: logger}
}

func (e *ProcessEngine) Name() string { return "process" }

type startLine struct {
	Type string `json:"type"`
	Turn
}

type inputLine struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Start spawns the subprocess and sends it the turn.
func (e *ProcessEngine) Start(ctx context.Context, turn Turn) (Run, error) {
	cmd := exec.Command(e.cfg.Command, e.cfg.Args...)
	setProcAttr(cmd)
	cmd.Dir = e.cfg.Dir
	if len(e.cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range e.cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ProcessError{Message: "failed to get stdin pipe", Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessError{Message: "failed to get stdout pipe", Cause: err}
	}
	r := &processRun{
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		lines:  make(chan Record, 16),
		exited: make(chan struct{}),
		logger: e.logger,
	}
	cmd.Stderr = &r.stderr

	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Message: "failed to start engine process", Cause: err}
	}
	e.logger.Debug("engine process started", "pid", cmd.Process.Pid, "command", e.cfg.Command)

	go r.readLoop(stdout)

	if err := r.write(startLine{Type: "start", Turn: turn}); err != nil {
		_ = r.Close()
		return nil, &ProcessError{Message: "failed to send start line", Cause: err}
	}
	return r, nil
}

type processRun struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	lines  chan Record
	exited chan struct{}
	exit   error
	logger *slog.Logger

	stderr lockedBuffer

	mu     sync.Mutex
	closed bool
}

func (r *processRun) readLoop(stdout io.Reader) {
	defer close(r.lines)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		raw := append(json.RawMessage(nil), line...)
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.Type == "" {
			rec = Record{Type: RecordMalformed, Content: string(line)}
		}
		rec.Raw = raw
		r.lines <- rec
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("engine output unreadable", "err", err)
		_ = killGroup(r.cmd.Process)
	}
	r.exit = r.cmd.Wait()
	close(r.exited)
}

func (r *processRun) Next(ctx context.Context) (Record, error) {
	select {
	case rec, ok := <-r.lines:
		if ok {
			return rec, nil
		}
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}

	<-r.exited
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return Record{}, ErrRunClosed
	}
	if r.exit != nil {
		var exitErr *exec.ExitError
		if errors.As(r.exit, &exitErr) {
			return Record{}, &ExitError{
				Code:   exitErr.ExitCode(),
				Stderr: strings.TrimSpace(r.stderr.String()),
				Err:    r.exit,
			}
		}
		return Record{}, &ProcessError{Message: "engine process failed", Cause: r.exit}
	}
	return Record{}, io.EOF
}

func (r *processRun) Inject(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.write(inputLine{Type: "input", Content: text})
}

func (r *processRun) write(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunClosed
	}
	return r.enc.Encode(v)
}

// Close kills the subprocess group if it is still running and drains its
// output so the read loop exits.
func (r *processRun) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	pid := r.cmd.Process.Pid
	select {
	case <-r.exited:
	default:
		if st, err := procstat.Sample(context.Background(), pid); err == nil {
			r.logger.Debug("engine process stopping", "pid", pid, "rss", st.RSS, "cpu", st.CPUPercent)
		}
		_ = r.stdin.Close()
		_ = killGroup(r.cmd.Process)
		for range r.lines {
		}
		<-r.exited
	}
	return nil
}

// lockedBuffer collects stderr written by the exec package's copy goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > maxLineSize {
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
