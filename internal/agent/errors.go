package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrTurnInProgress is returned by Chat while a previous turn is running.
	ErrTurnInProgress = errors.New("turn already in progress")

	// ErrClosed is returned by Chat after Close.
	ErrClosed = errors.New("agent closed")

	// ErrAborted is returned by Stream.Next when the turn was torn down
	// before producing a terminal event.
	ErrAborted = errors.New("turn aborted")
)

// Error types carried in the error_type payload field of ERROR events.
const (
	ErrorTypeTranslation = "translation"
	ErrorTypeEngine      = "engine"
	ErrorTypeTimeout     = "timeout"
	ErrorTypeCancelled   = "cancelled"
)

// TranslationError reports an engine record that has no event mapping.
type TranslationError struct {
	RecordType string
	Cause      error
}

func (e *TranslationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cannot translate %q record: %v", e.RecordType, e.Cause)
	}
	return fmt.Sprintf("cannot translate %q record", e.RecordType)
}

func (e *TranslationError) Unwrap() error { return e.Cause }

// EngineError reports an abnormal reasoning-engine failure.
type EngineError struct {
	Op    string
	Cause error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Cause)
}

func (e *EngineError) Unwrap() error { return e.Cause }

var errUnrecognized = errors.New("unrecognized record type")
