package engine

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrRunClosed is returned by a Run after Close.
	ErrRunClosed = errors.New("engine run closed")

	// ErrNoInputExpected is returned by Inject when the run is not waiting
	// for human input.
	ErrNoInputExpected = errors.New("engine run is not waiting for input")
)

// ProcessError describes a failure of the engine subprocess.
type ProcessError struct {
	Cause   error
	Message string
}

func (e *ProcessError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// ExitError reports a subprocess that exited with a non-zero status.
type ExitError struct {
	Code   int
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := "engine exited with status " + strconv.Itoa(e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }
