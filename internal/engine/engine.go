// Package engine defines the reasoning-engine collaborator that agents drive,
// plus a subprocess backend speaking line-delimited JSON.
//
// An Engine starts one Run per conversation turn. A Run yields native
// Records until it finishes (io.EOF) and accepts injected human text after an
// input_request record.
package engine

import (
	"context"
	"encoding/json"
)

// Native record tags understood by the agent translation layer. Engines may
// emit other tags; those are translated to errors.
const (
	RecordText          = "text"
	RecordToolCall      = "tool_call"
	RecordToolResponse  = "tool_response"
	RecordGroupChatRun  = "group_chat_run_chat"
	RecordSelectSpeaker = "select_speaker"
	RecordAutoReply     = "using_auto_reply"
	RecordInputRequest  = "input_request"
	RecordTermination   = "termination"
	RecordRunCompletion = "run_completion"
	RecordError         = "error"

	// RecordMalformed marks an engine output line that could not be decoded.
	RecordMalformed = "malformed"
)

// Record is one native happening reported by a Run.
type Record struct {
	Type      string `json:"type"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Summary   string `json:"summary,omitempty"`

	// Raw holds the undecoded source line for subprocess engines.
	Raw json.RawMessage `json:"-"`
}

// Turn is the input that starts a Run.
type Turn struct {
	Message string            `json:"message"`
	Agent   string            `json:"agent,omitempty"`
	Context map[string]string `json:"context,omitempty"`
	Step    int               `json:"step"`
}

// Engine starts conversation turns.
type Engine interface {
	Name() string
	Start(ctx context.Context, turn Turn) (Run, error)
}

// Run is one in-flight conversation turn.
type Run interface {
	// Next returns the next record, or io.EOF once the run has finished
	// normally. It honours ctx cancellation.
	Next(ctx context.Context) (Record, error)

	// Inject hands human-provided text to the run after an input_request.
	Inject(ctx context.Context, text string) error

	// Close releases the run. It is safe to call more than once.
	Close() error
}
