package agent

import (
	"github.com/agent-stream/backend/internal/engine"
	"github.com/agent-stream/backend/internal/event"
)

const defaultPrompt = "Please provide input:"

// translate maps a native engine record onto the closed event kind set.
// Every record type either maps to exactly one kind or yields a
// *TranslationError.
func translate(rec engine.Record) (event.Kind, event.Payload, error) {
	switch rec.Type {
	case engine.RecordText, engine.RecordToolCall, engine.RecordToolResponse:
		return event.KindText, event.Payload{
			"sender":      rec.Sender,
			"recipient":   rec.Recipient,
			"text":        rec.Content,
			"record_type": rec.Type,
		}, nil

	case engine.RecordGroupChatRun, engine.RecordSelectSpeaker:
		return event.KindAgentActivated, event.Payload{"agent": firstNonEmpty(rec.Agent, rec.Sender)}, nil

	case engine.RecordAutoReply:
		p := event.Payload{"agent": firstNonEmpty(rec.Agent, rec.Sender)}
		if rec.Content != "" {
			p["text"] = rec.Content
		}
		return event.KindAutoReply, p, nil

	case engine.RecordInputRequest:
		return event.KindInputRequest, event.Payload{
			"prompt": firstNonEmpty(rec.Prompt, rec.Content, defaultPrompt),
			"sender": rec.Sender,
		}, nil

	case engine.RecordTermination, engine.RecordRunCompletion:
		return event.KindCompleted, event.Payload{"summary": firstNonEmpty(rec.Summary, rec.Content)}, nil

	case engine.RecordError:
		return event.KindError, event.Payload{
			"error":      firstNonEmpty(rec.Content, "engine reported an error"),
			"error_type": ErrorTypeEngine,
		}, nil

	default:
		return 0, nil, &TranslationError{RecordType: rec.Type, Cause: errUnrecognized}
	}
}

func errorEvent(err error, errorType string) event.Event {
	return event.New(event.KindError, event.Payload{
		"error":      err.Error(),
		"error_type": errorType,
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
