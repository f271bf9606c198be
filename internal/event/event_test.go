package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsUniqueIDs(t *testing.T) {
	a := New(KindText, nil)
	b := New(KindText, nil)
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.WithinDuration(t, time.Now(), a.CreatedAt(), time.Second)
}

func TestPayloadIsCopied(t *testing.T) {
	nested := map[string]string{"step": "1"}
	src := Payload{"text": "hello", "final_context": nested}
	e := New(KindCompleted, src)

	src["text"] = "mutated"
	nested["step"] = "2"
	assert.Equal(t, "hello", e.Get("text"))

	got := e.Payload()
	got["text"] = "changed"
	got["final_context"].(map[string]string)["step"] = "3"

	assert.Equal(t, "hello", e.Get("text"))
	assert.Equal(t, "1", e.Payload()["final_context"].(map[string]string)["step"])
}

func TestKindTerminal(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindText, false},
		{KindAgentActivated, false},
		{KindAutoReply, false},
		{KindInputRequest, false},
		{KindWaitingForInput, false},
		{KindCompleted, true},
		{KindError, true},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.IsTerminal())
		})
	}
}

func TestKindUnknownString(t *testing.T) {
	assert.Equal(t, "unknown", Kind(0).String())
	var k Kind
	assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &k))
}

func TestWireShape(t *testing.T) {
	e := NewWithID("r1", KindInputRequest, Payload{"prompt": "Where to?"})
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "r1", raw["id"])
	assert.Equal(t, "input_request", raw["kind"])
	assert.Equal(t, map[string]any{"prompt": "Where to?"}, raw["payload"])

	ts, ok := raw["created_at"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, e.ID(), back.ID())
	assert.Equal(t, e.Kind(), back.Kind())
	assert.Equal(t, "Where to?", back.Get("prompt"))
	assert.True(t, e.CreatedAt().Equal(back.CreatedAt()))
}

func TestSchemaListsKinds(t *testing.T) {
	s := Schema()
	require.NotNil(t, s.Properties)
	kind, ok := s.Properties.Get("kind")
	require.True(t, ok)
	assert.Equal(t, "string", kind.Type)
	assert.Len(t, kind.Enum, len(Kinds()))
	assert.Contains(t, kind.Enum, "waiting_for_input")
}
