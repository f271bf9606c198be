package client

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-stream/backend/internal/engine"
	"github.com/agent-stream/backend/internal/event"
	"github.com/agent-stream/backend/internal/mock"
	"github.com/agent-stream/backend/internal/session"
	"github.com/agent-stream/backend/internal/ws"
)

func TestHTTPBase(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ws://127.0.0.1:8080/ws", "http://127.0.0.1:8080"},
		{"wss://chat.example.com/ws", "https://chat.example.com"},
		{"not a url", "http://127.0.0.1:8080"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPBase(tt.in), tt.in)
	}
}

func TestDecode(t *testing.T) {
	msg := decode([]byte(`{"type":"event","payload":{"id":"e1","kind":"text","payload":{"text":"hi"},"created_at":"2025-01-01T00:00:00Z"}}`))
	ev, ok := msg.(EventMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "e1", ev.Event.ID())
	assert.Equal(t, event.KindText, ev.Event.Kind())
	assert.Equal(t, "hi", ev.Event.Get("text"))

	msg = decode([]byte(`{"type":"error","payload":{"error":"boom","request_id":"r1"}}`))
	em, ok := msg.(ErrorMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "boom", em.Payload.Error)
	assert.Equal(t, "r1", em.Payload.RequestID)

	assert.Nil(t, decode([]byte(`{"type":"snapshot","payload":{}}`)))
	assert.Nil(t, decode([]byte(`garbage`)))
	assert.Nil(t, decode([]byte(`{"type":"event","payload":{"kind":"bogus"}}`)))
}

func TestWriteWithoutConnection(t *testing.T) {
	c := NewChatClient("ws://127.0.0.1:1/ws")
	assert.ErrorIs(t, c.Chat("", "hi"), ErrNotConnected)
	assert.ErrorIs(t, c.Respond("r", "a"), ErrNotConnected)
	assert.NoError(t, c.Close())
	_, ok := c.ReadLoop()().(DisconnectedMsg)
	assert.True(t, ok)
}

func TestConversation(t *testing.T) {
	script := mock.Script{
		Name: "ask",
		Steps: []mock.Step{
			{Type: engine.RecordInputRequest, Sender: "bot", Prompt: "Name?"},
			{Type: engine.RecordText, Sender: "bot", Recipient: "user", Content: "Hello {{answer}}"},
			{Type: engine.RecordTermination},
		},
	}
	p := session.DefaultPolicy()
	p.AnnounceWaiting = false
	m := session.NewManager(mock.New(mock.WithScripts(script), mock.WithDefault("ask")), session.WithPolicy(p))
	srv := ws.NewServer(m, nil, "mock", nil, nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		m.Shutdown()
	})

	c := NewChatClient("ws" + strings.TrimPrefix(hs.URL, "http") + "/ws")
	connected, ok := c.Connect(t.Context())().(ConnectedMsg)
	require.True(t, ok)
	assert.NotEmpty(t, connected.SessionID)
	assert.Equal(t, connected.SessionID, c.SessionID())

	require.NoError(t, c.Chat("", "hi"))
	req, ok := c.ReadLoop()().(EventMsg)
	require.True(t, ok)
	require.Equal(t, event.KindInputRequest, req.Event.Kind())
	assert.Equal(t, "Name?", req.Event.Get("prompt"))

	require.NoError(t, c.Respond(req.Event.ID(), "Ada"))
	text, ok := c.ReadLoop()().(EventMsg)
	require.True(t, ok)
	assert.Equal(t, "Hello Ada", text.Event.Get("text"))
	done, ok := c.ReadLoop()().(EventMsg)
	require.True(t, ok)
	assert.Equal(t, event.KindCompleted, done.Event.Kind())

	require.NoError(t, c.Respond(req.Event.ID(), "again"))
	em, ok := c.ReadLoop()().(ErrorMsg)
	require.True(t, ok)
	assert.Equal(t, req.Event.ID(), em.Payload.RequestID)

	require.NoError(t, c.Close())
	assert.Empty(t, c.SessionID())
}
