package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agent-stream/backend/internal/agent"
)

const maxClientMessage = 64 << 10

// handleChatWS runs one conversation over a WebSocket. The connection owns
// its session: it is created on connect and destroyed on disconnect.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", "err", err)
		return
	}
	conn.SetReadLimit(maxClientMessage)

	id, err := s.manager.Create()
	if err != nil {
		_ = conn.WriteJSON(WSMessage{Type: MsgError, Payload: ErrorPayload{Error: err.Error()}})
		conn.Close()
		return
	}
	sess, err := s.manager.Get(id)
	if err != nil {
		conn.Close()
		return
	}

	logger := s.logger.With("session", id, "remote", r.RemoteAddr)
	logger.Info("chat client connected")

	c := newClient(conn, s.frameTimeout())
	ctx, cancel := context.WithCancel(context.Background())
	var pumps sync.WaitGroup
	defer func() {
		cancel()
		s.manager.Destroy(id)
		pumps.Wait()
		c.close()
		logger.Info("chat client disconnected")
	}()

	s.send(ctx, c, WSMessage{Type: MsgSession, Payload: SessionPayload{SessionID: id}})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("ws read error", "err", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(ctx, c, "", fmt.Errorf("invalid message: %w", err))
			continue
		}

		switch msg.Type {
		case MsgChat:
			stream, err := sess.ChatWith(ctx, msg.Agent, msg.Message)
			if err != nil {
				s.sendError(ctx, c, "", err)
				continue
			}
			pumps.Add(1)
			go func() {
				defer pumps.Done()
				s.pump(ctx, c, stream)
			}()
		case MsgRespond:
			if err := sess.Respond(msg.RequestID, msg.Answer); err != nil {
				s.sendError(ctx, c, msg.RequestID, err)
			}
		case MsgCancel:
			if err := sess.CancelRequest(msg.RequestID); err != nil {
				s.sendError(ctx, c, msg.RequestID, err)
			}
		default:
			s.sendError(ctx, c, "", fmt.Errorf("unknown message type %q", msg.Type))
		}
	}
}

// pump forwards one turn's events to the client in order.
func (s *Server) pump(ctx context.Context, c *client, stream *agent.Stream) {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, agent.ErrAborted) {
				s.sendError(ctx, c, "", err)
			}
			return
		}
		if !s.send(ctx, c, EventFrame(ev)) {
			return
		}
	}
}

func (s *Server) send(ctx context.Context, c *client, msg WSMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("ws marshal error", "err", err)
		return false
	}
	return c.enqueue(ctx, data)
}

func (s *Server) sendError(ctx context.Context, c *client, requestID string, err error) {
	s.send(ctx, c, WSMessage{Type: MsgError, Payload: ErrorPayload{Error: err.Error(), RequestID: requestID}})
}

// handleSessionsWS streams session lifecycle snapshots and deltas.
func (s *Server) handleSessionsWS(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		writeErrorStatus(w, http.StatusNotFound, "session feed disabled")
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade error", "err", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}
	s.logger.Info("session watcher connected", "remote", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.logger.Info("session watcher disconnected", "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
