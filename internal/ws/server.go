// Package ws exposes sessions over HTTP: a REST API with server-sent event
// chat streams, a bidirectional WebSocket chat endpoint, and a WebSocket
// feed of session lifecycle changes.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agent-stream/backend/internal/agent"
	"github.com/agent-stream/backend/internal/event"
	"github.com/agent-stream/backend/internal/pending"
	"github.com/agent-stream/backend/internal/procstat"
	"github.com/agent-stream/backend/internal/session"
	"github.com/agent-stream/backend/internal/stats"
)

const (
	maxBodySize         = 1 << 20
	streamSweepInterval = time.Minute
)

type Server struct {
	manager        *session.Manager
	broadcaster    *Broadcaster
	tracker        *stats.Tracker
	health         *stats.Health
	logger         *slog.Logger
	engineName     string
	started        time.Time
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	streams        *streamRegistry

	mu           sync.RWMutex
	filter       *session.PrivacyFilter
	writeTimeout time.Duration
}

func NewServer(manager *session.Manager, broadcaster *Broadcaster, engineName string, allowedOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager:        manager,
		broadcaster:    broadcaster,
		logger:         logger,
		engineName:     engineName,
		started:        time.Now(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		streams:        newStreamRegistry(),
		filter:         &session.PrivacyFilter{},
		writeTimeout:   10 * time.Second,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetStatsTracker configures the tracker behind /api/stats. Must be called
// before SetupRoutes.
func (s *Server) SetStatsTracker(tracker *stats.Tracker) {
	s.tracker = tracker
}

// SetEngineHealth reports h on /health.
func (s *Server) SetEngineHealth(h *stats.Health) {
	s.health = h
}

// SetPrivacyFilter masks session snapshots returned by the list and detail
// endpoints and the lifecycle feed.
func (s *Server) SetPrivacyFilter(f *session.PrivacyFilter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
	if s.broadcaster != nil {
		s.broadcaster.SetPrivacyFilter(f)
	}
}

// SetWriteTimeout bounds each WebSocket frame write.
func (s *Server) SetWriteTimeout(d time.Duration) {
	s.mu.Lock()
	s.writeTimeout = d
	s.mu.Unlock()
	if s.broadcaster != nil {
		s.broadcaster.SetWriteTimeout(d)
	}
}

// Run forgets the resumable stream of every session the manager removes,
// until ctx is done. events should be registered with Manager.Observe. A
// periodic sweep catches removals dropped by a full channel.
func (s *Server) Run(ctx context.Context, events <-chan session.Event) {
	ticker := time.NewTicker(streamSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Type == session.EventRemoved {
				s.streams.drop(ev.Info.ID)
			}
		case <-ticker.C:
			if n := s.streams.prune(s.sessionLive); n > 0 {
				s.logger.Debug("stale turn streams dropped", "count", n)
			}
		}
	}
}

func (s *Server) sessionLive(id string) bool {
	_, err := s.manager.Get(id)
	return err == nil
}

func (s *Server) privacy() *session.PrivacyFilter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

func (s *Server) frameTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeTimeout
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleChatWS)
	mux.HandleFunc("GET /ws/sessions", s.handleSessionsWS)

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/chat", s.handleChat)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleResume)
	mux.HandleFunc("POST /api/sessions/{id}/respond", s.handleRespond)
	mux.HandleFunc("POST /api/sessions/{id}/requests/{rid}/cancel", s.handleCancelRequest)
	mux.HandleFunc("GET /api/sessions/{id}/context", s.handleGetContext)
	mux.HandleFunc("PUT /api/sessions/{id}/context", s.handlePutContext)
	mux.HandleFunc("DELETE /api/sessions/{id}/context/{name}", s.handleDeleteContext)
	mux.HandleFunc("POST /api/sessions/{id}/reset", s.handleReset)

	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/schema/event", s.handleEventSchema)
	mux.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the routed server wrapped in the standard middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.manager.Create()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateSessionResponse{SessionID: id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.privacy().FilterSlice(s.manager.List()))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.privacy().Apply(sess.Info()))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.manager.Destroy(id) {
		s.logger.Info("session deleted", "session", id)
	}
	s.streams.drop(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req ChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeErrorStatus(w, http.StatusBadRequest, "message is required")
		return
	}

	stream, err := sess.ChatWith(r.Context(), req.Agent, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveSSE(w, r, sess.ID(), s.streams.start(sess.ID(), stream))
}

// handleResume continues streaming the latest turn after a consumer
// disconnected mid-turn.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	ts, err := s.streams.acquire(sess.ID())
	switch {
	case errors.Is(err, errNoTurn):
		writeErrorStatus(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, errStreamBusy):
		writeErrorStatus(w, http.StatusConflict, err.Error())
		return
	}
	s.serveSSE(w, r, sess.ID(), ts)
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, id string, ts *turnStream) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.streams.release(id, ts)
		writeErrorStatus(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		ev, err := ts.stream.Next(r.Context())
		switch {
		case errors.Is(err, io.EOF):
			s.streams.finish(id, ts)
			return
		case errors.Is(err, agent.ErrAborted):
			s.streams.finish(id, ts)
			fmt.Fprint(w, "event: aborted\ndata: {}\n\n")
			flusher.Flush()
			return
		case err != nil:
			// Consumer went away; the turn keeps its position.
			s.streams.release(id, ts)
			s.logger.Debug("sse consumer gone", "session", id, "err", err)
			return
		}
		if err := writeSSE(w, ev); err != nil {
			s.streams.release(id, ts)
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w io.Writer, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID(), ev.Kind(), data)
	return err
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req RespondRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RequestID == "" {
		writeErrorStatus(w, http.StatusBadRequest, "request_id is required")
		return
	}
	if err := sess.Respond(req.RequestID, req.Answer); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.CancelRequest(r.PathValue("rid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.ContextSnapshot())
}

func (s *Server) handlePutContext(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var vars map[string]string
	if err := decodeBody(w, r, &vars); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := sess.SetContext(vars); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if !sess.DeleteContext(r.PathValue("name")) {
		writeErrorStatus(w, http.StatusNotFound, "context variable not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Reset(); err != nil {
		writeError(w, err)
		return
	}
	s.streams.drop(sess.ID())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeErrorStatus(w, http.StatusServiceUnavailable, "stats not available")
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.Stats())
}

func (s *Server) handleEventSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, event.Schema())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:         "ok",
		Engine:         s.engineName,
		Sessions:       s.manager.Len(),
		ActiveSessions: s.manager.ActiveCount(),
		UptimeSec:      time.Since(s.started).Seconds(),
	}
	if s.broadcaster != nil {
		resp.Clients = s.broadcaster.ClientCount()
	}
	if s.health != nil {
		snap := s.health.Snapshot()
		resp.EngineHealth = &snap
	}
	if self, err := procstat.SampleSelf(r.Context()); err == nil {
		resp.Process = &self
	} else {
		s.logger.Debug("process sample failed", "err", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// session resolves the {id} path value, writing 404 when unknown.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// statusFor maps core errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, pending.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, pending.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, agent.ErrTurnInProgress):
		return http.StatusConflict
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorStatus(w, statusFor(err), err.Error())
}

func writeErrorStatus(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves handler on addr until ctx is done, then shuts the
// server down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Long-lived streams end when ctx does instead of holding up Shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}
