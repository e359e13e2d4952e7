// Package control is the operator HTTP API of a running Hibari: inspect a
// conversation's reply desire, mute or unmute it, reset its history and
// switch the assistant off or on per conversation.
//
// Every request must carry "Authorization: Bearer <token>" when a token is
// configured.
//
// Endpoints:
//
//	GET  /health
//	GET  /conversations
//	GET  /conversations/{id}
//	POST /conversations/{id}/mute
//	POST /conversations/{id}/unmute
//	POST /conversations/{id}/reset
//	POST /conversations/{id}/disable
//	POST /conversations/{id}/enable
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Hibari/internal/hibari/session"
	"github.com/bdobrica/Hibari/internal/hibari/store"
)

// Switch persists the per-conversation on/off flag.
type Switch interface {
	SetEnabled(ctx context.Context, conversationID string, enabled bool) (store.ChatPolicy, error)
}

// Handlers bundles what the server acts on.
type Handlers struct {
	// Token, when non-empty, is the expected bearer token.
	Token     string
	Version   string
	StartedAt time.Time

	Registry *session.Registry
	// Switch is required by /disable and /enable; without it they answer
	// 503.
	Switch Switch
	Logger *slog.Logger
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string  `json:"status"`
	Version  string  `json:"version"`
	Uptime   float64 `json:"uptime_seconds"`
	Sessions int     `json:"sessions"`
}

// ConversationStatus describes a live session.
type ConversationStatus struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	State       string     `json:"state"`
	MuteUntil   *time.Time `json:"mute_until,omitempty"`
	Accumulated int        `json:"accumulated"`
	Hotness     float64    `json:"hotness"`
	// Probability is the reply chance without the hotness coefficient.
	Probability float64 `json:"probability"`
	Timers      int     `json:"pending_timers"`
	Window      int     `json:"window_entries"`
}

// SwitchResponse is returned by /disable and /enable.
type SwitchResponse struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// ErrorResponse is the body of every 4xx and 5xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server is the control HTTP server.
type Server struct {
	addr     string
	handlers Handlers
	logger   *slog.Logger
	server   *http.Server
}

// New creates a Server for addr. Nothing listens until Run.
func New(addr string, h Handlers) *Server {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if h.StartedAt.IsZero() {
		h.StartedAt = time.Now()
	}
	s := &Server{addr: addr, handlers: h, logger: logger.With("component", "control")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /conversations", s.handleList)
	mux.HandleFunc("GET /conversations/{id}", s.handleShow)
	mux.HandleFunc("POST /conversations/{id}/mute", s.handleMute)
	mux.HandleFunc("POST /conversations/{id}/unmute", s.handleUnmute)
	mux.HandleFunc("POST /conversations/{id}/reset", s.handleReset)
	mux.HandleFunc("POST /conversations/{id}/disable", s.handleSwitch(false))
	mux.HandleFunc("POST /conversations/{id}/enable", s.handleSwitch(true))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.authMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// authMiddleware rejects requests without the configured bearer token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.handlers.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if auth[len("Bearer "):] != s.handlers.Token {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", s.addr, err)
	}
	s.logger.Info("control API listening", "addr", ln.Addr().String())

	served := make(chan error, 1)
	go func() { served <- s.server.Serve(ln) }()
	select {
	case err := <-served:
		return fmt.Errorf("control server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control shutdown: %w", err)
	}
	if err := <-served; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server: %w", err)
	}
	return nil
}

// Handler exposes the routed, authenticated handler for httptest.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	n := 0
	if s.handlers.Registry != nil {
		n = s.handlers.Registry.Len()
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  s.handlers.Version,
		Uptime:   time.Since(s.handlers.StartedAt).Seconds(),
		Sessions: n,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	out := []ConversationStatus{}
	if s.handlers.Registry != nil {
		s.handlers.Registry.ForEach(func(sess *session.Session) {
			out = append(out, status(r.Context(), sess))
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.live(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, status(r.Context(), sess))
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.live(w, r)
	if !ok {
		return
	}
	sess.Mute()
	s.logger.Info("conversation muted by operator", "conversation", sess.ID())
	writeJSON(w, http.StatusOK, status(r.Context(), sess))
}

func (s *Server) handleUnmute(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.live(w, r)
	if !ok {
		return
	}
	sess.Unmute()
	s.logger.Info("conversation unmuted by operator", "conversation", sess.ID())
	writeJSON(w, http.StatusOK, status(r.Context(), sess))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.handlers.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "no session registry")
		return
	}
	if err := s.handlers.Registry.Reset(r.Context(), id); err != nil {
		s.logger.Error("reset failed", "conversation", id, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("conversation reset by operator", "conversation", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSwitch(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if s.handlers.Switch == nil {
			writeError(w, http.StatusServiceUnavailable, "conversation switch not available")
			return
		}
		if _, err := s.handlers.Switch.SetEnabled(r.Context(), id, enabled); err != nil {
			s.logger.Error("switch failed", "conversation", id, "enabled", enabled, "err", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !enabled && s.handlers.Registry != nil {
			if err := s.handlers.Registry.Remove(r.Context(), id); err != nil {
				s.logger.Warn("switched-off session not saved", "conversation", id, "err", err)
			}
		}
		s.logger.Info("conversation switched by operator", "conversation", id, "enabled", enabled)
		writeJSON(w, http.StatusOK, SwitchResponse{ID: id, Enabled: enabled})
	}
}

// live resolves the {id} path value to a live session, answering 404 when
// there is none.
func (s *Server) live(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.PathValue("id")
	if s.handlers.Registry != nil {
		if sess, ok := s.handlers.Registry.Get(id); ok {
			return sess, true
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("no live session for %q", id))
	return nil, false
}

func status(ctx context.Context, sess *session.Session) ConversationStatus {
	d := sess.Desire(ctx)
	st := ConversationStatus{
		ID:          sess.ID(),
		Kind:        sess.Kind().String(),
		State:       d.State.String(),
		Accumulated: d.Accumulated,
		Hotness:     d.Hotness,
		Probability: d.Probability,
		Timers:      len(sess.Timers()),
		Window:      len(sess.Window()),
	}
	if !d.MuteUntil.IsZero() {
		until := d.MuteUntil
		st.MuteUntil = &until
	}
	return st
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
