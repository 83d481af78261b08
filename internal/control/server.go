// Package control exposes the HTTP control surface for the voice assistant.
//
// The surface is small and deliberate: session lifecycle commands, a status
// snapshot, a websocket event feed, Prometheus metrics, and health probes.
// It is the only way to operate the assistant at runtime.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/balti-ai/balti-voice/internal/health"
	"github.com/balti-ai/balti-voice/internal/observe"
	"github.com/balti-ai/balti-voice/internal/session"
)

// Manager is the session lifecycle surface the server drives. Implemented by
// the application's session manager.
type Manager interface {
	// Start begins a new voice session. Returns an error if one is already
	// running or the audio devices cannot be opened.
	Start(ctx context.Context) error

	// Stop ends the running session. Returns [session.ErrNotRunning] if idle.
	Stop(ctx context.Context) error

	// Interrupt cancels the in-flight exchange of the running session.
	// Reports whether anything was actually cancelled.
	Interrupt() (bool, error)

	// Status returns the live session's status snapshot. The bool is false
	// when no session is running.
	Status() (session.Status, bool)

	// Events subscribes to the live session's event feed. The cancel func
	// must be called when the subscriber is done.
	Events() (<-chan session.Event, func(), error)
}

// Server is the HTTP control surface. Construct with [New], then serve its
// Handler.
type Server struct {
	sessions Manager
	handler  http.Handler
	log      *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for request-level warnings.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New builds the control surface around a session manager. The health handler
// contributes /healthz and /readyz; metrics instruments every route.
func New(sessions Manager, hh *health.Handler, metrics *observe.Metrics, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session/start", s.handleStart)
	mux.HandleFunc("POST /v1/session/stop", s.handleStop)
	mux.HandleFunc("POST /v1/session/interrupt", s.handleInterrupt)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.Handler())
	if hh != nil {
		hh.Register(mux)
	}

	s.handler = observe.Middleware(metrics)(mux)
	return s
}

// Handler returns the root handler for the control surface.
func (s *Server) Handler() http.Handler { return s.handler }

type commandResult struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Start(r.Context()); err != nil {
		s.log.Warn("session start failed", "err", err)
		writeJSON(w, http.StatusConflict, commandResult{Status: "error", Detail: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, commandResult{Status: "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.Stop(r.Context())
	switch {
	case errors.Is(err, session.ErrNotRunning):
		writeJSON(w, http.StatusConflict, commandResult{Status: "error", Detail: err.Error()})
	case err != nil:
		s.log.Warn("session stop failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, commandResult{Status: "error", Detail: err.Error()})
	default:
		writeJSON(w, http.StatusOK, commandResult{Status: "stopped"})
	}
}

func (s *Server) handleInterrupt(w http.ResponseWriter, _ *http.Request) {
	interrupted, err := s.sessions.Interrupt()
	if err != nil {
		writeJSON(w, http.StatusConflict, commandResult{Status: "error", Detail: err.Error()})
		return
	}
	res := commandResult{Status: "interrupted"}
	if !interrupted {
		res.Status = "idle"
		res.Detail = "nothing to interrupt"
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, running := s.sessions.Status()
	writeJSON(w, http.StatusOK, struct {
		Running bool `json:"running"`
		session.Status
	}{Running: running, Status: st})
}

// eventWriteTimeout bounds a single websocket write so one stuck subscriber
// cannot pin the handler forever.
const eventWriteTimeout = 5 * time.Second

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, cancel, err := s.sessions.Events()
	if err != nil {
		writeJSON(w, http.StatusConflict, commandResult{Status: "error", Detail: err.Error()})
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event feed closed")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("event marshal failed", "err", err)
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
