// Package ops serves the relay's operational HTTP surface: health, Prometheus
// metrics, and read-only status of channels, turn queues and session runs.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/clawrelay/internal/channels"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
	"github.com/nextlevelbuilder/clawrelay/internal/turns"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

const shutdownTimeout = 5 * time.Second

// Deps are the read-only sources the status endpoints report on. Any may be nil.
type Deps struct {
	Channels *channels.Manager
	Turns    *turns.Registry
	Sessions *sessions.Manager
	AgentID  string
}

// Server is the ops HTTP server.
type Server struct {
	addr       string
	deps       Deps
	router     chi.Router
	httpServer *http.Server
}

// NewServer creates an ops server listening on addr.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{addr: addr, deps: deps}
	s.router = s.routes()
	return s
}

// Handler returns the router, for tests and extra listeners.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/channels", s.handleChannels)
	r.Get("/sessions", s.handleSessions)
	r.Get("/sessions/{key}/last", s.handleLastRun)
	return r
}

// Start listens until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("ops server starting", "addr", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "protocol": protocol.ProtocolVersion})
}

type channelsResponse struct {
	Channels map[string]channels.ChannelStatus `json:"channels"`
	Queues   []turns.QueueStatus               `json:"queues"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	resp := channelsResponse{
		Channels: map[string]channels.ChannelStatus{},
		Queues:   []turns.QueueStatus{},
	}
	if s.deps.Channels != nil {
		resp.Channels = s.deps.Channels.GetStatus()
	}
	if s.deps.Turns != nil {
		resp.Queues = s.deps.Turns.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSessions lists session run summaries. ?agent= overrides the relay's
// own agent id; ?agent=* lists every agent.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeJSON(w, http.StatusOK, []sessions.SessionInfo{})
		return
	}
	agentID := s.deps.AgentID
	if q := r.URL.Query().Get("agent"); q != "" {
		agentID = q
	}
	if agentID == "*" {
		agentID = ""
	}
	writeJSON(w, http.StatusOK, s.deps.Sessions.List(agentID))
}

// handleLastRun returns the most recent run recorded for one session key.
func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if s.deps.Sessions == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no session ledger"})
		return
	}
	run, ok := s.deps.Sessions.LastRun(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no runs for " + key})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			slog.Debug("ops request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"latency", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
