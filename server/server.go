// Package server exposes the supervisor over HTTP.
//
//	POST   /group-chats                 start a session from a brief
//	GET    /group-chats                 list sessions
//	GET    /group-chats/{id}            describe one session
//	POST   /group-chats/{id}/messages   submit a user turn (?wait=true blocks for the cycle)
//	DELETE /group-chats/{id}            terminate a session
//	GET    /health                      liveness
//
// Failures are answered with {"error": ..., "details": ...}.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/agentrelay/briefing"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/supervisor"
)

const maxBodyBytes = 1 << 20

// Sessions is the supervisor surface the handlers drive.
type Sessions interface {
	Start(ctx context.Context, b briefing.Brief) (*supervisor.Handle, error)
	Submit(ctx context.Context, id core.RunID, text string) (<-chan supervisor.Outcome, error)
	Terminate(id core.RunID) error
	Lookup(id core.RunID) (*supervisor.Handle, bool)
	Sessions() []supervisor.Info
}

var _ Sessions = (*supervisor.Supervisor)(nil)

// Options configures a Server.
type Options struct {
	Logger logging.Logger
	// ShutdownTimeout bounds graceful shutdown in Serve.
	ShutdownTimeout time.Duration
}

// Server is the HTTP boundary.
type Server struct {
	sessions Sessions
	mux      *http.ServeMux
	opts     Options
}

// New creates a Server and registers its routes.
func New(sessions Sessions, optFns ...func(o *Options)) *Server {
	opts := Options{
		Logger:          logging.NoOpLogger{},
		ShutdownTimeout: 10 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	s := &Server{sessions: sessions, mux: http.NewServeMux(), opts: opts}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /group-chats", s.handleCreate)
	s.mux.HandleFunc("GET /group-chats", s.handleList)
	s.mux.HandleFunc("GET /group-chats/{id}", s.handleGet)
	s.mux.HandleFunc("POST /group-chats/{id}/messages", s.handleSubmit)
	s.mux.HandleFunc("DELETE /group-chats/{id}", s.handleTerminate)
	return s
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.mux.ServeHTTP(rec, r)
		s.opts.Logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on http addr %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.opts.Logger.Info("HTTP server listening", "addr", ln.Addr().String())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

type createResponse struct {
	SessionID core.RunID `json:"sessionId"`
	GroupID   string     `json:"groupId"`
	State     string     `json:"state"`
}

type submitRequest struct {
	Text string `json:"text"`
}

type submitResponse struct {
	Accepted  bool        `json:"accepted"`
	SessionID core.RunID  `json:"sessionId"`
	Cycle     *cycleReply `json:"cycle,omitempty"`
}

type cycleReply struct {
	ID        string `json:"id"`
	Decision  string `json:"decision"`
	LeadTurn  string `json:"leadTurn,omitempty"`
	Persona   string `json:"persona,omitempty"`
	Sent      bool   `json:"sent"`
	MessageID string `json:"messageId,omitempty"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var brief briefing.Brief
	if err := decodeBody(r, &brief); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	h, err := s.sessions.Start(r.Context(), brief)
	if err != nil {
		s.fail(w, "failed to start group chat", err)
		return
	}
	s.opts.Logger.Info("Group chat started", "session_id", h.ID(), "group_id", h.ChannelID())

	writeJSON(w, http.StatusCreated, createResponse{
		SessionID: h.ID(),
		GroupID:   h.ChannelID(),
		State:     h.State().String(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Sessions())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	h, ok := s.sessions.Lookup(core.RunID(r.PathValue("id")))
	if !ok {
		writeError(w, http.StatusNotFound, "group chat not found", core.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.Info())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := core.RunID(r.PathValue("id"))

	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid request body", errors.New("text is required"))
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	outCh, err := s.sessions.Submit(r.Context(), id, req.Text)
	if err != nil {
		s.fail(w, "failed to submit message", err)
		return
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, submitResponse{Accepted: true, SessionID: id})
		return
	}

	select {
	case <-r.Context().Done():
		return
	case out := <-outCh:
		writeJSON(w, http.StatusOK, submitResponse{Accepted: true, SessionID: id, Cycle: newCycleReply(out)})
	}
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := core.RunID(r.PathValue("id"))
	if err := s.sessions.Terminate(id); err != nil {
		s.fail(w, "failed to terminate group chat", err)
		return
	}
	s.opts.Logger.Info("Group chat terminated", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// fail maps domain errors to status codes.
func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	var invalid *briefing.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &invalid):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrSessionTerminated), errors.Is(err, core.ErrChannelInUse):
		status = http.StatusConflict
	case errors.Is(err, core.ErrInboxFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, supervisor.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.opts.Logger.Error(msg, "error", err)
	}
	writeError(w, status, msg, err)
}

func newCycleReply(out supervisor.Outcome) *cycleReply {
	reply := &cycleReply{
		ID:       out.CycleID,
		Decision: out.Decision.String(),
		LeadTurn: out.LeadTurn.Content,
		State:    out.State.String(),
	}
	if d := out.Dispatch; d != nil {
		reply.Persona = d.Persona
		reply.Sent = d.Sent
		reply.MessageID = string(d.MessageID)
	}
	if out.Err != nil {
		reply.Error = out.Err.Error()
	}
	return reply
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := errorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
