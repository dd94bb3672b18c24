// Package api serves the local status and control API of the mealsync
// daemon: queue inspection, action submission, explicit sync and a
// websocket stream of the pending count.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/clawinfra/mealsync/internal/connectivity"
	"github.com/clawinfra/mealsync/internal/dispatch"
	"github.com/clawinfra/mealsync/internal/history"
	"github.com/clawinfra/mealsync/internal/offline"
	"github.com/clawinfra/mealsync/internal/scheduler"
	"github.com/clawinfra/mealsync/internal/types"
)

// Queue is the offline queue as seen by the API.
type Queue interface {
	PendingCount() int
	Snapshot() []types.QueuedAction
	Sync(ctx context.Context) types.Summary
	ClearQueue()
	Subscribe(fn func(pending int)) (cancel func())
}

// Dispatcher submits new mutations.
type Dispatcher interface {
	Submit(ctx context.Context, t types.ActionType, payload any, opts ...dispatch.Option) (dispatch.Outcome, error)
}

// Switchable is a monitor whose state can be set from outside, such as
// connectivity.Manual.
type Switchable interface {
	SetOnline(online bool) bool
}

// Jobs exposes scheduled jobs.
type Jobs interface {
	ListJobs() []*scheduler.Job
	RunJobNow(ctx context.Context, id string) error
}

// History records and lists sync attempts.
type History interface {
	Record(trigger history.Trigger, s types.Summary, pending int)
	Recent(n int) []history.Entry
}

// Server is the HTTP API server
type Server struct {
	port       int
	queue      Queue
	dispatcher Dispatcher
	monitor    connectivity.Monitor
	jobs       Jobs
	history    History
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new API server. monitor and jobs may be nil.
func NewServer(port int, queue Queue, dispatcher Dispatcher, monitor connectivity.Monitor, jobs Jobs, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:       port,
		queue:      queue,
		dispatcher: dispatcher,
		monitor:    monitor,
		jobs:       jobs,
		logger:     logger.With("component", "api"),
	}
}

// SetHistory enables the sync journal. Call before Start.
func (s *Server) SetHistory(h History) {
	s.history = h
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/queue", s.handleQueue)
	mux.HandleFunc("DELETE /api/queue", s.handleClear)
	mux.HandleFunc("POST /api/actions", s.handleSubmit)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("PUT /api/connectivity", s.handleSetConnectivity)
	mux.HandleFunc("GET /api/jobs", s.handleJobs)
	mux.HandleFunc("POST /api/jobs/{id}/run", s.handleRunJob)
	mux.HandleFunc("GET /ws/pending", s.handlePendingWS)

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
}

func (s *Server) status() StatusResponse {
	online := true
	if s.monitor != nil {
		online = s.monitor.Online()
	}
	return StatusResponse{Online: online, Pending: s.queue.PendingCount()}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// QueueResponse is returned by GET /api/queue.
type QueueResponse struct {
	Pending int                  `json:"pending"`
	Actions []types.QueuedAction `json:"actions"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	actions := s.queue.Snapshot()
	writeJSON(w, http.StatusOK, QueueResponse{Pending: len(actions), Actions: actions})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	dropped := s.queue.PendingCount()
	s.queue.ClearQueue()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": dropped})
}

// SubmitRequest is the body of POST /api/actions.
type SubmitRequest struct {
	Type    types.ActionType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
	Defer   bool             `json:"defer,omitempty"`
}

// SubmitResponse reports the outcome of POST /api/actions.
type SubmitResponse struct {
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}

	var opts []dispatch.Option
	if req.Defer {
		opts = append(opts, dispatch.Defer())
	}

	outcome, err := s.dispatcher.Submit(r.Context(), req.Type, req.Payload, opts...)
	switch {
	case errors.Is(err, offline.ErrUnknownActionType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrRejected):
		writeJSON(w, http.StatusUnprocessableEntity, SubmitResponse{Outcome: outcome.String(), Error: err.Error()})
	case err != nil:
		s.logger.Error("submit failed", "type", req.Type, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	case outcome == dispatch.Deferred:
		writeJSON(w, http.StatusAccepted, SubmitResponse{Outcome: outcome.String()})
	default:
		writeJSON(w, http.StatusOK, SubmitResponse{Outcome: outcome.String()})
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	summary := s.queue.Sync(r.Context())
	if s.history != nil {
		s.history.Record(history.TriggerAPI, summary, s.queue.PendingCount())
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []history.Entry{})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.history.Recent(limit))
}

func (s *Server) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	sw, ok := s.monitor.(Switchable)
	if !ok {
		writeError(w, http.StatusConflict, "connectivity is detected automatically in this mode")
		return
	}
	var req struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, `body must be {"online": true|false}`)
		return
	}
	changed := sw.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": *req.Online, "changed": changed})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeJSON(w, http.StatusOK, []*scheduler.Job{})
		return
	}
	writeJSON(w, http.StatusOK, s.jobs.ListJobs())
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusNotFound, "scheduler not enabled")
		return
	}
	err := s.jobs.RunJobNow(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeJSON(w, http.StatusOK, map[string]any{"ran": true, "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ran": true})
	}
}
