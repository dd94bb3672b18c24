package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/clawinfra/mealsync/internal/security"
	"github.com/clawinfra/mealsync/internal/syncproto"
	"github.com/clawinfra/mealsync/internal/types"
)

// maxBatchBytes bounds the request body of a batch.
const maxBatchBytes = 8 << 20

// anonymousUser owns actions submitted without authentication (dev mode).
const anonymousUser = "anonymous"

// Server serves the batch endpoint over HTTP.
type Server struct {
	store      *Store
	secret     []byte
	port       int
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates an authority server. A nil secret disables
// authentication.
func NewServer(store *Store, secret []byte, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  store,
		secret: secret,
		port:   port,
		logger: logger.With("component", "authority"),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	auth := security.AuthMiddleware(s.secret, s.logger)

	mux.Handle("POST "+syncproto.DefaultPath, auth(http.HandlerFunc(s.handleBatch)))
	mux.Handle("GET /api/meals", auth(http.HandlerFunc(s.handleMeals)))
	mux.Handle("GET /api/weights", auth(http.HandlerFunc(s.handleWeights)))
	mux.HandleFunc("GET /healthz", s.handleHealth) // also answers HEAD

	return s.loggingMiddleware(mux)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("authority starting", "port", s.port, "auth", s.secret != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down authority")
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
			"duration", time.Since(start))
	})
}

func userID(r *http.Request) string {
	if id := security.UserIDFromContext(r.Context()); id != "" {
		return id
	}
	return anonymousUser
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req types.BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid batch body")
		return
	}

	user := userID(r)
	results := make([]types.SyncResult, 0, len(req.Actions))
	applied := 0
	for _, a := range req.Actions {
		if a.ID == "" {
			results = append(results, types.SyncResult{Success: false, Error: "id is required"})
			continue
		}
		res, err := s.store.Apply(r.Context(), user, a)
		if err != nil {
			s.logger.Error("apply action failed", "id", a.ID, "type", a.Type, "error", err)
			res = types.SyncResult{ID: a.ID, Success: false, Error: "internal error"}
		}
		if res.Success {
			applied++
		}
		results = append(results, res)
	}

	s.logger.Info("batch processed", "user", user, "actions", len(req.Actions), "succeeded", applied)
	s.respondJSON(w, types.BatchResponse{Results: results})
}

func (s *Server) handleMeals(w http.ResponseWriter, r *http.Request) {
	meals, err := s.store.Meals(r.Context(), userID(r))
	if err != nil {
		s.logger.Error("list meals failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if meals == nil {
		meals = []Meal{}
	}
	s.respondJSON(w, meals)
}

func (s *Server) handleWeights(w http.ResponseWriter, r *http.Request) {
	weights, err := s.store.Weights(r.Context(), userID(r))
	if err != nil {
		s.logger.Error("list weights failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if weights == nil {
		weights = []Weight{}
	}
	s.respondJSON(w, weights)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write([]byte("ok"))
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
