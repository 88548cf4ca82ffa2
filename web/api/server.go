// Package api exposes runs, bugs, events, the worker and settings over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/runstore"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/settings"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/supervisor"
)

// RunStore is the read side of run, bug and issue storage
type RunStore interface {
	GetRun(id string) (*domain.Run, error)
	ListRuns(limit int) ([]*domain.Run, error)
	ListBugs(runID string) ([]*domain.Bug, error)
	ListIssues(runID string) ([]domain.IssueLink, error)
}

// Submitter accepts new runs
type Submitter interface {
	Submit(params domain.RunParams) (*domain.Run, error)
	SubmitWithID(id string, params domain.RunParams) (*domain.Run, error)
}

// EventSource tails a run's event log
type EventSource interface {
	Follow(ctx context.Context, runID string, fromSeq int64, fn func(domain.Event) error) error
}

// Worker controls the worker process
type Worker interface {
	Start(ctx context.Context, req supervisor.StartRequest) supervisor.Result
	Stop() supervisor.Result
	Status() supervisor.Status
	Logs(n int) []string
}

// SettingsStore reads and updates settings
type SettingsStore interface {
	Get() settings.View
	Update(u settings.Update) (settings.View, error)
}

// Deps are the components served by the API
type Deps struct {
	Runs     RunStore
	Queue    Submitter
	Events   EventSource
	Worker   Worker
	Settings SettingsStore
}

// Server is the HTTP API server
type Server struct {
	Deps
	addr     string
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer creates a new API server
func NewServer(deps Deps, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		Deps:   deps,
		addr:   addr,
		mux:    http.NewServeMux(),
		logger: logger.Named("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.healthHandler())

	s.mux.HandleFunc("POST /api/runs", s.createRunHandler())
	s.mux.HandleFunc("GET /api/runs", s.listRunsHandler())
	s.mux.HandleFunc("GET /api/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/bugs", s.listBugsHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/bugs.csv", s.bugsCSVHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/issues", s.listIssuesHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/runs/{id}/ws", s.wsHandler())

	s.mux.HandleFunc("GET /api/worker/status", s.workerStatusHandler())
	s.mux.HandleFunc("POST /api/worker/start", s.workerStartHandler())
	s.mux.HandleFunc("POST /api/worker/stop", s.workerStopHandler())
	s.mux.HandleFunc("GET /api/worker/logs", s.workerLogsHandler())

	s.mux.HandleFunc("GET /api/settings", s.getSettingsHandler())
	s.mux.HandleFunc("PUT /api/settings", s.updateSettingsHandler())
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeStoreError maps domain and store errors to status codes
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, runstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, runstore.ErrDuplicateRun):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
