// Package server exposes the import service over HTTP: one endpoint whose
// action query parameter selects start, status, pause, resume, cancel,
// test_connection, databases, or tables.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/influxkit/influx-migrate/internal/config"
	"github.com/influxkit/influx-migrate/internal/logging"
	"github.com/influxkit/influx-migrate/internal/notify"
	"github.com/influxkit/influx-migrate/internal/state"
	"github.com/influxkit/influx-migrate/internal/target"
)

// Server owns the HTTP surface and the in-process registry of running jobs.
type Server struct {
	cfg      *config.Config
	dest     target.PointWriter
	store    state.Store
	notifier *notify.Notifier
	httpc    *http.Client

	mu     sync.Mutex
	active map[string]bool
}

// New builds a server around a destination writer and a state store.
func New(cfg *config.Config, dest target.PointWriter, store state.Store, notifier *notify.Notifier) *Server {
	return &Server{
		cfg:      cfg,
		dest:     dest,
		store:    store,
		notifier: notifier,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		active:   make(map[string]bool),
	}
}

// Router wires the action dispatcher.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.dispatch).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
	}

	errc := make(chan error, 1)
	go func() {
		logging.Info("listening on %s", s.cfg.ListenAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	switch action {
	case "start":
		s.handleStart(w, r)
	case "status":
		s.handleStatus(w, r)
	case "pause":
		s.handlePause(w, r)
	case "resume":
		s.handleResume(w, r)
	case "cancel":
		s.handleCancel(w, r)
	case "test_connection":
		s.handleTestConnection(w, r)
	case "databases":
		s.handleDatabases(w, r)
	case "tables":
		s.handleTables(w, r)
	case "":
		errorResponse(w, http.StatusBadRequest, "action parameter is required")
	default:
		errorResponse(w, http.StatusBadRequest, "unknown action: "+action)
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// markActive registers a job as running in this process. Returns false if
// it already is.
func (s *Server) markActive(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[jobID] {
		return false
	}
	s.active[jobID] = true
	return true
}

func (s *Server) clearActive(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, jobID)
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}
