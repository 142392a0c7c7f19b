package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/influxkit/influx-migrate/internal/config"
	"github.com/influxkit/influx-migrate/internal/importer"
	"github.com/influxkit/influx-migrate/internal/logging"
	"github.com/influxkit/influx-migrate/internal/source"
	"github.com/influxkit/influx-migrate/internal/state"
)

// decodeBody reads the optional JSON job parameters from a request. An
// empty body yields an empty config so env and defaults can still apply.
func decodeBody(r *http.Request) (*config.ImportConfig, error) {
	body := &config.ImportConfig{}
	if r.Body == nil {
		return body, nil
	}
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		if errors.Is(err, io.EOF) {
			return &config.ImportConfig{}, nil
		}
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	return body, nil
}

// resolveRequest layers the request body over the job file, environment,
// and service defaults, then validates.
func (s *Server) resolveRequest(r *http.Request) (*config.ImportConfig, error) {
	body, err := decodeBody(r)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Resolve(body, s.cfg.Defaults)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.resolveRequest(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	src, err := source.New(cfg)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	im := importer.New(cfg, src, s.dest, s.store)
	im.SetNotifier(s.notifier)

	if cfg.DryRun {
		report, err := im.Start(r.Context())
		if err != nil {
			errorResponse(w, http.StatusBadGateway, err.Error())
			return
		}
		jsonResponse(w, http.StatusOK, report)
		return
	}

	s.markActive(im.ID())
	logging.Info("starting import %s: %s from %s", im.ID(), cfg.SourceDatabase, cfg.SourceURL)
	go func() {
		started := time.Now()
		defer s.clearActive(im.ID())
		if _, err := im.Start(context.Background()); err != nil {
			logging.Error("import %s failed: %v", im.ID(), err)
			s.notifyFailure(im.ID(), err, started)
		}
	}()

	jsonResponse(w, http.StatusAccepted, map[string]string{
		"import_id": im.ID(),
		"status":    "started",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("import_id")
	if jobID == "" {
		errorResponse(w, http.StatusBadRequest, "import_id parameter is required")
		return
	}
	js, err := importer.Status(r.Context(), s.store, jobID)
	if err != nil {
		respondStateError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, js)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("import_id")
	if jobID == "" {
		errorResponse(w, http.StatusBadRequest, "import_id parameter is required")
		return
	}
	if err := state.RequestPause(r.Context(), s.store, jobID); err != nil {
		respondStateError(w, err)
		return
	}
	logging.Info("pause requested for import %s", jobID)
	jsonResponse(w, http.StatusOK, map[string]string{
		"import_id": jobID,
		"status":    "pause_requested",
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("import_id")
	if jobID == "" {
		errorResponse(w, http.StatusBadRequest, "import_id parameter is required")
		return
	}
	creds, err := decodeBody(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	creds = config.Merge(config.FromEnv(), creds)
	if !creds.HasCredentials() {
		errorResponse(w, http.StatusBadRequest, importer.ErrMissingCredentials.Error())
		return
	}

	if _, err := s.store.LoadConfig(r.Context(), jobID); err != nil {
		respondStateError(w, err)
		return
	}
	sig, err := s.store.ReadSignal(r.Context(), jobID)
	if err != nil {
		respondStateError(w, err)
		return
	}
	if sig == state.SignalCancelled {
		respondStateError(w, state.ErrCancelled)
		return
	}
	if !s.markActive(jobID) {
		errorResponse(w, http.StatusConflict, "import is already running")
		return
	}

	logging.Info("resuming import %s", jobID)
	go func() {
		started := time.Now()
		defer s.clearActive(jobID)
		if _, err := importer.Resume(context.Background(), jobID, creds, s.dest, s.store, s.notifier); err != nil {
			logging.Error("resume of import %s failed: %v", jobID, err)
			s.notifyFailure(jobID, err, started)
		}
	}()

	jsonResponse(w, http.StatusAccepted, map[string]string{
		"import_id": jobID,
		"status":    "resumed",
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("import_id")
	if jobID == "" {
		errorResponse(w, http.StatusBadRequest, "import_id parameter is required")
		return
	}
	if err := importer.Cancel(r.Context(), s.store, jobID); err != nil {
		respondStateError(w, err)
		return
	}
	logging.Info("cancel requested for import %s", jobID)
	jsonResponse(w, http.StatusOK, map[string]string{
		"import_id": jobID,
		"status":    "cancelled",
	})
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	rawURL := body.SourceURL
	if u := r.URL.Query().Get("url"); u != "" {
		rawURL = u
	}
	if rawURL == "" {
		errorResponse(w, http.StatusBadRequest, "source_url is required")
		return
	}
	result := source.Probe(r.Context(), rawURL, s.httpc)
	jsonResponse(w, http.StatusOK, result)
}

func (s *Server) handleDatabases(w http.ResponseWriter, r *http.Request) {
	src, _, err := s.sourceFromRequest(r, false)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	dbs, err := src.Databases(r.Context())
	if err != nil {
		errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{"databases": dbs})
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	src, cfg, err := s.sourceFromRequest(r, true)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	tables, err := src.Tables(r.Context(), cfg.SourceDatabase)
	if err != nil {
		errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"database": cfg.SourceDatabase,
		"tables":   tables,
	})
}

// sourceFromRequest builds a source client from request parameters. The
// databases action does not need a database name, so one is stubbed in to
// satisfy validation.
func (s *Server) sourceFromRequest(r *http.Request, needDB bool) (*source.Client, *config.ImportConfig, error) {
	body, err := decodeBody(r)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Resolve(body, s.cfg.Defaults)
	if err != nil {
		return nil, nil, err
	}
	if !needDB && cfg.SourceDatabase == "" {
		cfg.SourceDatabase = "_none"
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	src, err := source.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return src, cfg, nil
}

// notifyFailure reports a job that aborted before reaching a final state.
func (s *Server) notifyFailure(jobID string, cause error, started time.Time) {
	if s.notifier == nil || !s.notifier.IsEnabled() {
		return
	}
	if err := s.notifier.ImportFailed(jobID, cause, time.Since(started)); err != nil {
		logging.Warn("notification for import %s failed: %v", jobID, err)
	}
}

// respondStateError maps state sentinels to HTTP statuses.
func respondStateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, state.ErrCancelled), errors.Is(err, state.ErrAlreadyPaused):
		errorResponse(w, http.StatusConflict, err.Error())
	default:
		errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}
