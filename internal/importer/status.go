package importer

import (
	"context"
	"sort"
	"time"

	"github.com/influxkit/influx-migrate/internal/state"
)

// TableStatus is the per-table view inside a status report.
type TableStatus struct {
	Table      string `json:"table_name"`
	Status     string `json:"status"`
	Rows       int64  `json:"rows_imported"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Error      string `json:"error,omitempty"`
}

// JobStatus aggregates a job's persisted state into one report. It is
// computed fresh from the store on every request so it reflects whatever
// process is actually running the job.
type JobStatus struct {
	ImportID         string        `json:"import_id"`
	Status           string        `json:"status"`
	SourceDatabase   string        `json:"source_database"`
	DestDatabase     string        `json:"dest_database"`
	Tables           []TableStatus `json:"tables"`
	TotalRows        int64         `json:"total_rows"`
	EstimatedRows    int64         `json:"estimated_rows,omitempty"`
	ElapsedSeconds   float64       `json:"elapsed_seconds"`
	RemainingSeconds float64       `json:"remaining_seconds,omitempty"`
	RemainingHuman   string        `json:"estimated_remaining,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Status reads a job's current state from the store.
func Status(ctx context.Context, store state.Store, jobID string) (*JobStatus, error) {
	return statusAt(ctx, store, jobID, time.Now())
}

// Cancel latches the terminal cancel signal and writes a job-wide marker
// row, so the job reads cancelled even when no copy loop is running to
// observe the signal.
func Cancel(ctx context.Context, store state.Store, jobID string) error {
	if err := state.RequestCancel(ctx, store, jobID); err != nil {
		return err
	}
	marker := state.TableProgress{Table: "all", Status: state.StatusCancelled}
	return store.SaveProgress(ctx, jobID, marker)
}

func statusAt(ctx context.Context, store state.Store, jobID string, now time.Time) (*JobStatus, error) {
	cfg, err := store.LoadConfig(ctx, jobID)
	if err != nil {
		return nil, err
	}
	sig, err := store.ReadSignal(ctx, jobID)
	if err != nil {
		return nil, err
	}
	progress, err := store.Progress(ctx, jobID)
	if err != nil {
		return nil, err
	}

	js := &JobStatus{
		ImportID:       jobID,
		SourceDatabase: cfg.SourceDatabase,
		DestDatabase:   cfg.DestDatabase,
		EstimatedRows:  cfg.EstimatedRows,
		CreatedAt:      cfg.CreatedAt,
		ElapsedSeconds: now.Sub(cfg.CreatedAt).Seconds(),
	}

	tables := make([]string, 0, len(progress))
	for table := range progress {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		p := progress[table]
		ts := TableStatus{
			Table:  table,
			Status: string(p.Status),
			Rows:   p.RowsCopied,
			Error:  p.Error,
		}
		if !p.Checkpoint.IsZero() {
			ts.Checkpoint = p.Checkpoint.UTC().Format(time.RFC3339Nano)
		}
		js.Tables = append(js.Tables, ts)
		js.TotalRows += p.RowsCopied
	}

	js.Status = overallStatus(sig, progress)

	if js.Status == string(state.StatusInProgress) && js.EstimatedRows > js.TotalRows && js.ElapsedSeconds > 0 {
		rate := float64(js.TotalRows) / js.ElapsedSeconds
		if rate > 0 {
			js.RemainingSeconds = float64(js.EstimatedRows-js.TotalRows) / rate
			js.RemainingHuman = humanDuration(js.RemainingSeconds)
		}
	}
	return js, nil
}

// overallStatus folds the signal and per-table states into one job state.
// The signal dominates: a cancel or pause request is the job's status even
// before the running loop observes it.
func overallStatus(sig state.Signal, progress map[string]state.TableProgress) string {
	switch sig {
	case state.SignalCancelled:
		return string(state.StatusCancelled)
	case state.SignalPaused:
		return string(state.StatusPaused)
	}

	if len(progress) == 0 {
		return string(state.StatusPending)
	}

	var hasError, hasActive bool
	for _, p := range progress {
		switch p.Status {
		case state.StatusError:
			hasError = true
		case state.StatusInProgress, state.StatusPending, state.StatusPaused:
			hasActive = true
		case state.StatusCancelled:
			return string(state.StatusCancelled)
		}
	}
	switch {
	case hasActive:
		return string(state.StatusInProgress)
	case hasError:
		return "completed_with_errors"
	default:
		return string(state.StatusCompleted)
	}
}
