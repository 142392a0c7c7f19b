// Package state persists import job state: the credential-free job
// configuration, per-table progress with checkpoints, and the pause/cancel
// control signal. The default backend stores everything as rows in
// destination measurements so any process can read or resume a job; a
// sqlite backend is available for single-host setups.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/influxkit/influx-migrate/internal/config"
)

// Status is a per-table import state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether a table in this status is finished for good.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Signal is the latest control-signal value for a job.
type Signal int

const (
	SignalNone Signal = iota
	SignalPaused
	SignalCancelled
)

func (s Signal) String() string {
	switch s {
	case SignalPaused:
		return "paused"
	case SignalCancelled:
		return "cancelled"
	default:
		return "running"
	}
}

var (
	// ErrNotFound means no job with that id has persisted state.
	ErrNotFound = errors.New("import job not found")
	// ErrCancelled means the job's control signal is terminal.
	ErrCancelled = errors.New("import job is cancelled")
	// ErrAlreadyPaused means a pause was requested twice.
	ErrAlreadyPaused = errors.New("import job is already paused")
)

// TableProgress is the persisted state of one table within a job. The
// checkpoint is the last source timestamp whose batch fully committed; it
// is the sole resumption anchor.
type TableProgress struct {
	Table      string    `json:"table_name"`
	Status     Status    `json:"status"`
	RowsCopied int64     `json:"rows_imported"`
	Checkpoint time.Time `json:"checkpoint,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobConfig is the persisted, credential-free configuration of a job.
// Credentials must be re-supplied on resume.
type JobConfig struct {
	SourceURL       string    `json:"source_url"`
	SourceDatabase  string    `json:"source_database"`
	InfluxDBVersion int       `json:"influxdb_version"`
	SourceOrg       string    `json:"source_org,omitempty"`
	DestDatabase    string    `json:"dest_database,omitempty"`
	StartTimestamp  string    `json:"start_timestamp,omitempty"`
	EndTimestamp    string    `json:"end_timestamp,omitempty"`
	ImportDirection string    `json:"import_direction"`
	TargetBatchSize int       `json:"target_batch_size"`
	QueryIntervalMS int       `json:"query_interval_ms"`
	TableFilter     []string  `json:"table_filter,omitempty"`
	EstimatedRows   int64     `json:"estimated_rows,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ImportConfig rebuilds runnable import parameters from persisted state.
// Auth fields stay empty.
func (j *JobConfig) ImportConfig() *config.ImportConfig {
	return &config.ImportConfig{
		SourceURL:       j.SourceURL,
		SourceDatabase:  j.SourceDatabase,
		InfluxDBVersion: j.InfluxDBVersion,
		SourceOrg:       j.SourceOrg,
		DestDatabase:    j.DestDatabase,
		StartTimestamp:  j.StartTimestamp,
		EndTimestamp:    j.EndTimestamp,
		ImportDirection: j.ImportDirection,
		TargetBatchSize: j.TargetBatchSize,
		QueryIntervalMS: j.QueryIntervalMS,
		TableFilter:     j.TableFilter,
	}
}

// FromImportConfig strips credentials from import parameters for persistence.
func FromImportConfig(c *config.ImportConfig, estimatedRows int64, now time.Time) JobConfig {
	return JobConfig{
		SourceURL:       c.SourceURL,
		SourceDatabase:  c.SourceDatabase,
		InfluxDBVersion: c.InfluxDBVersion,
		SourceOrg:       c.SourceOrg,
		DestDatabase:    c.DestDatabase,
		StartTimestamp:  c.StartTimestamp,
		EndTimestamp:    c.EndTimestamp,
		ImportDirection: c.ImportDirection,
		TargetBatchSize: c.TargetBatchSize,
		QueryIntervalMS: c.QueryIntervalMS,
		TableFilter:     c.TableFilter,
		EstimatedRows:   estimatedRows,
		CreatedAt:       now,
	}
}

// Store persists and reads back job state. Reads always hit the backing
// store; implementations must not cache control signals.
type Store interface {
	SaveConfig(ctx context.Context, jobID string, cfg JobConfig) error
	LoadConfig(ctx context.Context, jobID string) (*JobConfig, error)

	SaveSignal(ctx context.Context, jobID string, paused, cancelled bool) error
	ReadSignal(ctx context.Context, jobID string) (Signal, error)

	SaveProgress(ctx context.Context, jobID string, p TableProgress) error
	Progress(ctx context.Context, jobID string) (map[string]TableProgress, error)

	Close() error
}

// RequestPause latches the pause signal for a job. Cancelled jobs reject
// it; pausing twice is reported so callers can surface it.
func RequestPause(ctx context.Context, s Store, jobID string) error {
	if _, err := s.LoadConfig(ctx, jobID); err != nil {
		return err
	}
	sig, err := s.ReadSignal(ctx, jobID)
	if err != nil {
		return err
	}
	switch sig {
	case SignalCancelled:
		return ErrCancelled
	case SignalPaused:
		return ErrAlreadyPaused
	}
	return s.SaveSignal(ctx, jobID, true, false)
}

// RequestCancel latches the terminal cancel signal.
func RequestCancel(ctx context.Context, s Store, jobID string) error {
	if _, err := s.LoadConfig(ctx, jobID); err != nil {
		return err
	}
	sig, err := s.ReadSignal(ctx, jobID)
	if err != nil {
		return err
	}
	if sig == SignalCancelled {
		return ErrCancelled
	}
	return s.SaveSignal(ctx, jobID, false, true)
}

// ClearPause lifts a pause ahead of a resume. Once cancelled, a job can
// never return to running.
func ClearPause(ctx context.Context, s Store, jobID string) error {
	if _, err := s.LoadConfig(ctx, jobID); err != nil {
		return err
	}
	sig, err := s.ReadSignal(ctx, jobID)
	if err != nil {
		return err
	}
	switch sig {
	case SignalCancelled:
		return ErrCancelled
	case SignalNone:
		// Nothing latched; a job that crashed while running resumes
		// without a pause signal to clear.
		return nil
	}
	return s.SaveSignal(ctx, jobID, false, false)
}
