package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps job state in a local sqlite file. Useful when the
// destination should stay free of control-plane measurements; state then
// only survives on the host that ran the import.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS import_config (
	import_id  TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS import_state (
	import_id     TEXT NOT NULL,
	table_name    TEXT NOT NULL,
	status        TEXT NOT NULL,
	rows_imported INTEGER NOT NULL DEFAULT 0,
	checkpoint_ns INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (import_id, table_name)
);
CREATE TABLE IF NOT EXISTS import_pause_state (
	import_id  TEXT PRIMARY KEY,
	paused     INTEGER NOT NULL DEFAULT 0,
	canceled   INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
`

// NewSQLiteStore opens (and if needed initializes) the state database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// Serialized access; the copy loop is single-threaded anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SaveConfig(ctx context.Context, jobID string, cfg JobConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode job config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO import_config (import_id, payload, created_at) VALUES (?, ?, ?)
		ON CONFLICT(import_id) DO UPDATE SET payload = excluded.payload`,
		jobID, string(payload), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save job config: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadConfig(ctx context.Context, jobID string) (*JobConfig, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM import_config WHERE import_id = ?`, jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job config: %w", err)
	}
	var cfg JobConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode job config: %w", err)
	}
	return &cfg, nil
}

func (s *SQLiteStore) SaveSignal(ctx context.Context, jobID string, paused, cancelled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_pause_state (import_id, paused, canceled, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(import_id) DO UPDATE SET
			paused = excluded.paused,
			canceled = excluded.canceled,
			updated_at = excluded.updated_at`,
		jobID, boolInt(paused), boolInt(cancelled), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save control signal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReadSignal(ctx context.Context, jobID string) (Signal, error) {
	var paused, cancelled int
	err := s.db.QueryRowContext(ctx,
		`SELECT paused, canceled FROM import_pause_state WHERE import_id = ?`, jobID).
		Scan(&paused, &cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return SignalNone, nil
	}
	if err != nil {
		return SignalNone, fmt.Errorf("failed to read control signal: %w", err)
	}
	switch {
	case cancelled != 0:
		return SignalCancelled, nil
	case paused != 0:
		return SignalPaused, nil
	default:
		return SignalNone, nil
	}
}

func (s *SQLiteStore) SaveProgress(ctx context.Context, jobID string, p TableProgress) error {
	var checkpoint int64
	if !p.Checkpoint.IsZero() {
		checkpoint = p.Checkpoint.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_state (import_id, table_name, status, rows_imported, checkpoint_ns, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(import_id, table_name) DO UPDATE SET
			status = excluded.status,
			rows_imported = excluded.rows_imported,
			checkpoint_ns = excluded.checkpoint_ns,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		jobID, p.Table, string(p.Status), p.RowsCopied, checkpoint, p.Error, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save progress for %s: %w", p.Table, err)
	}
	return nil
}

func (s *SQLiteStore) Progress(ctx context.Context, jobID string) (map[string]TableProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, status, rows_imported, checkpoint_ns, error, updated_at
		FROM import_state WHERE import_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	defer rows.Close()

	progress := make(map[string]TableProgress)
	for rows.Next() {
		var p TableProgress
		var status string
		var checkpoint, updated int64
		if err := rows.Scan(&p.Table, &status, &p.RowsCopied, &checkpoint, &p.Error, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		p.Status = Status(status)
		if checkpoint != 0 {
			p.Checkpoint = time.Unix(0, checkpoint).UTC()
		}
		p.UpdatedAt = time.Unix(0, updated).UTC()
		progress[p.Table] = p
	}
	return progress, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
