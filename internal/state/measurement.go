package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/influxkit/influx-migrate/internal/target"
	"github.com/influxkit/influx-migrate/internal/util"
)

// Control-plane measurements written to the destination database.
const (
	configMeasurement   = "import_config"
	progressMeasurement = "import_state"
	signalMeasurement   = "import_pause_state"
)

// destination is the slice of the target client the store uses.
type destination interface {
	target.PointWriter
	target.RowQuerier
}

// MeasurementStore keeps job state as rows in destination measurements,
// keyed by job id and write time. Reads query the latest row, so state
// survives process restarts and is inspectable with plain queries.
type MeasurementStore struct {
	dest destination
	db   string
	now  func() time.Time
}

var _ Store = (*MeasurementStore)(nil)

// NewMeasurementStore stores state in the given destination database.
func NewMeasurementStore(dest destination, db string) *MeasurementStore {
	return &MeasurementStore{dest: dest, db: db, now: time.Now}
}

func (m *MeasurementStore) Close() error { return nil }

// SaveConfig appends the credential-free job configuration.
func (m *MeasurementStore) SaveConfig(ctx context.Context, jobID string, cfg JobConfig) error {
	fields := map[string]interface{}{
		"source_url":       cfg.SourceURL,
		"source_database":  cfg.SourceDatabase,
		"influxdb_version": int64(cfg.InfluxDBVersion),
		"source_org":       cfg.SourceOrg,
		"dest_database":    cfg.DestDatabase,
		"start_timestamp":  cfg.StartTimestamp,
		"end_timestamp":    cfg.EndTimestamp,
		"import_direction": cfg.ImportDirection,
		"target_batch_size": int64(cfg.TargetBatchSize),
		"query_interval_ms": int64(cfg.QueryIntervalMS),
		"table_filter":      strings.Join(cfg.TableFilter, ","),
		"estimated_rows":    cfg.EstimatedRows,
	}
	pt, err := client.NewPoint(configMeasurement, map[string]string{"import_id": jobID}, fields, m.now())
	if err != nil {
		return fmt.Errorf("failed to build config point: %w", err)
	}
	if err := m.dest.WritePoints(ctx, m.db, []*client.Point{pt}); err != nil {
		return fmt.Errorf("failed to save job config: %w", err)
	}
	return nil
}

// LoadConfig reads the latest configuration row for a job.
func (m *MeasurementStore) LoadConfig(ctx context.Context, jobID string) (*JobConfig, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE import_id = '%s' ORDER BY time DESC LIMIT 1",
		configMeasurement, util.EscapeString(jobID))
	rows, err := m.dest.QueryRows(ctx, m.db, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load job config: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	row := rows[0]

	cfg := &JobConfig{
		SourceURL:       rowString(row, "source_url"),
		SourceDatabase:  rowString(row, "source_database"),
		InfluxDBVersion: int(rowInt(row, "influxdb_version")),
		SourceOrg:       rowString(row, "source_org"),
		DestDatabase:    rowString(row, "dest_database"),
		StartTimestamp:  rowString(row, "start_timestamp"),
		EndTimestamp:    rowString(row, "end_timestamp"),
		ImportDirection: rowString(row, "import_direction"),
		TargetBatchSize: int(rowInt(row, "target_batch_size")),
		QueryIntervalMS: int(rowInt(row, "query_interval_ms")),
		TableFilter:     util.SplitCSV(rowString(row, "table_filter")),
		EstimatedRows:   rowInt(row, "estimated_rows"),
		CreatedAt:       rowTime(row, "time"),
	}
	return cfg, nil
}

// SaveSignal appends a control-signal row; the newest row wins on read.
func (m *MeasurementStore) SaveSignal(ctx context.Context, jobID string, paused, cancelled bool) error {
	fields := map[string]interface{}{
		"paused":   paused,
		"canceled": cancelled,
	}
	pt, err := client.NewPoint(signalMeasurement, map[string]string{"import_id": jobID}, fields, m.now())
	if err != nil {
		return fmt.Errorf("failed to build signal point: %w", err)
	}
	if err := m.dest.WritePoints(ctx, m.db, []*client.Point{pt}); err != nil {
		return fmt.Errorf("failed to save control signal: %w", err)
	}
	return nil
}

// ReadSignal returns the latest control signal; cancel wins over pause.
func (m *MeasurementStore) ReadSignal(ctx context.Context, jobID string) (Signal, error) {
	query := fmt.Sprintf("SELECT paused, canceled FROM %s WHERE import_id = '%s' ORDER BY time DESC LIMIT 1",
		signalMeasurement, util.EscapeString(jobID))
	rows, err := m.dest.QueryRows(ctx, m.db, query)
	if err != nil {
		return SignalNone, fmt.Errorf("failed to read control signal: %w", err)
	}
	if len(rows) == 0 {
		return SignalNone, nil
	}
	row := rows[0]
	if b, _ := row["canceled"].(bool); b {
		return SignalCancelled, nil
	}
	if b, _ := row["paused"].(bool); b {
		return SignalPaused, nil
	}
	return SignalNone, nil
}

// SaveProgress appends a progress row for one table.
func (m *MeasurementStore) SaveProgress(ctx context.Context, jobID string, p TableProgress) error {
	checkpoint := ""
	if !p.Checkpoint.IsZero() {
		checkpoint = p.Checkpoint.UTC().Format(time.RFC3339Nano)
	}
	fields := map[string]interface{}{
		"status":        string(p.Status),
		"rows_imported": p.RowsCopied,
		"checkpoint":    checkpoint,
		"error":         p.Error,
	}
	tags := map[string]string{
		"import_id":  jobID,
		"table_name": p.Table,
	}
	pt, err := client.NewPoint(progressMeasurement, tags, fields, m.now())
	if err != nil {
		return fmt.Errorf("failed to build progress point: %w", err)
	}
	if err := m.dest.WritePoints(ctx, m.db, []*client.Point{pt}); err != nil {
		return fmt.Errorf("failed to save progress for %s: %w", p.Table, err)
	}
	return nil
}

// Progress returns the latest persisted row per table.
func (m *MeasurementStore) Progress(ctx context.Context, jobID string) (map[string]TableProgress, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE import_id = '%s' ORDER BY time DESC",
		progressMeasurement, util.EscapeString(jobID))
	rows, err := m.dest.QueryRows(ctx, m.db, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}

	progress := make(map[string]TableProgress)
	for _, row := range rows {
		table := rowString(row, "table_name")
		if table == "" {
			continue
		}
		if _, seen := progress[table]; seen {
			continue
		}
		p := TableProgress{
			Table:      table,
			Status:     Status(rowString(row, "status")),
			RowsCopied: rowInt(row, "rows_imported"),
			Error:      rowString(row, "error"),
			UpdatedAt:  rowTime(row, "time"),
		}
		if cp := rowString(row, "checkpoint"); cp != "" {
			if ts, err := time.Parse(time.RFC3339Nano, cp); err == nil {
				p.Checkpoint = ts.UTC()
			}
		}
		progress[table] = p
	}
	return progress, nil
}

func rowString(row map[string]interface{}, key string) string {
	s, _ := row[key].(string)
	return s
}

func rowInt(row map[string]interface{}, key string) int64 {
	switch v := row[key].(type) {
	case json.Number:
		n, _ := v.Int64()
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

func rowTime(row map[string]interface{}, key string) time.Time {
	switch v := row[key].(type) {
	case json.Number:
		ns, err := v.Int64()
		if err != nil {
			return time.Time{}
		}
		return time.Unix(0, ns).UTC()
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}
		return ts.UTC()
	case int64:
		return time.Unix(0, v).UTC()
	default:
		return time.Time{}
	}
}
