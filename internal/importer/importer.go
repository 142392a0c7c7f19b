// Package importer runs import jobs: it walks each source table through
// time-windowed batches, converts rows, writes them to the destination,
// and checkpoints progress so a later invocation can resume.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/influxkit/influx-migrate/internal/config"
	"github.com/influxkit/influx-migrate/internal/convert"
	"github.com/influxkit/influx-migrate/internal/logging"
	"github.com/influxkit/influx-migrate/internal/notify"
	"github.com/influxkit/influx-migrate/internal/source"
	"github.com/influxkit/influx-migrate/internal/state"
	"github.com/influxkit/influx-migrate/internal/target"
)

// checkpointOffset keeps resumed scans strictly after the last copied
// timestamp; the duplicate window is bounded to that single instant.
const checkpointOffset = time.Microsecond

// ErrMissingCredentials rejects resume requests that do not re-supply
// source auth (it is never persisted).
var ErrMissingCredentials = errors.New("resume requires source credentials or token")

// ProgressSink receives row counts as batches commit. Satisfied by
// progress.Tracker; nil disables reporting.
type ProgressSink interface {
	SetTotal(total int64)
	Add(n int64)
	Finish()
}

// SchemaIssue reports a tag/field conflict discovered in a source table.
type SchemaIssue struct {
	Measurement string   `json:"measurement"`
	Type        string   `json:"type"`
	Conflicts   []string `json:"conflicts"`
}

// TableReport is the outcome of one table within a finished invocation.
type TableReport struct {
	Table  string `json:"table_name"`
	Status string `json:"status"`
	Rows   int64  `json:"rows_imported"`
	Error  string `json:"error,omitempty"`
}

// Report summarizes one Start or Resume invocation.
type Report struct {
	ImportID       string        `json:"import_id"`
	Status         string        `json:"status"`
	DryRun         bool          `json:"dry_run,omitempty"`
	Tables         []TableReport `json:"tables"`
	TotalRows      int64         `json:"total_rows"`
	ElapsedSeconds float64       `json:"elapsed_seconds"`
	Estimate       *Estimate     `json:"estimate,omitempty"`
	SchemaIssues   []SchemaIssue `json:"schema_issues,omitempty"`
}

// Importer executes a single import job. The copy loop is single-threaded:
// tables advance sequentially, batch by batch.
type Importer struct {
	cfg   *config.ImportConfig
	src   *source.Client
	dest  target.PointWriter
	store state.Store

	id     string
	destDB string

	tracker  ProgressSink
	notifier *notify.Notifier
	now      func() time.Time
	sleep    func(time.Duration)
}

// New builds an importer for a fresh job with a generated id.
func New(cfg *config.ImportConfig, src *source.Client, dest target.PointWriter, store state.Store) *Importer {
	return &Importer{
		cfg:    cfg,
		src:    src,
		dest:   dest,
		store:  store,
		id:     uuid.NewString(),
		destDB: cfg.DestinationDatabase(),
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// ID returns the job id.
func (im *Importer) ID() string { return im.id }

// SetProgressSink attaches a progress reporter (CLI runs use a bar).
func (im *Importer) SetProgressSink(s ProgressSink) { im.tracker = s }

// SetNotifier attaches a webhook notifier for lifecycle events.
func (im *Importer) SetNotifier(n *notify.Notifier) { im.notifier = n }

// notifyOutcome posts the job's final state; delivery problems are logged,
// never fatal.
func (im *Importer) notifyOutcome(report *Report) {
	if im.notifier == nil || !im.notifier.IsEnabled() {
		return
	}
	elapsed := time.Duration(report.ElapsedSeconds * float64(time.Second))

	var err error
	switch report.Status {
	case "completed":
		err = im.notifier.ImportCompleted(im.id, elapsed, len(report.Tables), report.TotalRows)
	case "completed_with_errors":
		var failed []string
		for _, t := range report.Tables {
			if t.Status == string(state.StatusError) {
				failed = append(failed, t.Table)
			}
		}
		err = im.notifier.ImportCompletedWithErrors(im.id, elapsed,
			len(report.Tables)-len(failed), len(failed), report.TotalRows, failed)
	default:
		return
	}
	if err != nil {
		logging.Warn("notification for import %s failed: %v", im.id, err)
	}
}

// Start runs the job from scratch. In dry-run mode it stops after scanning
// and estimating: no destination writes, no persisted state.
func (im *Importer) Start(ctx context.Context) (*Report, error) {
	started := im.now()

	userStart, userEnd, err := im.timeRange()
	if err != nil {
		return nil, err
	}

	tables, err := im.tables(ctx)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables to import in %s", im.cfg.SourceDatabase)
	}

	estimate := im.Estimate(ctx, tables, userStart, userEnd)
	issues := im.scanSchemaIssues(ctx, tables)

	if im.cfg.DryRun {
		report := &Report{
			ImportID:       im.id,
			Status:         "dry_run",
			DryRun:         true,
			TotalRows:      0,
			Estimate:       estimate,
			SchemaIssues:   issues,
			ElapsedSeconds: im.now().Sub(started).Seconds(),
		}
		for _, table := range tables {
			report.Tables = append(report.Tables, TableReport{Table: table, Status: string(state.StatusPending)})
		}
		return report, nil
	}

	jobCfg := state.FromImportConfig(im.cfg, estimate.TotalRows, started)
	if err := im.store.SaveConfig(ctx, im.id, jobCfg); err != nil {
		return nil, err
	}
	if err := im.store.SaveSignal(ctx, im.id, false, false); err != nil {
		return nil, err
	}
	for _, table := range tables {
		if err := im.store.SaveProgress(ctx, im.id, state.TableProgress{Table: table, Status: state.StatusPending}); err != nil {
			return nil, err
		}
	}

	if im.tracker != nil {
		im.tracker.SetTotal(estimate.TotalRows)
	}
	if im.notifier != nil && im.notifier.IsEnabled() {
		if err := im.notifier.ImportStarted(im.id, im.cfg.SourceDatabase, im.destDB, len(tables)); err != nil {
			logging.Warn("notification for import %s failed: %v", im.id, err)
		}
	}

	report := im.run(ctx, tables, nil, userStart, userEnd)
	report.Estimate = estimate
	report.SchemaIssues = issues
	report.ElapsedSeconds = im.now().Sub(started).Seconds()
	im.notifyOutcome(report)
	return report, nil
}

// Resume continues a persisted job. Credentials must be supplied in creds
// since the store never holds them. Cancelled jobs reject resumption.
// n may be nil.
func Resume(ctx context.Context, jobID string, creds *config.ImportConfig, dest target.PointWriter, store state.Store, n *notify.Notifier) (*Report, error) {
	if creds == nil || !creds.HasCredentials() {
		return nil, ErrMissingCredentials
	}

	jobCfg, err := store.LoadConfig(ctx, jobID)
	if err != nil {
		return nil, err
	}
	sig, err := store.ReadSignal(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if sig == state.SignalCancelled {
		return nil, state.ErrCancelled
	}
	if err := state.ClearPause(ctx, store, jobID); err != nil {
		return nil, err
	}

	cfg := jobCfg.ImportConfig()
	cfg.SourceToken = creds.SourceToken
	cfg.SourceUsername = creds.SourceUsername
	cfg.SourcePassword = creds.SourcePassword
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	src, err := source.New(cfg)
	if err != nil {
		return nil, err
	}

	im := &Importer{
		cfg:      cfg,
		src:      src,
		dest:     dest,
		store:    store,
		id:       jobID,
		destDB:   cfg.DestinationDatabase(),
		notifier: n,
		now:      time.Now,
		sleep:    time.Sleep,
	}
	return im.resume(ctx)
}

func (im *Importer) resume(ctx context.Context) (*Report, error) {
	started := im.now()

	userStart, userEnd, err := im.timeRange()
	if err != nil {
		return nil, err
	}

	progress, err := im.store.Progress(ctx, im.id)
	if err != nil {
		return nil, err
	}

	var tables []string
	if len(progress) > 0 {
		for table := range progress {
			tables = append(tables, table)
		}
		sort.Strings(tables)
	} else {
		// A crash before any progress row: fall back to a fresh listing.
		tables, err = im.tables(ctx)
		if err != nil {
			return nil, err
		}
	}

	report := im.run(ctx, tables, progress, userStart, userEnd)
	report.ElapsedSeconds = im.now().Sub(started).Seconds()
	im.notifyOutcome(report)
	return report, nil
}

// run drives the table-by-table loop shared by Start and Resume. progress
// carries prior state on resume, nil on a fresh start.
func (im *Importer) run(ctx context.Context, tables []string, progress map[string]state.TableProgress, userStart, userEnd time.Time) *Report {
	report := &Report{ImportID: im.id, Status: "completed"}

	interrupted := false
	for _, table := range tables {
		// Completed tables still rescan from their checkpoint on resume so
		// source rows written after the last run are picked up. Only a
		// cancelled table is final.
		prior, hasPrior := progress[table]
		if hasPrior && prior.Status == state.StatusCancelled {
			report.Tables = append(report.Tables, TableReport{
				Table:  table,
				Status: string(prior.Status),
				Rows:   prior.RowsCopied,
			})
			report.TotalRows += prior.RowsCopied
			continue
		}
		if interrupted {
			report.Tables = append(report.Tables, TableReport{Table: table, Status: string(state.StatusPending)})
			continue
		}

		res := im.importTable(ctx, table, prior, userStart, userEnd)
		report.Tables = append(report.Tables, res)
		report.TotalRows += res.Rows

		switch res.Status {
		case string(state.StatusPaused):
			report.Status = "paused"
			interrupted = true
		case string(state.StatusCancelled):
			report.Status = "cancelled"
			interrupted = true
		case string(state.StatusError):
			// One table's failure does not halt the rest of the job.
			if report.Status == "completed" {
				report.Status = "completed_with_errors"
			}
		}
	}

	if im.tracker != nil {
		im.tracker.Finish()
	}
	logging.Info("import %s finished: %s, %d rows", im.id, report.Status, report.TotalRows)
	return report
}

// importTable copies one table, honoring the control signal between
// batches and checkpointing after each committed write.
func (im *Importer) importTable(ctx context.Context, table string, prior state.TableProgress, userStart, userEnd time.Time) TableReport {
	oldestFirst := im.cfg.ImportDirection != config.DirectionNewestFirst
	rows := prior.RowsCopied
	checkpoint := prior.Checkpoint

	fail := func(err error) TableReport {
		logging.Error("import %s table %s failed: %v", im.id, table, err)
		im.saveProgress(ctx, table, state.StatusError, rows, checkpoint, err.Error())
		return TableReport{Table: table, Status: string(state.StatusError), Rows: rows, Error: err.Error()}
	}

	// Narrow the requested range to where data actually is.
	scanStart, scanEnd := userStart, userEnd
	if !checkpoint.IsZero() {
		if oldestFirst {
			scanStart = checkpoint.Add(checkpointOffset)
		} else {
			scanEnd = checkpoint
		}
	}

	im.saveProgress(ctx, table, state.StatusInProgress, rows, checkpoint, "")

	first, last, ok, err := im.src.DataBounds(ctx, im.cfg.SourceDatabase, table, scanStart, scanEnd)
	if err != nil {
		return fail(err)
	}
	if !ok {
		im.saveProgress(ctx, table, state.StatusCompleted, rows, checkpoint, "")
		return TableReport{Table: table, Status: string(state.StatusCompleted), Rows: rows}
	}

	window := im.src.SampleWindow(ctx, im.cfg.SourceDatabase, table, first, last, im.cfg.TargetBatchSize)

	schema, err := im.src.TableSchema(ctx, im.cfg.SourceDatabase, table)
	if err != nil {
		return fail(err)
	}
	renames := convert.TagRenames(convert.Conflicts(schema.Tags, schema.FieldTypes))

	cursor := first
	if !oldestFirst {
		cursor = last
	}

	for {
		sig, err := im.store.ReadSignal(ctx, im.id)
		if err != nil {
			return fail(err)
		}
		switch sig {
		case state.SignalCancelled:
			im.saveProgress(ctx, table, state.StatusCancelled, rows, checkpoint, "")
			logging.Info("import %s table %s cancelled", im.id, table)
			return TableReport{Table: table, Status: string(state.StatusCancelled), Rows: rows}
		case state.SignalPaused:
			im.saveProgress(ctx, table, state.StatusPaused, rows, checkpoint, "")
			logging.Info("import %s table %s paused at %d rows", im.id, table, rows)
			return TableReport{Table: table, Status: string(state.StatusPaused), Rows: rows}
		}
		if err := ctx.Err(); err != nil {
			im.saveProgress(ctx, table, state.StatusPaused, rows, checkpoint, "")
			return TableReport{Table: table, Status: string(state.StatusPaused), Rows: rows}
		}

		var wStart, wEnd time.Time
		if oldestFirst {
			wStart = cursor
			wEnd = cursor.Add(window)
			if wEnd.After(last) {
				wEnd = last
			}
		} else {
			wEnd = cursor
			wStart = cursor.Add(-window)
			if wStart.Before(first) {
				wStart = first
			}
		}

		series, err := im.src.SelectWindow(ctx, im.cfg.SourceDatabase, table, wStart, wEnd)
		if err != nil {
			return fail(err)
		}

		batch, batchCheckpoint, err := im.convertBatch(table, series, schema, renames, oldestFirst)
		if err != nil {
			return fail(err)
		}
		if len(batch) > 0 {
			if err := im.dest.WritePoints(ctx, im.destDB, batch); err != nil {
				return fail(err)
			}
			rows += int64(len(batch))
			checkpoint = batchCheckpoint
			im.saveProgress(ctx, table, state.StatusInProgress, rows, checkpoint, "")
			if im.tracker != nil {
				im.tracker.Add(int64(len(batch)))
			}
			logging.Debug("import %s table %s: %d rows (window %s to %s)",
				im.id, table, len(batch), wStart.Format(time.RFC3339), wEnd.Format(time.RFC3339))
		}

		if oldestFirst {
			cursor = wEnd
			if !cursor.Before(last) {
				break
			}
		} else {
			cursor = wStart
			if !cursor.After(first) {
				break
			}
		}

		if im.cfg.QueryIntervalMS > 0 {
			im.sleep(time.Duration(im.cfg.QueryIntervalMS) * time.Millisecond)
		}
	}

	im.saveProgress(ctx, table, state.StatusCompleted, rows, checkpoint, "")
	logging.Info("import %s table %s completed: %d rows", im.id, table, rows)
	return TableReport{Table: table, Status: string(state.StatusCompleted), Rows: rows}
}

// convertBatch converts every series of one window and reports the
// checkpoint candidate: the newest copied timestamp when walking forward,
// the oldest when walking backward.
func (im *Importer) convertBatch(table string, series []source.Series, schema *source.TableSchema, renames map[string]string, oldestFirst bool) ([]*client.Point, time.Time, error) {
	var batch []*client.Point
	var checkpoint time.Time

	for i := range series {
		points, err := convert.Points(table, &series[i], schema.Tags, schema.FieldTypes, renames)
		if err != nil {
			return nil, time.Time{}, err
		}
		for _, pt := range points {
			ts := pt.Time()
			if checkpoint.IsZero() ||
				(oldestFirst && ts.After(checkpoint)) ||
				(!oldestFirst && ts.Before(checkpoint)) {
				checkpoint = ts
			}
		}
		batch = append(batch, points...)
	}
	return batch, checkpoint, nil
}

// saveProgress persists table state; persistence failures are logged, not
// fatal, because the data write already committed.
func (im *Importer) saveProgress(ctx context.Context, table string, status state.Status, rows int64, checkpoint time.Time, errMsg string) {
	p := state.TableProgress{
		Table:      table,
		Status:     status,
		RowsCopied: rows,
		Checkpoint: checkpoint,
		Error:      errMsg,
	}
	if err := im.store.SaveProgress(ctx, im.id, p); err != nil {
		logging.Error("failed to persist progress for %s: %v", table, err)
	}
}

// tables resolves the job's table list: the explicit filter, or the full
// source catalog.
func (im *Importer) tables(ctx context.Context) ([]string, error) {
	if len(im.cfg.TableFilter) > 0 {
		out := append([]string(nil), im.cfg.TableFilter...)
		sort.Strings(out)
		return out, nil
	}
	return im.src.Tables(ctx, im.cfg.SourceDatabase)
}

// timeRange parses the optional user time bounds.
func (im *Importer) timeRange() (time.Time, time.Time, error) {
	start, err := parseUserTime(im.cfg.StartTimestamp)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start_timestamp: %w", err)
	}
	end, err := parseUserTime(im.cfg.EndTimestamp)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end_timestamp: %w", err)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end_timestamp precedes start_timestamp")
	}
	return start, end, nil
}

// parseUserTime accepts the timestamp shapes jobs are configured with.
func parseUserTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range formats {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp %q", s)
}
