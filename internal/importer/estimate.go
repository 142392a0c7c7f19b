package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/influxkit/influx-migrate/internal/convert"
	"github.com/influxkit/influx-migrate/internal/logging"
)

// Throughput assumptions behind duration estimates. Real rates vary with
// cardinality and network distance, so the estimate is advisory only.
const (
	estimateRowsPerSecond     = 1000
	estimateTableOverheadSecs = 2
)

// TableEstimate carries the pre-import row count for one table.
type TableEstimate struct {
	Table string `json:"table_name"`
	Rows  int64  `json:"row_count"`
}

// Estimate describes the expected size and duration of a job.
type Estimate struct {
	Tables           []TableEstimate `json:"tables"`
	TotalRows        int64           `json:"total_rows"`
	EstimatedSeconds float64         `json:"estimated_seconds"`
	EstimatedHuman   string          `json:"estimated_duration"`
}

// Estimate counts rows per table and projects a duration from fixed
// throughput plus per-table overhead and configured batch delays. Count
// failures are logged and treated as zero rather than failing the job.
func (im *Importer) Estimate(ctx context.Context, tables []string, start, end time.Time) *Estimate {
	est := &Estimate{}

	for _, table := range tables {
		count, err := im.src.CountRows(ctx, im.cfg.SourceDatabase, table, start, end)
		if err != nil {
			logging.Warn("row count for %s failed: %v", table, err)
			count = 0
		}
		est.Tables = append(est.Tables, TableEstimate{Table: table, Rows: count})
		est.TotalRows += count
	}

	secs := float64(est.TotalRows)/estimateRowsPerSecond + float64(len(tables))*estimateTableOverheadSecs
	if im.cfg.QueryIntervalMS > 0 && im.cfg.TargetBatchSize > 0 {
		batches := est.TotalRows / int64(im.cfg.TargetBatchSize)
		secs += float64(batches) * float64(im.cfg.QueryIntervalMS) / 1000
	}
	est.EstimatedSeconds = secs
	est.EstimatedHuman = humanDuration(secs)
	return est
}

// scanSchemaIssues surfaces tag/field conflicts ahead of the copy so a
// dry run shows what will be renamed. Schema failures here are per-table
// warnings; the copy loop reports them properly.
func (im *Importer) scanSchemaIssues(ctx context.Context, tables []string) []SchemaIssue {
	var issues []SchemaIssue
	for _, table := range tables {
		schema, err := im.src.TableSchema(ctx, im.cfg.SourceDatabase, table)
		if err != nil {
			logging.Warn("schema scan for %s failed: %v", table, err)
			continue
		}
		conflicts := convert.Conflicts(schema.Tags, schema.FieldTypes)
		if len(conflicts) > 0 {
			issues = append(issues, SchemaIssue{
				Measurement: table,
				Type:        "tag_field_conflict",
				Conflicts:   conflicts,
			})
		}
	}
	return issues
}

// humanDuration renders seconds in the largest sensible unit.
func humanDuration(secs float64) string {
	switch {
	case secs < 60:
		return fmt.Sprintf("%.1f seconds", secs)
	case secs < 3600:
		return fmt.Sprintf("%.1f minutes", secs/60)
	case secs < 86400:
		return fmt.Sprintf("%.1f hours", secs/3600)
	default:
		return fmt.Sprintf("%.1f days", secs/86400)
	}
}
