package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/influxkit/influx-migrate/internal/logging"
)

// Window clamp and fallbacks for density sampling.
const (
	minWindow      = time.Second
	maxWindow      = time.Duration(30.5 * 24 * float64(time.Hour))
	fallbackWindow = time.Hour
	emptyWindow    = 24 * time.Hour
)

// candidateWindows are the probe sizes tried during density sampling.
var candidateWindows = []time.Duration{
	time.Second,
	time.Minute,
	time.Hour,
	24 * time.Hour,
}

// fmtTime renders a timestamp as an InfluxQL time literal.
func fmtTime(t time.Time) string {
	return "'" + t.UTC().Format(time.RFC3339Nano) + "'"
}

// timeRangeClause builds the WHERE fragment for an optional time range.
// Zero times mean unbounded on that side. Returns "" when both are zero.
func timeRangeClause(start, end time.Time) string {
	switch {
	case start.IsZero() && end.IsZero():
		return ""
	case start.IsZero():
		return " WHERE time <= " + fmtTime(end)
	case end.IsZero():
		return " WHERE time >= " + fmtTime(start)
	default:
		return " WHERE time >= " + fmtTime(start) + " AND time <= " + fmtTime(end)
	}
}

// DataBounds finds the first and last row timestamps of a measurement
// within an optional user range, so the copy loop never walks empty
// prefixes or suffixes. ok is false when the range holds no data.
func (c *Client) DataBounds(ctx context.Context, db, measurement string, start, end time.Time) (time.Time, time.Time, bool, error) {
	from := quoteMeasurement(measurement)
	where := timeRangeClause(start, end)

	first, ok, err := c.boundary(ctx, db, "SELECT * FROM "+from+where+" ORDER BY time ASC LIMIT 1")
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	if !ok {
		return time.Time{}, time.Time{}, false, nil
	}
	last, ok, err := c.boundary(ctx, db, "SELECT * FROM "+from+where+" ORDER BY time DESC LIMIT 1")
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	if !ok {
		return time.Time{}, time.Time{}, false, nil
	}
	// Nudge the upper bound so the last row falls inside [first, last).
	return first, last.Add(time.Microsecond), true, nil
}

func (c *Client) boundary(ctx context.Context, db, query string) (time.Time, bool, error) {
	series, err := c.Query(ctx, db, query)
	if err != nil {
		return time.Time{}, false, err
	}
	for _, s := range series {
		idx := s.ColumnIndex("time")
		if idx < 0 || len(s.Values) == 0 || idx >= len(s.Values[0]) {
			continue
		}
		ts, err := ParseTimestamp(s.Values[0][idx])
		if err != nil {
			return time.Time{}, false, fmt.Errorf("bad boundary timestamp: %w", err)
		}
		return ts, true, nil
	}
	return time.Time{}, false, nil
}

// CountRows counts rows of a measurement inside [start, end). COUNT(*)
// returns one count per field; the densest field is the row count.
func (c *Client) CountRows(ctx context.Context, db, measurement string, start, end time.Time) (int64, error) {
	from := quoteMeasurement(measurement)
	query := "SELECT COUNT(*) FROM " + from
	if !start.IsZero() || !end.IsZero() {
		switch {
		case start.IsZero():
			query += " WHERE time < " + fmtTime(end)
		case end.IsZero():
			query += " WHERE time >= " + fmtTime(start)
		default:
			query += " WHERE time >= " + fmtTime(start) + " AND time < " + fmtTime(end)
		}
	}

	series, err := c.Query(ctx, db, query)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, s := range series {
		if len(s.Values) == 0 {
			continue
		}
		row := s.Values[0]
		for i, col := range s.Columns {
			if col == "time" || i >= len(row) {
				continue
			}
			if n, err := toInt64(row[i]); err == nil && n > max {
				max = n
			}
		}
	}
	return max, nil
}

// SampleWindow estimates the query window that yields roughly batchSize
// rows. It counts rows in up to three probe windows per viable candidate
// size, averages the observed rows-per-second, and clamps the derived
// window to [1s, 30.5d]. Sampling failures fall back to conservative
// defaults rather than erroring.
func (c *Client) SampleWindow(ctx context.Context, db, measurement string, start, end time.Time, batchSize int) time.Duration {
	total := end.Sub(start)
	if total <= 0 {
		return minWindow
	}

	var viable []time.Duration
	for _, w := range candidateWindows {
		if w <= total {
			viable = append(viable, w)
		}
	}
	if len(viable) == 0 {
		// Range shorter than the smallest candidate: one query covers it.
		if total < minWindow {
			return minWindow
		}
		return total
	}

	var rates []float64
	for _, w := range viable {
		offsets := []time.Time{start, start.Add(total / 3), start.Add(total * 2 / 3)}
		for _, sampleStart := range offsets {
			sampleEnd := sampleStart.Add(w)
			if sampleEnd.After(end) {
				continue
			}
			count, err := c.CountRows(ctx, db, measurement, sampleStart, sampleEnd)
			if err != nil {
				logging.Warn("density sample %s over %s failed: %v", measurement, w, err)
				continue
			}
			if count > 0 {
				rates = append(rates, float64(count)/w.Seconds())
			}
		}
	}

	if len(rates) == 0 {
		logging.Warn("no density samples for %s, defaulting to %s windows", measurement, fallbackWindow)
		return fallbackWindow
	}

	var sum float64
	for _, r := range rates {
		sum += r
	}
	avg := sum / float64(len(rates))
	if avg == 0 {
		return emptyWindow
	}

	window := time.Duration(float64(batchSize) / avg * float64(time.Second))
	if window < minWindow {
		window = minWindow
	}
	if window > maxWindow {
		window = maxWindow
	}
	logging.Info("measurement %s: %.2f rows/sec over %d samples, window %s",
		measurement, avg, len(rates), window.Round(time.Second))
	return window
}

// SelectWindow fetches all rows of a measurement with time in [start, end).
func (c *Client) SelectWindow(ctx context.Context, db, measurement string, start, end time.Time) ([]Series, error) {
	query := "SELECT * FROM " + quoteMeasurement(measurement) +
		" WHERE time >= " + fmtTime(start) + " AND time < " + fmtTime(end)
	return c.Query(ctx, db, query)
}

// ParseTimestamp accepts the timestamp encodings InfluxDB responses use:
// integer nanoseconds (epoch=ns) or an RFC3339 string.
func ParseTimestamp(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case json.Number:
		ns, err := t.Int64()
		if err != nil {
			f, ferr := t.Float64()
			if ferr != nil {
				return time.Time{}, fmt.Errorf("unparseable timestamp %v", v)
			}
			ns = int64(f)
		}
		return time.Unix(0, ns).UTC(), nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("unparseable timestamp %q: %w", t, err)
		}
		return ts.UTC(), nil
	case float64:
		return time.Unix(0, int64(t)).UTC(), nil
	case int64:
		return time.Unix(0, t).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unparseable timestamp of type %T", v)
	}
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
