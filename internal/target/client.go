// Package target writes points to the destination InfluxDB and reads back
// the control-plane measurements the state store keeps there.
package target

import (
	"context"
	"fmt"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/influxkit/influx-migrate/internal/config"
	"github.com/influxkit/influx-migrate/internal/logging"
	"github.com/influxkit/influx-migrate/internal/util"
)

// Retry schedule for transient destination write failures.
const (
	maxWriteAttempts = 5
	baseWriteBackoff = time.Second
)

// PointWriter is the destination surface the copy loop needs.
type PointWriter interface {
	WritePoints(ctx context.Context, db string, points []*client.Point) error
}

// RowQuerier reads rows back from the destination, used by the
// measurement-backed state store and the status reporter.
type RowQuerier interface {
	QueryRows(ctx context.Context, db, command string) ([]map[string]interface{}, error)
}

// Client wraps the destination InfluxDB HTTP client.
type Client struct {
	influx client.Client
	sleep  func(time.Duration)
}

// New connects to the destination described by the service config. Token
// auth rides the v1 basic-auth channel, which InfluxDB 3 accepts on its
// compatibility endpoints.
func New(cfg config.Destination) (*Client, error) {
	addr, err := util.NormalizeURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	httpCfg := client.HTTPConfig{
		Addr:    addr,
		Timeout: cfg.Timeout,
	}
	if cfg.Token != "" {
		httpCfg.Username = "token"
		httpCfg.Password = cfg.Token
	} else {
		httpCfg.Username = cfg.Username
		httpCfg.Password = cfg.Password
	}
	influx, err := client.NewHTTPClient(httpCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create destination client: %w", err)
	}
	return &Client{influx: influx, sleep: time.Sleep}, nil
}

// Close releases the underlying HTTP client.
func (c *Client) Close() error {
	return c.influx.Close()
}

// Ping checks destination reachability.
func (c *Client) Ping(timeout time.Duration) error {
	_, _, err := c.influx.Ping(timeout)
	return err
}

// WritePoints writes a batch with nanosecond precision, retrying transient
// failures on the fixed backoff schedule before giving up.
func (c *Client) WritePoints(ctx context.Context, db string, points []*client.Point) error {
	if len(points) == 0 {
		return nil
	}
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  db,
		Precision: "ns",
	})
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	bp.AddPoints(points)

	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if attempt > 0 {
			delay := baseWriteBackoff << (attempt - 1)
			logging.Warn("destination write failed (attempt %d/%d), retrying in %s: %v",
				attempt, maxWriteAttempts, delay, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			c.sleep(delay)
		}
		if err := c.influx.Write(bp); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("destination write failed after %d attempts: %w", maxWriteAttempts, lastErr)
}

// QueryRows runs an InfluxQL statement and flattens the result into one map
// per row, merging series tags with column values. Timestamps come back in
// nanoseconds under the "time" key.
func (c *Client) QueryRows(ctx context.Context, db, command string) ([]map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := client.NewQuery(command, db, "ns")
	resp, err := c.influx.Query(q)
	if err != nil {
		return nil, fmt.Errorf("destination query failed: %w", err)
	}
	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("destination query error: %w", err)
	}

	var rows []map[string]interface{}
	for _, result := range resp.Results {
		for _, series := range result.Series {
			for _, value := range series.Values {
				row := make(map[string]interface{}, len(series.Columns)+len(series.Tags))
				for k, v := range series.Tags {
					row[k] = v
				}
				for i, col := range series.Columns {
					if i < len(value) {
						row[col] = value[i]
					}
				}
				rows = append(rows, row)
			}
		}
	}
	return rows, nil
}
