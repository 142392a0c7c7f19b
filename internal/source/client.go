// Package source reads from the InfluxDB instance data is copied out of.
// It speaks the v1 /query endpoint (which v2 and v3 also expose for
// compatibility) for data and schema queries, and version-specific catalog
// endpoints for database and table listings.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/influxkit/influx-migrate/internal/config"
	"github.com/influxkit/influx-migrate/internal/logging"
	"github.com/influxkit/influx-migrate/internal/util"
)

// Retry schedule for transient source failures: 1s, 2s, 4s, 8s, 16s.
const (
	maxAttempts = 5
	baseBackoff = time.Second
)

// Client is an authenticated handle on a source InfluxDB instance.
type Client struct {
	baseURL  string
	version  int
	username string
	password string
	token    string
	org      string

	httpc *http.Client
	sleep func(time.Duration)
}

// New builds a source client from validated import parameters.
func New(cfg *config.ImportConfig) (*Client, error) {
	base, err := util.NormalizeURL(cfg.SourceURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:  base,
		version:  cfg.InfluxDBVersion,
		username: cfg.SourceUsername,
		password: cfg.SourcePassword,
		token:    cfg.SourceToken,
		org:      cfg.SourceOrg,
		httpc:    &http.Client{Timeout: config.DefaultHTTPTimeout},
		sleep:    time.Sleep,
	}, nil
}

// BaseURL returns the normalized source URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Version returns the source's InfluxDB major version.
func (c *Client) Version() int { return c.version }

// authorize sets the auth header appropriate to the source version.
// "Token" is the v2 scheme; v1 and v3 both take bearer tokens.
func (c *Client) authorize(req *http.Request) {
	switch {
	case c.token != "" && c.version == 2:
		req.Header.Set("Authorization", "Token "+c.token)
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
}

// Series is one series block of an InfluxQL query result.
type Series struct {
	Name    string          `json:"name"`
	Tags    map[string]string `json:"tags,omitempty"`
	Columns []string        `json:"columns"`
	Values  [][]interface{} `json:"values"`
}

// ColumnIndex returns the position of a column, or -1.
func (s *Series) ColumnIndex(name string) int {
	for i, col := range s.Columns {
		if col == name {
			return i
		}
	}
	return -1
}

type queryResult struct {
	StatementID int      `json:"statement_id"`
	Series      []Series `json:"series"`
	Err         string   `json:"error"`
}

type queryResponse struct {
	Results []queryResult `json:"results"`
	Err     string        `json:"error"`
}

// Query runs an InfluxQL statement against the source with nanosecond epoch
// timestamps and returns the result series. Transient failures (network
// errors and 5xx responses) are retried on the fixed backoff schedule.
func (c *Client) Query(ctx context.Context, db, command string) ([]Series, error) {
	params := url.Values{}
	if db != "" {
		params.Set("db", db)
	}
	params.Set("q", command)
	params.Set("epoch", "ns")
	endpoint := c.baseURL + "/query?" + params.Encode()

	body, err := c.getWithRetry(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("source query failed: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	var resp queryResponse
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("source query error: %s", resp.Err)
	}

	var series []Series
	for _, res := range resp.Results {
		if res.Err != "" {
			return nil, fmt.Errorf("source query error: %s", res.Err)
		}
		series = append(series, res.Series...)
	}
	return series, nil
}

// getJSON fetches a version-specific catalog endpoint and decodes into out.
func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	body, err := c.getWithRetry(ctx, endpoint)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) getWithRetry(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseBackoff << (attempt - 1)
			logging.Warn("source request failed (attempt %d/%d), retrying in %s: %v",
				attempt, maxAttempts, delay, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			c.sleep(delay)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		c.authorize(req)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("source returned %d: %s", resp.StatusCode, truncate(body, 200))
			continue
		}
		if resp.StatusCode >= 400 {
			// Auth and bad-request failures will not heal with retries.
			return nil, fmt.Errorf("source returned %d: %s", resp.StatusCode, truncate(body, 200))
		}
		return body, nil
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", maxAttempts, lastErr)
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
