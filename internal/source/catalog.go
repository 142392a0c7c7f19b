package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/influxkit/influx-migrate/internal/util"
)

// Databases lists the source's user databases, excluding internal and
// system ones. The listing mechanism differs by version: SHOW DATABASES on
// v1, the buckets API on v2, and the database configuration API on v3.
func (c *Client) Databases(ctx context.Context) ([]string, error) {
	switch c.version {
	case 1:
		series, err := c.Query(ctx, "", "SHOW DATABASES")
		if err != nil {
			return nil, err
		}
		var names []string
		for _, name := range seriesValues(series) {
			if name != "_internal" {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		return names, nil

	case 2:
		var resp struct {
			Buckets []struct {
				Name string `json:"name"`
			} `json:"buckets"`
		}
		if err := c.getJSON(ctx, c.baseURL+"/api/v2/buckets", &resp); err != nil {
			return nil, fmt.Errorf("failed to list buckets: %w", err)
		}
		var names []string
		for _, b := range resp.Buckets {
			if !strings.HasPrefix(b.Name, "_") {
				names = append(names, b.Name)
			}
		}
		sort.Strings(names)
		return names, nil

	case 3:
		var rows []map[string]interface{}
		endpoint := c.baseURL + "/api/v3/configure/database?format=json"
		if err := c.getJSON(ctx, endpoint, &rows); err != nil {
			return nil, fmt.Errorf("failed to list databases: %w", err)
		}
		var names []string
		for _, row := range rows {
			name, _ := row["iox::database"].(string)
			if name != "" && name != "_internal" {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		return names, nil
	}
	return nil, fmt.Errorf("unsupported influxdb version %d", c.version)
}

// Tables lists the measurements in a source database.
func (c *Client) Tables(ctx context.Context, db string) ([]string, error) {
	switch c.version {
	case 1:
		series, err := c.Query(ctx, db, "SHOW MEASUREMENTS")
		if err != nil {
			return nil, err
		}
		names := seriesValues(series)
		sort.Strings(names)
		return names, nil

	case 2:
		return c.fluxMeasurements(ctx, db)

	case 3:
		var rows []struct {
			TableSchema string `json:"table_schema"`
			TableName   string `json:"table_name"`
		}
		params := url.Values{}
		params.Set("db", db)
		params.Set("q", "SHOW TABLES")
		params.Set("format", "json")
		endpoint := c.baseURL + "/api/v3/query_sql?" + params.Encode()
		if err := c.getJSON(ctx, endpoint, &rows); err != nil {
			return nil, fmt.Errorf("failed to list tables: %w", err)
		}
		var names []string
		for _, row := range rows {
			switch row.TableSchema {
			case "system", "information_schema":
				continue
			}
			if row.TableName != "" {
				names = append(names, row.TableName)
			}
		}
		sort.Strings(names)
		return names, nil
	}
	return nil, fmt.Errorf("unsupported influxdb version %d", c.version)
}

// fluxMeasurements lists v2 bucket measurements with a Flux schema query.
// The response is annotated CSV; measurement names are in the _value column.
func (c *Client) fluxMeasurements(ctx context.Context, bucket string) ([]string, error) {
	if c.org == "" {
		return nil, fmt.Errorf("source_org is required for InfluxDB v2")
	}
	escaped := strings.ReplaceAll(bucket, `"`, `\"`)
	flux := fmt.Sprintf(`import "influxdata/influxdb/schema" schema.measurements(bucket: %q)`, escaped)

	endpoint := c.baseURL + "/api/v2/query?org=" + url.QueryEscape(c.org)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(flux))
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/vnd.flux")
	req.Header.Set("Accept", "application/csv")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flux query failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("flux query returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var names []string
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	var valueIdx int = -1
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if valueIdx < 0 {
			// header row
			for j, col := range parts {
				if strings.TrimSpace(col) == "_value" {
					valueIdx = j
				}
			}
			if valueIdx < 0 {
				return nil, fmt.Errorf("unexpected flux response header on line %d", i+1)
			}
			continue
		}
		if valueIdx < len(parts) {
			if name := strings.TrimSpace(parts[valueIdx]); name != "" {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// seriesValues flattens single-column SHOW query results into names.
func seriesValues(series []Series) []string {
	var names []string
	for _, s := range series {
		for _, row := range s.Values {
			if len(row) == 0 {
				continue
			}
			if name, ok := row[0].(string); ok && name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// quoteMeasurement quotes a measurement for use in InfluxQL FROM clauses.
func quoteMeasurement(m string) string {
	return util.QuoteIdent(m)
}
