package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/influxkit/influx-migrate/internal/config"
)

// newTestClient builds a client against a test server with retries
// that do not actually sleep.
func newTestClient(t *testing.T, url string, cfg *config.ImportConfig) *Client {
	t.Helper()
	cfg.SourceURL = url
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	c.sleep = func(time.Duration) {}
	return c
}

func queryResponseBody(series []Series) string {
	b, _ := json.Marshal(queryResponse{Results: []queryResult{{Series: series}}})
	return string(b)
}

func TestQueryAuthHeaders(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ImportConfig
		want func(t *testing.T, r *http.Request)
	}{
		{
			name: "v1 basic auth",
			cfg:  config.ImportConfig{InfluxDBVersion: 1, SourceUsername: "u", SourcePassword: "p"},
			want: func(t *testing.T, r *http.Request) {
				user, pass, ok := r.BasicAuth()
				if !ok || user != "u" || pass != "p" {
					t.Errorf("basic auth = %q/%q (%v)", user, pass, ok)
				}
			},
		},
		{
			name: "v1 token",
			cfg:  config.ImportConfig{InfluxDBVersion: 1, SourceToken: "tok"},
			want: func(t *testing.T, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("Authorization = %q, want Bearer tok", got)
				}
			},
		},
		{
			name: "v2 token",
			cfg:  config.ImportConfig{InfluxDBVersion: 2, SourceToken: "tok"},
			want: func(t *testing.T, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Token tok" {
					t.Errorf("Authorization = %q, want Token tok", got)
				}
			},
		},
		{
			name: "v3 bearer",
			cfg:  config.ImportConfig{InfluxDBVersion: 3, SourceToken: "tok"},
			want: func(t *testing.T, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("Authorization = %q, want Bearer tok", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tt.want(t, r)
				if got := r.URL.Query().Get("epoch"); got != "ns" {
					t.Errorf("epoch = %q, want ns", got)
				}
				if got := r.URL.Query().Get("db"); got != "mydb" {
					t.Errorf("db = %q, want mydb", got)
				}
				w.Write([]byte(queryResponseBody(nil)))
			}))
			defer srv.Close()

			cfg := tt.cfg
			c := newTestClient(t, srv.URL, &cfg)
			if _, err := c.Query(context.Background(), "mydb", "SHOW MEASUREMENTS"); err != nil {
				t.Fatalf("Query() error: %v", err)
			}
		})
	}
}

func TestQueryDecodesNumbersAsJSONNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"statement_id":0,"series":[{"name":"cpu","columns":["time","usage"],"values":[[1700000000000000000,0.5]]}]}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &config.ImportConfig{InfluxDBVersion: 1, SourceToken: "t"})
	series, err := c.Query(context.Background(), "db", "SELECT * FROM cpu")
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(series) != 1 || len(series[0].Values) != 1 {
		t.Fatalf("unexpected series shape: %+v", series)
	}
	if _, ok := series[0].Values[0][0].(json.Number); !ok {
		t.Errorf("timestamp decoded as %T, want json.Number", series[0].Values[0][0])
	}
}

func TestQueryRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(queryResponseBody(nil)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &config.ImportConfig{InfluxDBVersion: 1, SourceToken: "t"})
	if _, err := c.Query(context.Background(), "db", "SHOW MEASUREMENTS"); err != nil {
		t.Fatalf("Query() error after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

func TestQueryDoesNotRetryAuthErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &config.ImportConfig{InfluxDBVersion: 1, SourceToken: "bad"})
	_, err := c.Query(context.Background(), "db", "SHOW MEASUREMENTS")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("Query() error = %v, want 401", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 (no retry on 4xx)", got)
	}
}

func TestQueryGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &config.ImportConfig{InfluxDBVersion: 1, SourceToken: "t"})
	_, err := c.Query(context.Background(), "db", "SHOW MEASUREMENTS")
	if err == nil || !strings.Contains(err.Error(), "giving up after 5 attempts") {
		t.Fatalf("Query() error = %v, want exhaustion", err)
	}
	if got := calls.Load(); got != maxAttempts {
		t.Errorf("server calls = %d, want %d", got, maxAttempts)
	}
}

func TestQuerySurfacesInfluxErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"statement_id":0,"error":"database not found: nope"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &config.ImportConfig{InfluxDBVersion: 1, SourceToken: "t"})
	_, err := c.Query(context.Background(), "nope", "SHOW MEASUREMENTS")
	if err == nil || !strings.Contains(err.Error(), "database not found") {
		t.Fatalf("Query() error = %v, want influx error surfaced", err)
	}
}
