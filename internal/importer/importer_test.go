package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"

	"github.com/influxkit/influx-migrate/internal/config"
	"github.com/influxkit/influx-migrate/internal/source"
	"github.com/influxkit/influx-migrate/internal/state"
)

// sourceRow is one stored row in the fake source; vals holds tag and field
// columns alike, the way InfluxQL SELECT * flattens them.
type sourceRow struct {
	ts   time.Time
	vals map[string]interface{}
}

// fakeSource emulates the /query surface of an InfluxDB 1.x server closely
// enough for the copy loop: measurement listing, schema statements, counts,
// boundary probes, and windowed selects.
type fakeSource struct {
	mu         sync.Mutex
	rows       map[string][]sourceRow
	fieldTypes map[string]map[string]string
	tagKeys    map[string][]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		rows:       make(map[string][]sourceRow),
		fieldTypes: make(map[string]map[string]string),
		tagKeys:    make(map[string][]string),
	}
}

func (f *fakeSource) setSchema(table string, tags []string, fieldTypes map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagKeys[table] = tags
	f.fieldTypes[table] = fieldTypes
	if _, ok := f.rows[table]; !ok {
		f.rows[table] = nil
	}
}

func (f *fakeSource) addRow(table string, ts time.Time, vals map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[table] = append(f.rows[table], sourceRow{ts: ts, vals: vals})
	sort.Slice(f.rows[table], func(i, j int) bool {
		return f.rows[table][i].ts.Before(f.rows[table][j].ts)
	})
}

var (
	reFrom      = regexp.MustCompile(`FROM "([^"]+)"`)
	reTimeStart = regexp.MustCompile(`time >= '([^']+)'`)
	reTimeEnd   = regexp.MustCompile(`time <(=?) '([^']+)'`)
)

func (f *fakeSource) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")

		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case q == "SHOW MEASUREMENTS":
			var names []string
			for table := range f.rows {
				names = append(names, table)
			}
			sort.Strings(names)
			var values [][]interface{}
			for _, n := range names {
				values = append(values, []interface{}{n})
			}
			writeSeries(w, "measurements", []string{"name"}, values)

		case strings.HasPrefix(q, "SHOW FIELD KEYS"):
			table := matchFrom(q)
			var values [][]interface{}
			var keys []string
			for k := range f.fieldTypes[table] {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				values = append(values, []interface{}{k, f.fieldTypes[table][k]})
			}
			writeSeries(w, table, []string{"fieldKey", "fieldType"}, values)

		case strings.HasPrefix(q, "SHOW TAG KEYS"):
			table := matchFrom(q)
			var values [][]interface{}
			for _, k := range f.tagKeys[table] {
				values = append(values, []interface{}{k})
			}
			writeSeries(w, table, []string{"tagKey"}, values)

		case strings.HasPrefix(q, "SELECT COUNT(*)"):
			table := matchFrom(q)
			selected := f.selectRows(table, q)
			writeSeries(w, table, []string{"time", "count_rows"},
				[][]interface{}{{0, len(selected)}})

		case strings.Contains(q, "ORDER BY time ASC LIMIT 1"):
			f.writeRows(w, matchFrom(q), q, 1, false)

		case strings.Contains(q, "ORDER BY time DESC LIMIT 1"):
			f.writeRows(w, matchFrom(q), q, 1, true)

		case strings.HasPrefix(q, "SELECT * FROM"):
			f.writeRows(w, matchFrom(q), q, 0, false)

		default:
			http.Error(w, fmt.Sprintf(`{"error":"unexpected query %s"}`, q), http.StatusBadRequest)
		}
	}
}

// selectRows applies the query's time predicates to a table's rows.
func (f *fakeSource) selectRows(table, q string) []sourceRow {
	var start, end time.Time
	endInclusive := false
	if m := reTimeStart.FindStringSubmatch(q); m != nil {
		start, _ = time.Parse(time.RFC3339Nano, m[1])
	}
	if m := reTimeEnd.FindStringSubmatch(q); m != nil {
		endInclusive = m[1] == "="
		end, _ = time.Parse(time.RFC3339Nano, m[2])
	}

	var out []sourceRow
	for _, row := range f.rows[table] {
		if !start.IsZero() && row.ts.Before(start) {
			continue
		}
		if !end.IsZero() {
			if endInclusive && row.ts.After(end) {
				continue
			}
			if !endInclusive && !row.ts.Before(end) {
				continue
			}
		}
		out = append(out, row)
	}
	return out
}

func (f *fakeSource) writeRows(w http.ResponseWriter, table, q string, limit int, newestFirst bool) {
	selected := f.selectRows(table, q)
	if newestFirst {
		for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
			selected[i], selected[j] = selected[j], selected[i]
		}
	}
	if limit > 0 && len(selected) > limit {
		selected = selected[:limit]
	}
	if len(selected) == 0 {
		writeSeries(w, "", nil, nil)
		return
	}

	colSet := make(map[string]bool)
	for _, row := range f.rows[table] {
		for k := range row.vals {
			colSet[k] = true
		}
	}
	columns := []string{"time"}
	var rest []string
	for k := range colSet {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	columns = append(columns, rest...)

	var values [][]interface{}
	for _, row := range selected {
		v := []interface{}{row.ts.UnixNano()}
		for _, col := range rest {
			v = append(v, row.vals[col])
		}
		values = append(values, v)
	}
	writeSeries(w, table, columns, values)
}

func matchFrom(q string) string {
	if m := reFrom.FindStringSubmatch(q); m != nil {
		return m[1]
	}
	return ""
}

func writeSeries(w http.ResponseWriter, name string, columns []string, values [][]interface{}) {
	type seriesJSON struct {
		Name    string          `json:"name"`
		Columns []string        `json:"columns"`
		Values  [][]interface{} `json:"values"`
	}
	result := map[string]interface{}{}
	if columns != nil {
		result["series"] = []seriesJSON{{Name: name, Columns: columns, Values: values}}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"results": []map[string]interface{}{result},
	})
}

// fakeWriter records written points; failures makes the next N calls fail.
type fakeWriter struct {
	mu       sync.Mutex
	points   []*client.Point
	db       string
	failures int
}

func (fw *fakeWriter) WritePoints(_ context.Context, db string, points []*client.Point) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.failures > 0 {
		fw.failures--
		return errors.New("destination unavailable")
	}
	fw.db = db
	fw.points = append(fw.points, points...)
	return nil
}

func (fw *fakeWriter) count() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.points)
}

func testConfig(t *testing.T, srvURL string) *config.ImportConfig {
	t.Helper()
	cfg := &config.ImportConfig{
		SourceURL:       srvURL,
		SourceDatabase:  "telegraf",
		InfluxDBVersion: 1,
		SourceUsername:  "admin",
		SourcePassword:  "secret",
		DestDatabase:    "telegraf_copy",
		ImportDirection: config.DirectionOldestFirst,
		TargetBatchSize: config.DefaultBatchSize,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func newTestImporter(t *testing.T, cfg *config.ImportConfig, dest *fakeWriter, store state.Store) *Importer {
	t.Helper()
	src, err := source.New(cfg)
	if err != nil {
		t.Fatalf("source client: %v", err)
	}
	im := New(cfg, src, dest, store)
	im.sleep = func(time.Duration) {}
	return im
}

func TestImportThenResumeWithTypeDrift(t *testing.T) {
	fs := newFakeSource()
	fs.setSchema("cpu", []string{"host"}, map[string]string{"usage": "float"})
	t1 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	t3 := t1.Add(2 * time.Minute)
	fs.addRow("cpu", t1, map[string]interface{}{"host": "web01", "usage": 0.5})
	fs.addRow("cpu", t2, map[string]interface{}{"host": "web01", "usage": 0.6})
	fs.addRow("cpu", t3, map[string]interface{}{"host": "web02", "usage": 0.7})

	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	dest := &fakeWriter{}
	store := state.NewMemoryStore()
	im := newTestImporter(t, cfg, dest, store)

	report, err := im.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if report.Status != "completed" {
		t.Fatalf("status = %q, want completed", report.Status)
	}
	if report.TotalRows != 3 || dest.count() != 3 {
		t.Fatalf("rows = %d, written = %d, want 3", report.TotalRows, dest.count())
	}
	if dest.db != "telegraf_copy" {
		t.Errorf("destination db = %q", dest.db)
	}
	for _, pt := range dest.points {
		if pt.Name() != "cpu" {
			t.Errorf("point measurement = %q", pt.Name())
		}
		fields, err := pt.Fields()
		if err != nil {
			t.Fatalf("fields: %v", err)
		}
		if _, ok := fields["usage"]; !ok {
			t.Errorf("point missing usage field: %v", fields)
		}
	}

	progress, err := store.Progress(context.Background(), im.ID())
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	cpu := progress["cpu"]
	if cpu.Status != state.StatusCompleted || cpu.RowsCopied != 3 {
		t.Fatalf("cpu progress = %+v", cpu)
	}
	if !cpu.Checkpoint.Equal(t3) {
		t.Fatalf("checkpoint = %v, want %v", cpu.Checkpoint, t3)
	}

	// A newer row arrives with the field's type drifted to string. Resume
	// must copy only that row, under a type-suffixed field name.
	t4 := t1.Add(3 * time.Minute)
	fs.addRow("cpu", t4, map[string]interface{}{"host": "web02", "usage": "high"})

	creds := &config.ImportConfig{SourceUsername: "admin", SourcePassword: "secret"}
	resumed, err := Resume(context.Background(), im.ID(), creds, dest, store, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != "completed" {
		t.Fatalf("resume status = %q", resumed.Status)
	}
	if dest.count() != 4 {
		t.Fatalf("written after resume = %d, want 4", dest.count())
	}

	last := dest.points[3]
	fields, err := last.Fields()
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	if got := fields["usage_string"]; got != "high" {
		t.Errorf("usage_string = %v, want high", got)
	}
	if _, ok := fields["usage"]; ok {
		t.Errorf("drifted row must not carry the original field name: %v", fields)
	}
	if !last.Time().Equal(t4) {
		t.Errorf("resumed point time = %v, want %v", last.Time(), t4)
	}

	progress, _ = store.Progress(context.Background(), im.ID())
	if p := progress["cpu"]; p.RowsCopied != 4 || !p.Checkpoint.Equal(t4) {
		t.Errorf("post-resume progress = %+v", p)
	}
}

func TestResumeRequiresCredentials(t *testing.T) {
	store := state.NewMemoryStore()
	_, err := Resume(context.Background(), "some-job", &config.ImportConfig{}, &fakeWriter{}, store, nil)
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestResumeUnknownJob(t *testing.T) {
	store := state.NewMemoryStore()
	creds := &config.ImportConfig{SourceToken: "tok"}
	_, err := Resume(context.Background(), "ghost", creds, &fakeWriter{}, store, nil)
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelledJobRejectsResume(t *testing.T) {
	fs := newFakeSource()
	fs.setSchema("cpu", nil, map[string]string{"usage": "float"})
	fs.addRow("cpu", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), map[string]interface{}{"usage": 1.0})

	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	store := state.NewMemoryStore()
	im := newTestImporter(t, testConfig(t, srv.URL), &fakeWriter{}, store)
	if _, err := im.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := state.RequestCancel(context.Background(), store, im.ID()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	creds := &config.ImportConfig{SourceUsername: "admin", SourcePassword: "secret"}
	_, err := Resume(context.Background(), im.ID(), creds, &fakeWriter{}, store, nil)
	if !errors.Is(err, state.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestEmptyTableCompletesWithZeroRows(t *testing.T) {
	fs := newFakeSource()
	fs.setSchema("cpu", nil, map[string]string{"usage": "float"})
	fs.addRow("cpu", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), map[string]interface{}{"usage": 1.0})
	fs.setSchema("idle", nil, map[string]string{"value": "integer"})

	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	store := state.NewMemoryStore()
	dest := &fakeWriter{}
	im := newTestImporter(t, testConfig(t, srv.URL), dest, store)

	report, err := im.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if report.Status != "completed" {
		t.Fatalf("status = %q", report.Status)
	}
	progress, _ := store.Progress(context.Background(), im.ID())
	idle := progress["idle"]
	if idle.Status != state.StatusCompleted || idle.RowsCopied != 0 {
		t.Fatalf("idle progress = %+v, want completed with zero rows", idle)
	}
}

func TestWriteFailureMarksTableErrorAndContinues(t *testing.T) {
	fs := newFakeSource()
	fs.setSchema("cpu", nil, map[string]string{"usage": "float"})
	fs.setSchema("mem", nil, map[string]string{"used": "integer"})
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	fs.addRow("cpu", base, map[string]interface{}{"usage": 1.0})
	fs.addRow("mem", base, map[string]interface{}{"used": 42})

	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	store := state.NewMemoryStore()
	dest := &fakeWriter{failures: 1}
	im := newTestImporter(t, testConfig(t, srv.URL), dest, store)

	report, err := im.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if report.Status != "completed_with_errors" {
		t.Fatalf("status = %q, want completed_with_errors", report.Status)
	}

	progress, _ := store.Progress(context.Background(), im.ID())
	if progress["cpu"].Status != state.StatusError || progress["cpu"].Error == "" {
		t.Errorf("cpu progress = %+v, want error", progress["cpu"])
	}
	if progress["mem"].Status != state.StatusCompleted || progress["mem"].RowsCopied != 1 {
		t.Errorf("mem progress = %+v, want completed", progress["mem"])
	}
}

func TestPauseSignalStopsTableWithCheckpoint(t *testing.T) {
	fs := newFakeSource()
	fs.setSchema("cpu", nil, map[string]string{"usage": "float"})
	fs.addRow("cpu", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), map[string]interface{}{"usage": 1.0})

	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	store := state.NewMemoryStore()
	im := newTestImporter(t, testConfig(t, srv.URL), &fakeWriter{}, store)

	ctx := context.Background()
	if err := store.SaveConfig(ctx, im.ID(), state.FromImportConfig(im.cfg, 1, time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveSignal(ctx, im.ID(), true, false); err != nil {
		t.Fatal(err)
	}

	res := im.importTable(ctx, "cpu", state.TableProgress{}, time.Time{}, time.Time{})
	if res.Status != string(state.StatusPaused) {
		t.Fatalf("status = %q, want paused", res.Status)
	}
	progress, _ := store.Progress(ctx, im.ID())
	if progress["cpu"].Status != state.StatusPaused {
		t.Fatalf("persisted status = %q", progress["cpu"].Status)
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	fs := newFakeSource()
	fs.setSchema("weather", []string{"room"}, map[string]string{
		"room": "string",
		"temp": "float",
	})
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	fs.addRow("weather", base, map[string]interface{}{"room": "kitchen", "room_1": "warm", "temp": 20.5})

	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.DryRun = true
	store := state.NewMemoryStore()
	dest := &fakeWriter{}
	im := newTestImporter(t, cfg, dest, store)

	report, err := im.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if report.Status != "dry_run" || !report.DryRun {
		t.Fatalf("report = %+v", report)
	}
	if dest.count() != 0 {
		t.Fatalf("dry run wrote %d points", dest.count())
	}
	if report.Estimate == nil || report.Estimate.TotalRows != 1 {
		t.Fatalf("estimate = %+v", report.Estimate)
	}
	if len(report.SchemaIssues) != 1 || report.SchemaIssues[0].Conflicts[0] != "room" {
		t.Fatalf("schema issues = %+v", report.SchemaIssues)
	}
	if _, err := store.LoadConfig(context.Background(), im.ID()); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("dry run persisted state: %v", err)
	}
}

func TestTableFilterLimitsScope(t *testing.T) {
	fs := newFakeSource()
	fs.setSchema("cpu", nil, map[string]string{"usage": "float"})
	fs.setSchema("mem", nil, map[string]string{"used": "integer"})
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	fs.addRow("cpu", base, map[string]interface{}{"usage": 1.0})
	fs.addRow("mem", base, map[string]interface{}{"used": 7})

	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.TableFilter = []string{"mem"}
	store := state.NewMemoryStore()
	dest := &fakeWriter{}
	im := newTestImporter(t, cfg, dest, store)

	report, err := im.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(report.Tables) != 1 || report.Tables[0].Table != "mem" {
		t.Fatalf("tables = %+v", report.Tables)
	}
	if dest.count() != 1 {
		t.Fatalf("written = %d", dest.count())
	}
}

func TestParseUserTime(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"2024-05-01T00:00:00Z", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), false},
		{"2024-05-01", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), false},
		{"2024-05-01 12:30:00", time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC), false},
		{"yesterday", time.Time{}, true},
	}
	for _, tc := range cases {
		got, err := parseUserTime(tc.in)
		if tc.wantErr != (err != nil) {
			t.Errorf("parseUserTime(%q) err = %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("parseUserTime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
