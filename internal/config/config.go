// Package config loads service configuration from YAML and import job
// parameters from TOML files, environment variables, and request bodies.
//
// Import parameters layer in precedence order: request body (or CLI flags)
// over job file over environment. Credentials are accepted from any layer
// but are never persisted by the state store.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/influxkit/influx-migrate/internal/util"
)

// Import directions.
const (
	DirectionOldestFirst = "oldest_first"
	DirectionNewestFirst = "newest_first"
)

// Default tuning values applied when a job does not set them.
const (
	DefaultBatchSize       = 10000
	DefaultQueryIntervalMS = 0
	DefaultHTTPTimeout     = 30 * time.Second
)

// Config is the service-level configuration loaded from YAML.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	Destination Destination `yaml:"destination"`
	State       State       `yaml:"state"`
	Defaults    Defaults    `yaml:"defaults"`
}

// Destination describes the InfluxDB instance data and state are written to.
type Destination struct {
	URL      string        `yaml:"url"`
	Database string        `yaml:"database"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
}

// State selects where job state and control signals are stored.
// Backend "measurement" keeps state in destination measurements so a job
// survives service restarts; "sqlite" keeps it in a local file.
type State struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// Defaults are applied to import jobs that omit the corresponding setting.
type Defaults struct {
	BatchSize       int    `yaml:"batch_size"`
	QueryIntervalMS int    `yaml:"query_interval_ms"`
	Direction       string `yaml:"direction"`
}

// Load reads the service configuration from path and applies defaults.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.State.Backend == "" {
		c.State.Backend = "measurement"
	}
	if c.State.Backend == "sqlite" && c.State.Path == "" {
		c.State.Path = "influx-migrate-state.db"
	}
	if c.Destination.Timeout == 0 {
		c.Destination.Timeout = DefaultHTTPTimeout
	}
	if c.Defaults.BatchSize == 0 {
		c.Defaults.BatchSize = DefaultBatchSize
	}
	if c.Defaults.Direction == "" {
		c.Defaults.Direction = DirectionOldestFirst
	}
}

// Validate checks the service configuration.
func (c *Config) Validate() error {
	switch c.State.Backend {
	case "measurement", "sqlite":
	default:
		return fmt.Errorf("invalid state backend %q (want measurement or sqlite)", c.State.Backend)
	}
	if _, err := util.NormalizeURL(c.Destination.URL); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if c.Destination.Database == "" {
		return fmt.Errorf("destination: database is required")
	}
	return nil
}

// ImportConfig holds the parameters of a single import job. Field names
// match across JSON request bodies and TOML job files.
type ImportConfig struct {
	SourceURL       string `json:"source_url" toml:"source_url"`
	SourceDatabase  string `json:"source_database" toml:"source_database"`
	InfluxDBVersion int    `json:"influxdb_version" toml:"influxdb_version"`
	SourceOrg       string `json:"source_org" toml:"source_org"`
	SourceUsername  string `json:"source_username" toml:"source_username"`
	SourcePassword  string `json:"source_password" toml:"source_password"`
	SourceToken     string `json:"source_token" toml:"source_token"`

	DestDatabase string `json:"dest_database" toml:"dest_database"`

	StartTimestamp  string   `json:"start_timestamp" toml:"start_timestamp"`
	EndTimestamp    string   `json:"end_timestamp" toml:"end_timestamp"`
	TableFilter     []string `json:"table_filter" toml:"table_filter"`
	ImportDirection string   `json:"import_direction" toml:"import_direction"`
	TargetBatchSize int      `json:"target_batch_size" toml:"target_batch_size"`
	QueryIntervalMS int      `json:"query_interval_ms" toml:"query_interval_ms"`
	DryRun          bool     `json:"dry_run" toml:"dry_run"`

	// ConfigFile points at a TOML job file whose values fill in unset
	// fields. Only honored on start and resume requests.
	ConfigFile string `json:"config_file_path" toml:"-"`
}

// LoadImportFile reads import parameters from a TOML job file.
func LoadImportFile(path string) (*ImportConfig, error) {
	var cfg ImportConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read job file %s: %w", path, err)
	}
	return &cfg, nil
}

// envVars maps environment variable names onto ImportConfig fields.
func envVars() map[string]func(*ImportConfig, string) {
	return map[string]func(*ImportConfig, string){
		"IMPORT_SOURCE_URL":      func(c *ImportConfig, v string) { c.SourceURL = v },
		"IMPORT_SOURCE_DATABASE": func(c *ImportConfig, v string) { c.SourceDatabase = v },
		"IMPORT_SOURCE_ORG":      func(c *ImportConfig, v string) { c.SourceOrg = v },
		"IMPORT_SOURCE_USERNAME": func(c *ImportConfig, v string) { c.SourceUsername = v },
		"IMPORT_SOURCE_PASSWORD": func(c *ImportConfig, v string) { c.SourcePassword = v },
		"IMPORT_SOURCE_TOKEN":    func(c *ImportConfig, v string) { c.SourceToken = v },
		"IMPORT_DEST_DATABASE":   func(c *ImportConfig, v string) { c.DestDatabase = v },
	}
}

// FromEnv returns an ImportConfig populated from IMPORT_* environment
// variables. Environment is the lowest-precedence layer.
func FromEnv() *ImportConfig {
	cfg := &ImportConfig{}
	for name, set := range envVars() {
		if v := os.Getenv(name); v != "" {
			set(cfg, v)
		}
	}
	return cfg
}

// Merge overlays non-zero fields of over onto base and returns base.
func Merge(base, over *ImportConfig) *ImportConfig {
	if over == nil {
		return base
	}
	if over.SourceURL != "" {
		base.SourceURL = over.SourceURL
	}
	if over.SourceDatabase != "" {
		base.SourceDatabase = over.SourceDatabase
	}
	if over.InfluxDBVersion != 0 {
		base.InfluxDBVersion = over.InfluxDBVersion
	}
	if over.SourceOrg != "" {
		base.SourceOrg = over.SourceOrg
	}
	if over.SourceUsername != "" {
		base.SourceUsername = over.SourceUsername
	}
	if over.SourcePassword != "" {
		base.SourcePassword = over.SourcePassword
	}
	if over.SourceToken != "" {
		base.SourceToken = over.SourceToken
	}
	if over.DestDatabase != "" {
		base.DestDatabase = over.DestDatabase
	}
	if over.StartTimestamp != "" {
		base.StartTimestamp = over.StartTimestamp
	}
	if over.EndTimestamp != "" {
		base.EndTimestamp = over.EndTimestamp
	}
	if len(over.TableFilter) > 0 {
		base.TableFilter = over.TableFilter
	}
	if over.ImportDirection != "" {
		base.ImportDirection = over.ImportDirection
	}
	if over.TargetBatchSize != 0 {
		base.TargetBatchSize = over.TargetBatchSize
	}
	if over.QueryIntervalMS != 0 {
		base.QueryIntervalMS = over.QueryIntervalMS
	}
	if over.DryRun {
		base.DryRun = true
	}
	if over.ConfigFile != "" {
		base.ConfigFile = over.ConfigFile
	}
	return base
}

// Resolve builds the effective import parameters for a request body,
// layering body over the job file named by the body (or base), over the
// environment, then applying service defaults.
func Resolve(body *ImportConfig, defaults Defaults) (*ImportConfig, error) {
	cfg := FromEnv()
	file := ""
	if body != nil && body.ConfigFile != "" {
		file = body.ConfigFile
	}
	if file != "" {
		fileCfg, err := LoadImportFile(file)
		if err != nil {
			return nil, err
		}
		cfg = Merge(cfg, fileCfg)
	}
	cfg = Merge(cfg, body)
	cfg.ApplyDefaults(defaults)
	return cfg, nil
}

// ApplyDefaults fills unset tuning fields from the service defaults.
func (c *ImportConfig) ApplyDefaults(d Defaults) {
	if c.TargetBatchSize == 0 {
		if d.BatchSize != 0 {
			c.TargetBatchSize = d.BatchSize
		} else {
			c.TargetBatchSize = DefaultBatchSize
		}
	}
	if c.QueryIntervalMS == 0 {
		c.QueryIntervalMS = d.QueryIntervalMS
	}
	if c.ImportDirection == "" {
		if d.Direction != "" {
			c.ImportDirection = d.Direction
		} else {
			c.ImportDirection = DirectionOldestFirst
		}
	}
}

// Validate checks the import parameters, including the source auth rules:
// username and password must be supplied together, credentials and token
// are mutually exclusive, and versions 2 and 3 require a token.
func (c *ImportConfig) Validate() error {
	norm, err := util.NormalizeURL(c.SourceURL)
	if err != nil {
		return fmt.Errorf("source_url: %w", err)
	}
	c.SourceURL = norm
	if c.SourceDatabase == "" {
		return fmt.Errorf("source_database is required")
	}
	switch c.InfluxDBVersion {
	case 1, 2, 3:
	default:
		return fmt.Errorf("influxdb_version must be 1, 2, or 3 (got %d)", c.InfluxDBVersion)
	}
	if err := c.validateAuth(); err != nil {
		return err
	}
	switch c.ImportDirection {
	case DirectionOldestFirst, DirectionNewestFirst:
	default:
		return fmt.Errorf("import_direction must be %s or %s (got %q)",
			DirectionOldestFirst, DirectionNewestFirst, c.ImportDirection)
	}
	if c.TargetBatchSize < 0 {
		return fmt.Errorf("target_batch_size must be positive")
	}
	if c.QueryIntervalMS < 0 {
		return fmt.Errorf("query_interval_ms must not be negative")
	}
	if c.InfluxDBVersion == 2 && c.SourceOrg == "" {
		return fmt.Errorf("source_org is required for InfluxDB v2 sources")
	}
	return nil
}

func (c *ImportConfig) validateAuth() error {
	hasUser := c.SourceUsername != ""
	hasPass := c.SourcePassword != ""
	hasToken := c.SourceToken != ""

	if hasUser != hasPass {
		return fmt.Errorf("source_username and source_password must be provided together")
	}
	if hasUser && hasToken {
		return fmt.Errorf("provide either source credentials or source_token, not both")
	}
	if !hasUser && !hasToken {
		return fmt.Errorf("source authentication is required (credentials or token)")
	}
	if c.InfluxDBVersion >= 2 && !hasToken {
		return fmt.Errorf("influxdb v%d sources require source_token", c.InfluxDBVersion)
	}
	return nil
}

// HasCredentials reports whether the config carries any source auth. Resume
// requests must re-supply auth because it is never persisted.
func (c *ImportConfig) HasCredentials() bool {
	return c.SourceToken != "" || (c.SourceUsername != "" && c.SourcePassword != "")
}

// Redacted returns a copy safe for logging.
func (c *ImportConfig) Redacted() ImportConfig {
	out := *c
	if out.SourcePassword != "" {
		out.SourcePassword = "***"
	}
	if out.SourceToken != "" {
		out.SourceToken = "***"
	}
	return out
}

// DestinationDatabase returns the database to write into, defaulting to the
// source database name.
func (c *ImportConfig) DestinationDatabase() string {
	if c.DestDatabase != "" {
		return c.DestDatabase
	}
	return c.SourceDatabase
}

// ParseTableFilter accepts the dot-separated filter syntax used by flags
// and query parameters, e.g. "cpu.mem.disk".
func ParseTableFilter(s string) []string {
	var tables []string
	for _, part := range strings.Split(strings.TrimSpace(s), ".") {
		part = strings.TrimSpace(part)
		if part != "" {
			tables = append(tables, part)
		}
	}
	return tables
}
