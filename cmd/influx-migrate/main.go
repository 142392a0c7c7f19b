package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/influxkit/influx-migrate/internal/config"
	"github.com/influxkit/influx-migrate/internal/importer"
	"github.com/influxkit/influx-migrate/internal/logging"
	"github.com/influxkit/influx-migrate/internal/notify"
	"github.com/influxkit/influx-migrate/internal/progress"
	"github.com/influxkit/influx-migrate/internal/secrets"
	"github.com/influxkit/influx-migrate/internal/server"
	"github.com/influxkit/influx-migrate/internal/source"
	"github.com/influxkit/influx-migrate/internal/state"
	"github.com/influxkit/influx-migrate/internal/target"
	"github.com/influxkit/influx-migrate/internal/version"
)

func main() {
	app := &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to service configuration file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP control service",
				Action: runServe,
			},
			{
				Name:   "run",
				Usage:  "Start a new import",
				Action: runImport,
				Flags:  jobFlags(),
			},
			{
				Name:   "resume",
				Usage:  "Resume a paused or interrupted import",
				Action: resumeImport,
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "Import job id", Required: true},
				}, credentialFlags()...),
			},
			{
				Name:   "status",
				Usage:  "Show the status of an import",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "Import job id", Required: true},
				},
			},
			{
				Name:   "pause",
				Usage:  "Request a pause; the import stops after the current batch",
				Action: pauseImport,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "Import job id", Required: true},
				},
			},
			{
				Name:   "cancel",
				Usage:  "Cancel an import permanently",
				Action: cancelImport,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "Import job id", Required: true},
				},
			},
			{
				Name:   "databases",
				Usage:  "List databases on the source",
				Action: listDatabases,
				Flags:  jobFlags(),
			},
			{
				Name:   "tables",
				Usage:  "List measurements in the source database",
				Action: listTables,
				Flags:  jobFlags(),
			},
			{
				Name:   "test-connection",
				Usage:  "Probe a URL for a reachable InfluxDB instance",
				Action: testConnection,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Usage: "InfluxDB base URL", Required: true},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func credentialFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "username", Usage: "Source username (v1)"},
		&cli.StringFlag{Name: "password", Usage: "Source password (v1)"},
		&cli.StringFlag{Name: "token", Usage: "Source token (v2/v3)"},
	}
}

func jobFlags() []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{Name: "job", Aliases: []string{"j"}, Usage: "Path to a TOML job file"},
		&cli.StringFlag{Name: "source-url", Usage: "Source InfluxDB URL"},
		&cli.StringFlag{Name: "source-database", Usage: "Source database or bucket"},
		&cli.IntFlag{Name: "source-version", Usage: "Source InfluxDB major version (1, 2 or 3)"},
		&cli.StringFlag{Name: "source-org", Usage: "Source organization (v2)"},
		&cli.StringFlag{Name: "dest-database", Usage: "Destination database (defaults to the source name)"},
		&cli.StringFlag{Name: "start", Usage: "Only import rows at or after this timestamp"},
		&cli.StringFlag{Name: "end", Usage: "Only import rows before this timestamp"},
		&cli.StringFlag{Name: "tables", Usage: "Dot-separated list of measurements to import"},
		&cli.StringFlag{Name: "direction", Usage: "oldest_first or newest_first"},
		&cli.IntFlag{Name: "batch-size", Usage: "Target rows per destination write"},
		&cli.IntFlag{Name: "interval-ms", Usage: "Delay between source queries in milliseconds"},
		&cli.BoolFlag{Name: "dry-run", Usage: "Scan and estimate without writing"},
	}, credentialFlags()...)
}

// jobFromFlags builds the request-equivalent import parameters from CLI
// flags; config.Resolve layers them over the job file and environment.
func jobFromFlags(c *cli.Context) *config.ImportConfig {
	return &config.ImportConfig{
		SourceURL:       c.String("source-url"),
		SourceDatabase:  c.String("source-database"),
		InfluxDBVersion: c.Int("source-version"),
		SourceOrg:       c.String("source-org"),
		SourceUsername:  c.String("username"),
		SourcePassword:  c.String("password"),
		SourceToken:     c.String("token"),
		DestDatabase:    c.String("dest-database"),
		StartTimestamp:  c.String("start"),
		EndTimestamp:    c.String("end"),
		TableFilter:     config.ParseTableFilter(c.String("tables")),
		ImportDirection: c.String("direction"),
		TargetBatchSize: c.Int("batch-size"),
		QueryIntervalMS: c.Int("interval-ms"),
		DryRun:          c.Bool("dry-run"),
		ConfigFile:      c.String("job"),
	}
}

// setup loads the service configuration, configures logging, and opens the
// destination and state store.
func setup(c *cli.Context) (*config.Config, *target.Client, state.Store, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if lvl, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(lvl)
	}
	logging.SetFormat(cfg.LogFormat)

	dest, err := target.New(cfg.Destination)
	if err != nil {
		return nil, nil, nil, err
	}

	var store state.Store
	switch cfg.State.Backend {
	case "sqlite":
		store, err = state.NewSQLiteStore(cfg.State.Path)
		if err != nil {
			dest.Close()
			return nil, nil, nil, err
		}
	default:
		store = state.NewMeasurementStore(dest, cfg.Destination.Database)
	}
	return cfg, dest, store, nil
}

// loadSecrets reads the optional secrets file. A missing file just means no
// stored credentials and no Slack notifications; anything else (loose
// permissions, bad YAML) is worth a warning.
func loadSecrets() *secrets.Config {
	sec, err := secrets.Load()
	if err != nil {
		var nf *secrets.NotFoundError
		if !errors.As(err, &nf) {
			logging.Warn("secrets: %v", err)
		}
		return &secrets.Config{}
	}
	return sec
}

// fillCredentials backfills source credentials from the secrets file when
// neither flags nor environment supplied any.
func fillCredentials(cfg *config.ImportConfig, sec *secrets.Config) {
	if cfg.HasCredentials() {
		return
	}
	cfg.SourceToken = sec.Source.Token
	cfg.SourceUsername = sec.Source.Username
	cfg.SourcePassword = sec.Source.Password
}

// signalContext cancels on SIGINT/SIGTERM; the copy loop persists a
// checkpoint and stops at the next batch boundary.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted. Saving checkpoint...")
		cancel()
	}()
	return ctx, cancel
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runServe(c *cli.Context) error {
	cfg, dest, store, err := setup(c)
	if err != nil {
		return err
	}
	defer dest.Close()
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	notifier := notify.New(&loadSecrets().Notifications.Slack)
	return server.New(cfg, dest, store, notifier).Run(ctx)
}

func runImport(c *cli.Context) error {
	cfg, dest, store, err := setup(c)
	if err != nil {
		return err
	}
	defer dest.Close()
	defer store.Close()

	job, err := config.Resolve(jobFromFlags(c), cfg.Defaults)
	if err != nil {
		return err
	}
	sec := loadSecrets()
	fillCredentials(job, sec)
	if err := job.Validate(); err != nil {
		return err
	}

	src, err := source.New(job)
	if err != nil {
		return err
	}

	im := importer.New(job, src, dest, store)
	im.SetNotifier(notify.New(&sec.Notifications.Slack))
	if !job.DryRun {
		im.SetProgressSink(progress.New())
		fmt.Printf("Import id: %s\n", im.ID())
	}

	ctx, cancel := signalContext()
	defer cancel()

	report, err := im.Start(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func resumeImport(c *cli.Context) error {
	_, dest, store, err := setup(c)
	if err != nil {
		return err
	}
	defer dest.Close()
	defer store.Close()

	creds := config.Merge(config.FromEnv(), &config.ImportConfig{
		SourceUsername: c.String("username"),
		SourcePassword: c.String("password"),
		SourceToken:    c.String("token"),
	})
	sec := loadSecrets()
	fillCredentials(creds, sec)

	ctx, cancel := signalContext()
	defer cancel()

	report, err := importer.Resume(ctx, c.String("id"), creds, dest, store, notify.New(&sec.Notifications.Slack))
	if err != nil {
		return err
	}
	return printJSON(report)
}

func showStatus(c *cli.Context) error {
	_, dest, store, err := setup(c)
	if err != nil {
		return err
	}
	defer dest.Close()
	defer store.Close()

	js, err := importer.Status(context.Background(), store, c.String("id"))
	if err != nil {
		return err
	}
	return printJSON(js)
}

func pauseImport(c *cli.Context) error {
	_, dest, store, err := setup(c)
	if err != nil {
		return err
	}
	defer dest.Close()
	defer store.Close()

	if err := state.RequestPause(context.Background(), store, c.String("id")); err != nil {
		return err
	}
	fmt.Printf("Pause requested for import %s\n", c.String("id"))
	return nil
}

func cancelImport(c *cli.Context) error {
	_, dest, store, err := setup(c)
	if err != nil {
		return err
	}
	defer dest.Close()
	defer store.Close()

	if err := importer.Cancel(context.Background(), store, c.String("id")); err != nil {
		return err
	}
	fmt.Printf("Import %s cancelled\n", c.String("id"))
	return nil
}

// sourceOnly builds a source client from flags without touching the
// destination; listing commands do not need it.
func sourceOnly(c *cli.Context, needDB bool) (*source.Client, *config.ImportConfig, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	job, err := config.Resolve(jobFromFlags(c), cfg.Defaults)
	if err != nil {
		return nil, nil, err
	}
	fillCredentials(job, loadSecrets())
	if !needDB && job.SourceDatabase == "" {
		job.SourceDatabase = "_none"
	}
	if err := job.Validate(); err != nil {
		return nil, nil, err
	}
	src, err := source.New(job)
	if err != nil {
		return nil, nil, err
	}
	return src, job, nil
}

func listDatabases(c *cli.Context) error {
	src, _, err := sourceOnly(c, false)
	if err != nil {
		return err
	}
	dbs, err := src.Databases(context.Background())
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"databases": dbs})
}

func listTables(c *cli.Context) error {
	src, job, err := sourceOnly(c, true)
	if err != nil {
		return err
	}
	tables, err := src.Tables(context.Background(), job.SourceDatabase)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"database": job.SourceDatabase,
		"tables":   tables,
	})
}

func testConnection(c *cli.Context) error {
	httpc := &http.Client{Timeout: 10 * time.Second}
	result := source.Probe(context.Background(), c.String("url"), httpc)
	return printJSON(result)
}
