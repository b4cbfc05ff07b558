package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aditya/fimwatch/pkg/admin"
	"github.com/aditya/fimwatch/pkg/backup"
	"github.com/aditya/fimwatch/pkg/config"
	"github.com/aditya/fimwatch/pkg/events"
	"github.com/aditya/fimwatch/pkg/hasher"
	"github.com/aditya/fimwatch/pkg/monitoring"
	"github.com/aditya/fimwatch/pkg/pathmatch"
	"github.com/aditya/fimwatch/pkg/store"
	"github.com/aditya/fimwatch/pkg/supervisor"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	metricsLogInterval = 30 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// flagKeys maps configuration keys to the command-line flags that override
// them. Flags missing from a command are skipped.
var flagKeys = map[string]string{
	"log.level":       "log-level",
	"data_dir":        "data-dir",
	"store.driver":    "store",
	"watch.exclude":   "exclude",
	"watch.recursive": "recursive",
	"scan_interval":   "scan-interval",
	"admin.port":      "admin-port",
	"monitor.port":    "monitor-port",
}

// loadConfig builds the configuration from defaults, the --config file,
// FIMWATCH_* environment variables and the flags of cmd.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v := viper.New()
	flags := cmd.Flags()
	for key, name := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return config.Config{}, fmt.Errorf("binding flag %s: %w", name, err)
		}
	}

	file, _ := flags.GetString("config")
	return config.Load(v, file)
}

// setupLogger creates the process logger. When cfg.File is set, output is
// also written to a rotated log file and the returned closer is non-nil.
func setupLogger(cfg config.LogConfig) (*logrus.Logger, io.Closer) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.File == "" {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
		return logger, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: true,
	})
	logger.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return logger, rotator
}

// Application represents the main application with all components.
type Application struct {
	config    config.Config
	logger    *logrus.Logger
	logCloser io.Closer

	store       store.Store
	metrics     *monitoring.Metrics
	stream      *events.Stream
	engine      *backup.Engine
	supervisor  *supervisor.Supervisor
	monitor     *monitoring.Monitor
	adminServer *admin.Server
}

// NewApplication creates a new application instance with all components.
// logger may be nil, in which case one is built from cfg.Log.
func NewApplication(cfg config.Config, logger *logrus.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{config: cfg, logger: logger}
	if app.logger == nil {
		app.logger, app.logCloser = setupLogger(cfg.Log)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		app.Close()
		return nil, fmt.Errorf("initializing components: %w", err)
	}

	return app, nil
}

// initializeComponents sets up all application components.
func (app *Application) initializeComponents() error {
	cfg := app.config
	var err error

	app.store, err = store.Open(store.Config{Driver: cfg.Store.Driver, Path: cfg.Store.Path})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	h, err := hasher.New(cfg.Hash.Algorithm, hasher.WithMaxFileSize(cfg.Hash.MaxFileSize))
	if err != nil {
		return err
	}

	exclude, err := pathmatch.Compile(cfg.Watch.Exclude)
	if err != nil {
		return err
	}
	exclude = exclude.WithReserved(reservedPaths(cfg)...)

	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = "fimwatch"
	}
	app.metrics = monitoring.NewMetrics(instance, app.logger)
	app.stream = events.NewStream(events.DefaultCapacity)

	app.engine, err = backup.NewEngine(backup.Config{
		Store:     app.store,
		Hasher:    h,
		Exclude:   exclude,
		Root:      cfg.Backup.Root,
		Retention: cfg.Backup.Retention,
		Logger:    app.logger,
		Metrics:   app.metrics,
	})
	if err != nil {
		return fmt.Errorf("creating backup engine: %w", err)
	}

	app.supervisor, err = supervisor.New(supervisor.Config{
		Store:           app.store,
		Hasher:          h,
		Backup:          app.engine,
		Sink:            app.stream,
		Exclude:         exclude,
		PoolSize:        cfg.Pool.Size,
		HashTimeout:     cfg.Hash.Timeout,
		BaselineTimeout: cfg.Baseline.Timeout,
		BackupCooldown:  cfg.Backup.Cooldown,
		CacheTTL:        cfg.Hash.CacheTTL,
		DedupWindow:     cfg.Dedup.Window,
		Logger:          app.logger,
		Metrics:         app.metrics,
	})
	if err != nil {
		return fmt.Errorf("creating supervisor: %w", err)
	}

	app.monitor = monitoring.NewMonitor(app.metrics, app.supervisor, app.logger)
	app.monitor.EnableDashboard(app.supervisor)
	app.adminServer = admin.NewServer(app.supervisor, cfg.Admin.Port, app.logger)
	return nil
}

// reservedPaths lists the files and directories fimwatch writes itself.
// They are never monitored, even when a root contains them.
func reservedPaths(cfg config.Config) []string {
	paths := []string{cfg.DataDir, cfg.Backup.Root, cfg.Log.File}
	if cfg.Store.Path != "" {
		paths = append(paths, cfg.Store.Path)
		for _, suffix := range []string{"-journal", "-wal", "-shm"} {
			paths = append(paths, cfg.Store.Path+suffix)
		}
	}
	return paths
}

// Run starts a monitoring session over opts and blocks until ctx is done.
// Changes are written as JSON lines to changes when it is non-nil.
func (app *Application) Run(ctx context.Context, opts supervisor.StartOptions, changes io.Writer) error {
	app.logger.Infof("🚀 Starting fimwatch %s", version)

	if err := app.adminServer.Start(); err != nil {
		return err
	}
	httpServer := app.monitor.StartHTTPServer(app.config.Monitor.Port)
	app.monitor.LogMetrics(ctx, metricsLogInterval)

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		app.consumeChanges(changes)
	}()

	report, err := app.supervisor.Start(ctx, opts)
	if err != nil {
		app.shutdown(httpServer, consumerDone)
		return fmt.Errorf("starting monitor: %w", err)
	}
	for _, msg := range report.Errors() {
		app.logger.Warnf("⚠️  Root not monitored: %s", msg)
	}
	app.logger.Infof("✅ Watching %d root(s), %d baselined only", len(report.Watching), len(report.Skipped))
	app.logger.Infof("🔧 Admin: %s", app.adminServer.Addr())

	<-ctx.Done()
	app.logger.Info("🛑 Shutting down...")
	return app.shutdown(httpServer, consumerDone)
}

// consumeChanges drains the change stream until it is closed.
func (app *Application) consumeChanges(w io.Writer) {
	var enc *json.Encoder
	if w != nil {
		enc = json.NewEncoder(w)
	}
	for {
		change, ok, err := app.stream.Next(context.Background())
		if err != nil || !ok {
			return
		}
		app.logger.WithFields(logrus.Fields{
			"id":   change.ID,
			"kind": change.Kind,
			"path": change.Path,
		}).Debug("Change delivered")
		if enc != nil {
			if err := enc.Encode(change); err != nil {
				app.logger.WithError(err).Warn("Failed to write change")
			}
		}
	}
}

func (app *Application) shutdown(httpServer *http.Server, consumerDone <-chan struct{}) error {
	err := app.supervisor.Stop()
	if stopErr := app.adminServer.Stop(); stopErr != nil {
		app.logger.WithError(stopErr).Warn("Admin server did not stop cleanly")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if stopErr := httpServer.Shutdown(ctx); stopErr != nil {
		app.logger.WithError(stopErr).Warn("Monitoring server did not stop cleanly")
	}

	app.stream.Close()
	<-consumerDone
	return err
}

// Close releases the store and the log file.
func (app *Application) Close() error {
	var err error
	if app.store != nil {
		err = app.store.Close()
	}
	if app.logCloser != nil {
		app.logCloser.Close()
	}
	return err
}

// operator returns the supervisor commands run against: a running monitor
// when --admin-addr is set, otherwise a local application. The returned
// cleanup function must be called when done.
func operator(cmd *cobra.Command) (admin.Supervisor, func(), error) {
	if addr, _ := cmd.Flags().GetString("admin-addr"); addr != "" {
		return admin.NewClient(addr), func() {}, nil
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	app, err := NewApplication(cfg, nil)
	if err != nil {
		return nil, nil, err
	}
	return app.supervisor, func() { app.Close() }, nil
}

// printJSON writes v to the command's output as indented JSON.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
