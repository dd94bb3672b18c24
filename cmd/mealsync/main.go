// Command mealsync runs the offline-first sync daemon and its command line
// client.
//
// Usage:
//
//	mealsync run --config mealsync.toml
//	mealsync add weight 72.4
//	mealsync status
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/mealsync/internal/api"
	"github.com/clawinfra/mealsync/internal/cli"
	"github.com/clawinfra/mealsync/internal/config"
	"github.com/clawinfra/mealsync/internal/connectivity"
	"github.com/clawinfra/mealsync/internal/dispatch"
	"github.com/clawinfra/mealsync/internal/history"
	"github.com/clawinfra/mealsync/internal/offline"
	"github.com/clawinfra/mealsync/internal/scheduler"
	"github.com/clawinfra/mealsync/internal/storage"
	"github.com/clawinfra/mealsync/internal/syncproto"
	"github.com/clawinfra/mealsync/internal/types"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// Job ids registered by the daemon.
const (
	syncJobID  = "sync"
	probeJobID = "probe"
)

// App holds all the runtime components
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	LogLevel   *slog.LevelVar

	Store      storage.Store
	History    *history.Journal
	Client     *syncproto.Client
	Monitor    connectivity.Monitor
	Queue      *offline.Queue
	Reconciler *offline.Reconciler
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduler.Scheduler
	APIServer  *api.Server
	Watcher    *config.Watcher

	prober *connectivity.Prober
	mqtt   *connectivity.MQTTMonitor
	manual *connectivity.Manual
}

func main() {
	os.Exit(run())
}

func run() int {
	root := cli.NewRootCmd(fmt.Sprintf("%s (built %s)", version, buildTime), runDaemon)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// runDaemon is the body of `mealsync run`.
func runDaemon(ctx context.Context, configPath string) error {
	app, err := setup(configPath)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	defer app.close()

	printBanner(app)
	return app.serve(ctx)
}

// setup initializes all application components
func setup(configPath string) (*App, error) {
	app := &App{ConfigPath: configPath, LogLevel: new(slog.LevelVar)}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: app.LogLevel,
	}))

	app.Logger.Info("starting mealsync",
		"version", version,
		"config", configPath,
	)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg
	app.LogLevel.Set(parseLogLevel(cfg.Server.LogLevel))

	store, err := storage.Open(cfg.Storage.Backend, cfg.StoragePath())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	app.Store = store
	app.Logger.Info("queue storage ready", "backend", cfg.Storage.Backend, "path", cfg.StoragePath())

	journal, err := history.Open(store, history.DefaultLimit, app.Logger)
	if err != nil {
		store.Close() //nolint:errcheck
		return nil, fmt.Errorf("open sync history: %w", err)
	}
	app.History = journal

	app.Client = syncproto.NewClient(syncproto.Options{
		Endpoint:    cfg.Sync.Endpoint,
		AuthToken:   cfg.Sync.AuthToken,
		Timeout:     time.Duration(cfg.Sync.TimeoutSeconds) * time.Second,
		MaxAttempts: cfg.Sync.MaxAttempts,
	}, app.Logger)

	app.Monitor = app.newMonitor(cfg.Connectivity)

	q, err := offline.New(store, app.Client, app.Monitor, app.Logger)
	if err != nil {
		store.Close() //nolint:errcheck
		return nil, fmt.Errorf("create queue: %w", err)
	}
	app.Queue = q

	app.Reconciler = offline.NewReconciler(q, app.Monitor, app.Logger)
	app.Reconciler.OnSync = func(s types.Summary) {
		app.History.Record(history.TriggerReconnect, s, q.PendingCount())
		app.Logger.Info("reconnect sync finished", "success", s.Success, "synced", s.Synced, "errors", s.Errors)
	}

	app.Dispatcher = dispatch.New(q, app.Client, app.Monitor, app.Logger)

	app.Scheduler = scheduler.NewScheduler(&executor{app: app}, app.Logger)
	app.Scheduler.LoadJobs(app.jobs(cfg))

	app.APIServer = api.NewServer(cfg.Server.StatusPort, q, app.Dispatcher, app.Monitor, app.Scheduler, app.Logger)
	app.APIServer.SetHistory(journal)

	app.Watcher = config.NewWatcher(configPath, 2*time.Second, app.Logger, app.reloadConfig)

	return app, nil
}

func (app *App) newMonitor(cc config.ConnectivityConfig) connectivity.Monitor {
	switch cc.Mode {
	case config.ModeMQTT:
		app.mqtt = connectivity.NewMQTTMonitor(cc.MQTTBroker, cc.MQTTClientID, app.Logger)
		return app.mqtt
	case config.ModeManual:
		app.manual = connectivity.NewManual(true, app.Logger)
		return app.manual
	default:
		interval := time.Duration(cc.ProbeIntervalSeconds) * time.Second
		app.prober = connectivity.NewProber(cc.ProbeURL, interval, app.Logger)
		return app.prober
	}
}

// jobs builds the scheduled jobs for cfg: an explicit sync when a schedule
// or interval is configured, and the connectivity probe in probe mode.
func (app *App) jobs(cfg *config.Config) []*scheduler.Job {
	var jobs []*scheduler.Job
	if job := syncJob(cfg.Sync); job != nil {
		jobs = append(jobs, job)
	}
	if app.prober != nil {
		every := time.Duration(cfg.Connectivity.ProbeIntervalSeconds) * time.Second
		if every <= 0 {
			every = 15 * time.Second
		}
		jobs = append(jobs, &scheduler.Job{
			ID:       probeJobID,
			Name:     "connectivity probe",
			Schedule: scheduler.ScheduleConfig{Kind: scheduler.KindInterval, IntervalMs: every.Milliseconds()},
			Action:   scheduler.ActionConfig{Kind: scheduler.ActionProbe},
			Enabled:  true,
		})
	}
	return jobs
}

func syncJob(sc config.SyncConfig) *scheduler.Job {
	if sc.Schedule == "" && sc.IntervalSeconds <= 0 {
		return nil
	}
	return scheduler.SyncJob(syncJobID, sc.Schedule, time.Duration(sc.IntervalSeconds)*time.Second)
}

// serve runs every long-lived component until ctx is cancelled, a shutdown
// signal arrives, or one of them fails.
func (app *App) serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	// Subscribe before the first probe so its online edge triggers a sync.
	app.Reconciler.Start(gctx)
	defer app.Reconciler.Stop()

	switch {
	case app.mqtt != nil:
		if err := app.mqtt.Start(); err != nil {
			app.Logger.Warn("mqtt monitor failed to connect", "error", err)
		}
		defer app.mqtt.Stop()
	case app.prober != nil:
		app.prober.Probe(gctx)
	case app.manual != nil && app.Queue.PendingCount() > 0:
		// Manual mode starts online without an edge.
		go func() {
			s := app.Queue.Sync(gctx)
			app.History.Record(history.TriggerReconnect, s, app.Queue.PendingCount())
		}()
	}

	if err := app.Scheduler.Start(gctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer app.Scheduler.Stop()

	app.Watcher.Start(gctx)
	defer app.Watcher.Stop()

	g.Go(func() error {
		if err := app.APIServer.Start(gctx); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		waitForShutdown(gctx, app)
		cancel()
		return nil
	})

	err := g.Wait()
	app.Logger.Info("mealsync stopped", "pending", app.Queue.PendingCount())
	return err
}

func (app *App) close() {
	if app.Store != nil {
		if err := app.Store.Close(); err != nil {
			app.Logger.Error("close storage", "error", err)
		}
	}
}

// reloadConfig applies hot-reloadable fields after the config file changes.
func (app *App) reloadConfig() {
	result, err := app.Config.Reload(app.ConfigPath)
	if err != nil {
		app.Logger.Error("config reload failed", "error", err)
		return
	}
	result.LogResult(app.Logger)

	config.RLock()
	logLevel := app.Config.Server.LogLevel
	sc := app.Config.Sync
	config.RUnlock()

	if result.HasApplied("Server.LogLevel") {
		app.LogLevel.Set(parseLogLevel(logLevel))
	}
	if result.HasApplied("Sync.AuthToken") {
		app.Client.SetAuthToken(sc.AuthToken)
	}
	if result.HasApplied("Sync.TimeoutSeconds") || result.HasApplied("Sync.MaxAttempts") {
		app.Client.SetLimits(time.Duration(sc.TimeoutSeconds)*time.Second, sc.MaxAttempts)
	}
	if result.HasApplied("Sync.Schedule") || result.HasApplied("Sync.IntervalSeconds") {
		app.rescheduleSync(sc)
	}
}

func (app *App) rescheduleSync(sc config.SyncConfig) {
	if err := app.Scheduler.RemoveJob(syncJobID); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
		app.Logger.Warn("remove sync job", "error", err)
	}
	job := syncJob(sc)
	if job == nil {
		app.Logger.Info("scheduled sync disabled")
		return
	}
	if err := app.Scheduler.AddJob(job); err != nil {
		app.Logger.Error("reschedule sync job", "error", err)
		return
	}
	app.Logger.Info("sync job rescheduled", "kind", job.Schedule.Kind, "expr", job.Schedule.Expr, "intervalMs", job.Schedule.IntervalMs)
}

// executor adapts the queue and monitor to scheduled job actions.
type executor struct {
	app *App
}

func (e *executor) Sync(ctx context.Context) error {
	s := e.app.Queue.Sync(ctx)
	pending := e.app.Queue.PendingCount()
	e.app.History.Record(history.TriggerSchedule, s, pending)
	if !s.Success {
		return fmt.Errorf("sync failed, %d actions still pending", pending)
	}
	return nil
}

func (e *executor) Probe(ctx context.Context) error {
	if e.app.prober == nil {
		return nil
	}
	if !e.app.prober.Probe(ctx) {
		return errors.New("authority unreachable")
	}
	return nil
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			if err := os.MkdirAll(cfg.Server.DataDir, 0o750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner displays the startup banner
func printBanner(app *App) {
	fmt.Println()
	fmt.Printf("  mealsync v%s\n", version)
	fmt.Printf("  API:          http://127.0.0.1:%d\n", app.Config.Server.StatusPort)
	fmt.Printf("  Authority:    %s\n", app.Config.Sync.Endpoint)
	fmt.Printf("  Connectivity: %s\n", app.Config.Connectivity.Mode)
	fmt.Printf("  Pending:      %d actions\n", app.Queue.PendingCount())
	fmt.Println()
}
