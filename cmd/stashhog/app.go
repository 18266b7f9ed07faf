package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/stashhog/stashhog/bus"
	"github.com/stashhog/stashhog/config"
	"github.com/stashhog/stashhog/daemon"
	"github.com/stashhog/stashhog/handlers"
	"github.com/stashhog/stashhog/jobs"
	"github.com/stashhog/stashhog/observe"
	"github.com/stashhog/stashhog/plan"
	"github.com/stashhog/stashhog/stash"
	"github.com/stashhog/stashhog/storage"
	synccoord "github.com/stashhog/stashhog/sync"
	"github.com/stashhog/stashhog/task"
)

// App wires together the storage, event, job, plan, sync, and daemon
// subsystems behind one HTTP listener.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *storage.Store
	hub         *bus.Hub
	runner      *task.Runner
	metrics     *observe.Metrics
	jobs        *jobs.Service
	stash       *stash.Client
	plans       *plan.Manager
	coordinator *synccoord.Coordinator
	supervisor  *daemon.Supervisor

	server *http.Server
}

// NewApp builds the application from validated configuration. Nothing
// is started yet; Start owns the lifecycle.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	store, err := storage.Open(cfg.Database.Path, logger,
		storage.WithBusyTimeout(cfg.Database.BusyTimeoutMs))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	hub := bus.NewHub(bus.WithLogger(logger))
	metrics := observe.NewMetrics(nil)
	runner := task.NewRunner(cfg.Jobs.Workers, logger)
	service := jobs.NewService(store.Jobs, runner, hub,
		jobs.WithLogger(logger), jobs.WithMetrics(metrics))

	retry := stash.DefaultRetryConfig()
	if cfg.Stash.MaxRetries > 0 {
		retry.MaxAttempts = cfg.Stash.MaxRetries
	}
	client := stash.New(cfg.Stash.URL,
		stash.WithAPIKey(cfg.Stash.APIKey),
		stash.WithTimeout(time.Duration(cfg.Stash.TimeoutSeconds)*time.Second),
		stash.WithRetryConfig(retry),
		stash.WithLogger(logger))

	plans := plan.NewManager(store.Plans, client, plan.WithLogger(logger))
	coordinator := synccoord.NewCoordinator(store.Sync, client,
		synccoord.WithTimezone(cfg.Stash.Timezone),
		synccoord.WithLogger(logger))

	registry := daemon.NewRegistry()
	registry.RegisterFactory(storage.DaemonTypeAutoStashSync, func(dc map[string]any) (daemon.Daemon, error) {
		return daemon.NewAutoStashSync(coordinator, dc)
	})
	registry.RegisterFactory(storage.DaemonTypeScheduler, func(dc map[string]any) (daemon.Daemon, error) {
		return daemon.NewScheduler(dc)
	})
	registry.RegisterFactory(storage.DaemonTypeDownloadsWatcher, func(dc map[string]any) (daemon.Daemon, error) {
		return daemon.NewDownloadsWatcher(dc)
	})
	registry.RegisterFactory(storage.DaemonTypeTest, func(dc map[string]any) (daemon.Daemon, error) {
		return daemon.NewTestDaemon(dc)
	})

	supervisor := daemon.NewSupervisor(store, service, hub, registry,
		daemon.WithLogger(logger),
		daemon.WithRunningGauge(metrics))

	app := &App{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		hub:         hub,
		runner:      runner,
		metrics:     metrics,
		jobs:        service,
		stash:       client,
		plans:       plans,
		coordinator: coordinator,
		supervisor:  supervisor,
	}

	if err := handlers.RegisterAll(service, handlers.Deps{
		Stash:         client,
		Plans:         plans,
		Coordinator:   coordinator,
		Store:         store,
		DownloadsDir:  cfg.Daemons.Downloads.Directory,
		DownloadGlobs: cfg.Daemons.Downloads.Patterns,
		Logger:        logger,
	}); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	return app, nil
}

// Start brings the subsystems up: interrupted-job sweep, daemon
// supervisor, and the HTTP listener.
func (a *App) Start(ctx context.Context) error {
	// Jobs left RUNNING by a previous process are unrecoverable; fail
	// them before anything new starts.
	swept, err := a.store.Jobs.MarkInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("sweep interrupted jobs: %w", err)
	}
	if swept > 0 {
		a.logger.Warn("Failed jobs interrupted by previous shutdown", "count", swept)
	}

	// Workers must be up before any daemon starts launching jobs.
	a.runner.Start(ctx)

	if err := a.supervisor.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize daemons: %w", err)
	}
	if err := a.applyDaemonConfig(ctx); err != nil {
		return fmt.Errorf("apply daemon config: %w", err)
	}

	addr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))
	mux := http.NewServeMux()
	mux.Handle("/ws", bus.ServeWS(a.hub, a.logger))
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.Handle("/metrics", a.metrics.Handler())
	a.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	go func() {
		if serveErr := a.server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			a.logger.Error("HTTP server stopped", "error", serveErr)
		}
	}()

	a.logger.Info("StashHog ready",
		"version", Version,
		"addr", addr,
		"database", a.cfg.Database.Path,
		"stash_url", a.cfg.Stash.URL)
	return nil
}

// applyDaemonConfig pushes the config file's daemon sections onto the
// seeded rows and starts the enabled ones.
func (a *App) applyDaemonConfig(ctx context.Context) error {
	enable := func(dt storage.DaemonType, enabled bool, dc storage.JSONMap) error {
		row, err := a.store.Daemons.GetByName(ctx, daemon.RowName(dt))
		if err != nil {
			return fmt.Errorf("daemon %s: %w", dt, err)
		}
		on := enabled
		if err := a.supervisor.UpdateConfig(ctx, row.ID, dc, &on, &on); err != nil {
			return fmt.Errorf("daemon %s: %w", dt, err)
		}
		if !enabled {
			return nil
		}
		if err := a.supervisor.Start(ctx, row.ID); err != nil && !errors.Is(err, daemon.ErrAlreadyRunning) {
			return fmt.Errorf("start daemon %s: %w", dt, err)
		}
		return nil
	}

	d := a.cfg.Daemons
	autoSync := d.AutoSync.Enabled
	if autoSync && !a.jobs.Registered(storage.JobTypeSync) {
		// Without a SYNC handler every tick would create a job that
		// immediately fails; keep the daemon disabled instead.
		a.logger.Warn("Auto stash sync enabled in config but no SYNC handler is registered; leaving it disabled")
		autoSync = false
	}
	if err := enable(storage.DaemonTypeAutoStashSync, autoSync, storage.JSONMap{
		"job_interval_seconds": d.AutoSync.IntervalMinutes * 60,
	}); err != nil {
		return err
	}

	entries := make([]any, 0, len(d.Scheduler.Entries))
	for _, e := range d.Scheduler.Entries {
		entries = append(entries, map[string]any{
			"cron":     e.Cron,
			"job_type": e.JobType,
			"params":   e.Params,
		})
	}
	if err := enable(storage.DaemonTypeScheduler, d.Scheduler.Enabled, storage.JSONMap{
		"entries": entries,
	}); err != nil {
		return err
	}

	patterns := make([]any, 0, len(d.Downloads.Patterns))
	for _, p := range d.Downloads.Patterns {
		patterns = append(patterns, p)
	}
	downloadsCfg := storage.JSONMap{
		"directory":      d.Downloads.Directory,
		"patterns":       patterns,
		"settle_seconds": d.Downloads.SettleSeconds,
	}
	return enable(storage.DaemonTypeDownloadsWatcher, d.Downloads.Enabled, downloadsCfg)
}

// handleHealthz reports per-daemon health as JSON. Any unhealthy
// daemon degrades the HTTP status to 503.
func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health, err := a.supervisor.Health(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	for _, h := range health {
		if h.State == daemon.HealthUnhealthy {
			code = http.StatusServiceUnavailable
			break
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  http.StatusText(code),
		"daemons": health,
	})
}

// Shutdown stops everything in dependency order: daemons first so they
// stop launching jobs, then the runner drains, then the event hub and
// listener close, and the database last.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.logger.Info("Shutting down")
	a.supervisor.StopAll(ctx)
	a.runner.Stop()
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP shutdown incomplete", "error", err)
		}
	}
	a.hub.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Database close failed", "error", err)
	}
	a.logger.Info("Shutdown complete")
}

// serve is the `stashhog serve` entry point: load config, build the
// app, run until SIGINT/SIGTERM.
func serve(configPath string) error {
	cfg, err := loadConfig(configPath, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		app.Shutdown(5 * time.Second)
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Signal received", "signal", sig.String())

	app.Shutdown(30 * time.Second)
	return nil
}
