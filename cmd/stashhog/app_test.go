package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stashhog/stashhog/config"
	"github.com/stashhog/stashhog/daemon"
	"github.com/stashhog/stashhog/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "stashhog.db")
	// Port 0 lets the kernel pick; tests never dial the listener
	// directly.
	cfg.Server.Port = 0
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppStartShutdown(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(cfg, quietLogger())
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}

	// Every daemon type gets a seeded row.
	for _, dt := range []storage.DaemonType{
		storage.DaemonTypeAutoStashSync,
		storage.DaemonTypeScheduler,
		storage.DaemonTypeDownloadsWatcher,
		storage.DaemonTypeTest,
	} {
		if _, err := app.store.Daemons.GetByName(ctx, daemon.RowName(dt)); err != nil {
			t.Errorf("daemon row %s not seeded: %v", dt, err)
		}
	}

	// All handlers in the closed set are registered except the sync
	// family, which waits for an Ingest collaborator.
	if !app.jobs.Registered(storage.JobTypeCleanup) {
		t.Error("CLEANUP handler not registered")
	}
	if !app.jobs.Registered(storage.JobTypeApplyPlan) {
		t.Error("APPLY_PLAN handler not registered")
	}
	if app.jobs.Registered(storage.JobTypeSync) {
		t.Error("SYNC handler registered without an ingester")
	}

	app.Shutdown(5 * time.Second)
}

func TestAppStartRunsSubmittedJobs(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(cfg, quietLogger())
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}
	defer app.Shutdown(5 * time.Second)

	// A job submitted through the wired service must reach a worker;
	// only Start brings the pool up, so a stalled PENDING job here
	// means the composition root never started the runner.
	job, err := app.jobs.CreateJob(ctx, storage.JobTypeTest,
		storage.JSONMap{"steps": 2, "step_delay_ms": 1}, nil)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := app.store.Jobs.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("failed to load job: %v", err)
		}
		if got.Status == storage.JobStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed, status %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAppAutoSyncRefusedWithoutSyncHandler(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemons.AutoSync.Enabled = true
	cfg.Daemons.AutoSync.IntervalMinutes = 1

	app, err := NewApp(cfg, quietLogger())
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}
	defer app.Shutdown(5 * time.Second)

	// No Ingest collaborator means no SYNC handler, so the auto sync
	// daemon must stay down instead of ticking out jobs that fail on
	// arrival.
	row, err := app.store.Daemons.GetByName(ctx, daemon.RowName(storage.DaemonTypeAutoStashSync))
	if err != nil {
		t.Fatalf("failed to load daemon row: %v", err)
	}
	if row.Enabled {
		t.Error("auto sync left enabled without a SYNC handler")
	}
	if row.Status == storage.DaemonStatusRunning {
		t.Error("auto sync running without a SYNC handler")
	}
}

func TestAppSweepsInterruptedJobs(t *testing.T) {
	cfg := testConfig(t)
	logger := quietLogger()

	// Leave a RUNNING job behind, as a crashed process would.
	store, err := storage.Open(cfg.Database.Path, logger)
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Jobs.Create(ctx, "stale-1", storage.JobTypeTest, nil, nil); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if _, err := store.Jobs.UpdateStatus(ctx, "stale-1", storage.JobStatusRunning, storage.StatusUpdate{}); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close storage: %v", err)
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}
	defer app.Shutdown(5 * time.Second)

	job, err := app.store.Jobs.Get(ctx, "stale-1")
	if err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	if job.Status != storage.JobStatusFailed {
		t.Errorf("expected interrupted job FAILED, got %s", job.Status)
	}
}

func TestHealthzReportsDaemons(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(cfg, quietLogger())
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("failed to start app: %v", err)
	}
	defer app.Shutdown(5 * time.Second)

	rec := httptest.NewRecorder()
	app.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	// Nothing is enabled, so everything reports stopped and the
	// endpoint stays 200.
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}
}
