package storage

import (
	"context"
	"errors"
	"testing"
)

func TestDaemonStoreCreateAndUniqueName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.Daemons.Create(ctx, &Daemon{
		Name: "auto_stash_sync", Type: DaemonTypeAutoStashSync,
		Configuration: JSONMap{"job_interval_seconds": float64(60)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.ID == "" {
		t.Error("expected generated id")
	}
	if d.Status != DaemonStatusStopped {
		t.Errorf("expected STOPPED, got %s", d.Status)
	}

	_, err = s.Daemons.Create(ctx, &Daemon{Name: "auto_stash_sync", Type: DaemonTypeAutoStashSync})
	if !errors.Is(err, ErrDuplicateName) {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}
}

func TestDaemonStoreStatusAndHeartbeat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.Daemons.Create(ctx, &Daemon{Name: "test_daemon", Type: DaemonTypeTest})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	started := utcNow()
	if err := s.Daemons.UpdateStatus(ctx, d.ID, DaemonStatusRunning, &started); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := s.Daemons.UpdateHeartbeat(ctx, d.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	got, err := s.Daemons.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != DaemonStatusRunning || got.StartedAt == nil || got.LastHeartbeat == nil {
		t.Errorf("unexpected daemon state: %+v", got)
	}

	// Stop clears started_at.
	if err := s.Daemons.UpdateStatus(ctx, d.ID, DaemonStatusStopped, nil); err != nil {
		t.Fatalf("to stopped: %v", err)
	}
	got, err = s.Daemons.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != DaemonStatusStopped || got.StartedAt != nil {
		t.Errorf("expected stopped with cleared start, got %+v", got)
	}
}

func TestDaemonStoreAutoStartListing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Daemons.Create(ctx, &Daemon{Name: "a", Type: DaemonTypeTest, Enabled: true, AutoStart: true}); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := s.Daemons.Create(ctx, &Daemon{Name: "b", Type: DaemonTypeTest, Enabled: true, AutoStart: false}); err != nil {
		t.Fatalf("create b: %v", err)
	}
	if _, err := s.Daemons.Create(ctx, &Daemon{Name: "c", Type: DaemonTypeTest, Enabled: false, AutoStart: true}); err != nil {
		t.Fatalf("create c: %v", err)
	}

	auto, err := s.Daemons.ListAutoStart(ctx)
	if err != nil {
		t.Fatalf("list auto-start: %v", err)
	}
	if len(auto) != 1 || auto[0].Name != "a" {
		t.Errorf("expected only enabled auto-start daemon, got %+v", auto)
	}
}

func TestDaemonStoreUpdateConfig(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.Daemons.Create(ctx, &Daemon{Name: "sched", Type: DaemonTypeScheduler})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enabled := true
	if err := s.Daemons.UpdateConfig(ctx, d.ID, JSONMap{"entries": []any{}}, &enabled, nil); err != nil {
		t.Fatalf("update config: %v", err)
	}
	got, err := s.Daemons.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Enabled {
		t.Error("expected enabled flag persisted")
	}
	if got.AutoStart {
		t.Error("auto_start must be untouched when nil")
	}
	if _, ok := got.Configuration["entries"]; !ok {
		t.Errorf("expected configuration persisted, got %v", got.Configuration)
	}
}
