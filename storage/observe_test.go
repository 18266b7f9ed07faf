package storage

import (
	"context"
	"testing"
	"time"
)

func TestObservabilityErrorCoalescing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	window := 24 * time.Hour

	first, err := s.Observe.RecordError(ctx, "d1", "upstream", "connection refused", window)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first.OccurrenceCount != 1 {
		t.Errorf("expected count 1, got %d", first.OccurrenceCount)
	}

	second, err := s.Observe.RecordError(ctx, "d1", "upstream", "connection refused", window)
	if err != nil {
		t.Fatalf("record repeat: %v", err)
	}
	if second.ID != first.ID {
		t.Error("expected repeat coalesced into the same row")
	}
	if second.OccurrenceCount != 2 {
		t.Errorf("expected count 2, got %d", second.OccurrenceCount)
	}

	// Different message starts a new row.
	other, err := s.Observe.RecordError(ctx, "d1", "upstream", "timeout", window)
	if err != nil {
		t.Fatalf("record other: %v", err)
	}
	if other.ID == first.ID {
		t.Error("different message must not coalesce")
	}

	// Outside the window a new row is started too.
	stale := utcNow().Add(-25 * time.Hour)
	if _, err := s.DB().Exec(`UPDATE daemon_error SET last_seen = ? WHERE id = ?`, stale, first.ID); err != nil {
		t.Fatalf("age row: %v", err)
	}
	fresh, err := s.Observe.RecordError(ctx, "d1", "upstream", "connection refused", window)
	if err != nil {
		t.Fatalf("record after window: %v", err)
	}
	if fresh.ID == first.ID {
		t.Error("expected new row outside the coalescing window")
	}
	if fresh.OccurrenceCount != 1 {
		t.Errorf("expected fresh count 1, got %d", fresh.OccurrenceCount)
	}
}

func TestObservabilityStatusRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Observe.InsertJobAction(ctx, "d1", "job-1", JobActionLaunched, nil); err != nil {
		t.Fatalf("job action: %v", err)
	}
	if _, err := s.Observe.InsertLog(ctx, "d1", LogLevelWarning, "slow upstream"); err != nil {
		t.Fatalf("log: %v", err)
	}
	if _, err := s.Observe.RecordError(ctx, "d1", "upstream", "boom", 24*time.Hour); err != nil {
		t.Fatalf("error: %v", err)
	}

	row, err := s.Observe.UpsertStatus(ctx, "d1", "syncing scenes")
	if err != nil {
		t.Fatalf("upsert status: %v", err)
	}
	if row.JobsLaunched24h != 1 || row.Errors24h != 1 || row.Warnings24h != 1 {
		t.Errorf("unexpected counters: %+v", row)
	}
	if row.HealthScore != 88 {
		t.Errorf("expected health 88, got %v", row.HealthScore)
	}

	// Second upsert updates in place.
	row2, err := s.Observe.UpsertStatus(ctx, "d1", "idle")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if row2.CurrentActivity != "idle" {
		t.Errorf("expected activity updated, got %q", row2.CurrentActivity)
	}
	got, err := s.Observe.GetStatus(ctx, "d1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if got.CurrentActivity != "idle" {
		t.Errorf("expected single row updated in place, got %q", got.CurrentActivity)
	}
}

func TestObservabilityPruneLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Observe.InsertLog(ctx, "d1", LogLevelInfo, "old line"); err != nil {
		t.Fatalf("log: %v", err)
	}
	stale := utcNow().Add(-72 * time.Hour)
	if _, err := s.DB().Exec(`UPDATE daemon_log SET created_at = ?`, stale); err != nil {
		t.Fatalf("age rows: %v", err)
	}
	if _, err := s.Observe.InsertLog(ctx, "d1", LogLevelInfo, "fresh line"); err != nil {
		t.Fatalf("log: %v", err)
	}

	n, err := s.Observe.PruneLogs(ctx, 48*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	logs, err := s.Observe.ListLogs(ctx, "d1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "fresh line" {
		t.Errorf("unexpected remaining logs: %+v", logs)
	}
}
