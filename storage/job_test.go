package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"
)

func TestJobStoreCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := uuid.New().String()
	created, err := s.Jobs.Create(ctx, id, JobTypeSync, JSONMap{"force": false}, JSONMap{"origin": "test"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != JobStatusPending {
		t.Errorf("expected status PENDING, got %s", created.Status)
	}

	got, err := s.Jobs.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != JobTypeSync {
		t.Errorf("expected type SYNC, got %s", got.Type)
	}
	if got.Parameters["force"] != false {
		t.Errorf("expected parameters preserved, got %v", got.Parameters)
	}
	if got.Metadata["origin"] != "test" {
		t.Errorf("expected metadata preserved, got %v", got.Metadata)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Error("expected no start/completion stamps on a new job")
	}

	if _, err := s.Jobs.Get(ctx, "missing"); err == nil {
		t.Error("expected ErrNotFound for missing job")
	}
}

func TestJobStoreUpdateStatusStamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := uuid.New().String()
	if _, err := s.Jobs.Create(ctx, id, JobTypeAnalysis, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	running, err := s.Jobs.UpdateStatus(ctx, id, JobStatusRunning, StatusUpdate{})
	if err != nil {
		t.Fatalf("to running: %v", err)
	}
	if running.StartedAt == nil {
		t.Fatal("expected started_at stamped on first RUNNING")
	}
	firstStart := *running.StartedAt

	// A second RUNNING update must not move started_at.
	running, err = s.Jobs.UpdateStatus(ctx, id, JobStatusRunning, StatusUpdate{Progress: intPtr(50)})
	if err != nil {
		t.Fatalf("second running: %v", err)
	}
	if !running.StartedAt.Equal(firstStart) {
		t.Error("expected started_at unchanged on repeat RUNNING")
	}
	if running.Progress != 50 {
		t.Errorf("expected progress 50, got %d", running.Progress)
	}

	done, err := s.Jobs.UpdateStatus(ctx, id, JobStatusCompleted, StatusUpdate{
		Result: JSONMap{"items": 3}, Message: strPtr("done"),
	})
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected completed_at stamped on terminal status")
	}
	if done.StartedAt.After(*done.CompletedAt) {
		t.Error("expected started_at <= completed_at")
	}
	if done.LastMessage() != "done" {
		t.Errorf("expected last message recorded, got %q", done.LastMessage())
	}
}

func TestJobStoreTerminalIsMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := uuid.New().String()
	if _, err := s.Jobs.Create(ctx, id, JobTypeTest, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Jobs.UpdateStatus(ctx, id, JobStatusFailed, StatusUpdate{Error: strPtr("boom")}); err != nil {
		t.Fatalf("to failed: %v", err)
	}

	for _, next := range []JobStatus{JobStatusRunning, JobStatusCompleted, JobStatusCancelled, JobStatusPending} {
		got, err := s.Jobs.UpdateStatus(ctx, id, next, StatusUpdate{})
		if err != nil {
			t.Fatalf("update to %s: %v", next, err)
		}
		if got.Status != JobStatusFailed {
			t.Errorf("terminal job moved to %s", got.Status)
		}
	}
}

// Terminal monotonicity under arbitrary status sequences.
func TestJobStoreStatusSequences(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	statuses := []JobStatus{
		JobStatusPending, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusCancelling, JobStatusCancelled,
	}

	rapid.Check(t, func(t *rapid.T) {
		id := uuid.New().String()
		if _, err := s.Jobs.Create(ctx, id, JobTypeTest, nil, nil); err != nil {
			t.Fatalf("create: %v", err)
		}
		var terminal JobStatus
		steps := rapid.IntRange(1, 12).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			next := statuses[rapid.IntRange(0, len(statuses)-1).Draw(t, "status")]
			progress := rapid.IntRange(-20, 140).Draw(t, "progress")
			job, err := s.Jobs.UpdateStatus(ctx, id, next, StatusUpdate{Progress: intPtr(progress)})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if job.Progress < 0 || job.Progress > 100 {
				t.Fatalf("progress out of bounds: %d", job.Progress)
			}
			if terminal != "" && job.Status != terminal {
				t.Fatalf("terminal status %s changed to %s", terminal, job.Status)
			}
			if terminal == "" && job.Status.Terminal() {
				terminal = job.Status
			}
		}
	})
}

func TestJobStoreUpdateProgressKeepsStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := uuid.New().String()
	if _, err := s.Jobs.Create(ctx, id, JobTypeStashScan, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Jobs.UpdateStatus(ctx, id, JobStatusRunning, StatusUpdate{}); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if _, err := s.Jobs.UpdateStatus(ctx, id, JobStatusCancelling, StatusUpdate{}); err != nil {
		t.Fatalf("to cancelling: %v", err)
	}

	job, err := s.Jobs.UpdateProgress(ctx, id, StatusUpdate{Progress: intPtr(80), Message: strPtr("winding down")})
	if err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if job.Status != JobStatusCancelling {
		t.Errorf("progress update changed status to %s", job.Status)
	}
	if job.Progress != 80 {
		t.Errorf("expected progress 80, got %d", job.Progress)
	}
}

func TestJobStoreListAndActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mk := func(jt JobType, status JobStatus) string {
		id := uuid.New().String()
		if _, err := s.Jobs.Create(ctx, id, jt, nil, nil); err != nil {
			t.Fatalf("create: %v", err)
		}
		if status != JobStatusPending {
			if _, err := s.Jobs.UpdateStatus(ctx, id, status, StatusUpdate{}); err != nil {
				t.Fatalf("update: %v", err)
			}
		}
		// created_at has second-level uniqueness pressure in fast loops.
		time.Sleep(2 * time.Millisecond)
		return id
	}

	mk(JobTypeSync, JobStatusCompleted)
	runningID := mk(JobTypeSync, JobStatusRunning)
	pendingID := mk(JobTypeAnalysis, JobStatusPending)

	all, err := s.Jobs.List(ctx, JobFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
	if all[0].ID != pendingID {
		t.Error("expected newest job first")
	}

	syncType := JobTypeSync
	syncJobs, err := s.Jobs.List(ctx, JobFilter{Type: &syncType})
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(syncJobs) != 2 {
		t.Errorf("expected 2 SYNC jobs, got %d", len(syncJobs))
	}

	active, err := s.Jobs.Active(ctx, nil)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active jobs, got %d", len(active))
	}
	if active[0].ID != runningID {
		t.Error("expected oldest active job first")
	}
}

func TestJobStoreCleanupOld(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	oldID := uuid.New().String()
	if _, err := s.Jobs.Create(ctx, oldID, JobTypeCleanup, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Jobs.UpdateStatus(ctx, oldID, JobStatusCompleted, StatusUpdate{}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Age the row past the cutoff.
	aged := utcNow().AddDate(0, 0, -45)
	if _, err := s.DB().Exec(`UPDATE job SET completed_at = ? WHERE id = ?`, aged, oldID); err != nil {
		t.Fatalf("age row: %v", err)
	}

	freshID := uuid.New().String()
	if _, err := s.Jobs.Create(ctx, freshID, JobTypeCleanup, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Jobs.UpdateStatus(ctx, freshID, JobStatusCompleted, StatusUpdate{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	n, err := s.Jobs.CleanupOld(ctx, 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row removed, got %d", n)
	}
	if _, err := s.Jobs.Get(ctx, oldID); err == nil {
		t.Error("expected aged job deleted")
	}
	if _, err := s.Jobs.Get(ctx, freshID); err != nil {
		t.Errorf("expected fresh job kept: %v", err)
	}
}

func TestJobStoreMarkInterrupted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	runID := uuid.New().String()
	if _, err := s.Jobs.Create(ctx, runID, JobTypeSync, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Jobs.UpdateStatus(ctx, runID, JobStatusRunning, StatusUpdate{}); err != nil {
		t.Fatalf("to running: %v", err)
	}
	pendID := uuid.New().String()
	if _, err := s.Jobs.Create(ctx, pendID, JobTypeSync, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := s.Jobs.MarkInterrupted(ctx)
	if err != nil {
		t.Fatalf("mark interrupted: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 interrupted job, got %d", n)
	}

	job, err := s.Jobs.Get(ctx, runID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != JobStatusFailed {
		t.Errorf("expected FAILED, got %s", job.Status)
	}
	if job.Error == nil || *job.Error != "Interrupted by restart" {
		t.Errorf("expected restart error message, got %v", job.Error)
	}

	pend, err := s.Jobs.Get(ctx, pendID)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if pend.Status != JobStatusPending {
		t.Errorf("pending job should be untouched, got %s", pend.Status)
	}
}

func TestJobStoreSetMetadata(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := uuid.New().String()
	if _, err := s.Jobs.Create(ctx, id, JobTypeTest, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Jobs.SetMetadata(ctx, id, "task_id", "task-1"); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.TaskID() != "task-1" {
		t.Errorf("expected task_id recorded, got %q", job.TaskID())
	}
}
