package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashhog/stashhog/bus"
	"github.com/stashhog/stashhog/storage"
	"github.com/stashhog/stashhog/task"
)

type testRig struct {
	store  *storage.Store
	runner *task.Runner
	hub    *bus.Hub
	svc    *Service
}

func newTestRig(t *testing.T, workers int) *testRig {
	t.Helper()
	store, err := storage.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	runner := task.NewRunner(workers, nil)
	runner.Start(context.Background())
	t.Cleanup(runner.Stop)

	hub := bus.NewHub()
	t.Cleanup(hub.Close)

	return &testRig{
		store:  store,
		runner: runner,
		hub:    hub,
		svc:    NewService(store.Jobs, runner, hub),
	}
}

func waitJobStatus(t *testing.T, svc *Service, id string, want storage.JobStatus) *storage.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.Get(context.Background(), id)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := svc.Get(context.Background(), id)
	t.Fatalf("job %s: want status %s, got %s", id, want, job.Status)
	return nil
}

func TestRegisterRejectsUnknownType(t *testing.T) {
	rig := newTestRig(t, 1)
	err := rig.svc.Register(storage.JobType("NOT_A_TYPE"), HandlerFunc(
		func(ctx context.Context, inv *Invocation) (map[string]any, error) { return nil, nil }))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCreateJobWithoutHandlerFailsRow(t *testing.T) {
	rig := newTestRig(t, 1)
	job, err := rig.svc.CreateJob(context.Background(), storage.JobTypeExport, nil, nil)
	require.ErrorIs(t, err, ErrNoHandler)
	require.NotNil(t, job)
	assert.Equal(t, storage.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "No handler registered")
}

func TestJobRunsToCompletion(t *testing.T) {
	rig := newTestRig(t, 2)
	require.NoError(t, rig.svc.Register(storage.JobTypeTest, HandlerFunc(
		func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			require.NoError(t, inv.Reporter.Progress(ctx, 50, "halfway"))
			return map[string]any{"steps": 2}, nil
		})))

	job, err := rig.svc.CreateJob(context.Background(), storage.JobTypeTest, storage.JSONMap{"steps": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusPending, job.Status)

	final := waitJobStatus(t, rig.svc, job.ID, storage.JobStatusCompleted)
	assert.Equal(t, 100, final.Progress)
	assert.EqualValues(t, 2, final.Result["steps"])
	assert.Nil(t, final.Error)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
	assert.False(t, final.CompletedAt.Before(*final.StartedAt))
}

func TestHandlerErrorRecordsFailureWithoutPropagating(t *testing.T) {
	rig := newTestRig(t, 1)
	require.NoError(t, rig.svc.Register(storage.JobTypeTest, HandlerFunc(
		func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			return nil, errors.New("scene fetch failed")
		})))

	job, err := rig.svc.CreateJob(context.Background(), storage.JobTypeTest, nil, nil)
	require.NoError(t, err)

	final := waitJobStatus(t, rig.svc, job.ID, storage.JobStatusFailed)
	require.NotNil(t, final.Error)
	assert.Equal(t, "scene fetch failed", *final.Error)
}

func TestHandlerPanicRecordsFailure(t *testing.T) {
	rig := newTestRig(t, 1)
	require.NoError(t, rig.svc.Register(storage.JobTypeTest, HandlerFunc(
		func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			panic("unexpected state")
		})))

	job, err := rig.svc.CreateJob(context.Background(), storage.JobTypeTest, nil, nil)
	require.NoError(t, err)

	final := waitJobStatus(t, rig.svc, job.ID, storage.JobStatusFailed)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "handler panic")
}

// Scenario S1: three ANALYSIS jobs created together run strictly one
// at a time, with waiters surfacing the lock message.
func TestSequentialAnalysisJobs(t *testing.T) {
	rig := newTestRig(t, 4)

	var mu sync.Mutex
	var running, maxRunning int
	require.NoError(t, rig.svc.Register(storage.JobTypeAnalysis, HandlerFunc(
		func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(100 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return map[string]any{"analyzed": 1}, nil
		})))

	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		job, err := rig.svc.CreateJob(ctx, storage.JobTypeAnalysis, nil, nil)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	// While one runs, at least one other waiter shows the lock message.
	waitDeadline := time.Now().Add(2 * time.Second)
	sawWaitMsg := false
	for time.Now().Before(waitDeadline) && !sawWaitMsg {
		for _, id := range ids {
			job, err := rig.svc.Get(ctx, id)
			require.NoError(t, err)
			if job.Status == storage.JobStatusPending &&
				job.LastMessage() == "Waiting for another analysis job to complete" {
				sawWaitMsg = true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, sawWaitMsg, "expected a PENDING job with the waiting message")

	for _, id := range ids {
		waitJobStatus(t, rig.svc, id, storage.JobStatusCompleted)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning, "analysis jobs overlapped")
}

// Scenario S2: cancelling a job queued behind the analysis lock
// cancels it without ever invoking its handler.
func TestCancelQueuedJob(t *testing.T) {
	rig := newTestRig(t, 4)

	release := make(chan struct{})
	started := make(chan struct{})
	var invocations atomic.Int32
	require.NoError(t, rig.svc.Register(storage.JobTypeAnalysis, HandlerFunc(
		func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			if invocations.Add(1) == 1 {
				close(started)
			}
			<-release
			return nil, nil
		})))

	ctx := context.Background()
	first, err := rig.svc.CreateJob(ctx, storage.JobTypeAnalysis, nil, nil)
	require.NoError(t, err)
	<-started

	second, err := rig.svc.CreateJob(ctx, storage.JobTypeAnalysis, nil, nil)
	require.NoError(t, err)

	// Give the second wrapper time to reach the lock wait.
	time.Sleep(50 * time.Millisecond)

	ok, err := rig.svc.CancelJob(ctx, second.ID)
	require.NoError(t, err)
	require.True(t, ok)

	cancelled := waitJobStatus(t, rig.svc, second.ID, storage.JobStatusCancelled)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, "Cancelled by user", *cancelled.Error)
	assert.Equal(t, int32(1), invocations.Load(), "second handler must not run")

	// First job is unaffected.
	close(release)
	waitJobStatus(t, rig.svc, first.ID, storage.JobStatusCompleted)
	assert.Equal(t, int32(1), invocations.Load())
}

func TestCancelRunningJobGoesThroughCancelling(t *testing.T) {
	rig := newTestRig(t, 1)

	started := make(chan struct{})
	require.NoError(t, rig.svc.Register(storage.JobTypeTest, HandlerFunc(
		func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			close(started)
			<-inv.Token.Done()
			return nil, task.ErrCancelled
		})))

	ctx := context.Background()
	job, err := rig.svc.CreateJob(ctx, storage.JobTypeTest, nil, nil)
	require.NoError(t, err)
	<-started

	ok, err := rig.svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	final := waitJobStatus(t, rig.svc, job.ID, storage.JobStatusCancelled)
	require.NotNil(t, final.Error)
	assert.Equal(t, "Cancelled by user", *final.Error)
}

func TestCancelTerminalJobReturnsFalse(t *testing.T) {
	rig := newTestRig(t, 1)
	require.NoError(t, rig.svc.Register(storage.JobTypeTest, HandlerFunc(
		func(ctx context.Context, inv *Invocation) (map[string]any, error) { return nil, nil })))

	job, err := rig.svc.CreateJob(context.Background(), storage.JobTypeTest, nil, nil)
	require.NoError(t, err)
	waitJobStatus(t, rig.svc, job.ID, storage.JobStatusCompleted)

	ok, err := rig.svc.CancelJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

// Property 4: different lock groups never block each other.
func TestNoCrossGroupBlocking(t *testing.T) {
	rig := newTestRig(t, 4)

	syncRunning := make(chan struct{})
	releaseSync := make(chan struct{})
	require.NoError(t, rig.svc.Register(storage.JobTypeSyncScenes, HandlerFunc(
		func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			close(syncRunning)
			<-releaseSync
			return nil, nil
		})))
	require.NoError(t, rig.svc.Register(storage.JobTypeAnalysis, HandlerFunc(
		func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			return map[string]any{"analyzed": 0}, nil
		})))

	ctx := context.Background()
	syncJob, err := rig.svc.CreateJob(ctx, storage.JobTypeSyncScenes, nil, nil)
	require.NoError(t, err)
	<-syncRunning

	analysis, err := rig.svc.CreateJob(ctx, storage.JobTypeAnalysis, nil, nil)
	require.NoError(t, err)
	waitJobStatus(t, rig.svc, analysis.ID, storage.JobStatusCompleted)

	// The sync job is still holding its own lock group.
	job, err := rig.svc.Get(ctx, syncJob.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStatusRunning, job.Status)
	close(releaseSync)
	waitJobStatus(t, rig.svc, syncJob.ID, storage.JobStatusCompleted)
}

// Types that allow concurrency take no lock at all.
func TestAllowConcurrentTypeOverlaps(t *testing.T) {
	rig := newTestRig(t, 4)

	var gate sync.WaitGroup
	gate.Add(2)
	release := make(chan struct{})
	require.NoError(t, rig.svc.Register(storage.JobTypeCheckStashGenerate, HandlerFunc(
		func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			gate.Done()
			<-release
			return nil, nil
		})))

	ctx := context.Background()
	a, err := rig.svc.CreateJob(ctx, storage.JobTypeCheckStashGenerate, nil, nil)
	require.NoError(t, err)
	b, err := rig.svc.CreateJob(ctx, storage.JobTypeCheckStashGenerate, nil, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() { gate.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent-type jobs did not overlap")
	}
	close(release)
	waitJobStatus(t, rig.svc, a.ID, storage.JobStatusCompleted)
	waitJobStatus(t, rig.svc, b.ID, storage.JobStatusCompleted)
}

func TestProgressReporterSuppressesDuplicates(t *testing.T) {
	rig := newTestRig(t, 1)

	conn := &countingConn{id: "c"}
	rig.hub.Attach(conn)

	require.NoError(t, rig.svc.Register(storage.JobTypeTest, HandlerFunc(
		func(ctx context.Context, inv *Invocation) (map[string]any, error) {
			for i := 0; i < 5; i++ {
				require.NoError(t, inv.Reporter.Progress(ctx, 10, "same"))
			}
			require.NoError(t, inv.Reporter.Progress(ctx, 20, "moved"))
			return nil, nil
		})))

	job, err := rig.svc.CreateJob(context.Background(), storage.JobTypeTest, nil, nil)
	require.NoError(t, err)
	waitJobStatus(t, rig.svc, job.ID, storage.JobStatusCompleted)

	// Creation + running + 2 distinct progress + completion = 5 events;
	// the 4 duplicate progress calls emit nothing.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && conn.count.Load() < 5 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.EqualValues(t, 5, conn.count.Load())
}

type countingConn struct {
	id    string
	count atomic.Int32
}

func (c *countingConn) ID() string { return c.id }
func (c *countingConn) WriteEvent(bus.Event) error {
	c.count.Add(1)
	return nil
}
func (c *countingConn) Close() error { return nil }

func TestDecodeParamsRoundTrip(t *testing.T) {
	params := storage.JSONMap{"force": false, "pending_scenes": 5}
	var sp SyncParams
	require.NoError(t, DecodeParams(params, &sp))
	assert.False(t, sp.Force)
	assert.Equal(t, 5, sp.PendingScenes)
}
