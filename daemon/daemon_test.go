package daemon

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
	"github.com/stashhog/stashhog/jobs"
	"github.com/stashhog/stashhog/storage"
	"github.com/stashhog/stashhog/task"
)

type rig struct {
	store  *storage.Store
	runner *task.Runner
	hub    *bus.Hub
	jobs   *jobs.Service
}

func newRig(t *testing.T) *rig {
	t.Helper()
	store, err := storage.Open(":memory:", nil)
	require.NoError(t, err)
	runner := task.NewRunner(4, nil)
	runner.Start(context.Background())
	hub := bus.NewHub()
	svc := jobs.NewService(store.Jobs, runner, hub)
	t.Cleanup(func() {
		runner.Stop()
		hub.Close()
		_ = store.Close()
	})
	return &rig{store: store, runner: runner, hub: hub, jobs: svc}
}

func (r *rig) supervisor(t *testing.T, registry *Registry, opts ...SupervisorOption) *Supervisor {
	t.Helper()
	return NewSupervisor(r.store, r.jobs, r.hub, registry, opts...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// scriptedDaemon is a controllable Daemon for supervisor tests.
type scriptedDaemon struct {
	dt       storage.DaemonType
	runErr   error
	started  chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

func newScriptedDaemon(dt storage.DaemonType, runErr error) *scriptedDaemon {
	return &scriptedDaemon{
		dt:      dt,
		runErr:  runErr,
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (d *scriptedDaemon) Type() storage.DaemonType { return d.dt }

func (d *scriptedDaemon) OnStart(ctx context.Context, f *Facilities) error {
	close(d.started)
	return nil
}

func (d *scriptedDaemon) OnStop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stopped) })
	return nil
}

func (d *scriptedDaemon) Run(ctx context.Context, f *Facilities) error {
	if d.runErr != nil {
		return d.runErr
	}
	f.UpdateHeartbeat(ctx)
	<-ctx.Done()
	return ctx.Err()
}

func seedDaemon(t *testing.T, r *rig, dt storage.DaemonType, enabled bool) *storage.Daemon {
	t.Helper()
	row, err := r.store.Daemons.Create(context.Background(), &storage.Daemon{
		ID:            "d-" + string(dt),
		Name:          RowName(dt),
		Type:          dt,
		Enabled:       enabled,
		Status:        storage.DaemonStatusStopped,
		Configuration: storage.JSONMap{},
	})
	require.NoError(t, err)
	return row
}

func TestSupervisorStartStopLifecycle(t *testing.T) {
	r := newRig(t)
	d := newScriptedDaemon(storage.DaemonTypeTest, nil)
	registry := NewRegistry()
	registry.RegisterFactory(storage.DaemonTypeTest, func(map[string]any) (Daemon, error) {
		return d, nil
	})
	sup := r.supervisor(t, registry, WithStopGrace(2*time.Second))
	row := seedDaemon(t, r, storage.DaemonTypeTest, true)
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx, row.ID))
	<-d.started

	got, err := r.store.Daemons.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DaemonStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	assert.ErrorIs(t, sup.Start(ctx, row.ID), ErrAlreadyRunning)

	require.NoError(t, sup.Stop(ctx, row.ID))
	<-d.stopped

	waitFor(t, time.Second, func() bool {
		got, err := r.store.Daemons.Get(ctx, row.ID)
		return err == nil && got.Status == storage.DaemonStatusStopped
	})
	got, err = r.store.Daemons.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Nil(t, got.StartedAt)

	assert.ErrorIs(t, sup.Stop(ctx, row.ID), ErrNotRunning)
}

func TestSupervisorConcurrentStartRunsOneInstance(t *testing.T) {
	r := newRig(t)
	var builds int32
	registry := NewRegistry()
	registry.RegisterFactory(storage.DaemonTypeTest, func(map[string]any) (Daemon, error) {
		atomic.AddInt32(&builds, 1)
		// Hold the winner inside the build long enough for the other
		// Start calls to hit the reservation.
		time.Sleep(50 * time.Millisecond)
		return newScriptedDaemon(storage.DaemonTypeTest, nil), nil
	})
	sup := r.supervisor(t, registry, WithStopGrace(2*time.Second))
	row := seedDaemon(t, r, storage.DaemonTypeTest, true)
	ctx := context.Background()

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- sup.Start(ctx, row.ID)
		}()
	}
	wg.Wait()
	close(errs)

	var ok, already int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyRunning):
			already++
		default:
			t.Fatalf("unexpected Start error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, already)
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))

	// The single instance is stoppable exactly once.
	require.NoError(t, sup.Stop(ctx, row.ID))
	assert.ErrorIs(t, sup.Stop(ctx, row.ID), ErrNotRunning)
	waitFor(t, time.Second, func() bool {
		got, err := r.store.Daemons.Get(ctx, row.ID)
		return err == nil && got.Status == storage.DaemonStatusStopped
	})
}

func TestSupervisorStartRollsBackReservationOnBuildError(t *testing.T) {
	r := newRig(t)
	fail := errors.New("bad config")
	var builds int32
	registry := NewRegistry()
	registry.RegisterFactory(storage.DaemonTypeTest, func(map[string]any) (Daemon, error) {
		if atomic.AddInt32(&builds, 1) == 1 {
			return nil, fail
		}
		return newScriptedDaemon(storage.DaemonTypeTest, nil), nil
	})
	sup := r.supervisor(t, registry)
	row := seedDaemon(t, r, storage.DaemonTypeTest, true)
	ctx := context.Background()

	require.ErrorIs(t, sup.Start(ctx, row.ID), fail)
	// The failed attempt released its reservation, so a retry works.
	require.NoError(t, sup.Start(ctx, row.ID))
	require.NoError(t, sup.Stop(ctx, row.ID))
}

func TestSupervisorMarksErrorExit(t *testing.T) {
	r := newRig(t)
	d := newScriptedDaemon(storage.DaemonTypeTest, errors.New("boom"))
	registry := NewRegistry()
	registry.RegisterFactory(storage.DaemonTypeTest, func(map[string]any) (Daemon, error) {
		return d, nil
	})
	sup := r.supervisor(t, registry)
	row := seedDaemon(t, r, storage.DaemonTypeTest, true)
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx, row.ID))
	waitFor(t, time.Second, func() bool {
		got, err := r.store.Daemons.Get(ctx, row.ID)
		return err == nil && got.Status == storage.DaemonStatusError
	})

	errs, err := r.store.Observe.ListErrors(ctx, row.ID, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "daemon_exit", errs[0].ErrorType)
}

func TestSupervisorInitializeSeedsRows(t *testing.T) {
	r := newRig(t)
	registry := NewRegistry()
	registry.RegisterFactory(storage.DaemonTypeTest, func(map[string]any) (Daemon, error) {
		return newScriptedDaemon(storage.DaemonTypeTest, nil), nil
	})
	registry.RegisterFactory(storage.DaemonTypeScheduler, func(cfg map[string]any) (Daemon, error) {
		return NewScheduler(cfg)
	})
	sup := r.supervisor(t, registry)
	ctx := context.Background()

	require.NoError(t, sup.Initialize(ctx))

	rows, err := r.store.Daemons.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.False(t, row.Enabled, "seeded rows start disabled")
		assert.False(t, row.AutoStart)
		assert.Equal(t, storage.DaemonStatusStopped, row.Status)
	}

	// Idempotent: a second Initialize does not duplicate rows.
	require.NoError(t, sup.Initialize(ctx))
	rows, err = r.store.Daemons.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSupervisorHealthStates(t *testing.T) {
	r := newRig(t)
	d := newScriptedDaemon(storage.DaemonTypeTest, nil)
	registry := NewRegistry()
	registry.RegisterFactory(storage.DaemonTypeTest, func(map[string]any) (Daemon, error) {
		return d, nil
	})
	sup := r.supervisor(t, registry)
	ctx := context.Background()

	running := seedDaemon(t, r, storage.DaemonTypeTest, true)
	disabled := seedDaemon(t, r, storage.DaemonTypeScheduler, false)

	require.NoError(t, sup.Start(ctx, running.ID))
	<-d.started
	waitFor(t, time.Second, func() bool {
		got, err := r.store.Daemons.Get(ctx, running.ID)
		return err == nil && got.LastHeartbeat != nil
	})

	health, err := sup.Health(ctx)
	require.NoError(t, err)
	byID := make(map[string]DaemonHealth)
	for _, h := range health {
		byID[h.ID] = h
	}
	assert.Equal(t, HealthHealthy, byID[running.ID].State)
	assert.Equal(t, HealthStopped, byID[disabled.ID].State)

	require.NoError(t, sup.Stop(ctx, running.ID))
	waitFor(t, time.Second, func() bool {
		got, err := r.store.Daemons.Get(ctx, running.ID)
		return err == nil && got.Status == storage.DaemonStatusStopped
	})

	health, err = sup.Health(ctx)
	require.NoError(t, err)
	for _, h := range health {
		if h.ID == running.ID {
			assert.Equal(t, HealthUnhealthy, h.State, "enabled but not running")
		}
	}
}

// fixedPending always reports the same pending count.
type fixedPending struct {
	n     int
	calls int
	mu    sync.Mutex
}

func (p *fixedPending) PendingSceneCount(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.n, nil
}

// Scenario S5: one tick with pending scenes launches exactly one SYNC
// job, records the LAUNCHED action, and further ticks launch nothing
// until the job is terminal.
func TestAutoStashSyncLaunchesOneSyncJob(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	require.NoError(t, r.jobs.Register(storage.JobTypeSync,
		jobs.HandlerFunc(func(ctx context.Context, inv *jobs.Invocation) (map[string]any, error) {
			once.Do(func() { close(started) })
			<-release
			return map[string]any{"synced": 5}, nil
		})))

	row := seedDaemon(t, r, storage.DaemonTypeAutoStashSync, true)
	sup := r.supervisor(t, NewRegistry())
	f := &Facilities{
		daemonID: row.ID,
		name:     row.Name,
		daemons:  r.store.Daemons,
		observed: r.store.Observe,
		jobs:     r.jobs,
		hub:      r.hub,
		recorder: sup.recorder,
		logger:   sup.logger,
	}

	pending := &fixedPending{n: 5}
	d, err := NewAutoStashSync(pending, map[string]any{"job_interval_seconds": float64(1)})
	require.NoError(t, err)
	d.jobInterval = 0 // first tick fires immediately

	require.NoError(t, d.tick(ctx, f))
	<-started

	syncType := storage.JobTypeSync
	created, err := r.store.Jobs.List(ctx, storage.JobFilter{Type: &syncType})
	require.NoError(t, err)
	require.Len(t, created, 1)
	job := created[0]
	assert.Equal(t, false, job.Parameters["force"])
	assert.EqualValues(t, 5, job.Parameters["pending_scenes"])

	actions, err := r.store.Observe.JobHistory(ctx, row.ID, 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, storage.JobActionLaunched, actions[0].Action)
	assert.Equal(t, job.ID, actions[0].JobID)

	// More ticks while the child runs: no new jobs.
	require.NoError(t, d.tick(ctx, f))
	require.NoError(t, d.tick(ctx, f))
	created, err = r.store.Jobs.List(ctx, storage.JobFilter{Type: &syncType})
	require.NoError(t, err)
	assert.Len(t, created, 1)

	close(release)
	waitFor(t, 2*time.Second, func() bool {
		got, err := r.jobs.Get(ctx, job.ID)
		return err == nil && got.Status == storage.JobStatusCompleted
	})

	// The settling tick records FINISHED and re-arms the interval.
	d.jobInterval = time.Hour
	require.NoError(t, d.tick(ctx, f))
	actions, err = r.store.Observe.JobHistory(ctx, row.ID, 10)
	require.NoError(t, err)
	assert.Len(t, actions, 2)

	// Interval has not elapsed since the finish, so still one job.
	require.NoError(t, d.tick(ctx, f))
	created, err = r.store.Jobs.List(ctx, storage.JobFilter{Type: &syncType})
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

func TestSchedulerRejectsInvalidCron(t *testing.T) {
	_, err := NewScheduler(map[string]any{
		"entries": []any{
			map[string]any{"cron": "not a cron", "job_type": "SYNC"},
		},
	})
	var verr *jobs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "cron", verr.Field)
}

func TestSchedulerRejectsUnknownJobType(t *testing.T) {
	_, err := NewScheduler(map[string]any{
		"entries": []any{
			map[string]any{"cron": "*/5 * * * *", "job_type": "NOPE"},
		},
	})
	var verr *jobs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "job_type", verr.Field)
}

func TestDownloadsWatcherConfig(t *testing.T) {
	_, err := NewDownloadsWatcher(map[string]any{})
	assert.Error(t, err, "directory is required")

	d, err := NewDownloadsWatcher(map[string]any{
		"directory": "/downloads",
		"patterns":  []any{"**/*.mp4", "**/*.mkv"},
	})
	require.NoError(t, err)
	assert.True(t, d.matches("/downloads/sub/clip.mp4"))
	assert.False(t, d.matches("/downloads/readme.txt"))

	_, err = NewDownloadsWatcher(map[string]any{
		"directory": "/downloads",
		"patterns":  []any{"[bad"},
	})
	assert.Error(t, err)
}
