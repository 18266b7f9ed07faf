package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/stashhog/stashhog/storage"
)

// TestDaemon exercises the daemon plumbing end to end: heartbeats,
// periodic log lines, and an occasional TEST job that it monitors to
// completion. Useful for verifying a deployment's daemon wiring.
type TestDaemon struct {
	heartbeat   time.Duration
	logEvery    int // ticks between log lines
	launchEvery int // ticks between TEST jobs; 0 disables

	ticks       int
	outstanding string
}

// NewTestDaemon builds the test loop from its configuration.
func NewTestDaemon(config map[string]any) (*TestDaemon, error) {
	d := &TestDaemon{
		heartbeat:   10 * time.Second,
		logEvery:    6,
		launchEvery: 0,
	}
	if v, ok := numberConfig(config, "heartbeat_seconds"); ok && v > 0 {
		d.heartbeat = time.Duration(v) * time.Second
	}
	if v, ok := numberConfig(config, "log_every_ticks"); ok && v > 0 {
		d.logEvery = v
	}
	if v, ok := numberConfig(config, "launch_every_ticks"); ok && v >= 0 {
		d.launchEvery = v
	}
	return d, nil
}

func (d *TestDaemon) Type() storage.DaemonType { return storage.DaemonTypeTest }

func (d *TestDaemon) OnStart(ctx context.Context, f *Facilities) error {
	f.Log(ctx, storage.LogLevelInfo, "Test daemon started")
	return nil
}

func (d *TestDaemon) OnStop(ctx context.Context) error { return nil }

func (d *TestDaemon) Run(ctx context.Context, f *Facilities) error {
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		d.ticks++
		f.UpdateHeartbeat(ctx)

		if d.logEvery > 0 && d.ticks%d.logEvery == 0 {
			f.Log(ctx, storage.LogLevelInfo, fmt.Sprintf("Test daemon alive, tick %d", d.ticks))
		}

		if d.outstanding != "" {
			job, err := f.Job(ctx, d.outstanding)
			if err != nil {
				f.TrackError(ctx, "monitor", err.Error())
				d.outstanding = ""
				continue
			}
			if job.Status.Terminal() {
				f.TrackJobAction(ctx, job.ID, storage.JobActionFinished, nil)
				d.outstanding = ""
			}
			continue
		}

		if d.launchEvery > 0 && d.ticks%d.launchEvery == 0 {
			job, err := f.LaunchJob(ctx, storage.JobTypeTest, storage.JSONMap{"steps": 3})
			if err != nil {
				f.TrackError(ctx, "launch", err.Error())
				continue
			}
			d.outstanding = job.ID
		}
	}
}
