package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/stashhog/stashhog/storage"
)

// PendingCounter is the slice of the sync coordinator the auto sync
// daemon needs.
type PendingCounter interface {
	PendingSceneCount(ctx context.Context) (int, error)
}

// AutoStashSync periodically checks the upstream for changed scenes
// and launches an incremental SYNC job when there are any. It keeps at
// most one outstanding child job.
type AutoStashSync struct {
	pending PendingCounter

	heartbeat    time.Duration
	jobInterval  time.Duration
	errorBackoff time.Duration

	outstanding string // job id of the unfinished child, if any
	lastFinish  time.Time
}

// AutoStashSyncConfig carries the daemon's tunables, decoded from the
// stored configuration row.
type AutoStashSyncConfig struct {
	HeartbeatSeconds   int `json:"heartbeat_seconds"`
	JobIntervalSeconds int `json:"job_interval_seconds"`
}

// NewAutoStashSync builds the daemon; the factory bound in the
// registry closes over the coordinator.
func NewAutoStashSync(pending PendingCounter, config map[string]any) (*AutoStashSync, error) {
	if pending == nil {
		return nil, fmt.Errorf("auto stash sync requires a sync coordinator")
	}
	d := &AutoStashSync{
		pending:      pending,
		heartbeat:    30 * time.Second,
		jobInterval:  10 * time.Minute,
		errorBackoff: 30 * time.Second,
	}
	if v, ok := numberConfig(config, "heartbeat_seconds"); ok && v > 0 {
		d.heartbeat = time.Duration(v) * time.Second
	}
	if v, ok := numberConfig(config, "job_interval_seconds"); ok && v > 0 {
		d.jobInterval = time.Duration(v) * time.Second
	}
	return d, nil
}

// numberConfig reads a numeric config key; JSON decoding hands
// numbers over as float64.
func numberConfig(config map[string]any, key string) (int, bool) {
	raw, ok := config[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

func (d *AutoStashSync) Type() storage.DaemonType { return storage.DaemonTypeAutoStashSync }

func (d *AutoStashSync) OnStart(ctx context.Context, f *Facilities) error {
	f.Log(ctx, storage.LogLevelInfo, "Auto stash sync daemon started")
	// Fire the first check as soon as the interval allows.
	d.lastFinish = time.Time{}
	return nil
}

func (d *AutoStashSync) OnStop(ctx context.Context) error { return nil }

func (d *AutoStashSync) Run(ctx context.Context, f *Facilities) error {
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()
	for {
		if err := d.tick(ctx, f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.Log(ctx, storage.LogLevelError, fmt.Sprintf("Sync check failed: %v", err))
			f.TrackError(ctx, "sync_check", err.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.errorBackoff):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick is one loop body: heartbeat, settle the outstanding child, and
// launch a new SYNC job when the interval elapsed and scenes are
// pending.
func (d *AutoStashSync) tick(ctx context.Context, f *Facilities) error {
	f.UpdateHeartbeat(ctx)

	if d.outstanding != "" {
		job, err := f.Job(ctx, d.outstanding)
		if err != nil {
			return fmt.Errorf("check outstanding job %s: %w", d.outstanding, err)
		}
		if !job.Status.Terminal() {
			f.UpdateProgress(ctx, fmt.Sprintf("waiting for sync job %s", d.outstanding))
			return nil
		}
		switch job.Status {
		case storage.JobStatusFailed:
			f.TrackJobAction(ctx, job.ID, storage.JobActionFailed, job.Error)
		default:
			f.TrackJobAction(ctx, job.ID, storage.JobActionFinished, nil)
		}
		d.outstanding = ""
		d.lastFinish = time.Now().UTC()
	}

	if time.Since(d.lastFinish) < d.jobInterval {
		return nil
	}

	n, err := d.pending.PendingSceneCount(ctx)
	if err != nil {
		return fmt.Errorf("pending scene count: %w", err)
	}
	f.UpdateProgress(ctx, fmt.Sprintf("%d scenes pending", n))
	if n == 0 {
		d.lastFinish = time.Now().UTC()
		return nil
	}

	job, err := f.LaunchJob(ctx, storage.JobTypeSync, storage.JSONMap{
		"force":          false,
		"pending_scenes": n,
	})
	if err != nil {
		return err
	}
	d.outstanding = job.ID
	f.Log(ctx, storage.LogLevelInfo,
		fmt.Sprintf("Launched sync job %s for %d pending scenes", job.ID, n))
	return nil
}
