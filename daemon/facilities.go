package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stashhog/stashhog/bus"
	"github.com/stashhog/stashhog/jobs"
	"github.com/stashhog/stashhog/observe"
	"github.com/stashhog/stashhog/storage"
)

// Facilities is the capability surface a running daemon gets: logging
// that lands in rows and on the bus, heartbeats, job launching, and
// the observability recorders. One instance is bound to one daemon id.
type Facilities struct {
	daemonID string
	name     string

	daemons  *storage.DaemonStore
	observed *storage.ObservabilityStore
	jobs     *jobs.Service
	hub      *bus.Hub
	recorder *observe.Recorder
	logger   *slog.Logger
}

// DaemonID returns the bound daemon's row id.
func (f *Facilities) DaemonID() string { return f.daemonID }

// Logger returns the daemon-scoped process logger.
func (f *Facilities) Logger() *slog.Logger { return f.logger }

// Log writes a daemon log row and broadcasts it on the daemon topic.
func (f *Facilities) Log(ctx context.Context, level storage.LogLevel, message string) {
	row, err := f.observed.InsertLog(ctx, f.daemonID, level, message)
	if err != nil {
		f.logger.Error("Failed to persist daemon log", "daemon_id", f.daemonID, "error", err)
		return
	}
	if f.hub != nil {
		f.hub.Publish(bus.DaemonTopic(f.daemonID), bus.NewDaemonLog(row))
	}
}

// UpdateHeartbeat stamps the daemon's liveness timestamp.
func (f *Facilities) UpdateHeartbeat(ctx context.Context) {
	if err := f.daemons.UpdateHeartbeat(ctx, f.daemonID); err != nil {
		f.logger.Error("Failed to update heartbeat", "daemon_id", f.daemonID, "error", err)
	}
}

// TrackJobAction records what the daemon did to a job and broadcasts
// it.
func (f *Facilities) TrackJobAction(ctx context.Context, jobID string, action storage.JobAction, reason *string) {
	row, err := f.observed.InsertJobAction(ctx, f.daemonID, jobID, action, reason)
	if err != nil {
		f.logger.Error("Failed to record job action",
			"daemon_id", f.daemonID, "job_id", jobID, "action", action, "error", err)
		return
	}
	if f.hub != nil {
		f.hub.Publish(bus.DaemonTopic(f.daemonID), bus.NewDaemonJobAction(row))
	}
}

// TrackActivity records a structured activity entry.
func (f *Facilities) TrackActivity(ctx context.Context, activityType, message string, details storage.JSONMap) {
	if err := f.recorder.TrackActivity(ctx, f.daemonID, activityType, message, details); err != nil {
		f.logger.Error("Failed to record activity", "daemon_id", f.daemonID, "error", err)
	}
}

// TrackError records a daemon error, coalescing repeats.
func (f *Facilities) TrackError(ctx context.Context, errType, message string) {
	if _, err := f.recorder.TrackError(ctx, f.daemonID, errType, message); err != nil {
		f.logger.Error("Failed to record daemon error", "daemon_id", f.daemonID, "error", err)
	}
}

// TrackMetric records one named sample.
func (f *Facilities) TrackMetric(ctx context.Context, name string, value float64) {
	if err := f.recorder.TrackMetric(ctx, f.daemonID, name, value); err != nil {
		f.logger.Error("Failed to record metric", "daemon_id", f.daemonID, "metric", name, "error", err)
	}
}

// UpdateProgress refreshes the daemon's current-activity status row.
func (f *Facilities) UpdateProgress(ctx context.Context, activity string) {
	if _, err := f.recorder.UpdateStatus(ctx, f.daemonID, activity); err != nil {
		f.logger.Error("Failed to update daemon status", "daemon_id", f.daemonID, "error", err)
	}
}

// LaunchJob creates a job through the engine and records the LAUNCHED
// action against this daemon.
func (f *Facilities) LaunchJob(ctx context.Context, jt storage.JobType, params storage.JSONMap) (*storage.Job, error) {
	job, err := f.jobs.CreateJob(ctx, jt, params, storage.JSONMap{"launched_by": f.name})
	if err != nil {
		return nil, fmt.Errorf("launch %s job: %w", jt, err)
	}
	f.TrackJobAction(ctx, job.ID, storage.JobActionLaunched, nil)
	return job, nil
}

// Job fetches the current state of a job.
func (f *Facilities) Job(ctx context.Context, jobID string) (*storage.Job, error) {
	return f.jobs.Get(ctx, jobID)
}

// AwaitJob polls until the job reaches a terminal status or the
// context ends.
func (f *Facilities) AwaitJob(ctx context.Context, jobID string, poll time.Duration) (*storage.Job, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		job, err := f.jobs.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
