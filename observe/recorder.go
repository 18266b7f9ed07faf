package observe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stashhog/stashhog/storage"
)

// ErrorCoalesceWindow is how long an identical (daemon, type, message)
// error keeps incrementing the same row instead of opening a new one.
const ErrorCoalesceWindow = 24 * time.Hour

// Recorder persists daemon health signals: errors, activities, gauges,
// alerts, and the rolled-up status row.
type Recorder struct {
	store  *storage.ObservabilityStore
	logger *slog.Logger
}

// NewRecorder builds a Recorder over the observability store.
func NewRecorder(store *storage.ObservabilityStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// TrackError records a daemon error, coalescing repeats of the same
// error within ErrorCoalesceWindow into one row's occurrence count.
func (r *Recorder) TrackError(ctx context.Context, daemonID, errType, message string) (*storage.DaemonError, error) {
	row, err := r.store.RecordError(ctx, daemonID, errType, message, ErrorCoalesceWindow)
	if err != nil {
		return nil, fmt.Errorf("track error for daemon %s: %w", daemonID, err)
	}
	if row.OccurrenceCount > 1 {
		r.logger.Debug("Coalesced repeated daemon error",
			"daemon_id", daemonID, "error_type", errType, "occurrences", row.OccurrenceCount)
	}
	return row, nil
}

// TrackActivity records a structured activity entry.
func (r *Recorder) TrackActivity(ctx context.Context, daemonID, activityType, message string, details storage.JSONMap) error {
	if err := r.store.InsertActivity(ctx, daemonID, activityType, message, details); err != nil {
		return fmt.Errorf("track activity for daemon %s: %w", daemonID, err)
	}
	return nil
}

// TrackMetric records one named sample for a daemon.
func (r *Recorder) TrackMetric(ctx context.Context, daemonID, name string, value float64) error {
	if err := r.store.InsertMetric(ctx, daemonID, name, value); err != nil {
		return fmt.Errorf("track metric %s for daemon %s: %w", name, daemonID, err)
	}
	return nil
}

// RaiseAlert records an operator-visible alert.
func (r *Recorder) RaiseAlert(ctx context.Context, daemonID string, severity storage.AlertSeverity, title, message string) error {
	if err := r.store.InsertAlert(ctx, daemonID, severity, title, message); err != nil {
		return fmt.Errorf("raise alert for daemon %s: %w", daemonID, err)
	}
	r.logger.Warn("Daemon alert raised",
		"daemon_id", daemonID, "severity", severity, "title", title)
	return nil
}

// UpdateStatus refreshes the daemon's single status row, recomputing
// the rolling 24h counters and health score.
func (r *Recorder) UpdateStatus(ctx context.Context, daemonID, currentActivity string) (*storage.DaemonStatusRow, error) {
	row, err := r.store.UpsertStatus(ctx, daemonID, currentActivity)
	if err != nil {
		return nil, fmt.Errorf("update status for daemon %s: %w", daemonID, err)
	}
	return row, nil
}
