package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ObservabilityStore owns the per-daemon observability tables:
// daemon_log, daemon_job_history, daemon_error, daemon_activity,
// daemon_metric, daemon_alert, and the in-place daemon_status row.
type ObservabilityStore struct {
	db *sqlx.DB
}

// InsertLog persists one daemon log line.
func (s *ObservabilityStore) InsertLog(ctx context.Context, daemonID string, level LogLevel, message string) (*DaemonLog, error) {
	entry := &DaemonLog{
		DaemonID:  daemonID,
		Level:     level,
		Message:   message,
		CreatedAt: utcNow(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO daemon_log (daemon_id, level, message, created_at) VALUES (?, ?, ?, ?)`,
		entry.DaemonID, entry.Level, entry.Message, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert daemon log: %w", err)
	}
	entry.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert daemon log: %w", err)
	}
	return entry, nil
}

// ListLogs returns the most recent log lines for a daemon.
func (s *ObservabilityStore) ListLogs(ctx context.Context, daemonID string, limit int) ([]*DaemonLog, error) {
	if limit <= 0 {
		limit = 100
	}
	logs := []*DaemonLog{}
	err := s.db.SelectContext(ctx, &logs,
		`SELECT * FROM daemon_log WHERE daemon_id = ? ORDER BY created_at DESC LIMIT ?`,
		daemonID, limit)
	if err != nil {
		return nil, fmt.Errorf("list daemon logs: %w", err)
	}
	return logs, nil
}

// PruneLogs deletes log lines older than the cutoff across all daemons.
func (s *ObservabilityStore) PruneLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := utcNow().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM daemon_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune daemon logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune daemon logs: %w", err)
	}
	return n, nil
}

// InsertJobAction records one daemon action on one job.
func (s *ObservabilityStore) InsertJobAction(ctx context.Context, daemonID, jobID string, action JobAction, reason *string) (*DaemonJobHistory, error) {
	entry := &DaemonJobHistory{
		DaemonID:  daemonID,
		JobID:     jobID,
		Action:    action,
		Reason:    reason,
		CreatedAt: utcNow(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO daemon_job_history (daemon_id, job_id, action, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.DaemonID, entry.JobID, entry.Action, entry.Reason, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job action: %w", err)
	}
	entry.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert job action: %w", err)
	}
	return entry, nil
}

// JobHistory returns a daemon's recent job actions, newest first.
func (s *ObservabilityStore) JobHistory(ctx context.Context, daemonID string, limit int) ([]*DaemonJobHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows := []*DaemonJobHistory{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM daemon_job_history WHERE daemon_id = ? ORDER BY created_at DESC LIMIT ?`,
		daemonID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job history: %w", err)
	}
	return rows, nil
}

// RecordError coalesces repeats: the same (daemon, type, message) seen
// within the window increments occurrence_count on the existing
// unresolved row instead of inserting a new one.
func (s *ObservabilityStore) RecordError(ctx context.Context, daemonID, errType, message string, window time.Duration) (*DaemonError, error) {
	now := utcNow()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin record error: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing DaemonError
	err = tx.GetContext(ctx, &existing,
		`SELECT * FROM daemon_error
		 WHERE daemon_id = ? AND error_type = ? AND message = ? AND resolved = 0 AND last_seen > ?
		 ORDER BY last_seen DESC LIMIT 1`,
		daemonID, errType, message, now.Add(-window))
	switch {
	case err == nil:
		existing.OccurrenceCount++
		existing.LastSeen = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE daemon_error SET occurrence_count = ?, last_seen = ? WHERE id = ?`,
			existing.OccurrenceCount, existing.LastSeen, existing.ID); err != nil {
			return nil, fmt.Errorf("update daemon error: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit record error: %w", err)
		}
		return &existing, nil
	case errors.Is(err, sql.ErrNoRows):
		entry := &DaemonError{
			DaemonID:        daemonID,
			ErrorType:       errType,
			Message:         message,
			OccurrenceCount: 1,
			FirstSeen:       now,
			LastSeen:        now,
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO daemon_error (daemon_id, error_type, message, occurrence_count, first_seen, last_seen)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			entry.DaemonID, entry.ErrorType, entry.Message, entry.OccurrenceCount, entry.FirstSeen, entry.LastSeen)
		if err != nil {
			return nil, fmt.Errorf("insert daemon error: %w", err)
		}
		entry.ID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert daemon error: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit record error: %w", err)
		}
		return entry, nil
	default:
		return nil, fmt.Errorf("lookup daemon error: %w", err)
	}
}

// ListErrors returns a daemon's unresolved errors, newest first.
func (s *ObservabilityStore) ListErrors(ctx context.Context, daemonID string, limit int) ([]*DaemonError, error) {
	if limit <= 0 {
		limit = 100
	}
	rows := []*DaemonError{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM daemon_error WHERE daemon_id = ? AND resolved = 0 ORDER BY last_seen DESC LIMIT ?`,
		daemonID, limit)
	if err != nil {
		return nil, fmt.Errorf("list daemon errors: %w", err)
	}
	return rows, nil
}

// ResolveError marks one error row resolved.
func (s *ObservabilityStore) ResolveError(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE daemon_error SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("resolve daemon error: %w", err)
	}
	return requireRow(res, fmt.Sprintf("daemon error %d", id))
}

// InsertActivity records one activity entry.
func (s *ObservabilityStore) InsertActivity(ctx context.Context, daemonID, activityType, message string, details JSONMap) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daemon_activity (daemon_id, activity_type, message, details, created_at) VALUES (?, ?, ?, ?, ?)`,
		daemonID, activityType, message, details, utcNow())
	if err != nil {
		return fmt.Errorf("insert daemon activity: %w", err)
	}
	return nil
}

// InsertMetric records one metric sample.
func (s *ObservabilityStore) InsertMetric(ctx context.Context, daemonID, name string, value float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daemon_metric (daemon_id, name, value, created_at) VALUES (?, ?, ?, ?)`,
		daemonID, name, value, utcNow())
	if err != nil {
		return fmt.Errorf("insert daemon metric: %w", err)
	}
	return nil
}

// InsertAlert raises an alert.
func (s *ObservabilityStore) InsertAlert(ctx context.Context, daemonID string, severity AlertSeverity, title, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daemon_alert (daemon_id, severity, title, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		daemonID, severity, title, message, utcNow())
	if err != nil {
		return fmt.Errorf("insert daemon alert: %w", err)
	}
	return nil
}

// UpsertStatus recomputes the daemon's rolling 24h counters and writes
// the single daemon_status row in place.
func (s *ObservabilityStore) UpsertStatus(ctx context.Context, daemonID, currentActivity string) (*DaemonStatusRow, error) {
	since := utcNow().Add(-24 * time.Hour)

	var launched int64
	if err := s.db.GetContext(ctx, &launched,
		`SELECT COUNT(*) FROM daemon_job_history WHERE daemon_id = ? AND action = ? AND created_at > ?`,
		daemonID, JobActionLaunched, since); err != nil {
		return nil, fmt.Errorf("count launched jobs: %w", err)
	}
	var errCount int64
	if err := s.db.GetContext(ctx, &errCount,
		`SELECT COUNT(*) FROM daemon_error WHERE daemon_id = ? AND last_seen > ?`,
		daemonID, since); err != nil {
		return nil, fmt.Errorf("count errors: %w", err)
	}
	var warnCount int64
	if err := s.db.GetContext(ctx, &warnCount,
		`SELECT COUNT(*) FROM daemon_log WHERE daemon_id = ? AND level = ? AND created_at > ?`,
		daemonID, LogLevelWarning, since); err != nil {
		return nil, fmt.Errorf("count warnings: %w", err)
	}

	row := &DaemonStatusRow{
		DaemonID:        daemonID,
		CurrentActivity: currentActivity,
		HealthScore:     healthScore(errCount, warnCount),
		JobsLaunched24h: launched,
		Errors24h:       errCount,
		Warnings24h:     warnCount,
		UpdatedAt:       utcNow(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daemon_status (daemon_id, current_activity, health_score, jobs_launched_24h, errors_24h, warnings_24h, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(daemon_id) DO UPDATE SET
			current_activity = excluded.current_activity,
			health_score = excluded.health_score,
			jobs_launched_24h = excluded.jobs_launched_24h,
			errors_24h = excluded.errors_24h,
			warnings_24h = excluded.warnings_24h,
			updated_at = excluded.updated_at`,
		row.DaemonID, row.CurrentActivity, row.HealthScore,
		row.JobsLaunched24h, row.Errors24h, row.Warnings24h, row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert daemon status: %w", err)
	}
	return row, nil
}

// GetStatus returns the daemon_status row or ErrNotFound.
func (s *ObservabilityStore) GetStatus(ctx context.Context, daemonID string) (*DaemonStatusRow, error) {
	var row DaemonStatusRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM daemon_status WHERE daemon_id = ?`, daemonID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("daemon status %s: %w", daemonID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get daemon status: %w", err)
	}
	return &row, nil
}

// healthScore derives a 0-100 score from the 24h error and warning
// counts. Errors weigh five times a warning.
func healthScore(errs, warns int64) float64 {
	score := 100 - float64(errs)*10 - float64(warns)*2
	if score < 0 {
		return 0
	}
	return score
}
