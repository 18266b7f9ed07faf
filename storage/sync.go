package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SyncStore owns the append-only sync_history table.
type SyncStore struct {
	db *sqlx.DB
}

// SyncCounters carries the item totals of a finished sync run.
type SyncCounters struct {
	Synced  int64
	Created int64
	Updated int64
	Failed  int64
}

// Begin inserts an in_progress row and returns its id.
func (s *SyncStore) Begin(ctx context.Context, entity SyncEntityType, jobID *string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_history (entity_type, job_id, status, started_at) VALUES (?, ?, ?, ?)`,
		entity, jobID, SyncStatusInProgress, utcNow())
	if err != nil {
		return 0, fmt.Errorf("begin sync: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("begin sync: %w", err)
	}
	return id, nil
}

// Finish stamps completed_at and records the final status and counters.
func (s *SyncStore) Finish(ctx context.Context, id int64, status SyncRunStatus, counters SyncCounters, errDetails JSONMap) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_history SET status = ?, completed_at = ?, items_synced = ?, items_created = ?,
		 items_updated = ?, items_failed = ?, error_details = ? WHERE id = ?`,
		status, utcNow(), counters.Synced, counters.Created, counters.Updated, counters.Failed, errDetails, id)
	if err != nil {
		return fmt.Errorf("finish sync: %w", err)
	}
	return requireRow(res, fmt.Sprintf("sync %d", id))
}

// Get returns one history row or ErrNotFound.
func (s *SyncStore) Get(ctx context.Context, id int64) (*SyncHistory, error) {
	var h SyncHistory
	err := s.db.GetContext(ctx, &h, `SELECT * FROM sync_history WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get sync: %w", err)
	}
	return &h, nil
}

// LastCompleted returns the completed_at of the most recent successful
// run for the entity class, or nil when none exists.
func (s *SyncStore) LastCompleted(ctx context.Context, entity SyncEntityType) (*time.Time, error) {
	var completed time.Time
	err := s.db.GetContext(ctx, &completed,
		`SELECT completed_at FROM sync_history
		 WHERE entity_type = ? AND status = ? AND completed_at IS NOT NULL
		 ORDER BY completed_at DESC LIMIT 1`,
		entity, SyncStatusCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last completed sync: %w", err)
	}
	return utcPtr(completed), nil
}

// History lists recent runs for an entity class, newest first.
func (s *SyncStore) History(ctx context.Context, entity SyncEntityType, limit int) ([]*SyncHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows := []*SyncHistory{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM sync_history WHERE entity_type = ? ORDER BY started_at DESC LIMIT ?`,
		entity, limit)
	if err != nil {
		return nil, fmt.Errorf("sync history: %w", err)
	}
	return rows, nil
}
