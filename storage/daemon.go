package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// DaemonStore owns the daemon table. The supervisor is its only writer.
type DaemonStore struct {
	db *sqlx.DB
}

// Create inserts a daemon row. The id is generated when empty.
func (s *DaemonStore) Create(ctx context.Context, d *Daemon) (*Daemon, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = DaemonStatusStopped
	}
	now := utcNow()
	d.CreatedAt = now
	d.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daemon (id, name, type, enabled, auto_start, status, configuration, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Type, d.Enabled, d.AutoStart, d.Status, d.Configuration, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("daemon %q: %w", d.Name, ErrDuplicateName)
		}
		return nil, fmt.Errorf("create daemon: %w", err)
	}
	return d, nil
}

// Get returns the daemon by id or ErrNotFound.
func (s *DaemonStore) Get(ctx context.Context, id string) (*Daemon, error) {
	var d Daemon
	err := s.db.GetContext(ctx, &d, `SELECT * FROM daemon WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("daemon %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get daemon: %w", err)
	}
	return &d, nil
}

// GetByName returns the daemon by its unique name or ErrNotFound.
func (s *DaemonStore) GetByName(ctx context.Context, name string) (*Daemon, error) {
	var d Daemon
	err := s.db.GetContext(ctx, &d, `SELECT * FROM daemon WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("daemon %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get daemon by name: %w", err)
	}
	return &d, nil
}

// List returns all daemons ordered by name.
func (s *DaemonStore) List(ctx context.Context) ([]*Daemon, error) {
	daemons := []*Daemon{}
	if err := s.db.SelectContext(ctx, &daemons, `SELECT * FROM daemon ORDER BY name ASC`); err != nil {
		return nil, fmt.Errorf("list daemons: %w", err)
	}
	return daemons, nil
}

// ListAutoStart returns enabled daemons flagged for start at boot.
func (s *DaemonStore) ListAutoStart(ctx context.Context) ([]*Daemon, error) {
	daemons := []*Daemon{}
	err := s.db.SelectContext(ctx, &daemons,
		`SELECT * FROM daemon WHERE enabled = 1 AND auto_start = 1 ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list auto-start daemons: %w", err)
	}
	return daemons, nil
}

// UpdateStatus transitions the daemon row. startedAt is written as
// given (nil clears it, which Stop relies on).
func (s *DaemonStore) UpdateStatus(ctx context.Context, id string, status DaemonRunStatus, startedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE daemon SET status = ?, started_at = ?, updated_at = ? WHERE id = ?`,
		status, timePtr(startedAt), utcNow(), id)
	if err != nil {
		return fmt.Errorf("update daemon status: %w", err)
	}
	return requireRow(res, fmt.Sprintf("daemon %s", id))
}

// UpdateHeartbeat stamps last_heartbeat.
func (s *DaemonStore) UpdateHeartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE daemon SET last_heartbeat = ? WHERE id = ?`, utcNow(), id)
	if err != nil {
		return fmt.Errorf("update daemon heartbeat: %w", err)
	}
	return requireRow(res, fmt.Sprintf("daemon %s", id))
}

// UpdateConfig persists configuration and the optional flags; changes
// take effect on the daemon's next start.
func (s *DaemonStore) UpdateConfig(ctx context.Context, id string, cfg JSONMap, enabled, autoStart *bool) error {
	query := `UPDATE daemon SET configuration = ?, updated_at = ?`
	args := []any{cfg, utcNow()}
	if enabled != nil {
		query += `, enabled = ?`
		args = append(args, *enabled)
	}
	if autoStart != nil {
		query += `, auto_start = ?`
		args = append(args, *autoStart)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update daemon config: %w", err)
	}
	return requireRow(res, fmt.Sprintf("daemon %s", id))
}
