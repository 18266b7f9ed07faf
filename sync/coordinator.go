// Package sync tracks incremental sync state against the upstream
// Stash server: when each entity class last synced, how many scenes
// changed since, and the per-run history rows.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stashhog/stashhog/stash"
	"github.com/stashhog/stashhog/storage"
)

// DefaultTimezone is the upstream server's assumed local timezone when
// none is configured. Stash compares updated_at filters in its own
// local time, so the boundary has to be rendered there.
const DefaultTimezone = "America/Los_Angeles"

// SceneFinder is the slice of the upstream client the coordinator
// needs.
type SceneFinder interface {
	FindScenes(ctx context.Context, filter *stash.FindFilter, sceneFilter map[string]any, sceneIDs []int) (*stash.ScenesResult, error)
}

// Coordinator decides what an incremental sync has to cover.
type Coordinator struct {
	store    *storage.SyncStore
	upstream SceneFinder
	location *time.Location
	logger   *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimezone sets the upstream timezone used to format updated_at
// boundaries. An unknown name falls back to DefaultTimezone.
func WithTimezone(name string) Option {
	return func(c *Coordinator) {
		loc, err := time.LoadLocation(name)
		if err != nil {
			c.logger.Warn("Unknown upstream timezone, using default",
				"timezone", name, "default", DefaultTimezone)
			return
		}
		c.location = loc
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// NewCoordinator builds a Coordinator over the sync history store and
// the upstream client.
func NewCoordinator(store *storage.SyncStore, upstream SceneFinder, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		upstream: upstream,
		logger:   slog.Default(),
	}
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	c.location = loc
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Location returns the configured upstream timezone.
func (c *Coordinator) Location() *time.Location { return c.location }

// LastSync returns when the entity class last completed a sync, or nil
// if it never has.
func (c *Coordinator) LastSync(ctx context.Context, entity storage.SyncEntityType) (*time.Time, error) {
	return c.store.LastCompleted(ctx, entity)
}

// PendingSceneCount reports how many upstream scenes changed since the
// last completed scene sync. With no prior sync every scene is
// pending.
func (c *Coordinator) PendingSceneCount(ctx context.Context) (int, error) {
	last, err := c.LastSync(ctx, storage.SyncEntityScene)
	if err != nil {
		return 0, fmt.Errorf("last scene sync: %w", err)
	}

	// count is the full match count regardless of page size; one row
	// per page keeps the payload small.
	filter := &stash.FindFilter{Page: 1, PerPage: 1}
	var sceneFilter map[string]any
	if last != nil {
		sceneFilter = map[string]any{
			"updated_at": map[string]any{
				"value":    FormatBoundary(*last, c.location),
				"modifier": "GREATER_THAN",
			},
		}
	}

	result, err := c.upstream.FindScenes(ctx, filter, sceneFilter, nil)
	if err != nil {
		return 0, fmt.Errorf("count pending scenes: %w", err)
	}
	return result.Count, nil
}

// BeginSync opens an in_progress history row for the run.
func (c *Coordinator) BeginSync(ctx context.Context, entity storage.SyncEntityType, jobID *string) (int64, error) {
	id, err := c.store.Begin(ctx, entity, jobID)
	if err != nil {
		return 0, fmt.Errorf("begin %s sync: %w", entity, err)
	}
	c.logger.Info("Sync started", "sync_id", id, "entity_type", entity)
	return id, nil
}

// FinishSync closes the run with its final status and counters.
func (c *Coordinator) FinishSync(ctx context.Context, syncID int64, status storage.SyncRunStatus, counters storage.SyncCounters, errDetails storage.JSONMap) error {
	if err := c.store.Finish(ctx, syncID, status, counters, errDetails); err != nil {
		return fmt.Errorf("finish sync %d: %w", syncID, err)
	}
	c.logger.Info("Sync finished",
		"sync_id", syncID, "status", status, "synced", counters.Synced,
		"created", counters.Created, "updated", counters.Updated,
		"failed", counters.Failed)
	return nil
}

// History returns the most recent runs for an entity class.
func (c *Coordinator) History(ctx context.Context, entity storage.SyncEntityType, limit int) ([]*storage.SyncHistory, error) {
	return c.store.History(ctx, entity, limit)
}

// FormatBoundary renders a UTC instant the way the upstream filter
// expects it: wall-clock time in the upstream's timezone at second
// precision, with a literal Z suffix regardless of the actual offset.
func FormatBoundary(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02T15:04:05") + "Z"
}
