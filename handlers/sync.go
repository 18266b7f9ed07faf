// Package handlers holds the core job handlers registered by the
// composition root: the sync family, plan application, upstream
// scan/generate, cleanup, download processing, and the test loop.
package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stashhog/stashhog/jobs"
	"github.com/stashhog/stashhog/stash"
	"github.com/stashhog/stashhog/storage"
	synccoord "github.com/stashhog/stashhog/sync"
)

// Ingest persists fetched upstream entities into the application's
// library tables. The library schema belongs to the embedding
// application; the sync handlers only drive pagination and report what
// the ingester did with each batch.
type Ingest interface {
	IngestScenes(ctx context.Context, scenes []*stash.Scene) (created, updated int, err error)
	IngestPerformers(ctx context.Context, performers []*stash.Performer) (created, updated int, err error)
	IngestTags(ctx context.Context, tags []*stash.Tag) (created, updated int, err error)
	IngestStudios(ctx context.Context, studios []*stash.Studio) (created, updated int, err error)
}

// SyncClient is the slice of the upstream client the sync handlers
// drive.
type SyncClient interface {
	FindScenes(ctx context.Context, filter *stash.FindFilter, sceneFilter map[string]any, sceneIDs []int) (*stash.ScenesResult, error)
	FindPerformers(ctx context.Context, q string, page, perPage int) (*stash.PerformersResult, error)
	FindTags(ctx context.Context, q string, page, perPage int) (*stash.TagsResult, error)
	FindStudios(ctx context.Context, q string, page, perPage int) (*stash.StudiosResult, error)
}

// DefaultSyncBatch is the upstream page size when the job does not set
// one.
const DefaultSyncBatch = 100

// SyncHandler runs the SYNC job family: full or incremental pagination
// through the upstream, delegating persistence to the Ingest
// collaborator and recording a SyncHistory row per entity class.
type SyncHandler struct {
	client      SyncClient
	coordinator *synccoord.Coordinator
	ingest      Ingest
	logger      *slog.Logger

	// entities selects which classes this registration covers; SYNC
	// covers all four, SYNC_SCENES only scenes, and so on.
	entities []storage.SyncEntityType
}

// NewSyncHandler builds a handler covering the given entity classes.
func NewSyncHandler(client SyncClient, coordinator *synccoord.Coordinator, ingest Ingest, logger *slog.Logger, entities ...storage.SyncEntityType) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if len(entities) == 0 {
		entities = []storage.SyncEntityType{
			storage.SyncEntityScene,
			storage.SyncEntityPerformer,
			storage.SyncEntityTag,
			storage.SyncEntityStudio,
		}
	}
	return &SyncHandler{
		client:      client,
		coordinator: coordinator,
		ingest:      ingest,
		logger:      logger,
		entities:    entities,
	}
}

// Run implements jobs.Handler.
func (h *SyncHandler) Run(ctx context.Context, inv *jobs.Invocation) (map[string]any, error) {
	var params jobs.SyncParams
	if err := inv.DecodeParams(&params); err != nil {
		return nil, err
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = DefaultSyncBatch
	}

	result := map[string]any{}
	for i, entity := range h.entities {
		if inv.Token.Cancelled() {
			return nil, inv.Token.Err()
		}
		base := i * 100 / len(h.entities)
		span := 100 / len(h.entities)

		counters, err := h.syncEntity(ctx, inv, entity, params, batch, base, span)
		if err != nil {
			return nil, err
		}
		result[string(entity)+"_synced"] = counters.Synced
		result[string(entity)+"_created"] = counters.Created
		result[string(entity)+"_updated"] = counters.Updated
	}
	_ = inv.Reporter.Progress(ctx, 100, "Sync complete")
	return result, nil
}

func (h *SyncHandler) syncEntity(ctx context.Context, inv *jobs.Invocation, entity storage.SyncEntityType, params jobs.SyncParams, batch, base, span int) (storage.SyncCounters, error) {
	var counters storage.SyncCounters

	syncID, err := h.coordinator.BeginSync(ctx, entity, &inv.JobID)
	if err != nil {
		return counters, err
	}

	counters, runErr := h.paginate(ctx, inv, entity, params, batch, base, span)
	status := storage.SyncStatusCompleted
	var details storage.JSONMap
	if runErr != nil {
		status = storage.SyncStatusFailed
		details = storage.JSONMap{"error": runErr.Error()}
	}
	if err := h.coordinator.FinishSync(ctx, syncID, status, counters, details); err != nil {
		h.logger.Error("Failed to close sync history row", "sync_id", syncID, "error", err)
	}
	return counters, runErr
}

func (h *SyncHandler) paginate(ctx context.Context, inv *jobs.Invocation, entity storage.SyncEntityType, params jobs.SyncParams, batch, base, span int) (storage.SyncCounters, error) {
	var counters storage.SyncCounters
	page := 1
	for {
		if inv.Token.Cancelled() {
			return counters, inv.Token.Err()
		}

		total, fetched, created, updated, err := h.fetchPage(ctx, entity, params, page, batch)
		if err != nil {
			return counters, fmt.Errorf("sync %s page %d: %w", entity, page, err)
		}
		counters.Synced += int64(fetched)
		counters.Created += int64(created)
		counters.Updated += int64(updated)

		if total > 0 {
			pct := base + int(int64(counters.Synced)*int64(span)/int64(total))
			_ = inv.Reporter.Progress(ctx, pct,
				fmt.Sprintf("Syncing %ss: %d/%d", entity, counters.Synced, total))
			_ = inv.Reporter.SetCounts(ctx, counters.Synced, int64(total))
		}

		if fetched < batch || int(counters.Synced) >= total {
			return counters, nil
		}
		page++
	}
}

// fetchPage pulls one upstream page for the entity class and hands it
// to the ingester. Scene pages honor the incremental updated_at
// boundary unless the job forces a full pass.
func (h *SyncHandler) fetchPage(ctx context.Context, entity storage.SyncEntityType, params jobs.SyncParams, page, batch int) (total, fetched, created, updated int, err error) {
	switch entity {
	case storage.SyncEntityScene:
		filter := &stash.FindFilter{Page: page, PerPage: batch, Sort: "updated_at", Direction: "ASC"}
		var sceneFilter map[string]any
		if !params.Force && !params.Full {
			last, lerr := h.coordinator.LastSync(ctx, storage.SyncEntityScene)
			if lerr != nil {
				return 0, 0, 0, 0, lerr
			}
			if last != nil {
				sceneFilter = map[string]any{
					"updated_at": map[string]any{
						"value":    synccoord.FormatBoundary(*last, h.coordinator.Location()),
						"modifier": "GREATER_THAN",
					},
				}
			}
		}
		res, ferr := h.client.FindScenes(ctx, filter, sceneFilter, params.SceneIDs)
		if ferr != nil {
			return 0, 0, 0, 0, ferr
		}
		c, u, ierr := h.ingest.IngestScenes(ctx, res.Scenes)
		return res.Count, len(res.Scenes), c, u, ierr

	case storage.SyncEntityPerformer:
		res, ferr := h.client.FindPerformers(ctx, "", page, batch)
		if ferr != nil {
			return 0, 0, 0, 0, ferr
		}
		c, u, ierr := h.ingest.IngestPerformers(ctx, res.Performers)
		return res.Count, len(res.Performers), c, u, ierr

	case storage.SyncEntityTag:
		res, ferr := h.client.FindTags(ctx, "", page, batch)
		if ferr != nil {
			return 0, 0, 0, 0, ferr
		}
		c, u, ierr := h.ingest.IngestTags(ctx, res.Tags)
		return res.Count, len(res.Tags), c, u, ierr

	case storage.SyncEntityStudio:
		res, ferr := h.client.FindStudios(ctx, "", page, batch)
		if ferr != nil {
			return 0, 0, 0, 0, ferr
		}
		c, u, ierr := h.ingest.IngestStudios(ctx, res.Studios)
		return res.Count, len(res.Studios), c, u, ierr
	}
	return 0, 0, 0, 0, fmt.Errorf("unknown sync entity: %s", entity)
}
