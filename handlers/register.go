package handlers

import (
	"log/slog"

	"github.com/stashhog/stashhog/jobs"
	"github.com/stashhog/stashhog/plan"
	"github.com/stashhog/stashhog/stash"
	"github.com/stashhog/stashhog/storage"
	synccoord "github.com/stashhog/stashhog/sync"
)

// Deps carries everything the core handlers need. Ingest may be nil,
// in which case the sync handlers are skipped; the embedding
// application registers its own.
type Deps struct {
	Stash         *stash.Client
	Plans         *plan.Manager
	Coordinator   *synccoord.Coordinator
	Store         *storage.Store
	Ingest        Ingest
	DownloadsDir  string
	DownloadGlobs []string
	Logger        *slog.Logger
}

// RegisterAll installs the core handler set on the job service.
func RegisterAll(svc *jobs.Service, deps Deps) error {
	if deps.Ingest != nil {
		register := func(jt storage.JobType, entities ...storage.SyncEntityType) error {
			return svc.Register(jt, NewSyncHandler(deps.Stash, deps.Coordinator, deps.Ingest, deps.Logger, entities...))
		}
		if err := register(storage.JobTypeSync); err != nil {
			return err
		}
		if err := register(storage.JobTypeSyncScenes, storage.SyncEntityScene); err != nil {
			return err
		}
		if err := register(storage.JobTypeSyncPerformers, storage.SyncEntityPerformer); err != nil {
			return err
		}
		if err := register(storage.JobTypeSyncTags, storage.SyncEntityTag); err != nil {
			return err
		}
		if err := register(storage.JobTypeSyncStudios, storage.SyncEntityStudio); err != nil {
			return err
		}
	}

	if err := svc.Register(storage.JobTypeApplyPlan, NewApplyPlanHandler(deps.Plans)); err != nil {
		return err
	}
	if err := svc.Register(storage.JobTypeCleanup, NewCleanupHandler(deps.Store.Jobs, deps.Store.Observe)); err != nil {
		return err
	}
	if err := svc.Register(storage.JobTypeStashScan, NewStashJobHandler(deps.Stash, StashJobScan)); err != nil {
		return err
	}
	if err := svc.Register(storage.JobTypeStashGenerate, NewStashJobHandler(deps.Stash, StashJobGenerate)); err != nil {
		return err
	}
	if err := svc.Register(storage.JobTypeProcessDownloads, NewProcessDownloadsHandler(deps.DownloadsDir, deps.DownloadGlobs)); err != nil {
		return err
	}
	return svc.Register(storage.JobTypeTest, NewTestHandler())
}
