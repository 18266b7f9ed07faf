package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/stashhog/stashhog/jobs"
	"github.com/stashhog/stashhog/storage"
)

// Default retention windows for the CLEANUP job.
const (
	DefaultJobRetentionDays = 30
	DefaultLogRetentionDays = 7
)

// CleanupHandler prunes terminal job rows and daemon logs past their
// retention windows.
type CleanupHandler struct {
	jobs    *storage.JobStore
	observe *storage.ObservabilityStore
}

// NewCleanupHandler builds the handler.
func NewCleanupHandler(jobStore *storage.JobStore, observe *storage.ObservabilityStore) *CleanupHandler {
	return &CleanupHandler{jobs: jobStore, observe: observe}
}

// Run implements jobs.Handler.
func (h *CleanupHandler) Run(ctx context.Context, inv *jobs.Invocation) (map[string]any, error) {
	var params jobs.CleanupParams
	if err := inv.DecodeParams(&params); err != nil {
		return nil, err
	}
	jobDays := params.RetentionDays
	if jobDays <= 0 {
		jobDays = DefaultJobRetentionDays
	}
	logDays := params.LogRetentionDays
	if logDays <= 0 {
		logDays = DefaultLogRetentionDays
	}

	_ = inv.Reporter.Progress(ctx, 10, fmt.Sprintf("Pruning jobs older than %d days", jobDays))
	prunedJobs, err := h.jobs.CleanupOld(ctx, jobDays)
	if err != nil {
		return nil, fmt.Errorf("prune jobs: %w", err)
	}

	_ = inv.Reporter.Progress(ctx, 60, fmt.Sprintf("Pruning daemon logs older than %d days", logDays))
	prunedLogs, err := h.observe.PruneLogs(ctx, time.Duration(logDays)*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("prune daemon logs: %w", err)
	}

	return map[string]any{
		"jobs_pruned": prunedJobs,
		"logs_pruned": prunedLogs,
	}, nil
}
