package handlers

import (
	"context"
	"fmt"

	"github.com/stashhog/stashhog/jobs"
	"github.com/stashhog/stashhog/stash"
	"github.com/stashhog/stashhog/task"
)

// UpstreamJobClient is the slice of the stash client that launches and
// tracks upstream-managed jobs.
type UpstreamJobClient interface {
	MetadataScan(ctx context.Context, input map[string]any) (string, error)
	MetadataGenerate(ctx context.Context, input map[string]any) (string, error)
	PollStashJob(ctx context.Context, jobID string, report func(progress float64, description string), token *task.Token) (*stash.UpstreamJob, error)
}

// StashJobKind selects which upstream mutation a StashJobHandler
// launches.
type StashJobKind string

const (
	StashJobScan     StashJobKind = "scan"
	StashJobGenerate StashJobKind = "generate"
)

// StashJobHandler runs STASH_SCAN and STASH_GENERATE jobs: it launches
// the upstream mutation and mirrors the upstream job's progress into
// the local one. Cancelling the local job asks the upstream to stop
// and then waits for the upstream's own terminal status.
type StashJobHandler struct {
	client UpstreamJobClient
	kind   StashJobKind
}

// NewStashJobHandler builds a handler for one upstream mutation kind.
func NewStashJobHandler(client UpstreamJobClient, kind StashJobKind) *StashJobHandler {
	return &StashJobHandler{client: client, kind: kind}
}

// Run implements jobs.Handler.
func (h *StashJobHandler) Run(ctx context.Context, inv *jobs.Invocation) (map[string]any, error) {
	var params jobs.ScanParams
	if err := inv.DecodeParams(&params); err != nil {
		return nil, err
	}

	var upstreamID string
	var err error
	switch h.kind {
	case StashJobScan:
		upstreamID, err = h.client.MetadataScan(ctx, params.Input)
	case StashJobGenerate:
		upstreamID, err = h.client.MetadataGenerate(ctx, params.Input)
	default:
		return nil, fmt.Errorf("unknown stash job kind: %s", h.kind)
	}
	if err != nil {
		return nil, fmt.Errorf("launch upstream %s: %w", h.kind, err)
	}
	_ = inv.Reporter.Progress(ctx, 0, fmt.Sprintf("Upstream %s started (job %s)", h.kind, upstreamID))

	final, err := h.client.PollStashJob(ctx, upstreamID, func(progress float64, description string) {
		pct := int(progress * 100)
		msg := description
		if msg == "" {
			msg = fmt.Sprintf("Upstream %s in progress", h.kind)
		}
		_ = inv.Reporter.Progress(ctx, pct, msg)
	}, inv.Token)
	if err != nil {
		return nil, err
	}

	switch final.Status {
	case stash.UpstreamJobCancelled:
		_ = inv.Reporter.Progress(ctx, int(final.Progress*100),
			fmt.Sprintf("Upstream job %s cancelled", upstreamID))
		return nil, task.ErrCancelled
	case stash.UpstreamJobFailed:
		return nil, fmt.Errorf("upstream %s job %s failed: %s", h.kind, upstreamID, final.Error)
	}
	return map[string]any{
		"upstream_job_id": upstreamID,
		"status":          final.Status,
	}, nil
}
