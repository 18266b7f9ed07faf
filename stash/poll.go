package stash

import (
	"context"
	"fmt"
	"time"

	"github.com/stashhog/stashhog/task"
)

// PollStashJob polls an upstream job until it reaches a terminal
// state. Progress/description changes are reported through report; a
// set cancellation token triggers StopJob exactly once, after which
// polling continues until the upstream confirms a terminal status.
func (c *Client) PollStashJob(ctx context.Context, jobID string, report func(progress float64, description string), token *task.Token) (*UpstreamJob, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastProgress float64 = -1
	var lastDescription string
	stopRequested := false

	for {
		job, err := c.FindJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("poll upstream job %s: %w", jobID, err)
		}

		if report != nil && (job.Progress != lastProgress || job.Description != lastDescription) {
			lastProgress = job.Progress
			lastDescription = job.Description
			report(job.Progress, job.Description)
		}

		if TerminalUpstream(job.Status) {
			return job, nil
		}

		if token != nil && token.Cancelled() && !stopRequested {
			// Exactly one stop request; subsequent STOPPING polls must
			// not retrigger it.
			stopRequested = true
			if _, err := c.StopJob(ctx, jobID); err != nil {
				c.logger.Warn("Failed to stop upstream job",
					"upstream_job_id", jobID, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil, NewConnectionError(ctx.Err())
		case <-ticker.C:
		}
	}
}
