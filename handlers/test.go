package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/stashhog/stashhog/jobs"
)

// TestHandler runs TEST jobs: a configurable step loop exercising
// progress reporting, cancellation, and failure paths. The TestDaemon
// launches these to verify a deployment end to end.
type TestHandler struct{}

// NewTestHandler builds the handler.
func NewTestHandler() *TestHandler { return &TestHandler{} }

// Run implements jobs.Handler.
func (h *TestHandler) Run(ctx context.Context, inv *jobs.Invocation) (map[string]any, error) {
	var params jobs.TestParams
	if err := inv.DecodeParams(&params); err != nil {
		return nil, err
	}
	steps := params.Steps
	if steps <= 0 {
		steps = 5
	}
	delay := time.Duration(params.StepDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-inv.Token.Done():
			return nil, inv.Token.Err()
		case <-time.After(delay):
		}
		_ = inv.Reporter.Progress(ctx, i*100/steps, fmt.Sprintf("Step %d of %d", i, steps))
	}
	if params.Fail {
		return nil, fmt.Errorf("test job failed on request")
	}
	return map[string]any{"steps": steps}, nil
}
