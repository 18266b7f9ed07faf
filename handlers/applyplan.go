package handlers

import (
	"context"

	"github.com/stashhog/stashhog/jobs"
	"github.com/stashhog/stashhog/plan"
)

// ApplyPlanHandler runs APPLY_PLAN jobs: it applies a reviewed plan's
// approved changes upstream through the plan manager.
type ApplyPlanHandler struct {
	plans *plan.Manager
}

// NewApplyPlanHandler builds the handler.
func NewApplyPlanHandler(plans *plan.Manager) *ApplyPlanHandler {
	return &ApplyPlanHandler{plans: plans}
}

// Run implements jobs.Handler.
func (h *ApplyPlanHandler) Run(ctx context.Context, inv *jobs.Invocation) (map[string]any, error) {
	var params jobs.ApplyPlanParams
	if err := inv.DecodeParams(&params); err != nil {
		return nil, err
	}
	if params.PlanID == 0 {
		return nil, jobs.NewValidationError("plan_id", "plan_id is required")
	}

	result, err := h.plans.ApplyPlan(ctx, params.PlanID, params.ChangeIDs, func(done, total int) {
		if inv.Token.Cancelled() {
			return
		}
		pct := 0
		if total > 0 {
			pct = done * 100 / total
		}
		_ = inv.Reporter.Progress(ctx, pct, "Applying plan changes")
		_ = inv.Reporter.SetCounts(ctx, int64(done), int64(total))
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"plan_id":            params.PlanID,
		"total":              result.Total,
		"applied":            result.Applied,
		"skipped":            result.Skipped,
		"failed":             result.Failed,
		"modified_scene_ids": result.ModifiedSceneIDs,
	}, nil
}
