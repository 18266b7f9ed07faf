package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/stashhog/stashhog/storage"
)

// Per-type parameter shapes. Parameters travel as an opaque map on the
// job row; handlers decode into the typed struct for their type.

// SyncParams configures the sync job family.
type SyncParams struct {
	Force         bool  `json:"force"`
	PendingScenes int   `json:"pending_scenes,omitempty"`
	Full          bool  `json:"full,omitempty"`
	BatchSize     int   `json:"batch_size,omitempty"`
	SceneIDs      []int `json:"scene_ids,omitempty"`
}

// ApplyPlanParams configures an APPLY_PLAN job.
type ApplyPlanParams struct {
	PlanID    int64   `json:"plan_id"`
	ChangeIDs []int64 `json:"change_ids,omitempty"`
}

// ScanParams configures STASH_SCAN and STASH_GENERATE jobs; the input
// map is passed through to the upstream mutation.
type ScanParams struct {
	Input map[string]any `json:"input,omitempty"`
}

// CleanupParams configures a CLEANUP job.
type CleanupParams struct {
	RetentionDays    int `json:"retention_days,omitempty"`
	LogRetentionDays int `json:"log_retention_days,omitempty"`
}

// ProcessDownloadsParams configures a PROCESS_DOWNLOADS job.
type ProcessDownloadsParams struct {
	Directory string   `json:"directory,omitempty"`
	Patterns  []string `json:"patterns,omitempty"`
}

// TestParams configures a TEST job.
type TestParams struct {
	Steps       int  `json:"steps,omitempty"`
	StepDelayMs int  `json:"step_delay_ms,omitempty"`
	Fail        bool `json:"fail,omitempty"`
}

// DecodeParams converts the opaque parameter map captured at CreateJob
// into a typed per-type struct via a JSON round trip.
func DecodeParams(params storage.JSONMap, dst any) error {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode job parameters: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode job parameters: %w", err)
	}
	return nil
}
