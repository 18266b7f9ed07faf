// Package storage provides the relational store for StashHog core
// entities: jobs, analysis plans, daemons, sync history, and the
// per-daemon observability rows. It is backed by SQLite via sqlx.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusRunning    JobStatus = "RUNNING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelling JobStatus = "CANCELLING"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal rows are
// never transitioned again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobType identifies the registered handler a job runs under.
// The set is closed; handler registration rejects unknown types.
type JobType string

const (
	JobTypeSync                   JobType = "SYNC"
	JobTypeSyncScenes             JobType = "SYNC_SCENES"
	JobTypeSyncPerformers         JobType = "SYNC_PERFORMERS"
	JobTypeSyncTags               JobType = "SYNC_TAGS"
	JobTypeSyncStudios            JobType = "SYNC_STUDIOS"
	JobTypeAnalysis               JobType = "ANALYSIS"
	JobTypeNonAIAnalysis          JobType = "NON_AI_ANALYSIS"
	JobTypeApplyPlan              JobType = "APPLY_PLAN"
	JobTypeGenerateDetails        JobType = "GENERATE_DETAILS"
	JobTypeStashScan              JobType = "STASH_SCAN"
	JobTypeStashGenerate          JobType = "STASH_GENERATE"
	JobTypeCheckStashGenerate     JobType = "CHECK_STASH_GENERATE"
	JobTypeLocalGenerate          JobType = "LOCAL_GENERATE"
	JobTypeProcessDownloads       JobType = "PROCESS_DOWNLOADS"
	JobTypeProcessNewScenes       JobType = "PROCESS_NEW_SCENES"
	JobTypeCleanup                JobType = "CLEANUP"
	JobTypeRemoveOrphanedEntities JobType = "REMOVE_ORPHANED_ENTITIES"
	JobTypeExport                 JobType = "EXPORT"
	JobTypeImport                 JobType = "IMPORT"
	JobTypeTest                   JobType = "TEST"
)

// Job is one invocation of a registered typed handler.
type Job struct {
	ID             string     `db:"id" json:"id"`
	Type           JobType    `db:"type" json:"type"`
	Status         JobStatus  `db:"status" json:"status"`
	Progress       int        `db:"progress" json:"progress"`
	ProcessedItems *int64     `db:"processed_items" json:"processed_items,omitempty"`
	TotalItems     *int64     `db:"total_items" json:"total_items,omitempty"`
	Parameters     JSONMap    `db:"parameters" json:"parameters"`
	Metadata       JSONMap    `db:"metadata" json:"metadata"`
	Result         JSONMap    `db:"result" json:"result,omitempty"`
	Error          *string    `db:"error" json:"error,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	StartedAt      *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// LastMessage returns the most recent progress message, if any.
func (j *Job) LastMessage() string {
	if j.Metadata == nil {
		return ""
	}
	if msg, ok := j.Metadata["last_message"].(string); ok {
		return msg
	}
	return ""
}

// TaskID returns the runner task handle recorded at submission, if any.
func (j *Job) TaskID() string {
	if j.Metadata == nil {
		return ""
	}
	if id, ok := j.Metadata["task_id"].(string); ok {
		return id
	}
	return ""
}

// PlanStatus represents the lifecycle state of an analysis plan.
type PlanStatus string

const (
	PlanStatusPending   PlanStatus = "PENDING"
	PlanStatusDraft     PlanStatus = "DRAFT"
	PlanStatusReviewing PlanStatus = "REVIEWING"
	PlanStatusApplied   PlanStatus = "APPLIED"
	PlanStatusCancelled PlanStatus = "CANCELLED"
)

// AnalysisPlan is a named batch of proposed scene edits.
type AnalysisPlan struct {
	ID          int64      `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	Description string     `db:"description" json:"description"`
	Metadata    JSONMap    `db:"plan_metadata" json:"metadata"`
	Status      PlanStatus `db:"status" json:"status"`
	JobID       *string    `db:"job_id" json:"job_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	AppliedAt   *time.Time `db:"applied_at" json:"applied_at,omitempty"`
}

// CanBeApplied reports whether the plan accepts ApplyPlan calls.
func (p *AnalysisPlan) CanBeApplied() bool {
	return p.Status == PlanStatusDraft || p.Status == PlanStatusReviewing
}

// ChangeStatus represents the review state of one plan change.
type ChangeStatus string

const (
	ChangeStatusPending  ChangeStatus = "PENDING"
	ChangeStatusApproved ChangeStatus = "APPROVED"
	ChangeStatusRejected ChangeStatus = "REJECTED"
	ChangeStatusApplied  ChangeStatus = "APPLIED"
)

// ChangeAction describes how a proposed value combines with the
// scene's current value.
type ChangeAction string

const (
	ChangeActionAdd    ChangeAction = "ADD"
	ChangeActionRemove ChangeAction = "REMOVE"
	ChangeActionUpdate ChangeAction = "UPDATE"
	ChangeActionSet    ChangeAction = "SET"
)

// PlanChange is one proposed field edit on one scene.
type PlanChange struct {
	ID            int64           `db:"id" json:"id"`
	PlanID        int64           `db:"plan_id" json:"plan_id"`
	SceneID       string          `db:"scene_id" json:"scene_id"`
	Field         string          `db:"field" json:"field"`
	Action        ChangeAction    `db:"action" json:"action"`
	CurrentValue  json.RawMessage `db:"current_value" json:"current_value,omitempty"`
	ProposedValue json.RawMessage `db:"proposed_value" json:"proposed_value"`
	Confidence    *float64        `db:"confidence" json:"confidence,omitempty"`
	Status        ChangeStatus    `db:"status" json:"status"`
	Applied       bool            `db:"applied" json:"applied"`
	AppliedAt     *time.Time      `db:"applied_at" json:"applied_at,omitempty"`
}

// CanBeApplied reports whether this change is still eligible for apply,
// given its owning plan's status.
func (c *PlanChange) CanBeApplied(plan PlanStatus) bool {
	if c.Status == ChangeStatusRejected || c.Status == ChangeStatusApplied {
		return false
	}
	return plan == PlanStatusDraft || plan == PlanStatusReviewing
}

// ChangeCounts is the per-status distribution of a plan's changes.
type ChangeCounts struct {
	Pending  int `db:"pending"`
	Approved int `db:"approved"`
	Rejected int `db:"rejected"`
	Applied  int `db:"applied"`
}

// Total returns the number of changes across all statuses.
func (c ChangeCounts) Total() int {
	return c.Pending + c.Approved + c.Rejected + c.Applied
}

// DaemonType identifies a registered daemon implementation.
type DaemonType string

const (
	DaemonTypeAutoStashSync    DaemonType = "AUTO_STASH_SYNC"
	DaemonTypeTest             DaemonType = "TEST_DAEMON"
	DaemonTypeDownloadsWatcher DaemonType = "DOWNLOADS_WATCHER"
	DaemonTypeScheduler        DaemonType = "SCHEDULER"
)

// DaemonRunStatus represents the lifecycle state of a daemon row.
type DaemonRunStatus string

const (
	DaemonStatusStopped DaemonRunStatus = "STOPPED"
	DaemonStatusRunning DaemonRunStatus = "RUNNING"
	DaemonStatusError   DaemonRunStatus = "ERROR"
)

// Daemon is the persistent record of one long-lived control loop.
type Daemon struct {
	ID            string          `db:"id" json:"id"`
	Name          string          `db:"name" json:"name"`
	Type          DaemonType      `db:"type" json:"type"`
	Enabled       bool            `db:"enabled" json:"enabled"`
	AutoStart     bool            `db:"auto_start" json:"auto_start"`
	Status        DaemonRunStatus `db:"status" json:"status"`
	Configuration JSONMap         `db:"configuration" json:"configuration"`
	StartedAt     *time.Time      `db:"started_at" json:"started_at,omitempty"`
	LastHeartbeat *time.Time      `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// SyncEntityType is the entity class a sync run covers.
type SyncEntityType string

const (
	SyncEntityScene     SyncEntityType = "scene"
	SyncEntityPerformer SyncEntityType = "performer"
	SyncEntityTag       SyncEntityType = "tag"
	SyncEntityStudio    SyncEntityType = "studio"
)

// SyncRunStatus is the state of one sync_history row.
type SyncRunStatus string

const (
	SyncStatusInProgress SyncRunStatus = "in_progress"
	SyncStatusCompleted  SyncRunStatus = "completed"
	SyncStatusFailed     SyncRunStatus = "failed"
)

// SyncHistory is the audit record of one sync attempt for one entity class.
type SyncHistory struct {
	ID           int64          `db:"id" json:"id"`
	EntityType   SyncEntityType `db:"entity_type" json:"entity_type"`
	JobID        *string        `db:"job_id" json:"job_id,omitempty"`
	Status       SyncRunStatus  `db:"status" json:"status"`
	StartedAt    time.Time      `db:"started_at" json:"started_at"`
	CompletedAt  *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	ItemsSynced  int64          `db:"items_synced" json:"items_synced"`
	ItemsCreated int64          `db:"items_created" json:"items_created"`
	ItemsUpdated int64          `db:"items_updated" json:"items_updated"`
	ItemsFailed  int64          `db:"items_failed" json:"items_failed"`
	ErrorDetails JSONMap        `db:"error_details" json:"error_details,omitempty"`
}

// LogLevel is the severity of a daemon log line.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// DaemonLog is one persisted daemon log line.
type DaemonLog struct {
	ID        int64     `db:"id" json:"id"`
	DaemonID  string    `db:"daemon_id" json:"daemon_id"`
	Level     LogLevel  `db:"level" json:"level"`
	Message   string    `db:"message" json:"message"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// JobAction is what a daemon did to a job.
type JobAction string

const (
	JobActionLaunched  JobAction = "LAUNCHED"
	JobActionCancelled JobAction = "CANCELLED"
	JobActionFinished  JobAction = "FINISHED"
	JobActionFailed    JobAction = "FAILED"
)

// DaemonJobHistory records one daemon action on one job.
type DaemonJobHistory struct {
	ID        int64     `db:"id" json:"id"`
	DaemonID  string    `db:"daemon_id" json:"daemon_id"`
	JobID     string    `db:"job_id" json:"job_id"`
	Action    JobAction `db:"action" json:"action"`
	Reason    *string   `db:"reason" json:"reason,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// DaemonError is a coalesced error record: repeats of the same
// (daemon, type, message) within the coalescing window increment
// OccurrenceCount instead of inserting new rows.
type DaemonError struct {
	ID              int64     `db:"id" json:"id"`
	DaemonID        string    `db:"daemon_id" json:"daemon_id"`
	ErrorType       string    `db:"error_type" json:"error_type"`
	Message         string    `db:"message" json:"message"`
	OccurrenceCount int64     `db:"occurrence_count" json:"occurrence_count"`
	FirstSeen       time.Time `db:"first_seen" json:"first_seen"`
	LastSeen        time.Time `db:"last_seen" json:"last_seen"`
	Resolved        bool      `db:"resolved" json:"resolved"`
}

// DaemonActivity is one recorded daemon activity entry.
type DaemonActivity struct {
	ID           int64     `db:"id" json:"id"`
	DaemonID     string    `db:"daemon_id" json:"daemon_id"`
	ActivityType string    `db:"activity_type" json:"activity_type"`
	Message      string    `db:"message" json:"message"`
	Details      JSONMap   `db:"details" json:"details,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// DaemonMetric is one recorded daemon metric sample.
type DaemonMetric struct {
	ID        int64     `db:"id" json:"id"`
	DaemonID  string    `db:"daemon_id" json:"daemon_id"`
	Name      string    `db:"name" json:"name"`
	Value     float64   `db:"value" json:"value"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AlertSeverity is the severity of a daemon alert.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "INFO"
	AlertSeverityWarning  AlertSeverity = "WARNING"
	AlertSeverityCritical AlertSeverity = "CRITICAL"
)

// DaemonAlert is one raised alert awaiting acknowledgement.
type DaemonAlert struct {
	ID           int64         `db:"id" json:"id"`
	DaemonID     string        `db:"daemon_id" json:"daemon_id"`
	Severity     AlertSeverity `db:"severity" json:"severity"`
	Title        string        `db:"title" json:"title"`
	Message      string        `db:"message" json:"message"`
	Acknowledged bool          `db:"acknowledged" json:"acknowledged"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
}

// DaemonStatusRow is the single in-place row summarizing a daemon's
// current activity and rolling 24h counters.
type DaemonStatusRow struct {
	DaemonID        string    `db:"daemon_id" json:"daemon_id"`
	CurrentActivity string    `db:"current_activity" json:"current_activity"`
	HealthScore     float64   `db:"health_score" json:"health_score"`
	JobsLaunched24h int64     `db:"jobs_launched_24h" json:"jobs_launched_24h"`
	Errors24h       int64     `db:"errors_24h" json:"errors_24h"`
	Warnings24h     int64     `db:"warnings_24h" json:"warnings_24h"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// JSONMap stores a JSON object in a TEXT column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*m = nil
			return nil
		}
		return json.Unmarshal(v, m)
	case string:
		if v == "" {
			*m = nil
			return nil
		}
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("scan json column: unsupported type %T", src)
	}
}

// Clone returns a shallow copy so callers can mutate without aliasing
// the stored map.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
