// Package bus provides the in-process event hub that fans job and
// daemon updates out to connected observers. Delivery is best-effort:
// a subscriber that cannot keep up is detached and the publish
// continues.
package bus

import (
	"time"

	"github.com/stashhog/stashhog/storage"
)

// Event types carried on the hub.
const (
	EventJobUpdate       = "job_update"
	EventDaemonLog       = "daemon_log"
	EventDaemonJobAction = "daemon_job_action"
)

// Event is one message delivered to subscribers. Exactly the fields
// for the event's Type are populated; the rest marshal away.
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`

	// job_update fields. Message doubles as the daemon_log message.
	JobID    string            `json:"job_id,omitempty"`
	Status   storage.JobStatus `json:"status,omitempty"`
	Progress *int              `json:"progress,omitempty"`
	Message  *string           `json:"message,omitempty"`
	Result   storage.JSONMap   `json:"result,omitempty"`
	Error    *string           `json:"error,omitempty"`

	// daemon_log / daemon_job_action fields.
	DaemonID  string            `json:"daemon_id,omitempty"`
	Level     storage.LogLevel  `json:"level,omitempty"`
	Action    storage.JobAction `json:"action,omitempty"`
	Reason    *string           `json:"reason,omitempty"`
	CreatedAt string            `json:"created_at,omitempty"`
}

// JobTopic returns the subscription topic for one job's updates.
func JobTopic(jobID string) string { return "job:" + jobID }

// DaemonTopic returns the subscription topic for one daemon's events.
func DaemonTopic(daemonID string) string { return "daemon:" + daemonID }

// NewJobUpdate builds a job_update event from the current job row.
func NewJobUpdate(job *storage.Job) Event {
	progress := job.Progress
	ev := Event{
		Type:      EventJobUpdate,
		JobID:     job.ID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    job.Status,
		Progress:  &progress,
		Result:    job.Result,
		Error:     job.Error,
	}
	if msg := job.LastMessage(); msg != "" {
		ev.Message = &msg
	}
	return ev
}

// NewDaemonLog builds a daemon_log event.
func NewDaemonLog(log *storage.DaemonLog) Event {
	msg := log.Message
	return Event{
		Type:      EventDaemonLog,
		DaemonID:  log.DaemonID,
		Level:     log.Level,
		Message:   &msg,
		CreatedAt: log.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// NewDaemonJobAction builds a daemon_job_action event.
func NewDaemonJobAction(h *storage.DaemonJobHistory) Event {
	return Event{
		Type:      EventDaemonJobAction,
		DaemonID:  h.DaemonID,
		JobID:     h.JobID,
		Action:    h.Action,
		Reason:    h.Reason,
		CreatedAt: h.CreatedAt.UTC().Format(time.RFC3339),
	}
}
