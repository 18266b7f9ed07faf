package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stashhog/stashhog/jobs"
	"github.com/stashhog/stashhog/storage"
)

// ScheduleEntry is one configured cron firing.
type ScheduleEntry struct {
	Cron    string
	JobType storage.JobType
	Params  storage.JSONMap

	schedule cron.Schedule
}

// Scheduler launches jobs on cron schedules. Each entry keeps at most
// one active job: a firing is skipped while the previous one for the
// same entry has not reached a terminal status.
type Scheduler struct {
	entries   []*ScheduleEntry
	heartbeat time.Duration

	mu          sync.Mutex
	outstanding map[int]string // entry index -> job id
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NewScheduler parses the configured entries. An invalid cron
// expression or unknown job type fails construction with a
// ValidationError.
func NewScheduler(config map[string]any) (*Scheduler, error) {
	d := &Scheduler{
		heartbeat:   30 * time.Second,
		outstanding: make(map[int]string),
	}
	if v, ok := numberConfig(config, "heartbeat_seconds"); ok && v > 0 {
		d.heartbeat = time.Duration(v) * time.Second
	}

	raw, _ := config["entries"].([]any)
	for i, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, jobs.NewValidationError("entries", fmt.Sprintf("entry %d is not an object", i))
		}
		expr, _ := entry["cron"].(string)
		schedule, err := cronParser.Parse(expr)
		if err != nil {
			return nil, jobs.NewValidationError("cron",
				fmt.Sprintf("entry %d: invalid expression %q: %v", i, expr, err))
		}
		jtRaw, _ := entry["job_type"].(string)
		jt := storage.JobType(jtRaw)
		if !jobs.KnownType(jt) {
			return nil, jobs.NewValidationError("job_type",
				fmt.Sprintf("entry %d: unknown job type %q", i, jtRaw))
		}
		params, _ := entry["params"].(map[string]any)
		d.entries = append(d.entries, &ScheduleEntry{
			Cron:     expr,
			JobType:  jt,
			Params:   storage.JSONMap(params),
			schedule: schedule,
		})
	}
	return d, nil
}

func (d *Scheduler) Type() storage.DaemonType { return storage.DaemonTypeScheduler }

func (d *Scheduler) OnStart(ctx context.Context, f *Facilities) error {
	f.Log(ctx, storage.LogLevelInfo,
		fmt.Sprintf("Scheduler started with %d entries", len(d.entries)))
	return nil
}

func (d *Scheduler) OnStop(ctx context.Context) error { return nil }

func (d *Scheduler) Run(ctx context.Context, f *Facilities) error {
	runner := cron.New()
	for i, entry := range d.entries {
		i, entry := i, entry
		runner.Schedule(entry.schedule, cron.FuncJob(func() {
			d.fire(ctx, f, i, entry)
		}))
	}
	runner.Start()
	defer func() { <-runner.Stop().Done() }()

	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.UpdateHeartbeat(ctx)
		}
	}
}

// fire launches one entry's job unless its previous firing is still
// active.
func (d *Scheduler) fire(ctx context.Context, f *Facilities, idx int, entry *ScheduleEntry) {
	d.mu.Lock()
	jobID, busy := d.outstanding[idx]
	d.mu.Unlock()

	if busy {
		job, err := f.Job(ctx, jobID)
		if err == nil && !job.Status.Terminal() {
			reason := fmt.Sprintf("previous %s firing still active", entry.JobType)
			f.Log(ctx, storage.LogLevelWarning,
				fmt.Sprintf("Skipping scheduled %s job: %s", entry.JobType, reason))
			return
		}
		d.mu.Lock()
		delete(d.outstanding, idx)
		d.mu.Unlock()
	}

	job, err := f.LaunchJob(ctx, entry.JobType, entry.Params)
	if err != nil {
		f.Log(ctx, storage.LogLevelError,
			fmt.Sprintf("Scheduled %s launch failed: %v", entry.JobType, err))
		f.TrackError(ctx, "schedule", err.Error())
		return
	}
	d.mu.Lock()
	d.outstanding[idx] = job.ID
	d.mu.Unlock()
	f.Log(ctx, storage.LogLevelInfo,
		fmt.Sprintf("Launched scheduled %s job %s", entry.JobType, job.ID))
}
