package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/stashhog/stashhog/bus"
	"github.com/stashhog/stashhog/observe"
	"github.com/stashhog/stashhog/storage"
	"github.com/stashhog/stashhog/task"
)

// Handler executes one job type. Run returns a result map on success;
// returning task.ErrCancelled after observing the token records the
// job as CANCELLED.
type Handler interface {
	Run(ctx context.Context, inv *Invocation) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, inv *Invocation) (map[string]any, error)

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, inv *Invocation) (map[string]any, error) {
	return f(ctx, inv)
}

// Invocation carries everything a handler receives for one job.
type Invocation struct {
	JobID    string
	Type     storage.JobType
	Params   storage.JSONMap
	Reporter Reporter
	Token    *task.Token
}

// DecodeParams decodes the opaque parameter map into a typed struct.
func (inv *Invocation) DecodeParams(dst any) error {
	return DecodeParams(inv.Params, dst)
}

// Reporter is how a handler reports progress. Implementations persist
// the update and publish a job_update event.
type Reporter interface {
	Progress(ctx context.Context, pct int, msg string) error
	SetCounts(ctx context.Context, processed, total int64) error
}

// Metrics receives job lifecycle counters. Nil-safe at the call sites;
// the observe package provides the prometheus-backed implementation.
type Metrics interface {
	JobCreated(jt storage.JobType)
	JobFinished(jt storage.JobType, status storage.JobStatus)
	JobsActive(delta float64)
}

// Service is the job engine: handler registry, per-type locks, and the
// store/runner/hub coupling. Construct exactly one per process.
type Service struct {
	store   *storage.JobStore
	runner  *task.Runner
	hub     *bus.Hub
	logger  *slog.Logger
	metrics Metrics

	mu       sync.Mutex
	handlers map[storage.JobType]Handler
	locks    map[string]chan struct{}
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics wires lifecycle counters.
func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService creates the job service.
func NewService(store *storage.JobStore, runner *task.Runner, hub *bus.Hub, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		runner:   runner,
		hub:      hub,
		logger:   slog.Default(),
		handlers: make(map[storage.JobType]Handler),
		locks:    make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register installs the handler for a type. A second registration
// replaces the first. Types outside the closed set are rejected.
func (s *Service) Register(jt storage.JobType, h Handler) error {
	if !KnownType(jt) {
		return NewValidationError("type", fmt.Sprintf("unknown job type: %s", jt))
	}
	if h == nil {
		return NewValidationError("handler", "handler is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jt] = h
	return nil
}

// Registered reports whether the type has a handler.
func (s *Service) Registered(jt storage.JobType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[jt]
	return ok
}

// handlerFor returns the registered handler.
func (s *Service) handlerFor(jt storage.JobType) (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[jt]
	return h, ok
}

// lockFor returns the shared lock channel for a group, creating it on
// first use. A one-slot channel is the lock: send acquires, receive
// releases, and the send is selectable against the token.
func (s *Service) lockFor(group string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[group]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[group] = lock
	}
	return lock
}

// CreateJob inserts a job row and submits it for execution.
func (s *Service) CreateJob(ctx context.Context, jt storage.JobType, params, meta storage.JSONMap) (*storage.Job, error) {
	if !KnownType(jt) {
		return nil, NewValidationError("type", fmt.Sprintf("unknown job type: %s", jt))
	}

	id := uuid.New().String()

	handler, ok := s.handlerFor(jt)
	if !ok {
		errMsg := fmt.Sprintf("No handler registered for job type: %s", jt)
		job, createErr := s.store.Create(ctx, id, jt, params, meta)
		if createErr != nil {
			return nil, fmt.Errorf("create job row: %w", createErr)
		}
		job, _ = s.store.UpdateStatus(ctx, id, storage.JobStatusFailed, storage.StatusUpdate{Error: &errMsg})
		s.publish(job)
		return job, fmt.Errorf("%w for job type: %s", ErrNoHandler, jt)
	}

	job, err := s.store.Create(ctx, id, jt, params, meta)
	if err != nil {
		return nil, fmt.Errorf("create job row: %w", err)
	}

	taskID, err := s.runner.Submit(func(taskCtx context.Context, token *task.Token) error {
		return s.execute(taskCtx, id, jt, handler, token)
	}, string(jt))
	if err != nil {
		errMsg := fmt.Sprintf("Failed to queue job: %v", err)
		job, _ = s.store.UpdateStatus(ctx, id, storage.JobStatusFailed, storage.StatusUpdate{Error: &errMsg})
		s.publish(job)
		return job, fmt.Errorf("submit job task: %w", err)
	}

	if err := s.store.SetMetadata(ctx, id, "task_id", taskID); err != nil {
		s.logger.Warn("Failed to record task id", "job_id", id, "error", err)
	}
	job, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.JobCreated(jt)
	}
	s.publish(job)
	s.logger.Info("Job created", "job_id", id, "type", jt, "task_id", taskID)
	return job, nil
}

// execute is the handler wrapper the runner invokes. It owns the
// status transitions and never propagates handler errors as fatal.
func (s *Service) execute(ctx context.Context, jobID string, jt storage.JobType, handler Handler, token *task.Token) error {
	group := lockGroupFor(jt)
	if group != "" {
		lock := s.lockFor(group)
		select {
		case lock <- struct{}{}:
			// Uncontended.
		default:
			// Lock held: surface the wait on the job row, then block.
			msg := fmt.Sprintf("Waiting for another %s job to complete", waitLabelFor(jt))
			if job, err := s.store.UpdateProgress(ctx, jobID, storage.StatusUpdate{Message: &msg}); err == nil {
				s.publish(job)
			}
			select {
			case lock <- struct{}{}:
			case <-token.Done():
				s.finish(ctx, jobID, jt, storage.JobStatusCancelled, nil, "Cancelled by user")
				return task.ErrCancelled
			}
		}
		defer func() { <-lock }()
	}

	// A cancel may have landed between submission and lock acquisition.
	if token.Cancelled() {
		s.finish(ctx, jobID, jt, storage.JobStatusCancelled, nil, "Cancelled by user")
		return task.ErrCancelled
	}

	job, err := s.store.UpdateStatus(ctx, jobID, storage.JobStatusRunning, storage.StatusUpdate{})
	if err != nil {
		s.logger.Error("Failed to mark job running", "job_id", jobID, "error", err)
		return err
	}
	if job.Status.Terminal() {
		// Cancelled from outside before we got here.
		return task.ErrCancelled
	}
	s.publish(job)
	if s.metrics != nil {
		s.metrics.JobsActive(1)
		defer s.metrics.JobsActive(-1)
	}
	s.logger.Info("Job started", "job_id", jobID, "type", jt)

	result, runErr := s.invoke(ctx, jobID, jt, handler, token)

	switch {
	case runErr == nil:
		s.finish(ctx, jobID, jt, storage.JobStatusCompleted, result, "")
		return nil
	case errors.Is(runErr, task.ErrCancelled),
		token.Cancelled() && errors.Is(runErr, context.Canceled):
		s.finish(ctx, jobID, jt, storage.JobStatusCancelled, result, "Cancelled by user")
		return task.ErrCancelled
	default:
		s.finish(ctx, jobID, jt, storage.JobStatusFailed, result, runErr.Error())
		// The failure lives on the job row; the task itself drained
		// normally.
		return nil
	}
}

// invoke runs the handler, converting panics into errors.
func (s *Service) invoke(ctx context.Context, jobID string, jt storage.JobType, handler Handler, token *task.Token) (result map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Job handler panicked",
				"job_id", jobID, "type", jt,
				"panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	inv := &Invocation{
		JobID:    jobID,
		Type:     jt,
		Reporter: s.reporterFor(jobID),
		Token:    token,
	}
	if job, getErr := s.store.Get(ctx, jobID); getErr == nil {
		inv.Params = job.Parameters
	}
	// Tag the context so handler log lines stay attributable when jobs
	// interleave. A job launched from inside another handler records
	// the launcher as its parent.
	parent := ""
	if outer, ok := observe.JobFromContext(ctx); ok {
		parent = outer.JobID
	}
	ctx = observe.WithJobContext(ctx, jobID, string(jt), parent)
	return handler.Run(ctx, inv)
}

// finish records a terminal status and publishes the final update.
func (s *Service) finish(ctx context.Context, jobID string, jt storage.JobType, status storage.JobStatus, result map[string]any, errMsg string) {
	upd := storage.StatusUpdate{}
	if result != nil {
		upd.Result = storage.JSONMap(result)
	}
	if errMsg != "" {
		upd.Error = &errMsg
	}
	if status == storage.JobStatusCompleted {
		p := 100
		upd.Progress = &p
	}
	job, err := s.store.UpdateStatus(ctx, jobID, status, upd)
	if err != nil {
		s.logger.Error("Failed to record job terminal status",
			"job_id", jobID, "status", status, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.JobFinished(jt, job.Status)
	}
	s.publish(job)
	s.logger.Info("Job finished", "job_id", jobID, "type", jt, "status", job.Status)
}

// CancelJob requests cancellation. Returns false when the job is
// already terminal.
func (s *Service) CancelJob(ctx context.Context, id string) (bool, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return false, err
	}
	if job.Status.Terminal() {
		return false, nil
	}

	taskID := job.TaskID()
	if taskID != "" {
		// Sets the token; a still-queued task is skipped entirely, a
		// lock-waiting wrapper wakes and records CANCELLED.
		s.runner.Cancel(taskID)
	}

	switch job.Status {
	case storage.JobStatusPending:
		errMsg := "Cancelled by user"
		job, err = s.store.UpdateStatus(ctx, id, storage.JobStatusCancelled, storage.StatusUpdate{Error: &errMsg})
		if err != nil {
			return false, err
		}
		if s.metrics != nil {
			s.metrics.JobFinished(job.Type, job.Status)
		}
	case storage.JobStatusRunning:
		job, err = s.store.UpdateStatus(ctx, id, storage.JobStatusCancelling, storage.StatusUpdate{})
		if err != nil {
			return false, err
		}
	case storage.JobStatusCancelling:
		// Already winding down.
		return true, nil
	}
	s.publish(job)
	s.logger.Info("Job cancel requested", "job_id", id, "status", job.Status)
	return true, nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id string) (*storage.Job, error) {
	return s.store.Get(ctx, id)
}

// List returns jobs matching the filter, newest first.
func (s *Service) List(ctx context.Context, f storage.JobFilter) ([]*storage.Job, error) {
	return s.store.List(ctx, f)
}

// Active returns non-terminal jobs, optionally narrowed by type.
func (s *Service) Active(ctx context.Context, jt *storage.JobType) ([]*storage.Job, error) {
	return s.store.Active(ctx, jt)
}

// CleanupOldJobs deletes terminal jobs older than the retention.
func (s *Service) CleanupOldJobs(ctx context.Context, days int) (int64, error) {
	return s.store.CleanupOld(ctx, days)
}

func (s *Service) publish(job *storage.Job) {
	if job == nil {
		return
	}
	s.hub.Publish(bus.JobTopic(job.ID), bus.NewJobUpdate(job))
}

// reporter implements Reporter with duplicate suppression: identical
// (pct, msg) pairs are not re-emitted.
type reporter struct {
	svc   *Service
	jobID string

	mu      sync.Mutex
	lastPct int
	lastMsg string
	seeded  bool
}

func (s *Service) reporterFor(jobID string) Reporter {
	return &reporter{svc: s, jobID: jobID}
}

// Progress persists the update and publishes a job_update event.
func (r *reporter) Progress(ctx context.Context, pct int, msg string) error {
	r.mu.Lock()
	if r.seeded && pct == r.lastPct && msg == r.lastMsg {
		r.mu.Unlock()
		return nil
	}
	r.lastPct = pct
	r.lastMsg = msg
	r.seeded = true
	r.mu.Unlock()

	upd := storage.StatusUpdate{Progress: &pct}
	if msg != "" {
		upd.Message = &msg
	}
	job, err := r.svc.store.UpdateProgress(ctx, r.jobID, upd)
	if err != nil {
		return fmt.Errorf("report progress: %w", err)
	}
	r.svc.publish(job)
	return nil
}

// SetCounts records the processed/total item counters.
func (r *reporter) SetCounts(ctx context.Context, processed, total int64) error {
	job, err := r.svc.store.UpdateProgress(ctx, r.jobID, storage.StatusUpdate{
		ProcessedItems: &processed,
		TotalItems:     &total,
	})
	if err != nil {
		return fmt.Errorf("report counts: %w", err)
	}
	r.svc.publish(job)
	return nil
}
