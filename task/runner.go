package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

// ErrQueueClosed is returned by Submit after Stop.
var ErrQueueClosed = errors.New("task queue closed")

// Status is the execution state of one submitted task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Func is one unit of work. It must return promptly once the token is
// cancelled; returning ErrCancelled records the task as CANCELLED.
type Func func(ctx context.Context, token *Token) error

// record tracks one submitted task for Status queries.
type record struct {
	id     string
	name   string
	fn     Func
	token  *Token
	status Status
	err    error
}

// terminalRetain bounds how many terminal task records are kept for
// Status lookups before the oldest are pruned.
const terminalRetain = 256

// Runner is a fixed pool of worker goroutines popping a FIFO queue.
// Submission is unbounded; backpressure is the caller's concern.
type Runner struct {
	workers int
	logger  *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*record          // submitted, not yet started
	tasks    map[string]*record // all known tasks
	terminal []string           // terminal task ids, oldest first
	closed   bool

	wg sync.WaitGroup
}

// NewRunner creates a runner with the given pool size.
func NewRunner(workers int, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		workers: workers,
		logger:  logger,
		tasks:   make(map[string]*record),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Start launches the worker pool. The context bounds the lifetime of
// running tasks; Stop cancels their tokens but the context is the
// hard backstop handed to every Func.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.work(ctx, i)
	}
	r.logger.Info("Task runner started", "workers", r.workers)
}

// Submit enqueues fn and returns its task id.
func (r *Runner) Submit(fn Func, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrQueueClosed
	}
	rec := &record{
		id:     uuid.New().String(),
		name:   name,
		fn:     fn,
		token:  NewToken(),
		status: StatusPending,
	}
	r.tasks[rec.id] = rec
	r.queue = append(r.queue, rec)
	r.cond.Signal()
	r.logger.Debug("Task submitted", "task_id", rec.id, "name", name)
	return rec.id, nil
}

// Cancel sets the task's token. A task still in the queue is marked
// CANCELLED immediately and skipped by workers. Returns false for
// unknown or already terminal tasks.
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	rec, ok := r.tasks[id]
	if !ok || rec.status.Terminal() {
		r.mu.Unlock()
		return false
	}
	if rec.status == StatusPending {
		r.finishLocked(rec, StatusCancelled, ErrCancelled)
	}
	r.mu.Unlock()
	rec.token.Cancel()
	return true
}

// Token returns the task's cancellation token for callers that need
// to wire it into handler invocations.
func (r *Runner) Token(id string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return rec.token, true
}

// Status returns the task's current state.
func (r *Runner) Status(id string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[id]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// Stop stops accepting work, cancels every outstanding token, and
// waits for workers to drain.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return
	}
	r.closed = true
	var tokens []*Token
	for _, rec := range r.tasks {
		if !rec.status.Terminal() {
			tokens = append(tokens, rec.token)
		}
	}
	r.cond.Broadcast()
	r.mu.Unlock()

	for _, token := range tokens {
		token.Cancel()
	}
	r.wg.Wait()
	r.logger.Info("Task runner stopped")
}

func (r *Runner) work(ctx context.Context, worker int) {
	defer r.wg.Done()
	for {
		rec := r.pop(ctx)
		if rec == nil {
			return
		}
		if rec.token.Cancelled() {
			r.mu.Lock()
			r.finishLocked(rec, StatusCancelled, ErrCancelled)
			r.mu.Unlock()
			continue
		}
		r.run(ctx, rec, worker)
	}
}

// pop blocks until a task is available or the runner shuts down.
func (r *Runner) pop(ctx context.Context) *record {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		for len(r.queue) > 0 {
			rec := r.queue[0]
			r.queue = r.queue[1:]
			if rec.status != StatusPending {
				// Cancelled while queued.
				continue
			}
			rec.status = StatusRunning
			return rec
		}
		if r.closed || ctx.Err() != nil {
			return nil
		}
		r.cond.Wait()
	}
}

func (r *Runner) run(ctx context.Context, rec *record, worker int) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Task panicked",
				"task_id", rec.id, "name", rec.name,
				"panic", p, "stack", string(debug.Stack()))
			r.mu.Lock()
			r.finishLocked(rec, StatusFailed, fmt.Errorf("panic: %v", p))
			r.mu.Unlock()
		}
	}()

	r.logger.Debug("Task started", "task_id", rec.id, "name", rec.name, "worker", worker)
	err := rec.fn(ctx, rec.token)

	r.mu.Lock()
	switch {
	case err == nil:
		r.finishLocked(rec, StatusCompleted, nil)
	case errors.Is(err, ErrCancelled),
		rec.token.Cancelled() && errors.Is(err, context.Canceled):
		r.finishLocked(rec, StatusCancelled, ErrCancelled)
	default:
		r.finishLocked(rec, StatusFailed, err)
	}
	r.mu.Unlock()

	r.logger.Debug("Task finished", "task_id", rec.id, "name", rec.name, "status", rec.status)
}

// finishLocked records a terminal state and prunes old records.
// Callers hold r.mu.
func (r *Runner) finishLocked(rec *record, status Status, err error) {
	if rec.status.Terminal() {
		return
	}
	rec.status = status
	rec.err = err
	r.terminal = append(r.terminal, rec.id)
	for len(r.terminal) > terminalRetain {
		delete(r.tasks, r.terminal[0])
		r.terminal = r.terminal[1:]
	}
}
