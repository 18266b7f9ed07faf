// Package observe carries the job-scoped log context, the daemon
// observability recorder, and the process prometheus metrics.
package observe

import (
	"context"
	"fmt"
	"log/slog"
)

type jobContextKey struct{}

// JobContext identifies the job a log line belongs to.
type JobContext struct {
	JobID       string
	JobType     string
	ParentJobID string
}

// WithJobContext tags the context with job identity for logging.
// Nested calls shadow the outer job, with the child recording its
// parent.
func WithJobContext(ctx context.Context, jobID, jobType, parentJobID string) context.Context {
	return context.WithValue(ctx, jobContextKey{}, JobContext{
		JobID:       jobID,
		JobType:     jobType,
		ParentJobID: parentJobID,
	})
}

// JobFromContext returns the innermost job identity, if any.
func JobFromContext(ctx context.Context) (JobContext, bool) {
	jc, ok := ctx.Value(jobContextKey{}).(JobContext)
	return jc, ok
}

// ContextHandler prefixes every record logged under a job context with
// the job identity, so interleaved job logs stay attributable.
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler wraps an slog handler with job-context prefixing.
func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if jc, ok := JobFromContext(ctx); ok {
		prefix := fmt.Sprintf("[job_type=%s, job_id=%s", jc.JobType, jc.JobID)
		if jc.ParentJobID != "" {
			prefix += fmt.Sprintf(", parent_job_id=%s", jc.ParentJobID)
		}
		r = r.Clone()
		r.Message = prefix + "] " + r.Message
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
