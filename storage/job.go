package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// JobStore owns the job table. All mutation goes through the job
// service; handlers never write rows directly.
type JobStore struct {
	db *sqlx.DB
}

// StatusUpdate carries the optional fields of an UpdateStatus call.
// Nil fields are left untouched.
type StatusUpdate struct {
	Progress       *int
	Message        *string
	Result         JSONMap
	Error          *string
	ProcessedItems *int64
	TotalItems     *int64
}

// Create inserts a new PENDING job row.
func (s *JobStore) Create(ctx context.Context, id string, jt JobType, params, meta JSONMap) (*Job, error) {
	job := &Job{
		ID:         id,
		Type:       jt,
		Status:     JobStatusPending,
		Progress:   0,
		Parameters: params,
		Metadata:   meta,
		CreatedAt:  utcNow(),
	}
	if job.Metadata == nil {
		job.Metadata = JSONMap{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job (id, type, status, progress, parameters, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.Status, job.Progress, job.Parameters, job.Metadata, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Get returns the job or ErrNotFound.
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job, `SELECT * FROM job WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// UpdateStatus transitions a job and applies the optional fields.
// started_at is stamped on the first transition to RUNNING and
// completed_at on any terminal status. Terminal rows are returned
// unchanged: once COMPLETED, FAILED, or CANCELLED a job never moves.
func (s *JobStore) UpdateStatus(ctx context.Context, id string, status JobStatus, upd StatusUpdate) (*Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update status: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := getJobTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	now := utcNow()
	job.Status = status
	if status == JobStatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.Terminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	applyUpdate(job, upd)

	if err := writeJobTx(ctx, tx, job); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update status: %w", err)
	}
	return job, nil
}

// UpdateProgress updates progress counters and the last message
// without touching status, so a CANCELLING job stays CANCELLING while
// its handler keeps reporting. Terminal rows are returned unchanged.
func (s *JobStore) UpdateProgress(ctx context.Context, id string, upd StatusUpdate) (*Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update progress: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := getJobTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	applyUpdate(job, upd)

	if err := writeJobTx(ctx, tx, job); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update progress: %w", err)
	}
	return job, nil
}

// SetMetadata sets one metadata key on the job row.
func (s *JobStore) SetMetadata(ctx context.Context, id, key string, value any) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set metadata: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := getJobTx(ctx, tx, id)
	if err != nil {
		return err
	}
	meta := job.Metadata.Clone()
	if meta == nil {
		meta = JSONMap{}
	}
	meta[key] = value
	job.Metadata = meta

	if err := writeJobTx(ctx, tx, job); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set metadata: %w", err)
	}
	return nil
}

// JobFilter narrows List results.
type JobFilter struct {
	Status *JobStatus
	Type   *JobType
	Limit  int
	Offset int
}

// List returns jobs sorted by created_at descending.
func (s *JobStore) List(ctx context.Context, f JobFilter) ([]*Job, error) {
	query := `SELECT * FROM job WHERE 1=1`
	args := []any{}
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, *f.Status)
	}
	if f.Type != nil {
		query += ` AND type = ?`
		args = append(args, *f.Type)
	}
	query += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	jobs := []*Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Active returns jobs with status PENDING, RUNNING, or CANCELLING,
// oldest first, optionally filtered by type.
func (s *JobStore) Active(ctx context.Context, jt *JobType) ([]*Job, error) {
	query := `SELECT * FROM job WHERE status IN (?, ?, ?)`
	args := []any{JobStatusPending, JobStatusRunning, JobStatusCancelling}
	if jt != nil {
		query += ` AND type = ?`
		args = append(args, *jt)
	}
	query += ` ORDER BY created_at ASC`

	jobs := []*Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return jobs, nil
}

// CleanupOld deletes terminal jobs whose completed_at is older than
// the given number of days. Returns the number of rows removed.
func (s *JobStore) CleanupOld(ctx context.Context, days int) (int64, error) {
	cutoff := utcNow().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	return n, nil
}

// MarkInterrupted fails every job left in RUNNING or CANCELLING. It
// runs once at process start: in a single-process system those tasks
// provably no longer execute.
func (s *JobStore) MarkInterrupted(ctx context.Context) (int64, error) {
	now := utcNow()
	res, err := s.db.ExecContext(ctx,
		`UPDATE job SET status = ?, error = ?, completed_at = ? WHERE status IN (?, ?)`,
		JobStatusFailed, "Interrupted by restart", now, JobStatusRunning, JobStatusCancelling)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark interrupted jobs: %w", err)
	}
	return n, nil
}

func getJobTx(ctx context.Context, tx *sqlx.Tx, id string) (*Job, error) {
	var job Job
	err := tx.GetContext(ctx, &job, `SELECT * FROM job WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

func writeJobTx(ctx context.Context, tx *sqlx.Tx, job *Job) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE job SET status = ?, progress = ?, processed_items = ?, total_items = ?,
		 metadata = ?, result = ?, error = ?, started_at = ?, completed_at = ? WHERE id = ?`,
		job.Status, job.Progress, job.ProcessedItems, job.TotalItems,
		job.Metadata, job.Result, job.Error, timePtr(job.StartedAt), timePtr(job.CompletedAt), job.ID)
	if err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	return nil
}

func applyUpdate(job *Job, upd StatusUpdate) {
	if upd.Progress != nil {
		job.Progress = clampProgress(*upd.Progress)
	}
	if upd.Message != nil {
		meta := job.Metadata.Clone()
		if meta == nil {
			meta = JSONMap{}
		}
		meta["last_message"] = *upd.Message
		job.Metadata = meta
	}
	if upd.Result != nil {
		job.Result = upd.Result
	}
	if upd.Error != nil {
		job.Error = upd.Error
	}
	if upd.ProcessedItems != nil {
		job.ProcessedItems = upd.ProcessedItems
	}
	if upd.TotalItems != nil {
		job.TotalItems = upd.TotalItems
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// timePtr normalizes a nullable timestamp to UTC for storage.
func timePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return utcPtr(*t)
}
