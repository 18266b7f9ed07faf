package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PlanStore owns the analysis_plan and plan_change tables. The plan
// manager is its only caller; review transitions and apply bookkeeping
// live there.
type PlanStore struct {
	db *sqlx.DB
}

// CreatePlan inserts a plan in PENDING state.
func (s *PlanStore) CreatePlan(ctx context.Context, name, description string, metadata JSONMap, jobID *string) (*AnalysisPlan, error) {
	plan := &AnalysisPlan{
		Name:        name,
		Description: description,
		Metadata:    metadata,
		Status:      PlanStatusPending,
		JobID:       jobID,
		CreatedAt:   utcNow(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_plan (name, description, plan_metadata, status, job_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		plan.Name, plan.Description, plan.Metadata, plan.Status, plan.JobID, plan.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	plan.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	return plan, nil
}

// GetPlan returns the plan or ErrNotFound.
func (s *PlanStore) GetPlan(ctx context.Context, id int64) (*AnalysisPlan, error) {
	var plan AnalysisPlan
	err := s.db.GetContext(ctx, &plan, `SELECT * FROM analysis_plan WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &plan, nil
}

// ListPlans returns plans newest first, optionally filtered by status.
func (s *PlanStore) ListPlans(ctx context.Context, status *PlanStatus, limit, offset int) ([]*AnalysisPlan, error) {
	query := `SELECT * FROM analysis_plan WHERE 1=1`
	args := []any{}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, *status)
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	plans := []*AnalysisPlan{}
	if err := s.db.SelectContext(ctx, &plans, query, args...); err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return plans, nil
}

// UpdatePlanStatus transitions the plan. A non-nil appliedAt is stamped
// only if the row has none yet, so the first apply time survives.
func (s *PlanStore) UpdatePlanStatus(ctx context.Context, id int64, status PlanStatus, appliedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_plan SET status = ?, applied_at = COALESCE(applied_at, ?) WHERE id = ?`,
		status, timePtr(appliedAt), id)
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	return requireRow(res, fmt.Sprintf("plan %d", id))
}

// MergePlanMetadata merges the patch into plan_metadata, overwriting
// colliding keys.
func (s *PlanStore) MergePlanMetadata(ctx context.Context, id int64, patch JSONMap) error {
	if len(patch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge metadata: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var plan AnalysisPlan
	err = tx.GetContext(ctx, &plan, `SELECT * FROM analysis_plan WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("plan %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get plan: %w", err)
	}
	meta := plan.Metadata.Clone()
	if meta == nil {
		meta = JSONMap{}
	}
	for k, v := range patch {
		meta[k] = v
	}
	if _, err := tx.ExecContext(ctx, `UPDATE analysis_plan SET plan_metadata = ? WHERE id = ?`, meta, id); err != nil {
		return fmt.Errorf("merge metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge metadata: %w", err)
	}
	return nil
}

// DeletePlan removes the plan; its changes cascade.
func (s *PlanStore) DeletePlan(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM analysis_plan WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	return requireRow(res, fmt.Sprintf("plan %d", id))
}

// InsertChanges batch-inserts changes for one plan in insertion order.
// Every change starts PENDING; ids are filled in on return.
func (s *PlanStore) InsertChanges(ctx context.Context, planID int64, changes []*PlanChange) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert changes: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range changes {
		c.PlanID = planID
		if c.Status == "" {
			c.Status = ChangeStatusPending
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO plan_change (plan_id, scene_id, field, action, current_value, proposed_value, confidence, status, applied)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.PlanID, c.SceneID, c.Field, c.Action,
			rawOrNil(c.CurrentValue), string(c.ProposedValue), c.Confidence, c.Status, c.Applied)
		if err != nil {
			return fmt.Errorf("insert change: %w", err)
		}
		c.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert change: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert changes: %w", err)
	}
	return nil
}

// GetChange returns a single change or ErrNotFound.
func (s *PlanStore) GetChange(ctx context.Context, id int64) (*PlanChange, error) {
	var c PlanChange
	err := s.db.GetContext(ctx, &c, `SELECT * FROM plan_change WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("change %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get change: %w", err)
	}
	return &c, nil
}

// ChangeFilter narrows ListChanges.
type ChangeFilter struct {
	Status  *ChangeStatus
	SceneID *string
	Field   *string
	IDs     []int64
}

// ListChanges returns a plan's changes in insertion (id) order.
func (s *PlanStore) ListChanges(ctx context.Context, planID int64, f ChangeFilter) ([]*PlanChange, error) {
	query := `SELECT * FROM plan_change WHERE plan_id = ?`
	args := []any{planID}
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, *f.Status)
	}
	if f.SceneID != nil {
		query += ` AND scene_id = ?`
		args = append(args, *f.SceneID)
	}
	if f.Field != nil {
		query += ` AND field = ?`
		args = append(args, *f.Field)
	}
	if len(f.IDs) > 0 {
		q, inArgs, err := sqlx.In(` AND id IN (?)`, f.IDs)
		if err != nil {
			return nil, fmt.Errorf("list changes: %w", err)
		}
		query += q
		args = append(args, inArgs...)
	}
	query += ` ORDER BY id ASC`

	changes := []*PlanChange{}
	if err := s.db.SelectContext(ctx, &changes, query, args...); err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	return changes, nil
}

// SetChangeStatus writes a change's status and keeps the applied
// mirror column and applied_at consistent with it.
func (s *PlanStore) SetChangeStatus(ctx context.Context, id int64, status ChangeStatus, appliedAt *time.Time) error {
	applied := status == ChangeStatusApplied
	if applied && appliedAt == nil {
		appliedAt = utcPtr(utcNow())
	}
	if !applied {
		appliedAt = nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE plan_change SET status = ?, applied = ?, applied_at = ? WHERE id = ?`,
		status, applied, timePtr(appliedAt), id)
	if err != nil {
		return fmt.Errorf("set change status: %w", err)
	}
	return requireRow(res, fmt.Sprintf("change %d", id))
}

// BulkFilter restricts a bulk status update.
type BulkFilter struct {
	SceneID       *string
	Field         *string
	MinConfidence *float64
}

// BulkUpdateStatus moves every PENDING change matching the filter to
// the target status and returns how many rows moved. Only PENDING rows
// are eligible; reviewed changes are untouched.
func (s *PlanStore) BulkUpdateStatus(ctx context.Context, planID int64, to ChangeStatus, f BulkFilter) (int64, error) {
	query := `UPDATE plan_change SET status = ? WHERE plan_id = ? AND status = ?`
	args := []any{to, planID, ChangeStatusPending}
	if f.SceneID != nil {
		query += ` AND scene_id = ?`
		args = append(args, *f.SceneID)
	}
	if f.Field != nil {
		query += ` AND field = ?`
		args = append(args, *f.Field)
	}
	if f.MinConfidence != nil {
		query += ` AND confidence IS NOT NULL AND confidence >= ?`
		args = append(args, *f.MinConfidence)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("bulk update changes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bulk update changes: %w", err)
	}
	return n, nil
}

// CountByStatus returns the per-status distribution of a plan's changes.
func (s *PlanStore) CountByStatus(ctx context.Context, planID int64) (ChangeCounts, error) {
	var counts ChangeCounts
	err := s.db.GetContext(ctx, &counts,
		`SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS approved,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS rejected,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS applied
		 FROM plan_change WHERE plan_id = ?`,
		ChangeStatusPending, ChangeStatusApproved, ChangeStatusRejected, ChangeStatusApplied, planID)
	if err != nil {
		return ChangeCounts{}, fmt.Errorf("count changes: %w", err)
	}
	return counts, nil
}

func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
