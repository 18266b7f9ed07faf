// Package plan manages the lifecycle of analysis plans: incremental
// construction while analysis streams changes in, review transitions,
// and application of approved changes against the upstream.
package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stashhog/stashhog/stash"
	"github.com/stashhog/stashhog/storage"
)

// Sentinel errors for plan operations.
var (
	ErrPlanNotFound      = errors.New("plan not found")
	ErrChangeNotFound    = errors.New("plan change not found")
	ErrPlanNotApplicable = errors.New("plan cannot be applied in its current status")
	ErrInvalidTransition = errors.New("invalid change status transition")
)

// SceneClient is the narrow upstream surface ApplyPlan needs. The
// stash.Client satisfies it.
type SceneClient interface {
	GetScene(ctx context.Context, id string) (*stash.Scene, error)
	UpdateScene(ctx context.Context, id string, patch *stash.ScenePatch) (*stash.Scene, error)
	FindOrCreateTag(ctx context.Context, name string) (*stash.Tag, error)
	FindStudios(ctx context.Context, q string, page, perPage int) (*stash.StudiosResult, error)
}

// Manager owns AnalysisPlan and PlanChange rows. All plan mutation in
// the process goes through one Manager instance.
type Manager struct {
	store  *storage.PlanStore
	scenes SceneClient
	logger *slog.Logger

	// appendMu serializes appends per plan id.
	appendMu sync.Mutex
	appends  map[int64]*sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a plan manager. scenes may be nil when apply is
// not needed (analysis-only deployments); ApplyPlan then fails fast.
func NewManager(store *storage.PlanStore, scenes SceneClient, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:   store,
		scenes:  scenes,
		logger:  slog.Default(),
		appends: make(map[int64]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreatePlan inserts a plan in PENDING state, ready to receive
// streamed changes.
func (m *Manager) CreatePlan(ctx context.Context, name, description string, metadata storage.JSONMap, jobID *string) (*storage.AnalysisPlan, error) {
	if name == "" {
		return nil, fmt.Errorf("plan name is required")
	}
	p, err := m.store.CreatePlan(ctx, name, description, metadata, jobID)
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	m.logger.Info("Plan created", "plan_id", p.ID, "name", name)
	return p, nil
}

// GetPlan returns one plan.
func (m *Manager) GetPlan(ctx context.Context, id int64) (*storage.AnalysisPlan, error) {
	p, err := m.store.GetPlan(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("plan %d: %w", id, ErrPlanNotFound)
	}
	return p, err
}

// ListPlans returns plans, newest first.
func (m *Manager) ListPlans(ctx context.Context, status *storage.PlanStatus, limit, offset int) ([]*storage.AnalysisPlan, error) {
	return m.store.ListPlans(ctx, status, limit, offset)
}

// ListChanges returns a plan's changes in insertion order.
func (m *Manager) ListChanges(ctx context.Context, planID int64, f storage.ChangeFilter) ([]*storage.PlanChange, error) {
	return m.store.ListChanges(ctx, planID, f)
}

// ChangeInput is one proposed edit streamed in during analysis.
type ChangeInput struct {
	SceneID       string
	Field         string
	Action        storage.ChangeAction
	CurrentValue  json.RawMessage
	ProposedValue json.RawMessage
	Confidence    *float64
}

// Appender streams change batches into one PENDING plan. Appends for
// the same plan are serialized; different plans proceed concurrently.
type Appender struct {
	m      *Manager
	planID int64
}

// Appender returns the append handle for a plan.
func (m *Manager) Appender(planID int64) *Appender {
	return &Appender{m: m, planID: planID}
}

// Add inserts a batch of changes, each starting PENDING.
func (a *Appender) Add(ctx context.Context, inputs []ChangeInput) error {
	if len(inputs) == 0 {
		return nil
	}
	lock := a.m.appendLock(a.planID)
	lock.Lock()
	defer lock.Unlock()

	changes := make([]*storage.PlanChange, 0, len(inputs))
	for _, in := range inputs {
		changes = append(changes, &storage.PlanChange{
			PlanID:        a.planID,
			SceneID:       in.SceneID,
			Field:         in.Field,
			Action:        in.Action,
			CurrentValue:  in.CurrentValue,
			ProposedValue: in.ProposedValue,
			Confidence:    in.Confidence,
			Status:        storage.ChangeStatusPending,
		})
	}
	if err := a.m.store.InsertChanges(ctx, a.planID, changes); err != nil {
		return fmt.Errorf("append changes to plan %d: %w", a.planID, err)
	}
	return nil
}

func (m *Manager) appendLock(planID int64) *sync.Mutex {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	lock, ok := m.appends[planID]
	if !ok {
		lock = &sync.Mutex{}
		m.appends[planID] = lock
	}
	return lock
}

// FinalizePlan ends incremental construction. A plan that produced no
// changes is auto-applied with an explanatory reason; otherwise the
// plan becomes a DRAFT awaiting review. Stats merge into metadata.
func (m *Manager) FinalizePlan(ctx context.Context, planID int64, stats storage.JSONMap) (*storage.AnalysisPlan, error) {
	counts, err := m.store.CountByStatus(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("finalize plan %d: %w", planID, err)
	}

	patch := stats.Clone()
	if patch == nil {
		patch = storage.JSONMap{}
	}

	var status storage.PlanStatus
	var appliedAt *time.Time
	if counts.Total() == 0 {
		status = storage.PlanStatusApplied
		now := time.Now().UTC()
		appliedAt = &now
		patch["reason"] = "No changes detected"
	} else {
		status = storage.PlanStatusDraft
	}

	if err := m.store.MergePlanMetadata(ctx, planID, patch); err != nil {
		return nil, fmt.Errorf("finalize plan %d: %w", planID, err)
	}
	if err := m.store.UpdatePlanStatus(ctx, planID, status, appliedAt); err != nil {
		return nil, fmt.Errorf("finalize plan %d: %w", planID, err)
	}
	m.logger.Info("Plan finalized", "plan_id", planID, "status", status, "changes", counts.Total())
	return m.GetPlan(ctx, planID)
}

// CancelPlan abandons a plan that has not been applied.
func (m *Manager) CancelPlan(ctx context.Context, planID int64) error {
	p, err := m.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if p.Status == storage.PlanStatusApplied {
		return fmt.Errorf("plan %d: %w", planID, ErrPlanNotApplicable)
	}
	return m.store.UpdatePlanStatus(ctx, planID, storage.PlanStatusCancelled, nil)
}

// UpdateChangeStatus records a review decision on one change. Legal
// transitions: PENDING, APPROVED, and REJECTED flip freely among each
// other until the change is applied; APPLIED is set only by ApplyPlan
// and is immutable.
func (m *Manager) UpdateChangeStatus(ctx context.Context, changeID int64, status storage.ChangeStatus) error {
	change, err := m.store.GetChange(ctx, changeID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("change %d: %w", changeID, ErrChangeNotFound)
	}
	if err != nil {
		return err
	}

	if change.Status == storage.ChangeStatusApplied {
		return fmt.Errorf("change %d is applied: %w", changeID, ErrInvalidTransition)
	}
	switch status {
	case storage.ChangeStatusPending, storage.ChangeStatusApproved, storage.ChangeStatusRejected:
	default:
		return fmt.Errorf("change %d: cannot set status %s directly: %w", changeID, status, ErrInvalidTransition)
	}

	if err := m.store.SetChangeStatus(ctx, changeID, status, nil); err != nil {
		return fmt.Errorf("update change %d: %w", changeID, err)
	}
	return m.ReconcileStatus(ctx, change.PlanID)
}

// BulkAction is a review operation over a plan's PENDING changes.
type BulkAction string

const (
	BulkAcceptAll          BulkAction = "accept_all"
	BulkRejectAll          BulkAction = "reject_all"
	BulkAcceptByField      BulkAction = "accept_by_field"
	BulkRejectByField      BulkAction = "reject_by_field"
	BulkAcceptByConfidence BulkAction = "accept_by_confidence"
)

// BulkFilter narrows a bulk action; all fields optional.
type BulkFilter struct {
	SceneID       *string
	Field         *string
	MinConfidence *float64
}

// BulkUpdateChanges applies a review action to every PENDING change
// matching the filter and returns how many rows moved.
func (m *Manager) BulkUpdateChanges(ctx context.Context, planID int64, f BulkFilter, action BulkAction) (int64, error) {
	var to storage.ChangeStatus
	sf := storage.BulkFilter{SceneID: f.SceneID}

	switch action {
	case BulkAcceptAll:
		to = storage.ChangeStatusApproved
	case BulkRejectAll:
		to = storage.ChangeStatusRejected
	case BulkAcceptByField:
		if f.Field == nil {
			return 0, fmt.Errorf("accept_by_field requires a field")
		}
		to = storage.ChangeStatusApproved
		sf.Field = f.Field
	case BulkRejectByField:
		if f.Field == nil {
			return 0, fmt.Errorf("reject_by_field requires a field")
		}
		to = storage.ChangeStatusRejected
		sf.Field = f.Field
	case BulkAcceptByConfidence:
		if f.MinConfidence == nil {
			return 0, fmt.Errorf("accept_by_confidence requires a threshold")
		}
		to = storage.ChangeStatusApproved
		sf.MinConfidence = f.MinConfidence
	default:
		return 0, fmt.Errorf("unknown bulk action: %s", action)
	}

	n, err := m.store.BulkUpdateStatus(ctx, planID, to, sf)
	if err != nil {
		return 0, fmt.Errorf("bulk update plan %d: %w", planID, err)
	}
	if n > 0 {
		if err := m.ReconcileStatus(ctx, planID); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ReconcileStatus recomputes the plan status from the current change
// distribution: a DRAFT with any review decision becomes REVIEWING; a
// plan with nothing left to decide and at least one applied change
// becomes APPLIED.
func (m *Manager) ReconcileStatus(ctx context.Context, planID int64) error {
	p, err := m.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	counts, err := m.store.CountByStatus(ctx, planID)
	if err != nil {
		return fmt.Errorf("reconcile plan %d: %w", planID, err)
	}

	if p.Status == storage.PlanStatusDraft && counts.Approved+counts.Rejected > 0 {
		if err := m.store.UpdatePlanStatus(ctx, planID, storage.PlanStatusReviewing, nil); err != nil {
			return fmt.Errorf("reconcile plan %d: %w", planID, err)
		}
		p.Status = storage.PlanStatusReviewing
	}

	if counts.Pending == 0 && counts.Approved == 0 && counts.Applied > 0 &&
		p.Status != storage.PlanStatusApplied && p.Status != storage.PlanStatusCancelled {
		appliedAt := p.AppliedAt
		if appliedAt == nil {
			now := time.Now().UTC()
			appliedAt = &now
		}
		if err := m.store.UpdatePlanStatus(ctx, planID, storage.PlanStatusApplied, appliedAt); err != nil {
			return fmt.Errorf("reconcile plan %d: %w", planID, err)
		}
		m.logger.Info("Plan fully applied", "plan_id", planID, "applied", counts.Applied)
	}
	return nil
}
