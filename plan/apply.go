package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/stashhog/stashhog/stash"
	"github.com/stashhog/stashhog/storage"
)

// ApplyResult summarizes one ApplyPlan run.
type ApplyResult struct {
	Total            int      `json:"total"`
	Applied          int      `json:"applied"`
	Skipped          int      `json:"skipped"`
	Failed           int      `json:"failed"`
	ModifiedSceneIDs []string `json:"modified_scene_ids"`
}

// ProgressFunc receives per-change apply progress: how many candidates
// are done out of the total.
type ProgressFunc func(done, total int)

// ApplyPlan applies the candidate changes upstream. With changeIDs
// empty the candidates are exactly the APPROVED changes; a change on a
// scene the upstream no longer has is marked applied and counted as
// skipped so it never blocks plan progress; an upstream error leaves
// the change APPROVED for retry and counts as failed.
func (m *Manager) ApplyPlan(ctx context.Context, planID int64, changeIDs []int64, progress ProgressFunc) (*ApplyResult, error) {
	if m.scenes == nil {
		return nil, fmt.Errorf("apply plan %d: no upstream client configured", planID)
	}

	p, err := m.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !p.CanBeApplied() {
		return nil, fmt.Errorf("plan %d in status %s: %w", planID, p.Status, ErrPlanNotApplicable)
	}

	filter := storage.ChangeFilter{}
	if len(changeIDs) > 0 {
		filter.IDs = changeIDs
	} else {
		approved := storage.ChangeStatusApproved
		filter.Status = &approved
	}
	candidates, err := m.store.ListChanges(ctx, planID, filter)
	if err != nil {
		return nil, fmt.Errorf("apply plan %d: %w", planID, err)
	}

	result := &ApplyResult{Total: len(candidates)}
	modified := make(map[string]struct{})

	for i, change := range candidates {
		if !change.CanBeApplied(p.Status) {
			// Explicit ids may name rejected or already applied rows.
			result.Skipped++
			m.reportApply(progress, i+1, len(candidates))
			continue
		}

		scene, err := m.scenes.GetScene(ctx, change.SceneID)
		if errors.Is(err, stash.ErrNotFound) {
			// The scene is gone upstream: finalize the change so it
			// does not block the plan.
			if err := m.store.SetChangeStatus(ctx, change.ID, storage.ChangeStatusApplied, nil); err != nil {
				return nil, fmt.Errorf("mark skipped change %d: %w", change.ID, err)
			}
			result.Skipped++
			m.logger.Warn("Scene missing upstream, skipping change",
				"plan_id", planID, "change_id", change.ID, "scene_id", change.SceneID)
			m.reportApply(progress, i+1, len(candidates))
			continue
		}
		if err != nil {
			result.Failed++
			m.logger.Error("Failed to fetch scene for change",
				"plan_id", planID, "change_id", change.ID, "scene_id", change.SceneID, "error", err)
			m.reportApply(progress, i+1, len(candidates))
			continue
		}

		if err := m.applyChange(ctx, scene, change); err != nil {
			result.Failed++
			m.logger.Error("Failed to apply change upstream",
				"plan_id", planID, "change_id", change.ID,
				"scene_id", change.SceneID, "field", change.Field, "error", err)
			m.reportApply(progress, i+1, len(candidates))
			continue
		}

		if err := m.store.SetChangeStatus(ctx, change.ID, storage.ChangeStatusApplied, nil); err != nil {
			return nil, fmt.Errorf("mark applied change %d: %w", change.ID, err)
		}
		result.Applied++
		modified[change.SceneID] = struct{}{}
		m.reportApply(progress, i+1, len(candidates))
	}

	result.ModifiedSceneIDs = make([]string, 0, len(modified))
	for id := range modified {
		result.ModifiedSceneIDs = append(result.ModifiedSceneIDs, id)
	}
	sort.Strings(result.ModifiedSceneIDs)

	if err := m.ReconcileStatus(ctx, planID); err != nil {
		return result, err
	}
	m.logger.Info("Plan apply finished",
		"plan_id", planID, "total", result.Total, "applied", result.Applied,
		"skipped", result.Skipped, "failed", result.Failed)
	return result, nil
}

func (m *Manager) reportApply(progress ProgressFunc, done, total int) {
	if progress != nil {
		progress(done, total)
	}
}

// applyChange translates one change into the matching upstream
// mutation against the current scene state.
func (m *Manager) applyChange(ctx context.Context, scene *stash.Scene, change *storage.PlanChange) error {
	switch change.Field {
	case "tags":
		return m.applyTagsChange(ctx, scene, change)
	case "performers":
		return m.applyPerformersChange(ctx, scene, change)
	case "studio":
		return m.applyStudioChange(ctx, scene, change)
	case "title", "details", "date":
		var value string
		if err := json.Unmarshal(change.ProposedValue, &value); err != nil {
			return fmt.Errorf("decode proposed %s: %w", change.Field, err)
		}
		patch := &stash.ScenePatch{}
		switch change.Field {
		case "title":
			patch.Title = &value
		case "details":
			patch.Details = &value
		case "date":
			patch.Date = &value
		}
		_, err := m.scenes.UpdateScene(ctx, scene.ID, patch)
		return err
	case "rating100":
		var value int
		if err := json.Unmarshal(change.ProposedValue, &value); err != nil {
			return fmt.Errorf("decode proposed rating: %w", err)
		}
		_, err := m.scenes.UpdateScene(ctx, scene.ID, &stash.ScenePatch{Rating100: &value})
		return err
	case "organized":
		var value bool
		if err := json.Unmarshal(change.ProposedValue, &value); err != nil {
			return fmt.Errorf("decode proposed organized: %w", err)
		}
		_, err := m.scenes.UpdateScene(ctx, scene.ID, &stash.ScenePatch{Organized: &value})
		return err
	default:
		return fmt.Errorf("unsupported change field: %s", change.Field)
	}
}

// applyTagsChange resolves proposed tag names and merges or diffs the
// scene's tag id set.
func (m *Manager) applyTagsChange(ctx context.Context, scene *stash.Scene, change *storage.PlanChange) error {
	names, err := decodeNames(change.ProposedValue)
	if err != nil {
		return fmt.Errorf("decode proposed tags: %w", err)
	}

	current := scene.TagIDs()
	switch change.Action {
	case storage.ChangeActionAdd:
		ids := current
		for _, name := range names {
			tag, err := m.scenes.FindOrCreateTag(ctx, name)
			if err != nil {
				return fmt.Errorf("resolve tag %q: %w", name, err)
			}
			ids = appendUnique(ids, tag.ID)
		}
		_, err = m.scenes.UpdateScene(ctx, scene.ID, &stash.ScenePatch{TagIDs: ids})
		return err
	case storage.ChangeActionRemove:
		remove := make(map[string]struct{}, len(names))
		for _, name := range names {
			for _, tag := range scene.Tags {
				if tag.Name == name {
					remove[tag.ID] = struct{}{}
				}
			}
		}
		ids := make([]string, 0, len(current))
		for _, id := range current {
			if _, gone := remove[id]; !gone {
				ids = append(ids, id)
			}
		}
		_, err = m.scenes.UpdateScene(ctx, scene.ID, &stash.ScenePatch{TagIDs: ids})
		return err
	case storage.ChangeActionSet:
		ids := make([]string, 0, len(names))
		for _, name := range names {
			tag, err := m.scenes.FindOrCreateTag(ctx, name)
			if err != nil {
				return fmt.Errorf("resolve tag %q: %w", name, err)
			}
			ids = appendUnique(ids, tag.ID)
		}
		_, err = m.scenes.UpdateScene(ctx, scene.ID, &stash.ScenePatch{TagIDs: ids})
		return err
	default:
		return fmt.Errorf("unsupported tags action: %s", change.Action)
	}
}

// applyPerformersChange adds or removes performers by id.
func (m *Manager) applyPerformersChange(ctx context.Context, scene *stash.Scene, change *storage.PlanChange) error {
	ids, err := decodeIDs(change.ProposedValue)
	if err != nil {
		return fmt.Errorf("decode proposed performers: %w", err)
	}

	current := scene.PerformerIDs()
	switch change.Action {
	case storage.ChangeActionAdd:
		merged := current
		for _, id := range ids {
			merged = appendUnique(merged, id)
		}
		_, err = m.scenes.UpdateScene(ctx, scene.ID, &stash.ScenePatch{PerformerIDs: merged})
		return err
	case storage.ChangeActionRemove:
		remove := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			remove[id] = struct{}{}
		}
		kept := make([]string, 0, len(current))
		for _, id := range current {
			if _, gone := remove[id]; !gone {
				kept = append(kept, id)
			}
		}
		_, err = m.scenes.UpdateScene(ctx, scene.ID, &stash.ScenePatch{PerformerIDs: kept})
		return err
	case storage.ChangeActionSet:
		_, err = m.scenes.UpdateScene(ctx, scene.ID, &stash.ScenePatch{PerformerIDs: ids})
		return err
	default:
		return fmt.Errorf("unsupported performers action: %s", change.Action)
	}
}

// applyStudioChange sets the studio by id or by name lookup.
func (m *Manager) applyStudioChange(ctx context.Context, scene *stash.Scene, change *storage.PlanChange) error {
	// Proposed value is either {"id": "..."} or a bare name string.
	var byID struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(change.ProposedValue, &byID); err == nil && byID.ID != "" {
		_, err := m.scenes.UpdateScene(ctx, scene.ID, &stash.ScenePatch{StudioID: &byID.ID})
		return err
	}

	var name string
	if err := json.Unmarshal(change.ProposedValue, &name); err != nil {
		return fmt.Errorf("decode proposed studio: %w", err)
	}
	found, err := m.scenes.FindStudios(ctx, name, 1, 25)
	if err != nil {
		return fmt.Errorf("lookup studio %q: %w", name, err)
	}
	for _, studio := range found.Studios {
		if studio.Name == name {
			_, err := m.scenes.UpdateScene(ctx, scene.ID, &stash.ScenePatch{StudioID: &studio.ID})
			return err
		}
	}
	return fmt.Errorf("studio %q: %w", name, stash.ErrNotFound)
}

// decodeNames accepts ["a","b"] or [{"name":"a"},...].
func decodeNames(raw json.RawMessage) ([]string, error) {
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return names, nil
	}
	var objs []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &objs); err != nil {
		return nil, err
	}
	names = make([]string, 0, len(objs))
	for _, o := range objs {
		names = append(names, o.Name)
	}
	return names, nil
}

// decodeIDs accepts ["1","2"] or [{"id":"1"},...].
func decodeIDs(raw json.RawMessage) ([]string, error) {
	var ids []string
	if err := json.Unmarshal(raw, &ids); err == nil {
		return ids, nil
	}
	var objs []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &objs); err != nil {
		return nil, err
	}
	ids = make([]string, 0, len(objs))
	for _, o := range objs {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
