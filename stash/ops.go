package stash

import (
	"context"
	"fmt"
)

const sceneFields = `
	id
	title
	organized
	details
	date
	rating100
	paths { screenshot preview stream sprite }
	files { path size duration width height frame_rate bit_rate video_codec audio_codec }
	performers { id name }
	tags { id name }
	studio { id name }
	created_at
	updated_at`

// FindScenes queries scenes with optional pagination, scene filter,
// and explicit id list.
func (c *Client) FindScenes(ctx context.Context, filter *FindFilter, sceneFilter map[string]any, sceneIDs []int) (*ScenesResult, error) {
	query := fmt.Sprintf(`
		query FindScenes($filter: FindFilterType, $scene_filter: SceneFilterType, $scene_ids: [Int!]) {
			findScenes(filter: $filter, scene_filter: $scene_filter, scene_ids: $scene_ids) {
				count
				scenes {%s
				}
			}
		}`, sceneFields)

	vars := map[string]any{}
	if filter != nil {
		vars["filter"] = filter
	}
	if sceneFilter != nil {
		vars["scene_filter"] = sceneFilter
	}
	if sceneIDs != nil {
		vars["scene_ids"] = sceneIDs
	}

	var data struct {
		FindScenes ScenesResult `json:"findScenes"`
	}
	if err := c.execute(ctx, query, vars, &data); err != nil {
		return nil, err
	}
	return &data.FindScenes, nil
}

// GetScene returns one scene or ErrNotFound.
func (c *Client) GetScene(ctx context.Context, id string) (*Scene, error) {
	query := fmt.Sprintf(`
		query FindScene($id: ID!) {
			findScene(id: $id) {%s
			}
		}`, sceneFields)

	var data struct {
		FindScene *Scene `json:"findScene"`
	}
	if err := c.execute(ctx, query, map[string]any{"id": id}, &data); err != nil {
		return nil, err
	}
	if data.FindScene == nil {
		return nil, fmt.Errorf("scene %s: %w", id, ErrNotFound)
	}
	return data.FindScene, nil
}

// UpdateScene applies a patch to one scene and returns the updated
// scene.
func (c *Client) UpdateScene(ctx context.Context, id string, patch *ScenePatch) (*Scene, error) {
	query := fmt.Sprintf(`
		mutation SceneUpdate($input: SceneUpdateInput!) {
			sceneUpdate(input: $input) {%s
			}
		}`, sceneFields)

	input := map[string]any{"id": id}
	if err := mergePatch(input, patch); err != nil {
		return nil, err
	}

	var data struct {
		SceneUpdate *Scene `json:"sceneUpdate"`
	}
	if err := c.execute(ctx, query, map[string]any{"input": input}, &data); err != nil {
		return nil, err
	}
	if data.SceneUpdate == nil {
		return nil, fmt.Errorf("scene %s: %w", id, ErrNotFound)
	}
	return data.SceneUpdate, nil
}

// BulkUpdateScenes applies one patch to many scenes.
func (c *Client) BulkUpdateScenes(ctx context.Context, ids []string, patch *ScenePatch) error {
	query := `
		mutation BulkSceneUpdate($input: BulkSceneUpdateInput!) {
			bulkSceneUpdate(input: $input) { id }
		}`

	input := map[string]any{"ids": ids}
	if err := mergePatch(input, patch); err != nil {
		return err
	}
	return c.execute(ctx, query, map[string]any{"input": input}, nil)
}

// mergePatch folds a ScenePatch's set fields into the mutation input.
func mergePatch(input map[string]any, patch *ScenePatch) error {
	if patch == nil {
		return nil
	}
	if patch.Title != nil {
		input["title"] = *patch.Title
	}
	if patch.Details != nil {
		input["details"] = *patch.Details
	}
	if patch.Date != nil {
		input["date"] = *patch.Date
	}
	if patch.Rating100 != nil {
		input["rating100"] = *patch.Rating100
	}
	if patch.Organized != nil {
		input["organized"] = *patch.Organized
	}
	if patch.StudioID != nil {
		input["studio_id"] = *patch.StudioID
	}
	if patch.TagIDs != nil {
		input["tag_ids"] = patch.TagIDs
	}
	if patch.PerformerIDs != nil {
		input["performer_ids"] = patch.PerformerIDs
	}
	return nil
}

// FindPerformers searches performers by name.
func (c *Client) FindPerformers(ctx context.Context, q string, page, perPage int) (*PerformersResult, error) {
	query := `
		query FindPerformers($filter: FindFilterType) {
			findPerformers(filter: $filter) {
				count
				performers { id name }
			}
		}`
	var data struct {
		FindPerformers PerformersResult `json:"findPerformers"`
	}
	err := c.execute(ctx, query, map[string]any{
		"filter": &FindFilter{Q: q, Page: page, PerPage: perPage},
	}, &data)
	if err != nil {
		return nil, err
	}
	return &data.FindPerformers, nil
}

// FindTags searches tags by name.
func (c *Client) FindTags(ctx context.Context, q string, page, perPage int) (*TagsResult, error) {
	query := `
		query FindTags($filter: FindFilterType) {
			findTags(filter: $filter) {
				count
				tags { id name }
			}
		}`
	var data struct {
		FindTags TagsResult `json:"findTags"`
	}
	err := c.execute(ctx, query, map[string]any{
		"filter": &FindFilter{Q: q, Page: page, PerPage: perPage},
	}, &data)
	if err != nil {
		return nil, err
	}
	return &data.FindTags, nil
}

// FindStudios searches studios by name.
func (c *Client) FindStudios(ctx context.Context, q string, page, perPage int) (*StudiosResult, error) {
	query := `
		query FindStudios($filter: FindFilterType) {
			findStudios(filter: $filter) {
				count
				studios { id name }
			}
		}`
	var data struct {
		FindStudios StudiosResult `json:"findStudios"`
	}
	err := c.execute(ctx, query, map[string]any{
		"filter": &FindFilter{Q: q, Page: page, PerPage: perPage},
	}, &data)
	if err != nil {
		return nil, err
	}
	return &data.FindStudios, nil
}

// CreateTag creates a tag with the given name.
func (c *Client) CreateTag(ctx context.Context, name string) (*Tag, error) {
	query := `
		mutation TagCreate($input: TagCreateInput!) {
			tagCreate(input: $input) { id name }
		}`
	var data struct {
		TagCreate *Tag `json:"tagCreate"`
	}
	err := c.execute(ctx, query, map[string]any{
		"input": map[string]any{"name": name},
	}, &data)
	if err != nil {
		return nil, err
	}
	if data.TagCreate == nil {
		return nil, fmt.Errorf("tag create returned nothing: %w", ErrNotFound)
	}
	return data.TagCreate, nil
}

// FindOrCreateTag returns the tag with the exact name, creating it if
// absent. Idempotent: two calls with the same name yield the same id.
func (c *Client) FindOrCreateTag(ctx context.Context, name string) (*Tag, error) {
	found, err := c.FindTags(ctx, name, 1, 25)
	if err != nil {
		return nil, err
	}
	for _, tag := range found.Tags {
		if tag.Name == name {
			return tag, nil
		}
	}
	return c.CreateTag(ctx, name)
}

// MetadataScan starts an upstream scan and returns its job id.
func (c *Client) MetadataScan(ctx context.Context, input map[string]any) (string, error) {
	query := `
		mutation MetadataScan($input: ScanMetadataInput!) {
			metadataScan(input: $input)
		}`
	if input == nil {
		input = map[string]any{}
	}
	var data struct {
		MetadataScan string `json:"metadataScan"`
	}
	if err := c.execute(ctx, query, map[string]any{"input": input}, &data); err != nil {
		return "", err
	}
	return data.MetadataScan, nil
}

// MetadataGenerate starts an upstream generate and returns its job id.
func (c *Client) MetadataGenerate(ctx context.Context, input map[string]any) (string, error) {
	query := `
		mutation MetadataGenerate($input: GenerateMetadataInput!) {
			metadataGenerate(input: $input)
		}`
	if input == nil {
		input = map[string]any{}
	}
	var data struct {
		MetadataGenerate string `json:"metadataGenerate"`
	}
	if err := c.execute(ctx, query, map[string]any{"input": input}, &data); err != nil {
		return "", err
	}
	return data.MetadataGenerate, nil
}

// StopJob asks the upstream to stop a job.
func (c *Client) StopJob(ctx context.Context, jobID string) (bool, error) {
	query := `
		mutation StopJob($job_id: ID!) {
			stopJob(job_id: $job_id)
		}`
	var data struct {
		StopJob bool `json:"stopJob"`
	}
	if err := c.execute(ctx, query, map[string]any{"job_id": jobID}, &data); err != nil {
		return false, err
	}
	return data.StopJob, nil
}

// FindJob returns the upstream job or ErrNotFound.
func (c *Client) FindJob(ctx context.Context, jobID string) (*UpstreamJob, error) {
	query := `
		query FindJob($input: FindJobInput!) {
			findJob(input: $input) {
				id status progress description startTime endTime error
			}
		}`
	var data struct {
		FindJob *UpstreamJob `json:"findJob"`
	}
	err := c.execute(ctx, query, map[string]any{
		"input": map[string]any{"id": jobID},
	}, &data)
	if err != nil {
		return nil, err
	}
	if data.FindJob == nil {
		return nil, fmt.Errorf("upstream job %s: %w", jobID, ErrNotFound)
	}
	return data.FindJob, nil
}

// TestConnection verifies the endpoint by fetching its version.
func (c *Client) TestConnection(ctx context.Context) (*Version, error) {
	query := `
		query Version {
			version { version hash build_time }
		}`
	var data struct {
		Version Version `json:"version"`
	}
	if err := c.execute(ctx, query, nil, &data); err != nil {
		return nil, err
	}
	return &data.Version, nil
}
