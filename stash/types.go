package stash

// Shapes of the upstream GraphQL contract. Field names follow the
// upstream schema; only the fields the core consumes are declared.

// Scene is the upstream scene object.
type Scene struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Organized  bool        `json:"organized"`
	Details    string      `json:"details"`
	Date       string      `json:"date"`
	Rating100  *int        `json:"rating100"`
	Paths      ScenePaths  `json:"paths"`
	Files      []SceneFile `json:"files"`
	Performers []Performer `json:"performers"`
	Tags       []Tag       `json:"tags"`
	Studio     *Studio     `json:"studio"`
	CreatedAt  string      `json:"created_at"`
	UpdatedAt  string      `json:"updated_at"`
}

// TagIDs returns the scene's tag ids.
func (s *Scene) TagIDs() []string {
	ids := make([]string, 0, len(s.Tags))
	for _, t := range s.Tags {
		ids = append(ids, t.ID)
	}
	return ids
}

// PerformerIDs returns the scene's performer ids.
func (s *Scene) PerformerIDs() []string {
	ids := make([]string, 0, len(s.Performers))
	for _, p := range s.Performers {
		ids = append(ids, p.ID)
	}
	return ids
}

// ScenePaths carries the derived media URLs for a scene.
type ScenePaths struct {
	Screenshot string `json:"screenshot"`
	Preview    string `json:"preview"`
	Stream     string `json:"stream"`
	Sprite     string `json:"sprite"`
}

// SceneFile is one media file behind a scene.
type SceneFile struct {
	Path       string  `json:"path"`
	Size       int64   `json:"size"`
	Duration   float64 `json:"duration"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FrameRate  float64 `json:"frame_rate"`
	BitRate    int64   `json:"bit_rate"`
	VideoCodec string  `json:"video_codec"`
	AudioCodec string  `json:"audio_codec"`
}

// Performer is an upstream performer reference.
type Performer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Tag is an upstream tag reference.
type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Studio is an upstream studio reference.
type Studio struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FindFilter is the upstream FindFilterType pagination/search shape.
type FindFilter struct {
	Q         string `json:"q,omitempty"`
	Page      int    `json:"page,omitempty"`
	PerPage   int    `json:"per_page,omitempty"`
	Sort      string `json:"sort,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// ScenesResult is the FindScenes payload.
type ScenesResult struct {
	Count  int      `json:"count"`
	Scenes []*Scene `json:"scenes"`
}

// PerformersResult is the FindPerformers payload.
type PerformersResult struct {
	Count      int          `json:"count"`
	Performers []*Performer `json:"performers"`
}

// TagsResult is the FindTags payload.
type TagsResult struct {
	Count int    `json:"count"`
	Tags  []*Tag `json:"tags"`
}

// StudiosResult is the FindStudios payload.
type StudiosResult struct {
	Count   int       `json:"count"`
	Studios []*Studio `json:"studios"`
}

// ScenePatch is the SceneUpdateInput subset the core writes. Nil
// fields are omitted from the mutation.
type ScenePatch struct {
	Title        *string  `json:"title,omitempty"`
	Details      *string  `json:"details,omitempty"`
	Date         *string  `json:"date,omitempty"`
	Rating100    *int     `json:"rating100,omitempty"`
	Organized    *bool    `json:"organized,omitempty"`
	StudioID     *string  `json:"studio_id,omitempty"`
	TagIDs       []string `json:"tag_ids,omitempty"`
	PerformerIDs []string `json:"performer_ids,omitempty"`
}

// IsZero reports whether the patch carries no fields.
func (p *ScenePatch) IsZero() bool {
	return p.Title == nil && p.Details == nil && p.Date == nil &&
		p.Rating100 == nil && p.Organized == nil && p.StudioID == nil &&
		p.TagIDs == nil && p.PerformerIDs == nil
}

// Upstream job statuses reported by FindJob.
const (
	UpstreamJobReady     = "READY"
	UpstreamJobRunning   = "RUNNING"
	UpstreamJobFinished  = "FINISHED"
	UpstreamJobFailed    = "FAILED"
	UpstreamJobCancelled = "CANCELLED"
	UpstreamJobStopping  = "STOPPING"
)

// UpstreamJob is the upstream's view of a scan/generate job.
type UpstreamJob struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	Progress    float64 `json:"progress"` // [0,1]
	Description string  `json:"description"`
	StartTime   string  `json:"startTime"`
	EndTime     string  `json:"endTime"`
	Error       string  `json:"error"`
}

// TerminalUpstream reports whether the upstream job status is final.
func TerminalUpstream(status string) bool {
	switch status {
	case UpstreamJobFinished, UpstreamJobFailed, UpstreamJobCancelled:
		return true
	}
	return false
}

// Version is the upstream version info used by TestConnection.
type Version struct {
	Version   string `json:"version"`
	Hash      string `json:"hash"`
	BuildTime string `json:"build_time"`
}
