package handlers

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/stashhog/stashhog/jobs"
)

// ProcessDownloadsHandler runs PROCESS_DOWNLOADS jobs: it scans the
// downloads directory for files matching the configured glob patterns
// and reports them. Moving the matches into the library is the
// embedding application's concern.
type ProcessDownloadsHandler struct {
	defaultDir      string
	defaultPatterns []string
}

// NewProcessDownloadsHandler builds the handler with fallbacks used
// when a job carries no directory or patterns of its own.
func NewProcessDownloadsHandler(dir string, patterns []string) *ProcessDownloadsHandler {
	if len(patterns) == 0 {
		patterns = []string{"**"}
	}
	return &ProcessDownloadsHandler{defaultDir: dir, defaultPatterns: patterns}
}

// Run implements jobs.Handler.
func (h *ProcessDownloadsHandler) Run(ctx context.Context, inv *jobs.Invocation) (map[string]any, error) {
	var params jobs.ProcessDownloadsParams
	if err := inv.DecodeParams(&params); err != nil {
		return nil, err
	}
	dir := params.Directory
	if dir == "" {
		dir = h.defaultDir
	}
	if dir == "" {
		return nil, jobs.NewValidationError("directory", "downloads directory is required")
	}
	patterns := params.Patterns
	if len(patterns) == 0 {
		patterns = h.defaultPatterns
	}

	_ = inv.Reporter.Progress(ctx, 10, fmt.Sprintf("Scanning %s", dir))
	root := os.DirFS(dir)
	seen := make(map[string]struct{})
	for _, pattern := range patterns {
		if inv.Token.Cancelled() {
			return nil, inv.Token.Err()
		}
		matches, err := doublestar.Glob(root, pattern)
		if err != nil {
			return nil, jobs.NewValidationError("patterns", fmt.Sprintf("invalid pattern %q: %v", pattern, err))
		}
		for _, m := range matches {
			info, err := fs.Stat(root, m)
			if err != nil || info.IsDir() {
				continue
			}
			seen[m] = struct{}{}
		}
	}

	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)

	_ = inv.Reporter.Progress(ctx, 90, fmt.Sprintf("Found %d matching files", len(files)))
	_ = inv.Reporter.SetCounts(ctx, int64(len(files)), int64(len(files)))
	return map[string]any{
		"directory": dir,
		"matched":   len(files),
		"files":     files,
	}, nil
}
