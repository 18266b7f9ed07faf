package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/stashhog/stashhog/storage"
)

// DownloadsWatcher watches the downloads directory and launches a
// PROCESS_DOWNLOADS job once matching files have settled. Events are
// batched: the job fires only after the directory has been quiet for
// the settle window, and only one job is outstanding at a time.
type DownloadsWatcher struct {
	dir      string
	patterns []string
	settle   time.Duration

	pendingFiles map[string]struct{}
	lastEvent    time.Time
	outstanding  string
}

// NewDownloadsWatcher builds the watcher from its configuration. The
// watch directory is required; patterns default to matching every
// file.
func NewDownloadsWatcher(config map[string]any) (*DownloadsWatcher, error) {
	d := &DownloadsWatcher{
		settle:       30 * time.Second,
		patterns:     []string{"**"},
		pendingFiles: make(map[string]struct{}),
	}
	dir, _ := config["directory"].(string)
	if dir == "" {
		return nil, fmt.Errorf("downloads watcher requires a directory")
	}
	d.dir = dir
	if v, ok := numberConfig(config, "settle_seconds"); ok && v > 0 {
		d.settle = time.Duration(v) * time.Second
	}
	if raw, ok := config["patterns"].([]any); ok && len(raw) > 0 {
		d.patterns = d.patterns[:0]
		for _, p := range raw {
			pattern, ok := p.(string)
			if !ok {
				return nil, fmt.Errorf("downloads watcher pattern must be a string, got %T", p)
			}
			if !doublestar.ValidatePattern(pattern) {
				return nil, fmt.Errorf("invalid downloads pattern %q", pattern)
			}
			d.patterns = append(d.patterns, pattern)
		}
	}
	return d, nil
}

func (d *DownloadsWatcher) Type() storage.DaemonType { return storage.DaemonTypeDownloadsWatcher }

func (d *DownloadsWatcher) OnStart(ctx context.Context, f *Facilities) error {
	f.Log(ctx, storage.LogLevelInfo, fmt.Sprintf("Watching %s for downloads", d.dir))
	return nil
}

func (d *DownloadsWatcher) OnStop(ctx context.Context) error { return nil }

// matches reports whether the path, relative to the watch root,
// matches any configured pattern.
func (d *DownloadsWatcher) matches(path string) bool {
	rel, err := filepath.Rel(d.dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range d.patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func (d *DownloadsWatcher) Run(ctx context.Context, f *Facilities) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.dir); err != nil {
		return fmt.Errorf("watch %s: %w", d.dir, err)
	}

	ticker := time.NewTicker(d.settle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !d.matches(ev.Name) {
				continue
			}
			d.pendingFiles[ev.Name] = struct{}{}
			d.lastEvent = time.Now()

		case werr, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			f.TrackError(ctx, "watch", werr.Error())

		case <-ticker.C:
			f.UpdateHeartbeat(ctx)
			if err := d.maybeLaunch(ctx, f); err != nil {
				f.Log(ctx, storage.LogLevelError, fmt.Sprintf("Download processing launch failed: %v", err))
				f.TrackError(ctx, "launch", err.Error())
			}
		}
	}
}

// maybeLaunch fires PROCESS_DOWNLOADS when files are pending, the
// settle window has passed, and no previous job is still running.
func (d *DownloadsWatcher) maybeLaunch(ctx context.Context, f *Facilities) error {
	if d.outstanding != "" {
		job, err := f.Job(ctx, d.outstanding)
		if err != nil {
			return fmt.Errorf("check job %s: %w", d.outstanding, err)
		}
		if !job.Status.Terminal() {
			return nil
		}
		d.outstanding = ""
	}

	if len(d.pendingFiles) == 0 || time.Since(d.lastEvent) < d.settle {
		return nil
	}

	files := make([]any, 0, len(d.pendingFiles))
	for path := range d.pendingFiles {
		files = append(files, path)
	}
	job, err := f.LaunchJob(ctx, storage.JobTypeProcessDownloads, storage.JSONMap{
		"directory": d.dir,
		"files":     files,
	})
	if err != nil {
		return err
	}
	d.outstanding = job.ID
	d.pendingFiles = make(map[string]struct{})
	f.Log(ctx, storage.LogLevelInfo,
		fmt.Sprintf("Launched download processing job %s for %d files", job.ID, len(files)))
	return nil
}
