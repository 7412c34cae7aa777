// Package taskreg bridges catalog assets to live download tasks. The
// download subsystem is the sole source of truth for task liveness; the
// task token persisted on an asset can go stale (process restart), so
// lookups always go through the subsystem's live list.
package taskreg

import (
	"github.com/hlsvault/hls-vault/internal/asset"
	"github.com/hlsvault/hls-vault/internal/downloader"
)

// Registry resolves assets to live tasks. The subsystem handle is injected
// at construction; there is no process-wide task list.
type Registry struct {
	subsystem downloader.Subsystem
}

func New(subsystem downloader.Subsystem) *Registry {
	return &Registry{subsystem: subsystem}
}

// FindTask returns the live task for a, matching by task token first and
// falling back to source URL. Returns nil when no live task exists.
func (r *Registry) FindTask(a asset.Asset) downloader.Task {
	tasks := r.subsystem.Tasks()
	if a.TaskToken != "" {
		for _, t := range tasks {
			if t.Token() == a.TaskToken {
				return t
			}
		}
	}
	for _, t := range tasks {
		if t.SourceURL() == a.SourceURL {
			return t
		}
	}
	return nil
}

// LiveTasks returns the subsystem's current task list.
func (r *Registry) LiveTasks() []downloader.Task {
	return r.subsystem.Tasks()
}
