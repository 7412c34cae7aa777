// Package downloader implements the asynchronous download subsystem: it
// issues bundle download tasks, reports progress and completion through
// callbacks, and keeps the live-task list the manager reconciles catalog
// state against.
package downloader

import (
	"context"
	"sync"
)

// Task is a live download task handle. The subsystem is the sole source of
// truth for task liveness; persisted task tokens can go stale across
// restarts and must be checked against Tasks() before use.
type Task interface {
	// Token is the opaque correlation id recorded on the owning asset.
	Token() string
	// SourceURL is the remote manifest URL this task downloads.
	SourceURL() string
	// Suspend pauses segment fetching. The task stays live and resumable.
	Suspend()
	// Resume releases a suspended task.
	Resume()
	// Cancel aborts the task. It disappears from the live list.
	Cancel()
}

// Events receives asynchronous task callbacks. Delivered on downloader
// goroutines at arbitrary cadence; implementations serialize their own
// state changes.
type Events interface {
	// OnProgress reports fractional completion in [0,1].
	OnProgress(token string, fraction float64)
	// OnBundleReady reports the bundle's relative path once all media
	// artifacts are on disk, before OnTaskFinished.
	OnBundleReady(token string, bundleRelPath string)
	// OnTaskFinished reports terminal task state; err is nil on success.
	OnTaskFinished(token string, err error)
}

// Subsystem issues and lists download tasks.
type Subsystem interface {
	IssueTask(url string) (Task, error)
	Tasks() []Task
}

// task is the concrete handle used by HTTPDownloader. Pausing is a gate the
// segment loop passes through between fetches; cancel tears down the task
// context.
type task struct {
	token  string
	url    string
	cancel context.CancelFunc

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func (t *task) Token() string     { return t.token }
func (t *task) SourceURL() string { return t.url }

func (t *task) Suspend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		t.paused = true
		t.resume = make(chan struct{})
	}
}

func (t *task) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused {
		t.paused = false
		close(t.resume)
	}
}

func (t *task) Cancel() { t.cancel() }

// gate blocks while the task is suspended. Returns ctx.Err when the task is
// cancelled mid-suspension.
func (t *task) gate(ctx context.Context) error {
	for {
		t.mu.Lock()
		paused, resume := t.paused, t.resume
		t.mu.Unlock()
		if !paused {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resume:
		}
	}
}
