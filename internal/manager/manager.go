// Package manager orchestrates asset lifecycle transitions: it owns the
// repository, reconciles catalog state against the download subsystem's
// live tasks, fans events out to delegates, and hands completed bundles to
// the key post-processor.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/hlsvault/hls-vault/internal/asset"
	"github.com/hlsvault/hls-vault/internal/downloader"
	"github.com/hlsvault/hls-vault/internal/journal"
	"github.com/hlsvault/hls-vault/internal/keyproc"
	"github.com/hlsvault/hls-vault/internal/metrics"
	"github.com/hlsvault/hls-vault/internal/repository"
	"github.com/hlsvault/hls-vault/internal/safeurl"
	"github.com/hlsvault/hls-vault/internal/taskreg"
)

// PostProcessor finalizes a completed bundle. Satisfied by
// *keyproc.Processor.
type PostProcessor interface {
	Process(ctx context.Context, a asset.Asset) (asset.Asset, error)
}

// PlayableHandle points a playback pipeline at a completed local bundle.
type PlayableHandle struct {
	BundleDir      string // absolute bundle directory
	BootDescriptor string // absolute boot.xml path
	ManifestPath   string // absolute rewritten variant manifest, if resolved
	KeyURL         string // key responder URL for this bundle
}

// Manager serializes per-asset transitions; operations on distinct assets
// are independent. All delegate notifications are delivered synchronously.
type Manager struct {
	repo       *repository.Repository
	reg        *taskreg.Registry
	subsystem  downloader.Subsystem
	proc       PostProcessor
	journal    *journal.Journal // nil disables transition journaling
	bundleRoot string
	baseURL    string

	dmu       sync.Mutex
	delegates []Delegate

	locks keyedLocks
}

// New builds a Manager around repo. keyClient is used for remote key
// fetches (nil for the shared default); jnl may be nil. Call Bind before
// issuing downloads.
func New(repo *repository.Repository, bundleRoot, baseURL string, keyClient *http.Client, jnl *journal.Journal) *Manager {
	m := &Manager{
		repo:       repo,
		journal:    jnl,
		bundleRoot: bundleRoot,
		baseURL:    baseURL,
	}
	m.proc = keyproc.New(repo, bundleRoot, keyClient, procEvents{m})
	return m
}

// Bind attaches the download subsystem. The manager's TaskEvents sink must
// be wired into the subsystem so callbacks find their way back.
func (m *Manager) Bind(sub downloader.Subsystem) {
	m.subsystem = sub
	m.reg = taskreg.New(sub)
}

// TaskEvents returns the sink to hand the download subsystem.
func (m *Manager) TaskEvents() downloader.Events { return taskEvents{m} }

// Subscribe adds a delegate to the fan-out list.
func (m *Manager) Subscribe(d Delegate) {
	m.dmu.Lock()
	defer m.dmu.Unlock()
	m.delegates = append(m.delegates, d)
}

// Catalog returns the current catalog snapshot.
func (m *Manager) Catalog() (asset.Catalog, error) { return m.repo.Query() }

// IsExist reports whether url is already tracked. Pure lookup.
func (m *Manager) IsExist(url string) (bool, *asset.Asset, error) {
	a, ok, err := m.repo.FindByURL(url)
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}
	return true, &a, nil
}

// CreateAsset records a pending asset for url. Idempotent: a URL that is
// already tracked returns the existing record unchanged.
func (m *Manager) CreateAsset(url string) (asset.Asset, error) {
	if !safeurl.IsHTTPOrHTTPS(url) {
		return asset.Asset{}, fmt.Errorf("%w: source URL %s must be http(s)", ErrInvalidOperation, safeurl.Redact(url))
	}
	a, err := m.repo.Create(asset.New(url))
	if err != nil {
		return asset.Asset{}, err
	}
	m.record(a, "", string(a.State), "")
	return a, nil
}

// StartDownload issues the external task for a and moves it to downloading.
// The asset must already exist in the catalog; calling without a prior
// CreateAsset is a caller error.
func (m *Manager) StartDownload(a asset.Asset) error {
	unlock := m.locks.lock(a.ID)
	defer unlock()

	current, ok, err := m.repo.FindByID(a.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: asset %s not in catalog; create it first", ErrInvalidOperation, a.ID)
	}
	if current.Active() {
		return fmt.Errorf("%w: asset %s is %s", ErrInvalidState, a.ID, current.State)
	}

	task, err := m.subsystem.IssueTask(current.SourceURL)
	if err != nil {
		m.emitFailure(current, UnknownDownloadFailReason)
		return fmt.Errorf("manager: issue task: %w", err)
	}
	metrics.ActiveDownloads.Inc()
	from := current.State
	current.TaskToken = task.Token()
	current.State = asset.StateDownloading
	if err := m.repo.Update(current); err != nil {
		task.Cancel()
		return err
	}
	m.record(current, string(from), string(current.State), "")
	log.Printf("manager: downloading %s (%s)", current.ID, safeurl.Redact(current.SourceURL))
	return nil
}

// Suspend pauses a's live task. When no live task exists the failure is
// reported through the delegate channel (the stale-token case has no
// synchronous remedy) and the state is left unchanged.
func (m *Manager) Suspend(a asset.Asset) error {
	unlock := m.locks.lock(a.ID)
	defer unlock()

	current, ok, err := m.repo.FindByID(a.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: asset %s not in catalog", ErrInvalidOperation, a.ID)
	}
	if current.State != asset.StateDownloading {
		return fmt.Errorf("%w: suspend requires downloading, asset %s is %s", ErrInvalidState, a.ID, current.State)
	}

	task := m.reg.FindTask(current)
	if task == nil {
		m.emitFailure(current, UnknownSuspendFailReason)
		return nil
	}
	task.Suspend()
	from := current.State
	current.State = asset.StateSuspended
	if err := m.repo.Update(current); err != nil {
		return err
	}
	m.record(current, string(from), string(current.State), "")
	m.emit(func(d Delegate) { d.OnSuspended(current) })
	return nil
}

// Restore resumes a suspended download. When the live task has vanished
// (process restart, subsystem crash) the stale record is discarded and the
// download re-issued from scratch; the delegate sees the usual OnRestored
// either way.
func (m *Manager) Restore(a asset.Asset) error {
	unlock := m.locks.lock(a.ID)
	defer unlock()

	current, ok, err := m.repo.FindByID(a.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: asset %s not in catalog", ErrInvalidOperation, a.ID)
	}
	if current.State != asset.StateSuspended {
		return fmt.Errorf("%w: restore requires suspended, asset %s is %s", ErrInvalidState, a.ID, current.State)
	}

	task := m.reg.FindTask(current)
	if task != nil {
		task.Resume()
		from := current.State
		current.State = asset.StateDownloading
		if err := m.repo.Update(current); err != nil {
			return err
		}
		m.record(current, string(from), string(current.State), "")
		m.emit(func(d Delegate) { d.OnRestored(current) })
		return nil
	}

	// Crash recovery: the task is gone for good, so the half-downloaded
	// record is useless. Drop it and start over.
	log.Printf("manager: restore %s: no live task, recreating", current.ID)
	m.record(current, string(current.State), "", "recreated after lost task")
	if err := m.repo.Delete(current); err != nil {
		m.emitFailure(current, UnknownRestoreFailReason)
		return err
	}
	metrics.DropAsset(current.ID)
	fresh, err := m.CreateAsset(current.SourceURL)
	if err != nil {
		m.emitFailure(current, UnknownRestoreFailReason)
		return err
	}
	if err := m.StartDownload(fresh); err != nil {
		m.emitFailure(fresh, UnknownRestoreFailReason)
		return err
	}
	m.emit(func(d Delegate) { d.OnRestored(fresh) })
	return nil
}

// Remove cancels any live task, deletes the catalog entry and bundle, and
// reports OnRemoved. A missing live task is not an error; removal must
// succeed regardless.
func (m *Manager) Remove(a asset.Asset) error {
	unlock := m.locks.lock(a.ID)
	defer unlock()

	if task := m.reg.FindTask(a); task != nil {
		task.Cancel()
	}
	current, ok, err := m.repo.FindByID(a.ID)
	if err != nil {
		return err
	}
	if !ok {
		// Removing twice is safe; report, don't crash.
		m.emitFailure(a, UnknownRemoveFailReason)
		return nil
	}
	if err := m.repo.Delete(current); err != nil {
		m.emitFailure(current, UnknownRemoveFailReason)
		return err
	}
	metrics.DropAsset(current.ID)
	metrics.AssetsRemoved.Inc()
	m.record(current, string(current.State), "", "removed")
	m.emit(func(d Delegate) { d.OnRemoved(current) })
	return nil
}

// ResolveKeys re-runs key resolution for an asset whose bundle is on disk
// but stuck in missingKey after a failed key fetch. Cheaper than a fresh
// download: the processor skips everything already rewritten.
func (m *Manager) ResolveKeys(a asset.Asset) error {
	unlock := m.locks.lock(a.ID)
	defer unlock()

	current, ok, err := m.repo.FindByID(a.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: asset %s not in catalog", ErrInvalidOperation, a.ID)
	}
	if current.State != asset.StateMissingKey {
		return fmt.Errorf("%w: key resolution requires missingKey, asset %s is %s", ErrInvalidState, a.ID, current.State)
	}

	processed, err := m.proc.Process(context.Background(), current)
	if err != nil {
		m.record(current, string(current.State), string(current.State), "key resolution failed")
		return err
	}
	if processed.Downloaded() {
		metrics.DownloadsCompleted.Inc()
		m.record(processed, string(asset.StateMissingKey), string(processed.State), "")
		m.emit(func(d Delegate) { d.OnDownloaded(processed) })
	}
	return nil
}

// RestoreAll resumes every live task unconditionally. Catalog state is
// assumed consistent and is not touched.
func (m *Manager) RestoreAll() {
	for _, t := range m.reg.LiveTasks() {
		t.Resume()
	}
}

// PlayableHandle builds a playback handle for a completed (or at least
// bundle-complete) asset. Returns nil while no bundle exists on disk.
func (m *Manager) PlayableHandle(a asset.Asset) *PlayableHandle {
	if a.BundleLocalPath == "" {
		return nil
	}
	return &PlayableHandle{
		BundleDir:      a.BundleAbsPath(m.bundleRoot),
		BootDescriptor: a.BootDescriptorPath(m.bundleRoot),
		ManifestPath:   a.ManifestAbsPath(m.bundleRoot),
		KeyURL:         keyproc.KeyURL(m.baseURL, a.BundleLocalPath),
	}
}

// KeyResponder returns the HTTP handler serving key bytes for playback.
func (m *Manager) KeyResponder() http.Handler {
	return keyproc.NewResponder(m.repo, m.bundleRoot)
}

func (m *Manager) emit(fn func(Delegate)) {
	m.dmu.Lock()
	ds := make([]Delegate, len(m.delegates))
	copy(ds, m.delegates)
	m.dmu.Unlock()
	for _, d := range ds {
		fn(d)
	}
}

func (m *Manager) emitFailure(a asset.Asset, reason FailReason) {
	m.record(a, string(a.State), string(a.State), string(reason))
	m.emit(func(d Delegate) { d.OnFailure(a, reason) })
}

func (m *Manager) record(a asset.Asset, from, to, reason string) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Record(a.ID, a.SourceURL, from, to, reason); err != nil {
		log.Printf("manager: journal: %v", err)
	}
}

// resolveToken maps a task token back to its asset. When the catalog does
// not know the token yet (the Update persisting it may still be in flight
// while the subsystem already calls back), the live task's source URL is
// tried next. A miss on both returns ok=false; callers drop the event.
func (m *Manager) resolveToken(token string) (asset.Asset, bool) {
	a, ok, err := m.repo.FindByTaskToken(token)
	if err != nil {
		log.Printf("manager: resolve task %s: %v", token, err)
		return asset.Asset{}, false
	}
	if ok {
		return a, true
	}
	if m.reg == nil {
		return asset.Asset{}, false
	}
	for _, t := range m.reg.LiveTasks() {
		if t.Token() != token {
			continue
		}
		a, ok, err = m.repo.FindByURL(t.SourceURL())
		if err != nil {
			log.Printf("manager: resolve task %s by URL: %v", token, err)
			return asset.Asset{}, false
		}
		return a, ok
	}
	return asset.Asset{}, false
}

// taskEvents adapts the download subsystem's callbacks onto the manager.
type taskEvents struct{ m *Manager }

func (e taskEvents) OnProgress(token string, fraction float64) {
	m := e.m
	a, ok := m.resolveToken(token)
	if !ok {
		return
	}
	unlock := m.locks.lock(a.ID)
	defer unlock()

	// Re-check under the lock: a concurrent Remove may have won.
	current, ok, err := m.repo.FindByID(a.ID)
	if err != nil || !ok {
		return
	}
	percent := int(fraction * 100)
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	current.ProgressPercent = percent
	if err := m.repo.Update(current); err != nil {
		log.Printf("manager: persist progress %s: %v", current.ID, err)
		return
	}
	metrics.ProgressPercent.WithLabelValues(current.ID).Set(float64(percent))
	m.emit(func(d Delegate) { d.OnProgress(current, percent) })
}

func (e taskEvents) OnBundleReady(token string, bundleRelPath string) {
	m := e.m
	a, ok := m.resolveToken(token)
	if !ok {
		log.Printf("manager: bundle ready for unknown task %s", token)
		return
	}
	unlock := m.locks.lock(a.ID)
	defer unlock()

	current, ok, err := m.repo.FindByID(a.ID)
	if err != nil || !ok {
		return
	}
	from := current.State
	current.BundleLocalPath = bundleRelPath
	current.State = asset.StateMissingKey
	if err := m.repo.Update(current); err != nil {
		log.Printf("manager: persist bundle path %s: %v", current.ID, err)
		return
	}
	m.record(current, string(from), string(current.State), "")
	m.emit(func(d Delegate) { d.OnBundleReady(current) })

	// Synchronous hand-off to the post-processor; key resolution must
	// finish (or fail) before the completion callback returns.
	processed, err := m.proc.Process(context.Background(), current)
	if err != nil {
		m.record(current, string(current.State), string(current.State), "key resolution failed")
		log.Printf("manager: post-process %s: %v", current.ID, err)
		return
	}
	if processed.Downloaded() {
		metrics.DownloadsCompleted.Inc()
		m.record(processed, string(asset.StateMissingKey), string(processed.State), "")
		m.emit(func(d Delegate) { d.OnDownloaded(processed) })
	}
}

func (e taskEvents) OnTaskFinished(token string, err error) {
	m := e.m
	metrics.ActiveDownloads.Dec()
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	a, ok := m.resolveToken(token)
	if !ok {
		return
	}
	log.Printf("manager: task for %s failed: %v", a.ID, err)
	m.emitFailure(a, UnknownDownloadFailReason)
}

// procEvents adapts the post-processor's callbacks onto the delegate
// fan-out.
type procEvents struct{ m *Manager }

func (e procEvents) KeyWillFetch(a asset.Asset) {
	e.m.emit(func(d Delegate) { d.OnKeyWillFetch(a) })
}

func (e procEvents) KeyReady(a asset.Asset) {
	e.m.emit(func(d Delegate) { d.OnKeyReady(a) })
}

func (e procEvents) KeyFetchFailed(a asset.Asset, err error) {
	e.m.emit(func(d Delegate) { d.OnFailure(a, KeyFetchFailReason) })
}

// keyedLocks serializes transitions per asset id.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *keyedLocks) lock(id string) (unlock func()) {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*sync.Mutex)
	}
	l, ok := k.m[id]
	if !ok {
		l = &sync.Mutex{}
		k.m[id] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
