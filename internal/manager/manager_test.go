package manager

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hlsvault/hls-vault/internal/asset"
	"github.com/hlsvault/hls-vault/internal/downloader"
	"github.com/hlsvault/hls-vault/internal/repository"
)

type fakeTask struct {
	token     string
	url       string
	suspended int
	resumed   int
	cancelled int
}

func (t *fakeTask) Token() string     { return t.token }
func (t *fakeTask) SourceURL() string { return t.url }
func (t *fakeTask) Suspend()          { t.suspended++ }
func (t *fakeTask) Resume()           { t.resumed++ }
func (t *fakeTask) Cancel()           { t.cancelled++ }

type fakeSubsystem struct {
	mu     sync.Mutex
	nextID int
	tasks  []*fakeTask
	fail   error
}

func (s *fakeSubsystem) IssueTask(url string) (downloader.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	s.nextID++
	t := &fakeTask{token: "task-" + string(rune('a'+s.nextID-1)), url: url}
	s.tasks = append(s.tasks, t)
	return t, nil
}

func (s *fakeSubsystem) Tasks() []downloader.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]downloader.Task, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t
	}
	return out
}

func (s *fakeSubsystem) dropAll() {
	s.mu.Lock()
	s.tasks = nil
	s.mu.Unlock()
}

// fakeProc marks assets downloaded without touching disk.
type fakeProc struct {
	calls int
	fail  error
	repo  *repository.Repository
}

func (p *fakeProc) Process(ctx context.Context, a asset.Asset) (asset.Asset, error) {
	p.calls++
	if p.fail != nil {
		return a, p.fail
	}
	a.KeyLocalPath = filepath.Join(a.BundleLocalPath, "v1", asset.KeyFileName)
	a.ManifestLocalPath = filepath.Join(a.BundleLocalPath, "v1", "v1.m3u8")
	a.State = asset.StateDownloaded
	if err := p.repo.Update(a); err != nil {
		return a, err
	}
	return a, nil
}

type recorder struct {
	mu         sync.Mutex
	progress   []int
	bundles    int
	downloaded int
	suspended  int
	restored   int
	removed    int
	failures   []FailReason
}

func (r *recorder) OnProgress(a asset.Asset, percent int) {
	r.mu.Lock()
	r.progress = append(r.progress, percent)
	r.mu.Unlock()
}
func (r *recorder) OnKeyWillFetch(asset.Asset) {}
func (r *recorder) OnBundleReady(asset.Asset)  { r.mu.Lock(); r.bundles++; r.mu.Unlock() }
func (r *recorder) OnKeyReady(asset.Asset)     {}
func (r *recorder) OnRemoved(asset.Asset)      { r.mu.Lock(); r.removed++; r.mu.Unlock() }
func (r *recorder) OnSuspended(asset.Asset)    { r.mu.Lock(); r.suspended++; r.mu.Unlock() }
func (r *recorder) OnRestored(asset.Asset)     { r.mu.Lock(); r.restored++; r.mu.Unlock() }
func (r *recorder) OnDownloaded(asset.Asset)   { r.mu.Lock(); r.downloaded++; r.mu.Unlock() }
func (r *recorder) OnFailure(a asset.Asset, reason FailReason) {
	r.mu.Lock()
	r.failures = append(r.failures, reason)
	r.mu.Unlock()
}

func (r *recorder) lastFailure() (FailReason, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failures) == 0 {
		return "", false
	}
	return r.failures[len(r.failures)-1], true
}

func newTestManager(t *testing.T) (*Manager, *fakeSubsystem, *fakeProc, *recorder, *repository.Repository) {
	t.Helper()
	dir := t.TempDir()
	repo, err := repository.Open(filepath.Join(dir, "state"), filepath.Join(dir, "bundles"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m := New(repo, filepath.Join(dir, "bundles"), "http://127.0.0.1:8474", nil, nil)
	proc := &fakeProc{repo: repo}
	m.proc = proc
	sub := &fakeSubsystem{}
	m.Bind(sub)
	rec := &recorder{}
	m.Subscribe(rec)
	return m, sub, proc, rec, repo
}

func TestCreateAsset_idempotent(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)

	a, err := m.CreateAsset("https://example.com/a.m3u8")
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if a.State != asset.StatePending {
		t.Errorf("state = %q, want pending", a.State)
	}
	b, err := m.CreateAsset("https://example.com/a.m3u8")
	if err != nil {
		t.Fatalf("CreateAsset again: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("second create returned %q, want %q", b.ID, a.ID)
	}
}

func TestCreateAsset_rejectsNonHTTP(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)
	if _, err := m.CreateAsset("file:///etc/passwd"); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("err = %v, want ErrInvalidOperation", err)
	}
}

func TestStartDownload_requiresCreate(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)
	a := asset.New("https://example.com/a.m3u8")
	if err := m.StartDownload(a); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("err = %v, want ErrInvalidOperation", err)
	}
}

func TestDownloadLifecycle(t *testing.T) {
	// The full path: create -> start -> progress -> bundle ready ->
	// post-process -> downloaded.
	m, sub, proc, rec, repo := newTestManager(t)

	a, err := m.CreateAsset("https://example.com/a.m3u8")
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if err := m.StartDownload(a); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	got, _, _ := repo.FindByID(a.ID)
	if got.State != asset.StateDownloading {
		t.Errorf("state = %q, want downloading", got.State)
	}
	if got.TaskToken == "" {
		t.Error("task token not recorded")
	}

	events := m.TaskEvents()
	events.OnProgress(got.TaskToken, 0.5)
	got, _, _ = repo.FindByID(a.ID)
	if got.ProgressPercent != 50 {
		t.Errorf("progress = %d, want 50", got.ProgressPercent)
	}
	rec.mu.Lock()
	if len(rec.progress) != 1 || rec.progress[0] != 50 {
		t.Errorf("progress events = %v", rec.progress)
	}
	rec.mu.Unlock()

	events.OnBundleReady(got.TaskToken, "ab12.movpkg")
	events.OnTaskFinished(got.TaskToken, nil)

	final, _, _ := repo.FindByID(a.ID)
	if final.State != asset.StateDownloaded {
		t.Errorf("state = %q, want downloaded", final.State)
	}
	if final.BundleLocalPath != "ab12.movpkg" {
		t.Errorf("bundle path = %q", final.BundleLocalPath)
	}
	if final.KeyLocalPath == "" {
		t.Error("key path not set")
	}
	if proc.calls != 1 {
		t.Errorf("post-processor ran %d times, want 1", proc.calls)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.bundles != 1 || rec.downloaded != 1 {
		t.Errorf("bundles=%d downloaded=%d, want 1/1", rec.bundles, rec.downloaded)
	}
	if len(sub.tasks) != 1 {
		t.Errorf("%d tasks issued, want 1", len(sub.tasks))
	}
}

func TestBundleReady_processorFailureStaysMissingKey(t *testing.T) {
	m, _, proc, rec, repo := newTestManager(t)
	proc.fail = errors.New("key fetch failed")

	a, _ := m.CreateAsset("https://example.com/a.m3u8")
	if err := m.StartDownload(a); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	got, _, _ := repo.FindByID(a.ID)
	m.TaskEvents().OnBundleReady(got.TaskToken, "ab12.movpkg")

	got, _, _ = repo.FindByID(a.ID)
	if got.State != asset.StateMissingKey {
		t.Errorf("state = %q, want missingKey", got.State)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.downloaded != 0 {
		t.Error("OnDownloaded fired despite processor failure")
	}
	if rec.bundles != 1 {
		t.Errorf("bundles = %d, want 1 (bundle-ready precedes processing)", rec.bundles)
	}
}

func TestSuspend_requiresDownloading(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)
	a, _ := m.CreateAsset("https://example.com/a.m3u8")
	if err := m.Suspend(a); !errors.Is(err, ErrInvalidState) {
		t.Errorf("suspend pending: err = %v, want ErrInvalidState", err)
	}
}

func TestSuspend_noLiveTask(t *testing.T) {
	m, sub, _, rec, repo := newTestManager(t)
	a, _ := m.CreateAsset("https://example.com/a.m3u8")
	if err := m.StartDownload(a); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	sub.dropAll() // task vanished (e.g. subsystem restart)

	got, _, _ := repo.FindByID(a.ID)
	if err := m.Suspend(got); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if reason, ok := rec.lastFailure(); !ok || reason != UnknownSuspendFailReason {
		t.Errorf("failure = %v %t, want unknownSuspendFailReason", reason, ok)
	}
	got, _, _ = repo.FindByID(a.ID)
	if got.State != asset.StateDownloading {
		t.Errorf("state = %q, want unchanged downloading", got.State)
	}
}

func TestSuspendRestore_roundTrip(t *testing.T) {
	m, sub, _, rec, repo := newTestManager(t)
	a, _ := m.CreateAsset("https://example.com/a.m3u8")
	if err := m.StartDownload(a); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}

	got, _, _ := repo.FindByID(a.ID)
	if err := m.Suspend(got); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	got, _, _ = repo.FindByID(a.ID)
	if got.State != asset.StateSuspended {
		t.Errorf("state = %q, want suspended", got.State)
	}
	if sub.tasks[0].suspended != 1 {
		t.Errorf("task suspended %d times, want 1", sub.tasks[0].suspended)
	}

	if err := m.Restore(got); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, _, _ = repo.FindByID(a.ID)
	if got.State != asset.StateDownloading {
		t.Errorf("state = %q, want downloading", got.State)
	}
	if sub.tasks[0].resumed != 1 {
		t.Errorf("task resumed %d times, want 1", sub.tasks[0].resumed)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.suspended != 1 || rec.restored != 1 {
		t.Errorf("suspended=%d restored=%d, want 1/1", rec.suspended, rec.restored)
	}
}

func TestRestore_missingTaskRecreates(t *testing.T) {
	m, sub, _, rec, repo := newTestManager(t)
	a, _ := m.CreateAsset("https://example.com/a.m3u8")
	if err := m.StartDownload(a); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	got, _, _ := repo.FindByID(a.ID)
	if err := m.Suspend(got); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	got, _, _ = repo.FindByID(a.ID)
	sub.dropAll() // simulate process restart: live task is gone

	if err := m.Restore(got); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	// Stale record replaced by a fresh downloading one.
	if _, ok, _ := repo.FindByID(a.ID); ok {
		t.Error("stale record still in catalog")
	}
	fresh, ok, _ := repo.FindByURL("https://example.com/a.m3u8")
	if !ok {
		t.Fatal("no record for URL after recreate")
	}
	if fresh.ID == a.ID {
		t.Error("recreate kept the stale ID")
	}
	if fresh.State != asset.StateDownloading {
		t.Errorf("state = %q, want downloading", fresh.State)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.restored != 1 {
		t.Errorf("restored = %d, want 1", rec.restored)
	}
}

func TestRemove_cancelsTaskAndIsIdempotent(t *testing.T) {
	m, sub, _, rec, repo := newTestManager(t)
	a, _ := m.CreateAsset("https://example.com/a.m3u8")
	if err := m.StartDownload(a); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	got, _, _ := repo.FindByID(a.ID)

	if err := m.Remove(got); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if sub.tasks[0].cancelled != 1 {
		t.Errorf("task cancelled %d times, want 1", sub.tasks[0].cancelled)
	}
	if _, ok, _ := repo.FindByID(a.ID); ok {
		t.Error("entry still in catalog")
	}
	rec.mu.Lock()
	removed := rec.removed
	rec.mu.Unlock()
	if removed != 1 {
		t.Errorf("removed events = %d, want 1", removed)
	}

	// Second remove: reported as a failure, not a crash or error.
	if err := m.Remove(got); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if reason, ok := rec.lastFailure(); !ok || reason != UnknownRemoveFailReason {
		t.Errorf("failure = %v %t, want unknownRemoveFailReason", reason, ok)
	}
}

func TestProgress_afterRemoveIsDropped(t *testing.T) {
	m, _, _, rec, repo := newTestManager(t)
	a, _ := m.CreateAsset("https://example.com/a.m3u8")
	if err := m.StartDownload(a); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	got, _, _ := repo.FindByID(a.ID)
	token := got.TaskToken
	if err := m.Remove(got); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	m.TaskEvents().OnProgress(token, 0.9)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.progress) != 0 {
		t.Errorf("progress delivered for removed asset: %v", rec.progress)
	}
}

func TestTaskEvents_tokenNotYetPersisted(t *testing.T) {
	// The subsystem may call back before the Update that persists the task
	// token lands. The event must still reach the asset via the live
	// task's URL.
	m, _, proc, rec, repo := newTestManager(t)
	a, _ := m.CreateAsset("https://example.com/a.m3u8")
	if err := m.StartDownload(a); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	got, _, _ := repo.FindByID(a.ID)
	token := got.TaskToken
	got.TaskToken = ""
	if err := repo.Update(got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	events := m.TaskEvents()
	events.OnProgress(token, 0.25)
	got, _, _ = repo.FindByID(a.ID)
	if got.ProgressPercent != 25 {
		t.Errorf("progress = %d, want 25 despite unpersisted token", got.ProgressPercent)
	}

	events.OnBundleReady(token, "ab12.movpkg")
	got, _, _ = repo.FindByID(a.ID)
	if got.State != asset.StateDownloaded {
		t.Errorf("state = %q, want downloaded", got.State)
	}
	if proc.calls != 1 {
		t.Errorf("post-processor ran %d times, want 1", proc.calls)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.bundles != 1 {
		t.Errorf("bundles = %d, want 1", rec.bundles)
	}
}

func TestResolveKeys_retriesWithoutRedownload(t *testing.T) {
	m, sub, proc, rec, repo := newTestManager(t)
	proc.fail = errors.New("key fetch failed")

	a, _ := m.CreateAsset("https://example.com/a.m3u8")
	if err := m.StartDownload(a); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	got, _, _ := repo.FindByID(a.ID)
	m.TaskEvents().OnBundleReady(got.TaskToken, "ab12.movpkg")
	got, _, _ = repo.FindByID(a.ID)
	if got.State != asset.StateMissingKey {
		t.Fatalf("state = %q, want missingKey", got.State)
	}

	proc.fail = nil
	if err := m.ResolveKeys(got); err != nil {
		t.Fatalf("ResolveKeys: %v", err)
	}
	got, _, _ = repo.FindByID(a.ID)
	if got.State != asset.StateDownloaded {
		t.Errorf("state = %q, want downloaded", got.State)
	}
	if proc.calls != 2 {
		t.Errorf("post-processor ran %d times, want 2", proc.calls)
	}
	if len(sub.tasks) != 1 {
		t.Errorf("%d tasks issued, want 1 (no re-download)", len(sub.tasks))
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.downloaded != 1 {
		t.Errorf("downloaded events = %d, want 1", rec.downloaded)
	}
}

func TestResolveKeys_requiresMissingKey(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)
	a, _ := m.CreateAsset("https://example.com/a.m3u8")
	if err := m.ResolveKeys(a); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestRestoreAll_resumesEveryLiveTask(t *testing.T) {
	m, sub, _, _, _ := newTestManager(t)
	for _, url := range []string{"https://example.com/a.m3u8", "https://example.com/b.m3u8"} {
		a, _ := m.CreateAsset(url)
		if err := m.StartDownload(a); err != nil {
			t.Fatalf("StartDownload: %v", err)
		}
	}
	m.RestoreAll()
	for i, task := range sub.tasks {
		if task.resumed != 1 {
			t.Errorf("task %d resumed %d times, want 1", i, task.resumed)
		}
	}
}

func TestIsExist(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)
	a, _ := m.CreateAsset("https://example.com/a.m3u8")

	ok, found, err := m.IsExist("https://example.com/a.m3u8")
	if err != nil || !ok || found == nil || found.ID != a.ID {
		t.Errorf("IsExist = %t %+v %v", ok, found, err)
	}
	ok, found, err = m.IsExist("https://example.com/other.m3u8")
	if err != nil || ok || found != nil {
		t.Errorf("IsExist(missing) = %t %+v %v", ok, found, err)
	}
}

func TestPlayableHandle(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)

	a := asset.New("https://example.com/a.m3u8")
	if h := m.PlayableHandle(a); h != nil {
		t.Errorf("handle for bundle-less asset = %+v, want nil", h)
	}

	a.BundleLocalPath = "ab12.movpkg"
	a.ManifestLocalPath = filepath.Join("ab12.movpkg", "v1", "v1.m3u8")
	h := m.PlayableHandle(a)
	if h == nil {
		t.Fatal("nil handle for asset with bundle")
	}
	if h.BundleDir == "" || h.BootDescriptor == "" || h.ManifestPath == "" {
		t.Errorf("handle incomplete: %+v", h)
	}
	if h.KeyURL == "" {
		t.Error("handle missing key URL")
	}
}
