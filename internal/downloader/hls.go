package downloader

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hlsvault/hls-vault/internal/httpclient"
)

const (
	maxPlaylistLine = 1 << 20 // 1 MiB per line

	bootDescriptorName   = "boot.xml"
	streamInfoBootName   = "StreamInfoBoot.xml"
	dataDirName          = "Data"
	masterPlaylistName   = "master.m3u8"
	defaultSegmentSuffix = ".ts"
)

// HTTPDownloader downloads HLS bundles over plain HTTP into a movpkg-style
// directory layout under root:
//
//	<hash>.movpkg/boot.xml
//	<hash>.movpkg/Data/master.m3u8
//	<hash>.movpkg/<variant>/<variant>.m3u8
//	<hash>.movpkg/<variant>/StreamInfoBoot.xml
//	<hash>.movpkg/<variant>/seg-00000.ts ...
//
// Key references inside playlists are left untouched; resolving them is the
// post-processor's job.
type HTTPDownloader struct {
	root        string
	client      *http.Client
	events      Events
	concurrency int
	retry       httpclient.RetryPolicy

	mu    sync.Mutex
	tasks map[string]*task
}

// NewHTTP returns a downloader writing bundles under root. concurrency caps
// parallel variant downloads; <= 0 means sequential. retry governs how
// playlist and segment fetches respond to 429/5xx.
func NewHTTP(root string, client *http.Client, concurrency int, retry httpclient.RetryPolicy, events Events) *HTTPDownloader {
	if client == nil {
		client = httpclient.Default()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &HTTPDownloader{
		root:        root,
		client:      client,
		events:      events,
		concurrency: concurrency,
		retry:       retry,
		tasks:       make(map[string]*task),
	}
}

// IssueTask starts downloading the bundle for url and returns the live task
// handle. The heavy lifting runs on a background goroutine; completion and
// progress arrive through the Events sink.
func (d *HTTPDownloader) IssueTask(rawURL string) (Task, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		token:  uuid.NewString(),
		url:    rawURL,
		cancel: cancel,
	}
	d.mu.Lock()
	d.tasks[t.token] = t
	d.mu.Unlock()

	go d.run(ctx, t)
	return t, nil
}

// Tasks returns a snapshot of the live task list.
func (d *HTTPDownloader) Tasks() []Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t)
	}
	return out
}

func (d *HTTPDownloader) drop(t *task) {
	d.mu.Lock()
	delete(d.tasks, t.token)
	d.mu.Unlock()
}

func (d *HTTPDownloader) run(ctx context.Context, t *task) {
	rel, err := d.fetchBundle(ctx, t)
	if err != nil {
		d.drop(t)
		d.events.OnTaskFinished(t.token, err)
		return
	}
	// Keep the task on the live list through OnBundleReady so the consumer
	// can still map the token back to its origin URL.
	d.events.OnBundleReady(t.token, rel)
	d.drop(t)
	d.events.OnTaskFinished(t.token, nil)
}

// fetchBundle downloads the whole bundle and returns its path relative to
// root.
func (d *HTTPDownloader) fetchBundle(ctx context.Context, t *task) (string, error) {
	src, err := url.Parse(t.url)
	if err != nil {
		return "", fmt.Errorf("downloader: parse %s: %w", t.url, err)
	}
	rel := BundleRelPath(t.url)
	dir := filepath.Join(d.root, rel)
	if err := os.MkdirAll(filepath.Join(dir, dataDirName), 0o755); err != nil {
		return "", fmt.Errorf("downloader: mkdir: %w", err)
	}

	master, err := d.fetchText(ctx, t.url)
	if err != nil {
		return "", fmt.Errorf("downloader: master playlist: %w", err)
	}
	if err := writeFile(filepath.Join(dir, dataDirName, masterPlaylistName), []byte(master)); err != nil {
		return "", err
	}

	variants := parseMasterVariants(src, master)
	if len(variants) == 0 {
		// Media playlist at the top level: treat it as the single variant.
		variants = []variantRef{{name: "media", url: t.url, playlist: master}}
	}

	if err := writeFile(filepath.Join(dir, bootDescriptorName), bootDescriptor(t.url, variants)); err != nil {
		return "", err
	}

	// Phase 1: all variant playlists, so the segment total (and therefore
	// progress fractions) is known before any segment is fetched.
	plans := make([]variantPlan, 0, len(variants))
	total := 0
	for _, v := range variants {
		text := v.playlist
		if text == "" {
			text, err = d.fetchText(ctx, v.url)
			if err != nil {
				return "", fmt.Errorf("downloader: variant %s: %w", v.name, err)
			}
		}
		plan, err := planVariant(v, text)
		if err != nil {
			return "", err
		}
		total += len(plan.segments)
		plans = append(plans, plan)
	}

	var done int64
	var doneMu sync.Mutex
	progress := func() {
		doneMu.Lock()
		done++
		n := done
		doneMu.Unlock()
		if total > 0 {
			d.events.OnProgress(t.token, float64(n)/float64(total))
		}
	}

	// Phase 2: segments, variants in parallel.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, plan := range plans {
		plan := plan
		g.Go(func() error {
			return d.fetchVariant(gctx, t, dir, plan, progress)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return rel, nil
}

func (d *HTTPDownloader) fetchVariant(ctx context.Context, t *task, bundleDir string, plan variantPlan, progress func()) error {
	vdir := filepath.Join(bundleDir, plan.name)
	if err := os.MkdirAll(vdir, 0o755); err != nil {
		return fmt.Errorf("downloader: mkdir %s: %w", vdir, err)
	}
	if err := writeFile(filepath.Join(vdir, plan.name+".m3u8"), []byte(plan.localPlaylist)); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(vdir, streamInfoBootName), streamInfoBoot(plan.url)); err != nil {
		return err
	}
	for _, seg := range plan.segments {
		if err := t.gate(ctx); err != nil {
			return err
		}
		if err := d.fetchFile(ctx, seg.url, filepath.Join(vdir, seg.localName)); err != nil {
			return fmt.Errorf("downloader: segment %s: %w", seg.localName, err)
		}
		progress()
	}
	return nil
}

func (d *HTTPDownloader) fetchText(ctx context.Context, rawURL string) (string, error) {
	resp, err := httpclient.GetWithRetry(ctx, d.client, rawURL, d.retry)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", rawURL, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *HTTPDownloader) fetchFile(ctx context.Context, rawURL, dest string) error {
	resp, err := httpclient.GetWithRetry(ctx, d.client, rawURL, d.retry)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", rawURL, resp.Status)
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return err
	}
	return f.Close()
}

// BundleRelPath derives the stable bundle directory name for a source URL.
// Same URL always maps to the same path, so a re-issued download lands in
// (and overwrites) the same bundle.
func BundleRelPath(rawURL string) string {
	sum := sha1.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:12] + ".movpkg"
}

type variantRef struct {
	name     string
	url      string
	playlist string // pre-fetched content, when the master was the media playlist
}

type segmentRef struct {
	url       string
	localName string
}

type variantPlan struct {
	variantRef
	segments      []segmentRef
	localPlaylist string
}

// parseMasterVariants extracts variant playlist references from a master
// playlist: each #EXT-X-STREAM-INF tag is followed by the variant URI line.
func parseMasterVariants(base *url.URL, master string) []variantRef {
	sc := bufio.NewScanner(strings.NewReader(master))
	sc.Buffer(nil, maxPlaylistLine)
	seen := map[string]int{}
	var out []variantRef
	pending := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			pending = true
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if !pending {
			continue
		}
		pending = false
		abs := resolveRef(base, line)
		bare := variantName(line, len(out))
		name := bare
		if n := seen[bare]; n > 0 {
			name = fmt.Sprintf("%s-%d", bare, n)
		}
		seen[bare]++
		out = append(out, variantRef{name: name, url: abs})
	}
	return out
}

// planVariant parses a media playlist: collects segment URIs, assigns local
// segment names, and produces the rewritten playlist referencing them. Tag
// lines (including #EXT-X-KEY) pass through untouched.
func planVariant(v variantRef, playlist string) (variantPlan, error) {
	base, err := url.Parse(v.url)
	if err != nil {
		return variantPlan{}, fmt.Errorf("downloader: parse %s: %w", v.url, err)
	}
	sc := bufio.NewScanner(strings.NewReader(playlist))
	sc.Buffer(nil, maxPlaylistLine)
	plan := variantPlan{variantRef: v}
	var b strings.Builder
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			b.WriteString(line)
			b.WriteByte('\n')
			continue
		}
		ext := path.Ext(path.Base(line))
		if ext == "" || len(ext) > 8 {
			ext = defaultSegmentSuffix
		}
		local := fmt.Sprintf("seg-%05d%s", len(plan.segments), ext)
		plan.segments = append(plan.segments, segmentRef{
			url:       resolveRef(base, line),
			localName: local,
		})
		b.WriteString(local)
		b.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return variantPlan{}, err
	}
	plan.localPlaylist = b.String()
	return plan, nil
}

func resolveRef(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// variantName derives a directory name from the variant URI's base name,
// falling back to a positional name.
func variantName(ref string, idx int) string {
	name := path.Base(ref)
	if i := strings.Index(name, "?"); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSuffix(name, path.Ext(name))
	name = sanitizeName(name)
	if name == "" || name == dataDirName {
		name = fmt.Sprintf("v%d", idx)
	}
	return name
}

func sanitizeName(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "_")
	s = strings.ReplaceAll(s, "..", "_")
	return s
}

func bootDescriptor(srcURL string, variants []variantRef) []byte {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<bundle>\n")
	fmt.Fprintf(&b, "  <source>%s</source>\n", srcURL)
	for _, v := range variants {
		fmt.Fprintf(&b, "  <variant name=%q>%s</variant>\n", v.name, v.url)
	}
	b.WriteString("</bundle>\n")
	return []byte(b.String())
}

func streamInfoBoot(variantURL string) []byte {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<streamInfo>\n")
	fmt.Fprintf(&b, "  <uri>%s</uri>\n", variantURL)
	b.WriteString("</streamInfo>\n")
	return []byte(b.String())
}

func writeFile(dest string, data []byte) error {
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("downloader: write %s: %w", dest, err)
	}
	return nil
}
