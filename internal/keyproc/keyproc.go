// Package keyproc finalizes a downloaded bundle: it neuters absolute scheme
// references in boot descriptors, extracts key URIs from the bundle's
// manifests, fetches each key exactly once, and repoints the manifests at
// the local key file. Re-running after a partial failure is safe: every
// rewrite only matches what has not been rewritten yet.
package keyproc

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hlsvault/hls-vault/internal/asset"
	"github.com/hlsvault/hls-vault/internal/httpclient"
	"github.com/hlsvault/hls-vault/internal/metrics"
	"github.com/hlsvault/hls-vault/internal/safeurl"
)

const (
	dataDirName        = "Data"
	streamInfoBootName = "StreamInfoBoot.xml"
	sentinelPrefix     = "fake" // http:// -> fakehttp://
)

// keyURIPattern matches only absolute key references. Once a manifest has
// been repointed at the local key file the pattern no longer matches, which
// is what makes the rewrite idempotent.
var keyURIPattern = regexp.MustCompile(`URI="(https?://[^"]+)"`)

// Repository is the slice of the catalog store the processor needs.
type Repository interface {
	Update(asset.Asset) error
}

// Events receives the processor's per-key notifications.
type Events interface {
	KeyWillFetch(a asset.Asset)
	KeyReady(a asset.Asset)
	KeyFetchFailed(a asset.Asset, err error)
}

// Processor rewrites one completed bundle and advances its asset record.
type Processor struct {
	repo       Repository
	bundleRoot string
	client     *http.Client
	events     Events
}

func New(repo Repository, bundleRoot string, client *http.Client, events Events) *Processor {
	if client == nil {
		client = httpclient.Default()
	}
	return &Processor{repo: repo, bundleRoot: bundleRoot, client: client, events: events}
}

// Process walks a's bundle tree. On full success the returned asset is in
// state downloaded with KeyLocalPath and ManifestLocalPath set and the
// catalog updated. A key-fetch failure leaves the affected manifest and the
// catalog record untouched (still missingKey) and is reported both through
// the events sink and the returned error; re-invoking Process retries.
// Variants are committed one at a time, so with several variant dirs an
// earlier variant's key can land on disk before a later variant fails.
// Already rewritten variants are skipped on retry.
func (p *Processor) Process(ctx context.Context, a asset.Asset) (asset.Asset, error) {
	dir := a.BundleAbsPath(p.bundleRoot)
	if dir == "" {
		return a, fmt.Errorf("keyproc: asset %s has no bundle path", a.ID)
	}

	if err := rewriteSchemes(a.BootDescriptorPath(p.bundleRoot)); err != nil {
		return a, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return a, fmt.Errorf("keyproc: list bundle %s: %w", dir, err)
	}
	var firstErr error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		if e.Name() == dataDirName {
			if err := p.rewriteDataManifest(sub); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		updated, err := p.processVariant(ctx, a, e.Name(), sub)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		a = updated
		if err := rewriteSchemes(filepath.Join(sub, streamInfoBootName)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return a, firstErr
}

// rewriteDataManifest repoints key URIs in the Data dir's single manifest
// at the local key filename. No fetch happens here; the Data manifest is
// the master copy and only ever references keys, never owns one.
func (p *Processor) rewriteDataManifest(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("keyproc: list %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".m3u8") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("keyproc: read %s: %w", path, err)
		}
		rewritten := keyURIPattern.ReplaceAllString(string(data), `URI="`+asset.KeyFileName+`"`)
		if rewritten == string(data) {
			continue
		}
		if err := writeAtomic(path, []byte(rewritten)); err != nil {
			return err
		}
	}
	return nil
}

// processVariant handles one media-variant subdirectory: scan its manifest
// for absolute key URIs, fetch each distinct key, write it next to the
// manifest, rewrite the reference, and advance the asset record.
func (p *Processor) processVariant(ctx context.Context, a asset.Asset, name, dir string) (asset.Asset, error) {
	manifestPath := filepath.Join(dir, name+".m3u8")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil // not a media variant; skip
		}
		return a, fmt.Errorf("keyproc: read %s: %w", manifestPath, err)
	}
	content := string(data)

	seen := map[string]bool{}
	for _, m := range keyURIPattern.FindAllStringSubmatch(content, -1) {
		keyURL := m[1]
		if seen[keyURL] {
			continue
		}
		seen[keyURL] = true

		p.events.KeyWillFetch(a)
		keyBytes, err := p.fetchKey(ctx, keyURL)
		if err != nil {
			metrics.KeyFetchFailures.Inc()
			p.events.KeyFetchFailed(a, err)
			log.Printf("keyproc: key fetch %s: %v", safeurl.Redact(keyURL), err)
			return a, fmt.Errorf("keyproc: fetch key: %w", err)
		}

		keyPath := filepath.Join(dir, asset.KeyFileName)
		if err := writeAtomic(keyPath, keyBytes); err != nil {
			return a, err
		}
		content = strings.ReplaceAll(content, m[0], `URI="`+asset.KeyFileName+`"`)
		if err := writeAtomic(manifestPath, []byte(content)); err != nil {
			return a, err
		}

		a.KeyLocalPath = filepath.Join(a.BundleLocalPath, name, asset.KeyFileName)
		a.ManifestLocalPath = filepath.Join(a.BundleLocalPath, name, name+".m3u8")
		a.State = asset.StateDownloaded
		if err := p.repo.Update(a); err != nil {
			return a, err
		}
		p.events.KeyReady(a)
	}
	return a, nil
}

// fetchKey issues exactly one GET for the key bytes. No retry; the whole
// processor run is the retry unit.
func (p *Processor) fetchKey(ctx context.Context, keyURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", safeurl.Redact(keyURL), resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// rewriteSchemes replaces absolute http(s) schemes in the descriptor at
// path with the fakehttp(s) sentinel so a playback pipeline pointed at the
// local bundle cannot accidentally go back to the network. Missing file is
// skipped; a descriptor already carrying the sentinel is left alone.
func rewriteSchemes(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("keyproc: read %s: %w", path, err)
	}
	content := string(data)
	if strings.Contains(content, sentinelPrefix+"http") {
		return nil
	}
	rewritten := strings.ReplaceAll(content, "https://", sentinelPrefix+"https://")
	rewritten = strings.ReplaceAll(rewritten, "http://", sentinelPrefix+"http://")
	if rewritten == content {
		return nil
	}
	return writeAtomic(path, []byte(rewritten))
}

// writeAtomic writes data via temp-file-then-rename so a crash never leaves
// a half-written manifest behind.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".rewrite-*.tmp")
	if err != nil {
		return fmt.Errorf("keyproc: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("keyproc: write %s: %w", path, writeErr)
		}
		return fmt.Errorf("keyproc: close %s: %w", path, closeErr)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("keyproc: rename %s: %w", path, err)
	}
	return nil
}
