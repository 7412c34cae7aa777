// Package repository is the durable catalog store: one JSON document holding
// every tracked asset, rewritten whole on each mutation. Catalog cardinality
// is bounded by the number of tracked downloads, so read-modify-write of the
// full document is cheap; an indexed store only becomes worth it if that
// assumption breaks.
package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hlsvault/hls-vault/internal/asset"
)

// CatalogFileName is the fixed document name inside the repository dir.
const CatalogFileName = "catalog.json"

// ErrCorrupt marks a catalog document that exists but cannot be parsed.
// Surfaced to the caller, never retried or silently replaced.
var ErrCorrupt = errors.New("catalog document corrupt")

// Repository stores the asset catalog in dir/catalog.json. Mutations take
// the write lock and rewrite the document via temp-file-then-rename, so
// concurrent readers never observe a partial write and no update is lost.
type Repository struct {
	mu         sync.RWMutex
	path       string
	bundleRoot string
}

// Open validates or creates the catalog document under dir. A missing
// document is created empty; an unparseable one fails with ErrCorrupt.
// bundleRoot anchors the relative bundle paths deleted by Delete.
func Open(dir, bundleRoot string) (*Repository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("repository: mkdir %s: %w", dir, err)
	}
	r := &Repository{
		path:       filepath.Join(dir, CatalogFileName),
		bundleRoot: bundleRoot,
	}
	if _, err := os.Stat(r.path); os.IsNotExist(err) {
		if err := r.write(asset.NewCatalog()); err != nil {
			return nil, err
		}
		return r, nil
	}
	// Eager parse so corruption surfaces at startup, not mid-operation.
	if _, err := r.read(); err != nil {
		return nil, err
	}
	return r, nil
}

// Query returns the current catalog snapshot. Safe to call concurrently
// with mutations; never observes a half-written document.
func (r *Repository) Query() (asset.Catalog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.read()
}

// Create adds a and returns it. Idempotent on SourceURL: if an asset with
// the same URL already exists, the existing record is returned unchanged.
func (r *Repository) Create(a asset.Asset) (asset.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cat, err := r.read()
	if err != nil {
		return asset.Asset{}, err
	}
	if old, ok := cat.FindByURL(a.SourceURL); ok {
		return old, nil
	}
	cat.Assets = append(cat.Assets, a)
	cat.Timestamp = time.Now().UTC()
	if err := r.write(cat); err != nil {
		return asset.Asset{}, err
	}
	return a, nil
}

// Update replaces the stored asset with the same ID. A missing ID is a
// silent no-op; callers must not rely on update-after-delete resurrecting
// an entry.
func (r *Repository) Update(a asset.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cat, err := r.read()
	if err != nil {
		return err
	}
	for i := range cat.Assets {
		if cat.Assets[i].ID == a.ID {
			cat.Assets[i] = a
			cat.Timestamp = time.Now().UTC()
			return r.write(cat)
		}
	}
	return nil
}

// Delete removes the catalog entry with a's ID and best-effort deletes the
// asset's bundle directory. A missing entry or missing bundle dir is not an
// error; removal must succeed even after a prior partial cleanup.
func (r *Repository) Delete(a asset.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cat, err := r.read()
	if err != nil {
		return err
	}
	for i := range cat.Assets {
		if cat.Assets[i].ID == a.ID {
			cat.Assets = append(cat.Assets[:i], cat.Assets[i+1:]...)
			cat.Timestamp = time.Now().UTC()
			if err := r.write(cat); err != nil {
				return err
			}
			break
		}
	}
	if p := a.BundleAbsPath(r.bundleRoot); p != "" {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("repository: delete bundle %s: %w", p, err)
		}
	}
	return nil
}

// FindByURL returns the asset with the given source URL, if any.
func (r *Repository) FindByURL(url string) (asset.Asset, bool, error) {
	return r.find(func(a asset.Asset) bool { return a.SourceURL == url })
}

// FindByID returns the asset with the given ID, if any.
func (r *Repository) FindByID(id string) (asset.Asset, bool, error) {
	return r.find(func(a asset.Asset) bool { return a.ID == id })
}

// FindByBundlePath returns the asset owning the given relative bundle path.
// Used by the key responder to resolve a playback request back to its asset.
func (r *Repository) FindByBundlePath(path string) (asset.Asset, bool, error) {
	return r.find(func(a asset.Asset) bool { return a.BundleLocalPath != "" && a.BundleLocalPath == path })
}

// FindByTaskToken returns the asset correlated to the given task token.
func (r *Repository) FindByTaskToken(token string) (asset.Asset, bool, error) {
	return r.find(func(a asset.Asset) bool { return a.TaskToken != "" && a.TaskToken == token })
}

func (r *Repository) find(match func(asset.Asset) bool) (asset.Asset, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cat, err := r.read()
	if err != nil {
		return asset.Asset{}, false, err
	}
	for _, a := range cat.Assets {
		if match(a) {
			return a, true, nil
		}
	}
	return asset.Asset{}, false, nil
}

func (r *Repository) read() (asset.Catalog, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return asset.Catalog{}, fmt.Errorf("repository: read %s: %w", r.path, err)
	}
	var cat asset.Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return asset.Catalog{}, fmt.Errorf("repository: parse %s: %w: %v", r.path, ErrCorrupt, err)
	}
	return cat, nil
}

// write persists cat via temp-file-then-rename so readers never see a
// partially written document (atomic on most Unix filesystems).
func (r *Repository) write(cat asset.Catalog) error {
	data, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return fmt.Errorf("repository: marshal: %w", err)
	}
	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".catalog-*.json.tmp")
	if err != nil {
		return fmt.Errorf("repository: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("repository: write: %w", writeErr)
		}
		return fmt.Errorf("repository: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("repository: chmod: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("repository: rename: %w", err)
	}
	return nil
}
