// Package asset defines the tracked-download entity and the persisted
// catalog snapshot. Pure data; derived paths only, no I/O.
package asset

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is written into every catalog document. Bump on breaking
// changes to the Asset schema; the repository refuses nothing yet on
// mismatch (migration hook lives there).
const SchemaVersion = "1.0.0"

// State is the lifecycle state of an Asset. Removal is catalog deletion,
// not a state value.
type State string

const (
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	StateSuspended   State = "suspended"
	StateMissingKey  State = "missingKey"
	StateDownloaded  State = "downloaded"
)

// BootDescriptorName is the bundle's top-level descriptor file.
const BootDescriptorName = "boot.xml"

// KeyFileName is the fixed local filename variant manifests are rewritten
// to reference once the decryption key has been fetched.
const KeyFileName = "download.key"

// Asset is one tracked remote media resource. ID is assigned at creation
// and never changes; SourceURL is unique within the catalog. The *LocalPath
// fields are relative to the bundle root and set only once the artifact
// exists on disk.
type Asset struct {
	ID                string `json:"id"`
	SourceURL         string `json:"source_url"`
	BundleLocalPath   string `json:"bundle_local_path,omitempty"`
	ManifestLocalPath string `json:"manifest_local_path,omitempty"`
	KeyLocalPath      string `json:"key_local_path,omitempty"`
	State             State  `json:"state"`
	TaskToken         string `json:"task_token,omitempty"`
	ProgressPercent   int    `json:"progress_percent"`
}

// New returns a pending Asset for url with a fresh ID.
func New(url string) Asset {
	return Asset{
		ID:        uuid.NewString(),
		SourceURL: url,
		State:     StatePending,
	}
}

// BundleAbsPath resolves BundleLocalPath against the bundle root.
// Empty when no bundle has been recorded yet.
func (a Asset) BundleAbsPath(root string) string {
	if a.BundleLocalPath == "" {
		return ""
	}
	return filepath.Join(root, a.BundleLocalPath)
}

// KeyAbsPath resolves KeyLocalPath against the bundle root.
// Empty until the key has been fetched.
func (a Asset) KeyAbsPath(root string) string {
	if a.KeyLocalPath == "" {
		return ""
	}
	return filepath.Join(root, a.KeyLocalPath)
}

// ManifestAbsPath resolves ManifestLocalPath against the bundle root.
func (a Asset) ManifestAbsPath(root string) string {
	if a.ManifestLocalPath == "" {
		return ""
	}
	return filepath.Join(root, a.ManifestLocalPath)
}

// BootDescriptorPath is the absolute path of the bundle's top-level
// boot.xml. Empty when no bundle has been recorded yet.
func (a Asset) BootDescriptorPath(root string) string {
	p := a.BundleAbsPath(root)
	if p == "" {
		return ""
	}
	return filepath.Join(p, BootDescriptorName)
}

// Downloaded reports whether the asset reached its terminal good state.
func (a Asset) Downloaded() bool { return a.State == StateDownloaded }

// Active reports whether a live download task may exist for the asset.
func (a Asset) Active() bool {
	return a.State == StateDownloading || a.State == StateSuspended
}

// Catalog is the full persisted snapshot. Assets keeps insertion order;
// order carries no meaning but makes document diffs stable.
type Catalog struct {
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion string    `json:"schema_version"`
	Assets        []Asset   `json:"assets"`
}

// NewCatalog returns an empty catalog stamped with the current schema.
func NewCatalog() Catalog {
	return Catalog{
		Timestamp:     time.Now().UTC(),
		SchemaVersion: SchemaVersion,
	}
}

// FindByURL returns the asset with the given source URL, if present.
func (c Catalog) FindByURL(url string) (Asset, bool) {
	for _, a := range c.Assets {
		if a.SourceURL == url {
			return a, true
		}
	}
	return Asset{}, false
}

// FindByID returns the asset with the given ID, if present.
func (c Catalog) FindByID(id string) (Asset, bool) {
	for _, a := range c.Assets {
		if a.ID == id {
			return a, true
		}
	}
	return Asset{}, false
}
