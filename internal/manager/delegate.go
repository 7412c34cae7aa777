package manager

import (
	"errors"

	"github.com/hlsvault/hls-vault/internal/asset"
)

// FailReason identifies an asynchronous failure reported through the
// delegate channel. Every failure is attributed to a specific asset and
// reason; there is no generic failure event.
type FailReason string

const (
	UnknownSuspendFailReason  FailReason = "unknownSuspendFailReason"
	UnknownRestoreFailReason  FailReason = "unknownRestoreFailReason"
	UnknownRemoveFailReason   FailReason = "unknownRemoveFailReason"
	UnknownDownloadFailReason FailReason = "unknownDownloadFailReason"
	// KeyFetchFailReason is non-fatal: the asset stays in missingKey and
	// the fetch is retried on the next post-processor run.
	KeyFetchFailReason FailReason = "keyFetchFailReason"
)

// ErrInvalidState is returned when an operation is not valid for the
// asset's current state (programmer error; fails loudly rather than via
// the delegate).
var ErrInvalidState = errors.New("operation not valid in current asset state")

// ErrInvalidOperation is returned for calls that violate an operation's
// precondition, e.g. starting a download for an asset that was never
// created.
var ErrInvalidOperation = errors.New("invalid operation")

// Delegate receives one notification per lifecycle transition. Delivery is
// synchronous on the goroutine that triggered the transition; implementations
// must not block and must not call back into the Manager for the same asset.
type Delegate interface {
	// OnProgress reports the latest completion percentage.
	OnProgress(a asset.Asset, percent int)
	// OnKeyWillFetch fires just before a remote key fetch is issued.
	OnKeyWillFetch(a asset.Asset)
	// OnBundleReady fires when all media artifacts are on disk (state
	// missingKey, before key resolution).
	OnBundleReady(a asset.Asset)
	// OnKeyReady fires when a key has been fetched and its manifest
	// repointed.
	OnKeyReady(a asset.Asset)
	// OnRemoved fires after the catalog entry and bundle are gone.
	OnRemoved(a asset.Asset)
	// OnSuspended / OnRestored track the live task's pause state.
	OnSuspended(a asset.Asset)
	OnRestored(a asset.Asset)
	// OnDownloaded fires when the asset reaches its terminal good state.
	OnDownloaded(a asset.Asset)
	// OnFailure reports asynchronous failures that have no synchronous
	// caller to return an error to.
	OnFailure(a asset.Asset, reason FailReason)
}

// NopDelegate implements Delegate with no-ops; embed it to observe only
// the events you care about.
type NopDelegate struct{}

func (NopDelegate) OnProgress(asset.Asset, int)      {}
func (NopDelegate) OnKeyWillFetch(asset.Asset)       {}
func (NopDelegate) OnBundleReady(asset.Asset)        {}
func (NopDelegate) OnKeyReady(asset.Asset)           {}
func (NopDelegate) OnRemoved(asset.Asset)            {}
func (NopDelegate) OnSuspended(asset.Asset)          {}
func (NopDelegate) OnRestored(asset.Asset)           {}
func (NopDelegate) OnDownloaded(asset.Asset)         {}
func (NopDelegate) OnFailure(asset.Asset, FailReason) {}
