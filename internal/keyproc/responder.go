package keyproc

import (
	"log"
	"net/http"
	"net/url"
	"os"

	"github.com/hlsvault/hls-vault/internal/asset"
)

// KeyRepository resolves a bundle path back to its owning asset at playback
// time.
type KeyRepository interface {
	FindByBundlePath(path string) (asset.Asset, bool, error)
}

// KeyResponder serves decryption key bytes for local playback. A player
// handed a playable handle requests GET /keys?bundle=<relative bundle
// path>; the responder resolves the bundle to its asset and answers with
// the bytes at KeyLocalPath.
type KeyResponder struct {
	repo       KeyRepository
	bundleRoot string
}

func NewResponder(repo KeyRepository, bundleRoot string) *KeyResponder {
	return &KeyResponder{repo: repo, bundleRoot: bundleRoot}
}

// KeyURL builds the responder URL for a bundle path, relative to baseURL.
func KeyURL(baseURL, bundleRelPath string) string {
	return baseURL + "/keys?bundle=" + url.QueryEscape(bundleRelPath)
}

func (kr *KeyResponder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bundle := r.URL.Query().Get("bundle")
	if bundle == "" {
		http.Error(w, "missing bundle parameter", http.StatusBadRequest)
		return
	}
	a, ok, err := kr.repo.FindByBundlePath(bundle)
	if err != nil {
		log.Printf("keyresponder: lookup %s: %v", bundle, err)
		http.Error(w, "catalog lookup failed", http.StatusInternalServerError)
		return
	}
	if !ok || a.KeyLocalPath == "" {
		http.Error(w, "no key for bundle", http.StatusNotFound)
		return
	}
	data, err := os.ReadFile(a.KeyAbsPath(kr.bundleRoot))
	if err != nil {
		log.Printf("keyresponder: read key for %s: %v", a.ID, err)
		http.Error(w, "key unreadable", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}
