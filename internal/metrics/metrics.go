// Package metrics exposes download lifecycle counters for the /metrics
// endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hlsvault",
		Name:      "active_downloads",
		Help:      "Download tasks currently live (downloading or suspended).",
	})
	DownloadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsvault",
		Name:      "downloads_completed_total",
		Help:      "Assets that reached the downloaded state.",
	})
	AssetsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsvault",
		Name:      "assets_removed_total",
		Help:      "Assets removed from the catalog.",
	})
	KeyFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hlsvault",
		Name:      "key_fetch_failures_total",
		Help:      "Remote key fetches that failed (asset stays in missingKey).",
	})
	ProgressPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hlsvault",
		Name:      "download_progress_percent",
		Help:      "Last reported completion percentage per asset.",
	}, []string{"asset_id"})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DropAsset removes per-asset series once the asset is deleted.
func DropAsset(assetID string) {
	ProgressPercent.DeleteLabelValues(assetID)
}
