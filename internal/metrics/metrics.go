// Package metrics provides Prometheus metrics for rmsync.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Remote transfer metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmsync_remote_transfers_total",
			Help: "Total number of remote session operations",
		},
		[]string{"op", "status"},
	)

	transferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rmsync_remote_transfer_duration_seconds",
			Help:    "Remote session operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rmsync_remote_bytes_downloaded_total",
			Help: "Total bytes downloaded from the device",
		},
	)

	// Hierarchy metrics
	hierarchySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rmsync_hierarchy_items",
			Help: "Number of live items in the last scanned hierarchy",
		},
	)

	hierarchyScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rmsync_hierarchy_scan_duration_seconds",
			Help:    "Time to scan metadata records and rebuild the hierarchy",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	decodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmsync_decode_errors_total",
			Help: "Malformed metadata or content records",
		},
		[]string{"record"},
	)

	// Document metrics
	documentsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmsync_documents_resolved_total",
			Help: "Total document resolutions",
		},
		[]string{"status"},
	)

	pagesFetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmsync_pages_fetched_total",
			Help: "Total page fetches",
		},
		[]string{"status"},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmsync_page_cache_lookups_total",
			Help: "Page cache lookups",
		},
		[]string{"result"},
	)

	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rmsync_page_cache_bytes",
			Help: "Bytes held in the local page cache",
		},
	)

	// Export metrics
	documentsExportedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rmsync_documents_exported_total",
			Help: "Documents written to an export sink",
		},
		[]string{"sink", "result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTransfer records one remote session operation.
func RecordTransfer(op string, bytes int64, duration time.Duration, success bool) {
	transfersTotal.WithLabelValues(op, status(success)).Inc()
	transferDuration.WithLabelValues(op).Observe(duration.Seconds())
	if success && bytes > 0 {
		bytesDownloaded.Add(float64(bytes))
	}
}

// RecordHierarchyScan records a completed hierarchy scan.
func RecordHierarchyScan(items int, duration time.Duration) {
	hierarchySize.Set(float64(items))
	hierarchyScanDuration.Observe(duration.Seconds())
}

// RecordDecodeError records a malformed record ("metadata" or "content").
func RecordDecodeError(record string) {
	decodeErrorsTotal.WithLabelValues(record).Inc()
}

// RecordDocumentResolve records a document resolution.
func RecordDocumentResolve(success bool) {
	documentsResolvedTotal.WithLabelValues(status(success)).Inc()
}

// RecordPageFetch records one page fetch.
func RecordPageFetch(success bool) {
	pagesFetchedTotal.WithLabelValues(status(success)).Inc()
}

// RecordCacheLookup records a page cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetCacheBytes sets the current page cache size.
func SetCacheBytes(size int64) {
	cacheBytes.Set(float64(size))
}

// RecordExport records the outcome of exporting one document.
// result is "exported", "skipped" or "error".
func RecordExport(sink, result string) {
	documentsExportedTotal.WithLabelValues(sink, result).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
