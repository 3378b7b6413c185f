// Package metrics exposes the bot's Prometheus instrumentation. Metrics are
// registered once on first use against a private registry so tests can run
// in parallel without duplicate-registration panics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type botMetrics struct {
	registry *prometheus.Registry

	searchesTotal *prometheus.CounterVec
	playsTotal    *prometheus.CounterVec

	downloadDuration prometheus.Histogram
	downloadBytes    prometheus.Histogram

	segmentsSentTotal prometheus.Counter
	rejectionsTotal   *prometheus.CounterVec

	activeSessions   prometheus.Gauge
	trackedTempFiles prometheus.Gauge
}

var (
	once sync.Once
	inst *botMetrics
)

func get() *botMetrics {
	once.Do(func() {
		m := &botMetrics{
			registry: prometheus.NewRegistry(),
			searchesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "meting_searches_total",
					Help: "Total song searches by source and status.",
				},
				[]string{"source", "status"},
			),
			playsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "meting_plays_total",
					Help: "Total play requests by source and status.",
				},
				[]string{"source", "status"},
			),
			downloadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "meting_download_duration_seconds",
					Help:    "Audio download duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			downloadBytes: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "meting_download_bytes",
					Help:    "Downloaded audio size in bytes.",
					Buckets: prometheus.ExponentialBuckets(64*1024, 4, 8),
				},
			),
			segmentsSentTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "meting_segments_sent_total",
					Help: "Total voice segments delivered to chat.",
				},
			),
			rejectionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "meting_rejections_total",
					Help: "Total security rejections by reason.",
				},
				[]string{"reason"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "meting_active_sessions",
					Help: "Current live session count.",
				},
			),
			trackedTempFiles: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "meting_tracked_temp_files",
					Help: "Temporary files currently tracked by the scratch tracker.",
				},
			),
		}

		m.registry.MustRegister(
			m.searchesTotal,
			m.playsTotal,
			m.downloadDuration,
			m.downloadBytes,
			m.segmentsSentTotal,
			m.rejectionsTotal,
			m.activeSessions,
			m.trackedTempFiles,
		)
		inst = m
	})
	return inst
}

// Handler returns the HTTP handler serving the metrics registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(get().registry, promhttp.HandlerOpts{})
}

// RecordSearch counts one search attempt.
func RecordSearch(source, status string) {
	get().searchesTotal.WithLabelValues(source, status).Inc()
}

// RecordPlay counts one play request.
func RecordPlay(source, status string) {
	get().playsTotal.WithLabelValues(source, status).Inc()
}

// RecordDownload observes a completed download.
func RecordDownload(d time.Duration, bytes int64) {
	get().downloadDuration.Observe(d.Seconds())
	get().downloadBytes.Observe(float64(bytes))
}

// RecordSegmentSent counts one delivered voice segment.
func RecordSegmentSent() {
	get().segmentsSentTotal.Inc()
}

// RecordRejection counts a security rejection by reason (unsafe_url,
// unsafe_path, unrecognized_media, too_large).
func RecordRejection(reason string) {
	get().rejectionsTotal.WithLabelValues(reason).Inc()
}

// SetActiveSessions updates the live session gauge.
func SetActiveSessions(n int) {
	get().activeSessions.Set(float64(n))
}

// SetTrackedTempFiles updates the scratch file gauge.
func SetTrackedTempFiles(n int) {
	get().trackedTempFiles.Set(float64(n))
}
