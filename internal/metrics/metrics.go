// Package metrics defines the Prometheus instrumentation for the
// scan-and-analyze pipeline, served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scanner metrics
var (
	ScanRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuebase_scan_runs_total",
			Help: "Total number of library scans",
		},
		[]string{"status"},
	)

	ScanFilesDiscovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cuebase_scan_files_discovered_total",
			Help: "Total number of audio files discovered by scans",
		},
	)

	ScanErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cuebase_scan_errors_total",
			Help: "Total number of per-path scan errors",
		},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cuebase_scan_duration_seconds",
			Help:    "Library scan duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	WatcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuebase_watcher_events_total",
			Help: "Total number of filesystem watcher events",
		},
		[]string{"op"},
	)
)

// Metadata extraction metrics
var (
	ExtractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuebase_metadata_extractions_total",
			Help: "Total number of tag extraction attempts",
		},
		[]string{"status"},
	)
)

// Job metrics
var (
	JobsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuebase_jobs_created_total",
			Help: "Total number of jobs created",
		},
		[]string{"kind"},
	)

	JobsDuplicateTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cuebase_jobs_duplicate_total",
			Help: "Total number of job submissions rejected by the dedup key",
		},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuebase_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"kind", "status"},
	)

	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cuebase_jobs_running",
			Help: "Number of jobs currently executing",
		},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cuebase_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"kind"},
	)
)

// Analysis metrics
var (
	AnalysisRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuebase_analysis_runs_total",
			Help: "Total number of analyzer worker invocations",
		},
		[]string{"analyzer", "status"},
	)
)

// Event bus metrics
var (
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cuebase_events_published_total",
			Help: "Total number of events published on the bus",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cuebase_events_dropped_total",
			Help: "Total number of events dropped because the buffer was full",
		},
	)
)

// Library metrics
var (
	TracksTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cuebase_tracks_total",
			Help: "Number of tracks in the library",
		},
	)

	TracksAnalyzed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cuebase_tracks_analyzed",
			Help: "Number of tracks with a computed analysis field",
		},
		[]string{"field"},
	)
)
