package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasync_sync_count_total",
			Help: "Total number of syncs by terminal status",
		},
		[]string{"repository", "status", "dry_run"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datasync_sync_duration_seconds",
			Help:    "Sync duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 1.5, 2, 5, 10, 30, 60, 120},
		},
		[]string{"repository"},
	)

	syncArtifactChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasync_artifact_changes_total",
			Help: "Number of owned artifacts created, updated or deleted by committed syncs",
		},
		[]string{"repository", "kind", "action"},
	)

	lastSyncEnd = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datasync_last_sync_end_timestamp",
			Help: "Unix timestamp of when the last sync of a repository ended",
		},
		[]string{"repository", "status"},
	)
)

func SyncFinished(repository, status string, dryRun bool, start, end time.Time) {
	dry := "false"
	if dryRun {
		dry = "true"
	}
	syncCount.WithLabelValues(repository, status, dry).Inc()
	syncDuration.WithLabelValues(repository).Observe(end.Sub(start).Seconds())
	lastSyncEnd.WithLabelValues(repository, status).Set(float64(end.Unix()))
}

func ArtifactChanged(repository, kind, action string, n int) {
	syncArtifactChanges.WithLabelValues(repository, kind, action).Add(float64(n))
}
