package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gitFetchFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasync_git_fetch_failed_total",
			Help: "Total number of failed Git fetch operations",
		},
		[]string{"repository"},
	)

	gitFetchCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasync_git_fetch_count_total",
			Help: "Total number of Git fetch operations",
		},
		[]string{"repository"},
	)

	gitFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datasync_git_fetch_duration_seconds",
			Help:    "Git fetch duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 1.5, 2, 5, 10, 30, 60},
		},
		[]string{"repository"},
	)
)

func GitFetchSucceeded(repository string, start time.Time) {
	gitFetchCount.WithLabelValues(repository).Inc()
	gitFetchDuration.WithLabelValues(repository).Observe(time.Since(start).Seconds())
}

func GitFetchFailed(repository string) {
	gitFetchCount.WithLabelValues(repository).Inc()
	gitFetchFailed.WithLabelValues(repository).Inc()
}
