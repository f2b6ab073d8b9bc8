package smartmedia

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var updatesAccepted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "smartmedia_updates_accepted_total",
	Help: "The total number of update jobs accepted",
})

var versionsAppended = promauto.NewCounter(prometheus.CounterOpts{
	Name: "smartmedia_versions_appended_total",
	Help: "The total number of accepted content updates persisted",
})

var updatesNoop = promauto.NewCounter(prometheus.CounterOpts{
	Name: "smartmedia_updates_noop_total",
	Help: "The total number of update runs that produced no new content",
})

var updatesFailed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "smartmedia_updates_failed_total",
	Help: "The total number of update runs that ended in a pipeline failure",
})

var postsFrozen = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "smartmedia_posts_frozen_total",
	Help: "The total number of lifecycle freezes, by resulting status",
}, []string{"status"})

var previewsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "smartmedia_previews_created_total",
	Help: "The total number of previews generated",
})

var sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "smartmedia_sweep_duration_seconds",
	Help:    "A histogram of staleness sweep durations",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
})

var sweepDue = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "smartmedia_sweep_due_posts",
	Help: "The number of due posts found by the most recent sweep",
})
