package taskqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsAccepted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "taskqueue_jobs_accepted_total",
	Help: "The total number of jobs accepted for execution",
})

var jobsRejected = promauto.NewCounter(prometheus.CounterOpts{
	Name: "taskqueue_jobs_rejected_total",
	Help: "The total number of job submissions rejected because the key was busy",
})

var jobPanics = promauto.NewCounter(prometheus.CounterOpts{
	Name: "taskqueue_job_panics_total",
	Help: "The total number of jobs that ended in a panic",
})

var jobsInflight = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "taskqueue_jobs_inflight",
	Help: "The number of jobs currently in flight",
})
