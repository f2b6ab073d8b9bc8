package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var graphRequestsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "graph_requests_failed_total",
	Help: "The total number of failed social-graph gateway requests",
}, []string{"operation"})

var graphRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "graph_request_duration_seconds",
	Help:    "Wall time of social-graph gateway requests",
	Buckets: prometheus.DefBuckets,
}, []string{"operation"})
