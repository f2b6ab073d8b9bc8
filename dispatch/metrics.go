package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var generationsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatch_generations_processed_total",
	Help: "The total number of successful generation calls",
}, []string{"provider", "kind"})

var generationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatch_generations_failed_total",
	Help: "The total number of failed generation attempts (counting retries)",
}, []string{"provider", "kind"})

var generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "dispatch_generation_duration_seconds",
	Help:    "Wall time of individual provider generation calls",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
}, []string{"provider", "kind"})

var tokensConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatch_tokens_consumed_total",
	Help: "The total number of tokens reported by providers",
}, []string{"provider"})

var imagesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatch_images_created_total",
	Help: "The total number of images generated",
}, []string{"provider"})
