// Package taskqueue provides a single-flight async job scheduler keyed by
// post identifier: at most one job per key runs at a time, while distinct
// keys run concurrently without bound.
package taskqueue

import (
	"context"
	"log/slog"

	"github.com/puzpuzpuz/xsync/v3"
)

// Job is one unit of update work. Jobs run to completion or panic; there is
// no cancellation primitive, so callers impose timeouts via ctx if needed.
type Job func(ctx context.Context) error

type Queue struct {
	logger *slog.Logger
	// membership is the busy set. LoadOrStore gives the atomic
	// check-and-set the single-flight guarantee depends on; there is no
	// window between "is busy" and "mark busy".
	inflight *xsync.MapOf[string, struct{}]
}

func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger:   logger.With("component", "taskqueue"),
		inflight: xsync.NewMapOf[string, struct{}](),
	}
}

// IsBusy reports whether a job for key is currently in flight.
func (q *Queue) IsBusy(key string) bool {
	_, busy := q.inflight.Load(key)
	return busy
}

// Submit starts job for key unless one is already in flight, in which case
// it returns false and the job never runs. The key is released when the job
// returns or panics; a panic is logged as a pipeline failure and never
// crashes the scheduler.
//
// The job runs detached from the caller's cancellation so an HTTP trigger
// returning early cannot abort a half-applied update.
func (q *Queue) Submit(ctx context.Context, key string, job Job) bool {
	if _, loaded := q.inflight.LoadOrStore(key, struct{}{}); loaded {
		jobsRejected.Inc()
		return false
	}
	jobsAccepted.Inc()
	jobsInflight.Inc()

	jobCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				jobPanics.Inc()
				q.logger.Error("job panicked", "key", key, "err", r)
			}
			q.inflight.Delete(key)
			jobsInflight.Dec()
		}()
		if err := job(jobCtx); err != nil {
			q.logger.Error("job failed", "key", key, "err", err)
		}
	}()
	return true
}

// SubmitSync is Submit for callers that manage their own worker pool: the
// job runs on the calling goroutine, with the same single-flight guarantee
// and panic containment.
func (q *Queue) SubmitSync(ctx context.Context, key string, job Job) (accepted bool) {
	if _, loaded := q.inflight.LoadOrStore(key, struct{}{}); loaded {
		jobsRejected.Inc()
		return false
	}
	jobsAccepted.Inc()
	jobsInflight.Inc()
	// set before the job runs so a recovered panic still reports the job
	// as accepted
	accepted = true
	defer func() {
		if r := recover(); r != nil {
			jobPanics.Inc()
			q.logger.Error("job panicked", "key", key, "err", r)
		}
		q.inflight.Delete(key)
		jobsInflight.Dec()
	}()
	if err := job(ctx); err != nil {
		q.logger.Error("job failed", "key", key, "err", err)
	}
	return accepted
}

// Len reports how many jobs are currently in flight.
func (q *Queue) Len() int {
	return q.inflight.Size()
}
