package smartmedia

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/topiary-social/topiary/internal/ticker"
)

type SweeperConfig struct {
	// Interval between staleness sweeps.
	Interval time.Duration
	// BatchSize caps the number of due posts fetched per sweep.
	BatchSize int
	// Parallelism bounds concurrent update jobs started by one sweep. The
	// per-post single-flight guarantee is a separate, stronger invariant.
	Parallelism int64
}

func (c *SweeperConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 8
	}
}

// Sweeper periodically scans for ACTIVE posts past their staleness horizon
// and requests an update for each. Disabled and failed posts are excluded
// at the store query, so a frozen post is never auto-resubmitted.
type Sweeper struct {
	orch   *Orchestrator
	logger *slog.Logger
	cfg    SweeperConfig
}

func NewSweeper(orch *Orchestrator, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()
	return &Sweeper{
		orch:   orch,
		logger: logger.With("component", "sweeper"),
		cfg:    cfg,
	}
}

// Run blocks until the context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("starting staleness sweeper",
		"interval", s.cfg.Interval, "parallelism", s.cfg.Parallelism)
	err := ticker.Immediately(ctx, s.cfg.Interval, s.sweep)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Sweeper) sweep(ctx context.Context) error {
	start := time.Now()
	defer func() {
		sweepDuration.Observe(time.Since(start).Seconds())
	}()

	due, err := s.orch.store.ListDue(ctx, time.Now(), s.cfg.BatchSize)
	if err != nil {
		// A flaky store read should not kill the sweep loop.
		s.logger.Error("listing due posts failed", "err", err)
		return nil
	}
	sweepDue.Set(float64(len(due)))
	if len(due) == 0 {
		return nil
	}
	s.logger.Info("sweeping due posts", "count", len(due))

	sem := semaphore.NewWeighted(s.cfg.Parallelism)
	for _, media := range due {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		media := media
		go func() {
			defer sem.Release(1)
			accepted, err := s.orch.UpdateNow(ctx, media.PostID, false, media.Creator)
			if err != nil {
				s.logger.Warn("sweep update rejected", "post", media.PostID, "err", err)
				return
			}
			if !accepted {
				s.logger.Debug("post already processing", "post", media.PostID)
			}
		}()
	}
	// Let the sweep finish before the next tick starts.
	if err := sem.Acquire(ctx, s.cfg.Parallelism); err != nil {
		return err
	}
	sem.Release(s.cfg.Parallelism)
	return nil
}
