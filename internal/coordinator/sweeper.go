package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

// SweeperConfig controls reconciliation of pending index writes.
type SweeperConfig struct {
	// Window is how long a record stays pending before the first retry, and
	// the base of the per-record exponential backoff.
	Window time.Duration
	// MaxBackoff caps the per-record retry delay.
	MaxBackoff time.Duration
	// Interval between scans.
	Interval time.Duration
	// MaxRetries is maxIndexRetries; the record is parked as failed after
	// this many failed retries.
	MaxRetries int
	BatchSize  int
	// RatePerSecond bounds index writes issued by the sweeper.
	RatePerSecond float64
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 20
	}
	return c
}

// SweepStats summarizes one pass.
type SweepStats struct {
	Scanned  int
	Indexed  int
	Retrying int
	Failed   int
}

// Sweeper retries pending index writes.
type Sweeper struct {
	coord   *Coordinator
	cfg     SweeperConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewSweeper builds a Sweeper over the coordinator's store and index.
func NewSweeper(coord *Coordinator, cfg SweeperConfig) *Sweeper {
	cfg = cfg.withDefaults()
	return &Sweeper{
		coord:   coord,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		logger:  coord.logger.Named("sweeper"),
	}
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := s.SweepOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("sweep failed", zap.Error(err))
				continue
			}
			if stats.Scanned > 0 {
				s.logger.Info("sweep finished",
					zap.Int("scanned", stats.Scanned),
					zap.Int("indexed", stats.Indexed),
					zap.Int("retrying", stats.Retrying),
					zap.Int("failed", stats.Failed),
				)
			}
		}
	}
}

// SweepOnce retries every pending record whose backoff has elapsed.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := s.coord.clock.Now()
	pending, err := s.coord.store.ListIndexPending(ctx, now.Add(-s.cfg.Window), s.cfg.BatchSize)
	if err != nil {
		return stats, &crawler.StoreError{Op: "list index pending", Err: err}
	}
	for _, rec := range pending {
		if rec.IndexPendingSince == nil || now.Before(rec.IndexPendingSince.Add(s.backoff(rec.IndexAttempts))) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		stats.Scanned++
		current, err := s.coord.sync(ctx, rec.ID)
		switch {
		case err == nil:
			stats.Indexed++
		case errors.Is(err, crawler.ErrPageNotFound):
		case errors.Is(err, context.Canceled):
			return stats, err
		default:
			if current.ID == "" {
				current = rec
			}
			failed, ferr := s.retryFailed(ctx, current, err)
			if ferr != nil {
				return stats, ferr
			}
			if failed {
				stats.Failed++
			} else {
				stats.Retrying++
			}
		}
	}
	return stats, nil
}

// retryFailed bumps the attempt count or parks the record as failed.
func (s *Sweeper) retryFailed(ctx context.Context, rec crawler.PageRecord, cause error) (bool, error) {
	attempts := rec.IndexAttempts + 1
	if attempts >= s.cfg.MaxRetries {
		if err := s.coord.store.MarkIndexFailed(ctx, rec.ID); err != nil {
			return false, &crawler.StoreError{Op: "mark index failed", Err: err}
		}
		rec.IndexAttempts = attempts
		s.coord.indexFailed(rec, cause)
		return true, nil
	}
	if err := s.coord.store.MarkIndexPending(ctx, rec.ID, s.coord.clock.Now(), attempts); err != nil {
		return false, &crawler.StoreError{Op: "mark index pending", Err: err}
	}
	s.logger.Debug("index retry failed",
		zap.String("url", rec.ID),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	return false, nil
}

// backoff is zero for the first retry, then Window * 2^(attempts-1), capped.
func (s *Sweeper) backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := s.cfg.Window
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return d
}
