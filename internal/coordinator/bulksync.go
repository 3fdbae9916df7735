package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchcrawler/internal/crawler"
)

// BulkSyncConfig controls the periodic store-to-index copy.
type BulkSyncConfig struct {
	// Interval between passes. Zero disables Run.
	Interval  time.Duration
	BatchSize int
	// Full makes every pass copy all records instead of those crawled since
	// the previous pass started.
	Full bool
}

// SyncStats summarizes one bulk pass.
type SyncStats struct {
	Scanned int
	Synced  int
	Failed  int
}

// BulkSync copies document-store records into the index. Each record is
// re-read under its stripe lock, so a pass never undoes a newer page write.
type BulkSync struct {
	coord  *Coordinator
	cfg    BulkSyncConfig
	logger *zap.Logger
	last   time.Time
}

// NewBulkSync builds a BulkSync over the coordinator.
func NewBulkSync(coord *Coordinator, cfg BulkSyncConfig) *BulkSync {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &BulkSync{coord: coord, cfg: cfg, logger: coord.logger.Named("bulk_sync")}
}

// Run performs a pass every Interval until ctx is done.
func (b *BulkSync) Run(ctx context.Context) error {
	if b.cfg.Interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			since := b.last
			if b.cfg.Full {
				since = time.Time{}
			}
			started := b.coord.clock.Now()
			stats, err := b.SyncSince(ctx, since)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					b.logger.Warn("bulk sync pass failed", zap.Error(err))
				}
				continue
			}
			b.last = started
			b.logger.Info("bulk sync pass finished",
				zap.Time("since", since),
				zap.Int("scanned", stats.Scanned),
				zap.Int("synced", stats.Synced),
				zap.Int("failed", stats.Failed),
			)
		}
	}
}

// SyncSince copies every record crawled at or after since, in id order.
// Per-record index failures are counted, not returned.
func (b *BulkSync) SyncSince(ctx context.Context, since time.Time) (SyncStats, error) {
	var stats SyncStats
	afterID := ""
	for {
		page, err := b.coord.store.ListUpdatedSince(ctx, since, afterID, b.cfg.BatchSize)
		if err != nil {
			return stats, &crawler.StoreError{Op: "list updated", Err: err}
		}
		for _, rec := range page {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			stats.Scanned++
			if _, err := b.coord.sync(ctx, rec.ID); err != nil {
				if errors.Is(err, crawler.ErrPageNotFound) {
					continue
				}
				stats.Failed++
				b.logger.Debug("bulk sync record failed", zap.String("url", rec.ID), zap.Error(err))
				continue
			}
			stats.Synced++
		}
		if len(page) < b.cfg.BatchSize {
			return stats, nil
		}
		afterID = page[len(page)-1].ID
	}
}
