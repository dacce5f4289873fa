package reconcile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-reportsync/internal/media"
)

// SweepStats summarizes one reconcile pass.
type SweepStats struct {
	Unlinked   int
	Linked     int
	Unpromoted int
}

// Sweeper periodically links attachments that every event-driven path
// missed, typically because the owner index had not caught up yet.
type Sweeper struct {
	linker   *Linker
	pageSize int32
	logger   *zap.Logger
}

func NewSweeper(linker *Linker, pageSize int32, logger *zap.Logger) *Sweeper {
	if pageSize <= 0 {
		pageSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{linker: linker, pageSize: pageSize, logger: logger}
}

// RunOnce scans every UPLOADED attachment without a canonical id and links
// the ones whose draft has been promoted.
func (w *Sweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	var (
		stats    SweepStats
		firstErr error
	)
	canonical := map[string]string{}
	err := w.linker.attachments.ScanUnlinked(ctx, w.pageSize, func(page []media.Attachment) error {
		for _, a := range page {
			stats.Unlinked++
			id, seen := canonical[a.OwnerClientUUID]
			if !seen {
				var err error
				id, err = w.linker.drafts.CanonicalID(ctx, a.OwnerClientUUID)
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				canonical[a.OwnerClientUUID] = id
			}
			if id == "" {
				stats.Unpromoted++
				continue
			}
			n, err := w.linker.link(ctx, []media.Attachment{a}, id)
			stats.Linked += n
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return ctx.Err()
	})
	if err != nil {
		return stats, err
	}
	w.logger.Info("reconcile sweep finished",
		zap.Int("unlinked", stats.Unlinked),
		zap.Int("linked", stats.Linked),
		zap.Int("unpromoted", stats.Unpromoted))
	return stats, firstErr
}

// Run repeats RunOnce every interval until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context, interval time.Duration) {
	for {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("reconcile sweep encountered errors", zap.Error(err))
		}
	}
}
