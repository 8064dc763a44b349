package daemon

import (
	"context"
	"time"

	"veil/internal/logging"
)

// runReaper periodically requeues work abandoned by crashed workers. The
// engine keeps attempt counts across reclaims, so a poisoned item still
// converges on a terminal failure.
func (d *Daemon) runReaper(ctx context.Context, threshold time.Duration) {
	interval := d.cfg.ReapInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("stale-claim reaper started",
		logging.Duration("threshold", threshold),
		logging.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := d.store.ReclaimStale(ctx, threshold)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Error("stale-claim sweep failed", logging.Error(err))
				}
				continue
			}
			if reclaimed > 0 {
				d.logger.Warn("requeued stale claims", logging.Int("count", reclaimed))
			}
		}
	}
}
