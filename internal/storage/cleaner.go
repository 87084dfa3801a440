package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunCleaner prunes expired catalogs now and then every interval until ctx
// is done.
func (c *Catalog) RunCleaner(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}
	c.logger.Debug("Catalog cleaner started",
		zap.Duration("retention", retention),
		zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := c.Prune(retention); err != nil {
			c.logger.Warn("Failed to prune scan cache", zap.Error(err))
		} else if n > 0 {
			c.logger.Info("Pruned scan cache", zap.Int("removed", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
