package session

import (
	"context"
	"log/slog"
	"time"
)

const DefaultCleanupInterval = 30 * time.Minute

// StartCleaner sweeps expired sessions every interval until ctx is done.
// It blocks, so callers usually run it in its own goroutine.
func StartCleaner(ctx context.Context, p Purger, interval time.Duration, logger *slog.Logger) {
	if p == nil {
		return
	}
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.PurgeExpired(ctx, now)
			if err != nil {
				logger.Error("purge expired sessions", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("purged expired sessions", "count", n)
			}
		}
	}
}
