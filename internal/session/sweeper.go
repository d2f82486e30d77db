package session

import (
	"context"
	"time"
)

// StartSweeper runs SweepIdle every interval until ctx is cancelled. It
// returns immediately when the manager has no idle timeout.
func StartSweeper(ctx context.Context, interval time.Duration, m *Manager) {
	if m.opts.IdleTimeout <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := m.SweepIdle(ctx)
			if err != nil {
				m.logger.Error("idle sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				m.logger.Info("idle sessions swept", "deleted", deleted)
			}
		}
	}
}
