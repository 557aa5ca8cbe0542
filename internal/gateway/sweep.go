// ABOUTME: Periodic queue sweep that re-runs matching for queued services
// ABOUTME: Ticks at matching.sweep_interval until the gateway shuts down

package gateway

import (
	"context"
	"errors"
	"time"
)

// runSweep calls ReconcileQueue once at startup, to pick up services left
// behind by a previous process, and then on every tick.
func (g *Gateway) runSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		g.logger.Warn("queue sweep disabled", "interval", interval)
		return
	}

	g.sweepOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepOnce(ctx)
		}
	}
}

func (g *Gateway) sweepOnce(ctx context.Context) int {
	matched, err := g.matcher.ReconcileQueue(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Error("queue sweep failed", "error", err)
	}
	if matched > 0 {
		g.logger.Info("queue sweep started services", "matched", matched)
	}
	return matched
}
