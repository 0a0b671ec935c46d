package runtime

import (
	"context"
	"time"
)

// startTimers launches the four periodic tasks: status heartbeat,
// queue-stats refresh, egress flush, and subscription refresh. All stop
// when the controller's timer context is canceled.
func (c *Controller) startTimers(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancelTimers = cancel

	c.runTicker(ctx, c.timers.StatusHeartbeat, func() { c.broadcast(ctx) })
	c.runTicker(ctx, c.timers.QueueStatsRefresh, func() { c.broadcast(ctx) })
	c.runTicker(ctx, c.timers.EgressFlush, func() { c.ed.Flush(ctx) })
	c.runTicker(ctx, c.timers.SubscriptionRefresh, func() {
		follows, err := c.listFollowPubkeys(ctx)
		if err != nil {
			return
		}
		// force=true: this tick exists to guard against a silently
		// dropped subscription, which Refresh's unchanged-key
		// short-circuit would otherwise never detect or reopen.
		c.sm.Refresh(ctx, follows, true)
	})
}

func (c *Controller) runTicker(ctx context.Context, interval time.Duration, task func()) {
	if interval <= 0 {
		return
	}
	c.timersWG.Add(1)
	go func() {
		defer c.timersWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				task()
			}
		}
	}()
}
