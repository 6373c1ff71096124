package matchmaking

import (
	"context"
	"time"

	"practicehub/pkg/types"
)

// Sweep expires every pending request whose deadline has passed and purges
// terminal requests older than the retention window. It returns the number
// of requests expired by this call.
// TECHNICAL DISCOVERY: Expiry uses the same check-and-set as accept, so a
// request resolved a moment earlier is simply skipped
func (c *Coordinator) Sweep(ctx context.Context, now time.Time) int {
	now = now.UTC()

	c.mu.Lock()
	var expired []*types.MatchRequest
	purged := 0
	for id, req := range c.requests {
		if req.Status == types.RequestPending {
			if !now.Before(req.ExpiresAt) {
				req.Status = types.RequestExpired
				expired = append(expired, req.Clone())
			}
			continue
		}
		if !now.Before(closedAt(req).Add(c.opts.Retention)) {
			delete(c.requests, id)
			purged++
		}
	}
	c.mu.Unlock()

	sortOldestFirst(expired)
	for _, req := range expired {
		c.finishExpired(ctx, req)
	}
	if len(expired) > 0 || purged > 0 {
		c.logger.Debug("sweep complete", "expired", len(expired), "purged", purged)
	}
	return len(expired)
}

// RunSweeper drives Sweep from the clock until ctx is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	ticker := c.clock.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	c.logger.Info("expiry sweeper started", "interval", c.opts.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("expiry sweeper stopped")
			return
		case now := <-ticker.C():
			c.Sweep(ctx, now)
		}
	}
}

// closedAt is when a terminal request stopped being pending.
func closedAt(req *types.MatchRequest) time.Time {
	if req.RespondedAt != nil {
		return *req.RespondedAt
	}
	return req.ExpiresAt
}
