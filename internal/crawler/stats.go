package crawler

import (
	"context"
	"time"

	"homecrawler/pkg/types"
)

// Stats reports crawl progress.
func (e *Engine) Stats(ctx context.Context) types.CrawlStats {
	stats := types.CrawlStats{
		Extracted:     e.ledger.Count(),
		MaxItems:      e.ledger.MaxItems(),
		CredentialSet: e.credentialSet(),
		Draining:      e.draining.Load(),
		StartedAt:     e.startedAt,
	}
	q, err := e.queue.Stats(ctx)
	if err != nil {
		e.logger.Debug("frontier stats unavailable", "error", err)
		return stats
	}
	stats.Pending = q.Pending
	stats.InFlight = q.InFlight
	stats.Handled = q.Handled
	stats.Abandoned = q.Abandoned
	return stats
}

// reportProgress logs the extracted total whenever it changed since the last tick.
func (e *Engine) reportProgress(ctx context.Context) {
	interval := e.cfg.Logging.StatsInterval.Or(10 * time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := e.ledger.Count()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := e.ledger.Count()
			if count == last {
				continue
			}
			last = count
			stats := e.Stats(ctx)
			e.logger.Info("extracted total",
				"count", count,
				"pending", stats.Pending,
				"in_flight", stats.InFlight,
				"held", e.heldCount(),
			)
		}
	}
}
