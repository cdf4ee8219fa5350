package task

import (
	"time"
)

// staleItemMonitor periodically asks the scheduler to reclaim items that
// have been processing for too long, such as those of a crashed worker.
func (p *WorkerPool) staleItemMonitor() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return

		case <-ticker.C:
			reclaimed, err := p.scheduler.ReapStale(p.ctx, p.config.StaleItemAge)
			if err != nil {
				if p.ctx.Err() == nil {
					p.logger.Error("failed to check for stale items", "error", err)
				}
				continue
			}
			if reclaimed > 0 {
				p.logger.Info("reclaimed stale items", "count", reclaimed)
			}
		}
	}
}
