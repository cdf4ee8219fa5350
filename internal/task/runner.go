package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/inference"
	"github.com/phrazzld/segqueue/internal/platform/logger"
	"github.com/phrazzld/segqueue/internal/service/queue"
)

// reportTimeout bounds posting an outcome, including during shutdown.
const reportTimeout = 10 * time.Second

// work executes one claimed item on slot and reports the outcome.
func (p *WorkerPool) work(slot int, item *domain.QueueItem) {
	defer p.wg.Done()
	defer func() { p.slots <- slot }()

	workerID := p.WorkerID(slot)
	log := p.logger.With(
		"item_id", item.ID,
		"project_id", item.ProjectID,
		"worker_id", workerID,
		"retry_count", item.RetryCount,
	)
	log.Info("processing item")

	outcome := p.execute(logger.WithLogger(p.ctx, log), workerID, item)

	switch {
	case outcome.Interrupted:
		log.Warn("processing interrupted", "error", outcome.Err)
	case outcome.Err != nil:
		log.Error("inference failed",
			"error", outcome.Err,
			"transient", inference.IsTransient(outcome.Err),
			"duration_ms", outcome.Duration.Milliseconds())
	default:
		log.Info("inference completed",
			"polygons", len(outcome.Result.Polygons),
			"duration_ms", outcome.Duration.Milliseconds())
	}

	// Report even when the pool is stopping so the item does not stay processing.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), reportTimeout)
	defer cancel()
	if err := p.scheduler.Report(reportCtx, outcome); err != nil {
		log.Error("failed to report outcome; item is left for the stale monitor", "error", err)
	}
}

// execute calls the inference backend under the configured timeout and
// classifies the result.
func (p *WorkerPool) execute(ctx context.Context, workerID string, item *domain.QueueItem) (outcome queue.Outcome) {
	outcome = queue.Outcome{Item: item, WorkerID: workerID}

	inferCtx, cancel := context.WithTimeout(ctx, p.config.InferenceTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		outcome.Duration = time.Since(start)
		if r := recover(); r != nil {
			outcome.Result = nil
			outcome.Err = inference.NewFatal("infer", fmt.Errorf("inference backend panicked: %v", r))
		}
	}()

	result, err := p.client.Infer(inferCtx, inference.Request{
		ItemID:   item.ID,
		ImageID:  item.ImageID,
		ImageRef: p.imageRef(item),
		Params:   item.Params,
	})

	switch {
	case err != nil && p.ctx.Err() != nil:
		outcome.Interrupted = true
		outcome.Err = err
	case err != nil && errors.Is(inferCtx.Err(), context.DeadlineExceeded):
		outcome.Err = inference.NewTransient("infer",
			fmt.Errorf("inference timed out after %s: %w", p.config.InferenceTimeout, err))
	case err != nil:
		outcome.Err = err
	case result == nil:
		outcome.Err = inference.NewFatal("infer", errors.New("backend returned no result"))
	default:
		outcome.Result = result
	}
	return outcome
}
