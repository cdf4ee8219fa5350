package task

import (
	"context"
	"time"

	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/service/queue"
)

// Scheduler is the part of the queue service the worker pool depends on.
// Version: 1.0
type Scheduler interface {
	// Claim moves the next queued item to processing for workerID.
	// Returns nil when nothing is queued.
	Claim(ctx context.Context, workerID string) (*domain.QueueItem, error)

	// Report posts the outcome of a claimed item.
	Report(ctx context.Context, outcome queue.Outcome) error

	// ReapStale reclaims items processing for longer than age.
	ReapStale(ctx context.Context, age time.Duration) (int, error)

	// Ready is signalled when new or requeued work may be available.
	Ready() <-chan struct{}
}

var _ Scheduler = (*queue.Service)(nil)
