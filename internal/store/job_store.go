package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/segqueue/internal/domain"
)

// StatusFields carries the columns written together with a status change.
// Nil fields are left untouched; UpdatedAt is always refreshed.
//
// ExpectedWorker is a precondition rather than a column to write: when set,
// the update only applies if the stored worker id equals it.
type StatusFields struct {
	StartedAt  *time.Time
	FinishedAt *time.Time
	WorkerID   *string
	RetryCount *int
	Error      *string
	Result     *domain.SegmentationResult

	ExpectedWorker *string
}

// Matches reports whether item satisfies the ExpectedWorker precondition.
func (f StatusFields) Matches(item *domain.QueueItem) bool {
	return f.ExpectedWorker == nil || item.WorkerID == *f.ExpectedWorker
}

// Apply writes the non-nil fields onto item. Store implementations that keep
// domain objects in memory share this logic.
func (f StatusFields) Apply(item *domain.QueueItem) {
	if f.StartedAt != nil {
		t := *f.StartedAt
		item.StartedAt = &t
	}
	if f.FinishedAt != nil {
		t := *f.FinishedAt
		item.FinishedAt = &t
	}
	if f.WorkerID != nil {
		item.WorkerID = *f.WorkerID
	}
	if f.RetryCount != nil {
		item.RetryCount = *f.RetryCount
	}
	if f.Error != nil {
		item.Error = *f.Error
	}
	if f.Result != nil {
		item.Result = f.Result.Clone()
	}
}

// JobStore defines the interface for queue item persistence.
// Version: 1.0
type JobStore interface {
	// Create saves a new queue item. The item must already carry its
	// sequence number (see ReserveSequence).
	// Returns ErrInvalidEntity if the item fails validation.
	Create(ctx context.Context, item *domain.QueueItem) error

	// Get retrieves a queue item by its ID.
	// Returns ErrQueueItemNotFound if the item does not exist.
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error)

	// GetByProject returns all items of a project ordered by sequence.
	GetByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.QueueItem, error)

	// ConditionalUpdateStatus moves an item from expected to next and writes
	// fields, but only if the stored status still equals expected at the
	// moment of the update (and, when fields.ExpectedWorker is set, the
	// stored worker id still equals it). It returns false (and no error) when
	// the precondition no longer holds or the item does not exist.
	// Returns domain.ErrInvalidTransition if expected -> next is not an edge
	// of the state machine.
	ConditionalUpdateStatus(
		ctx context.Context,
		id uuid.UUID,
		expected, next domain.Status,
		fields StatusFields,
	) (bool, error)

	// ReserveSequence atomically reserves n consecutive sequence numbers for
	// a project and returns the first one. Reserved numbers are never reused,
	// even when the caller fails to create the item.
	ReserveSequence(ctx context.Context, projectID uuid.UUID, n int) (int64, error)

	// CountOutstanding counts queued and processing items of a project, or of
	// all projects when projectID is uuid.Nil.
	CountOutstanding(ctx context.Context, projectID uuid.UUID) (int, error)

	// ListQueuedProjects returns the ids of projects that have at least one
	// queued item, in a stable order.
	ListQueuedProjects(ctx context.Context) ([]uuid.UUID, error)

	// ListQueued returns up to limit queued items of a project ordered by
	// sequence ascending.
	ListQueued(ctx context.Context, projectID uuid.UUID, limit int) ([]*domain.QueueItem, error)

	// ListProcessingStartedBefore returns processing items whose claim is
	// older than cutoff.
	ListProcessingStartedBefore(ctx context.Context, cutoff time.Time) ([]*domain.QueueItem, error)
}

// CheckTransition validates an expected -> next pair before a store touches data.
func CheckTransition(expected, next domain.Status) error {
	if !domain.CanTransition(expected, next) {
		return NewStoreError("queue_item", "update_status",
			string(expected)+" -> "+string(next), domain.ErrInvalidTransition)
	}
	return nil
}
