package queue

import (
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/segqueue/internal/config"
	"github.com/phrazzld/segqueue/internal/domain"
)

// Config holds the queue policy limits.
type Config struct {
	// MaxRetries is copied onto every new item.
	MaxRetries int
	// MaxPerProject bounds outstanding (queued + processing) items per project.
	// Zero disables the limit.
	MaxPerProject int
	// MaxGlobal bounds outstanding items across all projects. Zero disables it.
	MaxGlobal int
	// ClaimScanLimit is how many queued items of one project a claim looks at.
	ClaimScanLimit int
}

// NewConfig extracts the queue policy from application configuration.
func NewConfig(cfg config.QueueConfig) Config {
	return Config{
		MaxRetries:     cfg.MaxRetries,
		MaxPerProject:  cfg.MaxPerProject,
		MaxGlobal:      cfg.MaxGlobal,
		ClaimScanLimit: cfg.ClaimScanLimit,
	}
}

// SubmitResult is the outcome of one job in a batch submission.
type SubmitResult struct {
	Index int
	Item  *domain.QueueItem
	Err   error
}

// CancelFailure names one item that could not be cancelled.
type CancelFailure struct {
	ID     uuid.UUID `json:"id"`
	Reason string    `json:"reason"`
}

// CancelResult is the complete accounting of one CancelBatch call.
type CancelResult struct {
	CancelledCount int             `json:"cancelledCount"`
	FailedCount    int             `json:"failedCount"`
	Failures       []CancelFailure `json:"failures"`
	CancelledIDs   []uuid.UUID     `json:"cancelledIds"`

	// NothingToCancel is set when the user had no queued or processing
	// items in the project. It is not an error.
	NothingToCancel bool `json:"nothingToCancel"`

	// Warning summarises the batch when every attempt conflicted.
	Warning string `json:"warning,omitempty"`
}

// Outcome is the message a worker posts when it finishes with a claimed item.
type Outcome struct {
	Item     *domain.QueueItem
	WorkerID string
	Result   *domain.SegmentationResult
	Err      error

	// Interrupted means the worker gave the item back without a verdict,
	// for example during shutdown. The item is requeued without spending
	// a retry.
	Interrupted bool
	Duration    time.Duration
}
