package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobRequest is one submission as received from the HTTP or CLI layer.
type JobRequest struct {
	ProjectID uuid.UUID `json:"projectId"`
	ImageID   uuid.UUID `json:"imageId"`
	UserID    uuid.UUID `json:"userId"`
	Params    JobParams `json:"params"`
}

// Validate checks ids and parameters of the request.
func (r JobRequest) Validate() error {
	if r.ProjectID == uuid.Nil {
		return NewValidationError("projectId", "cannot be empty")
	}
	if r.ImageID == uuid.Nil {
		return NewValidationError("imageId", "cannot be empty")
	}
	if r.UserID == uuid.Nil {
		return NewValidationError("userId", "cannot be empty")
	}
	return r.Params.Validate()
}

// QueueItem is one segmentation job and its lifecycle state.
type QueueItem struct {
	ID         uuid.UUID           `json:"id"`
	ProjectID  uuid.UUID           `json:"projectId"`
	ImageID    uuid.UUID           `json:"imageId"`
	UserID     uuid.UUID           `json:"userId"`
	Params     JobParams           `json:"params"`
	Status     Status              `json:"status"`
	Sequence   int64               `json:"sequence"`
	RetryCount int                 `json:"retryCount"`
	MaxRetries int                 `json:"maxRetries"`
	WorkerID   string              `json:"workerId,omitempty"`
	Error      string              `json:"error,omitempty"`
	Result     *SegmentationResult `json:"result,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
	StartedAt  *time.Time          `json:"startedAt,omitempty"`
	FinishedAt *time.Time          `json:"finishedAt,omitempty"`
}

// NewQueueItem creates a queued item for a validated request.
// The sequence number is assigned by the store at submission time.
func NewQueueItem(req JobRequest, maxRetries int) (*QueueItem, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	now := time.Now().UTC()
	return &QueueItem{
		ID:         uuid.New(),
		ProjectID:  req.ProjectID,
		ImageID:    req.ImageID,
		UserID:     req.UserID,
		Params:     req.Params,
		Status:     StatusQueued,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Validate checks if the QueueItem has valid data.
func (q *QueueItem) Validate() error {
	if q.ID == uuid.Nil {
		return NewValidationError("id", "cannot be empty")
	}
	if !q.Status.IsValid() {
		return NewValidationError("status", "unknown status "+string(q.Status))
	}
	if q.RetryCount < 0 || q.RetryCount > q.MaxRetries {
		return NewValidationError("retryCount", "out of range")
	}
	return JobRequest{
		ProjectID: q.ProjectID,
		ImageID:   q.ImageID,
		UserID:    q.UserID,
		Params:    q.Params,
	}.Validate()
}

// CanRetry reports whether a transient failure may send the item back to queued.
func (q *QueueItem) CanRetry() bool {
	return q.RetryCount < q.MaxRetries
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (q *QueueItem) Clone() *QueueItem {
	if q == nil {
		return nil
	}
	c := *q
	if q.StartedAt != nil {
		t := *q.StartedAt
		c.StartedAt = &t
	}
	if q.FinishedAt != nil {
		t := *q.FinishedAt
		c.FinishedAt = &t
	}
	c.Result = q.Result.Clone()
	return &c
}

// ProjectQueueView aggregates item counts of one project by status.
type ProjectQueueView struct {
	ProjectID  uuid.UUID `json:"projectId"`
	Queued     int       `json:"queued"`
	Processing int       `json:"processing"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Cancelled  int       `json:"cancelled"`
	Total      int       `json:"total"`
}

// NewProjectQueueView counts items by status.
func NewProjectQueueView(projectID uuid.UUID, items []*QueueItem) ProjectQueueView {
	view := ProjectQueueView{ProjectID: projectID}
	for _, item := range items {
		view.Add(item.Status, 1)
	}
	return view
}

// Add adjusts the counter for status by delta.
func (v *ProjectQueueView) Add(status Status, delta int) {
	switch status {
	case StatusQueued:
		v.Queued += delta
	case StatusProcessing:
		v.Processing += delta
	case StatusCompleted:
		v.Completed += delta
	case StatusFailed:
		v.Failed += delta
	case StatusCancelled:
		v.Cancelled += delta
	default:
		return
	}
	v.Total += delta
}

// Outstanding is the number of non-terminal items.
func (v ProjectQueueView) Outstanding() int {
	return v.Queued + v.Processing
}
