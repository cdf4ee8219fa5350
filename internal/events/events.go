package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/segqueue/internal/domain"
)

// Type names an event kind on the wire.
type Type string

// Event types
const (
	// TypeItemUpdated reports new or changed items. A batch submission is
	// one event carrying every admitted item.
	TypeItemUpdated Type = "item.updated"

	// TypeBatchCancelled reports all items cancelled by one CancelBatch call.
	TypeBatchCancelled Type = "batch.cancelled"
)

// ItemState is the part of a QueueItem that clients need to refresh their view.
type ItemState struct {
	ID         uuid.UUID     `json:"id"`
	ImageID    uuid.UUID     `json:"imageId"`
	UserID     uuid.UUID     `json:"userId"`
	Status     domain.Status `json:"status"`
	Sequence   int64         `json:"sequence"`
	RetryCount int           `json:"retryCount"`
	Error      string        `json:"error,omitempty"`
}

// StateOf extracts the client-facing fields of item.
func StateOf(item *domain.QueueItem) ItemState {
	return ItemState{
		ID:         item.ID,
		ImageID:    item.ImageID,
		UserID:     item.UserID,
		Status:     item.Status,
		Sequence:   item.Sequence,
		RetryCount: item.RetryCount,
		Error:      item.Error,
	}
}

// Event is one notification for the subscribers of a project.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Type      Type        `json:"type"`
	ProjectID uuid.UUID   `json:"projectId"`
	Items     []ItemState `json:"items"`
	Timestamp time.Time   `json:"timestamp"`

	// OriginActionID identifies the client request that caused the event.
	// Empty for transitions made by workers.
	OriginActionID string `json:"originActionId,omitempty"`

	// Queue is the project's counts right after the change, when known.
	Queue *domain.ProjectQueueView `json:"queue,omitempty"`
}

// NewItemsUpdated builds one aggregate event for items of a single project.
func NewItemsUpdated(projectID uuid.UUID, items []*domain.QueueItem, originActionID string) Event {
	states := make([]ItemState, 0, len(items))
	for _, item := range items {
		states = append(states, StateOf(item))
	}
	return Event{
		ID:             uuid.New(),
		Type:           TypeItemUpdated,
		ProjectID:      projectID,
		Items:          states,
		Timestamp:      time.Now().UTC(),
		OriginActionID: originActionID,
	}
}

// NewBatchCancelled builds the single event emitted for a batch cancellation.
func NewBatchCancelled(projectID uuid.UUID, items []*domain.QueueItem, originActionID string) Event {
	event := NewItemsUpdated(projectID, items, originActionID)
	event.Type = TypeBatchCancelled
	return event
}

// ItemIDs returns the ids of the items carried by the event.
func (e Event) ItemIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(e.Items))
	for i, item := range e.Items {
		ids[i] = item.ID
	}
	return ids
}

// Topic returns the broadcast topic of a project.
func Topic(projectID uuid.UUID) string {
	return "project:" + projectID.String()
}

// Transport delivers an event to every subscriber of topic. Delivery to
// individual connections is the transport's concern.
type Transport interface {
	Broadcast(ctx context.Context, topic string, event Event) error
}
