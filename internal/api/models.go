package api

import (
	"github.com/google/uuid"
	"github.com/phrazzld/segqueue/internal/domain"
)

// MaxBatchSize bounds the number of items in one batch submission.
const MaxBatchSize = 1000

// SubmitRequest is the payload for queueing one image. Omitted parameters
// take the defaults of domain.DefaultJobParams.
type SubmitRequest struct {
	ImageID     uuid.UUID `json:"imageId"`
	Model       string    `json:"model,omitempty"`
	Threshold   *float64  `json:"threshold,omitempty"   validate:"omitempty,gte=0,lte=1"`
	DetectHoles *bool     `json:"detectHoles,omitempty"`
}

// BatchSubmitRequest is the payload for queueing several images at once.
type BatchSubmitRequest struct {
	Items []SubmitRequest `json:"items" validate:"required,min=1,max=1000,dive"`
}

// BatchItemResult reports one entry of a batch submission.
type BatchItemResult struct {
	Index int               `json:"index"`
	Item  *domain.QueueItem `json:"item,omitempty"`
	Error string            `json:"error,omitempty"`
}

// BatchSubmitResponse is returned by the batch endpoint.
type BatchSubmitResponse struct {
	Accepted int               `json:"accepted"`
	Rejected int               `json:"rejected"`
	Results  []BatchItemResult `json:"results"`
}

// QueueListResponse is returned when listing a project's queue.
type QueueListResponse struct {
	ProjectID uuid.UUID           `json:"projectId"`
	Items     []*domain.QueueItem `json:"items"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// toJobRequest builds the domain request for req in projectID on behalf of userID.
func (req SubmitRequest) toJobRequest(projectID, userID uuid.UUID) (domain.JobRequest, error) {
	params := domain.DefaultJobParams()

	model, err := domain.ParseModel(req.Model)
	if err != nil {
		return domain.JobRequest{}, err
	}
	params.Model = model
	if req.Threshold != nil {
		params.Threshold = *req.Threshold
	}
	if req.DetectHoles != nil {
		params.DetectHoles = *req.DetectHoles
	}

	return domain.JobRequest{
		ProjectID: projectID,
		ImageID:   req.ImageID,
		UserID:    userID,
		Params:    params,
	}, nil
}
