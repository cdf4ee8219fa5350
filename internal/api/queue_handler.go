package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/phrazzld/segqueue/internal/api/shared"
	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/platform/logger"
	"github.com/phrazzld/segqueue/internal/service/queue"
)

// QueueService is the part of the queue service the HTTP layer uses.
type QueueService interface {
	Submit(ctx context.Context, req domain.JobRequest, actionID string) (*domain.QueueItem, error)
	SubmitBatch(ctx context.Context, reqs []domain.JobRequest, actionID string) ([]queue.SubmitResult, error)
	CancelBatch(ctx context.Context, projectID, userID uuid.UUID, actionID string) (*queue.CancelResult, error)
	GetProjectQueue(ctx context.Context, projectID uuid.UUID) ([]*domain.QueueItem, error)
	ProjectView(ctx context.Context, projectID uuid.UUID) (domain.ProjectQueueView, error)
}

var _ QueueService = (*queue.Service)(nil)

// QueueHandler handles the segmentation queue endpoints of a project.
type QueueHandler struct {
	queueService QueueService
	logger       *slog.Logger
}

// NewQueueHandler creates a new QueueHandler
func NewQueueHandler(queueService QueueService, logger *slog.Logger) *QueueHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for QueueHandler")
	}
	return &QueueHandler{
		queueService: queueService,
		logger:       logger.With(slog.String("component", "queue_handler")),
	}
}

// Submit handles POST /api/projects/{projectID}/queue.
// The item is processed asynchronously, so the response is 202 Accepted.
func (h *QueueHandler) Submit(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, projectID, ok := handleUserIDAndPathUUID(w, r, projectIDParam, log)
	if !ok {
		return
	}

	var req SubmitRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	jobReq, err := req.toJobRequest(projectID, userID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	item, err := h.queueService.Submit(r.Context(), jobReq, shared.GetActionID(r.Context()))
	if err != nil {
		HandleAPIError(w, r, err, "Failed to queue image")
		return
	}

	log.Debug("image queued",
		slog.String("item_id", item.ID.String()),
		slog.Int64("sequence", item.Sequence))

	w.Header().Set(shared.ActionIDHeader, shared.GetActionID(r.Context()))
	shared.RespondWithJSON(w, r, http.StatusAccepted, item)
}

// SubmitBatch handles POST /api/projects/{projectID}/queue/batch.
// Every entry is reported separately; the request as a whole only fails
// when nothing could be stored.
func (h *QueueHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, projectID, ok := handleUserIDAndPathUUID(w, r, projectIDParam, log)
	if !ok {
		return
	}

	var req BatchSubmitRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	response := BatchSubmitResponse{Results: make([]BatchItemResult, len(req.Items))}
	jobReqs := make([]domain.JobRequest, 0, len(req.Items))
	positions := make([]int, 0, len(req.Items))
	for i, entry := range req.Items {
		response.Results[i].Index = i
		jobReq, err := entry.toJobRequest(projectID, userID)
		if err != nil {
			response.Results[i].Error = GetSafeErrorMessage(err)
			continue
		}
		jobReqs = append(jobReqs, jobReq)
		positions = append(positions, i)
	}

	if len(jobReqs) > 0 {
		results, err := h.queueService.SubmitBatch(r.Context(), jobReqs, shared.GetActionID(r.Context()))
		if err != nil {
			HandleAPIError(w, r, err, "Failed to queue images")
			return
		}
		for _, res := range results {
			out := &response.Results[positions[res.Index]]
			if res.Err != nil {
				out.Error = GetSafeErrorMessage(res.Err)
				continue
			}
			out.Item = res.Item
		}
	}

	for _, res := range response.Results {
		if res.Error != "" {
			response.Rejected++
		} else {
			response.Accepted++
		}
	}

	log.Debug("batch queued",
		slog.Int("accepted", response.Accepted),
		slog.Int("rejected", response.Rejected))

	w.Header().Set(shared.ActionIDHeader, shared.GetActionID(r.Context()))
	shared.RespondWithJSON(w, r, http.StatusOK, response)
}

// Cancel handles POST /api/projects/{projectID}/queue/cancel.
// It cancels every queued item of the caller in the project. Items already
// processing or finished are listed as failures, not reported as an error.
func (h *QueueHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	userID, projectID, ok := handleUserIDAndPathUUID(w, r, projectIDParam, log)
	if !ok {
		return
	}

	result, err := h.queueService.CancelBatch(r.Context(), projectID, userID, shared.GetActionID(r.Context()))
	if err != nil {
		if result != nil && result.CancelledCount > 0 {
			log.Warn("cancellation stopped partway", "cancelled", result.CancelledCount)
		}
		HandleAPIError(w, r, err, "Failed to cancel queue items")
		return
	}

	w.Header().Set(shared.ActionIDHeader, shared.GetActionID(r.Context()))
	shared.RespondWithJSON(w, r, http.StatusOK, result)
}

// List handles GET /api/projects/{projectID}/queue.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	_, projectID, ok := handleUserIDAndPathUUID(w, r, projectIDParam, log)
	if !ok {
		return
	}

	items, err := h.queueService.GetProjectQueue(r.Context(), projectID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load queue")
		return
	}
	if items == nil {
		items = []*domain.QueueItem{}
	}

	shared.RespondWithJSON(w, r, http.StatusOK, QueueListResponse{ProjectID: projectID, Items: items})
}

// Stats handles GET /api/projects/{projectID}/queue/stats.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	_, projectID, ok := handleUserIDAndPathUUID(w, r, projectIDParam, log)
	if !ok {
		return
	}

	view, err := h.queueService.ProjectView(r.Context(), projectID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load queue statistics")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, view)
}
