package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/segqueue/internal/api/shared"
	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/events"
	"github.com/phrazzld/segqueue/internal/service/queue"
	"github.com/phrazzld/segqueue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueHandler_Submit(t *testing.T) {
	env := newTestEnv(t, queue.Config{})
	userID, projectID, imageID := uuid.New(), uuid.New(), uuid.New()

	rr := env.do(t, http.MethodPost, queuePath(projectID, ""), userID,
		map[string]interface{}{"imageId": imageID}, shared.ActionIDHeader, "action-1")

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, "action-1", rr.Header().Get(shared.ActionIDHeader))

	item := decode[domain.QueueItem](t, rr)
	assert.Equal(t, projectID, item.ProjectID)
	assert.Equal(t, imageID, item.ImageID)
	assert.Equal(t, userID, item.UserID)
	assert.Equal(t, domain.StatusQueued, item.Status)
	assert.Equal(t, int64(1), item.Sequence)
	assert.Equal(t, domain.DefaultJobParams(), item.Params)

	published := env.notifier.EventsOfType(events.TypeItemUpdated)
	require.Len(t, published, 1)
	assert.Equal(t, "action-1", published[0].OriginActionID)
}

func TestQueueHandler_SubmitWithParams(t *testing.T) {
	env := newTestEnv(t, queue.Config{})
	userID, projectID := uuid.New(), uuid.New()

	rr := env.do(t, http.MethodPost, queuePath(projectID, ""), userID, map[string]interface{}{
		"imageId":     uuid.New(),
		"model":       "ResUNet_Small",
		"threshold":   0.8,
		"detectHoles": false,
	})

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	item := decode[domain.QueueItem](t, rr)
	assert.Equal(t, domain.JobParams{Model: domain.ModelResUNetSmall, Threshold: 0.8, DetectHoles: false}, item.Params)
	assert.NotEmpty(t, rr.Header().Get(shared.ActionIDHeader), "generated when the client sends none")
}

func TestQueueHandler_SubmitRejected(t *testing.T) {
	userID, projectID := uuid.New(), uuid.New()

	tests := []struct {
		name       string
		path       string
		user       uuid.UUID
		body       interface{}
		wantStatus int
		wantError  string
	}{
		{
			name:       "unknown model",
			path:       queuePath(projectID, ""),
			user:       userID,
			body:       map[string]interface{}{"imageId": uuid.New(), "model": "unet9000"},
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid model",
		},
		{
			name:       "threshold out of range",
			path:       queuePath(projectID, ""),
			user:       userID,
			body:       map[string]interface{}{"imageId": uuid.New(), "threshold": 1.5},
			wantStatus: http.StatusBadRequest,
			wantError:  "Threshold",
		},
		{
			name:       "missing image",
			path:       queuePath(projectID, ""),
			user:       userID,
			body:       map[string]interface{}{"model": "hrnet"},
			wantStatus: http.StatusBadRequest,
			wantError:  "imageId",
		},
		{
			name:       "malformed body",
			path:       queuePath(projectID, ""),
			user:       userID,
			body:       `{"imageId":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid request format",
		},
		{
			name:       "invalid project id",
			path:       "/api/projects/not-a-uuid/queue",
			user:       userID,
			body:       map[string]interface{}{"imageId": uuid.New()},
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid ID: projectID",
		},
		{
			name:       "no credentials",
			path:       queuePath(projectID, ""),
			body:       map[string]interface{}{"imageId": uuid.New()},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, queue.Config{})
			rr := env.do(t, http.MethodPost, tc.path, tc.user, tc.body)

			assert.Equal(t, tc.wantStatus, rr.Code, rr.Body.String())
			if tc.wantError != "" {
				assert.Contains(t, decode[shared.ErrorResponse](t, rr).Error, tc.wantError)
			}
			assert.Equal(t, 0, env.store.Len())
		})
	}
}

func TestQueueHandler_SubmitQueueFull(t *testing.T) {
	env := newTestEnv(t, queue.Config{MaxPerProject: 1})
	userID, projectID := uuid.New(), uuid.New()

	rr := env.do(t, http.MethodPost, queuePath(projectID, ""), userID, map[string]interface{}{"imageId": uuid.New()})
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = env.do(t, http.MethodPost, queuePath(projectID, ""), userID, map[string]interface{}{"imageId": uuid.New()})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Contains(t, decode[shared.ErrorResponse](t, rr).Error, "project limit of 1")
}

func TestQueueHandler_SubmitStoreUnavailable(t *testing.T) {
	env := newTestEnv(t, queue.Config{})
	env.store.FailWith = store.ErrUnavailable

	rr := env.do(t, http.MethodPost, queuePath(uuid.New(), ""), uuid.New(), map[string]interface{}{"imageId": uuid.New()})

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "Service temporarily unavailable", decode[shared.ErrorResponse](t, rr).Error)
}

func TestQueueHandler_SubmitBatch(t *testing.T) {
	env := newTestEnv(t, queue.Config{})
	userID, projectID := uuid.New(), uuid.New()

	rr := env.do(t, http.MethodPost, queuePath(projectID, "/batch"), userID, map[string]interface{}{
		"items": []map[string]interface{}{
			{"imageId": uuid.New()},
			{"imageId": uuid.New(), "model": "bogus"},
			{"imageId": uuid.New(), "model": "resunet_advanced"},
		},
	}, shared.ActionIDHeader, "batch-7")

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[BatchSubmitResponse](t, rr)
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Results, 3)

	assert.Equal(t, int64(1), resp.Results[0].Item.Sequence)
	assert.Nil(t, resp.Results[1].Item)
	assert.Contains(t, resp.Results[1].Error, "Invalid model")
	assert.Equal(t, int64(2), resp.Results[2].Item.Sequence)
	assert.Equal(t, 1, resp.Results[1].Index)

	published := env.notifier.EventsOfType(events.TypeItemUpdated)
	require.Len(t, published, 1, "one event for the whole batch")
	assert.Len(t, published[0].Items, 2)
	assert.Equal(t, "batch-7", published[0].OriginActionID)
}

func TestQueueHandler_SubmitBatchValidation(t *testing.T) {
	env := newTestEnv(t, queue.Config{})

	rr := env.do(t, http.MethodPost, queuePath(uuid.New(), "/batch"), uuid.New(), map[string]interface{}{"items": []interface{}{}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decode[shared.ErrorResponse](t, rr).Error, "Items")
}

func TestQueueHandler_Cancel(t *testing.T) {
	env := newTestEnv(t, queue.Config{})
	owner, other, projectID := uuid.New(), uuid.New(), uuid.New()

	for i := 0; i < 3; i++ {
		rr := env.do(t, http.MethodPost, queuePath(projectID, ""), owner, map[string]interface{}{"imageId": uuid.New()})
		require.Equal(t, http.StatusAccepted, rr.Code)
	}
	rr := env.do(t, http.MethodPost, queuePath(projectID, ""), other, map[string]interface{}{"imageId": uuid.New()})
	require.Equal(t, http.StatusAccepted, rr.Code)

	claimed, err := env.svc.Claim(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, owner, claimed.UserID, "lowest sequence belongs to the owner")

	rr = env.do(t, http.MethodPost, queuePath(projectID, "/cancel"), owner, nil, shared.ActionIDHeader, "cancel-1")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	result := decode[queue.CancelResult](t, rr)
	assert.Equal(t, 2, result.CancelledCount)
	assert.Equal(t, 1, result.FailedCount)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, claimed.ID, result.Failures[0].ID)
	assert.Equal(t, queue.ReasonAlreadyProcessing, result.Failures[0].Reason)

	cancelled := env.notifier.EventsOfType(events.TypeBatchCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "cancel-1", cancelled[0].OriginActionID)
	require.NotNil(t, cancelled[0].Queue)
	assert.Equal(t, 2, cancelled[0].Queue.Cancelled)

	// The other user's item is untouched.
	view, err := env.svc.ProjectView(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Queued)
	assert.Equal(t, 1, view.Processing)
}

func TestQueueHandler_CancelNothing(t *testing.T) {
	env := newTestEnv(t, queue.Config{})

	rr := env.do(t, http.MethodPost, queuePath(uuid.New(), "/cancel"), uuid.New(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	result := decode[queue.CancelResult](t, rr)
	assert.True(t, result.NothingToCancel)
	assert.Zero(t, result.CancelledCount)
	assert.Empty(t, env.notifier.Events())
}

func TestQueueHandler_ListAndStats(t *testing.T) {
	env := newTestEnv(t, queue.Config{})
	userID, projectID := uuid.New(), uuid.New()

	rr := env.do(t, http.MethodGet, queuePath(projectID, ""), userID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[QueueListResponse](t, rr).Items)

	for i := 0; i < 3; i++ {
		env.do(t, http.MethodPost, queuePath(projectID, ""), userID, map[string]interface{}{"imageId": uuid.New()})
	}
	env.do(t, http.MethodPost, queuePath(projectID, "/cancel"), userID, nil)
	env.do(t, http.MethodPost, queuePath(projectID, ""), userID, map[string]interface{}{"imageId": uuid.New()})

	rr = env.do(t, http.MethodGet, queuePath(projectID, ""), userID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[QueueListResponse](t, rr)
	assert.Equal(t, projectID, list.ProjectID)
	require.Len(t, list.Items, 4)
	for i, item := range list.Items {
		assert.Equal(t, int64(i+1), item.Sequence)
	}

	rr = env.do(t, http.MethodGet, queuePath(projectID, "/stats"), userID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode[domain.ProjectQueueView](t, rr)
	assert.Equal(t, 1, view.Queued)
	assert.Equal(t, 3, view.Cancelled)
	assert.Equal(t, 4, view.Total)
}
