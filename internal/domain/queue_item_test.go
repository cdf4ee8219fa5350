package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() JobRequest {
	return JobRequest{
		ProjectID: uuid.New(),
		ImageID:   uuid.New(),
		UserID:    uuid.New(),
		Params:    DefaultJobParams(),
	}
}

func TestNewQueueItem(t *testing.T) {
	t.Parallel()

	req := validRequest()
	item, err := NewQueueItem(req, 3)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, item.ID)
	assert.Equal(t, StatusQueued, item.Status)
	assert.Equal(t, req.ProjectID, item.ProjectID)
	assert.Equal(t, 3, item.MaxRetries)
	assert.Zero(t, item.RetryCount)
	assert.Nil(t, item.StartedAt)
	assert.Nil(t, item.FinishedAt)
	assert.WithinDuration(t, time.Now(), item.CreatedAt, 2*time.Second)
	assert.NoError(t, item.Validate())
}

func TestNewQueueItemRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	req := validRequest()
	req.UserID = uuid.Nil
	_, err := NewQueueItem(req, 3)
	assert.True(t, errors.Is(err, ErrValidation))

	req = validRequest()
	req.Params.Model = "mask-rcnn"
	_, err = NewQueueItem(req, 3)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestQueueItemCanRetry(t *testing.T) {
	t.Parallel()

	item, err := NewQueueItem(validRequest(), 2)
	require.NoError(t, err)

	assert.True(t, item.CanRetry())
	item.RetryCount = 2
	assert.False(t, item.CanRetry())
}

func TestQueueItemClone(t *testing.T) {
	t.Parallel()

	item, err := NewQueueItem(validRequest(), 1)
	require.NoError(t, err)
	started := time.Now().UTC()
	item.StartedAt = &started
	item.Result = &SegmentationResult{Polygons: []Polygon{{
		Points: []Point{{X: 1, Y: 2}, {X: 3, Y: 4}, {X: 5, Y: 1}},
		Area:   1,
	}}}

	c := item.Clone()
	c.Result.Polygons[0].Area = 42
	c.Result.Polygons[0].Points[0].X = 99
	c.Result.Polygons[0].Points = append(c.Result.Polygons[0].Points, Point{X: 7, Y: 7})
	*c.StartedAt = started.Add(time.Hour)

	assert.Equal(t, 1.0, item.Result.Polygons[0].Area)
	assert.Equal(t, 1.0, item.Result.Polygons[0].Points[0].X, "points must not be shared")
	assert.Len(t, item.Result.Polygons[0].Points, 3)
	assert.Equal(t, started, *item.StartedAt)

	var empty *QueueItem
	assert.Nil(t, empty.Clone())
	assert.Nil(t, (*SegmentationResult)(nil).Clone())
}

func TestProjectQueueView(t *testing.T) {
	t.Parallel()

	projectID := uuid.New()
	items := []*QueueItem{
		{Status: StatusQueued},
		{Status: StatusQueued},
		{Status: StatusProcessing},
		{Status: StatusCancelled},
	}

	view := NewProjectQueueView(projectID, items)
	assert.Equal(t, 2, view.Queued)
	assert.Equal(t, 1, view.Processing)
	assert.Equal(t, 1, view.Cancelled)
	assert.Equal(t, 4, view.Total)
	assert.Equal(t, 3, view.Outstanding())
}
