//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/platform/postgres"
	"github.com/phrazzld/segqueue/internal/store"
	"github.com/phrazzld/segqueue/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createItem(t *testing.T, s store.JobStore, projectID, userID uuid.UUID) *domain.QueueItem {
	t.Helper()
	ctx := context.Background()

	item, err := domain.NewQueueItem(domain.JobRequest{
		ProjectID: projectID,
		ImageID:   uuid.New(),
		UserID:    userID,
		Params:    domain.DefaultJobParams(),
	}, 2)
	require.NoError(t, err)

	seq, err := s.ReserveSequence(ctx, projectID, 1)
	require.NoError(t, err)
	item.Sequence = seq
	require.NoError(t, s.Create(ctx, item))
	return item
}

func TestPostgresJobStore_CreateGet(t *testing.T) {
	db := testdb.GetTestDBWithT(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		s := postgres.NewPostgresJobStore(tx, nil)
		item := createItem(t, s, uuid.New(), uuid.New())

		got, err := s.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, item.ID, got.ID)
		assert.Equal(t, item.ProjectID, got.ProjectID)
		assert.Equal(t, domain.StatusQueued, got.Status)
		assert.Equal(t, domain.ModelHRNet, got.Params.Model)
		assert.InDelta(t, 0.5, got.Params.Threshold, 1e-9)
		assert.True(t, got.Params.DetectHoles)
		assert.Nil(t, got.StartedAt)

		_, err = s.Get(ctx, uuid.New())
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})
}

func TestPostgresJobStore_ConditionalUpdateStatus(t *testing.T) {
	db := testdb.GetTestDBWithT(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		s := postgres.NewPostgresJobStore(tx, nil)
		item := createItem(t, s, uuid.New(), uuid.New())

		now := time.Now().UTC()
		worker := "worker-1"
		ok, err := s.ConditionalUpdateStatus(ctx, item.ID, domain.StatusQueued, domain.StatusProcessing,
			store.StatusFields{StartedAt: &now, WorkerID: &worker})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ConditionalUpdateStatus(ctx, item.ID, domain.StatusQueued, domain.StatusCancelled, store.StatusFields{})
		require.NoError(t, err)
		assert.False(t, ok, "cancel must lose once the item is processing")

		other := "worker-2"
		ok, err = s.ConditionalUpdateStatus(ctx, item.ID, domain.StatusProcessing, domain.StatusQueued,
			store.StatusFields{ExpectedWorker: &other})
		require.NoError(t, err)
		assert.False(t, ok, "a worker that does not hold the item cannot settle it")

		result := &domain.SegmentationResult{
			Polygons:  []domain.Polygon{{Points: []domain.Point{{X: 1, Y: 2}, {X: 3, Y: 4}, {X: 5, Y: 1}}, Area: 4}},
			ModelUsed: string(domain.ModelHRNet),
		}
		finished := time.Now().UTC()
		ok, err = s.ConditionalUpdateStatus(ctx, item.ID, domain.StatusProcessing, domain.StatusCompleted,
			store.StatusFields{FinishedAt: &finished, Result: result, ExpectedWorker: &worker})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.Equal(t, "worker-1", got.WorkerID)
		require.NotNil(t, got.Result)
		assert.Len(t, got.Result.Polygons, 1)
		require.NotNil(t, got.FinishedAt)

		_, err = s.ConditionalUpdateStatus(ctx, item.ID, domain.StatusCompleted, domain.StatusQueued, store.StatusFields{})
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	})
}

func TestPostgresJobStore_SequencesAndListings(t *testing.T) {
	db := testdb.GetTestDBWithT(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		s := postgres.NewPostgresJobStore(tx, nil)
		projectID := uuid.New()

		first, err := s.ReserveSequence(ctx, projectID, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(1), first)
		first, err = s.ReserveSequence(ctx, projectID, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(4), first)

		a := createItem(t, s, projectID, uuid.New())
		b := createItem(t, s, projectID, uuid.New())

		queued, err := s.ListQueued(ctx, projectID, 10)
		require.NoError(t, err)
		require.Len(t, queued, 2)
		assert.Equal(t, a.ID, queued[0].ID)
		assert.Equal(t, b.ID, queued[1].ID)

		count, err := s.CountOutstanding(ctx, projectID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		projects, err := s.ListQueuedProjects(ctx)
		require.NoError(t, err)
		assert.Contains(t, projects, projectID)
	})
}

// TestPostgresJobStore_NoDoubleClaim races several connections against the
// same rows; the conditional UPDATE must let exactly one claim per item win.
func TestPostgresJobStore_NoDoubleClaim(t *testing.T) {
	db := testdb.GetTestDBWithT(t)
	ctx := context.Background()
	s := postgres.NewPostgresJobStore(db, nil)

	const workers, items = 8, 40
	projectID := uuid.New()
	ids := make([]uuid.UUID, items)
	for i := range ids {
		ids[i] = createItem(t, s, projectID, uuid.New()).ID
	}
	t.Cleanup(func() {
		_, _ = db.Exec(`DELETE FROM queue_items WHERE project_id = $1`, projectID)
		_, _ = db.Exec(`DELETE FROM project_sequences WHERE project_id = $1`, projectID)
	})

	var claims atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range ids {
				ok, err := s.ConditionalUpdateStatus(ctx, id, domain.StatusQueued, domain.StatusProcessing, store.StatusFields{})
				if err == nil && ok {
					claims.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(items), claims.Load())
}
