package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newItem(t *testing.T, s *JobStore, projectID uuid.UUID) *domain.QueueItem {
	t.Helper()

	item, err := domain.NewQueueItem(domain.JobRequest{
		ProjectID: projectID,
		ImageID:   uuid.New(),
		UserID:    uuid.New(),
		Params:    domain.DefaultJobParams(),
	}, 2)
	require.NoError(t, err)

	seq, err := s.ReserveSequence(context.Background(), projectID, 1)
	require.NoError(t, err)
	item.Sequence = seq
	require.NoError(t, s.Create(context.Background(), item))
	return item
}

func TestJobStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()
	item := newItem(t, s, uuid.New())

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, domain.StatusQueued, got.Status)

	// Returned values are copies
	got.Status = domain.StatusFailed
	again, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, again.Status)

	err = s.Create(ctx, item)
	assert.True(t, errors.Is(err, store.ErrDuplicate))

	_, err = s.Get(ctx, uuid.New())
	assert.True(t, store.IsNotFoundError(err))
}

func TestJobStore_ConditionalUpdateStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()
	item := newItem(t, s, uuid.New())
	now := time.Now().UTC()
	worker := "w-1"

	ok, err := s.ConditionalUpdateStatus(ctx, item.ID, domain.StatusQueued, domain.StatusProcessing,
		store.StatusFields{StartedAt: &now, WorkerID: &worker})
	require.NoError(t, err)
	assert.True(t, ok)

	// Precondition no longer holds
	ok, err = s.ConditionalUpdateStatus(ctx, item.ID, domain.StatusQueued, domain.StatusCancelled, store.StatusFields{})
	require.NoError(t, err)
	assert.False(t, ok)

	// Not an edge of the state machine
	_, err = s.ConditionalUpdateStatus(ctx, item.ID, domain.StatusQueued, domain.StatusCompleted, store.StatusFields{})
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	// Unknown item
	ok, err = s.ConditionalUpdateStatus(ctx, uuid.New(), domain.StatusQueued, domain.StatusProcessing, store.StatusFields{})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, "w-1", got.WorkerID)
	require.NotNil(t, got.StartedAt)
}

func TestJobStore_ConditionalUpdateStatusExpectedWorker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()
	item := newItem(t, s, uuid.New())
	now := time.Now().UTC()
	owner, other := "w-1", "w-2"

	ok, err := s.ConditionalUpdateStatus(ctx, item.ID, domain.StatusQueued, domain.StatusProcessing,
		store.StatusFields{StartedAt: &now, WorkerID: &owner})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ConditionalUpdateStatus(ctx, item.ID, domain.StatusProcessing, domain.StatusCompleted,
		store.StatusFields{FinishedAt: &now, ExpectedWorker: &other})
	require.NoError(t, err)
	assert.False(t, ok, "only the holding worker may settle the item")

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, owner, got.WorkerID, "the precondition is not written")

	ok, err = s.ConditionalUpdateStatus(ctx, item.ID, domain.StatusProcessing, domain.StatusCompleted,
		store.StatusFields{FinishedAt: &now, ExpectedWorker: &owner})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobStore_ReserveSequence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()
	p1, p2 := uuid.New(), uuid.New()

	first, err := s.ReserveSequence(ctx, p1, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	first, err = s.ReserveSequence(ctx, p1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), first)

	first, err = s.ReserveSequence(ctx, p2, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	_, err = s.ReserveSequence(ctx, p2, 0)
	assert.Error(t, err)
}

func TestJobStore_QueuedListingsAndCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()
	p1, p2 := uuid.New(), uuid.New()

	a := newItem(t, s, p1)
	newItem(t, s, p1)
	newItem(t, s, p2)

	ok, err := s.ConditionalUpdateStatus(ctx, a.ID, domain.StatusQueued, domain.StatusCancelled, store.StatusFields{})
	require.NoError(t, err)
	require.True(t, ok)

	queued, err := s.ListQueued(ctx, p1, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, int64(2), queued[0].Sequence)

	projects, err := s.ListQueuedProjects(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{p1, p2}, projects)

	count, err := s.CountOutstanding(ctx, p1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = s.CountOutstanding(ctx, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestJobStore_ListProcessingStartedBefore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewJobStore()
	item := newItem(t, s, uuid.New())
	old := time.Now().UTC().Add(-time.Hour)

	ok, err := s.ConditionalUpdateStatus(ctx, item.ID, domain.StatusQueued, domain.StatusProcessing,
		store.StatusFields{StartedAt: &old})
	require.NoError(t, err)
	require.True(t, ok)

	stale, err := s.ListProcessingStartedBefore(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, item.ID, stale[0].ID)

	stale, err = s.ListProcessingStartedBefore(ctx, old.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestJobStore_FailWith(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	s.FailWith = store.ErrUnavailable

	_, err := s.GetByProject(context.Background(), uuid.New())
	assert.True(t, store.IsUnavailableError(err))
}

// TestJobStore_NoDoubleClaim races workers against the same items; every
// item must be claimed exactly once.
func TestJobStore_NoDoubleClaim(t *testing.T) {
	t.Parallel()

	const workers, items = 16, 200

	ctx := context.Background()
	s := NewJobStore()
	projectID := uuid.New()
	ids := make([]uuid.UUID, items)
	for i := range ids {
		ids[i] = newItem(t, s, projectID).ID
	}

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

// TestJobStore_ClaimCancelRace races a claim and a cancel on one item.
func TestJobStore_ClaimCancelRace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		s := NewJobStore()
		item := newItem(t, s, uuid.New())

		var claimed, cancelled bool
		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			claimed, _ = s.ConditionalUpdateStatus(ctx, item.ID, domain.StatusQueued, domain.StatusProcessing, store.StatusFields{})
		}()
		go func() {
			defer wg.Done()
			<-start
			cancelled, _ = s.ConditionalUpdateStatus(ctx, item.ID, domain.StatusQueued, domain.StatusCancelled, store.StatusFields{})
		}()
		close(start)
		wg.Wait()

		require.True(t, claimed != cancelled, "exactly one of claim and cancel must win")
	}
}
