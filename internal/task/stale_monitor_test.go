package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/mocks"
	"github.com/phrazzld/segqueue/internal/platform/logger"
	"github.com/phrazzld/segqueue/internal/service/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScheduler never has work and counts reap calls.
type fakeScheduler struct {
	reaps   atomic.Int32
	reapErr error
	ages    chan time.Duration
}

func (f *fakeScheduler) Claim(ctx context.Context, workerID string) (*domain.QueueItem, error) {
	return nil, nil
}

func (f *fakeScheduler) Report(ctx context.Context, outcome queue.Outcome) error {
	return nil
}

func (f *fakeScheduler) ReapStale(ctx context.Context, age time.Duration) (int, error) {
	f.reaps.Add(1)
	if f.ages != nil {
		select {
		case f.ages <- age:
		default:
		}
	}
	return 0, f.reapErr
}

func (f *fakeScheduler) Ready() <-chan struct{} {
	return nil
}

func TestStaleItemMonitor_ReapsPeriodically(t *testing.T) {
	log, _ := logger.GetTestLogger(t)
	scheduler := &fakeScheduler{ages: make(chan time.Duration, 1)}
	pool := NewWorkerPool(scheduler, &mocks.MockInferenceClient{}, WorkerPoolConfig{
		WorkerCount:        1,
		StaleItemAge:       7 * time.Minute,
		StaleCheckInterval: 5 * time.Millisecond,
	}, log)

	require.NoError(t, pool.Start())
	defer pool.Stop()

	assert.Equal(t, 7*time.Minute, <-scheduler.ages, "startup recovery uses the stale age")
	assert.Eventually(t, func() bool { return scheduler.reaps.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_StartFailsWhenRecoveryFails(t *testing.T) {
	log, _ := logger.GetTestLogger(t)
	scheduler := &fakeScheduler{reapErr: errors.New("database is down")}
	pool := NewWorkerPool(scheduler, &mocks.MockInferenceClient{}, WorkerPoolConfig{WorkerCount: 1}, log)

	err := pool.Start()
	assert.ErrorContains(t, err, "database is down")
	pool.Stop()
}
