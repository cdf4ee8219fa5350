package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/store"
)

// JobStore keeps queue items in maps guarded by a mutex.
type JobStore struct {
	mu        sync.RWMutex
	items     map[uuid.UUID]*domain.QueueItem
	sequences map[uuid.UUID]int64

	// FailWith, when set, is returned by every operation. Tests use it to
	// simulate an unreachable database.
	FailWith error
}

// Ensure JobStore implements store.JobStore interface
var _ store.JobStore = (*JobStore)(nil)

// NewJobStore creates an empty in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{
		items:     make(map[uuid.UUID]*domain.QueueItem),
		sequences: make(map[uuid.UUID]int64),
	}
}

func (s *JobStore) fail() error {
	if s.FailWith != nil {
		return s.FailWith
	}
	return nil
}

// Create implements store.JobStore.Create
func (s *JobStore) Create(ctx context.Context, item *domain.QueueItem) error {
	if err := s.fail(); err != nil {
		return err
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("%w: queue item %s", store.ErrDuplicate, item.ID)
	}
	s.items[item.ID] = item.Clone()
	return nil
}

// Get implements store.JobStore.Get
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, store.ErrQueueItemNotFound
	}
	return item.Clone(), nil
}

// GetByProject implements store.JobStore.GetByProject
func (s *JobStore) GetByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.QueueItem, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(item *domain.QueueItem) bool {
		return item.ProjectID == projectID
	}), nil
}

// ConditionalUpdateStatus implements store.JobStore.ConditionalUpdateStatus
func (s *JobStore) ConditionalUpdateStatus(
	ctx context.Context,
	id uuid.UUID,
	expected, next domain.Status,
	fields store.StatusFields,
) (bool, error) {
	if err := s.fail(); err != nil {
		return false, err
	}
	if err := store.CheckTransition(expected, next); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.Status != expected || !fields.Matches(item) {
		return false, nil
	}

	item.Status = next
	fields.Apply(item)
	item.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ReserveSequence implements store.JobStore.ReserveSequence
func (s *JobStore) ReserveSequence(ctx context.Context, projectID uuid.UUID, n int) (int64, error) {
	if err := s.fail(); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: sequence block size must be positive", store.ErrInvalidEntity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.sequences[projectID] + 1
	s.sequences[projectID] += int64(n)
	return first, nil
}

// CountOutstanding implements store.JobStore.CountOutstanding
func (s *JobStore) CountOutstanding(ctx context.Context, projectID uuid.UUID) (int, error) {
	if err := s.fail(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, item := range s.items {
		if projectID != uuid.Nil && item.ProjectID != projectID {
			continue
		}
		if !item.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

// ListQueuedProjects implements store.JobStore.ListQueuedProjects
func (s *JobStore) ListQueuedProjects(ctx context.Context) ([]uuid.UUID, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	seen := make(map[uuid.UUID]struct{})
	for _, item := range s.items {
		if item.Status == domain.StatusQueued {
			seen[item.ProjectID] = struct{}{}
		}
	}
	s.mu.RUnlock()

	projects := make([]uuid.UUID, 0, len(seen))
	for id := range seen {
		projects = append(projects, id)
	}
	sort.Slice(projects, func(i, j int) bool {
		return bytes.Compare(projects[i][:], projects[j][:]) < 0
	})
	return projects, nil
}

// ListQueued implements store.JobStore.ListQueued
func (s *JobStore) ListQueued(ctx context.Context, projectID uuid.UUID, limit int) ([]*domain.QueueItem, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.collect(func(item *domain.QueueItem) bool {
		return item.ProjectID == projectID && item.Status == domain.StatusQueued
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// ListProcessingStartedBefore implements store.JobStore.ListProcessingStartedBefore
func (s *JobStore) ListProcessingStartedBefore(ctx context.Context, cutoff time.Time) ([]*domain.QueueItem, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(item *domain.QueueItem) bool {
		return item.Status == domain.StatusProcessing &&
			item.StartedAt != nil && item.StartedAt.Before(cutoff)
	}), nil
}

// collect returns clones of matching items ordered by sequence. Callers hold the lock.
func (s *JobStore) collect(match func(*domain.QueueItem) bool) []*domain.QueueItem {
	items := make([]*domain.QueueItem, 0)
	for _, item := range s.items {
		if match(item) {
			items = append(items, item.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Sequence != items[j].Sequence {
			return items[i].Sequence < items[j].Sequence
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

// Len returns the number of stored items.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
