package queue

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/events"
	"github.com/phrazzld/segqueue/internal/inference"
	"github.com/phrazzld/segqueue/internal/platform/logger"
	"github.com/phrazzld/segqueue/internal/store"
)

// Notifier accepts events without blocking. events.Bridge implements it.
type Notifier interface {
	Notify(event events.Event) bool
}

// Service orchestrates submission, cancellation and claiming of queue items.
type Service struct {
	store    store.JobStore
	notifier Notifier
	cfg      Config
	logger   *slog.Logger

	// admitMu serialises the count-then-create sequence of admission control.
	admitMu sync.Mutex

	// claimMu guards the round-robin cursor.
	claimMu     sync.Mutex
	lastProject uuid.UUID

	wake     chan struct{}
	outcomes chan Outcome
	now      func() time.Time
}

// NewService creates a Service. It returns an error if a required dependency is nil.
func NewService(jobStore store.JobStore, notifier Notifier, cfg Config, logger *slog.Logger) (*Service, error) {
	if jobStore == nil {
		return nil, &ServiceError{Operation: "create_service", Message: "jobStore cannot be nil"}
	}
	if notifier == nil {
		return nil, &ServiceError{Operation: "create_service", Message: "notifier cannot be nil"}
	}
	if cfg.MaxRetries < 0 {
		return nil, &ServiceError{Operation: "create_service", Message: "maxRetries cannot be negative"}
	}
	if cfg.ClaimScanLimit <= 0 {
		cfg.ClaimScanLimit = 16
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		store:    jobStore,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "queue_service"),
		wake:     make(chan struct{}, 1),
		outcomes: make(chan Outcome, 64),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Ready is signalled whenever new or requeued work may be available.
func (s *Service) Ready() <-chan struct{} {
	return s.wake
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logger.FromContextOrDefault(ctx, s.logger)
}

// Submit validates a job, assigns the next sequence number of its project
// and stores it as queued.
func (s *Service) Submit(ctx context.Context, req domain.JobRequest, actionID string) (*domain.QueueItem, error) {
	results, err := s.SubmitBatch(ctx, []domain.JobRequest{req}, actionID)
	if err != nil {
		return nil, err
	}
	if results[0].Err != nil {
		return nil, results[0].Err
	}
	return results[0].Item, nil
}

// SubmitBatch submits jobs in order. Sequence numbers follow submission order
// within each project. A job that fails validation, admission or storage is
// reported in its SubmitResult and does not affect the others; sequence
// numbers already reserved are never reused. An error is returned only when
// the store cannot be reached before any job was stored.
func (s *Service) SubmitBatch(ctx context.Context, reqs []domain.JobRequest, actionID string) ([]SubmitResult, error) {
	log := s.log(ctx)
	results := make([]SubmitResult, len(reqs))

	pending := make([]*domain.QueueItem, len(reqs))
	for i, req := range reqs {
		results[i].Index = i
		item, err := domain.NewQueueItem(req, s.cfg.MaxRetries)
		if err != nil {
			results[i].Err = err
			continue
		}
		pending[i] = item
	}

	created, err := s.admitAndCreate(ctx, pending, results)
	if err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return results, nil
	}

	s.notifyByProject(created, actionID, events.NewItemsUpdated)
	s.signal()

	log.Info("jobs submitted",
		"requested", len(reqs),
		"admitted", len(created),
		"action_id", actionID)
	return results, nil
}

// admitAndCreate applies the outstanding-item limits, reserves sequence
// blocks and stores the admitted items. It fills results in place and
// returns the stored items in submission order.
func (s *Service) admitAndCreate(
	ctx context.Context,
	pending []*domain.QueueItem,
	results []SubmitResult,
) ([]*domain.QueueItem, error) {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	global := 0
	if s.cfg.MaxGlobal > 0 {
		n, err := s.store.CountOutstanding(ctx, uuid.Nil)
		if err != nil {
			return nil, NewServiceError("submit", "failed to count outstanding items", err)
		}
		global = n
	}

	perProject := make(map[uuid.UUID]int)
	admitted := make(map[uuid.UUID][]int)
	var projectOrder []uuid.UUID

	for i, item := range pending {
		if item == nil {
			continue
		}
		if s.cfg.MaxGlobal > 0 && global >= s.cfg.MaxGlobal {
			results[i].Err = &domain.QueueFullError{Scope: "global", Limit: s.cfg.MaxGlobal, Current: global}
			continue
		}

		current, seen := perProject[item.ProjectID]
		if !seen && s.cfg.MaxPerProject > 0 {
			n, err := s.store.CountOutstanding(ctx, item.ProjectID)
			if err != nil {
				return nil, NewServiceError("submit", "failed to count project items", err)
			}
			current = n
		}
		if s.cfg.MaxPerProject > 0 && current >= s.cfg.MaxPerProject {
			perProject[item.ProjectID] = current
			results[i].Err = &domain.QueueFullError{Scope: "project", Limit: s.cfg.MaxPerProject, Current: current}
			continue
		}

		perProject[item.ProjectID] = current + 1
		global++
		if _, ok := admitted[item.ProjectID]; !ok {
			projectOrder = append(projectOrder, item.ProjectID)
		}
		admitted[item.ProjectID] = append(admitted[item.ProjectID], i)
	}

	var created []*domain.QueueItem
	for _, projectID := range projectOrder {
		indexes := admitted[projectID]
		first, err := s.store.ReserveSequence(ctx, projectID, len(indexes))
		if err != nil {
			if len(created) == 0 {
				return nil, NewServiceError("submit", "failed to reserve sequence numbers", err)
			}
			for _, i := range indexes {
				results[i].Err = NewServiceError("submit", "failed to reserve sequence numbers", err)
			}
			continue
		}

		for offset, i := range indexes {
			item := pending[i]
			item.Sequence = first + int64(offset)
			if err := s.store.Create(ctx, item); err != nil {
				s.log(ctx).Error("failed to store queue item",
					"error", err,
					"project_id", projectID,
					"sequence", item.Sequence)
				results[i].Err = NewServiceError("submit", "failed to store queue item", err)
				continue
			}
			results[i].Item = item
			created = append(created, item)
		}
	}

	if len(created) == 0 {
		for _, r := range results {
			if r.Err != nil && store.IsUnavailableError(r.Err) {
				return nil, r.Err
			}
		}
	}
	return created, nil
}

// CancelBatch cancels every queued item that userID owns in projectID.
//
// Each candidate is cancelled with a conditional queued -> cancelled update.
// Items that a worker has claimed meanwhile, or that already finished, are
// reported as failures with a reason; they do not make the call fail. One
// batch.cancelled event covers all cancelled items.
//
// If the store becomes unreachable partway, the partial result is returned
// together with the error; items cancelled before that are still announced.
func (s *Service) CancelBatch(
	ctx context.Context,
	projectID, userID uuid.UUID,
	actionID string,
) (*CancelResult, error) {
	log := s.log(ctx).With("project_id", projectID, "user_id", userID, "action_id", actionID)

	if projectID == uuid.Nil {
		return nil, domain.NewValidationError("projectId", "cannot be empty")
	}
	if userID == uuid.Nil {
		return nil, domain.NewValidationError("userId", "cannot be empty")
	}

	items, err := s.store.GetByProject(ctx, projectID)
	if err != nil {
		return nil, NewServiceError("cancel_batch", "failed to load project queue", err)
	}

	var candidates []*domain.QueueItem
	for _, item := range items {
		if item.UserID == userID && !item.Status.IsTerminal() {
			candidates = append(candidates, item)
		}
	}

	result := &CancelResult{Failures: []CancelFailure{}, CancelledIDs: []uuid.UUID{}}
	if len(candidates) == 0 {
		result.NothingToCancel = true
		log.Debug("nothing to cancel")
		return result, nil
	}

	view := domain.NewProjectQueueView(projectID, items)
	var cancelled []*domain.QueueItem
	var storeErr error

	for _, item := range candidates {
		now := s.now()
		ok, err := s.store.ConditionalUpdateStatus(ctx, item.ID,
			domain.StatusQueued, domain.StatusCancelled,
			store.StatusFields{FinishedAt: &now})
		if err != nil {
			storeErr = NewServiceError("cancel_batch", "failed to cancel item", err)
			break
		}
		if ok {
			view.Add(item.Status, -1)
			view.Add(domain.StatusCancelled, 1)
			item.Status = domain.StatusCancelled
			item.FinishedAt = &now
			item.UpdatedAt = now
			cancelled = append(cancelled, item)
			result.CancelledIDs = append(result.CancelledIDs, item.ID)
			continue
		}
		result.Failures = append(result.Failures, CancelFailure{
			ID:     item.ID,
			Reason: s.conflictReason(ctx, item),
		})
	}

	result.CancelledCount = len(cancelled)
	result.FailedCount = len(result.Failures)

	if len(cancelled) > 0 {
		event := events.NewBatchCancelled(projectID, cancelled, actionID)
		event.Queue = &view
		s.notifier.Notify(event)
	} else if result.FailedCount > 0 {
		result.Warning = fmt.Sprintf("no items cancelled: %d item(s) already processing or finished",
			result.FailedCount)
		log.Warn("batch cancellation had no effect", "conflicts", result.FailedCount)
	}

	log.Info("batch cancellation finished",
		"cancelled", result.CancelledCount,
		"failed", result.FailedCount)

	if storeErr != nil {
		return result, storeErr
	}
	return result, nil
}

// conflictReason explains why a conditional cancel did not apply.
func (s *Service) conflictReason(ctx context.Context, item *domain.QueueItem) string {
	status := item.Status
	current, err := s.store.Get(ctx, item.ID)
	switch {
	case err == nil:
		status = current.Status
	case store.IsNotFoundError(err):
		return ReasonNotFound
	}
	if status.IsTerminal() {
		return ReasonAlreadyFinished
	}
	return ReasonAlreadyProcessing
}

// GetProjectQueue returns a snapshot of all items of a project ordered by sequence.
func (s *Service) GetProjectQueue(ctx context.Context, projectID uuid.UUID) ([]*domain.QueueItem, error) {
	items, err := s.store.GetByProject(ctx, projectID)
	if err != nil {
		return nil, NewServiceError("get_project_queue", "failed to load project queue", err)
	}
	return items, nil
}

// ProjectView returns item counts of a project by status.
func (s *Service) ProjectView(ctx context.Context, projectID uuid.UUID) (domain.ProjectQueueView, error) {
	items, err := s.GetProjectQueue(ctx, projectID)
	if err != nil {
		return domain.ProjectQueueView{}, err
	}
	return domain.NewProjectQueueView(projectID, items), nil
}

// Claim hands the next queued item to workerID, or returns nil when no work
// is available. Projects are served round-robin; within a project the
// lowest sequence number goes first. The queued -> processing update is
// conditional, so an item cancelled or claimed elsewhere is skipped.
func (s *Service) Claim(ctx context.Context, workerID string) (*domain.QueueItem, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	projects, err := s.store.ListQueuedProjects(ctx)
	if err != nil {
		return nil, NewServiceError("claim", "failed to list projects", err)
	}

	for _, projectID := range rotateAfter(projects, s.lastProject) {
		candidates, err := s.store.ListQueued(ctx, projectID, s.cfg.ClaimScanLimit)
		if err != nil {
			return nil, NewServiceError("claim", "failed to list queued items", err)
		}

		for _, item := range candidates {
			now := s.now()
			ok, err := s.store.ConditionalUpdateStatus(ctx, item.ID,
				domain.StatusQueued, domain.StatusProcessing,
				store.StatusFields{StartedAt: &now, WorkerID: &workerID})
			if err != nil {
				return nil, NewServiceError("claim", "failed to claim item", err)
			}
			if !ok {
				continue
			}

			item.Status = domain.StatusProcessing
			item.StartedAt = &now
			item.WorkerID = workerID
			item.UpdatedAt = now
			s.lastProject = projectID

			s.log(ctx).Debug("item claimed",
				"item_id", item.ID,
				"project_id", projectID,
				"sequence", item.Sequence,
				"worker_id", workerID)
			s.notifier.Notify(events.NewItemsUpdated(projectID, []*domain.QueueItem{item}, ""))
			return item, nil
		}
	}
	return nil, nil
}

// rotateAfter orders projects so that the first one sorts after cursor,
// wrapping around. projects must be sorted by id bytes.
func rotateAfter(projects []uuid.UUID, cursor uuid.UUID) []uuid.UUID {
	start := 0
	for i, id := range projects {
		if bytes.Compare(id[:], cursor[:]) > 0 {
			start = i
			break
		}
		start = i + 1
	}
	if start >= len(projects) {
		start = 0
	}
	rotated := make([]uuid.UUID, 0, len(projects))
	rotated = append(rotated, projects[start:]...)
	return append(rotated, projects[:start]...)
}

// Report posts a worker outcome for Run to resolve.
func (s *Service) Report(ctx context.Context, outcome Outcome) error {
	select {
	case s.outcomes <- outcome:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run resolves reported outcomes until ctx is cancelled, then resolves the
// outcomes still buffered.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("outcome processing started")
	for {
		select {
		case <-ctx.Done():
			s.drainOutcomes()
			s.logger.Info("outcome processing stopped")
			return
		case outcome := <-s.outcomes:
			s.resolveLogged(ctx, outcome)
		}
	}
}

func (s *Service) drainOutcomes() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case outcome := <-s.outcomes:
			s.resolveLogged(ctx, outcome)
		default:
			return
		}
	}
}

func (s *Service) resolveLogged(ctx context.Context, outcome Outcome) {
	if _, err := s.Resolve(ctx, outcome); err != nil {
		s.logger.Error("failed to resolve outcome",
			"error", err,
			"item_id", outcome.Item.ID,
			"worker_id", outcome.WorkerID)
	}
}

// Resolve applies a worker outcome to the store:
//   - success: processing -> completed with the result
//   - fatal failure: processing -> failed
//   - transient failure: processing -> queued with retryCount+1 while
//     retries remain, otherwise processing -> failed
//   - interruption: processing -> queued, retryCount unchanged
//
// A requeued item keeps its sequence number and so its place in the project.
// Returns domain.ErrConflict if the item is no longer processing.
func (s *Service) Resolve(ctx context.Context, outcome Outcome) (*domain.QueueItem, error) {
	if outcome.Item == nil {
		return nil, domain.NewValidationError("item", "outcome carries no item")
	}
	item := outcome.Item.Clone()
	now := s.now()

	var (
		next   domain.Status
		fields store.StatusFields
	)
	switch {
	case outcome.Interrupted:
		next = domain.StatusQueued
		fields = requeueFields("interrupted", item.RetryCount)
	case outcome.Err == nil:
		next = domain.StatusCompleted
		fields = store.StatusFields{FinishedAt: &now, Result: outcome.Result}
	default:
		next, fields = s.failureTransition(item, outcome.Err.Error(), inference.IsTransient(outcome.Err), now)
	}

	// Only the worker that currently holds the item may settle it; a worker
	// whose claim was reaped and handed to someone else gets a conflict.
	owner := outcome.WorkerID
	if owner == "" {
		owner = item.WorkerID
	}
	fields.ExpectedWorker = &owner

	ok, err := s.store.ConditionalUpdateStatus(ctx, item.ID, domain.StatusProcessing, next, fields)
	if err != nil {
		return nil, NewServiceError("resolve", "failed to update item status", err)
	}
	if !ok {
		return nil, NewServiceError("resolve",
			fmt.Sprintf("item %s is no longer processing", item.ID), domain.ErrConflict)
	}

	item.Status = next
	item.UpdatedAt = now
	fields.Apply(item)

	s.log(ctx).Info("item resolved",
		"item_id", item.ID,
		"project_id", item.ProjectID,
		"status", item.Status,
		"retry_count", item.RetryCount,
		"worker_id", owner,
		"duration_ms", outcome.Duration.Milliseconds())

	if next == domain.StatusQueued {
		s.signal()
	}
	s.notifier.Notify(events.NewItemsUpdated(item.ProjectID, []*domain.QueueItem{item}, ""))
	return item, nil
}

// failureTransition decides between retry and terminal failure.
func (s *Service) failureTransition(
	item *domain.QueueItem,
	message string,
	transient bool,
	now time.Time,
) (domain.Status, store.StatusFields) {
	if transient && item.CanRetry() {
		return domain.StatusQueued, requeueFields(message, item.RetryCount+1)
	}
	return domain.StatusFailed, store.StatusFields{FinishedAt: &now, Error: &message}
}

func requeueFields(message string, retryCount int) store.StatusFields {
	noWorker := ""
	return store.StatusFields{WorkerID: &noWorker, RetryCount: &retryCount, Error: &message}
}

// ReapStale treats items processing for longer than age as transient
// failures: they are requeued while retries remain, failed otherwise.
// It returns how many items were moved.
func (s *Service) ReapStale(ctx context.Context, age time.Duration) (int, error) {
	log := s.log(ctx)
	now := s.now()

	stale, err := s.store.ListProcessingStartedBefore(ctx, now.Add(-age))
	if err != nil {
		return 0, NewServiceError("reap_stale", "failed to list stale items", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	message := fmt.Sprintf("processing exceeded %s, worker presumed lost", age)
	moved := make(map[uuid.UUID][]*domain.QueueItem)
	var projectOrder []uuid.UUID
	requeued := false

	for _, item := range stale {
		previousWorker := item.WorkerID
		next, fields := s.failureTransition(item, message, true, now)
		fields.ExpectedWorker = &previousWorker
		ok, err := s.store.ConditionalUpdateStatus(ctx, item.ID, domain.StatusProcessing, next, fields)
		if err != nil {
			return s.countMoved(moved), NewServiceError("reap_stale", "failed to reset stale item", err)
		}
		if !ok {
			continue
		}
		item.Status = next
		item.UpdatedAt = now
		fields.Apply(item)
		if next == domain.StatusQueued {
			requeued = true
		}

		if _, seen := moved[item.ProjectID]; !seen {
			projectOrder = append(projectOrder, item.ProjectID)
		}
		moved[item.ProjectID] = append(moved[item.ProjectID], item)
		log.Warn("reclaimed stale item",
			"item_id", item.ID,
			"previous_worker", previousWorker,
			"status", next,
			"retry_count", item.RetryCount)
	}

	for _, projectID := range projectOrder {
		s.notifier.Notify(events.NewItemsUpdated(projectID, moved[projectID], ""))
	}
	if requeued {
		s.signal()
	}
	return s.countMoved(moved), nil
}

func (s *Service) countMoved(moved map[uuid.UUID][]*domain.QueueItem) int {
	n := 0
	for _, items := range moved {
		n += len(items)
	}
	return n
}

// notifyByProject publishes one aggregate event per project, in first-seen order.
func (s *Service) notifyByProject(
	items []*domain.QueueItem,
	actionID string,
	build func(uuid.UUID, []*domain.QueueItem, string) events.Event,
) {
	grouped := make(map[uuid.UUID][]*domain.QueueItem)
	var order []uuid.UUID
	for _, item := range items {
		if _, ok := grouped[item.ProjectID]; !ok {
			order = append(order, item.ProjectID)
		}
		grouped[item.ProjectID] = append(grouped[item.ProjectID], item)
	}
	for _, projectID := range order {
		s.notifier.Notify(build(projectID, grouped[projectID], actionID))
	}
}
