package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/platform/logger"
	"github.com/phrazzld/segqueue/internal/store"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const itemColumns = `id, project_id, image_id, user_id, model, threshold, detect_holes, status,
	sequence, retry_count, max_retries, worker_id, error_message, result,
	created_at, updated_at, started_at, finished_at`

// JobStore implements store.JobStore on a sqlite database.
type JobStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Ensure JobStore implements store.JobStore interface
var _ store.JobStore = (*JobStore)(nil)

// NewJobStore wraps an opened database.
func NewJobStore(db *DB, logger *slog.Logger) *JobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobStore{
		db:     db.DB,
		logger: logger.With(slog.String("component", "job_store")),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

func (s *JobStore) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// Create implements store.JobStore.Create
func (s *JobStore) Create(ctx context.Context, item *domain.QueueItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	result, err := marshalResult(item.Result)
	if err != nil {
		return err
	}

	_, err = s.execWithRetry(ctx,
		`INSERT INTO queue_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID.String(),
		item.ProjectID.String(),
		item.ImageID.String(),
		item.UserID.String(),
		string(item.Params.Model),
		item.Params.Threshold,
		item.Params.DetectHoles,
		string(item.Status),
		item.Sequence,
		item.RetryCount,
		item.MaxRetries,
		item.WorkerID,
		item.Error,
		result,
		formatTime(item.CreatedAt),
		formatTime(item.UpdatedAt),
		formatTimePtr(item.StartedAt),
		formatTimePtr(item.FinishedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: queue item %s", store.ErrDuplicate, item.ID)
		}
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to create queue item",
			slog.String("error", err.Error()),
			slog.String("item_id", item.ID.String()))
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// Get implements store.JobStore.Get
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	var item *domain.QueueItem
	err := retryOnBusy(ctx, func() error {
		var scanErr error
		item, scanErr = scanItem(s.db.QueryRowContext(ctx,
			`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id.String()))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrQueueItemNotFound
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// GetByProject implements store.JobStore.GetByProject
func (s *JobStore) GetByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.QueueItem, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE project_id = ? ORDER BY sequence ASC`,
		projectID.String())
}

// ConditionalUpdateStatus implements store.JobStore.ConditionalUpdateStatus
func (s *JobStore) ConditionalUpdateStatus(
	ctx context.Context,
	id uuid.UUID,
	expected, next domain.Status,
	fields store.StatusFields,
) (bool, error) {
	if err := store.CheckTransition(expected, next); err != nil {
		return false, err
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(next), formatTime(time.Now())}
	if fields.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, formatTime(*fields.StartedAt))
	}
	if fields.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, formatTime(*fields.FinishedAt))
	}
	if fields.WorkerID != nil {
		sets = append(sets, "worker_id = ?")
		args = append(args, *fields.WorkerID)
	}
	if fields.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *fields.RetryCount)
	}
	if fields.Error != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *fields.Error)
	}
	if fields.Result != nil {
		raw, err := marshalResult(fields.Result)
		if err != nil {
			return false, err
		}
		sets = append(sets, "result = ?")
		args = append(args, raw)
	}
	args = append(args, id.String(), string(expected))
	where := ` WHERE id = ? AND status = ?`
	if fields.ExpectedWorker != nil {
		where += ` AND worker_id = ?`
		args = append(args, *fields.ExpectedWorker)
	}

	res, err := s.execWithRetry(ctx,
		`UPDATE queue_items SET `+strings.Join(sets, ", ")+where,
		args...)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("conditional status update failed",
			slog.String("error", err.Error()),
			slog.String("item_id", id.String()))
		return false, fmt.Errorf("update queue item status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ReserveSequence implements store.JobStore.ReserveSequence
func (s *JobStore) ReserveSequence(ctx context.Context, projectID uuid.UUID, n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: sequence block size must be positive", store.ErrInvalidEntity)
	}

	var last int64
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`INSERT INTO project_sequences (project_id, last_value) VALUES (?, ?)
			ON CONFLICT (project_id) DO UPDATE SET last_value = last_value + excluded.last_value
			RETURNING last_value`,
			projectID.String(), int64(n)).Scan(&last)
	})
	if err != nil {
		return 0, fmt.Errorf("reserve sequence: %w", err)
	}
	return last - int64(n) + 1, nil
}

// CountOutstanding implements store.JobStore.CountOutstanding
func (s *JobStore) CountOutstanding(ctx context.Context, projectID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM queue_items WHERE status IN (?, ?)`
	args := []any{string(domain.StatusQueued), string(domain.StatusProcessing)}
	if projectID != uuid.Nil {
		query += ` AND project_id = ?`
		args = append(args, projectID.String())
	}

	var count int
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count outstanding: %w", err)
	}
	return count, nil
}

// ListQueuedProjects implements store.JobStore.ListQueuedProjects
func (s *JobStore) ListQueuedProjects(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT project_id FROM queue_items WHERE status = ? ORDER BY project_id`,
		string(domain.StatusQueued))
	if err != nil {
		return nil, fmt.Errorf("list queued projects: %w", err)
	}
	defer rows.Close()

	var projects []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse project id: %w", err)
		}
		projects = append(projects, id)
	}
	return projects, rows.Err()
}

// ListQueued implements store.JobStore.ListQueued
func (s *JobStore) ListQueued(ctx context.Context, projectID uuid.UUID, limit int) ([]*domain.QueueItem, error) {
	if limit <= 0 {
		limit = 1
	}
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM queue_items
		WHERE project_id = ? AND status = ?
		ORDER BY sequence ASC LIMIT ?`,
		projectID.String(), string(domain.StatusQueued), limit)
}

// ListProcessingStartedBefore implements store.JobStore.ListProcessingStartedBefore
func (s *JobStore) ListProcessingStartedBefore(ctx context.Context, cutoff time.Time) ([]*domain.QueueItem, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM queue_items
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
		ORDER BY started_at ASC`,
		string(domain.StatusProcessing), formatTime(cutoff))
}

func (s *JobStore) queryItems(ctx context.Context, query string, args ...any) ([]*domain.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		if isSQLiteBusy(err) {
			return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		return nil, fmt.Errorf("query queue items: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.QueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}
	return items, nil
}

func scanItem(scanner interface{ Scan(dest ...any) error }) (*domain.QueueItem, error) {
	var (
		item                         domain.QueueItem
		id, projectID, imageID, user string
		model, status                string
		result                       sql.NullString
		createdRaw, updatedRaw       string
		startedRaw, finishedRaw      sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&projectID,
		&imageID,
		&user,
		&model,
		&item.Params.Threshold,
		&item.Params.DetectHoles,
		&status,
		&item.Sequence,
		&item.RetryCount,
		&item.MaxRetries,
		&item.WorkerID,
		&item.Error,
		&result,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&finishedRaw,
	); err != nil {
		return nil, err
	}

	var err error
	for _, f := range []struct {
		raw string
		dst *uuid.UUID
	}{{id, &item.ID}, {projectID, &item.ProjectID}, {imageID, &item.ImageID}, {user, &item.UserID}} {
		if *f.dst, err = uuid.Parse(f.raw); err != nil {
			return nil, fmt.Errorf("parse uuid %q: %w", f.raw, err)
		}
	}

	item.Params.Model = domain.Model(model)
	item.Status = domain.Status(status)
	if item.CreatedAt, err = parseTime(createdRaw); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = parseTime(updatedRaw); err != nil {
		return nil, err
	}
	if startedRaw.Valid {
		t, err := parseTime(startedRaw.String)
		if err != nil {
			return nil, err
		}
		item.StartedAt = &t
	}
	if finishedRaw.Valid {
		t, err := parseTime(finishedRaw.String)
		if err != nil {
			return nil, err
		}
		item.FinishedAt = &t
	}
	if result.Valid && result.String != "" {
		var r domain.SegmentationResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result of item %s: %w", item.ID, err)
		}
		item.Result = &r
	}
	return &item, nil
}

func marshalResult(r *domain.SegmentationResult) (any, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode segmentation result: %w", err)
	}
	return string(raw), nil
}
