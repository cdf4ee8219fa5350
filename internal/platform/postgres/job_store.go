package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/platform/logger"
	"github.com/phrazzld/segqueue/internal/store"
)

const itemColumns = `id, project_id, image_id, user_id, model, threshold, detect_holes, status,
	sequence, retry_count, max_retries, worker_id, error_message, result,
	created_at, updated_at, started_at, finished_at`

// PostgresJobStore implements the store.JobStore interface
// using a PostgreSQL database as the storage backend.
type PostgresJobStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresJobStore creates a new PostgreSQL implementation of the JobStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresJobStore(db store.DBTX, logger *slog.Logger) *PostgresJobStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresJobStore{
		db:     db,
		logger: logger.With(slog.String("component", "job_store")),
	}
}

// Ensure PostgresJobStore implements store.JobStore interface
var _ store.JobStore = (*PostgresJobStore)(nil)

// Create implements store.JobStore.Create
func (s *PostgresJobStore) Create(ctx context.Context, item *domain.QueueItem) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := item.Validate(); err != nil {
		log.Warn("queue item validation failed during create",
			slog.String("error", err.Error()),
			slog.String("item_id", item.ID.String()))
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	result, err := marshalResult(item.Result)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO queue_items (` + itemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = s.db.ExecContext(ctx, query,
		item.ID,
		item.ProjectID,
		item.ImageID,
		item.UserID,
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
		item.CreatedAt,
		item.UpdatedAt,
		item.StartedAt,
		item.FinishedAt,
	)
	if err != nil {
		log.Error("failed to create queue item",
			slog.String("error", err.Error()),
			slog.String("item_id", item.ID.String()),
			slog.String("project_id", item.ProjectID.String()))
		return MapError(err)
	}

	log.Debug("queue item created",
		slog.String("item_id", item.ID.String()),
		slog.Int64("sequence", item.Sequence))
	return nil
}

// Get implements store.JobStore.Get
func (s *PostgresJobStore) Get(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE id = $1`

	item, err := scanItem(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrQueueItemNotFound
		}
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to get queue item",
			slog.String("error", err.Error()),
			slog.String("item_id", id.String()))
		return nil, MapError(err)
	}
	return item, nil
}

// GetByProject implements store.JobStore.GetByProject
func (s *PostgresJobStore) GetByProject(ctx context.Context, projectID uuid.UUID) ([]*domain.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE project_id = $1 ORDER BY sequence ASC`
	return s.queryItems(ctx, "get_by_project", query, projectID)
}

// ConditionalUpdateStatus implements store.JobStore.ConditionalUpdateStatus
// as a single UPDATE ... WHERE id = ? AND status = ? statement, narrowed by
// worker_id when fields.ExpectedWorker is set.
func (s *PostgresJobStore) ConditionalUpdateStatus(
	ctx context.Context,
	id uuid.UUID,
	expected, next domain.Status,
	fields store.StatusFields,
) (bool, error) {
	if err := store.CheckTransition(expected, next); err != nil {
		return false, err
	}

	set := &setBuilder{}
	set.add("status", string(next))
	set.add("updated_at", time.Now().UTC())
	if fields.StartedAt != nil {
		set.add("started_at", fields.StartedAt.UTC())
	}
	if fields.FinishedAt != nil {
		set.add("finished_at", fields.FinishedAt.UTC())
	}
	if fields.WorkerID != nil {
		set.add("worker_id", *fields.WorkerID)
	}
	if fields.RetryCount != nil {
		set.add("retry_count", *fields.RetryCount)
	}
	if fields.Error != nil {
		set.add("error_message", *fields.Error)
	}
	if fields.Result != nil {
		raw, err := marshalResult(fields.Result)
		if err != nil {
			return false, err
		}
		set.add("result", raw)
	}

	idArg := set.arg(id)
	statusArg := set.arg(string(expected))
	query := `UPDATE queue_items SET ` + set.clause() +
		` WHERE id = ` + idArg + ` AND status = ` + statusArg
	if fields.ExpectedWorker != nil {
		query += ` AND worker_id = ` + set.arg(*fields.ExpectedWorker)
	}

	res, err := s.db.ExecContext(ctx, query, set.args...)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("conditional status update failed",
			slog.String("error", err.Error()),
			slog.String("item_id", id.String()),
			slog.String("expected", string(expected)),
			slog.String("next", string(next)))
		return false, MapError(err)
	}

	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReserveSequence implements store.JobStore.ReserveSequence
func (s *PostgresJobStore) ReserveSequence(ctx context.Context, projectID uuid.UUID, n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: sequence block size must be positive", store.ErrInvalidEntity)
	}

	query := `
		INSERT INTO project_sequences (project_id, last_value)
		VALUES ($1, $2)
		ON CONFLICT (project_id)
		DO UPDATE SET last_value = project_sequences.last_value + EXCLUDED.last_value
		RETURNING last_value
	`
	var last int64
	if err := s.db.QueryRowContext(ctx, query, projectID, int64(n)).Scan(&last); err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to reserve sequence",
			slog.String("error", err.Error()),
			slog.String("project_id", projectID.String()))
		return 0, MapError(err)
	}
	return last - int64(n) + 1, nil
}

// CountOutstanding implements store.JobStore.CountOutstanding
func (s *PostgresJobStore) CountOutstanding(ctx context.Context, projectID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM queue_items WHERE status IN ($1, $2)`
	args := []any{string(domain.StatusQueued), string(domain.StatusProcessing)}
	if projectID != uuid.Nil {
		query += ` AND project_id = $3`
		args = append(args, projectID)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, MapError(err)
	}
	return count, nil
}

// ListQueuedProjects implements store.JobStore.ListQueuedProjects
func (s *PostgresJobStore) ListQueuedProjects(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT project_id FROM queue_items WHERE status = $1 ORDER BY project_id`,
		string(domain.StatusQueued))
	if err != nil {
		return nil, MapError(err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Error("failed to close rows", slog.String("error", cerr.Error()))
		}
	}()

	var projects []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, MapError(err)
		}
		projects = append(projects, id)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return projects, nil
}

// ListQueued implements store.JobStore.ListQueued
func (s *PostgresJobStore) ListQueued(ctx context.Context, projectID uuid.UUID, limit int) ([]*domain.QueueItem, error) {
	if limit <= 0 {
		limit = 1
	}
	query := `SELECT ` + itemColumns + ` FROM queue_items
		WHERE project_id = $1 AND status = $2
		ORDER BY sequence ASC
		LIMIT $3`
	return s.queryItems(ctx, "list_queued", query, projectID, string(domain.StatusQueued), limit)
}

// ListProcessingStartedBefore implements store.JobStore.ListProcessingStartedBefore
func (s *PostgresJobStore) ListProcessingStartedBefore(ctx context.Context, cutoff time.Time) ([]*domain.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at ASC`
	return s.queryItems(ctx, "list_stale", query, string(domain.StatusProcessing), cutoff.UTC())
}

func (s *PostgresJobStore) queryItems(ctx context.Context, op, query string, args ...any) ([]*domain.QueueItem, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("queue item query failed",
			slog.String("operation", op),
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.Error("failed to close rows", slog.String("error", cerr.Error()))
		}
	}()

	items := make([]*domain.QueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, MapError(err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*domain.QueueItem, error) {
	var (
		item       domain.QueueItem
		model      string
		status     string
		result     []byte
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)

	if err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.ImageID,
		&item.UserID,
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
		&item.CreatedAt,
		&item.UpdatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	item.Params.Model = domain.Model(model)
	item.Status = domain.Status(status)
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		item.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		item.FinishedAt = &t
	}
	if len(result) > 0 {
		var r domain.SegmentationResult
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("failed to decode result of item %s: %w", item.ID, err)
		}
		item.Result = &r
	}
	return &item, nil
}

func marshalResult(r *domain.SegmentationResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode segmentation result: %w", err)
	}
	return raw, nil
}

// setBuilder accumulates "column = $n" assignments for an UPDATE.
type setBuilder struct {
	parts []string
	args  []any
}

func (b *setBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *setBuilder) add(column string, v any) {
	b.parts = append(b.parts, column+" = "+b.arg(v))
}

func (b *setBuilder) clause() string {
	return strings.Join(b.parts, ", ")
}
