package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/fulfillment/internal/domain"
	"github.com/utafrali/fulfillment/pkg/database"
	apperrors "github.com/utafrali/fulfillment/pkg/errors"
)

// OutboxRepository implements repository.OutboxRepository using PostgreSQL.
type OutboxRepository struct {
	db database.DBTX
}

// NewOutboxRepository creates a new PostgreSQL-backed outbox repository.
func NewOutboxRepository(db database.DBTX) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Stage inserts an event using the caller's transaction so the event and its
// aggregate mutation commit or roll back together. The database assigns the
// row id, which is written back to the event.
func (r *OutboxRepository) Stage(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := tx.QueryRow(ctx, query,
		event.AggregateType,
		event.AggregateID,
		event.EventType,
		event.Payload,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("stage outbox event: %w", err)
	}

	return nil
}

// FetchUnprocessed returns unprocessed events oldest-first, capped at limit.
func (r *OutboxRepository) FetchUnprocessed(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	query := `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, is_processed, processed_at, retry_count, error_message, created_at
		FROM outbox_events
		WHERE is_processed = FALSE
		ORDER BY created_at ASC
		LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unprocessed outbox events: %w", err)
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		if err := rows.Scan(
			&e.ID,
			&e.AggregateType,
			&e.AggregateID,
			&e.EventType,
			&e.Payload,
			&e.IsProcessed,
			&e.ProcessedAt,
			&e.RetryCount,
			&e.ErrorMessage,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox event row: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox event rows: %w", err)
	}

	if events == nil {
		events = []domain.OutboxEvent{}
	}

	return events, nil
}

// MarkProcessed flags an event as published.
func (r *OutboxRepository) MarkProcessed(ctx context.Context, id string) error {
	query := `
		UPDATE outbox_events
		SET is_processed = TRUE, processed_at = $1, error_message = ''
		WHERE id = $2`

	ct, err := r.db.Exec(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark outbox event processed: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("outbox event", id)
	}

	return nil
}

// RecordFailure increments the retry count and stores the publish error so
// the event is retried on the next poll.
func (r *OutboxRepository) RecordFailure(ctx context.Context, id string, errMsg string) error {
	query := `
		UPDATE outbox_events
		SET retry_count = retry_count + 1, error_message = $1
		WHERE id = $2`

	_, err := r.db.Exec(ctx, query, errMsg, id)
	if err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}

	return nil
}

// DeleteProcessedBefore removes processed events older than the cutoff.
// Unprocessed events are never deleted.
func (r *OutboxRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM outbox_events
		WHERE is_processed = TRUE AND processed_at < $1`

	ct, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete processed outbox events: %w", err)
	}

	return ct.RowsAffected(), nil
}
