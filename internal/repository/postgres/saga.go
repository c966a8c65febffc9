package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/fulfillment/internal/domain"
	"github.com/utafrali/fulfillment/pkg/database"
	apperrors "github.com/utafrali/fulfillment/pkg/errors"
)

// SagaRepository implements repository.SagaRepository using PostgreSQL.
// Step bookkeeping (completed steps, reservation ids) is stored as JSONB.
type SagaRepository struct {
	db database.DBTX
}

// NewSagaRepository creates a new PostgreSQL-backed saga repository.
func NewSagaRepository(db database.DBTX) *SagaRepository {
	return &SagaRepository{db: db}
}

// Create inserts a new saga state. The unique constraint on order_id makes
// saga starts idempotent under duplicate event delivery.
func (r *SagaRepository) Create(ctx context.Context, saga *domain.SagaState) error {
	stepsJSON, idsJSON, err := marshalSagaLists(saga)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO saga_states (id, order_id, status, current_step, completed_steps, reservation_ids, payment_id, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = r.db.Exec(ctx, query,
		saga.ID,
		saga.OrderID,
		saga.Status,
		saga.CurrentStep,
		stepsJSON,
		idsJSON,
		saga.PaymentID,
		saga.ErrorMessage,
		saga.CreatedAt,
		saga.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrAlreadyExists
		}
		return fmt.Errorf("insert saga state: %w", err)
	}

	return nil
}

// GetByOrderID retrieves the saga state for an order.
func (r *SagaRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.SagaState, error) {
	query := `
		SELECT id, order_id, status, current_step, completed_steps, reservation_ids, payment_id, error_message, created_at, updated_at
		FROM saga_states
		WHERE order_id = $1`

	var (
		saga      domain.SagaState
		stepsJSON []byte
		idsJSON   []byte
	)

	err := r.db.QueryRow(ctx, query, orderID).Scan(
		&saga.ID,
		&saga.OrderID,
		&saga.Status,
		&saga.CurrentStep,
		&stepsJSON,
		&idsJSON,
		&saga.PaymentID,
		&saga.ErrorMessage,
		&saga.CreatedAt,
		&saga.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("saga", orderID)
		}
		return nil, fmt.Errorf("get saga by order id: %w", err)
	}

	if err := json.Unmarshal(stepsJSON, &saga.CompletedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal completed steps: %w", err)
	}
	if err := json.Unmarshal(idsJSON, &saga.ReservationIDs); err != nil {
		return nil, fmt.Errorf("unmarshal reservation ids: %w", err)
	}

	return &saga, nil
}

// Update persists the full saga state at a step boundary.
func (r *SagaRepository) Update(ctx context.Context, saga *domain.SagaState) error {
	stepsJSON, idsJSON, err := marshalSagaLists(saga)
	if err != nil {
		return err
	}

	query := `
		UPDATE saga_states
		SET status = $1, current_step = $2, completed_steps = $3, reservation_ids = $4, payment_id = $5, error_message = $6, updated_at = $7
		WHERE id = $8`

	ct, err := r.db.Exec(ctx, query,
		saga.Status,
		saga.CurrentStep,
		stepsJSON,
		idsJSON,
		saga.PaymentID,
		saga.ErrorMessage,
		time.Now().UTC(),
		saga.ID,
	)
	if err != nil {
		return fmt.Errorf("update saga state: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("saga", saga.ID)
	}

	return nil
}

func marshalSagaLists(saga *domain.SagaState) (stepsJSON, idsJSON []byte, err error) {
	steps := saga.CompletedSteps
	if steps == nil {
		steps = []string{}
	}
	ids := saga.ReservationIDs
	if ids == nil {
		ids = []string{}
	}

	stepsJSON, err = json.Marshal(steps)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal completed steps: %w", err)
	}
	idsJSON, err = json.Marshal(ids)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal reservation ids: %w", err)
	}
	return stepsJSON, idsJSON, nil
}
