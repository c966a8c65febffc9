package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/fulfillment/internal/domain"
	"github.com/utafrali/fulfillment/internal/repository"
	"github.com/utafrali/fulfillment/pkg/database"
	apperrors "github.com/utafrali/fulfillment/pkg/errors"
)

// ReservationRepository implements repository.ReservationRepository using PostgreSQL.
type ReservationRepository struct {
	db database.DBTX
}

// NewReservationRepository creates a new PostgreSQL-backed reservation repository.
func NewReservationRepository(db database.DBTX) *ReservationRepository {
	return &ReservationRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *ReservationRepository) WithTx(tx pgx.Tx) repository.ReservationRepository {
	return &ReservationRepository{db: tx}
}

// Create inserts a new reservation.
func (r *ReservationRepository) Create(ctx context.Context, res *domain.Reservation) error {
	query := `
		INSERT INTO reservations (id, order_id, product_id, quantity, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Exec(ctx, query,
		res.ID,
		res.OrderID,
		res.ProductID,
		res.Quantity,
		res.Status,
		res.ExpiresAt,
		res.CreatedAt,
		res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}

	return nil
}

// GetByID retrieves a reservation by its unique identifier.
func (r *ReservationRepository) GetByID(ctx context.Context, id string) (*domain.Reservation, error) {
	query := `
		SELECT id, order_id, product_id, quantity, status, expires_at, created_at, updated_at
		FROM reservations
		WHERE id = $1`

	var res domain.Reservation
	err := r.db.QueryRow(ctx, query, id).Scan(
		&res.ID,
		&res.OrderID,
		&res.ProductID,
		&res.Quantity,
		&res.Status,
		&res.ExpiresAt,
		&res.CreatedAt,
		&res.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("reservation", id)
		}
		return nil, fmt.Errorf("get reservation by id: %w", err)
	}

	return &res, nil
}

// GetByOrderID retrieves all reservations for an order.
func (r *ReservationRepository) GetByOrderID(ctx context.Context, orderID string) ([]domain.Reservation, error) {
	query := `
		SELECT id, order_id, product_id, quantity, status, expires_at, created_at, updated_at
		FROM reservations
		WHERE order_id = $1
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("get reservations by order id: %w", err)
	}
	defer rows.Close()

	return scanReservations(rows)
}

// UpdateStatus transitions a reservation conditioned on its current status.
// Transitions out of a terminal status affect zero rows and return Conflict,
// which is how the transition-exactly-once rule is enforced under races
// between the saga, user cancels, and the expiry sweeper.
func (r *ReservationRepository) UpdateStatus(ctx context.Context, id, fromStatus, toStatus string) error {
	query := `
		UPDATE reservations
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`

	ct, err := r.db.Exec(ctx, query, toStatus, time.Now().UTC(), id, fromStatus)
	if err != nil {
		return fmt.Errorf("update reservation status: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.Conflict(fmt.Sprintf("reservation %s is no longer %s", id, fromStatus))
	}

	return nil
}

// GetExpired returns reservations still held past their expiry, oldest first.
func (r *ReservationRepository) GetExpired(ctx context.Context, limit int) ([]domain.Reservation, error) {
	query := `
		SELECT id, order_id, product_id, quantity, status, expires_at, created_at, updated_at
		FROM reservations
		WHERE status = 'reserved' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("get expired reservations: %w", err)
	}
	defer rows.Close()

	return scanReservations(rows)
}

func scanReservations(rows pgx.Rows) ([]domain.Reservation, error) {
	var reservations []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(
			&res.ID,
			&res.OrderID,
			&res.ProductID,
			&res.Quantity,
			&res.Status,
			&res.ExpiresAt,
			&res.CreatedAt,
			&res.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan reservation row: %w", err)
		}
		reservations = append(reservations, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservation rows: %w", err)
	}

	if reservations == nil {
		reservations = []domain.Reservation{}
	}

	return reservations, nil
}
