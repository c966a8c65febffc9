package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/fulfillment/internal/domain"
)

// OrderRepository defines persistence operations for orders.
type OrderRepository interface {
	// WithTx returns a repository bound to the given transaction.
	WithTx(tx pgx.Tx) OrderRepository

	// Create inserts an order and its items. Callers that need the insert to
	// be atomic with other writes run it inside a transaction via WithTx.
	Create(ctx context.Context, order *domain.Order) error

	// GetByID retrieves an order with its items.
	GetByID(ctx context.Context, id string) (*domain.Order, error)

	// ListByUser returns a page of a user's orders with the total count.
	// An empty status matches all statuses.
	ListByUser(ctx context.Context, userID string, page, perPage int, status string) ([]domain.Order, int, error)

	// UpdateStatus transitions an order conditioned on its current status.
	// Returns Conflict if the order is no longer in fromStatus.
	UpdateStatus(ctx context.Context, id, fromStatus, toStatus, failureReason string) error
}

// InventoryRepository defines persistence operations for the stock ledger.
type InventoryRepository interface {
	WithTx(tx pgx.Tx) InventoryRepository

	// Create inserts a new inventory row with version 1.
	Create(ctx context.Context, inv *domain.Inventory) error

	// GetByProductID retrieves the ledger row for a product.
	GetByProductID(ctx context.Context, productID string) (*domain.Inventory, error)

	// UpdateVersioned persists stock levels conditioned on the row's current
	// version and bumps it. Returns Conflict on a version mismatch.
	UpdateVersioned(ctx context.Context, inv *domain.Inventory) error
}

// ReservationRepository defines persistence operations for reservations.
type ReservationRepository interface {
	WithTx(tx pgx.Tx) ReservationRepository

	Create(ctx context.Context, res *domain.Reservation) error
	GetByID(ctx context.Context, id string) (*domain.Reservation, error)
	GetByOrderID(ctx context.Context, orderID string) ([]domain.Reservation, error)

	// UpdateStatus transitions a reservation conditioned on its current
	// status, enforcing the transition-exactly-once rule. Returns Conflict
	// when the reservation already left fromStatus.
	UpdateStatus(ctx context.Context, id, fromStatus, toStatus string) error

	// GetExpired returns reservations still held past their expiry, oldest
	// first, capped at limit.
	GetExpired(ctx context.Context, limit int) ([]domain.Reservation, error)
}

// SagaRepository defines persistence operations for saga states.
type SagaRepository interface {
	// Create inserts a new saga state. Returns ErrAlreadyExists when a saga
	// for the order already exists, which makes saga starts idempotent.
	Create(ctx context.Context, saga *domain.SagaState) error

	GetByOrderID(ctx context.Context, orderID string) (*domain.SagaState, error)

	// Update persists the full saga state at a step boundary.
	Update(ctx context.Context, saga *domain.SagaState) error
}

// OutboxRepository defines persistence operations for the transactional outbox.
type OutboxRepository interface {
	// Stage inserts an event using the caller's transaction so the event and
	// its aggregate mutation commit or roll back together.
	Stage(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error

	// FetchUnprocessed returns unprocessed events oldest-first, capped at limit.
	FetchUnprocessed(ctx context.Context, limit int) ([]domain.OutboxEvent, error)

	// MarkProcessed flags an event as published.
	MarkProcessed(ctx context.Context, id string) error

	// RecordFailure increments the retry count and stores the publish error.
	RecordFailure(ctx context.Context, id string, errMsg string) error

	// DeleteProcessedBefore removes processed events older than the cutoff
	// and returns the number of rows deleted.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
