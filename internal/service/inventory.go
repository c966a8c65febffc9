package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/utafrali/fulfillment/internal/domain"
	"github.com/utafrali/fulfillment/internal/repository"
	"github.com/utafrali/fulfillment/pkg/database"
	apperrors "github.com/utafrali/fulfillment/pkg/errors"
)

// LockManager is the subset of the lock coordinator the services use.
type LockManager interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
	WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
	TryWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error)
}

// lockKey names the distributed lock for a product's ledger row.
func lockKey(productID string) string {
	return "inventory:" + productID
}

// StockInfo is the read view of a product's ledger.
type StockInfo struct {
	ProductID      string `json:"product_id"`
	TotalStock     int    `json:"total_stock"`
	ReservedStock  int    `json:"reserved_stock"`
	AvailableStock int    `json:"available_stock"`
}

// InventoryService owns the stock ledger and the reservation lifecycle.
// Every stock mutation runs while holding the product's distributed lock,
// with the ledger's version check as defense-in-depth against expired leases.
type InventoryService struct {
	db           database.DBTX
	inventory    repository.InventoryRepository
	reservations repository.ReservationRepository
	outbox       repository.OutboxRepository
	locks        LockManager
	logger       *slog.Logger
}

// NewInventoryService creates the inventory service.
func NewInventoryService(
	db database.DBTX,
	inventory repository.InventoryRepository,
	reservations repository.ReservationRepository,
	outbox repository.OutboxRepository,
	locks LockManager,
	logger *slog.Logger,
) *InventoryService {
	return &InventoryService{
		db:           db,
		inventory:    inventory,
		reservations: reservations,
		outbox:       outbox,
		locks:        locks,
		logger:       logger,
	}
}

// GetStock returns the current stock levels for a product.
func (s *InventoryService) GetStock(ctx context.Context, productID string) (*StockInfo, error) {
	inv, err := s.inventory.GetByProductID(ctx, productID)
	if err != nil {
		return nil, err
	}
	return &StockInfo{
		ProductID:      inv.ProductID,
		TotalStock:     inv.TotalStock,
		ReservedStock:  inv.ReservedStock,
		AvailableStock: inv.Available(),
	}, nil
}

// CreateInventory registers a new product ledger row.
func (s *InventoryService) CreateInventory(ctx context.Context, productID string, totalStock int) (*domain.Inventory, error) {
	if totalStock < 0 {
		return nil, apperrors.InvalidInput("total stock must not be negative")
	}

	now := time.Now().UTC()
	inv := &domain.Inventory{
		ID:         uuid.New().String(),
		ProductID:  productID,
		TotalStock: totalStock,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.inventory.Create(ctx, inv); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "inventory created",
		slog.String("product_id", productID),
		slog.Int("total_stock", totalStock),
	)

	return inv, nil
}

// Reserve places a hold on a single product. It is the single-item form of
// ReserveMany and shares its semantics.
func (s *InventoryService) Reserve(ctx context.Context, orderID, productID string, qty int, ttl time.Duration) (*domain.Reservation, error) {
	result, err := s.ReserveMany(ctx, orderID, []domain.ReserveItem{{ProductID: productID, Quantity: qty}}, ttl)
	if err != nil {
		return nil, err
	}
	return result.Reservations[0], nil
}

// ReserveMany places holds on all items or none of them. Locks for every
// involved product are acquired through the coordinator, which sorts keys so
// overlapping concurrent calls cannot deadlock. Stock validation for all
// items happens before any write; a single failing item means no transaction
// is opened at all, and the failing product ids are reported back. The batch
// persists in one transaction covering every ledger update, every reservation
// row, and the staged events.
func (s *InventoryService) ReserveMany(ctx context.Context, orderID string, items []domain.ReserveItem, ttl time.Duration) (*domain.ReserveManyResult, error) {
	if orderID == "" {
		return nil, apperrors.InvalidInput("order id is required")
	}
	if len(items) == 0 {
		return nil, apperrors.InvalidInput("at least one item is required")
	}
	seen := make(map[string]bool, len(items))
	keys := make([]string, 0, len(items))
	for i, item := range items {
		if item.ProductID == "" {
			return nil, apperrors.InvalidInput(fmt.Sprintf("item %d: product_id is required", i))
		}
		if item.Quantity <= 0 {
			return nil, apperrors.InvalidInput(fmt.Sprintf("item %d: quantity must be greater than 0", i))
		}
		if seen[item.ProductID] {
			return nil, apperrors.InvalidInput(fmt.Sprintf("item %d: duplicate product %s", i, item.ProductID))
		}
		seen[item.ProductID] = true
		keys = append(keys, lockKey(item.ProductID))
	}
	if ttl <= 0 {
		return nil, apperrors.InvalidInput("reservation ttl must be positive")
	}

	var result *domain.ReserveManyResult

	err := s.locks.WithLocks(ctx, keys, func(ctx context.Context) error {
		// Validate every item before touching anything.
		ledgers := make(map[string]*domain.Inventory, len(items))
		var failed []string
		for _, item := range items {
			inv, err := s.inventory.GetByProductID(ctx, item.ProductID)
			if err != nil {
				if errors.Is(err, apperrors.ErrNotFound) {
					failed = append(failed, item.ProductID)
					continue
				}
				return err
			}
			if !inv.CanReserve(item.Quantity) {
				failed = append(failed, item.ProductID)
				continue
			}
			ledgers[item.ProductID] = inv
		}

		if len(failed) > 0 {
			result = &domain.ReserveManyResult{Success: false, FailedProductIDs: failed}
			return apperrors.InsufficientStock(fmt.Sprintf("insufficient stock for %d of %d items", len(failed), len(items)))
		}

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		txInventory := s.inventory.WithTx(tx)
		txReservations := s.reservations.WithTx(tx)

		now := time.Now().UTC()
		reservations := make([]*domain.Reservation, 0, len(items))

		for _, item := range items {
			inv := ledgers[item.ProductID]
			inv.Reserve(item.Quantity)
			if err := txInventory.UpdateVersioned(ctx, inv); err != nil {
				return err
			}

			res := &domain.Reservation{
				ID:        uuid.New().String(),
				OrderID:   orderID,
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Status:    domain.ReservationStatusReserved,
				ExpiresAt: now.Add(ttl),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := txReservations.Create(ctx, res); err != nil {
				return err
			}
			reservations = append(reservations, res)

			event, err := domain.NewOutboxEvent(domain.AggregateTypeInventory, item.ProductID, domain.EventStockReserved, stockEventPayload{
				ProductID:     item.ProductID,
				OrderID:       orderID,
				ReservationID: res.ID,
				Quantity:      item.Quantity,
			})
			if err != nil {
				return fmt.Errorf("build reserved event: %w", err)
			}
			if err := s.outbox.Stage(ctx, tx, event); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}

		result = &domain.ReserveManyResult{Success: true, Reservations: reservations}
		return nil
	})

	if err != nil {
		if result != nil && !result.Success {
			// Validation failure: report which products failed alongside the error.
			return result, err
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "stock reserved",
		slog.String("order_id", orderID),
		slog.Int("items", len(items)),
	)

	return result, nil
}

// ConfirmReservation finalizes a hold. Stock was already debited at reserve
// time, so confirming only transitions the reservation. Confirming an
// already-confirmed reservation is a no-op so saga retries stay safe.
func (s *InventoryService) ConfirmReservation(ctx context.Context, reservationID string) error {
	res, err := s.reservations.GetByID(ctx, reservationID)
	if err != nil {
		return err
	}

	if res.Status == domain.ReservationStatusConfirmed {
		return nil
	}
	if !res.IsActive() {
		return apperrors.Conflict(fmt.Sprintf("reservation %s is already %s", reservationID, res.Status))
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.reservations.WithTx(tx).UpdateStatus(ctx, reservationID, domain.ReservationStatusReserved, domain.ReservationStatusConfirmed); err != nil {
		return err
	}

	event, err := domain.NewOutboxEvent(domain.AggregateTypeReservation, reservationID, domain.EventStockConfirmed, stockEventPayload{
		ProductID:     res.ProductID,
		OrderID:       res.OrderID,
		ReservationID: res.ID,
		Quantity:      res.Quantity,
	})
	if err != nil {
		return fmt.Errorf("build confirmed event: %w", err)
	}
	if err := s.outbox.Stage(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.InfoContext(ctx, "reservation confirmed", slog.String("reservation_id", reservationID))
	return nil
}

// ReleaseReservation returns a held quantity to available stock and marks
// the reservation released. Releasing a reservation that already left the
// held state is a no-op so compensation retries stay safe.
func (s *InventoryService) ReleaseReservation(ctx context.Context, reservationID, reason string) error {
	return s.releaseHold(ctx, reservationID, domain.ReservationStatusReserved, domain.ReservationStatusReleased, domain.EventStockReleased, reason)
}

// RestockConfirmed returns a confirmed reservation's quantity to available
// stock. This is the user-cancel path for orders that already reached a
// confirmed-or-later state: the hold was finalized, so the quantity is
// restocked rather than released from a pending hold.
func (s *InventoryService) RestockConfirmed(ctx context.Context, reservationID, reason string) error {
	return s.releaseHold(ctx, reservationID, domain.ReservationStatusConfirmed, domain.ReservationStatusReleased, domain.EventStockAdjusted, reason)
}

// releaseHold moves a reservation out of fromStatus and credits its quantity
// back to the ledger, all inside the product lock and one transaction.
func (s *InventoryService) releaseHold(ctx context.Context, reservationID, fromStatus, toStatus, eventType, reason string) error {
	res, err := s.reservations.GetByID(ctx, reservationID)
	if err != nil {
		return err
	}

	if res.Status != fromStatus {
		if res.Status == toStatus || res.Status == domain.ReservationStatusExpired {
			return nil
		}
		return apperrors.Conflict(fmt.Sprintf("reservation %s is %s, expected %s", reservationID, res.Status, fromStatus))
	}

	return s.locks.WithLock(ctx, lockKey(res.ProductID), func(ctx context.Context) error {
		inv, err := s.inventory.GetByProductID(ctx, res.ProductID)
		if err != nil {
			return err
		}
		if !inv.Release(res.Quantity) {
			return apperrors.Conflict(fmt.Sprintf("inventory %s cannot release %d units", res.ProductID, res.Quantity))
		}

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := s.reservations.WithTx(tx).UpdateStatus(ctx, reservationID, fromStatus, toStatus); err != nil {
			return err
		}
		if err := s.inventory.WithTx(tx).UpdateVersioned(ctx, inv); err != nil {
			return err
		}

		event, err := domain.NewOutboxEvent(domain.AggregateTypeInventory, res.ProductID, eventType, stockEventPayload{
			ProductID:     res.ProductID,
			OrderID:       res.OrderID,
			ReservationID: res.ID,
			Quantity:      res.Quantity,
			Reason:        reason,
		})
		if err != nil {
			return fmt.Errorf("build release event: %w", err)
		}
		if err := s.outbox.Stage(ctx, tx, event); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}

		s.logger.InfoContext(ctx, "reservation released",
			slog.String("reservation_id", reservationID),
			slog.String("product_id", res.ProductID),
			slog.String("reason", reason),
		)
		return nil
	})
}

// ReleaseMany releases every listed reservation, attempting each one even if
// another fails. Individually released reservations stay released.
func (s *InventoryService) ReleaseMany(ctx context.Context, reservationIDs []string, reason string) error {
	var errs []error
	for _, id := range reservationIDs {
		if err := s.ReleaseReservation(ctx, id, reason); err != nil {
			s.logger.ErrorContext(ctx, "failed to release reservation",
				slog.String("reservation_id", id),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("release %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// AdjustStock applies a restock or shrinkage delta to a product's total.
func (s *InventoryService) AdjustStock(ctx context.Context, productID string, delta int, reason string) (*StockInfo, error) {
	if delta == 0 {
		return nil, apperrors.InvalidInput("delta must not be zero")
	}

	var info *StockInfo
	err := s.locks.WithLock(ctx, lockKey(productID), func(ctx context.Context) error {
		inv, err := s.inventory.GetByProductID(ctx, productID)
		if err != nil {
			return err
		}
		if !inv.Adjust(delta) {
			return apperrors.InvalidInput(fmt.Sprintf("adjustment %d would violate stock invariants for %s", delta, productID))
		}

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := s.inventory.WithTx(tx).UpdateVersioned(ctx, inv); err != nil {
			return err
		}

		event, err := domain.NewOutboxEvent(domain.AggregateTypeInventory, productID, domain.EventStockAdjusted, stockEventPayload{
			ProductID: productID,
			Quantity:  delta,
			Reason:    reason,
		})
		if err != nil {
			return fmt.Errorf("build adjusted event: %w", err)
		}
		if err := s.outbox.Stage(ctx, tx, event); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}

		info = &StockInfo{
			ProductID:      inv.ProductID,
			TotalStock:     inv.TotalStock,
			ReservedStock:  inv.ReservedStock,
			AvailableStock: inv.Available(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "stock adjusted",
		slog.String("product_id", productID),
		slog.Int("delta", delta),
		slog.String("reason", reason),
	)

	return info, nil
}

// ReleaseExpiredReservations is the sweeper body: it releases every
// reservation held past its expiry. Failures are isolated per reservation,
// logged, and retried on the next sweep. Returns the number released.
func (s *InventoryService) ReleaseExpiredReservations(ctx context.Context, limit int) (int, error) {
	expired, err := s.reservations.GetExpired(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("query expired reservations: %w", err)
	}

	released := 0
	for _, res := range expired {
		if err := s.expireReservation(ctx, &res); err != nil {
			s.logger.ErrorContext(ctx, "failed to expire reservation",
				slog.String("reservation_id", res.ID),
				slog.String("product_id", res.ProductID),
				slog.String("error", err.Error()),
			)
			continue
		}
		released++
	}

	if released > 0 {
		s.logger.InfoContext(ctx, "expired reservations released", slog.Int("count", released))
	}

	return released, nil
}

func (s *InventoryService) expireReservation(ctx context.Context, res *domain.Reservation) error {
	return s.locks.WithLock(ctx, lockKey(res.ProductID), func(ctx context.Context) error {
		inv, err := s.inventory.GetByProductID(ctx, res.ProductID)
		if err != nil {
			return err
		}
		if !inv.Release(res.Quantity) {
			return apperrors.Conflict(fmt.Sprintf("inventory %s cannot release %d units", res.ProductID, res.Quantity))
		}

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		// Conditioned on the held status: if the saga confirmed or released
		// this reservation since the sweep query ran, zero rows match and the
		// conflict aborts the transaction before stock is credited back.
		if err := s.reservations.WithTx(tx).UpdateStatus(ctx, res.ID, domain.ReservationStatusReserved, domain.ReservationStatusExpired); err != nil {
			return err
		}
		if err := s.inventory.WithTx(tx).UpdateVersioned(ctx, inv); err != nil {
			return err
		}

		event, err := domain.NewOutboxEvent(domain.AggregateTypeReservation, res.ID, domain.EventReservationExpired, stockEventPayload{
			ProductID:     res.ProductID,
			OrderID:       res.OrderID,
			ReservationID: res.ID,
			Quantity:      res.Quantity,
			Reason:        "ttl elapsed",
		})
		if err != nil {
			return fmt.Errorf("build expired event: %w", err)
		}
		if err := s.outbox.Stage(ctx, tx, event); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

// stockEventPayload is the JSON body for inventory and reservation events.
type stockEventPayload struct {
	ProductID     string `json:"product_id"`
	OrderID       string `json:"order_id,omitempty"`
	ReservationID string `json:"reservation_id,omitempty"`
	Quantity      int    `json:"quantity"`
	Reason        string `json:"reason,omitempty"`
}
