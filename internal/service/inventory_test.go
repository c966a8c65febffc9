package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/fulfillment/internal/domain"
	"github.com/utafrali/fulfillment/pkg/database"
	apperrors "github.com/utafrali/fulfillment/pkg/errors"
)

type inventoryFixture struct {
	svc          *InventoryService
	db           pgxmock.PgxPoolIface
	inventory    *fakeInventoryRepo
	reservations *fakeReservationRepo
	outbox       *fakeOutboxRepo
	locks        *fakeLockManager
}

func newInventoryFixture(t *testing.T) *inventoryFixture {
	t.Helper()
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	f := &inventoryFixture{
		db:           mock,
		inventory:    newFakeInventoryRepo(),
		reservations: newFakeReservationRepo(),
		outbox:       &fakeOutboxRepo{},
		locks:        newFakeLockManager(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewInventoryService(mock, f.inventory, f.reservations, f.outbox, f.locks, logger)
	return f
}

func TestReserveMany_AllOrNothing_Success(t *testing.T) {
	f := newInventoryFixture(t)
	f.inventory.seed("prod-1", 10, 0)
	f.inventory.seed("prod-2", 5, 2)

	f.db.ExpectBegin()
	f.db.ExpectCommit()

	items := []domain.ReserveItem{
		{ProductID: "prod-1", Quantity: 3},
		{ProductID: "prod-2", Quantity: 2},
	}
	result, err := f.svc.ReserveMany(context.Background(), "order-1", items, 15*time.Minute)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Reservations, 2)

	assert.Equal(t, 3, f.inventory.rows["prod-1"].ReservedStock)
	assert.Equal(t, 4, f.inventory.rows["prod-2"].ReservedStock)
	assert.Equal(t, domain.ReservationStatusReserved, result.Reservations[0].Status)
	assert.WithinDuration(t, time.Now().UTC().Add(15*time.Minute), result.Reservations[0].ExpiresAt, 5*time.Second)

	require.Len(t, f.locks.held, 1)
	assert.ElementsMatch(t, []string{"inventory:prod-1", "inventory:prod-2"}, f.locks.held[0])

	assert.Equal(t, []string{domain.EventStockReserved, domain.EventStockReserved}, f.outbox.eventTypes())
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestReserveMany_InsufficientStock_NoWrites(t *testing.T) {
	f := newInventoryFixture(t)
	f.inventory.seed("prod-1", 10, 0)
	f.inventory.seed("prod-2", 5, 5)

	items := []domain.ReserveItem{
		{ProductID: "prod-1", Quantity: 3},
		{ProductID: "prod-2", Quantity: 1},
	}
	result, err := f.svc.ReserveMany(context.Background(), "order-1", items, 15*time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientStock)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, []string{"prod-2"}, result.FailedProductIDs)

	// Nothing was written: the healthy item's stock is untouched, no
	// reservation rows exist, no events were staged, no transaction opened.
	assert.Equal(t, 0, f.inventory.rows["prod-1"].ReservedStock)
	assert.Empty(t, f.reservations.rows)
	assert.Empty(t, f.outbox.staged)
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestReserveMany_UnknownProduct_ReportedAsFailed(t *testing.T) {
	f := newInventoryFixture(t)
	f.inventory.seed("prod-1", 10, 0)

	items := []domain.ReserveItem{
		{ProductID: "prod-1", Quantity: 1},
		{ProductID: "prod-missing", Quantity: 1},
	}
	result, err := f.svc.ReserveMany(context.Background(), "order-1", items, time.Minute)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientStock)
	require.NotNil(t, result)
	assert.Equal(t, []string{"prod-missing"}, result.FailedProductIDs)
}

func TestReserveMany_InputValidation(t *testing.T) {
	f := newInventoryFixture(t)

	tests := []struct {
		name    string
		orderID string
		items   []domain.ReserveItem
		ttl     time.Duration
	}{
		{"no items", "order-1", nil, time.Minute},
		{"missing order", "", []domain.ReserveItem{{ProductID: "prod-1", Quantity: 1}}, time.Minute},
		{"zero quantity", "order-1", []domain.ReserveItem{{ProductID: "prod-1", Quantity: 0}}, time.Minute},
		{"duplicate product", "order-1", []domain.ReserveItem{
			{ProductID: "prod-1", Quantity: 1},
			{ProductID: "prod-1", Quantity: 2},
		}, time.Minute},
		{"zero ttl", "order-1", []domain.ReserveItem{{ProductID: "prod-1", Quantity: 1}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ReserveMany(context.Background(), tt.orderID, tt.items, tt.ttl)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
	assert.Empty(t, f.locks.held, "validation failures must not take locks")
}

func TestReserveMany_VersionConflict_RollsBack(t *testing.T) {
	f := newInventoryFixture(t)
	f.inventory.seed("prod-1", 10, 0)
	f.inventory.seed("prod-2", 10, 0)
	f.inventory.updateErr["prod-2"] = apperrors.Conflict("inventory prod-2 was modified concurrently")

	f.db.ExpectBegin()
	f.db.ExpectRollback()

	items := []domain.ReserveItem{
		{ProductID: "prod-1", Quantity: 1},
		{ProductID: "prod-2", Quantity: 1},
	}
	result, err := f.svc.ReserveMany(context.Background(), "order-1", items, time.Minute)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Nil(t, result)
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestReserveMany_LockContention_ReturnsResourceBusy(t *testing.T) {
	f := newInventoryFixture(t)
	f.inventory.seed("prod-1", 10, 0)
	f.locks.busy["inventory:prod-1"] = true

	_, err := f.svc.Reserve(context.Background(), "order-1", "prod-1", 1, time.Minute)
	assert.ErrorIs(t, err, apperrors.ErrResourceBusy)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestConfirmReservation_TransitionsOnce(t *testing.T) {
	f := newInventoryFixture(t)
	f.inventory.seed("prod-1", 10, 2)
	f.reservations.seed(domain.Reservation{
		ID: "res-1", OrderID: "order-1", ProductID: "prod-1", Quantity: 2,
		Status: domain.ReservationStatusReserved, ExpiresAt: time.Now().Add(time.Minute),
	})

	f.db.ExpectBegin()
	f.db.ExpectCommit()

	require.NoError(t, f.svc.ConfirmReservation(context.Background(), "res-1"))
	assert.Equal(t, domain.ReservationStatusConfirmed, f.reservations.rows["res-1"].Status)
	// Confirm finalizes the hold without touching stock levels.
	assert.Equal(t, 2, f.inventory.rows["prod-1"].ReservedStock)
	assert.Equal(t, []string{domain.EventStockConfirmed}, f.outbox.eventTypes())
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestConfirmReservation_AlreadyConfirmed_NoOp(t *testing.T) {
	f := newInventoryFixture(t)
	f.reservations.seed(domain.Reservation{
		ID: "res-1", OrderID: "order-1", ProductID: "prod-1", Quantity: 2,
		Status: domain.ReservationStatusConfirmed,
	})

	require.NoError(t, f.svc.ConfirmReservation(context.Background(), "res-1"))
	assert.Empty(t, f.outbox.staged)
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestConfirmReservation_Expired_Conflict(t *testing.T) {
	f := newInventoryFixture(t)
	f.reservations.seed(domain.Reservation{
		ID: "res-1", OrderID: "order-1", ProductID: "prod-1", Quantity: 2,
		Status: domain.ReservationStatusExpired,
	})

	err := f.svc.ConfirmReservation(context.Background(), "res-1")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestReleaseReservation_RestoresStock(t *testing.T) {
	f := newInventoryFixture(t)
	f.inventory.seed("prod-1", 10, 3)
	f.reservations.seed(domain.Reservation{
		ID: "res-1", OrderID: "order-1", ProductID: "prod-1", Quantity: 3,
		Status: domain.ReservationStatusReserved, ExpiresAt: time.Now().Add(time.Minute),
	})

	f.db.ExpectBegin()
	f.db.ExpectCommit()

	require.NoError(t, f.svc.ReleaseReservation(context.Background(), "res-1", "compensation"))
	assert.Equal(t, domain.ReservationStatusReleased, f.reservations.rows["res-1"].Status)
	assert.Equal(t, 0, f.inventory.rows["prod-1"].ReservedStock)
	assert.Equal(t, 10, f.inventory.rows["prod-1"].TotalStock)
	assert.Equal(t, []string{domain.EventStockReleased}, f.outbox.eventTypes())
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestReleaseReservation_AlreadyReleased_NoOp(t *testing.T) {
	f := newInventoryFixture(t)
	f.inventory.seed("prod-1", 10, 0)
	f.reservations.seed(domain.Reservation{
		ID: "res-1", OrderID: "order-1", ProductID: "prod-1", Quantity: 3,
		Status: domain.ReservationStatusReleased,
	})

	require.NoError(t, f.svc.ReleaseReservation(context.Background(), "res-1", "retry"))
	assert.Equal(t, 0, f.inventory.rows["prod-1"].ReservedStock)
	assert.Empty(t, f.outbox.staged)
}

func TestReleaseMany_ContinuesPastFailures(t *testing.T) {
	f := newInventoryFixture(t)
	f.inventory.seed("prod-1", 10, 2)
	f.inventory.seed("prod-2", 10, 2)
	f.reservations.seed(domain.Reservation{
		ID: "res-1", OrderID: "order-1", ProductID: "prod-1", Quantity: 2,
		Status: domain.ReservationStatusReserved, ExpiresAt: time.Now().Add(time.Minute),
	})
	f.reservations.seed(domain.Reservation{
		ID: "res-2", OrderID: "order-1", ProductID: "prod-2", Quantity: 2,
		Status: domain.ReservationStatusReserved, ExpiresAt: time.Now().Add(time.Minute),
	})
	f.locks.busy["inventory:prod-1"] = true

	f.db.ExpectBegin()
	f.db.ExpectCommit()

	err := f.svc.ReleaseMany(context.Background(), []string{"res-1", "res-2"}, "compensation")
	assert.ErrorIs(t, err, apperrors.ErrResourceBusy)
	// The second reservation was still released despite the first failing.
	assert.Equal(t, domain.ReservationStatusReleased, f.reservations.rows["res-2"].Status)
	assert.Equal(t, domain.ReservationStatusReserved, f.reservations.rows["res-1"].Status)
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestRestockConfirmed_ReturnsConfirmedQuantity(t *testing.T) {
	f := newInventoryFixture(t)
	f.inventory.seed("prod-1", 10, 4)
	f.reservations.seed(domain.Reservation{
		ID: "res-1", OrderID: "order-1", ProductID: "prod-1", Quantity: 4,
		Status: domain.ReservationStatusConfirmed,
	})

	f.db.ExpectBegin()
	f.db.ExpectCommit()

	require.NoError(t, f.svc.RestockConfirmed(context.Background(), "res-1", "order canceled"))
	assert.Equal(t, domain.ReservationStatusReleased, f.reservations.rows["res-1"].Status)
	assert.Equal(t, 0, f.inventory.rows["prod-1"].ReservedStock)
	assert.Equal(t, []string{domain.EventStockAdjusted}, f.outbox.eventTypes())
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestAdjustStock_AppliesDelta(t *testing.T) {
	f := newInventoryFixture(t)
	f.inventory.seed("prod-1", 10, 2)

	f.db.ExpectBegin()
	f.db.ExpectCommit()

	info, err := f.svc.AdjustStock(context.Background(), "prod-1", 5, "restock")
	require.NoError(t, err)
	assert.Equal(t, 15, info.TotalStock)
	assert.Equal(t, 13, info.AvailableStock)
	assert.Equal(t, []string{domain.EventStockAdjusted}, f.outbox.eventTypes())
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestAdjustStock_RejectsDropBelowReserved(t *testing.T) {
	f := newInventoryFixture(t)
	f.inventory.seed("prod-1", 10, 8)

	_, err := f.svc.AdjustStock(context.Background(), "prod-1", -5, "shrinkage")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Equal(t, 10, f.inventory.rows["prod-1"].TotalStock)
	assert.Empty(t, f.outbox.staged)
}

func TestGetStock_DerivesAvailable(t *testing.T) {
	f := newInventoryFixture(t)
	f.inventory.seed("prod-1", 10, 4)

	info, err := f.svc.GetStock(context.Background(), "prod-1")
	require.NoError(t, err)
	assert.Equal(t, 10, info.TotalStock)
	assert.Equal(t, 4, info.ReservedStock)
	assert.Equal(t, 6, info.AvailableStock)

	_, err = f.svc.GetStock(context.Background(), "prod-x")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestReleaseExpiredReservations_SweepsAndIsolatesFailures(t *testing.T) {
	f := newInventoryFixture(t)
	f.inventory.seed("prod-1", 10, 2)
	f.inventory.seed("prod-2", 10, 3)
	past := time.Now().UTC().Add(-time.Minute)
	f.reservations.seed(domain.Reservation{
		ID: "res-1", OrderID: "order-1", ProductID: "prod-1", Quantity: 2,
		Status: domain.ReservationStatusReserved, ExpiresAt: past,
	})
	f.reservations.seed(domain.Reservation{
		ID: "res-2", OrderID: "order-2", ProductID: "prod-2", Quantity: 3,
		Status: domain.ReservationStatusReserved, ExpiresAt: past,
	})
	// The second reservation is confirmed between the sweep query and the
	// conditioned update, so its expiry must abort without touching stock.
	f.reservations.updateErr["res-2"] = apperrors.Conflict("reservation res-2 already transitioned")

	f.db.ExpectBegin()
	f.db.ExpectCommit()
	f.db.ExpectBegin()
	f.db.ExpectRollback()

	released, err := f.svc.ReleaseExpiredReservations(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	assert.Equal(t, domain.ReservationStatusExpired, f.reservations.rows["res-1"].Status)
	assert.Equal(t, 0, f.inventory.rows["prod-1"].ReservedStock)
	assert.Equal(t, domain.ReservationStatusReserved, f.reservations.rows["res-2"].Status)
	assert.Equal(t, []string{domain.EventReservationExpired}, f.outbox.eventTypes())
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestReleaseExpiredReservations_NothingExpired(t *testing.T) {
	f := newInventoryFixture(t)
	f.inventory.seed("prod-1", 10, 2)
	f.reservations.seed(domain.Reservation{
		ID: "res-1", OrderID: "order-1", ProductID: "prod-1", Quantity: 2,
		Status: domain.ReservationStatusReserved, ExpiresAt: time.Now().Add(time.Hour),
	})

	released, err := f.svc.ReleaseExpiredReservations(context.Background(), 100)
	require.NoError(t, err)
	assert.Zero(t, released)
	assert.Empty(t, f.outbox.staged)
}
