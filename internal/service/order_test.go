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

	"github.com/utafrali/fulfillment/internal/client"
	"github.com/utafrali/fulfillment/internal/domain"
	"github.com/utafrali/fulfillment/pkg/database"
	apperrors "github.com/utafrali/fulfillment/pkg/errors"
)

type orderFixture struct {
	svc          *OrderService
	db           pgxmock.PgxPoolIface
	orders       *fakeOrderRepo
	reservations *fakeReservationRepo
	sagas        *fakeSagaRepo
	inventory    *fakeInventoryRepo
	outbox       *fakeOutboxRepo
	payments     *fakePayments
	products     *fakeProducts
	locks        *fakeLockManager
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	f := &orderFixture{
		db:           mock,
		orders:       newFakeOrderRepo(),
		reservations: newFakeReservationRepo(),
		sagas:        newFakeSagaRepo(),
		inventory:    newFakeInventoryRepo(),
		outbox:       &fakeOutboxRepo{},
		payments:     &fakePayments{},
		products: &fakeProducts{products: map[string]client.Product{
			"prod-1": {ID: "prod-1", Name: "Widget", Price: 1500},
			"prod-2": {ID: "prod-2", Name: "Gadget", Price: 700},
		}},
		locks: newFakeLockManager(),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inventorySvc := NewInventoryService(mock, f.inventory, f.reservations, f.outbox, f.locks, logger)
	f.svc = NewOrderService(mock, f.orders, f.reservations, f.sagas, f.outbox,
		inventorySvc, f.payments, f.products, logger)
	return f
}

func TestCreateOrder_SnapshotsPricesAndStagesEvent(t *testing.T) {
	f := newOrderFixture(t)

	f.db.ExpectBegin()
	f.db.ExpectCommit()

	order, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		UserID: "user-1",
		Items: []CreateOrderItem{
			{ProductID: "prod-1", Quantity: 2},
			{ProductID: "prod-2", Quantity: 1},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, int64(2*1500+700), order.TotalAmount)
	assert.Equal(t, "USD", order.Currency)
	require.Len(t, order.Items, 2)
	assert.Equal(t, "Widget", order.Items[0].Name)
	assert.Equal(t, int64(1500), order.Items[0].UnitPrice)

	require.Contains(t, f.orders.rows, order.ID)
	assert.Equal(t, []string{domain.EventOrderCreated}, f.outbox.eventTypes())
	assert.Equal(t, order.ID, f.outbox.staged[0].AggregateID)
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestCreateOrder_UnknownProduct_NoWrites(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		UserID: "user-1",
		Items:  []CreateOrderItem{{ProductID: "prod-missing", Quantity: 1}},
	})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Empty(t, f.orders.rows)
	assert.Empty(t, f.outbox.staged)
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestCreateOrder_InputValidation(t *testing.T) {
	f := newOrderFixture(t)

	tests := []struct {
		name  string
		input CreateOrderInput
	}{
		{"no user", CreateOrderInput{Items: []CreateOrderItem{{ProductID: "prod-1", Quantity: 1}}}},
		{"no items", CreateOrderInput{UserID: "user-1"}},
		{"zero quantity", CreateOrderInput{UserID: "user-1", Items: []CreateOrderItem{{ProductID: "prod-1", Quantity: 0}}}},
		{"duplicate product", CreateOrderInput{UserID: "user-1", Items: []CreateOrderItem{
			{ProductID: "prod-1", Quantity: 1},
			{ProductID: "prod-1", Quantity: 2},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(context.Background(), tt.input)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
	assert.Empty(t, f.orders.rows)
}

func TestListOrders_ClampsPaginationAndValidatesStatus(t *testing.T) {
	f := newOrderFixture(t)

	_, _, err := f.svc.ListOrders(context.Background(), "user-1", 0, 500, "")
	require.NoError(t, err)
	require.Len(t, f.orders.listCalls, 1)
	assert.Equal(t, 1, f.orders.listCalls[0].page)
	assert.Equal(t, 100, f.orders.listCalls[0].perPage)

	_, _, err = f.svc.ListOrders(context.Background(), "user-1", 1, 20, "bogus")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, _, err = f.svc.ListOrders(context.Background(), "", 1, 20, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestCancelOrder_PendingWithHolds_ReleasesStock(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.seed(domain.Order{ID: "order-1", UserID: "user-1", Status: domain.OrderStatusPending})
	f.inventory.seed("prod-1", 10, 2)
	f.reservations.seed(domain.Reservation{
		ID: "res-1", OrderID: "order-1", ProductID: "prod-1", Quantity: 2,
		Status: domain.ReservationStatusReserved, ExpiresAt: time.Now().Add(time.Minute),
	})

	// Release transaction, then the cancel transaction.
	f.db.ExpectBegin()
	f.db.ExpectCommit()
	f.db.ExpectBegin()
	f.db.ExpectCommit()

	order, err := f.svc.CancelOrder(context.Background(), "order-1", "changed my mind")
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusCanceled, order.Status)
	assert.Equal(t, domain.OrderStatusCanceled, f.orders.rows["order-1"].Status)
	assert.Equal(t, domain.ReservationStatusReleased, f.reservations.rows["res-1"].Status)
	assert.Equal(t, 0, f.inventory.rows["prod-1"].ReservedStock)
	assert.Empty(t, f.payments.refunded, "unpaid order must not trigger a refund")
	assert.Equal(t, []string{domain.EventStockReleased, domain.EventOrderCanceled}, f.outbox.eventTypes())
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestCancelOrder_ConfirmedAndPaid_RefundsAndRestocks(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.seed(domain.Order{ID: "order-1", UserID: "user-1", Status: domain.OrderStatusConfirmed})
	f.inventory.seed("prod-1", 10, 3)
	f.reservations.seed(domain.Reservation{
		ID: "res-1", OrderID: "order-1", ProductID: "prod-1", Quantity: 3,
		Status: domain.ReservationStatusConfirmed,
	})
	f.sagas.seed(domain.SagaState{
		ID: "saga-1", OrderID: "order-1", Status: domain.SagaStatusCompleted,
		PaymentID: "txn-order-1",
	})

	f.db.ExpectBegin()
	f.db.ExpectCommit()
	f.db.ExpectBegin()
	f.db.ExpectCommit()

	order, err := f.svc.CancelOrder(context.Background(), "order-1", "refund please")
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusCanceled, order.Status)
	assert.Equal(t, []string{"txn-order-1"}, f.payments.refunded)
	assert.Equal(t, domain.ReservationStatusReleased, f.reservations.rows["res-1"].Status)
	assert.Equal(t, 0, f.inventory.rows["prod-1"].ReservedStock)
	assert.Equal(t, []string{domain.EventStockAdjusted, domain.EventOrderCanceled}, f.outbox.eventTypes())
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestCancelOrder_RefundFailure_AbortsCancel(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.seed(domain.Order{ID: "order-1", UserID: "user-1", Status: domain.OrderStatusConfirmed})
	f.inventory.seed("prod-1", 10, 3)
	f.reservations.seed(domain.Reservation{
		ID: "res-1", OrderID: "order-1", ProductID: "prod-1", Quantity: 3,
		Status: domain.ReservationStatusConfirmed,
	})
	f.sagas.seed(domain.SagaState{ID: "saga-1", OrderID: "order-1", PaymentID: "txn-order-1"})
	f.payments.refundErr = apperrors.ServiceUnavailable("payment service is down")

	_, err := f.svc.CancelOrder(context.Background(), "order-1", "refund please")
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavail)

	// Refund failed first, so the order and its stock are untouched.
	assert.Equal(t, domain.OrderStatusConfirmed, f.orders.rows["order-1"].Status)
	assert.Equal(t, domain.ReservationStatusConfirmed, f.reservations.rows["res-1"].Status)
	assert.Equal(t, 3, f.inventory.rows["prod-1"].ReservedStock)
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestCancelOrder_AlreadyCanceled_NoOp(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.seed(domain.Order{ID: "order-1", UserID: "user-1", Status: domain.OrderStatusCanceled})

	order, err := f.svc.CancelOrder(context.Background(), "order-1", "again")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, order.Status)
	assert.Empty(t, f.outbox.staged)
}

func TestCancelOrder_Delivered_Conflict(t *testing.T) {
	f := newOrderFixture(t)
	f.orders.seed(domain.Order{ID: "order-1", UserID: "user-1", Status: domain.OrderStatusDelivered})

	_, err := f.svc.CancelOrder(context.Background(), "order-1", "too late")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestGetOrder_NotFound(t *testing.T) {
	f := newOrderFixture(t)

	_, err := f.svc.GetOrder(context.Background(), "order-x")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
