package service

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/fulfillment/internal/client"
	"github.com/utafrali/fulfillment/internal/domain"
	"github.com/utafrali/fulfillment/internal/repository"
	apperrors "github.com/utafrali/fulfillment/pkg/errors"
)

// fakeLockManager grants every lock immediately unless the key is marked
// busy, and records the key sets it was asked to hold.
type fakeLockManager struct {
	mu   sync.Mutex
	held [][]string
	busy map[string]bool
}

func newFakeLockManager() *fakeLockManager {
	return &fakeLockManager{busy: make(map[string]bool)}
}

func (f *fakeLockManager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return f.WithLocks(ctx, []string{key}, fn)
}

func (f *fakeLockManager) WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	for _, k := range keys {
		if f.busy[k] {
			f.mu.Unlock()
			return apperrors.ResourceBusy(k)
		}
	}
	f.held = append(f.held, append([]string(nil), keys...))
	f.mu.Unlock()
	return fn(ctx)
}

func (f *fakeLockManager) TryWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	f.mu.Lock()
	if f.busy[key] {
		f.mu.Unlock()
		return false, nil
	}
	f.held = append(f.held, []string{key})
	f.mu.Unlock()
	return true, fn(ctx)
}

// fakeInventoryRepo mimics the version-conditioned persistence contract of
// the postgres repository against an in-memory map.
type fakeInventoryRepo struct {
	rows      map[string]*domain.Inventory
	updateErr map[string]error
	updated   []string
}

func newFakeInventoryRepo() *fakeInventoryRepo {
	return &fakeInventoryRepo{
		rows:      make(map[string]*domain.Inventory),
		updateErr: make(map[string]error),
	}
}

func (f *fakeInventoryRepo) seed(productID string, total, reserved int) {
	f.rows[productID] = &domain.Inventory{
		ID:            "inv-" + productID,
		ProductID:     productID,
		TotalStock:    total,
		ReservedStock: reserved,
		Version:       1,
	}
}

func (f *fakeInventoryRepo) WithTx(tx pgx.Tx) repository.InventoryRepository { return f }

func (f *fakeInventoryRepo) Create(ctx context.Context, inv *domain.Inventory) error {
	if _, ok := f.rows[inv.ProductID]; ok {
		return apperrors.ErrAlreadyExists
	}
	inv.Version = 1
	cp := *inv
	f.rows[inv.ProductID] = &cp
	return nil
}

func (f *fakeInventoryRepo) GetByProductID(ctx context.Context, productID string) (*domain.Inventory, error) {
	row, ok := f.rows[productID]
	if !ok {
		return nil, apperrors.NotFound("inventory", productID)
	}
	cp := *row
	return &cp, nil
}

func (f *fakeInventoryRepo) UpdateVersioned(ctx context.Context, inv *domain.Inventory) error {
	if err := f.updateErr[inv.ProductID]; err != nil {
		return err
	}
	row, ok := f.rows[inv.ProductID]
	if !ok {
		return apperrors.NotFound("inventory", inv.ProductID)
	}
	if row.Version != inv.Version {
		return apperrors.Conflict("inventory " + inv.ProductID + " was modified concurrently")
	}
	cp := *inv
	cp.Version++
	f.rows[inv.ProductID] = &cp
	inv.Version++
	f.updated = append(f.updated, inv.ProductID)
	return nil
}

// fakeReservationRepo mimics the status-conditioned transition contract
// against an in-memory map with deterministic iteration order.
type fakeReservationRepo struct {
	rows      map[string]*domain.Reservation
	order     []string
	updateErr map[string]error
}

func newFakeReservationRepo() *fakeReservationRepo {
	return &fakeReservationRepo{
		rows:      make(map[string]*domain.Reservation),
		updateErr: make(map[string]error),
	}
}

func (f *fakeReservationRepo) seed(res domain.Reservation) {
	cp := res
	f.rows[res.ID] = &cp
	f.order = append(f.order, res.ID)
}

func (f *fakeReservationRepo) WithTx(tx pgx.Tx) repository.ReservationRepository { return f }

func (f *fakeReservationRepo) Create(ctx context.Context, res *domain.Reservation) error {
	cp := *res
	f.rows[res.ID] = &cp
	f.order = append(f.order, res.ID)
	return nil
}

func (f *fakeReservationRepo) GetByID(ctx context.Context, id string) (*domain.Reservation, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, apperrors.NotFound("reservation", id)
	}
	cp := *row
	return &cp, nil
}

func (f *fakeReservationRepo) GetByOrderID(ctx context.Context, orderID string) ([]domain.Reservation, error) {
	out := []domain.Reservation{}
	for _, id := range f.order {
		if f.rows[id].OrderID == orderID {
			out = append(out, *f.rows[id])
		}
	}
	return out, nil
}

func (f *fakeReservationRepo) UpdateStatus(ctx context.Context, id, fromStatus, toStatus string) error {
	if err := f.updateErr[id]; err != nil {
		return err
	}
	row, ok := f.rows[id]
	if !ok || row.Status != fromStatus {
		return apperrors.Conflict("reservation " + id + " already transitioned")
	}
	row.Status = toStatus
	return nil
}

func (f *fakeReservationRepo) GetExpired(ctx context.Context, limit int) ([]domain.Reservation, error) {
	now := time.Now().UTC()
	out := []domain.Reservation{}
	for _, id := range f.order {
		if len(out) >= limit {
			break
		}
		row := f.rows[id]
		if row.Status == domain.ReservationStatusReserved && row.ExpiresAt.Before(now) {
			out = append(out, *row)
		}
	}
	return out, nil
}

// fakeOutboxRepo records staged events.
type fakeOutboxRepo struct {
	staged []*domain.OutboxEvent
}

func (f *fakeOutboxRepo) Stage(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error {
	if event.ID == "" {
		event.ID = "evt-" + event.AggregateID + "-" + event.EventType
	}
	f.staged = append(f.staged, event)
	return nil
}

func (f *fakeOutboxRepo) FetchUnprocessed(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	return nil, nil
}

func (f *fakeOutboxRepo) MarkProcessed(ctx context.Context, id string) error { return nil }

func (f *fakeOutboxRepo) RecordFailure(ctx context.Context, id string, errMsg string) error {
	return nil
}

func (f *fakeOutboxRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeOutboxRepo) eventTypes() []string {
	types := make([]string, 0, len(f.staged))
	for _, e := range f.staged {
		types = append(types, e.EventType)
	}
	return types
}

// fakeOrderRepo mimics the status-conditioned order persistence contract.
type fakeOrderRepo struct {
	rows            map[string]*domain.Order
	listCalls       []listCall
	updateStatusErr error
}

type listCall struct {
	userID  string
	page    int
	perPage int
	status  string
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{rows: make(map[string]*domain.Order)}
}

func (f *fakeOrderRepo) seed(o domain.Order) {
	cp := o
	f.rows[o.ID] = &cp
}

func (f *fakeOrderRepo) WithTx(tx pgx.Tx) repository.OrderRepository { return f }

func (f *fakeOrderRepo) Create(ctx context.Context, order *domain.Order) error {
	if _, ok := f.rows[order.ID]; ok {
		return apperrors.ErrAlreadyExists
	}
	cp := *order
	f.rows[order.ID] = &cp
	return nil
}

func (f *fakeOrderRepo) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, apperrors.NotFound("order", id)
	}
	cp := *row
	return &cp, nil
}

func (f *fakeOrderRepo) ListByUser(ctx context.Context, userID string, page, perPage int, status string) ([]domain.Order, int, error) {
	f.listCalls = append(f.listCalls, listCall{userID, page, perPage, status})
	out := []domain.Order{}
	for _, row := range f.rows {
		if row.UserID == userID && (status == "" || row.Status == status) {
			out = append(out, *row)
		}
	}
	return out, len(out), nil
}

func (f *fakeOrderRepo) UpdateStatus(ctx context.Context, id, fromStatus, toStatus, failureReason string) error {
	if f.updateStatusErr != nil {
		return f.updateStatusErr
	}
	row, ok := f.rows[id]
	if !ok || row.Status != fromStatus {
		return apperrors.Conflict("order " + id + " already transitioned")
	}
	row.Status = toStatus
	row.FailureReason = failureReason
	return nil
}

// fakeSagaRepo mimics the unique-order-id saga persistence contract.
type fakeSagaRepo struct {
	rows map[string]*domain.SagaState
}

func newFakeSagaRepo() *fakeSagaRepo {
	return &fakeSagaRepo{rows: make(map[string]*domain.SagaState)}
}

func (f *fakeSagaRepo) seed(s domain.SagaState) {
	cp := s
	f.rows[s.OrderID] = &cp
}

func (f *fakeSagaRepo) Create(ctx context.Context, saga *domain.SagaState) error {
	if _, ok := f.rows[saga.OrderID]; ok {
		return apperrors.ErrAlreadyExists
	}
	cp := *saga
	f.rows[saga.OrderID] = &cp
	return nil
}

func (f *fakeSagaRepo) GetByOrderID(ctx context.Context, orderID string) (*domain.SagaState, error) {
	row, ok := f.rows[orderID]
	if !ok {
		return nil, apperrors.NotFound("saga", orderID)
	}
	cp := *row
	cp.CompletedSteps = append([]string(nil), row.CompletedSteps...)
	cp.ReservationIDs = append([]string(nil), row.ReservationIDs...)
	return &cp, nil
}

func (f *fakeSagaRepo) Update(ctx context.Context, saga *domain.SagaState) error {
	if _, ok := f.rows[saga.OrderID]; !ok {
		return apperrors.NotFound("saga", saga.OrderID)
	}
	cp := *saga
	cp.CompletedSteps = append([]string(nil), saga.CompletedSteps...)
	cp.ReservationIDs = append([]string(nil), saga.ReservationIDs...)
	f.rows[saga.OrderID] = &cp
	return nil
}

// fakePayments records charges and refunds.
type fakePayments struct {
	processErr      error
	refundErr       error
	processed       []string
	idempotencyKeys []string
	refunded        []string
}

func (f *fakePayments) ProcessPayment(ctx context.Context, orderID, userID string, amount int64, currency, method, idempotencyKey string) (*client.PaymentResult, error) {
	if f.processErr != nil {
		return nil, f.processErr
	}
	f.processed = append(f.processed, orderID)
	f.idempotencyKeys = append(f.idempotencyKeys, idempotencyKey)
	return &client.PaymentResult{Status: "succeeded", TransactionID: "txn-" + orderID}, nil
}

func (f *fakePayments) RefundPayment(ctx context.Context, paymentID, reason string) error {
	if f.refundErr != nil {
		return f.refundErr
	}
	f.refunded = append(f.refunded, paymentID)
	return nil
}

// fakeProducts serves catalog lookups from a map.
type fakeProducts struct {
	products map[string]client.Product
}

func (f *fakeProducts) GetProduct(ctx context.Context, productID string) (*client.Product, error) {
	p, ok := f.products[productID]
	if !ok {
		return nil, apperrors.NotFound("product", productID)
	}
	return &p, nil
}
