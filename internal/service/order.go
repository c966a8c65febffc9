package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/utafrali/fulfillment/internal/client"
	"github.com/utafrali/fulfillment/internal/domain"
	"github.com/utafrali/fulfillment/internal/repository"
	"github.com/utafrali/fulfillment/pkg/database"
	apperrors "github.com/utafrali/fulfillment/pkg/errors"
)

// PaymentProcessor is the payment collaborator contract, satisfied by
// client.PaymentClient.
type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, orderID, userID string, amount int64, currency, method, idempotencyKey string) (*client.PaymentResult, error)
	RefundPayment(ctx context.Context, paymentID, reason string) error
}

// ProductCatalog is the product collaborator contract, satisfied by
// client.ProductClient.
type ProductCatalog interface {
	GetProduct(ctx context.Context, productID string) (*client.Product, error)
}

// CreateOrderItem is a requested line in a new order.
type CreateOrderItem struct {
	ProductID string `json:"product_id" validate:"required,uuid"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

// CreateOrderInput carries everything needed to place an order.
type CreateOrderInput struct {
	UserID          string            `json:"user_id" validate:"required,uuid"`
	Currency        string            `json:"currency" validate:"omitempty,len=3"`
	Items           []CreateOrderItem `json:"items" validate:"required,min=1,dive"`
	ShippingAddress *domain.Address   `json:"shipping_address,omitempty"`
	Notes           string            `json:"notes,omitempty"`
}

// OrderService owns the order lifecycle: placement, reads, and the
// user-initiated cancel path. Fulfillment itself runs asynchronously in the
// saga, triggered by the order.created event the relay publishes.
type OrderService struct {
	db           database.DBTX
	orders       repository.OrderRepository
	reservations repository.ReservationRepository
	sagas        repository.SagaRepository
	outbox       repository.OutboxRepository
	inventory    *InventoryService
	payments     PaymentProcessor
	products     ProductCatalog
	logger       *slog.Logger
}

// NewOrderService creates the order service.
func NewOrderService(
	db database.DBTX,
	orders repository.OrderRepository,
	reservations repository.ReservationRepository,
	sagas repository.SagaRepository,
	outbox repository.OutboxRepository,
	inventory *InventoryService,
	payments PaymentProcessor,
	products ProductCatalog,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		db:           db,
		orders:       orders,
		reservations: reservations,
		sagas:        sagas,
		outbox:       outbox,
		inventory:    inventory,
		payments:     payments,
		products:     products,
		logger:       logger,
	}
}

// CreateOrder validates the request, snapshots current catalog prices into
// the order lines, and persists the order together with its order.created
// event in one transaction. The order starts pending; the saga picks it up
// once the relay publishes the event.
func (s *OrderService) CreateOrder(ctx context.Context, input CreateOrderInput) (*domain.Order, error) {
	if input.UserID == "" {
		return nil, apperrors.InvalidInput("user_id is required")
	}
	if len(input.Items) == 0 {
		return nil, apperrors.InvalidInput("order must contain at least one item")
	}
	seen := make(map[string]bool, len(input.Items))
	for i, item := range input.Items {
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
	}

	currency := input.Currency
	if currency == "" {
		currency = "USD"
	}

	items := make([]domain.OrderItem, 0, len(input.Items))
	for _, item := range input.Items {
		product, err := s.products.GetProduct(ctx, item.ProductID)
		if err != nil {
			return nil, fmt.Errorf("resolve product %s: %w", item.ProductID, err)
		}
		items = append(items, domain.OrderItem{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  item.Quantity,
			UnitPrice: product.Price,
		})
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:              uuid.New().String(),
		UserID:          input.UserID,
		Status:          domain.OrderStatusPending,
		Items:           items,
		Currency:        currency,
		ShippingAddress: input.ShippingAddress,
		Notes:           input.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	order.RecalculateTotal()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.orders.WithTx(tx).Create(ctx, order); err != nil {
		return nil, err
	}

	event, err := domain.NewOutboxEvent(domain.AggregateTypeOrder, order.ID, domain.EventOrderCreated, orderEventPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount,
		Currency:    order.Currency,
		Items:       order.Items,
	})
	if err != nil {
		return nil, fmt.Errorf("build created event: %w", err)
	}
	if err := s.outbox.Stage(ctx, tx, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.InfoContext(ctx, "order created",
		slog.String("order_id", order.ID),
		slog.String("user_id", order.UserID),
		slog.Int64("total_amount", order.TotalAmount),
	)

	return order, nil
}

// GetOrder retrieves an order with its items.
func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.orders.GetByID(ctx, id)
}

// ListOrders returns a page of a user's orders, newest first, with the total
// count for pagination. An empty status matches all statuses.
func (s *OrderService) ListOrders(ctx context.Context, userID string, page, perPage int, status string) ([]domain.Order, int, error) {
	if userID == "" {
		return nil, 0, apperrors.InvalidInput("user_id is required")
	}
	if status != "" && !domain.IsValidStatus(status) {
		return nil, 0, apperrors.InvalidInput("invalid status filter: " + status)
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}
	return s.orders.ListByUser(ctx, userID, page, perPage, status)
}

// CancelOrder is the user-initiated cancel path, distinct from saga
// compensation. It refunds the payment if one was captured, undoes the
// order's holds (releasing pending reservations, restocking confirmed ones),
// and transitions the order to canceled. Canceling an already canceled order
// is a no-op; other terminal orders cannot be canceled.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status == domain.OrderStatusCanceled {
		return order, nil
	}
	if !order.CanTransitionTo(domain.OrderStatusCanceled) {
		return nil, apperrors.Conflict(fmt.Sprintf("order %s is %s and cannot be canceled", orderID, order.Status))
	}

	// Refund before touching stock: if the refund fails the order stays in
	// its current state and the user can retry the cancel.
	if err := s.refundIfPaid(ctx, orderID, reason); err != nil {
		return nil, err
	}

	reservations, err := s.reservations.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for _, res := range reservations {
		switch res.Status {
		case domain.ReservationStatusReserved:
			if err := s.inventory.ReleaseReservation(ctx, res.ID, "order canceled"); err != nil {
				return nil, fmt.Errorf("release reservation %s: %w", res.ID, err)
			}
		case domain.ReservationStatusConfirmed:
			if err := s.inventory.RestockConfirmed(ctx, res.ID, "order canceled"); err != nil {
				return nil, fmt.Errorf("restock reservation %s: %w", res.ID, err)
			}
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.orders.WithTx(tx).UpdateStatus(ctx, orderID, order.Status, domain.OrderStatusCanceled, reason); err != nil {
		return nil, err
	}

	event, err := domain.NewOutboxEvent(domain.AggregateTypeOrder, orderID, domain.EventOrderCanceled, orderEventPayload{
		OrderID: orderID,
		UserID:  order.UserID,
		Status:  domain.OrderStatusCanceled,
		Reason:  reason,
	})
	if err != nil {
		return nil, fmt.Errorf("build canceled event: %w", err)
	}
	if err := s.outbox.Stage(ctx, tx, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	order.Status = domain.OrderStatusCanceled
	order.FailureReason = reason

	s.logger.InfoContext(ctx, "order canceled",
		slog.String("order_id", orderID),
		slog.String("reason", reason),
	)

	return order, nil
}

// refundIfPaid refunds the order's payment when the saga recorded one.
func (s *OrderService) refundIfPaid(ctx context.Context, orderID, reason string) error {
	saga, err := s.sagas.GetByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}
	if saga.PaymentID == "" {
		return nil
	}
	if err := s.payments.RefundPayment(ctx, saga.PaymentID, reason); err != nil {
		return fmt.Errorf("refund payment %s: %w", saga.PaymentID, err)
	}
	return nil
}

// orderEventPayload is the JSON body for order lifecycle events.
type orderEventPayload struct {
	OrderID     string             `json:"order_id"`
	UserID      string             `json:"user_id"`
	Status      string             `json:"status"`
	TotalAmount int64              `json:"total_amount,omitempty"`
	Currency    string             `json:"currency,omitempty"`
	Items       []domain.OrderItem `json:"items,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}
