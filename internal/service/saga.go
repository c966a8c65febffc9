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
	"github.com/utafrali/fulfillment/pkg/kafka"
)

// SagaConfig tunes the orchestrator's timeouts.
type SagaConfig struct {
	// StepTimeout bounds each forward step.
	StepTimeout time.Duration
	// ReservationTTL is how long the reserve step's holds stay valid.
	ReservationTTL time.Duration
}

// SagaOrchestrator drives an order through reserve, pay, and confirm. State
// is persisted at every step boundary, so a crashed run resumes from the
// first unfinished step instead of repeating work. A failed step triggers
// compensation in reverse order of what completed.
type SagaOrchestrator struct {
	db           database.DBTX
	orders       repository.OrderRepository
	sagas        repository.SagaRepository
	reservations repository.ReservationRepository
	outbox       repository.OutboxRepository
	inventory    *InventoryService
	payments     PaymentProcessor
	cfg          SagaConfig
	logger       *slog.Logger
}

// NewSagaOrchestrator creates the saga orchestrator.
func NewSagaOrchestrator(
	db database.DBTX,
	orders repository.OrderRepository,
	sagas repository.SagaRepository,
	reservations repository.ReservationRepository,
	outbox repository.OutboxRepository,
	inventory *InventoryService,
	payments PaymentProcessor,
	cfg SagaConfig,
	logger *slog.Logger,
) *SagaOrchestrator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 15 * time.Minute
	}
	return &SagaOrchestrator{
		db:           db,
		orders:       orders,
		sagas:        sagas,
		reservations: reservations,
		outbox:       outbox,
		inventory:    inventory,
		payments:     payments,
		cfg:          cfg,
		logger:       logger,
	}
}

// HandleOrderCreated is the Kafka handler that starts fulfillment when an
// order.created event arrives.
func (o *SagaOrchestrator) HandleOrderCreated(ctx context.Context, event *kafka.Event) error {
	var payload struct {
		OrderID string `json:"order_id"`
	}
	if err := event.UnmarshalData(&payload); err != nil {
		return fmt.Errorf("unmarshal order.created payload: %w", err)
	}
	if payload.OrderID == "" {
		return fmt.Errorf("order.created event %s has no order_id", event.EventID)
	}
	return o.Run(ctx, payload.OrderID)
}

// Run executes the saga for an order. Starting is idempotent: the saga row's
// unique order id means concurrent triggers collapse into one run, and a
// redelivered trigger for a finished saga is a no-op. Step failures are
// compensated and absorbed; Run returns an error only when it could not make
// a durable decision about the order.
func (o *SagaOrchestrator) Run(ctx context.Context, orderID string) error {
	order, err := o.orders.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	if order.Status != domain.OrderStatusPending {
		o.logger.InfoContext(ctx, "saga skipped, order is not pending",
			slog.String("order_id", orderID),
			slog.String("status", order.Status),
		)
		return o.closeStaleSaga(ctx, order)
	}

	now := time.Now().UTC()
	saga := &domain.SagaState{
		ID:          uuid.New().String(),
		OrderID:     orderID,
		Status:      domain.SagaStatusStarted,
		CurrentStep: domain.SagaStepReserve,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.sagas.Create(ctx, saga); err != nil {
		if !errors.Is(err, apperrors.ErrAlreadyExists) {
			return fmt.Errorf("create saga for order %s: %w", orderID, err)
		}
		saga, err = o.sagas.GetByOrderID(ctx, orderID)
		if err != nil {
			return fmt.Errorf("load existing saga for order %s: %w", orderID, err)
		}
		if saga.IsTerminal() {
			return nil
		}
		if saga.Status == domain.SagaStatusCompensating {
			// A crash mid-compensation left the saga undecided. Re-entering
			// the forward loop here would charge the customer against holds
			// that were already released, so finish unwinding instead. Every
			// compensation sub-step tolerates already-undone work.
			o.logger.WarnContext(ctx, "resuming interrupted compensation",
				slog.String("order_id", orderID),
				slog.String("failed_step", saga.CurrentStep),
			)
			cause := errors.New(saga.ErrorMessage)
			if saga.ErrorMessage == "" {
				cause = errors.New("compensation interrupted")
			}
			o.compensate(ctx, saga, order, cause)
			return nil
		}
		o.logger.InfoContext(ctx, "resuming saga",
			slog.String("order_id", orderID),
			slog.String("current_step", saga.CurrentStep),
		)
	}

	for _, step := range domain.SagaSteps() {
		if saga.StepCompleted(step) {
			continue
		}

		saga.CurrentStep = step
		if err := o.runStep(ctx, saga, order, step); err != nil {
			o.logger.ErrorContext(ctx, "saga step failed",
				slog.String("order_id", orderID),
				slog.String("step", step),
				slog.String("error", err.Error()),
			)
			o.compensate(ctx, saga, order, err)
			return nil
		}

		saga.MarkStepCompleted(step)
		if err := o.sagas.Update(ctx, saga); err != nil {
			return fmt.Errorf("persist saga after step %s: %w", step, err)
		}
	}

	saga.Status = domain.SagaStatusCompleted
	if err := o.sagas.Update(ctx, saga); err != nil {
		return fmt.Errorf("persist completed saga: %w", err)
	}

	o.logger.InfoContext(ctx, "saga completed", slog.String("order_id", orderID))
	return nil
}

// closeStaleSaga finalizes a non-terminal saga row for an order that already
// left pending. This happens when a crash lands between the last step's
// commit and the saga's final update: the order is settled but the row still
// says started, and redelivered triggers would otherwise leave it that way
// forever.
func (o *SagaOrchestrator) closeStaleSaga(ctx context.Context, order *domain.Order) error {
	saga, err := o.sagas.GetByOrderID(ctx, order.ID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load saga for settled order %s: %w", order.ID, err)
	}
	if saga.IsTerminal() {
		return nil
	}

	switch order.Status {
	case domain.OrderStatusConfirmed, domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered:
		saga.Status = domain.SagaStatusCompleted
	default:
		saga.Status = domain.SagaStatusFailed
	}
	if err := o.sagas.Update(ctx, saga); err != nil {
		return fmt.Errorf("finalize stale saga for order %s: %w", order.ID, err)
	}

	o.logger.InfoContext(ctx, "stale saga finalized",
		slog.String("order_id", order.ID),
		slog.String("order_status", order.Status),
		slog.String("saga_status", saga.Status),
	)
	return nil
}

func (o *SagaOrchestrator) runStep(ctx context.Context, saga *domain.SagaState, order *domain.Order, step string) error {
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	switch step {
	case domain.SagaStepReserve:
		return o.stepReserve(stepCtx, saga, order)
	case domain.SagaStepPay:
		return o.stepPay(stepCtx, saga, order)
	case domain.SagaStepConfirm:
		return o.stepConfirm(stepCtx, saga, order)
	default:
		return fmt.Errorf("unknown saga step %q", step)
	}
}

func (o *SagaOrchestrator) stepReserve(ctx context.Context, saga *domain.SagaState, order *domain.Order) error {
	items := make([]domain.ReserveItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, domain.ReserveItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	result, err := o.inventory.ReserveMany(ctx, order.ID, items, o.cfg.ReservationTTL)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}

	ids := make([]string, 0, len(result.Reservations))
	for _, res := range result.Reservations {
		ids = append(ids, res.ID)
	}
	saga.ReservationIDs = ids
	return nil
}

func (o *SagaOrchestrator) stepPay(ctx context.Context, saga *domain.SagaState, order *domain.Order) error {
	// The idempotency key is derived from the order, so a retried charge
	// after a timeout returns the original result instead of double billing.
	result, err := o.payments.ProcessPayment(ctx, order.ID, order.UserID,
		order.TotalAmount, order.Currency, "default", "order-"+order.ID)
	if err != nil {
		return fmt.Errorf("process payment: %w", err)
	}
	saga.PaymentID = result.TransactionID
	return nil
}

func (o *SagaOrchestrator) stepConfirm(ctx context.Context, saga *domain.SagaState, order *domain.Order) error {
	for _, id := range saga.ReservationIDs {
		if err := o.inventory.ConfirmReservation(ctx, id); err != nil {
			return fmt.Errorf("confirm reservation %s: %w", id, err)
		}
	}

	tx, err := o.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := o.orders.WithTx(tx).UpdateStatus(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusConfirmed, ""); err != nil {
		return err
	}

	event, err := domain.NewOutboxEvent(domain.AggregateTypeOrder, order.ID, domain.EventOrderConfirmed, orderEventPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Status:      domain.OrderStatusConfirmed,
		TotalAmount: order.TotalAmount,
		Currency:    order.Currency,
	})
	if err != nil {
		return fmt.Errorf("build confirmed event: %w", err)
	}
	if err := o.outbox.Stage(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// compensate unwinds completed work in reverse order: refund the charge,
// undo the holds, then mark the order failed. Each sub-step is attempted
// independently so a refund hiccup never strands reserved stock.
func (o *SagaOrchestrator) compensate(ctx context.Context, saga *domain.SagaState, order *domain.Order, cause error) {
	saga.Status = domain.SagaStatusCompensating
	saga.ErrorMessage = cause.Error()
	if err := o.sagas.Update(ctx, saga); err != nil {
		o.logger.ErrorContext(ctx, "failed to persist compensating saga",
			slog.String("order_id", saga.OrderID),
			slog.String("error", err.Error()),
		)
	}

	if saga.PaymentID != "" {
		if err := o.payments.RefundPayment(ctx, saga.PaymentID, "saga compensation"); err != nil {
			o.logger.ErrorContext(ctx, "compensation refund failed",
				slog.String("order_id", saga.OrderID),
				slog.String("payment_id", saga.PaymentID),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, id := range saga.ReservationIDs {
		o.undoReservation(ctx, id)
	}

	o.failOrder(ctx, order, cause)

	saga.Status = domain.SagaStatusFailed
	if err := o.sagas.Update(ctx, saga); err != nil {
		o.logger.ErrorContext(ctx, "failed to persist failed saga",
			slog.String("order_id", saga.OrderID),
			slog.String("error", err.Error()),
		)
	}

	o.logger.WarnContext(ctx, "saga compensated",
		slog.String("order_id", saga.OrderID),
		slog.String("failed_step", saga.CurrentStep),
		slog.String("cause", cause.Error()),
	)
}

// undoReservation returns a hold to stock whatever state it reached: pending
// holds are released, holds confirmed by a partial confirm step are restocked.
func (o *SagaOrchestrator) undoReservation(ctx context.Context, reservationID string) {
	res, err := o.reservations.GetByID(ctx, reservationID)
	if err != nil {
		o.logger.ErrorContext(ctx, "compensation could not load reservation",
			slog.String("reservation_id", reservationID),
			slog.String("error", err.Error()),
		)
		return
	}

	switch res.Status {
	case domain.ReservationStatusReserved:
		err = o.inventory.ReleaseReservation(ctx, reservationID, "saga compensation")
	case domain.ReservationStatusConfirmed:
		err = o.inventory.RestockConfirmed(ctx, reservationID, "saga compensation")
	default:
		return
	}
	if err != nil {
		o.logger.ErrorContext(ctx, "compensation could not undo reservation",
			slog.String("reservation_id", reservationID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *SagaOrchestrator) failOrder(ctx context.Context, order *domain.Order, cause error) {
	tx, err := o.db.Begin(ctx)
	if err != nil {
		o.logger.ErrorContext(ctx, "compensation could not open transaction",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := o.orders.WithTx(tx).UpdateStatus(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusFailed, cause.Error()); err != nil {
		// A conflict here means the order already left pending, for example a
		// user cancel racing the saga. Nothing further to do.
		o.logger.WarnContext(ctx, "compensation could not fail order",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	event, err := domain.NewOutboxEvent(domain.AggregateTypeOrder, order.ID, domain.EventOrderFailed, orderEventPayload{
		OrderID: order.ID,
		UserID:  order.UserID,
		Status:  domain.OrderStatusFailed,
		Reason:  cause.Error(),
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "compensation could not build failed event",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := o.outbox.Stage(ctx, tx, event); err != nil {
		o.logger.ErrorContext(ctx, "compensation could not stage failed event",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		o.logger.ErrorContext(ctx, "compensation could not commit order failure",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}
}
