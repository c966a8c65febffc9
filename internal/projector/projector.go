// Package projector maintains a Redis read view of orders from the event
// stream, so lookups by search and support tooling never touch the
// transactional store.
package projector

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/fulfillment/pkg/kafka"
)

const orderKeyPrefix = "search:orders:"

// HashWriter is the subset of the Redis client the projector uses.
type HashWriter interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
}

// Projector folds order lifecycle events into per-order Redis hashes. Each
// event writes only the fields it carries, so replays and redeliveries
// converge on the same view (last write wins per field). Wrap the handler
// with kafka.IdempotentHandler to skip exact redeliveries entirely.
type Projector struct {
	redis  HashWriter
	logger *slog.Logger
}

// NewProjector creates an order view projector.
func NewProjector(redis HashWriter, logger *slog.Logger) *Projector {
	return &Projector{redis: redis, logger: logger}
}

// OrderKey returns the Redis key for an order's view hash.
func OrderKey(orderID string) string {
	return orderKeyPrefix + orderID
}

// HandleOrderEvent projects one order lifecycle event into the view.
func (p *Projector) HandleOrderEvent(ctx context.Context, event *kafka.Event) error {
	var payload struct {
		OrderID     string `json:"order_id"`
		UserID      string `json:"user_id"`
		Status      string `json:"status"`
		TotalAmount int64  `json:"total_amount"`
		Currency    string `json:"currency"`
		Reason      string `json:"reason"`
	}
	if err := event.UnmarshalData(&payload); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", event.EventType, err)
	}

	orderID := payload.OrderID
	if orderID == "" {
		orderID = event.AggregateID
	}
	if orderID == "" {
		return fmt.Errorf("event %s has no order id", event.EventID)
	}

	fields := []any{
		"order_id", orderID,
		"last_event", event.EventType,
		"updated_at", event.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if payload.UserID != "" {
		fields = append(fields, "user_id", payload.UserID)
	}
	if payload.Status != "" {
		fields = append(fields, "status", payload.Status)
	}
	if payload.TotalAmount > 0 {
		fields = append(fields, "total_amount", strconv.FormatInt(payload.TotalAmount, 10))
	}
	if payload.Currency != "" {
		fields = append(fields, "currency", payload.Currency)
	}
	if payload.Reason != "" {
		fields = append(fields, "reason", payload.Reason)
	}

	if err := p.redis.HSet(ctx, OrderKey(orderID), fields...).Err(); err != nil {
		return fmt.Errorf("project %s for order %s: %w", event.EventType, orderID, err)
	}

	p.logger.DebugContext(ctx, "order view updated",
		slog.String("order_id", orderID),
		slog.String("event_type", event.EventType),
	)
	return nil
}
