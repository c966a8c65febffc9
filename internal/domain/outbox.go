package domain

import (
	"encoding/json"
	"time"
)

// Aggregate types staged in the outbox.
const (
	AggregateTypeOrder       = "order"
	AggregateTypeInventory   = "inventory"
	AggregateTypeReservation = "reservation"
)

// Event types staged in the outbox. Topic names are derived from the
// (aggregateType, eventType) pair by the relay.
const (
	EventOrderCreated       = "order.created"
	EventOrderConfirmed     = "order.confirmed"
	EventOrderCanceled      = "order.canceled"
	EventOrderFailed        = "order.failed"
	EventStockReserved      = "stock.reserved"
	EventStockReleased      = "stock.released"
	EventStockConfirmed     = "stock.confirmed"
	EventStockAdjusted      = "stock.adjusted"
	EventReservationExpired = "reservation.expired"
)

// OutboxEvent is a staged domain event. It is inserted in the same storage
// transaction as the aggregate mutation it describes and mutated afterwards
// only by the relay (processed flag, retry bookkeeping).
type OutboxEvent struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	IsProcessed   bool            `json:"is_processed"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	RetryCount    int             `json:"retry_count"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewOutboxEvent builds an unprocessed outbox event with a JSON payload.
func NewOutboxEvent(aggregateType, aggregateID, eventType string, payload any) (*OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
	}, nil
}
