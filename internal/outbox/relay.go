// Package outbox publishes staged domain events to Kafka. Events are written
// to the outbox table in the same transaction as the aggregate mutation they
// describe; the relay moves them to the broker afterwards, giving
// at-least-once delivery without dual writes.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/utafrali/fulfillment/internal/domain"
	"github.com/utafrali/fulfillment/internal/repository"
	"github.com/utafrali/fulfillment/pkg/kafka"
)

// Publisher is the broker contract, satisfied by kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *kafka.Event) error
}

// RelayConfig tunes the relay's polling and retention behavior.
type RelayConfig struct {
	// PollInterval is how often the relay drains the outbox.
	PollInterval time.Duration
	// BatchSize caps how many events one drain publishes.
	BatchSize int
	// Retention is how long processed events are kept before cleanup.
	Retention time.Duration
	// CleanupInterval is how often processed events past retention are purged.
	CleanupInterval time.Duration
}

// DefaultRelayConfig returns the standard relay tuning.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:    5 * time.Second,
		BatchSize:       100,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: 24 * time.Hour,
	}
}

// Relay drains the outbox table to Kafka. Delivery is at-least-once: an
// event whose processed flag fails to persist after a successful publish is
// republished with the same event ID, and consumers deduplicate on it.
type Relay struct {
	repo      repository.OutboxRepository
	publisher Publisher
	cfg       RelayConfig
	logger    *slog.Logger
	draining  atomic.Bool
}

// NewRelay creates an outbox relay. Zero config fields get defaults.
func NewRelay(repo repository.OutboxRepository, publisher Publisher, cfg RelayConfig, logger *slog.Logger) *Relay {
	def := DefaultRelayConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	return &Relay{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start polls the outbox until the context is canceled.
func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started",
		slog.Duration("poll_interval", r.cfg.PollInterval),
		slog.Int("batch_size", r.cfg.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.DrainOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "outbox drain failed", slog.String("error", err.Error()))
			}
		}
	}
}

// DrainOnce publishes one batch of unprocessed events, oldest first, and
// returns how many were published. Overlapping drains are skipped so a slow
// broker does not stack up concurrent batches.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	if !r.draining.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer r.draining.Store(false)

	events, err := r.repo.FetchUnprocessed(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch unprocessed events: %w", err)
	}

	published := 0
	for _, event := range events {
		if err := r.publishOne(ctx, &event); err != nil {
			r.logger.ErrorContext(ctx, "failed to publish outbox event",
				slog.String("event_id", event.ID),
				slog.String("event_type", event.EventType),
				slog.Int("retry_count", event.RetryCount),
				slog.String("error", err.Error()),
			)
			if recErr := r.repo.RecordFailure(ctx, event.ID, err.Error()); recErr != nil {
				r.logger.ErrorContext(ctx, "failed to record publish failure",
					slog.String("event_id", event.ID),
					slog.String("error", recErr.Error()),
				)
			}
			continue
		}

		if err := r.repo.MarkProcessed(ctx, event.ID); err != nil {
			// The event was published but not marked, so it will be
			// republished with the same ID and deduplicated downstream.
			r.logger.ErrorContext(ctx, "failed to mark event processed",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		published++
	}

	if published > 0 {
		r.logger.DebugContext(ctx, "outbox batch drained",
			slog.Int("published", published),
			slog.Int("fetched", len(events)),
		)
	}

	return published, nil
}

func (r *Relay) publishOne(ctx context.Context, event *domain.OutboxEvent) error {
	msg, err := kafka.NewEvent(event.EventType, event.AggregateID, event.AggregateType, "fulfillment", event.Payload)
	if err != nil {
		return fmt.Errorf("build event envelope: %w", err)
	}
	// Keep the outbox row ID as the event ID so republished events are
	// deduplicated by idempotent consumers.
	msg.WithEventID(event.ID)

	return r.publisher.Publish(ctx, TopicFor(event), msg)
}

// TopicFor derives the Kafka topic from an event's aggregate type and the
// action suffix of its event type: an inventory stock.reserved event goes to
// fulfillment.inventory.reserved.
func TopicFor(event *domain.OutboxEvent) string {
	action := event.EventType
	if i := strings.LastIndex(action, "."); i >= 0 {
		action = action[i+1:]
	}
	return kafka.Topic(event.AggregateType, action)
}

// StartCleanup purges processed events past retention until the context is
// canceled.
func (r *Relay) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-r.cfg.Retention)
			deleted, err := r.repo.DeleteProcessedBefore(ctx, cutoff)
			if err != nil {
				r.logger.ErrorContext(ctx, "outbox cleanup failed", slog.String("error", err.Error()))
				continue
			}
			if deleted > 0 {
				r.logger.InfoContext(ctx, "outbox cleanup completed",
					slog.Int64("deleted", deleted),
					slog.Time("cutoff", cutoff),
				)
			}
		}
	}
}
