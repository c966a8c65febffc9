// Package app wires together all dependencies and runs the fulfillment
// service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/utafrali/fulfillment/internal/client"
	"github.com/utafrali/fulfillment/internal/config"
	"github.com/utafrali/fulfillment/internal/domain"
	handler "github.com/utafrali/fulfillment/internal/handler/http"
	"github.com/utafrali/fulfillment/internal/outbox"
	"github.com/utafrali/fulfillment/internal/projector"
	"github.com/utafrali/fulfillment/internal/repository/postgres"
	"github.com/utafrali/fulfillment/internal/service"
	"github.com/utafrali/fulfillment/migrations"
	"github.com/utafrali/fulfillment/pkg/database"
	"github.com/utafrali/fulfillment/pkg/health"
	"github.com/utafrali/fulfillment/pkg/httpclient"
	pkgkafka "github.com/utafrali/fulfillment/pkg/kafka"
	"github.com/utafrali/fulfillment/pkg/lock"
	"github.com/utafrali/fulfillment/pkg/tracing"
)

const serviceName = "fulfillment"

// sweepBatchSize caps how many expired reservations one sweep releases.
const sweepBatchSize = 100

// sweepLockKey serializes the expiry sweeper across replicas.
const sweepLockKey = "jobs:reservation-sweep"

// App holds the wired dependency graph and runs the service.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	pool      *pgxpool.Pool
	redis     *goredis.Client
	producer  *pkgkafka.Producer
	consumers []*pkgkafka.Consumer

	httpServer *http.Server
	relay      *outbox.Relay
	inventory  *service.InventoryService
	locks      *lock.Coordinator

	tracerShutdown func(context.Context) error
}

// NewApp creates the application with all dependencies wired.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	pgCfg := database.PostgresConfig{
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPass,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Duration(cfg.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.DBMaxConnIdleTimeMins) * time.Minute,
	}
	pool, err := database.NewPostgresPool(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	database.RegisterPoolMetrics(pool, serviceName)

	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	redisClient, err := database.NewRedisClient(ctx, database.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis", slog.String("host", cfg.RedisHost))

	producer := pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	if err := pingKafkaWithRetry(ctx, producer, logger); err != nil {
		logger.Warn("kafka producer ping failed after retries, continuing in degraded mode",
			slog.String("error", err.Error()),
		)
	} else {
		logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	}

	// Distributed lock coordinator over Redis.
	locks := lock.NewCoordinator(lock.NewRedisLocker(redisClient), lock.Config{
		TTL:              cfg.LockTTL(),
		RetryAttempts:    uint(cfg.LockRetryAttempts),
		RetryInitialWait: time.Duration(cfg.LockRetryInitialMs) * time.Millisecond,
		RetryMaxWait:     time.Duration(cfg.LockRetryMaxMs) * time.Millisecond,
	}, logger)

	// Repositories.
	orderRepo := postgres.NewOrderRepository(pool)
	inventoryRepo := postgres.NewInventoryRepository(pool)
	reservationRepo := postgres.NewReservationRepository(pool)
	sagaRepo := postgres.NewSagaRepository(pool)
	outboxRepo := postgres.NewOutboxRepository(pool)

	// Collaborator clients, each behind its own circuit breaker so one dying
	// downstream does not wedge saga steps for the other.
	httpClient := httpclient.New(httpclient.DefaultConfig())
	paymentHTTP := httpclient.NewBreakerClient(httpClient, httpclient.DefaultBreakerConfig("payment-service"), logger)
	productHTTP := httpclient.NewBreakerClient(httpClient, httpclient.DefaultBreakerConfig("product-service"), logger)
	paymentClient := client.NewPaymentClient(paymentHTTP, cfg.PaymentServiceURL, logger)
	productClient := client.NewProductClient(productHTTP, cfg.ProductServiceURL, logger)

	// Services.
	inventoryService := service.NewInventoryService(pool, inventoryRepo, reservationRepo, outboxRepo, locks, logger)
	orderService := service.NewOrderService(pool, orderRepo, reservationRepo, sagaRepo, outboxRepo,
		inventoryService, paymentClient, productClient, logger)
	orchestrator := service.NewSagaOrchestrator(pool, orderRepo, sagaRepo, reservationRepo, outboxRepo,
		inventoryService, paymentClient, service.SagaConfig{
			StepTimeout:    cfg.SagaStepTimeout(),
			ReservationTTL: cfg.ReservationTTL(),
		}, logger)

	// Outbox relay.
	relay := outbox.NewRelay(outboxRepo, producer, outbox.RelayConfig{
		PollInterval: cfg.OutboxPollInterval(),
		BatchSize:    cfg.OutboxBatchSize,
		Retention:    cfg.OutboxRetention(),
	}, logger)

	// Consumers: the saga trigger plus the order view projector. Dedup keys
	// on the stable outbox event ID, so each logical consumer needs its own
	// store: the saga and the projector both subscribe to order.created, and
	// a shared store would let whichever processed an event first suppress
	// it for the other. The projector consumers share one store because each
	// event reaches exactly one of their topics.
	sagaStore := pkgkafka.NewMemoryIdempotencyStore(24 * time.Hour)
	projectorStore := pkgkafka.NewMemoryIdempotencyStore(24 * time.Hour)
	orderProjector := projector.NewProjector(redisClient, logger)

	consumers := []*pkgkafka.Consumer{
		newConsumer(cfg, "saga", pkgkafka.Topic(domain.AggregateTypeOrder, "created"),
			pkgkafka.IdempotentHandler(sagaStore, orchestrator.HandleOrderCreated, logger), logger),
	}
	for _, action := range []string{"created", "confirmed", "canceled", "failed"} {
		consumers = append(consumers, newConsumer(cfg, "projector-"+action,
			pkgkafka.Topic(domain.AggregateTypeOrder, action),
			pkgkafka.IdempotentHandler(projectorStore, orderProjector.HandleOrderEvent, logger), logger))
	}

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.Register("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.Register("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	healthHandler.Register("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	router := handler.NewRouter(
		handler.NewOrderHandler(orderService, logger),
		handler.NewInventoryHandler(inventoryService, cfg.ReservationTTL(), logger),
		healthHandler,
		logger,
		serviceName,
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		redis:          redisClient,
		producer:       producer,
		consumers:      consumers,
		httpServer:     httpServer,
		relay:          relay,
		inventory:      inventoryService,
		locks:          locks,
		tracerShutdown: tracerShutdown,
	}, nil
}

func newConsumer(cfg *config.Config, suffix, topic string, h pkgkafka.Handler, logger *slog.Logger) *pkgkafka.Consumer {
	return pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  cfg.KafkaConsumerGroup + "-" + suffix,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	}, h, logger)
}

// Run starts the HTTP server, consumers, and background jobs, then blocks
// until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, len(a.consumers)+1)

	go func() {
		a.logger.Info("starting HTTP server", slog.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for _, consumer := range a.consumers {
		go func() {
			if err := consumer.Start(ctx); err != nil {
				errCh <- fmt.Errorf("kafka consumer: %w", err)
			}
		}()
	}

	go a.relay.Start(ctx)
	go a.relay.StartCleanup(ctx)
	go a.runReservationSweeper(ctx)

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	return a.Shutdown()
}

// runReservationSweeper periodically releases reservations held past their
// expiry. The sweep runs under a coordinator lock so only one replica sweeps
// per interval; a busy lock means another replica is already on it.
func (a *App) runReservationSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			acquired, err := a.locks.TryWithLock(ctx, sweepLockKey, func(ctx context.Context) error {
				_, err := a.inventory.ReleaseExpiredReservations(ctx, sweepBatchSize)
				return err
			})
			if err != nil {
				a.logger.ErrorContext(ctx, "reservation sweep failed", slog.String("error", err.Error()))
			} else if !acquired {
				a.logger.DebugContext(ctx, "reservation sweep skipped, another replica holds the lock")
			}
		}
	}
}

// Shutdown stops components in dependency order: drain HTTP, flush traces,
// stop consumers, flush the producer, then close storage connections.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	for _, consumer := range a.consumers {
		if err := consumer.Close(); err != nil {
			a.logger.Error("kafka consumer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if err := a.redis.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// pingKafkaWithRetry attempts to ping the Kafka producer with exponential
// backoff (3 attempts, 1s/2s/4s with ±25% jitter).
func pingKafkaWithRetry(ctx context.Context, producer *pkgkafka.Producer, logger *slog.Logger) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := producer.Ping(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt < 2 {
			base := time.Duration(1<<uint(attempt)) * time.Second
			jitter := time.Duration(float64(base) * 0.25 * (2*rand.Float64() - 1)) // #nosec G404 -- non-cryptographic jitter for retry backoff
			wait := base + jitter
			logger.Warn("kafka producer ping failed, retrying",
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", 3),
				slog.Duration("backoff", wait),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("kafka ping: context canceled during retry: %w", ctx.Err())
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}
