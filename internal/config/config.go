package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/utafrali/fulfillment/pkg/config"
)

// Config holds all configuration for the fulfillment service. Every retry,
// TTL, and interval knob is explicit so deployments can tune them.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"FULFILLMENT_HTTP_PORT" envDefault:"8010"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"fulfillment"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"fulfillment_secret"`
	PostgresDB   string `env:"FULFILLMENT_DB_NAME" envDefault:"fulfillment_db"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"5"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Redis (distributed locks and the search projection index)
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Kafka
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"fulfillment"`

	// Distributed locking
	LockTTLSeconds     int `env:"LOCK_TTL_SECONDS" envDefault:"10"`
	LockRetryAttempts  int `env:"LOCK_RETRY_ATTEMPTS" envDefault:"5"`
	LockRetryInitialMs int `env:"LOCK_RETRY_INITIAL_MS" envDefault:"50"`
	LockRetryMaxMs     int `env:"LOCK_RETRY_MAX_MS" envDefault:"500"`

	// Reservations
	ReservationTTLMinutes int `env:"RESERVATION_TTL_MINUTES" envDefault:"15"`
	SweepIntervalSeconds  int `env:"SWEEP_INTERVAL_SECONDS" envDefault:"60"`

	// Outbox relay
	OutboxPollIntervalSeconds int `env:"OUTBOX_POLL_INTERVAL_SECONDS" envDefault:"5"`
	OutboxBatchSize           int `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	OutboxRetentionDays       int `env:"OUTBOX_RETENTION_DAYS" envDefault:"7"`

	// Saga
	SagaStepTimeoutSeconds int `env:"SAGA_STEP_TIMEOUT_SECONDS" envDefault:"30"`

	// Collaborator services
	PaymentServiceURL string `env:"PAYMENT_SERVICE_URL" envDefault:"http://localhost:8004"`
	ProductServiceURL string `env:"PRODUCT_SERVICE_URL" envDefault:"http://localhost:8002"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load fulfillment config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}
	if c.PostgresUser == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}
	if c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	if c.LockTTLSeconds <= 0 {
		return fmt.Errorf("LOCK_TTL_SECONDS must be > 0, got %d", c.LockTTLSeconds)
	}
	if c.LockRetryAttempts <= 0 {
		return fmt.Errorf("LOCK_RETRY_ATTEMPTS must be > 0, got %d", c.LockRetryAttempts)
	}
	if c.ReservationTTLMinutes <= 0 {
		return fmt.Errorf("RESERVATION_TTL_MINUTES must be > 0, got %d", c.ReservationTTLMinutes)
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be > 0, got %d", c.SweepIntervalSeconds)
	}
	if c.OutboxPollIntervalSeconds <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL_SECONDS must be > 0, got %d", c.OutboxPollIntervalSeconds)
	}
	if c.OutboxBatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be > 0, got %d", c.OutboxBatchSize)
	}
	return nil
}

// PostgresDSN returns the PostgreSQL connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPass, c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresSSL,
	)
}

// LockTTL returns the lock lease duration.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// ReservationTTL returns the reservation hold duration.
func (c *Config) ReservationTTL() time.Duration {
	return time.Duration(c.ReservationTTLMinutes) * time.Minute
}

// SweepInterval returns the expiry sweeper cadence.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// OutboxPollInterval returns the relay polling cadence.
func (c *Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalSeconds) * time.Second
}

// OutboxRetention returns how long processed outbox rows are kept.
func (c *Config) OutboxRetention() time.Duration {
	return time.Duration(c.OutboxRetentionDays) * 24 * time.Hour
}

// SagaStepTimeout returns the per-step deadline for saga collaborator calls.
func (c *Config) SagaStepTimeout() time.Duration {
	return time.Duration(c.SagaStepTimeoutSeconds) * time.Second
}
