package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"

	apperrors "github.com/utafrali/fulfillment/pkg/errors"
)

// keyPrefix namespaces all lock keys in Redis.
const keyPrefix = "lock:"

// Lock is a single held lease on a named resource.
type Lock interface {
	// Extend renews the lease TTL. Returns an error if the lease has already
	// expired or is held by someone else.
	Extend(ctx context.Context) error
	// Release frees the lease. Releasing an expired lease is not an error.
	Release(ctx context.Context) error
}

// Locker acquires leases on named resources. Acquire makes a single attempt
// and returns ErrNotObtained when the resource is held by another owner.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// ErrNotObtained is returned by Locker.Acquire when the lock is held elsewhere.
var ErrNotObtained = redsync.ErrFailed

// Config holds lock coordinator tuning.
type Config struct {
	// TTL is the lease duration for each acquired lock.
	TTL time.Duration
	// RetryAttempts is the number of acquisition attempts before giving up
	// with a resource-busy error.
	RetryAttempts uint
	// RetryInitialWait is the starting backoff between acquisition attempts.
	RetryInitialWait time.Duration
	// RetryMaxWait caps the backoff between acquisition attempts.
	RetryMaxWait time.Duration
}

// DefaultConfig returns sensible defaults for the lock coordinator.
func DefaultConfig() Config {
	return Config{
		TTL:              10 * time.Second,
		RetryAttempts:    5,
		RetryInitialWait: 50 * time.Millisecond,
		RetryMaxWait:     500 * time.Millisecond,
	}
}

// Coordinator acquires distributed locks with bounded retry and runs critical
// sections under them. Multi-key acquisition is always performed in sorted key
// order so concurrent callers locking overlapping sets cannot deadlock.
type Coordinator struct {
	locker Locker
	cfg    Config
	logger *slog.Logger
}

// NewCoordinator creates a lock coordinator over the given locker.
func NewCoordinator(locker Locker, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = DefaultConfig().RetryAttempts
	}
	if cfg.RetryInitialWait <= 0 {
		cfg.RetryInitialWait = DefaultConfig().RetryInitialWait
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = DefaultConfig().RetryMaxWait
	}
	return &Coordinator{locker: locker, cfg: cfg, logger: logger}
}

// acquire attempts to take a single lock with exponential backoff and jitter.
// Exhausting all attempts yields a resource-busy error the HTTP layer maps to 409.
func (c *Coordinator) acquire(ctx context.Context, key string) (Lock, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitialWait
	b.MaxInterval = c.cfg.RetryMaxWait

	operation := func() (Lock, error) {
		l, err := c.locker.Acquire(ctx, key, c.cfg.TTL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		return l, nil
	}

	l, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.RetryAttempts),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		}
		c.logger.WarnContext(ctx, "lock acquisition exhausted retries",
			slog.String("key", key),
			slog.Uint64("attempts", uint64(c.cfg.RetryAttempts)),
		)
		return nil, apperrors.ResourceBusy(key)
	}
	return l, nil
}

// WithLock runs fn while holding the lock for key. The lock is released on
// return, including when fn panics.
func (c *Coordinator) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return c.WithLocks(ctx, []string{key}, fn)
}

// WithLocks acquires locks for all keys, runs fn, then releases them in
// reverse order. Keys are deduplicated and sorted before acquisition so two
// callers locking overlapping key sets always contend in the same order.
// If any acquisition fails, already-held locks are released and the error
// is returned without invoking fn.
func (c *Coordinator) WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	if len(keys) == 0 {
		return fn(ctx)
	}

	ordered := dedupSorted(keys)
	held := make([]Lock, 0, len(ordered))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Release(context.WithoutCancel(ctx)); err != nil {
				c.logger.WarnContext(ctx, "lock release failed",
					slog.String("key", ordered[i]),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	for _, key := range ordered {
		l, err := c.acquire(ctx, key)
		if err != nil {
			release()
			return err
		}
		held = append(held, l)
	}

	defer release()
	return fn(ctx)
}

// TryWithLock makes a single acquisition attempt with no retries. If the lock
// is held elsewhere it returns (false, nil) without invoking fn. Used by
// background jobs that should skip a cycle rather than queue behind a peer.
func (c *Coordinator) TryWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	l, err := c.locker.Acquire(ctx, key, c.cfg.TTL)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}

	defer func() {
		if relErr := l.Release(context.WithoutCancel(ctx)); relErr != nil {
			c.logger.WarnContext(ctx, "lock release failed",
				slog.String("key", key),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	return true, fn(ctx)
}

// Lease is a held lock that the owner renews explicitly. Long-running work
// that outlives a single TTL acquires a Lease and calls Extend periodically.
type Lease struct {
	key  string
	lock Lock
}

// Acquire takes a lock for key with retry and returns it as a renewable lease.
func (c *Coordinator) Acquire(ctx context.Context, key string) (*Lease, error) {
	l, err := c.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Lease{key: key, lock: l}, nil
}

// Key returns the resource key the lease covers.
func (l *Lease) Key() string {
	return l.key
}

// Extend renews the lease TTL.
func (l *Lease) Extend(ctx context.Context) error {
	if err := l.lock.Extend(ctx); err != nil {
		return fmt.Errorf("extend lease %s: %w", l.key, err)
	}
	return nil
}

// Release frees the lease.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.lock.Release(ctx); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

func dedupSorted(keys []string) []string {
	out := make([]string, len(keys))
	copy(out, keys)
	sort.Strings(out)

	deduped := out[:0]
	var prev string
	for i, k := range out {
		if i == 0 || k != prev {
			deduped = append(deduped, k)
		}
		prev = k
	}
	return deduped
}

// redsyncLock adapts a redsync mutex to the Lock interface.
type redsyncLock struct {
	mutex *redsync.Mutex
}

func (l *redsyncLock) Extend(ctx context.Context) error {
	ok, err := l.mutex.ExtendContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("lock %s: lease no longer held", l.mutex.Name())
	}
	return nil
}

func (l *redsyncLock) Release(ctx context.Context) error {
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil || !ok {
		// An expired lease has already been released by Redis.
		if err == redsync.ErrLockAlreadyExpired {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// RedisLocker implements Locker on top of redsync using a go-redis client.
type RedisLocker struct {
	rs *redsync.Redsync
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client *goredislib.Client) *RedisLocker {
	pool := goredis.NewPool(client)
	return &RedisLocker{rs: redsync.New(pool)}
}

// Acquire makes a single attempt to take the lock. Returns ErrNotObtained
// when the key is held by another owner.
func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	mutex := r.rs.NewMutex(keyPrefix+key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, err
	}
	return &redsyncLock{mutex: mutex}, nil
}
