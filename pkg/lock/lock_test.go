package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/fulfillment/pkg/errors"
)

type fakeLock struct {
	key       string
	onRelease func(key string)
	extendErr error
}

func (f *fakeLock) Extend(_ context.Context) error {
	return f.extendErr
}

func (f *fakeLock) Release(_ context.Context) error {
	if f.onRelease != nil {
		f.onRelease(f.key)
	}
	return nil
}

// fakeLocker records acquisition order and can be programmed to fail the
// first N attempts per key or reject specific keys outright.
type fakeLocker struct {
	mu         sync.Mutex
	acquired   []string
	released   []string
	failFirst  map[string]int
	alwaysFail map[string]bool
	extendErr  error
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{
		failFirst:  make(map[string]int),
		alwaysFail: make(map[string]bool),
	}
}

func (f *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.alwaysFail[key] {
		return nil, ErrNotObtained
	}
	if n := f.failFirst[key]; n > 0 {
		f.failFirst[key] = n - 1
		return nil, ErrNotObtained
	}

	f.acquired = append(f.acquired, key)
	return &fakeLock{
		key:       key,
		extendErr: f.extendErr,
		onRelease: func(k string) {
			f.mu.Lock()
			f.released = append(f.released, k)
			f.mu.Unlock()
		},
	}, nil
}

func (f *fakeLocker) acquireOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acquired...)
}

func (f *fakeLocker) releaseOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func testConfig() Config {
	return Config{
		TTL:              time.Second,
		RetryAttempts:    3,
		RetryInitialWait: time.Millisecond,
		RetryMaxWait:     2 * time.Millisecond,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestWithLock_RunsUnderLock(t *testing.T) {
	locker := newFakeLocker()
	coord := NewCoordinator(locker, testConfig(), testLogger())

	ran := false
	err := coord.WithLock(context.Background(), "inventory:sku-1", func(ctx context.Context) error {
		ran = true
		assert.Equal(t, []string{"inventory:sku-1"}, locker.acquireOrder())
		assert.Empty(t, locker.releaseOrder())
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"inventory:sku-1"}, locker.releaseOrder())
}

func TestWithLocks_SortsAndDeduplicatesKeys(t *testing.T) {
	locker := newFakeLocker()
	coord := NewCoordinator(locker, testConfig(), testLogger())

	keys := []string{"inventory:c", "inventory:a", "inventory:b", "inventory:a"}
	err := coord.WithLocks(context.Background(), keys, func(ctx context.Context) error {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"inventory:a", "inventory:b", "inventory:c"}, locker.acquireOrder())
}

func TestWithLocks_ReleasesInReverseOrder(t *testing.T) {
	locker := newFakeLocker()
	coord := NewCoordinator(locker, testConfig(), testLogger())

	err := coord.WithLocks(context.Background(), []string{"a", "b", "c"}, func(ctx context.Context) error {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, locker.releaseOrder())
}

func TestWithLocks_ReleasesHeldLocksOnAcquireFailure(t *testing.T) {
	locker := newFakeLocker()
	locker.alwaysFail["b"] = true
	coord := NewCoordinator(locker, testConfig(), testLogger())

	ran := false
	err := coord.WithLocks(context.Background(), []string{"a", "b", "c"}, func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrResourceBusy)
	assert.False(t, ran)
	// "a" was acquired before "b" failed, and must have been released.
	assert.Equal(t, []string{"a"}, locker.acquireOrder())
	assert.Equal(t, []string{"a"}, locker.releaseOrder())
}

func TestWithLocks_ReleasesOnPanic(t *testing.T) {
	locker := newFakeLocker()
	coord := NewCoordinator(locker, testConfig(), testLogger())

	require.Panics(t, func() {
		_ = coord.WithLocks(context.Background(), []string{"a", "b"}, func(ctx context.Context) error {
			panic("boom")
		})
	})

	assert.Equal(t, []string{"b", "a"}, locker.releaseOrder())
}

func TestWithLocks_EmptyKeysRunsWithoutLocking(t *testing.T) {
	locker := newFakeLocker()
	coord := NewCoordinator(locker, testConfig(), testLogger())

	ran := false
	err := coord.WithLocks(context.Background(), nil, func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.Empty(t, locker.acquireOrder())
}

func TestWithLocks_PropagatesFnError(t *testing.T) {
	locker := newFakeLocker()
	coord := NewCoordinator(locker, testConfig(), testLogger())

	wantErr := errors.New("validation failed")
	err := coord.WithLocks(context.Background(), []string{"a"}, func(ctx context.Context) error {
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, []string{"a"}, locker.releaseOrder())
}

func TestAcquire_RetriesTransientContention(t *testing.T) {
	locker := newFakeLocker()
	locker.failFirst["a"] = 2
	coord := NewCoordinator(locker, testConfig(), testLogger())

	err := coord.WithLock(context.Background(), "a", func(ctx context.Context) error {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, locker.acquireOrder())
}

func TestAcquire_ExhaustedRetriesReturnsResourceBusy(t *testing.T) {
	locker := newFakeLocker()
	locker.alwaysFail["a"] = true
	coord := NewCoordinator(locker, testConfig(), testLogger())

	err := coord.WithLock(context.Background(), "a", func(ctx context.Context) error {
		t.Fatal("fn must not run when the lock cannot be acquired")
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrResourceBusy)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestTryWithLock_SkipsWhenBusy(t *testing.T) {
	locker := newFakeLocker()
	locker.alwaysFail["sweep"] = true
	coord := NewCoordinator(locker, testConfig(), testLogger())

	acquired, err := coord.TryWithLock(context.Background(), "sweep", func(ctx context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})

	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestTryWithLock_RunsWhenFree(t *testing.T) {
	locker := newFakeLocker()
	coord := NewCoordinator(locker, testConfig(), testLogger())

	ran := false
	acquired, err := coord.TryWithLock(context.Background(), "sweep", func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, ran)
	assert.Equal(t, []string{"sweep"}, locker.releaseOrder())
}

func TestLease_ExtendAndRelease(t *testing.T) {
	locker := newFakeLocker()
	coord := NewCoordinator(locker, testConfig(), testLogger())

	lease, err := coord.Acquire(context.Background(), "relay")
	require.NoError(t, err)
	assert.Equal(t, "relay", lease.Key())

	require.NoError(t, lease.Extend(context.Background()))
	require.NoError(t, lease.Release(context.Background()))
	assert.Equal(t, []string{"relay"}, locker.releaseOrder())
}

func TestLease_ExtendFailureSurfacesError(t *testing.T) {
	locker := newFakeLocker()
	locker.extendErr = errors.New("lease lost")
	coord := NewCoordinator(locker, testConfig(), testLogger())

	lease, err := coord.Acquire(context.Background(), "relay")
	require.NoError(t, err)

	err = lease.Extend(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay")
}
