package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) *RedisLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, time.Second, 200*time.Millisecond)
}

func TestWithLocksRunsSection(t *testing.T) {
	locker := newTestLocker(t)

	ran := false
	err := locker.WithLocks(context.Background(), []string{StockLockKey(1, 1)}, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestWithLocksHeldKeyReturnsBusy(t *testing.T) {
	locker := newTestLocker(t)
	key := StockLockKey(2, 1)

	blocked := make(chan error, 1)
	release := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		blocked <- locker.WithLocks(context.Background(), []string{key}, func(context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired

	err := locker.WithLocks(context.Background(), []string{key}, func(context.Context) error {
		t.Error("section must not run while the key is held")
		return nil
	})
	require.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-blocked)
}

func TestWithLocksDeduplicatesKeys(t *testing.T) {
	locker := newTestLocker(t)
	key := StockLockKey(3, 1)

	err := locker.WithLocks(context.Background(), []string{key, key, OrderLockKey(9)}, func(context.Context) error {
		return nil
	})
	require.NoError(t, err)

	// Everything must be released afterwards.
	err = locker.WithLocks(context.Background(), []string{key, OrderLockKey(9)}, func(context.Context) error {
		return nil
	})
	require.NoError(t, err)
}
