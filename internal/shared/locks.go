package shared

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// StockLockKey builds the redis key serialising mutations of one stock position.
func StockLockKey(skuID, warehouseID int64) string {
	return fmt.Sprintf("stock:%d:%d:lock", skuID, warehouseID)
}

// OrderLockKey builds the redis key serialising status changes of one order.
func OrderLockKey(orderID int64) string {
	return fmt.Sprintf("order:%d:lock", orderID)
}

// ReturnLockKey builds the redis key serialising status changes of one return request.
func ReturnLockKey(requestID int64) string {
	return fmt.Sprintf("return:%d:lock", requestID)
}

// Locker runs a critical section while holding a set of named locks.
type Locker interface {
	WithLocks(ctx context.Context, keys []string, fn func(context.Context) error) error
}

// RedisLocker implements Locker on top of bsm/redislock. Keys are acquired in
// sorted order so that concurrent multi-key sections cannot deadlock.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker constructs a RedisLocker. ttl bounds how long a crashed
// holder can block others; wait bounds how long an acquirer retries before
// giving up with ErrBusy.
func NewRedisLocker(rdb *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &RedisLocker{client: redislock.New(rdb), ttl: ttl, wait: wait}
}

// WithLocks acquires every key, runs fn, then releases. Acquisition failure
// within the wait budget surfaces as ErrBusy so callers can resubmit.
func (l *RedisLocker) WithLocks(ctx context.Context, keys []string, fn func(context.Context) error) error {
	if l == nil {
		return errors.New("locker not initialised")
	}
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		uniq = append(uniq, key)
	}
	sort.Strings(uniq)

	locks := make([]*redislock.Lock, 0, len(uniq))
	release := func() {
		for i := len(locks) - 1; i >= 0; i-- {
			_ = locks[i].Release(context.WithoutCancel(ctx))
		}
	}
	opts := &redislock.Options{RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), int(l.wait/(100*time.Millisecond)))}
	for _, key := range uniq {
		lock, err := l.client.Obtain(ctx, key, l.ttl, opts)
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) {
				return fmt.Errorf("%w: %s", ErrBusy, key)
			}
			return fmt.Errorf("obtain lock %s: %w", key, err)
		}
		locks = append(locks, lock)
	}
	defer release()
	return fn(ctx)
}
