// Package lock serializes sweeps across matcher instances with a Redis mutex.
// It only keeps instances from wasting work on the same snapshot; the queue's
// atomic claims are what keep a participant from being matched twice.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const sweepMutexName = "mm:lock:sweep"

// SweepLock is a non-blocking, expiring lock around one sweep.
type SweepLock struct {
	mutex *redsync.Mutex
}

// NewSweepLock creates a lock on rdb that expires after ttl if its holder
// dies mid-sweep. ttl should exceed the longest expected sweep.
func NewSweepLock(rdb redis.UniversalClient, ttl time.Duration) *SweepLock {
	rs := redsync.New(goredis.NewPool(rdb))
	return &SweepLock{
		mutex: rs.NewMutex(sweepMutexName,
			redsync.WithExpiry(ttl),
			redsync.WithTries(1),
		),
	}
}

// TryLock attempts to take the lock once. It returns false without error when
// another instance holds it.
func (l *SweepLock) TryLock(ctx context.Context) (bool, error) {
	err := l.mutex.TryLockContext(ctx)
	if err == nil {
		return true, nil
	}
	var taken *redsync.ErrTaken
	if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
		return false, nil
	}
	return false, fmt.Errorf("lock: acquire sweep lock: %w", err)
}

// Unlock releases the lock if this instance still holds it.
func (l *SweepLock) Unlock(ctx context.Context) error {
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("lock: release sweep lock: %w", err)
	}
	if !ok {
		return errors.New("lock: sweep lock expired before release")
	}
	return nil
}
