// Package lock provides lease based mutual exclusion over named resources,
// shared by every instance of the fleet through the document store.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nodefluent/zamza/internal/metrics"
	"github.com/nodefluent/zamza/internal/store"
)

type Locker struct {
	holder  string
	locks   store.LockStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(holder string, locks store.LockStore, m *metrics.Metrics, logger *slog.Logger) *Locker {
	return &Locker{
		holder:  holder,
		locks:   locks,
		metrics: m,
		logger:  logger.With("component", "lock", "instance_id", holder),
		now:     time.Now,
	}
}

func (l *Locker) HolderID() string {
	return l.holder
}

// Acquire claims name for lease if it is free or its previous lease expired.
// Losing to another holder is reported as false, not as an error.
func (l *Locker) Acquire(ctx context.Context, name string, lease time.Duration) (bool, error) {
	now := l.now().UnixMilli()
	ok, err := l.locks.Acquire(ctx, name, l.holder, now, now+lease.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		l.metrics.Inc("mongo_lock_miss")
		l.logger.Debug("lock held elsewhere", "lock", name)
		return false, nil
	}
	l.metrics.Inc("mongo_lock_hit")
	return true, nil
}

// Extend pushes the expiry of a held lease. False means ownership was lost.
func (l *Locker) Extend(ctx context.Context, name string, by time.Duration) (bool, error) {
	ok, err := l.locks.Extend(ctx, name, l.holder, l.now().UnixMilli(), by.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", name, err)
	}
	if !ok {
		l.metrics.Inc("mongo_lock_extend_miss")
		l.logger.Warn("lock lost before extension", "lock", name)
		return false, nil
	}
	l.metrics.Inc("mongo_lock_extend_hit")
	return true, nil
}

// Release gives up a held lease and reports whether it was still ours.
func (l *Locker) Release(ctx context.Context, name string) (bool, error) {
	ok, err := l.locks.Release(ctx, name, l.holder, l.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", name, err)
	}
	if ok {
		l.metrics.Inc("mongo_lock_removed")
	}
	return ok, nil
}
