// Package coordination runs background tasks at most once across workers
// sharing a store.
package coordination

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// LockManager is the subset of storage.Storage a SingletonTaskRunner needs.
type LockManager interface {
	TryAcquireSystemLock(ctx context.Context, lockName, workerID string, timeoutSec int) (bool, error)
	ReleaseSystemLock(ctx context.Context, lockName, workerID string) error
}

// DefaultLockTimeout bounds how long a crashed worker can block a task.
const DefaultLockTimeout = 60 * time.Second

// SingletonTaskRunner runs a named task on one worker at a time.
type SingletonTaskRunner struct {
	locks       LockManager
	workerID    string
	taskName    string
	lockTimeout time.Duration
}

// NewSingletonTaskRunner creates a runner for taskName. The lock timeout
// must exceed the expected task duration; zero means DefaultLockTimeout.
func NewSingletonTaskRunner(locks LockManager, workerID, taskName string, lockTimeout time.Duration) *SingletonTaskRunner {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &SingletonTaskRunner{
		locks:       locks,
		workerID:    workerID,
		taskName:    taskName,
		lockTimeout: lockTimeout,
	}
}

// TryRun runs task if the lock is free. It reports false without error when
// another worker holds the lock.
func (r *SingletonTaskRunner) TryRun(ctx context.Context, task func(context.Context) error) (bool, error) {
	acquired, err := r.locks.TryAcquireSystemLock(ctx, r.taskName, r.workerID, int(r.lockTimeout.Seconds()))
	if err != nil || !acquired {
		return false, err
	}
	defer func() {
		// The lock expires on its own if this fails.
		if err := r.locks.ReleaseSystemLock(context.WithoutCancel(ctx), r.taskName, r.workerID); err != nil {
			slog.Warn("failed to release system lock", "lock", r.taskName, "worker_id", r.workerID, "error", err)
		}
	}()

	if err := task(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// RunEvery calls TryRun immediately and then on every tick of interval until
// ctx is done. Task errors are logged.
func (r *SingletonTaskRunner) RunEvery(ctx context.Context, clock clockwork.Clock, interval time.Duration, task func(context.Context) error) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.TryRun(ctx, task); err != nil && ctx.Err() == nil {
			slog.Warn("singleton task failed", "task", r.taskName, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}
