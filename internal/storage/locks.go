package storage

import (
	"context"
	"fmt"
	"time"
)

// TryAcquireSystemLock acquires lockName for workerID when it is free,
// expired, or already held by workerID.
func (s *SQLStorage) TryAcquireSystemLock(ctx context.Context, lockName, workerID string, timeoutSec int) (bool, error) {
	conn := s.getConn(ctx)
	now := s.clock.Now()
	expires := toMillis(now.Add(time.Duration(timeoutSec) * time.Second))

	res, err := conn.ExecContext(ctx, s.q(`
		UPDATE system_locks SET locked_by = ?, lock_expires_at = ?
		WHERE lock_name = ? AND (lock_expires_at < ? OR locked_by = ?)
	`), workerID, expires, lockName, toMillis(now), workerID)
	if err != nil {
		return false, fmt.Errorf("failed to take system lock %s: %w", lockName, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n > 0 {
		return true, nil
	}

	query := fmt.Sprintf(`%s INTO system_locks (lock_name, locked_by, lock_expires_at) VALUES (?, ?, ?) %s`,
		s.driver.InsertIgnore(), s.driver.OnConflictDoNothing("lock_name"))
	res, err = conn.ExecContext(ctx, s.q(query), lockName, workerID, expires)
	if err != nil {
		return false, fmt.Errorf("failed to insert system lock %s: %w", lockName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseSystemLock releases a system lock held by workerID.
func (s *SQLStorage) ReleaseSystemLock(ctx context.Context, lockName, workerID string) error {
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		DELETE FROM system_locks WHERE lock_name = ? AND locked_by = ?
	`), lockName, workerID)
	return err
}

// CleanupExpiredSystemLocks removes expired system locks.
func (s *SQLStorage) CleanupExpiredSystemLocks(ctx context.Context) error {
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		DELETE FROM system_locks WHERE lock_expires_at < ?
	`), toMillis(s.clock.Now()))
	return err
}
