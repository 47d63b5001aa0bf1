package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertQueueEntry inserts a priority_queue row unless an identical
// (instance, action, entryType, hash) row exists.
func (s *SQLStorage) InsertQueueEntry(ctx context.Context, e *QueueEntry) (bool, error) {
	conn := s.getConn(ctx)
	query := fmt.Sprintf(`
		%s INTO priority_queue (instance_id, target_timestamp, action, entryType, hash)
		VALUES (?, ?, ?, ?, ?) %s
	`, s.driver.InsertIgnore(), s.driver.OnConflictDoNothing("instance_id", "action", "entryType", "hash"))

	res, err := conn.ExecContext(ctx, s.q(query),
		e.InstanceID, toMillis(e.TargetTimestamp), e.Action, e.EntryType, e.Hash)
	if err != nil {
		return false, fmt.Errorf("failed to insert queue entry %d/%s: %w", e.EntryType, e.Hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteQueueEntry removes the matching row.
func (s *SQLStorage) DeleteQueueEntry(ctx context.Context, instanceID string, action, entryType int, hash string) (bool, error) {
	conn := s.getConn(ctx)
	res, err := conn.ExecContext(ctx, s.q(`
		DELETE FROM priority_queue
		WHERE instance_id = ? AND action = ? AND entryType = ? AND hash = ?
	`), instanceID, action, entryType, hash)
	if err != nil {
		return false, fmt.Errorf("failed to delete queue entry %d/%s: %w", entryType, hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// QueueEntryExists reports whether the matching row exists.
func (s *SQLStorage) QueueEntryExists(ctx context.Context, instanceID string, action, entryType int, hash string) (bool, error) {
	conn := s.getConn(ctx)
	var n int
	err := conn.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM priority_queue
		WHERE instance_id = ? AND action = ? AND entryType = ? AND hash = ?
	`), instanceID, action, entryType, hash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up queue entry %d/%s: %w", entryType, hash, err)
	}
	return n > 0, nil
}

// QueueTombstoneSince reports whether (instance, entryType, hash) was
// cancelled at or after since.
func (s *SQLStorage) QueueTombstoneSince(ctx context.Context, instanceID string, entryType int, hash string, since time.Time) (bool, error) {
	conn := s.getConn(ctx)
	var n int
	err := conn.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM priority_queue
		WHERE instance_id = ? AND action = ? AND entryType = ? AND hash = ? AND target_timestamp >= ?
	`), instanceID, ActionDelete, entryType, hash, toMillis(since)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up tombstone %d/%s: %w", entryType, hash, err)
	}
	return n > 0, nil
}

// PurgeQueueTombstones deletes delete rows recorded before cutoff and
// returns how many were removed.
func (s *SQLStorage) PurgeQueueTombstones(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		DELETE FROM priority_queue WHERE action = ? AND target_timestamp < ?
	`), ActionDelete, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue tombstones: %w", err)
	}
	return res.RowsAffected()
}

// PopDueQueueEntries selects add rows with target_timestamp <= now, ordered
// by target_timestamp then id, and deletes them.
func (s *SQLStorage) PopDueQueueEntries(ctx context.Context, instanceID string, now time.Time) ([]*QueueEntry, error) {
	conn := s.getConn(ctx)
	query := fmt.Sprintf(`
		SELECT id, instance_id, target_timestamp, action, entryType, hash
		FROM priority_queue
		WHERE instance_id = ? AND action = ? AND target_timestamp <= ?
		ORDER BY target_timestamp ASC, id ASC
		%s
	`, s.driver.SelectForUpdateSkipLocked())

	rows, err := conn.QueryContext(ctx, s.q(query), instanceID, ActionAdd, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to select due entries for %s: %w", instanceID, err)
	}
	entries, err := scanQueueEntries(rows)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if _, err := conn.ExecContext(ctx, s.q(`DELETE FROM priority_queue WHERE id = ?`), e.ID); err != nil {
			return nil, fmt.Errorf("failed to remove due entry %d: %w", e.ID, err)
		}
	}
	return entries, nil
}

// NextQueueTarget returns the minimum target_timestamp among add rows.
func (s *SQLStorage) NextQueueTarget(ctx context.Context, instanceID string) (time.Time, bool, error) {
	conn := s.getConn(ctx)
	var next sql.NullInt64
	err := conn.QueryRowContext(ctx, s.q(`
		SELECT MIN(target_timestamp) FROM priority_queue WHERE instance_id = ? AND action = ?
	`), instanceID, ActionAdd).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read next target for %s: %w", instanceID, err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(next.Int64), true, nil
}

// ListQueueEntries returns every row of the instance ordered by id.
func (s *SQLStorage) ListQueueEntries(ctx context.Context, instanceID string) ([]*QueueEntry, error) {
	conn := s.getConn(ctx)
	rows, err := conn.QueryContext(ctx, s.q(`
		SELECT id, instance_id, target_timestamp, action, entryType, hash
		FROM priority_queue WHERE instance_id = ? ORDER BY id ASC
	`), instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue for %s: %w", instanceID, err)
	}
	return scanQueueEntries(rows)
}

// FindInstancesWithPendingEntries lists instances that still have add rows.
func (s *SQLStorage) FindInstancesWithPendingEntries(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	conn := s.getConn(ctx)
	rows, err := conn.QueryContext(ctx, s.q(`
		SELECT instance_id FROM priority_queue
		WHERE action = ?
		GROUP BY instance_id
		ORDER BY MIN(target_timestamp) ASC
		LIMIT ?
	`), ActionAdd, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find instances with pending entries: %w", err)
	}
	return scanStrings(rows)
}

func scanQueueEntries(rows *sql.Rows) ([]*QueueEntry, error) {
	defer func() { _ = rows.Close() }()
	var entries []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		var target int64
		if err := rows.Scan(&e.ID, &e.InstanceID, &target, &e.Action, &e.EntryType, &e.Hash); err != nil {
			return nil, err
		}
		e.TargetTimestamp = fromMillis(target)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
