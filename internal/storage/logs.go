package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendLog appends an entry to the instance log.
func (s *SQLStorage) AppendLog(ctx context.Context, entry *LogEntry) error {
	conn := s.getConn(ctx)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock.Now()
	}
	metadata := string(entry.Metadata)
	if metadata == "" {
		metadata = "{}"
	}

	_, err := conn.ExecContext(ctx, s.q(`
		INSERT INTO instance_logs (instance_id, event, log_group, target, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), entry.InstanceID, entry.Event, nullString(entry.Group), nullString(entry.Target),
		metadata, toMillis(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append %s log for %s: %w", entry.Event, entry.InstanceID, err)
	}
	return nil
}

// ListLogs returns the instance log ordered by id.
func (s *SQLStorage) ListLogs(ctx context.Context, instanceID string) ([]*LogEntry, error) {
	conn := s.getConn(ctx)
	rows, err := conn.QueryContext(ctx, s.q(`
		SELECT id, instance_id, event, log_group, target, metadata, created_at
		FROM instance_logs
		WHERE instance_id = ?
		ORDER BY id ASC
	`), instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs for %s: %w", instanceID, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*LogEntry
	for rows.Next() {
		var e LogEntry
		var group, target sql.NullString
		var metadata string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Event, &group, &target, &metadata, &createdAt); err != nil {
			return nil, err
		}
		e.Group = group.String
		e.Target = target.String
		e.Metadata = []byte(metadata)
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
