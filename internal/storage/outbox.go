package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/i2y/vigil/internal/notify"
)

// AddOutboxEvent adds an event to the outbox.
func (s *SQLStorage) AddOutboxEvent(ctx context.Context, event *OutboxEvent) error {
	conn := s.getConn(ctx)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.clock.Now()
	}
	if event.Status == "" {
		event.Status = OutboxPending
	}
	if event.ContentType == "" {
		event.ContentType = "application/json"
	}
	_, err := conn.ExecContext(ctx, s.q(`
		INSERT INTO outbox_events (event_id, event_type, event_source, subject, event_data, content_type, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`), event.EventID, event.EventType, event.EventSource, nullString(event.Subject),
		string(event.EventData), event.ContentType, event.Status, toMillis(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to add outbox event %s: %w", event.EventID, err)
	}
	if _, ok := s.driver.(*PostgresDriver); ok {
		// Delivered on commit, so listeners never see a rolled-back event.
		payload := notify.OutboxNotification{EventID: event.EventID, InstanceID: event.Subject}.Encode()
		if _, err := conn.ExecContext(ctx, `SELECT pg_notify($1, $2)`,
			string(notify.ChannelOutboxPending), payload); err != nil {
			return fmt.Errorf("failed to notify outbox event %s: %w", event.EventID, err)
		}
	}
	return nil
}

// GetPendingOutboxEvents retrieves pending outbox events, oldest first.
func (s *SQLStorage) GetPendingOutboxEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	conn := s.getConn(ctx)
	query := fmt.Sprintf(`
		SELECT event_id, event_type, event_source, subject, event_data, content_type, status, retry_count, created_at
		FROM outbox_events
		WHERE status = ?
		ORDER BY created_at ASC, event_id ASC
		LIMIT ?
		%s
	`, s.driver.SelectForUpdateSkipLocked())
	rows, err := conn.QueryContext(ctx, s.q(query), OutboxPending, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		var subject sql.NullString
		var data string
		var createdAt int64
		if err := rows.Scan(&e.EventID, &e.EventType, &e.EventSource, &subject, &data,
			&e.ContentType, &e.Status, &e.RetryCount, &createdAt); err != nil {
			return nil, err
		}
		e.Subject = subject.String
		e.EventData = []byte(data)
		e.CreatedAt = fromMillis(createdAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// MarkOutboxEventSent marks an outbox event as published.
func (s *SQLStorage) MarkOutboxEventSent(ctx context.Context, eventID string) error {
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE outbox_events SET status = ?, published_at = ? WHERE event_id = ?
	`), OutboxPublished, toMillis(s.clock.Now()), eventID)
	return err
}

// MarkOutboxEventFailed marks an outbox event as permanently failed.
func (s *SQLStorage) MarkOutboxEventFailed(ctx context.Context, eventID string) error {
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE outbox_events SET status = ? WHERE event_id = ?
	`), OutboxFailed, eventID)
	return err
}

// IncrementOutboxAttempts increments the attempt count for an event.
func (s *SQLStorage) IncrementOutboxAttempts(ctx context.Context, eventID string) error {
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		UPDATE outbox_events SET retry_count = retry_count + 1 WHERE event_id = ?
	`), eventID)
	return err
}

// CleanupOldOutboxEvents removes published events older than olderThan.
func (s *SQLStorage) CleanupOldOutboxEvents(ctx context.Context, olderThan time.Duration) error {
	threshold := s.clock.Now().Add(-olderThan)
	_, err := s.getConn(ctx).ExecContext(ctx, s.q(`
		DELETE FROM outbox_events WHERE status = ? AND created_at < ?
	`), OutboxPublished, toMillis(threshold))
	return err
}
