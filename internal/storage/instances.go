package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateInstance inserts rec unless the instance already exists.
func (s *SQLStorage) CreateInstance(ctx context.Context, rec *InstanceRecord) (bool, error) {
	conn := s.getConn(ctx)
	now := s.clock.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	query := fmt.Sprintf(`
		%s INTO instance_records (
			instance_id, account_id, workflow_id, version_id, status, lease_token, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?) %s
	`, s.driver.InsertIgnore(), s.driver.OnConflictDoNothing("instance_id"))

	res, err := conn.ExecContext(ctx, s.q(query),
		rec.InstanceID, rec.AccountID, rec.WorkflowID, rec.VersionID, rec.Status,
		toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to create instance %s: %w", rec.InstanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetInstance retrieves an instance record by id. It returns nil, nil when
// the instance does not exist.
func (s *SQLStorage) GetInstance(ctx context.Context, instanceID string) (*InstanceRecord, error) {
	conn := s.getConn(ctx)
	row := conn.QueryRowContext(ctx, s.q(`
		SELECT instance_id, account_id, workflow_id, version_id, status,
			   lease_owner, lease_token, lease_expires_at, started_at, ended_at,
			   created_at, updated_at
		FROM instance_records WHERE instance_id = ?
	`), instanceID)

	var rec InstanceRecord
	var leaseOwner sql.NullString
	var leaseExpires, startedAt, endedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&rec.InstanceID, &rec.AccountID, &rec.WorkflowID, &rec.VersionID, &rec.Status,
		&leaseOwner, &rec.LeaseToken, &leaseExpires, &startedAt, &endedAt,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance %s: %w", instanceID, err)
	}

	rec.LeaseOwner = leaseOwner.String
	rec.LeaseExpiresAt = nullMillis(leaseExpires)
	rec.StartedAt = nullMillis(startedAt)
	rec.EndedAt = nullMillis(endedAt)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

// UpdateInstanceStatus applies a conditional status write.
func (s *SQLStorage) UpdateInstanceStatus(ctx context.Context, upd StatusUpdate) (bool, error) {
	conn := s.getConn(ctx)
	now := toMillis(s.clock.Now())

	set := []string{"status = ?", "updated_at = ?"}
	args := []any{upd.Status, now}
	if upd.MarkStarted {
		set = append(set, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	}
	if upd.MarkEnded {
		set = append(set, "ended_at = ?", "lease_owner = NULL", "lease_expires_at = NULL")
		args = append(args, now)
	}

	where := []string{"instance_id = ?"}
	args = append(args, upd.InstanceID)
	if len(upd.From) > 0 {
		where = append(where, "status IN ("+placeholders(len(upd.From))+")")
		for _, st := range upd.From {
			args = append(args, st)
		}
	}
	if upd.LeaseToken != 0 {
		where = append(where, "lease_token = ?")
		args = append(args, upd.LeaseToken)
	}

	query := "UPDATE instance_records SET " + strings.Join(set, ", ") +
		" WHERE " + strings.Join(where, " AND ")
	res, err := conn.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to update status of %s: %w", upd.InstanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AcquireLease takes the lease when it is free or expired. A live lease is
// never reacquired, not even by its holder. Every acquisition bumps lease_token.
func (s *SQLStorage) AcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (*Lease, error) {
	conn := s.getConn(ctx)
	now := s.clock.Now()
	expires := now.Add(ttl)

	res, err := conn.ExecContext(ctx, s.q(`
		UPDATE instance_records
		SET lease_owner = ?, lease_token = lease_token + 1, lease_expires_at = ?, updated_at = ?
		WHERE instance_id = ?
		AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at < ?)
	`), owner, toMillis(expires), toMillis(now), instanceID, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease on %s: %w", instanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	var token int64
	if err := conn.QueryRowContext(ctx, s.q(`SELECT lease_token FROM instance_records WHERE instance_id = ?`),
		instanceID).Scan(&token); err != nil {
		return nil, fmt.Errorf("failed to read lease token of %s: %w", instanceID, err)
	}
	return &Lease{InstanceID: instanceID, Owner: owner, Token: token, ExpiresAt: fromMillis(toMillis(expires))}, nil
}

// RefreshLease extends the lease identified by token.
func (s *SQLStorage) RefreshLease(ctx context.Context, instanceID string, token int64, ttl time.Duration) (*Lease, error) {
	conn := s.getConn(ctx)
	now := s.clock.Now()
	expires := now.Add(ttl)

	res, err := conn.ExecContext(ctx, s.q(`
		UPDATE instance_records
		SET lease_expires_at = ?, updated_at = ?
		WHERE instance_id = ? AND lease_token = ? AND lease_owner IS NOT NULL
	`), toMillis(expires), toMillis(now), instanceID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh lease on %s: %w", instanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	var owner string
	if err := conn.QueryRowContext(ctx, s.q(`SELECT lease_owner FROM instance_records WHERE instance_id = ?`),
		instanceID).Scan(&owner); err != nil {
		return nil, err
	}
	return &Lease{InstanceID: instanceID, Owner: owner, Token: token, ExpiresAt: fromMillis(toMillis(expires))}, nil
}

// ReleaseLease clears the lease if token is still current.
func (s *SQLStorage) ReleaseLease(ctx context.Context, instanceID string, token int64) error {
	conn := s.getConn(ctx)
	_, err := conn.ExecContext(ctx, s.q(`
		UPDATE instance_records
		SET lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE instance_id = ? AND lease_token = ?
	`), toMillis(s.clock.Now()), instanceID, token)
	if err != nil {
		return fmt.Errorf("failed to release lease on %s: %w", instanceID, err)
	}
	return nil
}

// FindOrphanedInstances returns running instances whose lease expired or was
// never taken.
func (s *SQLStorage) FindOrphanedInstances(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	conn := s.getConn(ctx)
	rows, err := conn.QueryContext(ctx, s.q(`
		SELECT instance_id FROM instance_records
		WHERE status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at < ?)
		ORDER BY updated_at ASC, instance_id ASC
		LIMIT ?
	`), toMillis(s.clock.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned instances: %w", err)
	}
	return scanStrings(rows)
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
