package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetValue returns the value stored under key for the instance.
func (s *SQLStorage) GetValue(ctx context.Context, instanceID, key string) ([]byte, bool, error) {
	conn := s.getConn(ctx)
	var value string
	err := conn.QueryRowContext(ctx, s.q(`
		SELECT kv_value FROM instance_kv WHERE instance_id = ? AND kv_key = ?
	`), instanceID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s of %s: %w", key, instanceID, err)
	}
	return []byte(value), true, nil
}

// PutValueIfAbsent stores value under key unless the key already exists.
func (s *SQLStorage) PutValueIfAbsent(ctx context.Context, instanceID, key string, value []byte) (bool, error) {
	conn := s.getConn(ctx)
	query := fmt.Sprintf(`%s INTO instance_kv (instance_id, kv_key, kv_value) VALUES (?, ?, ?) %s`,
		s.driver.InsertIgnore(), s.driver.OnConflictDoNothing("instance_id", "kv_key"))
	res, err := conn.ExecContext(ctx, s.q(query), instanceID, key, string(value))
	if err != nil {
		return false, fmt.Errorf("failed to write %s of %s: %w", key, instanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
