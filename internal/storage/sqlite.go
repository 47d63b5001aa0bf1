package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// NewSQLiteStorage opens a SQLite database at path. Accepted forms are a
// plain path, "file:path" and "sqlite://path".
func NewSQLiteStorage(path string, opts ...Option) (*SQLStorage, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:" databases
	// shared across callers.
	db.SetMaxOpenConns(1)

	return newSQLStorage(db, &SQLiteDriver{}, opts...), nil
}

func sqliteDSN(path string) string {
	path = strings.TrimPrefix(path, "sqlite://")
	if path == "" || path == ":memory:" {
		return "file::memory:?_pragma=busy_timeout(5000)"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}
