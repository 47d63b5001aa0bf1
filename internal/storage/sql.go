package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
)

// txKey is the context key for transactions.
type txKey struct{}

// txState holds transaction state including post-commit callbacks.
type txState struct {
	tx        *sql.Tx
	callbacks []func() error
}

// Option configures a SQLStorage.
type Option func(*SQLStorage)

// WithClock sets the clock used for lease and lock expiry.
func WithClock(c clockwork.Clock) Option {
	return func(s *SQLStorage) {
		s.clock = c
	}
}

// SQLStorage implements Storage on database/sql for every supported Driver.
type SQLStorage struct {
	db     *sql.DB
	driver Driver
	clock  clockwork.Clock
}

func newSQLStorage(db *sql.DB, driver Driver, opts ...Option) *SQLStorage {
	s := &SQLStorage{
		db:     db,
		driver: driver,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the storage matching dbURL. PostgreSQL and MySQL are detected
// by URL scheme; anything else is a SQLite path.
func Open(dbURL string, opts ...Option) (*SQLStorage, error) {
	switch NewDriver(dbURL).(type) {
	case *PostgresDriver:
		return NewPostgresStorage(dbURL, opts...)
	case *MySQLDriver:
		return NewMySQLStorage(dbURL, opts...)
	default:
		return NewSQLiteStorage(dbURL, opts...)
	}
}

// DB returns the underlying database connection.
func (s *SQLStorage) DB() *sql.DB {
	return s.db
}

// Driver returns the SQL dialect.
func (s *SQLStorage) Driver() Driver {
	return s.driver
}

// Close closes the database connection.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// getConn returns the transaction carried by ctx, or the database.
func (s *SQLStorage) getConn(ctx context.Context) Executor {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		return state.tx
	}
	return s.db
}

// q rebinds a `?` query for the driver.
func (s *SQLStorage) q(query string) string {
	return s.driver.Rebind(query)
}

// --- Transaction Manager ---

// BeginTransaction starts a new transaction.
func (s *SQLStorage) BeginTransaction(ctx context.Context) (context.Context, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ctx, err
	}
	return context.WithValue(ctx, txKey{}, &txState{tx: tx}), nil
}

// CommitTransaction commits the current transaction.
func (s *SQLStorage) CommitTransaction(ctx context.Context) error {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return ErrNoTransaction
	}
	if err := state.tx.Commit(); err != nil {
		return err
	}
	for _, cb := range state.callbacks {
		if err := cb(); err != nil {
			slog.Debug("post-commit callback error", "error", err)
		}
	}
	return nil
}

// RollbackTransaction rolls back the current transaction.
// Callbacks are not executed on rollback.
func (s *SQLStorage) RollbackTransaction(ctx context.Context) error {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return nil
	}
	return state.tx.Rollback()
}

// InTransaction reports whether a transaction is in progress.
func (s *SQLStorage) InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*txState)
	return ok
}

// Conn returns the database executor for the current context.
func (s *SQLStorage) Conn(ctx context.Context) Executor {
	return s.getConn(ctx)
}

// RegisterPostCommitCallback registers a callback to run after a successful commit.
func (s *SQLStorage) RegisterPostCommitCallback(ctx context.Context, cb func() error) error {
	state, ok := ctx.Value(txKey{}).(*txState)
	if !ok {
		return fmt.Errorf("register post-commit callback: %w", ErrNoTransaction)
	}
	state.callbacks = append(state.callbacks, cb)
	return nil
}

var _ Storage = (*SQLStorage)(nil)
