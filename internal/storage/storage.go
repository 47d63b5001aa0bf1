// Package storage provides the transactional SQL store behind vigil instances.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoTransaction is returned by operations that require an active transaction.
var ErrNoTransaction = errors.New("no transaction in context")

// Executor is satisfied by both *sql.DB and *sql.Tx.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Storage is the full persistence surface. Implementations must be safe for
// concurrent use.
type Storage interface {
	// Close closes the database connection.
	Close() error

	// DB returns the underlying connection, used for migrations.
	DB() *sql.DB

	// Driver returns the SQL dialect in use.
	Driver() Driver

	TransactionManager
	InstanceManager
	KVManager
	LogManager
	QueueManager
	OutboxManager
	SystemLockManager
}

// TransactionManager carries transactions on the context.
type TransactionManager interface {
	// BeginTransaction starts a transaction and returns a context carrying it.
	BeginTransaction(ctx context.Context) (context.Context, error)

	// CommitTransaction commits the context's transaction and then runs the
	// registered post-commit callbacks.
	CommitTransaction(ctx context.Context) error

	// RollbackTransaction rolls back the context's transaction, if any.
	RollbackTransaction(ctx context.Context) error

	// InTransaction reports whether ctx carries a transaction.
	InTransaction(ctx context.Context) bool

	// Conn returns the transaction when one is active, otherwise the database.
	Conn(ctx context.Context) Executor

	// RegisterPostCommitCallback registers cb to run after a successful commit.
	RegisterPostCommitCallback(ctx context.Context, cb func() error) error
}

// InstanceManager persists instance records and their leases.
type InstanceManager interface {
	// CreateInstance inserts rec unless a record with the same id exists.
	// It reports whether a row was inserted.
	CreateInstance(ctx context.Context, rec *InstanceRecord) (bool, error)

	// GetInstance returns the record or nil when it does not exist.
	GetInstance(ctx context.Context, instanceID string) (*InstanceRecord, error)

	// UpdateInstanceStatus applies a conditional status write and reports
	// whether a row matched.
	UpdateInstanceStatus(ctx context.Context, upd StatusUpdate) (bool, error)

	// AcquireLease takes the instance lease for owner if it is free or
	// expired. It returns nil while any owner, owner included, holds it.
	AcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (*Lease, error)

	// RefreshLease extends a held lease. It returns nil when token is stale.
	RefreshLease(ctx context.Context, instanceID string, token int64, ttl time.Duration) (*Lease, error)

	// ReleaseLease clears the lease if token is still current.
	ReleaseLease(ctx context.Context, instanceID string, token int64) error

	// FindOrphanedInstances returns running instances whose lease expired.
	FindOrphanedInstances(ctx context.Context, limit int) ([]string, error)
}

// KVManager stores per-instance singleton values.
type KVManager interface {
	// GetValue returns the value for key and whether it exists.
	GetValue(ctx context.Context, instanceID, key string) ([]byte, bool, error)

	// PutValueIfAbsent stores value unless key already has one.
	// It reports whether the value was written.
	PutValueIfAbsent(ctx context.Context, instanceID, key string, value []byte) (bool, error)
}

// LogManager stores the append-only instance log.
type LogManager interface {
	AppendLog(ctx context.Context, entry *LogEntry) error
	// ListLogs returns all entries for the instance ordered by id.
	ListLogs(ctx context.Context, instanceID string) ([]*LogEntry, error)
}

// QueueManager stores scheduled wake-ups in priority_queue.
type QueueManager interface {
	// InsertQueueEntry inserts e unless (instance, action, entryType, hash)
	// already exists. It reports whether a row was inserted.
	InsertQueueEntry(ctx context.Context, e *QueueEntry) (bool, error)

	// DeleteQueueEntry removes the matching row and reports whether one existed.
	DeleteQueueEntry(ctx context.Context, instanceID string, action, entryType int, hash string) (bool, error)

	// QueueEntryExists reports whether the matching row exists.
	QueueEntryExists(ctx context.Context, instanceID string, action, entryType int, hash string) (bool, error)

	// QueueTombstoneSince reports whether the key was cancelled at or
	// after since. A delete row's target_timestamp is its cancel time.
	QueueTombstoneSince(ctx context.Context, instanceID string, entryType int, hash string, since time.Time) (bool, error)

	// PurgeQueueTombstones deletes delete rows older than cutoff.
	PurgeQueueTombstones(ctx context.Context, cutoff time.Time) (int64, error)

	// PopDueQueueEntries removes and returns add rows with target <= now,
	// ordered by target then id. Callers should hold a transaction.
	PopDueQueueEntries(ctx context.Context, instanceID string, now time.Time) ([]*QueueEntry, error)

	// NextQueueTarget returns the smallest remaining add target.
	NextQueueTarget(ctx context.Context, instanceID string) (time.Time, bool, error)

	// ListQueueEntries returns every row of the instance ordered by id.
	ListQueueEntries(ctx context.Context, instanceID string) ([]*QueueEntry, error)

	// FindInstancesWithPendingEntries lists instances that have add rows.
	FindInstancesWithPendingEntries(ctx context.Context, limit int) ([]string, error)
}

// OutboxManager handles the transactional outbox.
type OutboxManager interface {
	AddOutboxEvent(ctx context.Context, event *OutboxEvent) error
	// GetPendingOutboxEvents returns pending events oldest first.
	GetPendingOutboxEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkOutboxEventSent(ctx context.Context, eventID string) error
	MarkOutboxEventFailed(ctx context.Context, eventID string) error
	IncrementOutboxAttempts(ctx context.Context, eventID string) error
	// CleanupOldOutboxEvents removes published events older than olderThan.
	CleanupOldOutboxEvents(ctx context.Context, olderThan time.Duration) error
}

// SystemLockManager handles cluster-wide locks for background tasks.
type SystemLockManager interface {
	TryAcquireSystemLock(ctx context.Context, lockName, workerID string, timeoutSec int) (bool, error)
	ReleaseSystemLock(ctx context.Context, lockName, workerID string) error
	CleanupExpiredSystemLocks(ctx context.Context) error
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on error or panic. If ctx already carries a transaction fn
// joins it.
func WithTransaction(ctx context.Context, tm TransactionManager, fn func(ctx context.Context) error) (err error) {
	if tm.InTransaction(ctx) {
		return fn(ctx)
	}

	txCtx, err := tm.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tm.RollbackTransaction(txCtx)
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tm.CommitTransaction(txCtx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}
