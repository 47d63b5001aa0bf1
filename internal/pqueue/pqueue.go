// Package pqueue is the durable, deduplicated schedule of pending wake-ups
// of one instance. Rows live in the priority_queue table; the earliest
// remaining row drives the instance alarm.
package pqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i2y/vigil/internal/storage"
)

// EntryType identifies the owner of a scheduled entry.
type EntryType int

// Entry types used by the engine itself. Collaborators pick values at or
// above FirstUserEntryType.
const (
	EntryTypeResume EntryType = 1

	FirstUserEntryType EntryType = 100
)

// ReplayWindow is how long a cancellation blocks a replayed Enqueue of the
// same key. Tombstones older than this are purged by housekeeping.
const ReplayWindow = 24 * time.Hour

// Entry is a due wake-up.
type Entry struct {
	ID              int64
	EntryType       EntryType
	Hash            string
	TargetTimestamp time.Time
}

// AlarmScheduler holds at most one outstanding wake-up.
type AlarmScheduler interface {
	ScheduleOnce(ctx context.Context, at time.Time) error
	Cancel(ctx context.Context) error
}

// Store is the part of storage the queue needs.
type Store interface {
	storage.TransactionManager
	storage.QueueManager
}

// Queue is the schedule of one instance.
type Queue struct {
	store      Store
	instanceID string
	alarm      AlarmScheduler
	clock      clockwork.Clock

	// alarmMu orders HandleNextAlarm reads with the alarm it arms.
	alarmMu sync.Mutex
}

// New returns the queue of instanceID.
func New(store Store, instanceID string, alarm AlarmScheduler, clock clockwork.Clock) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{
		store:      store,
		instanceID: instanceID,
		alarm:      alarm,
		clock:      clock,
	}
}

// Enqueue schedules (entryType, hash) at target. Scheduling an entry that
// is already pending, or that was cancelled within ReplayWindow, is a
// no-op and reports false.
func (q *Queue) Enqueue(ctx context.Context, entryType EntryType, hash string, target time.Time) (bool, error) {
	var inserted bool
	err := storage.WithTransaction(ctx, q.store, func(ctx context.Context) error {
		since := q.clock.Now().Add(-ReplayWindow)
		cancelled, err := q.store.QueueTombstoneSince(ctx, q.instanceID, int(entryType), hash, since)
		if err != nil {
			return err
		}
		if cancelled {
			return nil
		}
		inserted, err = q.store.InsertQueueEntry(ctx, &storage.QueueEntry{
			InstanceID:      q.instanceID,
			TargetTimestamp: target,
			Action:          storage.ActionAdd,
			EntryType:       int(entryType),
			Hash:            hash,
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %d/%s: %w", entryType, hash, err)
	}
	return inserted, nil
}

// Cancel removes a pending entry and records a tombstone so that a replayed
// Enqueue of the same key within ReplayWindow stays cancelled. It is safe
// when nothing is pending.
func (q *Queue) Cancel(ctx context.Context, entryType EntryType, hash string) error {
	err := storage.WithTransaction(ctx, q.store, func(ctx context.Context) error {
		if _, err := q.store.DeleteQueueEntry(ctx, q.instanceID, storage.ActionAdd, int(entryType), hash); err != nil {
			return err
		}
		// Replace an older tombstone so the window restarts now.
		if _, err := q.store.DeleteQueueEntry(ctx, q.instanceID, storage.ActionDelete, int(entryType), hash); err != nil {
			return err
		}
		_, err := q.store.InsertQueueEntry(ctx, &storage.QueueEntry{
			InstanceID:      q.instanceID,
			TargetTimestamp: q.clock.Now(),
			Action:          storage.ActionDelete,
			EntryType:       int(entryType),
			Hash:            hash,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("cancel %d/%s: %w", entryType, hash, err)
	}
	return nil
}

// Pending reports whether (entryType, hash) is scheduled.
func (q *Queue) Pending(ctx context.Context, entryType EntryType, hash string) (bool, error) {
	return q.store.QueueEntryExists(ctx, q.instanceID, storage.ActionAdd, int(entryType), hash)
}

// PopPastEntries removes and returns every entry due at or before now,
// ordered by target then insertion.
func (q *Queue) PopPastEntries(ctx context.Context) ([]Entry, error) {
	var rows []*storage.QueueEntry
	err := storage.WithTransaction(ctx, q.store, func(ctx context.Context) error {
		var err error
		rows, err = q.store.PopDueQueueEntries(ctx, q.instanceID, q.clock.Now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pop due entries: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, Entry{
			ID:              r.ID,
			EntryType:       EntryType(r.EntryType),
			Hash:            r.Hash,
			TargetTimestamp: r.TargetTimestamp,
		})
	}
	return entries, nil
}

// HandleNextAlarm arms the alarm at the earliest remaining entry, or clears
// it when nothing is pending.
func (q *Queue) HandleNextAlarm(ctx context.Context) error {
	q.alarmMu.Lock()
	defer q.alarmMu.Unlock()

	next, ok, err := q.store.NextQueueTarget(ctx, q.instanceID)
	if err != nil {
		return err
	}
	if !ok {
		return q.alarm.Cancel(ctx)
	}
	return q.alarm.ScheduleOnce(ctx, next)
}
