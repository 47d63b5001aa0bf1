package instance

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/i2y/vigil/internal/storage"
)

func (e *Engine) newLogEntry(kind, group, target string, metadata any) *storage.LogEntry {
	raw, err := json.Marshal(metadata)
	if err != nil || metadata == nil {
		if err != nil {
			slog.Warn("dropping unencodable log metadata", "instance_id", e.id, "event", kind, "error", err)
		}
		raw = json.RawMessage("{}")
	}
	return &storage.LogEntry{
		InstanceID: e.id,
		Event:      kind,
		Group:      group,
		Target:     target,
		Metadata:   raw,
		CreatedAt:  e.clock.Now(),
	}
}

// appendLog appends inside the caller's transaction.
func (e *Engine) appendLog(ctx context.Context, kind string, metadata any) error {
	return e.store.AppendLog(ctx, e.newLogEntry(kind, "", "", metadata))
}

// writeLog queues an entry for appending and returns without touching the
// store. A background flusher persists queued entries in order; entries the
// store rejects stay queued until the next write, read or terminal write.
func (e *Engine) writeLog(ctx context.Context, kind, group, target string, metadata any) {
	entry := e.newLogEntry(kind, group, target, metadata)

	e.logMu.Lock()
	e.pending = append(e.pending, entry)
	start := !e.flushing
	if start {
		e.flushing = true
		e.bg.Add(1)
	}
	e.logMu.Unlock()

	if start {
		go e.flushLoop(context.WithoutCancel(ctx))
	}
}

func (e *Engine) flushLoop(ctx context.Context) {
	defer e.bg.Done()
	for {
		e.flushMu.Lock()
		ok := e.flushPendingLocked(ctx)
		e.flushMu.Unlock()

		e.logMu.Lock()
		if !ok || len(e.pending) == 0 {
			e.flushing = false
			e.logMu.Unlock()
			return
		}
		e.logMu.Unlock()
	}
}

// syncLogs persists queued entries before a write that must follow them.
// It is skipped inside a transaction, where the flusher may be waiting on
// the same connection.
func (e *Engine) syncLogs(ctx context.Context) {
	if e.store.InTransaction(ctx) {
		return
	}
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	e.flushPendingLocked(ctx)
}

// flushPendingLocked must be called with flushMu held. It reports whether
// the queue was drained.
func (e *Engine) flushPendingLocked(ctx context.Context) bool {
	for {
		e.logMu.Lock()
		if len(e.pending) == 0 {
			e.logMu.Unlock()
			return true
		}
		entry := e.pending[0]
		e.logMu.Unlock()

		if err := e.store.AppendLog(ctx, entry); err != nil {
			slog.Warn("buffering log entry", "instance_id", e.id, "event", entry.Event, "error", err)
			return false
		}

		e.logMu.Lock()
		e.pending = e.pending[1:]
		e.logMu.Unlock()
	}
}

// ReadLogs returns a snapshot of the instance log ordered by append,
// including entries still waiting to be persisted.
func (e *Engine) ReadLogs(ctx context.Context) ([]LogEntry, error) {
	if err := e.prepare(ctx); err != nil {
		return nil, err
	}

	// flushMu keeps the flusher from persisting an entry between the list
	// and the pending snapshot.
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	if !e.store.InTransaction(ctx) {
		e.flushPendingLocked(ctx)
	}

	stored, err := e.store.ListLogs(ctx, e.id)
	if err != nil {
		return nil, err
	}
	e.logMu.Lock()
	defer e.logMu.Unlock()
	out := make([]LogEntry, 0, len(stored)+len(e.pending))
	for _, entry := range stored {
		out = append(out, *entry)
	}
	for _, entry := range e.pending {
		out = append(out, *entry)
	}
	return out, nil
}
