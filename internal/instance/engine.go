// Package instance implements the per-instance execution engine: a
// crash-recoverable status machine over a durable log, a durable timer
// queue, a persisted lease and a grace-period supervisor around the step
// runner.
package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i2y/vigil/hooks"
	"github.com/i2y/vigil/internal/grace"
	"github.com/i2y/vigil/internal/pqueue"
	"github.com/i2y/vigil/internal/storage"
	"github.com/i2y/vigil/retry"
)

var errNotRunnable = errors.New("instance is not runnable")

// Engine governs a single instance. All methods are safe for concurrent use;
// the engine's mutex is never held across storage calls or the step runner.
type Engine struct {
	id    string
	cfg   Config
	store storage.Storage
	clock clockwork.Clock
	grace *grace.Semaphore

	startMu sync.Mutex
	started bool
	queue   *pqueue.Queue

	mu     sync.Mutex
	exists bool
	status Status
	runner StepRunner
	run    *activeRun

	logMu    sync.Mutex
	pending  []*storage.LogEntry
	flushing bool
	flushMu  sync.Mutex

	bg sync.WaitGroup
}

// New returns the engine of instanceID. Nothing is read from storage until
// the first call.
func New(instanceID string, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		id:    instanceID,
		cfg:   cfg,
		store: cfg.Store,
		clock: cfg.clock(),
	}
	e.grace = grace.New(cfg.Timers, instanceID, e.onGraceExpired)
	return e
}

// ID returns the instance id.
func (e *Engine) ID() string {
	return e.id
}

// Busy reports whether a run holds the in-process guard.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil
}

// Wait blocks until background resumes started by alarms and log flushes
// have returned.
func (e *Engine) Wait() {
	e.bg.Wait()
}

// startup loads the persisted status once per activation. Concurrent callers
// wait for it.
func (e *Engine) startup(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return nil
	}

	rec, err := e.store.GetInstance(ctx, e.id)
	if err != nil {
		return fmt.Errorf("failed to load instance %s: %w", e.id, err)
	}
	if e.queue == nil {
		e.queue = pqueue.New(e.store, e.id, e.cfg.Alarms.For(e.id), e.clock)
	}
	if rec != nil {
		if err := e.mirror(rec); err != nil {
			return err
		}
	}
	e.started = true
	return nil
}

func (e *Engine) mirror(rec *storage.InstanceRecord) error {
	st, err := ParseStatus(rec.Status)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.exists = true
	e.status = st
	e.mu.Unlock()
	return nil
}

func (e *Engine) setStatus(st Status) {
	e.mu.Lock()
	e.exists = true
	e.status = st
	e.mu.Unlock()
}

// reload refreshes the mirror from storage.
func (e *Engine) reload(ctx context.Context) {
	rec, err := e.store.GetInstance(ctx, e.id)
	if err != nil {
		slog.Warn("failed to reload instance status", "instance_id", e.id, "error", err)
		return
	}
	if rec != nil {
		_ = e.mirror(rec)
	}
}

// prepare runs startup, drains due entries and re-arms the alarm. Every
// entry point calls it first.
func (e *Engine) prepare(ctx context.Context) error {
	if err := e.startup(ctx); err != nil {
		return err
	}
	due, err := e.queue.PopPastEntries(ctx)
	if err != nil {
		return err
	}
	for _, entry := range due {
		e.dispatch(ctx, entry)
	}
	if err := e.queue.HandleNextAlarm(ctx); err != nil {
		return fmt.Errorf("failed to arm alarm for %s: %w", e.id, err)
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, entry pqueue.Entry) {
	e.cfg.Hooks.OnTimerFired(ctx, hooks.TimerFiredInfo{
		InstanceID: e.id,
		EntryType:  int(entry.EntryType),
		Hash:       entry.Hash,
		TargetTime: entry.TargetTimestamp,
		FiredAt:    e.clock.Now(),
	})

	if entry.EntryType == pqueue.EntryTypeResume {
		e.onResume(ctx)
		return
	}
	h, ok := e.cfg.Handlers[entry.EntryType]
	if !ok {
		slog.Warn("no handler for scheduled entry",
			"instance_id", e.id, "entry_type", int(entry.EntryType), "hash", entry.Hash)
		return
	}
	h(ctx, e, entry)
}

// Alarm is the alarm delivery entry point.
func (e *Engine) Alarm(ctx context.Context) error {
	return e.prepare(ctx)
}

// Recover drains due entries and, unless a run is live in this process,
// resumes the instance in the background. Callers use it for instances
// found running under an expired lease.
func (e *Engine) Recover(ctx context.Context) error {
	if err := e.prepare(ctx); err != nil {
		return err
	}
	e.onResume(ctx)
	return nil
}

// Init activates the instance and, unless it is running elsewhere or
// already finished, runs its step to completion.
func (e *Engine) Init(ctx context.Context, req InitRequest) (InitResult, error) {
	res := InitResult{ID: e.id}
	if err := e.prepare(ctx); err != nil {
		return res, err
	}

	e.mu.Lock()
	busy := e.run != nil
	terminal := e.exists && e.status.IsTerminal()
	e.mu.Unlock()
	if busy || terminal {
		return res, nil
	}

	meta, err := e.activate(ctx, req)
	if err != nil {
		return res, err
	}
	return res, e.advance(ctx, meta)
}

// activate writes the metadata, the record and the QUEUED and START log
// entries in one transaction, once.
func (e *Engine) activate(ctx context.Context, req InitRequest) (Metadata, error) {
	var meta Metadata
	var created bool
	err := e.inTx(ctx, func(ctx context.Context) error {
		created = false
		existing, ok, err := e.loadMetadata(ctx)
		if err != nil {
			return err
		}
		if ok {
			meta = existing
			return nil
		}

		meta = Metadata{
			AccountID: req.AccountID,
			Workflow:  req.Workflow,
			Version:   req.Version,
			Instance:  e.id,
			Event:     req.Event,
		}
		if len(meta.Event) == 0 {
			meta.Event = json.RawMessage("null")
		}
		if meta.Version.WorkflowID == "" {
			meta.Version.WorkflowID = meta.Workflow.ID
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}

		if _, err := e.store.CreateInstance(ctx, &storage.InstanceRecord{
			InstanceID: e.id,
			AccountID:  meta.AccountID,
			WorkflowID: meta.Workflow.ID,
			VersionID:  meta.Version.ID,
			Status:     StatusQueued.String(),
		}); err != nil {
			return err
		}
		inserted, err := e.store.PutValueIfAbsent(ctx, e.id, MetadataKey, raw)
		if err != nil {
			return err
		}
		if !inserted {
			existing, _, err := e.loadMetadata(ctx)
			meta = existing
			return err
		}

		if err := e.appendLog(ctx, LogWorkflowQueued, map[string]any{
			"workflow": meta.Workflow.ID,
			"version":  meta.Version.ID,
		}); err != nil {
			return err
		}
		if err := e.appendLog(ctx, LogWorkflowStart, map[string]any{"event": meta.Event}); err != nil {
			return err
		}
		created = true
		return e.recordTransition(ctx, meta.AccountID, meta.Workflow.ID, meta.Version.ID,
			StatusQueued, StatusQueued, nil)
	})
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to activate instance %s: %w", e.id, err)
	}

	if created {
		e.setStatus(StatusQueued)
		slog.Info("instance queued", "instance_id", e.id, "workflow_id", meta.Workflow.ID, "version_id", meta.Version.ID)
		e.cfg.Hooks.OnInstanceQueued(ctx, hooks.InstanceQueuedInfo{
			InstanceID: e.id,
			AccountID:  meta.AccountID,
			WorkflowID: meta.Workflow.ID,
			VersionID:  meta.Version.ID,
			QueuedAt:   e.clock.Now(),
		})
	} else {
		e.reload(ctx)
	}
	return meta, nil
}

func (e *Engine) loadMetadata(ctx context.Context) (Metadata, bool, error) {
	raw, ok, err := e.store.GetValue(ctx, e.id, MetadataKey)
	if err != nil || !ok {
		return Metadata{}, ok, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, false, fmt.Errorf("failed to decode metadata of %s: %w", e.id, err)
	}
	return meta, true, nil
}

// bind resolves the step runner once per engine lifetime.
func (e *Engine) bind(meta Metadata) (StepRunner, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runner != nil {
		return e.runner, nil
	}

	set, ok := e.cfg.Runners(meta.Workflow.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotRegistered, meta.Workflow.ID)
	}
	runner, ok := set.Resolve(meta.Version.Entrypoint)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no runner for entrypoint %q",
			ErrWorkflowNotRegistered, meta.Workflow.ID, meta.Version.Entrypoint)
	}
	e.runner = runner
	return runner, nil
}

// advance takes the lease, moves the instance to Running and runs the step.
func (e *Engine) advance(ctx context.Context, meta Metadata) error {
	runner, err := e.bind(meta)
	if err != nil {
		return err
	}

	run := e.claim(ctx)
	if run == nil {
		return nil
	}

	lease, err := e.acquire(ctx)
	if err != nil || lease == nil {
		e.releaseRun(run)
		run.cancel(context.Canceled)
		if errors.Is(err, errNotRunnable) {
			e.reload(ctx)
			return nil
		}
		return err
	}
	run.token = lease.Token
	run.setLeaseExpiry(lease.ExpiresAt)
	e.setStatus(StatusRunning)

	return e.execute(ctx, run, runner, meta)
}

// claim sets the in-process guard. It returns nil when a run is active.
func (e *Engine) claim(ctx context.Context) *activeRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		return nil
	}
	run := &activeRun{}
	run.ctx, run.cancel = context.WithCancelCause(context.WithoutCancel(ctx))
	e.run = run
	return run
}

func (e *Engine) releaseRun(run *activeRun) {
	e.mu.Lock()
	if e.run == run {
		e.run = nil
	}
	e.mu.Unlock()
}

// acquire takes the lease and sets Running in one transaction. It returns
// nil when another live owner holds the lease, after scheduling a resume at
// that lease's expiry.
func (e *Engine) acquire(ctx context.Context) (*storage.Lease, error) {
	var lease *storage.Lease
	var heldUntil time.Time
	err := e.inTx(ctx, func(ctx context.Context) error {
		lease, heldUntil = nil, time.Time{}
		rec, err := e.store.GetInstance(ctx, e.id)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrInstanceNotFound
		}
		cur, err := ParseStatus(rec.Status)
		if err != nil {
			return err
		}
		if cur.IsTerminal() {
			return errNotRunnable
		}

		l, err := e.store.AcquireLease(ctx, e.id, e.cfg.WorkerID, e.cfg.LeaseTTL)
		if err != nil {
			return err
		}
		if l == nil {
			if rec.LeaseExpiresAt != nil {
				heldUntil = *rec.LeaseExpiresAt
			} else {
				heldUntil = e.clock.Now().Add(e.cfg.LeaseTTL)
			}
			return nil
		}

		ok, err := e.store.UpdateInstanceStatus(ctx, storage.StatusUpdate{
			InstanceID:  e.id,
			Status:      StatusRunning.String(),
			From:        statusStrings(StatusQueued, StatusRunning),
			LeaseToken:  l.Token,
			MarkStarted: true,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errNotRunnable
		}
		if cur == StatusQueued {
			if err := e.recordTransition(ctx, rec.AccountID, rec.WorkflowID, rec.VersionID,
				StatusQueued, StatusRunning, nil); err != nil {
				return err
			}
		}
		lease = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	if lease == nil {
		slog.Debug("instance lease held elsewhere", "instance_id", e.id, "until", heldUntil)
		hash := fmt.Sprintf("held:%d", heldUntil.UnixMilli())
		if _, err := e.queue.Enqueue(ctx, pqueue.EntryTypeResume, hash, heldUntil); err != nil {
			return nil, err
		}
		return nil, e.queue.HandleNextAlarm(ctx)
	}
	return lease, nil
}

// onResume handles a due resume entry. A live run keeps watching its lease;
// otherwise the instance is resumed in the background.
func (e *Engine) onResume(ctx context.Context) {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()

	if run != nil {
		if err := e.watchLease(ctx, run); err != nil {
			slog.Error("failed to reschedule lease watchdog", "instance_id", e.id, "error", err)
		}
		return
	}

	bgCtx := context.WithoutCancel(ctx)
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		if err := e.resume(bgCtx); err != nil {
			slog.Error("failed to resume instance", "instance_id", e.id, "error", err)
		}
	}()
}

func (e *Engine) resume(ctx context.Context) error {
	rec, err := e.store.GetInstance(ctx, e.id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if err := e.mirror(rec); err != nil {
		return err
	}
	if st, _ := ParseStatus(rec.Status); st.IsTerminal() {
		return nil
	}

	meta, ok, err := e.loadMetadata(ctx)
	if err != nil || !ok {
		return err
	}
	slog.Info("resuming instance", "instance_id", e.id, "status", rec.Status)
	return e.advance(ctx, meta)
}

// watchLease schedules a resume entry at the run's lease expiry so that a
// crash of this process is noticed by whoever delivers the next alarm.
func (e *Engine) watchLease(ctx context.Context, run *activeRun) error {
	at := run.leaseExpiry()
	if floor := e.clock.Now().Add(e.cfg.HeartbeatInterval); at.Before(floor) {
		at = floor
	}
	hash := fmt.Sprintf("%d:%d", run.token, at.UnixMilli())
	if _, err := e.queue.Enqueue(ctx, pqueue.EntryTypeResume, hash, at); err != nil {
		return err
	}
	run.setResumeHash(hash)
	return nil
}

// Abort terminates the instance with reason. A live run is cancelled and
// its eventual result discarded. Aborting a finished or unknown instance is
// a no-op.
func (e *Engine) Abort(ctx context.Context, reason string) error {
	if err := e.prepare(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	if e.run != nil {
		e.run.abort(reason)
	}
	e.mu.Unlock()
	e.grace.Cancel()
	e.syncLogs(ctx)

	var terminated bool
	err := e.inTx(ctx, func(ctx context.Context) error {
		terminated = false
		rec, err := e.store.GetInstance(ctx, e.id)
		if err != nil || rec == nil {
			return err
		}
		cur, err := ParseStatus(rec.Status)
		if err != nil || cur.IsTerminal() {
			return err
		}

		ok, err := e.store.UpdateInstanceStatus(ctx, storage.StatusUpdate{
			InstanceID: e.id,
			Status:     StatusTerminated.String(),
			From:       statusStrings(StatusQueued, StatusRunning),
			MarkEnded:  true,
		})
		if err != nil || !ok {
			return err
		}
		data := map[string]any{"reason": reason}
		if err := e.appendLog(ctx, LogWorkflowTerminated, data); err != nil {
			return err
		}
		terminated = true
		return e.recordTransition(ctx, rec.AccountID, rec.WorkflowID, rec.VersionID,
			cur, StatusTerminated, data)
	})
	if err != nil {
		return fmt.Errorf("failed to abort instance %s: %w", e.id, err)
	}

	if terminated {
		e.setStatus(StatusTerminated)
		slog.Info("instance terminated", "instance_id", e.id, "reason", reason)
		e.cfg.Hooks.OnInstanceTerminated(ctx, hooks.InstanceTerminatedInfo{InstanceID: e.id, Reason: reason})
	}
	return nil
}

// UserTriggeredTerminate aborts the instance on behalf of its user.
func (e *Engine) UserTriggeredTerminate(ctx context.Context) error {
	return e.Abort(ctx, ReasonUserTerminated)
}

func (e *Engine) onGraceExpired() {
	ctx := context.Background()
	slog.Warn("grace period expired", "instance_id", e.id)
	e.cfg.Hooks.OnGracePeriodExpired(ctx, hooks.GracePeriodExpiredInfo{InstanceID: e.id, ExpiredAt: e.clock.Now()})
	if err := e.Abort(ctx, ReasonGraceExpired); err != nil {
		slog.Error("failed to terminate expired instance", "instance_id", e.id, "error", err)
	}
}

// GetStatus returns the persisted status of the instance owned by accountID.
func (e *Engine) GetStatus(ctx context.Context, accountID string) (Status, error) {
	if err := e.prepare(ctx); err != nil {
		return 0, err
	}
	rec, err := e.store.GetInstance(ctx, e.id)
	if err != nil {
		return 0, err
	}
	if rec == nil || rec.AccountID != accountID {
		return 0, ErrInstanceNotFound
	}
	if err := e.mirror(rec); err != nil {
		return 0, err
	}
	return ParseStatus(rec.Status)
}

// SetStatus moves the instance owned by accountID to status. Setting the
// current status is a no-op; other moves must follow the lifecycle.
func (e *Engine) SetStatus(ctx context.Context, accountID string, status Status) error {
	if err := e.prepare(ctx); err != nil {
		return err
	}

	var changed bool
	err := e.inTx(ctx, func(ctx context.Context) error {
		changed = false
		rec, err := e.store.GetInstance(ctx, e.id)
		if err != nil {
			return err
		}
		if rec == nil || rec.AccountID != accountID {
			return ErrInstanceNotFound
		}
		cur, err := ParseStatus(rec.Status)
		if err != nil {
			return err
		}
		if cur == status {
			return nil
		}
		if !cur.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, status)
		}

		ok, err := e.store.UpdateInstanceStatus(ctx, storage.StatusUpdate{
			InstanceID:  e.id,
			Status:      status.String(),
			From:        statusStrings(cur),
			MarkStarted: status == StatusRunning,
			MarkEnded:   status.IsTerminal(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: status of %s changed concurrently", ErrInvalidTransition, e.id)
		}
		changed = true
		return e.recordTransition(ctx, rec.AccountID, rec.WorkflowID, rec.VersionID, cur, status, nil)
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	e.setStatus(status)
	if status.IsTerminal() {
		e.mu.Lock()
		if e.run != nil {
			e.run.abort("status set to " + status.String())
		}
		e.mu.Unlock()
		e.grace.Cancel()
	}
	return nil
}

// ScheduleWakeup durably schedules a collaborator entry and re-arms the
// alarm. Scheduling an existing or cancelled entry reports false.
func (e *Engine) ScheduleWakeup(ctx context.Context, entryType pqueue.EntryType, hash string, at time.Time) (bool, error) {
	if entryType < pqueue.FirstUserEntryType {
		return false, fmt.Errorf("entry type %d is reserved", entryType)
	}
	if err := e.startup(ctx); err != nil {
		return false, err
	}
	inserted, err := e.queue.Enqueue(ctx, entryType, hash, at)
	if err != nil {
		return false, err
	}
	return inserted, e.queue.HandleNextAlarm(ctx)
}

// CancelWakeup cancels a collaborator entry.
func (e *Engine) CancelWakeup(ctx context.Context, entryType pqueue.EntryType, hash string) error {
	if err := e.startup(ctx); err != nil {
		return err
	}
	if err := e.queue.Cancel(ctx, entryType, hash); err != nil {
		return err
	}
	return e.queue.HandleNextAlarm(ctx)
}

// inTx runs fn in a transaction, retried per the configured policy.
func (e *Engine) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.store.InTransaction(ctx) {
		return fn(ctx)
	}
	return retry.Do(ctx, e.cfg.TxRetry, func(ctx context.Context) error {
		return storage.WithTransaction(ctx, e.store, fn)
	})
}

func (e *Engine) recordTransition(ctx context.Context, accountID, workflowID, versionID string, from, to Status, data map[string]any) error {
	if e.cfg.Transitions == nil {
		return nil
	}
	return e.cfg.Transitions.RecordTransition(ctx, Transition{
		InstanceID: e.id,
		AccountID:  accountID,
		WorkflowID: workflowID,
		VersionID:  versionID,
		From:       from,
		To:         to,
		At:         e.clock.Now(),
		Data:       data,
	})
}
