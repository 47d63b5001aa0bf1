package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/i2y/vigil/hooks"
	"github.com/i2y/vigil/internal/pqueue"
	"github.com/i2y/vigil/internal/storage"
)

// activeRun is the in-process guard of a run holding the lease.
type activeRun struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	token  int64

	mu      sync.Mutex
	expiry  time.Time
	hash    string
	aborted bool
}

func (r *activeRun) abort(reason string) {
	r.mu.Lock()
	r.aborted = true
	r.mu.Unlock()
	r.cancel(&AbortedError{Reason: reason})
}

func (r *activeRun) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *activeRun) leaseExpiry() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expiry
}

func (r *activeRun) setLeaseExpiry(t time.Time) {
	r.mu.Lock()
	r.expiry = t
	r.mu.Unlock()
}

func (r *activeRun) resumeHash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hash
}

func (r *activeRun) setResumeHash(h string) {
	r.mu.Lock()
	r.hash = h
	r.mu.Unlock()
}

// execute runs the step under the grace period and lease heartbeat and
// records its outcome.
func (e *Engine) execute(ctx context.Context, run *activeRun, runner StepRunner, meta Metadata) error {
	defer run.cancel(context.Canceled)
	ctx = context.WithoutCancel(ctx)

	e.grace.Start(e.cfg.GracePeriod)
	if err := e.watchLease(ctx, run); err != nil {
		slog.Warn("failed to schedule lease watchdog", "instance_id", e.id, "error", err)
	}
	if err := e.queue.HandleNextAlarm(ctx); err != nil {
		slog.Warn("failed to arm alarm", "instance_id", e.id, "error", err)
	}
	stopHeartbeat := e.heartbeat(run)

	started := e.clock.Now()
	slog.Info("run started", "instance_id", e.id, "workflow_id", meta.Workflow.ID, "lease_token", run.token)
	e.cfg.Hooks.OnRunStart(ctx, hooks.RunStartInfo{
		InstanceID: e.id,
		WorkflowID: meta.Workflow.ID,
		VersionID:  meta.Version.ID,
		LeaseToken: run.token,
		StartTime:  started,
	})

	sc := &StepContext{ctx: run.ctx, engine: e, meta: meta}
	result, runErr := e.invoke(sc, runner, meta.Event)

	stopHeartbeat()
	return e.finish(ctx, run, meta, result, runErr, started)
}

func (e *Engine) invoke(sc *StepContext, runner StepRunner, event json.RawMessage) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("step panicked", "instance_id", e.id, "panic", p)
			result, err = nil, panicError(p)
		}
	}()
	return runner.Run(sc, event)
}

// heartbeat refreshes the lease until stopped. Losing the lease cancels the
// run with ErrLeaseLost.
func (e *Engine) heartbeat(run *activeRun) (stop func()) {
	ticker := e.clock.NewTicker(e.cfg.HeartbeatInterval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		defer ticker.Stop()
		ctx := context.WithoutCancel(run.ctx)
		for {
			select {
			case <-done:
				return
			case <-run.ctx.Done():
				return
			case <-ticker.Chan():
				lease, err := e.store.RefreshLease(ctx, e.id, run.token, e.cfg.LeaseTTL)
				if err != nil {
					slog.Warn("failed to refresh lease", "instance_id", e.id, "error", err)
					continue
				}
				if lease == nil {
					slog.Warn("lease lost", "instance_id", e.id, "lease_token", run.token)
					run.cancel(ErrLeaseLost)
					return
				}
				run.setLeaseExpiry(lease.ExpiresAt)
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// finish writes the terminal status and log entry of the run, fenced by
// its lease token, then releases the run's resources. A run that was
// aborted, or whose lease was taken over, has its result discarded.
func (e *Engine) finish(ctx context.Context, run *activeRun, meta Metadata, result any, runErr error, started time.Time) error {
	e.grace.Cancel()
	duration := e.clock.Since(started)

	outcome := StatusComplete
	kind := LogWorkflowSuccess
	var data map[string]any
	var failure *StepError
	if runErr == nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			runErr = fmt.Errorf("failed to encode step result: %w", err)
		} else {
			data = map[string]any{"result": json.RawMessage(encoded)}
		}
	}
	if runErr != nil {
		failure = normalizeError(runErr)
		outcome = StatusErrored
		kind = LogWorkflowFailure
		data = map[string]any{"name": failure.Name, "message": failure.Message}
	}

	e.syncLogs(ctx)
	var written bool
	if !run.isAborted() {
		err := e.inTx(ctx, func(ctx context.Context) error {
			written = false
			ok, err := e.store.UpdateInstanceStatus(ctx, storage.StatusUpdate{
				InstanceID: e.id,
				Status:     outcome.String(),
				From:       statusStrings(StatusRunning),
				LeaseToken: run.token,
				MarkEnded:  true,
			})
			if err != nil || !ok {
				return err
			}
			if err := e.appendLog(ctx, kind, data); err != nil {
				return err
			}
			written = true
			return e.recordTransition(ctx, meta.AccountID, meta.Workflow.ID, meta.Version.ID,
				StatusRunning, outcome, data)
		})
		if err != nil {
			// The lease and resume entry stay so the run is retried once the
			// lease expires.
			e.releaseRun(run)
			return fmt.Errorf("failed to record outcome of %s: %w", e.id, err)
		}
	}

	if hash := run.resumeHash(); hash != "" {
		if err := e.queue.Cancel(ctx, pqueue.EntryTypeResume, hash); err != nil {
			slog.Warn("failed to cancel lease watchdog", "instance_id", e.id, "error", err)
		}
	}
	if err := e.queue.HandleNextAlarm(ctx); err != nil {
		slog.Warn("failed to arm alarm", "instance_id", e.id, "error", err)
	}
	if err := e.store.ReleaseLease(ctx, e.id, run.token); err != nil {
		slog.Warn("failed to release lease", "instance_id", e.id, "error", err)
	}
	e.releaseRun(run)

	if !written {
		slog.Debug("discarding run result", "instance_id", e.id, "aborted", run.isAborted())
		e.reload(ctx)
		return nil
	}

	e.setStatus(outcome)
	if failure != nil {
		slog.Info("run failed", "instance_id", e.id, "error_name", failure.Name, "error", failure.Message)
		e.cfg.Hooks.OnRunFailed(ctx, hooks.RunFailedInfo{
			InstanceID: e.id,
			WorkflowID: meta.Workflow.ID,
			Error:      failure,
			Duration:   duration,
		})
		return nil
	}
	slog.Info("run completed", "instance_id", e.id, "duration", duration)
	e.cfg.Hooks.OnRunComplete(ctx, hooks.RunCompleteInfo{
		InstanceID: e.id,
		WorkflowID: meta.Workflow.ID,
		Result:     result,
		Duration:   duration,
	})
	return nil
}
