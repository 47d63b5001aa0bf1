package instance

import (
	"context"
	"time"

	"github.com/i2y/vigil/internal/pqueue"
)

// StepContext is handed to the step runner for one run.
type StepContext struct {
	ctx    context.Context
	engine *Engine
	meta   Metadata
}

// Context is cancelled when the run is aborted or loses its lease;
// context.Cause tells which.
func (c *StepContext) Context() context.Context {
	return c.ctx
}

// InstanceID returns the instance id.
func (c *StepContext) InstanceID() string {
	return c.engine.id
}

// Metadata returns the instance metadata.
func (c *StepContext) Metadata() Metadata {
	return c.meta
}

// Heartbeat extends the grace period by d. It reports false when the grace
// period is no longer armed.
func (c *StepContext) Heartbeat(d time.Duration) bool {
	return c.engine.grace.Extend(d)
}

// ResetTimeout restarts the grace period from now.
func (c *StepContext) ResetTimeout() bool {
	return c.engine.grace.Reset()
}

// WriteLog appends a collaborator entry to the instance log.
func (c *StepContext) WriteLog(kind, group, target string, metadata any) {
	c.engine.writeLog(context.WithoutCancel(c.ctx), kind, group, target, metadata)
}

// ScheduleWakeup durably schedules a collaborator entry at at.
func (c *StepContext) ScheduleWakeup(entryType pqueue.EntryType, hash string, at time.Time) (bool, error) {
	return c.engine.ScheduleWakeup(context.WithoutCancel(c.ctx), entryType, hash, at)
}

// CancelWakeup cancels a collaborator entry.
func (c *StepContext) CancelWakeup(entryType pqueue.EntryType, hash string) error {
	return c.engine.CancelWakeup(context.WithoutCancel(c.ctx), entryType, hash)
}
