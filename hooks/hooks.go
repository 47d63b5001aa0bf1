// Package hooks provides lifecycle hooks for instance observability.
package hooks

import (
	"context"
	"time"
)

// InstanceHooks defines callbacks for instance lifecycle events.
// Implement this interface to add observability (logging, tracing, metrics).
// Callbacks may run concurrently for different instances.
type InstanceHooks interface {
	OnInstanceQueued(ctx context.Context, info InstanceQueuedInfo)

	// Run lifecycle
	OnRunStart(ctx context.Context, info RunStartInfo)
	OnRunComplete(ctx context.Context, info RunCompleteInfo)
	OnRunFailed(ctx context.Context, info RunFailedInfo)
	OnInstanceTerminated(ctx context.Context, info InstanceTerminatedInfo)

	// Timers
	OnTimerFired(ctx context.Context, info TimerFiredInfo)
	OnGracePeriodExpired(ctx context.Context, info GracePeriodExpiredInfo)
}

// InstanceQueuedInfo describes the first activation of an instance.
type InstanceQueuedInfo struct {
	InstanceID string
	AccountID  string
	WorkflowID string
	VersionID  string
	QueuedAt   time.Time
}

// RunStartInfo describes a run taking the instance lease.
type RunStartInfo struct {
	InstanceID string
	WorkflowID string
	VersionID  string
	LeaseToken int64
	StartTime  time.Time
}

// RunCompleteInfo describes a successful run.
type RunCompleteInfo struct {
	InstanceID string
	WorkflowID string
	Result     any
	Duration   time.Duration
}

// RunFailedInfo describes a failed run.
type RunFailedInfo struct {
	InstanceID string
	WorkflowID string
	Error      error
	Duration   time.Duration
}

// InstanceTerminatedInfo describes an abort or user termination.
type InstanceTerminatedInfo struct {
	InstanceID string
	Reason     string
}

// TimerFiredInfo describes a due scheduled entry being dispatched.
type TimerFiredInfo struct {
	InstanceID string
	EntryType  int
	Hash       string
	TargetTime time.Time
	FiredAt    time.Time
}

// GracePeriodExpiredInfo describes a run that exceeded its grace period.
type GracePeriodExpiredInfo struct {
	InstanceID string
	ExpiredAt  time.Time
}

// NoOpHooks is a no-operation implementation of InstanceHooks.
// Use this as a base for partial implementations.
type NoOpHooks struct{}

func (n *NoOpHooks) OnInstanceQueued(ctx context.Context, info InstanceQueuedInfo)         {}
func (n *NoOpHooks) OnRunStart(ctx context.Context, info RunStartInfo)                     {}
func (n *NoOpHooks) OnRunComplete(ctx context.Context, info RunCompleteInfo)               {}
func (n *NoOpHooks) OnRunFailed(ctx context.Context, info RunFailedInfo)                   {}
func (n *NoOpHooks) OnInstanceTerminated(ctx context.Context, info InstanceTerminatedInfo) {}
func (n *NoOpHooks) OnTimerFired(ctx context.Context, info TimerFiredInfo)                 {}
func (n *NoOpHooks) OnGracePeriodExpired(ctx context.Context, info GracePeriodExpiredInfo) {}

var _ InstanceHooks = (*NoOpHooks)(nil)
