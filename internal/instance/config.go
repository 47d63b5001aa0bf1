package instance

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i2y/vigil/hooks"
	"github.com/i2y/vigil/internal/alarm"
	"github.com/i2y/vigil/internal/deadline"
	"github.com/i2y/vigil/internal/pqueue"
	"github.com/i2y/vigil/internal/storage"
	"github.com/i2y/vigil/retry"
)

const (
	DefaultGracePeriod       = 5 * time.Minute
	DefaultLeaseTTL          = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// WakeupHandler handles a due collaborator entry. It runs during the drain
// of the instance's scheduled entries.
type WakeupHandler func(ctx context.Context, e *Engine, entry pqueue.Entry)

// Config is shared by every engine of a host.
type Config struct {
	Store  storage.Storage
	Timers *deadline.Timers
	Alarms *alarm.Scheduler

	// WorkerID owns the leases taken by this process.
	WorkerID string

	GracePeriod       time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration

	// TxRetry retries failed storage transactions. Nil runs them once.
	TxRetry *retry.Policy

	Runners     RunnerLookup
	Handlers    map[pqueue.EntryType]WakeupHandler
	Hooks       hooks.InstanceHooks
	Transitions TransitionRecorder
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatInterval >= c.LeaseTTL {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.Hooks == nil {
		c.Hooks = &hooks.NoOpHooks{}
	}
	if c.Runners == nil {
		c.Runners = func(string) (RunnerSet, bool) { return nil, false }
	}

	policy := retry.NoRetry()
	if c.TxRetry != nil {
		p := *c.TxRetry
		policy = &p
	}
	policy.NonRetryableErrors = append(append([]error(nil), policy.NonRetryableErrors...),
		ErrInstanceNotFound, ErrInvalidTransition, ErrWorkflowNotRegistered, errNotRunnable)
	c.TxRetry = policy
	return c
}

func (c Config) clock() clockwork.Clock {
	return c.Timers.Clock()
}
