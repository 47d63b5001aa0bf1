// Package vigil hosts durable workflow instances: each instance runs its
// step once under a lease and a grace period, records its lifecycle in an
// append-only log and keeps its scheduled wake-ups across restarts.
package vigil

import (
	"errors"

	"github.com/i2y/vigil/internal/instance"
)

var (
	// ErrInstanceNotFound is returned when the instance does not exist or
	// belongs to another account.
	ErrInstanceNotFound = instance.ErrInstanceNotFound

	// ErrInvalidTransition is returned by SetStatus for a change the
	// lifecycle does not allow.
	ErrInvalidTransition = instance.ErrInvalidTransition

	// ErrLeaseLost is the cancellation cause seen by a step whose lease was
	// taken over.
	ErrLeaseLost = instance.ErrLeaseLost

	// ErrWorkflowNotRegistered is returned by Init when no runner serves the
	// requested workflow version.
	ErrWorkflowNotRegistered = instance.ErrWorkflowNotRegistered

	// ErrNotStarted is returned when the App is used before Start.
	ErrNotStarted = errors.New("vigil: app not started")

	// ErrReservedEntryType is returned when a wake-up handler is registered
	// for an entry type the engine reserves.
	ErrReservedEntryType = errors.New("vigil: reserved entry type")
)

// StepError is the persisted failure of a step run.
type StepError = instance.StepError

// AbortedError is the cancellation cause seen by a step whose instance was
// aborted.
type AbortedError = instance.AbortedError

// IsAborted reports whether err was caused by an abort.
func IsAborted(err error) bool {
	var ae *AbortedError
	return errors.As(err, &ae)
}
