// Package grace bounds a step's execution time with a supersedable deadline.
package grace

import (
	"sync/atomic"
	"time"

	"github.com/i2y/vigil/internal/deadline"
)

// Semaphore is the grace period of one instance. Start, Extend and Reset
// move a single deadline; the expiry handler runs at most once per chain and
// never after Cancel.
type Semaphore struct {
	timers   *deadline.Timers
	owner    string
	onExpire func()

	initial atomic.Int64
}

// New returns the grace period of instanceID. onExpire runs on the timer
// goroutine.
func New(timers *deadline.Timers, instanceID string, onExpire func()) *Semaphore {
	return &Semaphore{
		timers:   timers,
		owner:    instanceID + "/grace",
		onExpire: onExpire,
	}
}

// Start arms the deadline at now+timeout, replacing any armed deadline.
// timeout also becomes the duration Reset restores.
func (s *Semaphore) Start(timeout time.Duration) {
	s.initial.Store(int64(timeout))
	s.timers.Arm(s.owner, s.timers.Clock().Now().Add(timeout), s.onExpire)
}

// Extend pushes the deadline d later. It reports false when not armed.
func (s *Semaphore) Extend(d time.Duration) bool {
	return s.timers.Extend(s.owner, d)
}

// Reset moves the deadline to now plus the timeout given to Start.
func (s *Semaphore) Reset() bool {
	return s.timers.ResetTo(s.owner, s.timers.Clock().Now().Add(time.Duration(s.initial.Load())))
}

// Cancel disarms the deadline.
func (s *Semaphore) Cancel() bool {
	return s.timers.Cancel(s.owner)
}

// Deadline returns the armed deadline.
func (s *Semaphore) Deadline() (time.Time, bool) {
	return s.timers.Deadline(s.owner)
}
