// Package alarm schedules at most one wake-up per instance on the shared
// deadline timers.
package alarm

import (
	"context"
	"time"

	"github.com/i2y/vigil/internal/deadline"
)

// Scheduler delivers instance wake-ups to a host callback.
type Scheduler struct {
	timers  *deadline.Timers
	deliver func(instanceID string)
}

// New returns a Scheduler that calls deliver when an instance alarm fires.
// deliver runs on the timer goroutine and should hand off quickly.
func New(timers *deadline.Timers, deliver func(instanceID string)) *Scheduler {
	return &Scheduler{timers: timers, deliver: deliver}
}

// For returns the alarm handle of instanceID.
func (s *Scheduler) For(instanceID string) *Alarm {
	return &Alarm{s: s, instanceID: instanceID, owner: ownerKey(instanceID)}
}

// Next returns the armed wake-up of instanceID.
func (s *Scheduler) Next(instanceID string) (time.Time, bool) {
	return s.timers.Deadline(ownerKey(instanceID))
}

func ownerKey(instanceID string) string {
	return instanceID + "/alarm"
}

// Alarm is the single wake-up slot of one instance.
type Alarm struct {
	s          *Scheduler
	instanceID string
	owner      string
}

// ScheduleOnce sets the wake-up to at, replacing any earlier one.
func (a *Alarm) ScheduleOnce(_ context.Context, at time.Time) error {
	id := a.instanceID
	a.s.timers.Arm(a.owner, at, func() { a.s.deliver(id) })
	return nil
}

// Cancel clears the wake-up.
func (a *Alarm) Cancel(_ context.Context) error {
	a.s.timers.Cancel(a.owner)
	return nil
}
