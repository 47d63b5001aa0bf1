// Package deadline provides one-shot deadline timers keyed by owner.
//
// Each owner has at most one armed deadline. Arming again, extending or
// resetting supersedes the previous deadline without producing an extra fire,
// and a callback runs at most once per arm chain.
package deadline

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timers multiplexes owner-keyed deadlines over a single clock.
type Timers struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	stopped bool
}

// gen is drawn from Timers.seq, so it never repeats for an owner even
// after the entry is deleted and re-created.
type entry struct {
	gen   uint64
	at    time.Time
	fn    func()
	timer clockwork.Timer
}

// New returns a Timers driven by clock. A nil clock uses the real clock.
func New(clock clockwork.Clock) *Timers {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Timers{
		clock:   clock,
		entries: make(map[string]*entry),
	}
}

// Clock returns the clock the timers run on.
func (t *Timers) Clock() clockwork.Clock {
	return t.clock
}

// Arm sets owner's deadline to at, replacing any armed deadline and callback.
// Deadlines in the past fire immediately.
func (t *Timers) Arm(owner string, at time.Time, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	e, ok := t.entries[owner]
	if ok {
		e.timer.Stop()
	} else {
		e = &entry{}
		t.entries[owner] = e
	}
	t.seq++
	e.gen = t.seq
	e.at = at
	e.fn = fn
	e.timer = t.schedule(owner, e.gen, at)
}

// Extend moves owner's deadline later by d. It reports false when nothing is armed.
func (t *Timers) Extend(owner string, d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[owner]
	if !ok {
		return false
	}
	t.rearm(owner, e, e.at.Add(d))
	return true
}

// ResetTo moves owner's deadline to at, keeping its callback. It reports
// false when nothing is armed.
func (t *Timers) ResetTo(owner string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[owner]
	if !ok {
		return false
	}
	t.rearm(owner, e, at)
	return true
}

// Cancel disarms owner's deadline. It reports whether one was armed.
func (t *Timers) Cancel(owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[owner]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, owner)
	return true
}

// Deadline returns owner's armed deadline.
func (t *Timers) Deadline(owner string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[owner]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Len returns the number of armed deadlines.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stop disarms every deadline. Later Arm calls are ignored.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for owner, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, owner)
	}
}

// rearm must be called with t.mu held.
func (t *Timers) rearm(owner string, e *entry, at time.Time) {
	e.timer.Stop()
	t.seq++
	e.gen = t.seq
	e.at = at
	e.timer = t.schedule(owner, e.gen, at)
}

func (t *Timers) schedule(owner string, gen uint64, at time.Time) clockwork.Timer {
	d := at.Sub(t.clock.Now())
	if d < 0 {
		d = 0
	}
	return t.clock.AfterFunc(d, func() { t.fire(owner, gen) })
}

func (t *Timers) fire(owner string, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[owner]
	if !ok || e.gen != gen {
		// superseded or cancelled
		t.mu.Unlock()
		return
	}
	delete(t.entries, owner)
	fn := e.fn
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}
