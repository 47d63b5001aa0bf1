package instance

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/i2y/vigil/hooks"
	"github.com/i2y/vigil/internal/alarm"
	"github.com/i2y/vigil/internal/deadline"
	"github.com/i2y/vigil/internal/pqueue"
	"github.com/i2y/vigil/internal/storage"
	"github.com/i2y/vigil/internal/storage/storagetest"
)

const testAccount = "acct-1"

type harness struct {
	t           *testing.T
	store       *storage.SQLStorage
	clock       *clockwork.FakeClock
	timers      *deadline.Timers
	alarms      *alarm.Scheduler
	runners     map[string]RunnerSet
	handlers    map[pqueue.EntryType]WakeupHandler
	hooks       *recordingHooks
	transitions *recordingTransitions
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, clock := storagetest.NewSQLite(t)
	timers := deadline.New(clock)
	t.Cleanup(timers.Stop)

	return &harness{
		t:           t,
		store:       s,
		clock:       clock,
		timers:      timers,
		alarms:      alarm.New(timers, func(string) {}),
		runners:     make(map[string]RunnerSet),
		handlers:    make(map[pqueue.EntryType]WakeupHandler),
		hooks:       &recordingHooks{},
		transitions: &recordingTransitions{},
	}
}

func (h *harness) config(workerID string) Config {
	return Config{
		Store:       h.store,
		Timers:      h.timers,
		Alarms:      h.alarms,
		WorkerID:    workerID,
		Runners:     func(id string) (RunnerSet, bool) { rs, ok := h.runners[id]; return rs, ok },
		Handlers:    h.handlers,
		Hooks:       h.hooks,
		Transitions: h.transitions,
	}
}

func (h *harness) engine(id string) *Engine {
	return New(id, h.config("worker-a"))
}

func (h *harness) register(workflowID string, fn StepFunc) {
	h.runners[workflowID] = RunnerSet{"": fn}
}

func initRequest(workflowID string, event string) InitRequest {
	return InitRequest{
		AccountID: testAccount,
		Workflow:  Workflow{ID: workflowID, Name: workflowID},
		Version:   Version{ID: "v1"},
		Event:     json.RawMessage(event),
	}
}

func (h *harness) logKinds(e *Engine) []string {
	h.t.Helper()
	entries, err := e.ReadLogs(context.Background())
	require.NoError(h.t, err)
	kinds := make([]string, 0, len(entries))
	for _, entry := range entries {
		kinds = append(kinds, entry.Event)
	}
	return kinds
}

func (h *harness) lastLog(e *Engine) LogEntry {
	h.t.Helper()
	entries, err := e.ReadLogs(context.Background())
	require.NoError(h.t, err)
	require.NotEmpty(h.t, entries)
	return entries[len(entries)-1]
}

func (h *harness) record(id string) *storage.InstanceRecord {
	h.t.Helper()
	rec, err := h.store.GetInstance(context.Background(), id)
	require.NoError(h.t, err)
	require.NotNil(h.t, rec)
	return rec
}

// initAsync runs Init on a goroutine and returns a channel with its error.
func initAsync(e *Engine, req InitRequest) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := e.Init(context.Background(), req)
		done <- err
	}()
	return done
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Init")
		return nil
	}
}

type recordingHooks struct {
	hooks.NoOpHooks
	queued     atomic.Int32
	started    atomic.Int32
	completed  atomic.Int32
	failed     atomic.Int32
	terminated atomic.Int32
	timers     atomic.Int32
	expired    atomic.Int32
}

func (r *recordingHooks) OnInstanceQueued(context.Context, hooks.InstanceQueuedInfo) { r.queued.Add(1) }
func (r *recordingHooks) OnRunStart(context.Context, hooks.RunStartInfo)             { r.started.Add(1) }
func (r *recordingHooks) OnRunComplete(context.Context, hooks.RunCompleteInfo)       { r.completed.Add(1) }
func (r *recordingHooks) OnRunFailed(context.Context, hooks.RunFailedInfo)           { r.failed.Add(1) }
func (r *recordingHooks) OnInstanceTerminated(context.Context, hooks.InstanceTerminatedInfo) {
	r.terminated.Add(1)
}
func (r *recordingHooks) OnTimerFired(context.Context, hooks.TimerFiredInfo) { r.timers.Add(1) }
func (r *recordingHooks) OnGracePeriodExpired(context.Context, hooks.GracePeriodExpiredInfo) {
	r.expired.Add(1)
}

type recordingTransitions struct {
	mu  sync.Mutex
	all []Transition
}

func (r *recordingTransitions) RecordTransition(_ context.Context, t Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, t)
	return nil
}

func (r *recordingTransitions) targets() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.all))
	for _, t := range r.all {
		out = append(out, t.To)
	}
	return out
}
