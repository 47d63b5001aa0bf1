package vigil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/vigil/internal/notify"
	"github.com/i2y/vigil/internal/pqueue"
	"github.com/i2y/vigil/internal/storage"
	"github.com/i2y/vigil/internal/storage/storagetest"
)

const testAccount = "acct-1"

func newTestApp(t *testing.T, dbPath string, clock clockwork.Clock, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{
		WithDatabase(dbPath),
		WithClock(clock),
		WithWorkerID("worker-" + filepath.Base(t.Name())),
	}, opts...)
	app := NewApp(opts...)
	return app
}

func startApp(t *testing.T, app *App) {
	t.Helper()
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
}

func ordersRequest(event string) InitRequest {
	return InitRequest{
		AccountID: testAccount,
		Workflow:  Workflow{ID: "orders", Name: "orders"},
		Version:   Version{ID: "v1"},
		Event:     json.RawMessage(event),
	}
}

func logKinds(t *testing.T, app *App, id string) []string {
	t.Helper()
	entries, err := app.ReadLogs(context.Background(), id)
	require.NoError(t, err)
	kinds := make([]string, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Event)
	}
	return kinds
}

func TestAppRequiresStart(t *testing.T) {
	app := NewApp(WithDatabase(filepath.Join(t.TempDir(), "vigil.db")))
	_, err := app.Init(context.Background(), "inst-1", ordersRequest(`{}`))
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.False(t, app.Ready())
	require.NoError(t, app.Shutdown(context.Background()))
}

func TestAppInitRunsRegisteredStep(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storagetest.Epoch)
	app := newTestApp(t, filepath.Join(t.TempDir(), "vigil.db"), clock)
	app.RegisterStep("orders", func(sc *StepContext, event json.RawMessage) (any, error) {
		var in struct{ Qty int }
		if err := json.Unmarshal(event, &in); err != nil {
			return nil, err
		}
		return in.Qty * 2, nil
	})
	startApp(t, app)

	res, err := app.Init(ctx, "inst-1", ordersRequest(`{"Qty":21}`))
	require.NoError(t, err)
	assert.Equal(t, "inst-1", res.ID)

	st, err := app.GetStatus(ctx, testAccount, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, st)

	entries, err := app.ReadLogs(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, LogWorkflowSuccess, entries[2].Event)
	assert.JSONEq(t, `{"result":42}`, string(entries[2].Metadata))
}

func TestAppInitUnregisteredWorkflow(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t, filepath.Join(t.TempDir(), "vigil.db"), clockwork.NewFakeClockAt(storagetest.Epoch))
	startApp(t, app)

	_, err := app.Init(ctx, "inst-1", ordersRequest(`{}`))
	assert.ErrorIs(t, err, ErrWorkflowNotRegistered)

	st, err := app.GetStatus(ctx, testAccount, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, st)
}

func TestAppAbortAndTerminate(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t, filepath.Join(t.TempDir(), "vigil.db"), clockwork.NewFakeClockAt(storagetest.Epoch))
	startApp(t, app)

	_, _ = app.Init(ctx, "inst-1", ordersRequest(`{}`))
	require.NoError(t, app.UserTriggeredTerminate(ctx, "inst-1"))
	require.NoError(t, app.Abort(ctx, "inst-1", "again"))

	st, err := app.GetStatus(ctx, testAccount, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, st)
	assert.Equal(t, []string{LogWorkflowQueued, LogWorkflowStart, LogWorkflowTerminated}, logKinds(t, app, "inst-1"))
}

func TestAppGracePeriodTerminatesStuckStep(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storagetest.Epoch)
	app := newTestApp(t, filepath.Join(t.TempDir(), "vigil.db"), clock,
		WithGracePeriod(time.Minute), WithLeaseTTL(time.Hour), WithHeartbeatInterval(30*time.Minute))

	started := make(chan struct{})
	var cause atomic.Value
	app.RegisterStep("orders", func(sc *StepContext, _ json.RawMessage) (any, error) {
		close(started)
		<-sc.Context().Done()
		cause.Store(context.Cause(sc.Context()))
		return nil, sc.Context().Err()
	})
	startApp(t, app)

	done := make(chan error, 1)
	go func() {
		_, err := app.Init(ctx, "inst-1", ordersRequest(`{}`))
		done <- err
	}()
	<-started

	clock.Advance(time.Minute)
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		st, err := app.GetStatus(ctx, testAccount, "inst-1")
		return err == nil && st == StatusTerminated
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, IsAborted(cause.Load().(error)))

	entries, err := app.ReadLogs(ctx, "inst-1")
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, LogWorkflowTerminated, last.Event)
	assert.JSONEq(t, `{"reason":"grace period expired"}`, string(last.Metadata))
}

func TestAppDeliversScheduledWakeups(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storagetest.Epoch)
	app := newTestApp(t, filepath.Join(t.TempDir(), "vigil.db"), clock)

	fired := make(chan ScheduledEntry, 1)
	require.NoError(t, app.RegisterWakeupHandler(FirstUserEntryType, func(_ context.Context, _ *Instance, entry ScheduledEntry) {
		fired <- entry
	}))
	assert.ErrorIs(t, app.RegisterWakeupHandler(1, nil), ErrReservedEntryType)
	app.RegisterStep("orders", func(*StepContext, json.RawMessage) (any, error) { return nil, nil })
	startApp(t, app)

	_, err := app.Init(ctx, "inst-1", ordersRequest(`{}`))
	require.NoError(t, err)
	inserted, err := app.ScheduleWakeup(ctx, "inst-1", FirstUserEntryType, "remind", clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, inserted)

	clock.Advance(time.Hour)
	select {
	case entry := <-fired:
		assert.Equal(t, "remind", entry.Hash)
	case <-time.After(5 * time.Second):
		t.Fatal("wake-up not delivered")
	}
}

func TestAppResumesOrphanedInstanceAfterRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "vigil.db")

	// The first process starts the run and then stops heartbeating.
	clock1 := clockwork.NewFakeClockAt(storagetest.Epoch)
	app1 := newTestApp(t, dbPath, clock1, WithWorkerID("worker-1"))
	release := make(chan struct{})
	var runs atomic.Int32
	app1.RegisterStep("orders", func(sc *StepContext, _ json.RawMessage) (any, error) {
		runs.Add(1)
		<-release
		return "stale", nil
	})
	require.NoError(t, app1.Start(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := app1.Init(ctx, "inst-1", ordersRequest(`{}`))
		done <- err
	}()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	// The second process sees the lease as expired and resumes the instance.
	clock2 := clockwork.NewFakeClockAt(storagetest.Epoch.Add(time.Minute))
	app2 := newTestApp(t, dbPath, clock2, WithWorkerID("worker-2"))
	app2.RegisterStep("orders", func(*StepContext, json.RawMessage) (any, error) {
		runs.Add(1)
		return "fresh", nil
	})
	startApp(t, app2)

	require.Eventually(t, func() bool {
		st, err := app2.GetStatus(ctx, testAccount, "inst-1")
		return err == nil && st == StatusComplete
	}, 5*time.Second, 10*time.Millisecond)

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, app1.Shutdown(ctx))

	assert.Equal(t, int32(2), runs.Load())
	entries, err := app2.ReadLogs(ctx, "inst-1")
	require.NoError(t, err)
	var successes int
	for _, e := range entries {
		if e.Event == LogWorkflowSuccess {
			successes++
			assert.JSONEq(t, `{"result":"fresh"}`, string(e.Metadata))
		}
	}
	assert.Equal(t, 1, successes)
}

func TestAppEvict(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t, filepath.Join(t.TempDir(), "vigil.db"), clockwork.NewFakeClockAt(storagetest.Epoch))
	app.RegisterStep("orders", func(*StepContext, json.RawMessage) (any, error) { return "ok", nil })
	startApp(t, app)

	_, err := app.Init(ctx, "inst-1", ordersRequest(`{}`))
	require.NoError(t, err)
	first, err := app.Instance("inst-1")
	require.NoError(t, err)

	assert.True(t, app.Evict("inst-1"))
	second, err := app.Instance("inst-1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	st, err := second.GetStatus(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, st)
}

func TestIsAborted(t *testing.T) {
	assert.True(t, IsAborted(&AbortedError{Reason: "x"}))
	assert.False(t, IsAborted(errors.New("x")))
}

func TestOutboxNotifyTriggersRelay(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var types []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		types = append(types, r.Header.Get("Ce-Type"))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClockAt(storagetest.Epoch)
	app := newTestApp(t, filepath.Join(t.TempDir(), "vigil.db"), clock,
		WithOutbox(srv.URL), WithOutboxInterval(time.Hour))
	app.RegisterStep("orders", func(*StepContext, json.RawMessage) (any, error) { return "ok", nil })
	startApp(t, app)

	_, err := app.Init(ctx, "inst-1", ordersRequest(`{}`))
	require.NoError(t, err)

	app.handleOutboxNotify(ctx, notify.ChannelOutboxPending, `{"event_id":"ignored"}`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ty := range types {
			if ty == "vigil.instance.complete" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHousekeepingPurgesQueueTombstones(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(storagetest.Epoch)
	app := newTestApp(t, filepath.Join(t.TempDir(), "vigil.db"), clock)
	app.RegisterStep("orders", func(*StepContext, json.RawMessage) (any, error) { return nil, nil })
	startApp(t, app)

	_, err := app.Init(ctx, "inst-1", ordersRequest(`{}`))
	require.NoError(t, err)
	inst, err := app.Instance("inst-1")
	require.NoError(t, err)
	require.NoError(t, inst.CancelWakeup(ctx, FirstUserEntryType, "remind"))

	tombstones := func() int {
		rows, err := app.storage.ListQueueEntries(ctx, "inst-1")
		require.NoError(t, err)
		n := 0
		for _, r := range rows {
			if r.Action == storage.ActionDelete {
				n++
			}
		}
		return n
	}
	require.Positive(t, tombstones())

	require.NoError(t, app.housekeep(ctx))
	assert.Positive(t, tombstones(), "recent tombstones are kept")

	clock.Advance(pqueue.ReplayWindow + time.Minute)
	require.NoError(t, app.housekeep(ctx))
	assert.Zero(t, tombstones())
}
