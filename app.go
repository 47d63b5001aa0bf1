package vigil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/i2y/vigil/internal/alarm"
	"github.com/i2y/vigil/internal/coordination"
	"github.com/i2y/vigil/internal/deadline"
	"github.com/i2y/vigil/internal/instance"
	"github.com/i2y/vigil/internal/migrations"
	"github.com/i2y/vigil/internal/notify"
	"github.com/i2y/vigil/internal/pqueue"
	"github.com/i2y/vigil/internal/storage"
	"github.com/i2y/vigil/outbox"
	"github.com/i2y/vigil/schema"
)

const (
	recoveryTaskName     = "vigil_instance_recovery"
	housekeepingTaskName = "vigil_housekeeping"
	housekeepingInterval = time.Hour
)

// App hosts the instances of one process over a shared store.
type App struct {
	config  *appConfig
	storage storage.Storage

	timers   *deadline.Timers
	alarms   *alarm.Scheduler
	alarmSem *semaphore.Weighted
	engines  instance.Config
	relayer  *outbox.Relayer
	listener *notify.Listener

	runners   map[string]RunnerSet
	runnersMu sync.RWMutex

	handlers map[EntryType]WakeupHandler

	instances   map[string]*Instance
	instancesMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

// NewApp creates an App. Nothing is opened until Start.
func NewApp(opts ...Option) *App {
	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.workerID == "" {
		config.workerID = uuid.New().String()
	}

	return &App{
		config:    config,
		alarmSem:  semaphore.NewWeighted(int64(config.maxConcurrentAlarms)),
		runners:   make(map[string]RunnerSet),
		handlers:  make(map[EntryType]WakeupHandler),
		instances: make(map[string]*Instance),
	}
}

// RegisterWorkflow serves workflowID with runners. Registering again
// replaces the set for instances bound afterwards.
func (a *App) RegisterWorkflow(workflowID string, runners RunnerSet) {
	a.runnersMu.Lock()
	defer a.runnersMu.Unlock()
	a.runners[workflowID] = runners
}

// RegisterStep serves every version of workflowID with fn.
func (a *App) RegisterStep(workflowID string, fn StepFunc) {
	a.RegisterWorkflow(workflowID, RunnerSet{"": fn})
}

func (a *App) lookupRunners(workflowID string) (RunnerSet, bool) {
	a.runnersMu.RLock()
	defer a.runnersMu.RUnlock()
	rs, ok := a.runners[workflowID]
	return rs, ok
}

// RegisterWakeupHandler routes due wake-ups of entryType to h. It must be
// called before Start.
func (a *App) RegisterWakeupHandler(entryType EntryType, h WakeupHandler) error {
	if entryType < FirstUserEntryType {
		return fmt.Errorf("%w: %d", ErrReservedEntryType, entryType)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("wake-up handler for %d registered after start", entryType)
	}
	a.handlers[entryType] = h
	return nil
}

// Start opens the store, applies migrations when enabled and starts the
// background tasks.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("app already running")
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.initStorage(a.ctx); err != nil {
		a.cancel()
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	a.timers = deadline.New(a.config.clock)
	a.alarms = alarm.New(a.timers, a.deliverAlarm)
	a.engines = instance.Config{
		Store:             a.storage,
		Timers:            a.timers,
		Alarms:            a.alarms,
		WorkerID:          a.config.workerID,
		GracePeriod:       a.config.gracePeriod,
		LeaseTTL:          a.config.leaseTTL,
		HeartbeatInterval: a.config.heartbeatInterval,
		TxRetry:           a.config.txRetry,
		Runners:           a.lookupRunners,
		Handlers:          a.handlers,
		Hooks:             a.config.hooks,
	}
	if a.config.outboxEnabled {
		a.engines.Transitions = outbox.NewPublisher(a.storage, a.config.serviceName)
		a.relayer = outbox.NewRelayer(a.storage, outbox.RelayerConfig{
			TargetURL:    a.config.outboxTargetURL,
			PollInterval: a.config.outboxInterval,
			BatchSize:    a.config.outboxBatchSize,
			Retry:        a.config.outboxRetry,
			Runner: coordination.NewSingletonTaskRunner(a.storage, a.config.workerID,
				"vigil_outbox_relay", 0),
			Clock: a.config.clock,
		})
	}

	a.running = true
	a.startBackgroundTasks()

	slog.Info("vigil started", "worker_id", a.config.workerID, "outbox", a.config.outboxEnabled)
	return nil
}

func (a *App) initStorage(ctx context.Context) error {
	s, err := storage.Open(a.config.databaseURL, storage.WithClock(a.config.clock))
	if err != nil {
		return err
	}
	if a.config.autoMigrate {
		applied, err := migrations.ApplyMigrations(ctx, s.DB(), s.Driver().DBType(), schema.MigrationsFS())
		if err != nil {
			_ = s.Close()
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		if len(applied) > 0 {
			slog.Info("applied migrations", "versions", applied)
		}
	}
	a.storage = s
	return nil
}

func (a *App) startBackgroundTasks() {
	if a.config.recoveryInterval > 0 {
		recovery := coordination.NewSingletonTaskRunner(a.storage, a.config.workerID,
			recoveryTaskName, a.config.recoveryLockTimeout)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			recovery.RunEvery(a.ctx, a.config.clock, a.config.recoveryInterval, a.recoverInstances)
		}()
	}

	housekeeping := coordination.NewSingletonTaskRunner(a.storage, a.config.workerID,
		housekeepingTaskName, 0)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		housekeeping.RunEvery(a.ctx, a.config.clock, housekeepingInterval, a.housekeep)
	}()

	if a.relayer != nil {
		a.relayer.Start(a.ctx)
		if storage.NewDriver(a.config.databaseURL).DBType() == "postgresql" {
			a.listener = notify.NewListener(a.config.databaseURL, notify.WithClock(a.config.clock))
			a.listener.OnNotification(notify.ChannelOutboxPending, a.handleOutboxNotify)
			a.listener.Start(a.ctx)
		}
	}
}

// handleOutboxNotify relays a committed outbox event ahead of the next poll.
func (a *App) handleOutboxNotify(_ context.Context, _ notify.Channel, payload string) {
	n, err := notify.ParseOutboxNotification(payload)
	if err != nil {
		slog.Debug("failed to parse outbox notification", "payload", payload, "error", err)
	} else {
		slog.Debug("received outbox notification", "event_id", n.EventID, "instance_id", n.InstanceID)
	}
	a.relayer.Trigger()
}

// Shutdown stops background work and closes the store. Runs in progress
// keep their leases and are resumed by another worker after expiry.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	if a.listener != nil {
		if err := a.listener.Stop(ctx); err != nil {
			slog.Warn("failed to stop notification listener", "error", err)
		}
	}
	if a.relayer != nil {
		a.relayer.Stop()
	}
	a.cancel()
	a.timers.Stop()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		a.instancesMu.Lock()
		engines := make([]*Instance, 0, len(a.instances))
		for _, inst := range a.instances {
			engines = append(engines, inst)
		}
		a.instancesMu.Unlock()
		for _, inst := range engines {
			inst.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	case <-time.After(a.config.shutdownTimeout):
		return fmt.Errorf("shutdown timed out after %v", a.config.shutdownTimeout)
	}

	if err := a.storage.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	slog.Info("vigil stopped", "worker_id", a.config.workerID)
	return nil
}

// WorkerID returns the lease owner id of this process.
func (a *App) WorkerID() string {
	return a.config.workerID
}

// Ready reports whether the App is started.
func (a *App) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Instance returns the engine of instanceID, creating it on first use.
func (a *App) Instance(instanceID string) (*Instance, error) {
	if !a.Ready() {
		return nil, ErrNotStarted
	}
	a.instancesMu.Lock()
	defer a.instancesMu.Unlock()
	inst, ok := a.instances[instanceID]
	if !ok {
		inst = instance.New(instanceID, a.engines)
		a.instances[instanceID] = inst
	}
	return inst, nil
}

// Evict drops the cached engine of an idle instance. It reports false when
// a run is in progress. The next call rebuilds the engine from storage.
func (a *App) Evict(instanceID string) bool {
	a.instancesMu.Lock()
	defer a.instancesMu.Unlock()
	inst, ok := a.instances[instanceID]
	if !ok {
		return true
	}
	if inst.Busy() {
		return false
	}
	delete(a.instances, instanceID)
	return true
}

// Init activates instanceID and runs its step unless it already ran.
// Step failures are recorded in the instance; only storage and
// registration errors are returned.
func (a *App) Init(ctx context.Context, instanceID string, req InitRequest) (InitResult, error) {
	inst, err := a.Instance(instanceID)
	if err != nil {
		return InitResult{}, err
	}
	return inst.Init(ctx, req)
}

// GetStatus returns the status of instanceID as seen by accountID.
func (a *App) GetStatus(ctx context.Context, accountID, instanceID string) (Status, error) {
	inst, err := a.Instance(instanceID)
	if err != nil {
		return 0, err
	}
	return inst.GetStatus(ctx, accountID)
}

// SetStatus moves instanceID to status on behalf of accountID.
func (a *App) SetStatus(ctx context.Context, accountID, instanceID string, status Status) error {
	inst, err := a.Instance(instanceID)
	if err != nil {
		return err
	}
	return inst.SetStatus(ctx, accountID, status)
}

// ReadLogs returns the log of instanceID in append order.
func (a *App) ReadLogs(ctx context.Context, instanceID string) ([]LogEntry, error) {
	inst, err := a.Instance(instanceID)
	if err != nil {
		return nil, err
	}
	return inst.ReadLogs(ctx)
}

// Abort terminates instanceID with reason.
func (a *App) Abort(ctx context.Context, instanceID, reason string) error {
	inst, err := a.Instance(instanceID)
	if err != nil {
		return err
	}
	return inst.Abort(ctx, reason)
}

// UserTriggeredTerminate terminates instanceID on user request.
func (a *App) UserTriggeredTerminate(ctx context.Context, instanceID string) error {
	inst, err := a.Instance(instanceID)
	if err != nil {
		return err
	}
	return inst.UserTriggeredTerminate(ctx)
}

// spawn runs fn in the background under the App's context. It reports
// false once Shutdown has begun.
func (a *App) spawn(fn func(ctx context.Context)) bool {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return false
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		fn(a.ctx)
	}()
	return true
}

// deliverAlarm runs on the timer goroutine; delivery itself is bounded by
// alarmSem.
func (a *App) deliverAlarm(instanceID string) {
	a.spawn(func(ctx context.Context) {
		if err := a.alarmSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer a.alarmSem.Release(1)

		inst, err := a.Instance(instanceID)
		if err != nil {
			return
		}
		if err := inst.Alarm(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("alarm delivery failed", "instance_id", instanceID, "error", err)
		}
	})
}

// recoverInstances re-arms the alarms of instances with pending wake-ups
// and resumes running instances whose lease expired.
func (a *App) recoverInstances(ctx context.Context) error {
	pending, err := a.storage.FindInstancesWithPendingEntries(ctx, a.config.recoveryBatchSize)
	if err != nil {
		return fmt.Errorf("failed to find instances with pending entries: %w", err)
	}
	for _, id := range pending {
		inst, err := a.Instance(id)
		if err != nil {
			return err
		}
		if err := inst.Alarm(ctx); err != nil {
			slog.Warn("failed to re-arm alarm", "instance_id", id, "error", err)
		}
	}

	orphans, err := a.storage.FindOrphanedInstances(ctx, a.config.recoveryBatchSize)
	if err != nil {
		return fmt.Errorf("failed to find orphaned instances: %w", err)
	}
	for _, id := range orphans {
		inst, err := a.Instance(id)
		if err != nil {
			return err
		}
		slog.Info("recovering orphaned instance", "instance_id", id)
		if err := inst.Recover(ctx); err != nil {
			slog.Warn("failed to recover instance", "instance_id", id, "error", err)
		}
	}
	return nil
}

func (a *App) housekeep(ctx context.Context) error {
	if err := a.storage.CleanupExpiredSystemLocks(ctx); err != nil {
		return fmt.Errorf("failed to clean up system locks: %w", err)
	}
	purged, err := a.storage.PurgeQueueTombstones(ctx, a.config.clock.Now().Add(-pqueue.ReplayWindow))
	if err != nil {
		return fmt.Errorf("failed to purge queue tombstones: %w", err)
	}
	if purged > 0 {
		slog.Debug("purged queue tombstones", "count", purged)
	}
	if a.relayer != nil {
		if err := a.relayer.CleanupOldEvents(ctx, a.config.outboxRetention); err != nil {
			return fmt.Errorf("failed to clean up outbox: %w", err)
		}
	}
	return nil
}

// ScheduleWakeup schedules a wake-up of a collaborator entry type for
// instanceID at at.
func (a *App) ScheduleWakeup(ctx context.Context, instanceID string, entryType EntryType, hash string, at time.Time) (bool, error) {
	inst, err := a.Instance(instanceID)
	if err != nil {
		return false, err
	}
	return inst.ScheduleWakeup(ctx, entryType, hash, at)
}
