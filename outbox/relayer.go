package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/jonboulle/clockwork"

	"github.com/i2y/vigil/internal/storage"
	"github.com/i2y/vigil/retry"
)

// EventSender delivers one outbox event to an external system.
type EventSender func(ctx context.Context, event *storage.OutboxEvent) error

// TaskRunner runs a relay pass at most once across the cluster.
// coordination.SingletonTaskRunner implements it.
type TaskRunner interface {
	TryRun(ctx context.Context, task func(context.Context) error) (bool, error)
}

// RelayerConfig configures the outbox relayer.
type RelayerConfig struct {
	// TargetURL is the CloudEvents endpoint events are sent to.
	TargetURL string
	// PollInterval is how often pending events are read. Default: 1 second.
	PollInterval time.Duration
	// BatchSize is the maximum number of events per pass. Default: 100.
	BatchSize int
	// Retry bounds delivery attempts and spaces them out.
	// Default: retry.DefaultPolicy().
	Retry *retry.Policy
	// Sender overrides the CloudEvents HTTP sender.
	Sender EventSender
	// Runner makes each pass a cluster-wide singleton. Nil runs every pass.
	Runner TaskRunner
	// Clock drives polling and backoff. Default: the real clock.
	Clock clockwork.Clock
}

// Relayer delivers pending outbox events in the background.
type Relayer struct {
	store  storage.OutboxManager
	sender EventSender
	cfg    RelayerConfig

	mu      sync.Mutex
	backoff map[string]time.Time
	client  cloudevents.Client
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
}

// NewRelayer creates a relayer over store.
func NewRelayer(store storage.OutboxManager, cfg RelayerConfig) *Relayer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	r := &Relayer{
		store:   store,
		cfg:     cfg,
		backoff: make(map[string]time.Time),
		wake:    make(chan struct{}, 1),
	}
	r.sender = cfg.Sender
	if r.sender == nil {
		r.sender = r.sendCloudEvent
	}
	return r
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (r *Relayer) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Stop stops the poll loop and waits for the current pass.
func (r *Relayer) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Relayer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := r.cfg.Clock.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		case <-r.wake:
		}
		if err := r.pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("outbox relay failed", "error", err)
		}
	}
}

// Trigger requests a relay pass ahead of the next poll. Requests made
// while one is already pending are coalesced.
func (r *Relayer) Trigger() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Relayer) pass(ctx context.Context) error {
	if r.cfg.Runner == nil {
		_, err := r.RelayOnce(ctx)
		return err
	}
	_, err := r.cfg.Runner.TryRun(ctx, func(ctx context.Context) error {
		_, err := r.RelayOnce(ctx)
		return err
	})
	return err
}

// RelayOnce attempts delivery of one batch of pending events and returns
// how many were sent. Events still backing off are skipped.
func (r *Relayer) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.store.GetPendingOutboxEvents(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox: %w", err)
	}

	sent := 0
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if !r.due(event.EventID) {
			continue
		}
		ok, err := r.deliver(ctx, event)
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (r *Relayer) due(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, ok := r.backoff[eventID]
	return !ok || !r.cfg.Clock.Now().Before(next)
}

func (r *Relayer) setBackoff(eventID string, next time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if next.IsZero() {
		delete(r.backoff, eventID)
		return
	}
	r.backoff[eventID] = next
}

// deliver makes one attempt. Storage errors abort the pass; send errors
// only count against the event.
func (r *Relayer) deliver(ctx context.Context, event *storage.OutboxEvent) (bool, error) {
	if err := r.store.IncrementOutboxAttempts(ctx, event.EventID); err != nil {
		return false, err
	}
	attempts := event.RetryCount + 1

	sendErr := r.sender(ctx, event)
	if sendErr == nil {
		r.setBackoff(event.EventID, time.Time{})
		return true, r.store.MarkOutboxEventSent(ctx, event.EventID)
	}

	if !r.cfg.Retry.ShouldRetry(attempts, sendErr) {
		slog.Error("outbox event failed permanently",
			"event_id", event.EventID, "event_type", event.EventType, "attempts", attempts, "error", sendErr)
		r.setBackoff(event.EventID, time.Time{})
		return false, r.store.MarkOutboxEventFailed(ctx, event.EventID)
	}

	delay := r.cfg.Retry.GetDelay(attempts)
	slog.Warn("outbox delivery failed",
		"event_id", event.EventID, "attempts", attempts, "retry_in", delay, "error", sendErr)
	r.setBackoff(event.EventID, r.cfg.Clock.Now().Add(delay))
	return false, nil
}

// CleanupOldEvents removes published events older than olderThan.
func (r *Relayer) CleanupOldEvents(ctx context.Context, olderThan time.Duration) error {
	return r.store.CleanupOldOutboxEvents(ctx, olderThan)
}

func (r *Relayer) httpClient() (cloudevents.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	client, err := cloudevents.NewClientHTTP(cloudevents.WithTarget(r.cfg.TargetURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create CloudEvents client: %w", err)
	}
	r.client = client
	return client, nil
}

func (r *Relayer) sendCloudEvent(ctx context.Context, event *storage.OutboxEvent) error {
	if r.cfg.TargetURL == "" {
		return errors.New("outbox target URL not configured")
	}
	client, err := r.httpClient()
	if err != nil {
		return err
	}

	ce := cloudevents.NewEvent()
	ce.SetID(event.EventID)
	ce.SetType(event.EventType)
	ce.SetSource(event.EventSource)
	ce.SetTime(event.CreatedAt)
	if event.Subject != "" {
		ce.SetSubject(event.Subject)
	}
	if err := ce.SetData(event.ContentType, event.EventData); err != nil {
		return fmt.Errorf("failed to set event data: %w", err)
	}

	result := client.Send(ctx, ce)
	if cloudevents.IsUndelivered(result) {
		return fmt.Errorf("failed to send event %s: %w", event.EventID, result)
	}
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("event %s not acknowledged: %w", event.EventID, result)
	}
	return nil
}
