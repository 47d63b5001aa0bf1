// Package notify wakes workers through PostgreSQL LISTEN/NOTIFY.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
)

// Channel is a PostgreSQL notification channel name.
type Channel string

const (
	// ChannelOutboxPending is notified when an outbox event is committed.
	ChannelOutboxPending Channel = "vigil_outbox_pending"
)

// Channels returns every channel a Listener subscribes to.
func Channels() []Channel {
	return []Channel{ChannelOutboxPending}
}

// OutboxNotification is the payload of ChannelOutboxPending.
type OutboxNotification struct {
	EventID    string `json:"event_id"`
	InstanceID string `json:"instance_id,omitempty"`
}

// Encode returns the notification as a NOTIFY payload.
func (n OutboxNotification) Encode() string {
	b, _ := json.Marshal(n)
	return string(b)
}

// ParseOutboxNotification parses a ChannelOutboxPending payload.
func ParseOutboxNotification(payload string) (*OutboxNotification, error) {
	var n OutboxNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Handler handles one notification.
type Handler func(ctx context.Context, channel Channel, payload string)

// Listener holds a dedicated connection that LISTENs on every channel and
// reconnects after failures.
type Listener struct {
	connString     string
	reconnectDelay time.Duration
	clock          clockwork.Clock
	handlers       map[Channel][]Handler

	conn   *pgx.Conn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex

	active     bool
	lastError  error
	errorCount int
}

// Option configures a Listener.
type Option func(*Listener)

// WithReconnectDelay sets the wait before reconnecting. Default: 30 seconds.
func WithReconnectDelay(d time.Duration) Option {
	return func(l *Listener) {
		l.reconnectDelay = d
	}
}

// WithClock sets the clock used for reconnect delays.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Listener) {
		l.clock = clock
	}
}

// NewListener creates a listener for the database at connString.
func NewListener(connString string, opts ...Option) *Listener {
	l := &Listener{
		connString:     connString,
		reconnectDelay: 30 * time.Second,
		clock:          clockwork.NewRealClock(),
		handlers:       make(map[Channel][]Handler),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnNotification registers h for channel. Register before Start.
func (l *Listener) OnNotification(channel Channel, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[channel] = append(l.handlers[channel], h)
}

// Start listens in the background until ctx is done or Stop is called.
func (l *Listener) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.listenLoop()
}

// Stop closes the connection and waits for the listen loop to exit.
func (l *Listener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsActive reports whether the LISTEN connection is up.
func (l *Listener) IsActive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// LastError returns the most recent connection error.
func (l *Listener) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastError
}

func (l *Listener) listenLoop() {
	defer l.wg.Done()
	defer l.closeConnection()

	for l.ctx.Err() == nil {
		err := l.connect()
		if err == nil {
			l.setState(true, nil)
			slog.Info("listening for notifications", "channels", len(Channels()))
			err = l.listen()
		}
		if err == nil || l.ctx.Err() != nil {
			return
		}

		l.setState(false, err)
		l.closeConnection()
		slog.Warn("notification listener disconnected, retrying",
			"error", err,
			"retry_delay", l.reconnectDelay,
			"error_count", l.errors())

		select {
		case <-l.ctx.Done():
			return
		case <-l.clock.After(l.reconnectDelay):
		}
	}
}

func (l *Listener) setState(active bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = active
	if err != nil {
		l.lastError = err
		l.errorCount++
		return
	}
	l.lastError = nil
	l.errorCount = 0
}

func (l *Listener) errors() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.errorCount
}

func (l *Listener) connect() error {
	conn, err := pgx.Connect(l.ctx, l.connString)
	if err != nil {
		return err
	}
	for _, channel := range Channels() {
		if _, err := conn.Exec(l.ctx, "LISTEN "+pgx.Identifier{string(channel)}.Sanitize()); err != nil {
			_ = conn.Close(context.Background())
			return err
		}
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return nil
}

func (l *Listener) closeConnection() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(context.Background())
		l.conn = nil
	}
	l.active = false
}

func (l *Listener) listen() error {
	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()

	for {
		n, err := conn.WaitForNotification(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.dispatch(Channel(n.Channel), n.Payload)
	}
}

func (l *Listener) dispatch(channel Channel, payload string) {
	l.mu.RLock()
	handlers := l.handlers[channel]
	l.mu.RUnlock()

	for _, h := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic in notification handler", "channel", channel, "panic", r)
				}
			}()
			h(l.ctx, channel, payload)
		}(h)
	}
}
