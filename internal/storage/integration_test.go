//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/i2y/vigil/internal/notify"
)

func setupPostgres(t *testing.T, clock clockwork.Clock) *SQLStorage {
	t.Helper()
	s, _ := setupPostgresConn(t, clock)
	return s
}

func setupPostgresConn(t *testing.T, clock clockwork.Clock) (*SQLStorage, string) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("vigil_test"),
		postgres.WithUsername("vigil"),
		postgres.WithPassword("vigil"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	testcontainers.CleanupContainer(t, container)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := NewPostgresStorage(connStr, WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	migrateTestStorage(t, s)
	return s, connStr
}

func setupMySQL(t *testing.T, clock clockwork.Clock) *SQLStorage {
	t.Helper()
	ctx := context.Background()

	container, err := mysql.Run(ctx,
		"mysql:8.0",
		mysql.WithDatabase("vigil_test"),
		mysql.WithUsername("vigil"),
		mysql.WithPassword("vigil"),
	)
	require.NoError(t, err, "failed to start MySQL container")
	testcontainers.CleanupContainer(t, container)

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	s, err := NewMySQLStorage(connStr, WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.Eventually(t, func() bool { return s.DB().PingContext(ctx) == nil }, 30*time.Second, time.Second)
	migrateTestStorage(t, s)
	return s
}

func TestPostgresStorage_Integration(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	exerciseDialect(t, setupPostgres(t, clock), clock)
}

func TestPostgresOutboxNotify_Integration(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(testEpoch)
	s, connStr := setupPostgresConn(t, clock)

	got := make(chan string, 4)
	l := notify.NewListener(connStr, notify.WithReconnectDelay(time.Second))
	l.OnNotification(notify.ChannelOutboxPending, func(_ context.Context, _ notify.Channel, payload string) {
		got <- payload
	})
	l.Start(ctx)
	t.Cleanup(func() { _ = l.Stop(ctx) })
	require.Eventually(t, l.IsActive, 30*time.Second, 50*time.Millisecond)

	err := WithTransaction(ctx, s, func(ctx context.Context) error {
		require.NoError(t, s.AddOutboxEvent(ctx, &OutboxEvent{EventID: "rolled-back", EventType: "t", EventSource: "s"}))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	require.NoError(t, s.AddOutboxEvent(ctx, &OutboxEvent{EventID: "ev-1", EventType: "t", EventSource: "s", Subject: "inst-1"}))

	select {
	case payload := <-got:
		n, err := notify.ParseOutboxNotification(payload)
		require.NoError(t, err)
		assert.Equal(t, "ev-1", n.EventID)
		assert.Equal(t, "inst-1", n.InstanceID)
	case <-time.After(10 * time.Second):
		t.Fatal("no notification received")
	}
}

func TestMySQLStorage_Integration(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	exerciseDialect(t, setupMySQL(t, clock), clock)
}

// exerciseDialect checks the dialect-sensitive paths: idempotent inserts,
// rebinding, fenced updates and locked pops.
func exerciseDialect(t *testing.T, s *SQLStorage, clock *clockwork.FakeClock) {
	ctx := context.Background()
	createTestInstance(t, s, "inst-1")

	created, err := s.CreateInstance(ctx, &InstanceRecord{InstanceID: "inst-1", AccountID: "a", WorkflowID: "w", VersionID: "v", Status: "queued"})
	require.NoError(t, err)
	assert.False(t, created)

	written, err := s.PutValueIfAbsent(ctx, "inst-1", "INSTANCE_METADATA", []byte(`{"v":1}`))
	require.NoError(t, err)
	assert.True(t, written)
	written, err = s.PutValueIfAbsent(ctx, "inst-1", "INSTANCE_METADATA", []byte(`{"v":2}`))
	require.NoError(t, err)
	assert.False(t, written)

	lease, err := s.AcquireLease(ctx, "inst-1", "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)

	ok, err := s.UpdateInstanceStatus(ctx, StatusUpdate{
		InstanceID: "inst-1", Status: "running", From: []string{"queued", "running"}, LeaseToken: lease.Token,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdateInstanceStatus(ctx, StatusUpdate{
		InstanceID: "inst-1", Status: "running", From: []string{"running"}, LeaseToken: lease.Token,
	})
	require.NoError(t, err)
	assert.True(t, ok, "a no-op write still matches")

	for i, target := range []int64{50, 10, 30} {
		inserted, err := s.InsertQueueEntry(ctx, &QueueEntry{
			InstanceID: "inst-1", Action: ActionAdd, EntryType: 1,
			Hash: string(rune('a' + i)), TargetTimestamp: time.UnixMilli(target),
		})
		require.NoError(t, err)
		assert.True(t, inserted)
	}
	inserted, err := s.InsertQueueEntry(ctx, &QueueEntry{
		InstanceID: "inst-1", Action: ActionAdd, EntryType: 1, Hash: "a", TargetTimestamp: time.UnixMilli(1),
	})
	require.NoError(t, err)
	assert.False(t, inserted)

	var due []*QueueEntry
	require.NoError(t, WithTransaction(ctx, s, func(ctx context.Context) error {
		due, err = s.PopDueQueueEntries(ctx, "inst-1", time.UnixMilli(100))
		return err
	}))
	require.Len(t, due, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{due[0].Hash, due[1].Hash, due[2].Hash})

	clock.Advance(time.Minute)
	ok, err = s.TryAcquireSystemLock(ctx, "recovery", "worker-a", 60)
	require.NoError(t, err)
	assert.True(t, ok)
}
