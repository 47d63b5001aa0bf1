package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/i2y/vigil/internal/migrations"
	"github.com/i2y/vigil/schema"
)

var testEpoch = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

// newTestStorage opens a migrated SQLite database in a temp dir with a fake clock.
func newTestStorage(t *testing.T) (*SQLStorage, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "vigil-test.db"), WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	migrateTestStorage(t, s)
	return s, clock
}

func migrateTestStorage(t *testing.T, s *SQLStorage) {
	t.Helper()
	_, err := migrations.ApplyMigrations(context.Background(), s.DB(), s.Driver().DBType(), schema.MigrationsFS())
	require.NoError(t, err)
}

func createTestInstance(t *testing.T, s *SQLStorage, id string) {
	t.Helper()
	created, err := s.CreateInstance(context.Background(), &InstanceRecord{
		InstanceID: id,
		AccountID:  "acct-1",
		WorkflowID: "wf-1",
		VersionID:  "v-1",
		Status:     "queued",
	})
	require.NoError(t, err)
	require.True(t, created)
}
