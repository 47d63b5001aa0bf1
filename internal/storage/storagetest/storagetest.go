// Package storagetest opens migrated throwaway stores for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i2y/vigil/internal/migrations"
	"github.com/i2y/vigil/internal/storage"
	"github.com/i2y/vigil/schema"
)

// Epoch is the start time of every fake clock handed out by this package.
var Epoch = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

// NewSQLite opens a migrated SQLite database under t.TempDir() whose lease
// and lock expiry follow the returned fake clock.
func NewSQLite(t testing.TB) (*storage.SQLStorage, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(Epoch)
	return Open(t, filepath.Join(t.TempDir(), "vigil-test.db"), clock), clock
}

// Open opens and migrates the SQLite database at path.
func Open(t testing.TB, path string, clock clockwork.Clock) *storage.SQLStorage {
	t.Helper()
	s, err := storage.NewSQLiteStorage(path, storage.WithClock(clock))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if _, err := migrations.ApplyMigrations(context.Background(), s.DB(), s.Driver().DBType(), schema.MigrationsFS()); err != nil {
		t.Fatalf("migrate storage: %v", err)
	}
	return s
}
