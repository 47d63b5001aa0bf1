package storage

import (
	"strconv"
	"strings"
)

// Driver abstracts the SQL differences between the supported databases.
// Queries are written with `?` placeholders and rebound per driver.
type Driver interface {
	// DriverName returns the database/sql driver name ("sqlite", "pgx", "mysql").
	DriverName() string

	// DBType returns the migration directory name ("sqlite", "postgresql", "mysql").
	DBType() string

	// Rebind rewrites `?` placeholders into the driver's native form.
	Rebind(query string) string

	// InsertIgnore returns the INSERT verb for idempotent inserts.
	// MySQL: "INSERT IGNORE", others: "INSERT".
	InsertIgnore() string

	// OnConflictDoNothing returns the trailing clause for idempotent inserts.
	// MySQL returns "" and relies on InsertIgnore instead.
	OnConflictDoNothing(conflictColumns ...string) string

	// SelectForUpdateSkipLocked returns the row locking clause.
	// SQLite: "" (database-level locking).
	SelectForUpdateSkipLocked() string
}

// SQLiteDriver implements Driver for SQLite.
type SQLiteDriver struct{}

func (d *SQLiteDriver) DriverName() string         { return "sqlite" }
func (d *SQLiteDriver) DBType() string             { return "sqlite" }
func (d *SQLiteDriver) Rebind(query string) string { return query }
func (d *SQLiteDriver) InsertIgnore() string       { return "INSERT" }

func (d *SQLiteDriver) OnConflictDoNothing(conflictColumns ...string) string {
	return onConflictDoNothing(conflictColumns)
}

func (d *SQLiteDriver) SelectForUpdateSkipLocked() string { return "" }

// PostgresDriver implements Driver for PostgreSQL.
type PostgresDriver struct{}

func (d *PostgresDriver) DriverName() string   { return "pgx" }
func (d *PostgresDriver) DBType() string       { return "postgresql" }
func (d *PostgresDriver) InsertIgnore() string { return "INSERT" }

// Rebind converts `?` placeholders into `$1, $2, ...`.
func (d *PostgresDriver) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d *PostgresDriver) OnConflictDoNothing(conflictColumns ...string) string {
	return onConflictDoNothing(conflictColumns)
}

func (d *PostgresDriver) SelectForUpdateSkipLocked() string { return "FOR UPDATE SKIP LOCKED" }

// MySQLDriver implements Driver for MySQL 8.0+.
type MySQLDriver struct{}

func (d *MySQLDriver) DriverName() string         { return "mysql" }
func (d *MySQLDriver) DBType() string             { return "mysql" }
func (d *MySQLDriver) Rebind(query string) string { return query }
func (d *MySQLDriver) InsertIgnore() string       { return "INSERT IGNORE" }

// OnConflictDoNothing returns "" because MySQL has no ON CONFLICT clause.
func (d *MySQLDriver) OnConflictDoNothing(conflictColumns ...string) string { return "" }

func (d *MySQLDriver) SelectForUpdateSkipLocked() string { return "FOR UPDATE SKIP LOCKED" }

func onConflictDoNothing(cols []string) string {
	if len(cols) == 0 {
		return "ON CONFLICT DO NOTHING"
	}
	return "ON CONFLICT (" + strings.Join(cols, ", ") + ") DO NOTHING"
}

// NewDriver picks the driver for a database URL. SQLite is the default.
func NewDriver(dbURL string) Driver {
	lower := strings.ToLower(dbURL)
	switch {
	case strings.HasPrefix(lower, "postgres"):
		return &PostgresDriver{}
	case strings.HasPrefix(lower, "mysql"):
		return &MySQLDriver{}
	default:
		return &SQLiteDriver{}
	}
}
