// Package migrations applies dbmate-compatible migrations at startup.
//
// The format matches dbmate:
//   - applied versions are tracked in the `schema_migrations` table
//   - files are named YYYYMMDDHHMMSS_description.sql
//   - each file carries `-- migrate:up` / `-- migrate:down` sections
//
// Migration files are looked up in a subdirectory named after the database
// type ("sqlite", "postgresql", "mysql").
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"
)

// Database types understood by ApplyMigrations.
const (
	SQLite     = "sqlite"
	PostgreSQL = "postgresql"
	MySQL      = "mysql"
)

var (
	versionRe = regexp.MustCompile(`^(\d+)_`)
	upRe      = regexp.MustCompile(`(?s)-- migrate:up\s*(.*?)(?:-- migrate:down|$)`)
	downRe    = regexp.MustCompile(`(?s)-- migrate:down\s*(.*)$`)
)

// DetectDBType detects the database type from a connection URL.
// Anything that is not a PostgreSQL or MySQL URL is treated as a SQLite path.
func DetectDBType(url string) string {
	lower := strings.ToLower(url)
	switch {
	case strings.HasPrefix(lower, "postgres"):
		return PostgreSQL
	case strings.HasPrefix(lower, "mysql"):
		return MySQL
	default:
		return SQLite
	}
}

// Migration is a single parsed migration file.
type Migration struct {
	Version  string
	Filename string
	Up       string
	Down     string
}

// MigrationStatus reports whether a migration has been applied.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
}

// ExtractVersion extracts the version prefix from a migration filename.
// "20261016000000_initial_schema.sql" -> "20261016000000"
func ExtractVersion(filename string) string {
	if m := versionRe.FindStringSubmatch(filename); len(m) > 1 {
		return m[1]
	}
	return strings.TrimSuffix(filename, ".sql")
}

// ParseMigration splits dbmate file content into its up and down sections.
func ParseMigration(content string) (up, down string) {
	if m := upRe.FindStringSubmatch(content); len(m) > 1 {
		up = strings.TrimSpace(m[1])
	}
	if m := downRe.FindStringSubmatch(content); len(m) > 1 {
		down = strings.TrimSpace(m[1])
	}
	return up, down
}

// LoadMigrations reads and parses every migration for dbType, sorted by version.
func LoadMigrations(migrationsFS fs.FS, dbType string) ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, dbType)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations for %s: %w", dbType, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(migrationsFS, path.Join(dbType, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", name, err)
		}
		up, down := ParseMigration(string(content))
		migrations = append(migrations, Migration{
			Version:  ExtractVersion(name),
			Filename: name,
			Up:       up,
			Down:     down,
		})
	}
	return migrations, nil
}

// ensureTable creates schema_migrations if it does not exist. Concurrent
// creation by another worker is tolerated.
func ensureTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version VARCHAR(255) PRIMARY KEY)`)
	if err != nil && !isAlreadyExists(err) {
		return err
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	applied := make(map[string]bool)
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// record inserts the version row. It reports false when another worker
// recorded the same version first.
func record(ctx context.Context, db *sql.DB, dbType, version string) (bool, error) {
	query := "INSERT INTO schema_migrations (version) VALUES (?)"
	if dbType == PostgreSQL {
		query = "INSERT INTO schema_migrations (version) VALUES ($1)"
	}
	if _, err := db.ExecContext(ctx, query, version); err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate") || strings.Contains(msg, "constraint") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "42p07")
}

// splitStatements splits a section on semicolons and strips comment-only
// lines. Semicolons inside string literals are not supported.
func splitStatements(section string) []string {
	var out []string
	for _, part := range strings.Split(section, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func execSection(ctx context.Context, db *sql.DB, section string) error {
	for _, stmt := range splitStatements(section) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if isAlreadyExists(err) {
				slog.Debug("object already exists, skipping", "error", err)
				continue
			}
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
	}
	return nil
}

// ApplyMigrations applies all pending migrations for dbType in version order
// and returns the versions it applied. A nil filesystem is a no-op.
func ApplyMigrations(ctx context.Context, db *sql.DB, dbType string, migrationsFS fs.FS) ([]string, error) {
	if migrationsFS == nil {
		slog.Warn("no migrations filesystem provided, skipping automatic migration")
		return nil, nil
	}

	migrations, err := LoadMigrations(migrationsFS, dbType)
	if err != nil {
		return nil, err
	}
	if err := ensureTable(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	var done []string
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if m.Up == "" {
			slog.Warn("no '-- migrate:up' section found", "filename", m.Filename)
			continue
		}

		slog.Info("applying migration", "filename", m.Filename)
		if err := execSection(ctx, db, m.Up); err != nil {
			return done, fmt.Errorf("failed to apply migration %s: %w", m.Version, err)
		}

		recorded, err := record(ctx, db, dbType, m.Version)
		if err != nil {
			return done, fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}
		if !recorded {
			slog.Debug("migration was applied by another worker", "version", m.Version)
			continue
		}
		done = append(done, m.Version)
	}

	if len(done) > 0 {
		slog.Info("applied migrations", "count", len(done))
	}
	return done, nil
}

// Status lists every known migration with its applied state.
func Status(ctx context.Context, db *sql.DB, dbType string, migrationsFS fs.FS) ([]MigrationStatus, error) {
	migrations, err := LoadMigrations(migrationsFS, dbType)
	if err != nil {
		return nil, err
	}
	if err := ensureTable(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		out = append(out, MigrationStatus{Version: m.Version, Filename: m.Filename, Applied: applied[m.Version]})
	}
	return out, nil
}
