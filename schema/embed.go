// Package schema bundles the dbmate migrations for every supported database.
//
// Layout:
//   - db/migrations/sqlite/*.sql
//   - db/migrations/postgresql/*.sql
//   - db/migrations/mysql/*.sql
package schema

import (
	"embed"
	"io/fs"
)

//go:embed db/migrations
var migrations embed.FS

// MigrationsFS returns a filesystem rooted at db/migrations with one
// subdirectory per database type.
func MigrationsFS() fs.FS {
	sub, err := fs.Sub(migrations, "db/migrations")
	if err != nil {
		panic("schema: failed to create sub filesystem for migrations: " + err.Error())
	}
	return sub
}
