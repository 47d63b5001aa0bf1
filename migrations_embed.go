package vigil

import (
	"io/fs"

	"github.com/i2y/vigil/schema"
)

// EmbeddedMigrationsFS returns the bundled migrations, one subdirectory per
// dialect (sqlite, postgresql, mysql).
func EmbeddedMigrationsFS() fs.FS {
	return schema.MigrationsFS()
}
