// Package migrations embeds the SQL schema of the SX4 controller.
//
// Importing the package registers the files with the database package.
package migrations

import (
	"embed"

	"github.com/nerrad567/sx4-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
