// Package migrations embeds the fleetd schema into the binary and
// registers it with the database package.
package migrations

import (
	"embed"

	"github.com/Wandeon/fleet-sub000/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
