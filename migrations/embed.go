// Package migrations embeds SQL migration files into the binary.
//
// This lets wifand migrate its schema without shipping SQL files
// alongside the executable.
package migrations

import (
	"embed"

	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	// Register embedded migrations with the database package.
	// The embed directive above captures all .sql files in this directory.
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // Files are at root of embedded FS
}
