package store

import (
	"embed"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func migrationsSource() source.Driver {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return d
}

// Migrator is the schema migration surface, mirroring golang-migrate's
// *migrate.Migrate so callers don't need the concrete type.
type Migrator interface {
	Up() error
	Down() error
	Steps(int) error
	Version() (uint, bool, error)
}

func newMigrator(dbName string) (Migrator, error) {
	d := migrationsSource()
	return migrate.NewWithSourceInstance("iofs", d, "sqlite3://"+dbName)
}
