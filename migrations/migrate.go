// Package migrations manages the schema migrations for notekeep's SQLite
// and PostgreSQL store drivers. Migration files are embedded into the
// binary via go:embed, so a host never needs file-system access to the
// migrations directory at runtime.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/pressly/goose/v3"
)

// embedMigrations holds every *.sql migration file compiled into the
// binary: the root-level files target PostgreSQL, sqlite/*.sql targets
// SQLite (the two engines need slightly different column types and
// default literals, so they're kept as separate migration sets rather
// than one dialect-straddling script).
//
//go:embed *.sql sqlite/*.sql
var embedMigrations embed.FS

// Migrate applies every pending migration to db, selecting the dialect and
// migration directory based on the driver db was opened with.
func Migrate(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrations: db is nil")
	}

	goose.SetBaseFS(embedMigrations)

	dialect, dir := resolveDialectAndDir(db)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("migrations: set dialect %s: %w", dialect, err)
	}

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

func resolveDialectAndDir(db *sql.DB) (dialect, dir string) {
	driverType := fmt.Sprintf("%T", db.Driver())
	if strings.Contains(strings.ToLower(driverType), "sqlite") {
		return "sqlite3", "sqlite"
	}
	return "postgres", "."
}
