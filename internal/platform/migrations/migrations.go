// Package migrations applies the storage layer's schema migrations using
// golang-migrate, sourcing SQL files embedded from
// internal/app/storage/postgres/migrations.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
)

//go:embed sql
var sqlFS embed.FS

// Apply migrates db up to the latest schema version. A nil error with
// migrate.ErrNoChange means the schema was already current.
func Apply(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrations: init postgres driver: %w", err)
	}

	sourceDriver, err := httpfs.New(http.FS(sqlFS), "sql")
	if err != nil {
		return fmt.Errorf("migrations: init source driver: %w", err)
	}

	m, err := migrate.NewWithInstance("httpfs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrations: init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}
