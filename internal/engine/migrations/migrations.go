// Package migrations runs a project's migration files with golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"scenariodb/internal/scenario"
)

// Runner applies the migrations in a directory. Files follow golang-migrate's
// naming: 0001_create_users.up.sql, 0001_create_users.down.sql.
type Runner struct {
	logger scenario.Logger
}

var _ scenario.Migrator = (*Runner)(nil)

// NewRunner creates a Runner.
func NewRunner(logger scenario.Logger) *Runner {
	if logger == nil {
		logger = scenario.NewNopLogger()
	}
	return &Runner{logger: logger}
}

// Migrate runs all pending migrations from dir against db. A database that is
// already up to date is not an error.
func (r *Runner) Migrate(ctx context.Context, driver scenario.Driver, db *sql.DB, dir string) error {
	m, err := newMigrate(driver, db, dir)
	if err != nil {
		return err
	}
	// Note: We don't close m here because it would close the db connection
	// The caller owns the db and is responsible for closing it

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-done:
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	version, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to get database version: %w", err)
	}
	r.logger.Debug("migrated", "path", dir, "version", version)
	return nil
}

// Status verifies that db has every migration from dir applied.
// Returns an error describing any version mismatch or migration issues.
func Status(driver scenario.Driver, db *sql.DB, dir string) error {
	m, err := newMigrate(driver, db, dir)
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("database has no schema version (needs migration)")
		}
		return fmt.Errorf("failed to get database version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously)", version)
	}

	src, err := iofs.New(os.DirFS(dir), ".")
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}
	defer src.Close()

	latest, err := latestVersion(src)
	if err != nil {
		return fmt.Errorf("failed to determine latest version: %w", err)
	}
	if version < latest {
		return fmt.Errorf("database is at version %d but latest is %d", version, latest)
	}
	if version > latest {
		return fmt.Errorf("database version %d is ahead of the migration files (%d)", version, latest)
	}
	return nil
}

func newMigrate(driver scenario.Driver, db *sql.DB, dir string) (*migrate.Migrate, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, &scenario.ConfigError{Field: "Migrations", Path: dir, Message: "migrations directory does not exist"}
	}

	src, err := iofs.New(os.DirFS(dir), ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	var (
		dbDriver database.Driver
		name     string
	)
	switch driver {
	case scenario.DriverSQLite:
		name = "sqlite3"
		dbDriver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	case scenario.DriverPostgres:
		name = "pgx5"
		dbDriver, err = pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	default:
		src.Close()
		return nil, &scenario.DriverUnsupportedError{Driver: driver, Operation: "migrations"}
	}
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, name, dbDriver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// latestVersion returns the highest version number available in the source.
func latestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			// Next fails once there are no more migrations.
			break
		}
		version = next
	}
	return version, nil
}
