// Package migrations applies the embedded Postgres schema for interests.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// Migrator manages schema migrations.
type Migrator struct {
	migrate *migrate.Migrate
	logger  zerolog.Logger
}

// New creates a Migrator for databaseURL (postgres://...).
func New(databaseURL string, logger zerolog.Logger) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: open source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrations: init: %w", err)
	}

	return &Migrator{migrate: m, logger: logger}, nil
}

// Up applies every pending migration. A dirty version left by a failed run is
// forced clean first so the failed step is retried.
func (m *Migrator) Up() error {
	version, dirty, err := m.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migrations: read version: %w", err)
	}

	if dirty {
		m.logger.Warn().Uint("version", version).Msg("database is dirty, forcing previous version")
		prev := int(version) - 1
		if prev < 1 {
			prev = -1 // no version applied
		}
		if err := m.migrate.Force(prev); err != nil {
			return fmt.Errorf("migrations: force: %w", err)
		}
	}

	if err := m.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info().Uint("version", version).Msg("schema up to date")
			return nil
		}
		return fmt.Errorf("migrations: up: %w", err)
	}

	newVersion, _, _ := m.migrate.Version()
	m.logger.Info().Uint("version", newVersion).Msg("schema migrated")
	return nil
}

// Down rolls back one version.
func (m *Migrator) Down() error {
	if err := m.migrate.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migrations: down: %w", err)
	}
	return nil
}

// Version returns the current schema version.
func (m *Migrator) Version() (uint, bool, error) {
	return m.migrate.Version()
}

// Close releases the source and database handles.
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("migrations: close source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("migrations: close database: %w", dbErr)
	}
	return nil
}
