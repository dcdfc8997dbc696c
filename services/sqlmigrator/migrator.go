// Package sqlmigrator applies the embedded SQL migrations before the engine
// starts serving.
package sqlmigrator

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/ldm-writer/sql/migrations"
)

type Migrator struct {
	Handle          *sql.DB
	MigrationsTable string
	Logger          logger.Logger
}

// Migrate applies all pending migrations from the named embedded directory.
// Transient database errors are retried with exponential backoff, the same
// way the rest of the engine treats storage hiccups at startup.
func (m *Migrator) Migrate(dir string) error {
	log := m.Logger
	if log == nil {
		log = logger.NOP
	}

	operation := func() error {
		return m.runMigrations(dir)
	}

	backoffWithMaxRetry := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)

	err := backoff.RetryNotify(operation, backoffWithMaxRetry, func(err error, t time.Duration) {
		log.Warnf("retrying %s database migration in %s: %v", dir, t, err)
	})
	if err != nil {
		return fmt.Errorf("could not migrate %s: %w", dir, err)
	}
	return nil
}

func (m *Migrator) runMigrations(dir string) error {
	source, err := iofs.New(migrations.FS, dir)
	if err != nil {
		return fmt.Errorf("opening migrations source: %w", err)
	}

	driver, err := migratepostgres.WithInstance(m.Handle, &migratepostgres.Config{
		MigrationsTable: m.MigrationsTable,
	})
	if err != nil {
		return fmt.Errorf("setting up postgres driver: %w", err)
	}

	migration, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("setting up migration: %w", err)
	}

	if err := migration.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
