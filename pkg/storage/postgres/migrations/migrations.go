// Package migrations applies the embedded ledger schema with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/platinummonkey/settle/pkg/observability"
)

//go:embed sql/*.sql
var sqlFS embed.FS

// Up applies all pending migrations. It is a no-op on an up to date schema.
func Up(db *sql.DB, logger *observability.Logger) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	current := uint(0)
	if v, dirty, verr := m.Version(); verr == nil {
		current = v
		if dirty {
			return fmt.Errorf("migrations: schema version %d is dirty, fix it manually", v)
		}
	} else if !errors.Is(verr, migrate.ErrNilVersion) {
		return fmt.Errorf("migrations: read version: %w", verr)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.WithField("version", current).Info("schema is up to date")
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	if v, _, err := m.Version(); err == nil {
		logger.WithFields(map[string]interface{}{
			"from": current,
			"to":   v,
		}).Info("schema migrated")
	}
	return nil
}

// Down rolls back every migration. Only tests call this.
func Down(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: rollback: %w", err)
	}
	return nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrations: create postgres driver: %w", err)
	}
	source, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrations: init migrate instance: %w", err)
	}
	return m, nil
}
