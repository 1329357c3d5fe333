package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/roomsync/internal/store/migrations"
)

// SchemaVersion is the lowest schema version the backend can serve.
const SchemaVersion = 1

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate runs all pending migrations on the database.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	err = m.Up()
	changed := true
	if errors.Is(err, migrate.ErrNoChange) {
		changed = false
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	version, dirty, _ := m.Version()
	return &MigrateResult{
		Version: version,
		Dirty:   dirty,
		Changed: changed,
	}, nil
}

// SchemaState reads the applied version from golang-migrate's bookkeeping
// table without creating it. A database never migrated reports version 0.
func (db *DB) SchemaState(ctx context.Context) (version uint, dirty bool, err error) {
	var exists int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		sqlite3.DefaultMigrationsTable).Scan(&exists); err != nil {
		return 0, false, fmt.Errorf("look up migrations table: %w", err)
	}
	if exists == 0 {
		return 0, false, nil
	}
	var v int64
	err = db.QueryRowContext(ctx,
		`SELECT version, dirty FROM `+sqlite3.DefaultMigrationsTable+` LIMIT 1`).Scan(&v, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return uint(v), dirty, nil
}

// CheckReady verifies the connection is alive and the schema is recent and clean.
func (db *DB) CheckReady(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	version, dirty, err := db.SchemaState(ctx)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty", version)
	}
	if version < SchemaVersion {
		return fmt.Errorf("schema version %d, need at least %d", version, SchemaVersion)
	}
	return nil
}
