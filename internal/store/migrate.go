package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lovelink/chatsync/internal/store/migrations"
)

// SchemaVersion is the cache schema this build reads and writes.
const SchemaVersion uint = 1

// Migration reports how Migrate changed the cache schema.
type Migration struct {
	From uint
	To   uint
	// Rebuilt is set when a schema left dirty by an interrupted migration,
	// or written by a newer build, was dropped before migrating.
	Rebuilt bool
}

// Changed reports whether Migrate touched the schema.
func (m Migration) Changed() bool {
	return m.Rebuilt || m.From != m.To
}

// Migrate brings cache.db to SchemaVersion. The cache only holds what the
// server can resend, so a schema it cannot migrate is dropped and rebuilt
// rather than failing the daemon.
func (db *DB) Migrate() (Migration, error) {
	m, err := db.migrator()
	if err != nil {
		return Migration{}, err
	}
	from, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Migration{}, fmt.Errorf("cache schema version: %w", err)
	}

	res := Migration{From: from, To: SchemaVersion}
	if dirty || from > SchemaVersion {
		if err := m.Drop(); err != nil {
			return Migration{}, fmt.Errorf("drop cache schema v%d: %w", from, err)
		}
		// Drop removes the version table, which the driver only creates
		// when it is constructed.
		if m, err = db.migrator(); err != nil {
			return Migration{}, err
		}
		res.Rebuilt = true
	}

	if err := m.Migrate(SchemaVersion); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Migration{}, fmt.Errorf("migrate cache schema to v%d: %w", SchemaVersion, err)
	}
	return res, nil
}

func (db *DB) migrator() (*migrate.Migrate, error) {
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
	return m, nil
}
