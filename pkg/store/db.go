// Package store is a reference implementation of bundle.Store backed by
// sqlite, reached through sqlx with embedded golang-migrate schema
// migrations. Any other backing database can satisfy bundle.Store without
// touching the resolver.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a sqlite-backed bundle.Store.
type Store struct {
	db *sqlx.DB
}

type options struct {
	dbFile string
}

// Option configures New.
type Option func(*options)

// WithDatabaseFile points Store at a file path instead of the default
// location. Pass ":memory:" for an ephemeral in-process database.
func WithDatabaseFile(dbFile string) Option {
	return func(o *options) { o.dbFile = dbFile }
}

// New opens (creating and migrating if necessary) the sqlite database and
// returns a ready-to-use Store.
func New(opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.dbFile == "" {
		o.dbFile = defaultDatabaseFile()
	}
	if o.dbFile != ":memory:" {
		ensureDirectoryExists(o.dbFile)
	}

	rawDB, err := sql.Open("sqlite", "file:"+o.dbFile+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	rawDB.SetMaxOpenConns(1)
	rawDB.SetMaxIdleConns(1)
	rawDB.SetConnMaxLifetime(0)

	if err := migrateUp(rawDB); err != nil {
		_ = rawDB.Close()
		return nil, err
	}

	return &Store{db: sqlx.NewDb(rawDB, "sqlite")}, nil
}

func migrateUp(rawDB *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("store: load embedded migrations: %w", err)
	}
	driver, err := msqlite.WithInstance(rawDB, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func defaultDatabaseFile() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, ".mcpbundler-gateway", "gateway.db")
}

func ensureDirectoryExists(path string) {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		_ = os.MkdirAll(dir, 0o755)
	}
}
