// Package store provides the durable mapping of projects, secrets, workers,
// and operator tokens. It is the only shared mutable resource in the control
// plane: a single-writer embedded sqlite database with WAL, foreign-key
// cascades, and typed CRUD per entity.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // register the CGO-free sqlite driver
)

//go:embed migrations
var migrationsFS embed.FS

// Sentinel errors mapped to HTTP statuses at the API layer.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: already exists")
)

// ValidationError describes a rejected field value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Store wraps the sqlite handle. All writes serialize on an internal mutex;
// sqlite's own locking would also serialize them, but holding the mutex keeps
// multi-statement operations atomic from the caller's perspective.
type Store struct {
	db *sqlx.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. Migrations are additive and idempotent.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One connection: sqlite is single-writer and the pool would only add
	// lock contention.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health verifies the database is reachable.
func (s *Store) Health() error {
	var one int
	return s.db.Get(&one, "SELECT 1")
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// isUniqueViolation detects sqlite unique-constraint failures. modernc's
// driver has no exported error type for this, so the message is the contract.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
