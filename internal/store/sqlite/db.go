// Package sqlite implements the record store and both derived indexes
// (FTS5 text index, JSON-encoded vector table) on a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/memlens/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the SQLite-backed record store. It also owns index_state and the
// persistent embedding cache. TextIndex and VectorIndex share its handle.
type Store struct {
	db   *sqlx.DB
	path string

	mu       sync.RWMutex
	notifier store.Notifier
}

var (
	_ store.RecordStore     = (*Store)(nil)
	_ store.IndexStateStore = (*Store)(nil)
	_ store.EmbeddingCache  = (*Store)(nil)
)

func dsn(path string) string {
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Open opens (or creates) the database at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	version, err := MigrateUp(path)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	db, err := sqlx.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	slog.Info("record store opened", "path", path, "schema_version", version)
	return &Store{db: db, path: path}, nil
}

// NewMigrator returns a golang-migrate instance over the embedded migrations.
// Closing it closes its own connection, never the Store's.
func NewMigrator(path string) (*migrate.Migrate, error) {
	mdb, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	drv, err := migratesqlite.WithInstance(mdb, &migratesqlite.Config{})
	if err != nil {
		mdb.Close()
		return nil, fmt.Errorf("migrate driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		drv.Close()
		return nil, fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		drv.Close()
		return nil, fmt.Errorf("migrate init: %w", err)
	}
	return m, nil
}

// MigrateUp applies all pending migrations and returns the schema version.
func MigrateUp(path string) (uint, error) {
	m, err := NewMigrator(path)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, err
	}
	v, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, err
	}
	return v, nil
}

// SetNotifier registers the receiver of committed record mutations.
func (s *Store) SetNotifier(n store.Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

func (s *Store) notify(kind store.ChangeKind, ids ...int64) {
	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()
	if n != nil && len(ids) > 0 {
		n.RecordChanged(kind, ids...)
	}
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// TextIndex returns the FTS5 text index sharing this database.
func (s *Store) TextIndex() *TextIndex { return &TextIndex{db: s.db} }

// VectorIndex returns the vector index sharing this database.
func (s *Store) VectorIndex() *VectorIndex { return &VectorIndex{db: s.db} }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
