package store

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store owns all durable state. Single-writer semantics per thread are
// enforced by per-thread locks so event sequence numbers stay dense.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	threads map[uuid.UUID]*sync.Mutex
}

// Open opens (creating if needed) the sqlite database at path and applies
// pending migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is not safe for concurrent writers on one connection
	// pool without serialization; a single connection keeps transactions
	// simple and WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		threads: make(map[uuid.UUID]*sync.Mutex),
	}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	slog.Debug("store migrations applied")
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for maintenance commands.
func (s *Store) DB() *sql.DB { return s.db }

// threadLock returns the per-thread mutex, creating it on first use.
func (s *Store) threadLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.threads[id]
	if !ok {
		l = &sync.Mutex{}
		s.threads[id] = l
	}
	return l
}

// LockThread takes the per-thread write lock and returns the unlock func.
// The agent runtime holds this for the duration of a turn so only one turn
// is live per thread.
func (s *Store) LockThread(id uuid.UUID) func() {
	l := s.threadLock(id)
	l.Lock()
	return l.Unlock
}

// TryLockThread attempts the per-thread lock without blocking.
func (s *Store) TryLockThread(id uuid.UUID) (func(), bool) {
	l := s.threadLock(id)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
