// Package store is the durable Account Store: sponsored accounts, the scan
// checkpoint, the reclaim operation log, and treasury reconciliation state.
// Every compound mutation commits in one SQLite transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rentreclaim/internal/logging"
	"rentreclaim/internal/types"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverCGO  = "sqlite3" // mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database. Writers are serialized by mu; readers
// share it and see a consistent WAL snapshot.
type Store struct {
	db     *sqlx.DB
	mu     sync.RWMutex
	dbPath string
	now    func() time.Time
}

// Open opens (creating if needed) the store at path and applies the schema.
func Open(path, driver string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if driver == "" {
		driver = DriverCGO
	}
	if driver != DriverCGO && driver != DriverPure {
		return nil, types.ConfigurationError("open store", fmt.Errorf("unsupported driver %q", driver))
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, types.PersistenceError("open store", fmt.Errorf("failed to create directory: %w", err))
		}
	}

	logging.Store("Opening account store at %s (driver=%s)", path, driver)
	db, err := sqlx.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, types.PersistenceError("open store", fmt.Errorf("failed to open database: %w", err))
	}

	s := newFromDB(db, path)
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newFromDB(db *sqlx.DB, path string) *Store {
	return &Store{
		db:     db,
		dbPath: path,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// dsn enables WAL, a busy timeout, and foreign keys in each driver's syntax.
func dsn(driver, path string) string {
	if driver == DriverPure {
		return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// withTx runs fn in a write transaction under the writer lock.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return types.PersistenceError(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if types.IsKind(err, types.KindPersistence) {
			return err
		}
		return types.PersistenceError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return types.PersistenceError(op, fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
