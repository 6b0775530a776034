// Package sqlite provides an embedded SQLite-backed persistent store. State is
// held by the in-memory store; every committed change is written through to
// normalized tables before it becomes visible.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"modernc.org/sqlite" // pure go sqlite driver
	sqlite3 "modernc.org/sqlite/lib"

	"labqc/internal/infra/persistence/memory"
	"labqc/internal/infra/persistence/sqlstore"
	"labqc/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "labqc.db"

// ErrLocked is returned when another process holds the database. State is
// cached in memory, so a second writer on the same file would diverge.
var ErrLocked = errors.New("sqlite database is locked by another process")

// Store persists lots, test results, specifications and retests to SQLite.
type Store struct {
	*memory.Store
	db   *sql.DB
	lock *flock.Flock
	path string
}

// NewStore opens (or creates) the database at path, applies the schema and
// hydrates the in-memory state from existing rows.
func NewStore(path string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection keeps busy errors rare.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := sqlstore.ApplySchema(ctx, db, sqlstore.SQLite); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	snapshot, err := sqlstore.Load(ctx, db)
	if err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	mem := memory.NewStore(engine, opts...)
	mem.ImportState(snapshot)
	writer := sqlstore.Writer{DB: db, Dialect: sqlstore.SQLite, Classify: classifyError}
	mem.SetCommitHook(writer.Hook())
	return &Store{Store: mem, db: db, lock: lock, path: path}, nil
}

// classifyError maps SQLITE_BUSY and SQLITE_LOCKED onto domain.ConcurrencyError.
func classifyError(op string, err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return domain.ConcurrencyError{Op: op, Err: err}
		}
	}
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle and the process lock.
func (s *Store) Close() error {
	return errors.Join(s.db.Close(), s.lock.Unlock())
}
