// Package postgres provides a Postgres-backed persistent store that mirrors the
// in-memory semantics while writing every committed change through to
// normalized tables.
//
// State is loaded once and served from memory, so the tables belong to a
// single engine instance. NewStore takes a session advisory lock and refuses
// to open while another instance holds it.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"labqc/internal/infra/persistence/memory"
	"labqc/internal/infra/persistence/sqlstore"
	"labqc/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/labqc?sslmode=disable"
)

// SQLSTATE codes treated as retryable conflicts.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// instanceLockKey is the advisory lock key held by the running engine.
const instanceLockKey int64 = 0x6c61627163

// ErrLocked is returned when another engine instance holds the database.
var ErrLocked = errors.New("postgres database is held by another labqc instance")

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db   *sql.DB
	lock *sql.Conn
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It applies the schema and hydrates the in-memory store from existing rows.
func NewStore(ctx context.Context, dsn string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	lock, err := acquireInstanceLock(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	fail := func(err error) (*Store, error) {
		_ = releaseInstanceLock(lock)
		_ = db.Close()
		return nil, err
	}
	if err := sqlstore.ApplySchema(ctx, db, sqlstore.Postgres); err != nil {
		return fail(err)
	}
	snapshot, err := sqlstore.Load(ctx, db)
	if err != nil {
		return fail(err)
	}
	mem := memory.NewStore(engine, opts...)
	mem.ImportState(snapshot)
	writer := sqlstore.Writer{DB: db, Dialect: sqlstore.Postgres, Classify: classifyError}
	mem.SetCommitHook(writer.Hook())
	return &Store{Store: mem, db: db, lock: lock}, nil
}

// acquireInstanceLock pins one pooled connection and takes the engine's
// advisory lock on it. The lock lives as long as that session.
func acquireInstanceLock(ctx context.Context, db *sql.DB) (*sql.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve lock connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, instanceLockKey).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, ErrLocked
	}
	return conn, nil
}

// classifyError maps serialization failures, deadlocks and lock timeouts onto
// domain.ConcurrencyError.
func classifyError(op string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return domain.ConcurrencyError{Op: op, Err: err}
	}
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the instance lock and the connection pool.
func (s *Store) Close() error {
	return errors.Join(releaseInstanceLock(s.lock), s.db.Close())
}

// releaseInstanceLock unlocks before returning the session to the pool.
func releaseInstanceLock(conn *sql.Conn) error {
	var released bool
	err := conn.QueryRowContext(context.Background(), `SELECT pg_advisory_unlock($1)`, instanceLockKey).Scan(&released)
	return errors.Join(err, conn.Close())
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
