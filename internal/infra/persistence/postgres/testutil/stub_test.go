package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
)

func TestStubDBStoresAndQueriesRows(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()

	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	insert := "INSERT INTO lots (id, reference_number) VALUES ($1,$2) ON CONFLICT (id) DO UPDATE SET reference_number = excluded.reference_number"
	for _, ref := range []string{"LOT-1", "LOT-1b"} {
		if _, err := conn.ExecContext(ctx, insert, []driver.NamedValue{{Value: int64(1)}, {Value: ref}}); err != nil {
			t.Fatalf("ExecContext insert: %v", err)
		}
	}
	if len(conn.Tables["lots"]) != 1 || conn.Tables["lots"][0]["reference_number"] != "LOT-1b" {
		t.Fatalf("expected upsert to replace row, got %v", conn.Tables["lots"])
	}

	rows, err := conn.QueryContext(ctx, "SELECT id, reference_number FROM lots WHERE id = $1 FOR UPDATE", nil)
	if err != nil {
		t.Fatalf("QueryContext: %v", err)
	}
	defer func() { _ = rows.Close() }()
	dest := make([]driver.Value, 2)
	if err := rows.Next(dest); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if dest[0] != int64(1) || dest[1] != "LOT-1b" {
		t.Fatalf("unexpected row values: %v", dest)
	}
	if len(conn.Queries) != 1 {
		t.Fatalf("expected query to be recorded")
	}
}

func TestStubDBExecErrScopedToTables(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	boom := errors.New("boom")
	conn.ExecErr = boom
	conn.FailTables = map[string]bool{"retest_items": true}

	if _, err := conn.ExecContext(ctx, "INSERT INTO lots (id) VALUES ($1)", []driver.NamedValue{{Value: int64(1)}}); err != nil {
		t.Fatalf("lots insert should succeed: %v", err)
	}
	if _, err := conn.ExecContext(ctx, "INSERT INTO retest_items (id) VALUES ($1)", []driver.NamedValue{{Value: int64(2)}}); !errors.Is(err, boom) {
		t.Fatalf("expected scoped failure, got %v", err)
	}
}

func TestStubDBAdvisoryLocksSharedAcrossHandles(t *testing.T) {
	ctx := context.Background()
	first, conn := NewStubDB()
	second := conn.OpenDB()
	defer func() { _ = first.Close(); _ = second.Close() }()

	try := func(db *sql.DB) bool {
		t.Helper()
		var ok bool
		if err := db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", int64(7)).Scan(&ok); err != nil {
			t.Fatalf("try lock: %v", err)
		}
		return ok
	}
	if !try(first) {
		t.Fatalf("first lock should succeed")
	}
	if try(second) {
		t.Fatalf("second handle must not get a held lock")
	}
	var released bool
	if err := first.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", int64(7)).Scan(&released); err != nil || !released {
		t.Fatalf("unlock = %v, %v", released, err)
	}
	if !try(second) {
		t.Fatalf("lock should be free after unlock")
	}
}

func TestStubDBLockErrFailsRowIteration(t *testing.T) {
	db, conn := NewStubDB()
	defer func() { _ = db.Close() }()
	conn.Tables["lots"] = []map[string]any{{"id": int64(1)}}
	conn.LockErr = errors.New("lock timeout")

	rows, err := db.QueryContext(context.Background(), "SELECT id FROM lots WHERE id = $1 FOR UPDATE", int64(1))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for rows.Next() {
	}
	if !errors.Is(rows.Err(), conn.LockErr) {
		t.Fatalf("expected lock error from iteration, got %v", rows.Err())
	}
	_ = rows.Close()
}
