// Package testutil provides a table-aware stub database for postgres store tests.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
)

var stubSeq atomic.Int64

// StubConn records statements issued by the postgres store and keeps inserted
// rows per table, replacing rows on ON CONFLICT by the first column.
type StubConn struct {
	Execs     []string
	Queries   []string
	Tables    map[string][]map[string]any
	FailPing  bool
	FailBegin bool
	// ExecErr, when set, is returned by every INSERT into a table in FailTables
	// (or every INSERT when FailTables is empty).
	ExecErr    error
	FailTables map[string]bool
	// LockErr, when set, fails row iteration of SELECT ... FOR UPDATE.
	LockErr error
	// AdvisoryLocks holds session advisory locks by key, shared by every
	// sql.DB opened on this stub.
	AdvisoryLocks map[int64]bool
	Commits       int
	Rollbacks     int

	driverName string
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string][]map[string]any), AdvisoryLocks: make(map[int64]bool)}
	conn.driverName = fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(conn.driverName, &stubDriver{conn: conn})
	return conn.OpenDB(), conn
}

// OpenDB opens another handle on the same stub database, as a second
// process connecting to one server would.
func (c *StubConn) OpenDB() *sql.DB {
	db, err := sql.Open(c.driverName, "stub")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(4)
	return db
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	return &stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.Execs = append(c.Execs, query)
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "INSERT INTO") {
		return driver.RowsAffected(0), nil
	}
	table, cols, err := parseInsert(query)
	if err != nil {
		return nil, err
	}
	if c.ExecErr != nil && (len(c.FailTables) == 0 || c.FailTables[table]) {
		return nil, c.ExecErr
	}
	if len(cols) != len(args) {
		return nil, fmt.Errorf("column/arg mismatch for %s", table)
	}
	row := make(map[string]any, len(cols))
	for i, col := range cols {
		row[col] = args[i].Value
	}
	if strings.Contains(strings.ToUpper(query), "ON CONFLICT") {
		primary := cols[0]
		var filtered []map[string]any
		for _, existing := range c.Tables[table] {
			if existing[primary] == row[primary] {
				continue
			}
			filtered = append(filtered, existing)
		}
		c.Tables[table] = filtered
	}
	c.Tables[table] = append(c.Tables[table], row)
	return driver.RowsAffected(1), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.Queries = append(c.Queries, query)
	if rows, ok, err := c.advisory(query, args); ok {
		return rows, err
	}
	table, cols, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	values := make([][]driver.Value, 0, len(c.Tables[table]))
	for _, row := range c.Tables[table] {
		vals := make([]driver.Value, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	rows := &stubRows{cols: cols, rows: values}
	if c.LockErr != nil && strings.Contains(strings.ToUpper(query), "FOR UPDATE") {
		rows.err = c.LockErr
	}
	return rows, nil
}

// advisory answers pg_try_advisory_lock and pg_advisory_unlock.
func (c *StubConn) advisory(query string, args []driver.NamedValue) (driver.Rows, bool, error) {
	lower := strings.ToLower(query)
	var fn string
	switch {
	case strings.Contains(lower, "pg_try_advisory_lock("):
		fn = "pg_try_advisory_lock"
	case strings.Contains(lower, "pg_advisory_unlock("):
		fn = "pg_advisory_unlock"
	default:
		return nil, false, nil
	}
	if len(args) != 1 {
		return nil, true, fmt.Errorf("%s expects one key", fn)
	}
	key, ok := args[0].Value.(int64)
	if !ok {
		return nil, true, fmt.Errorf("%s key must be int64, got %T", fn, args[0].Value)
	}
	held := c.AdvisoryLocks[key]
	var result bool
	if fn == "pg_try_advisory_lock" {
		result = !held
		c.AdvisoryLocks[key] = true
	} else {
		result = held
		delete(c.AdvisoryLocks, key)
	}
	return &stubRows{cols: []string{fn}, rows: [][]driver.Value{{result}}}, true, nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	t.conn.Commits++
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.Rollbacks++
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
	err  error
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func parseInsert(query string) (string, []string, error) {
	up := strings.ToUpper(query)
	intoIdx := strings.Index(up, "INTO ")
	if intoIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	rest := strings.TrimSpace(query[intoIdx+len("INTO "):])
	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")
	if open == -1 || closeIdx == -1 || closeIdx <= open {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:open]))
	return table, splitColumns(rest[open+1 : closeIdx]), nil
}

func parseSelect(query string) (string, []string, error) {
	trimmed := strings.TrimSpace(query)
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select ") {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	fromIdx := strings.Index(lower, " from ")
	if fromIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	fields := strings.Fields(trimmed[fromIdx+len(" from "):])
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	return strings.ToLower(fields[0]), splitColumns(trimmed[len("select "):fromIdx]), nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}
