// Package sqlstore holds the relational layout shared by the SQLite and
// Postgres backends: DDL per dialect, snapshot loading, and the write-through
// of committed changes.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	Name string
	// Numbered placeholders ($1) instead of ?.
	Numbered bool
	// LockLots issues SELECT ... FOR UPDATE on every touched lot before writing.
	LockLots bool
	DDL      []string
}

// Bind rewrites ? placeholders for dialects with numbered parameters.
func (d Dialect) Bind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func ddl(id, ts string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS lots (
			id ` + id + ` PRIMARY KEY,
			reference_number TEXT NOT NULL,
			product_id ` + id + ` NOT NULL,
			has_pending_retest BOOLEAN NOT NULL DEFAULT FALSE,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS test_results (
			id ` + id + ` PRIMARY KEY,
			lot_id ` + id + ` NOT NULL REFERENCES lots(id),
			test_name TEXT NOT NULL,
			result_value TEXT,
			unit TEXT,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS product_test_specifications (
			id ` + id + ` PRIMARY KEY,
			product_id ` + id + ` NOT NULL,
			test_name TEXT NOT NULL,
			specification TEXT NOT NULL,
			test_unit TEXT,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS retest_requests (
			id ` + id + ` PRIMARY KEY,
			lot_id ` + id + ` NOT NULL REFERENCES lots(id),
			reference_number TEXT NOT NULL UNIQUE,
			reason TEXT NOT NULL,
			status TEXT NOT NULL,
			requested_by TEXT NOT NULL DEFAULT '',
			completed_manually BOOLEAN NOT NULL DEFAULT FALSE,
			completed_at ` + ts + `,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS retest_items (
			id ` + id + ` PRIMARY KEY,
			retest_request_id ` + id + ` NOT NULL REFERENCES retest_requests(id),
			test_result_id ` + id + ` NOT NULL REFERENCES test_results(id),
			position INTEGER NOT NULL,
			original_value TEXT,
			current_value TEXT,
			retested_at ` + ts + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_retest_requests_lot ON retest_requests(lot_id)`,
		`CREATE INDEX IF NOT EXISTS idx_retest_items_result ON retest_items(test_result_id)`,
	}
}

// SQLite is the dialect of the embedded modernc driver.
var SQLite = Dialect{Name: "sqlite", DDL: ddl("INTEGER", "TIMESTAMP")}

// Postgres is the dialect of the pgx driver.
var Postgres = Dialect{Name: "postgres", Numbered: true, LockLots: true, DDL: ddl("BIGINT", "TIMESTAMPTZ")}

// Execer is the subset of *sql.DB and *sql.Tx used to apply DDL.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ApplySchema creates the tables when missing.
func ApplySchema(ctx context.Context, db Execer, d Dialect) error {
	for _, stmt := range d.DDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %s schema: %w", d.Name, err)
		}
	}
	return nil
}
