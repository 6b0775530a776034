package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"labqc/pkg/domain"
)

// ErrorClassifier maps driver errors onto domain errors (for example
// serialization failures onto domain.ConcurrencyError). Unknown errors are
// returned unchanged.
type ErrorClassifier func(op string, err error) error

// Writer persists committed changes row by row inside one SQL transaction.
type Writer struct {
	DB       *sql.DB
	Dialect  Dialect
	Classify ErrorClassifier
}

// Hook adapts the writer to a memory.Store commit hook.
func (w Writer) Hook() domain.CommitHook {
	return w.Write
}

// Write applies changes in order. Upserts are keyed by primary key so
// replaying a change is harmless.
func (w Writer) Write(ctx context.Context, changes []domain.Change) (err error) {
	if len(changes) == 0 {
		return nil
	}
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return w.classify("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if w.Dialect.LockLots {
		if err = w.lockLots(ctx, tx, changes); err != nil {
			return w.classify("lock lots", err)
		}
	}
	for _, change := range changes {
		if err = w.apply(ctx, tx, change); err != nil {
			return w.classify(fmt.Sprintf("write %s", change.Entity), err)
		}
	}
	if err = tx.Commit(); err != nil {
		return w.classify("commit", err)
	}
	return nil
}

func (w Writer) classify(op string, err error) error {
	if w.Classify != nil {
		if mapped := w.Classify(op, err); mapped != nil {
			return mapped
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// lockLots takes row locks in ascending id order so concurrent writers
// touching the same lots queue instead of deadlocking.
func (w Writer) lockLots(ctx context.Context, tx *sql.Tx, changes []domain.Change) error {
	ids := touchedLots(changes)
	query := w.Dialect.Bind(`SELECT id FROM lots WHERE id = ? FOR UPDATE`)
	for _, id := range ids {
		if err := lockRow(ctx, tx, query, id); err != nil {
			return fmt.Errorf("lot %d: %w", id, err)
		}
	}
	return nil
}

func lockRow(ctx context.Context, tx *sql.Tx, query string, id int64) (err error) {
	rows, err := tx.QueryContext(ctx, query, id)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, rows.Close())
	}()
	for rows.Next() {
	}
	return rows.Err()
}

func touchedLots(changes []domain.Change) []int64 {
	seen := map[int64]struct{}{}
	for _, change := range changes {
		var lotID int64
		switch v := change.After.(type) {
		case domain.Lot:
			if change.Action == domain.ActionCreate {
				continue
			}
			lotID = v.ID
		case domain.TestResult:
			lotID = v.LotID
		case domain.RetestRequest:
			lotID = v.LotID
		default:
			continue
		}
		seen[lotID] = struct{}{}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (w Writer) apply(ctx context.Context, tx *sql.Tx, change domain.Change) error {
	switch v := change.After.(type) {
	case domain.Lot:
		return w.exec(ctx, tx, `INSERT INTO lots (id, reference_number, product_id, has_pending_retest, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET reference_number = excluded.reference_number, product_id = excluded.product_id,
				has_pending_retest = excluded.has_pending_retest, updated_at = excluded.updated_at`,
			v.ID, v.ReferenceNumber, v.ProductID, v.HasPendingRetest, v.CreatedAt, v.UpdatedAt)
	case domain.TestResult:
		return w.exec(ctx, tx, `INSERT INTO test_results (id, lot_id, test_name, result_value, unit, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET test_name = excluded.test_name, result_value = excluded.result_value,
				unit = excluded.unit, updated_at = excluded.updated_at`,
			v.ID, v.LotID, v.TestName, nullable(v.ResultValue), nullable(v.Unit), v.CreatedAt, v.UpdatedAt)
	case domain.ProductTestSpecification:
		return w.exec(ctx, tx, `INSERT INTO product_test_specifications (id, product_id, test_name, specification, test_unit, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET test_name = excluded.test_name, specification = excluded.specification,
				test_unit = excluded.test_unit, updated_at = excluded.updated_at`,
			v.ID, v.ProductID, v.TestName, v.Specification, nullable(v.TestUnit), v.CreatedAt, v.UpdatedAt)
	case domain.RetestRequest:
		var completedAt any
		if v.CompletedAt != nil {
			completedAt = *v.CompletedAt
		}
		if err := w.exec(ctx, tx, `INSERT INTO retest_requests (id, lot_id, reference_number, reason, status, requested_by, completed_manually, completed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET status = excluded.status, completed_manually = excluded.completed_manually,
				completed_at = excluded.completed_at, updated_at = excluded.updated_at`,
			v.ID, v.LotID, v.ReferenceNumber, v.Reason, string(v.Status), v.RequestedBy, v.CompletedManually, completedAt, v.CreatedAt, v.UpdatedAt); err != nil {
			return err
		}
		for pos, item := range v.Items {
			var retestedAt any
			if item.RetestedAt != nil {
				retestedAt = *item.RetestedAt
			}
			if err := w.exec(ctx, tx, `INSERT INTO retest_items (id, retest_request_id, test_result_id, position, original_value, current_value, retested_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET current_value = excluded.current_value, retested_at = excluded.retested_at`,
				item.ID, v.ID, item.TestResultID, pos, nullable(item.OriginalValue), nullable(item.CurrentValue), retestedAt); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported change payload %T", change.After)
	}
}

func (w Writer) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	_, err := tx.ExecContext(ctx, w.Dialect.Bind(query), args...)
	return err
}

func nullable(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
