package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"labqc/internal/infra/persistence/memory"
	"labqc/pkg/domain"
)

// Querier is the subset of *sql.DB and *sql.Tx used to read rows.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Load reads every table into a snapshot suitable for memory.Store.ImportState.
func Load(ctx context.Context, db Querier) (memory.Snapshot, error) {
	snap := memory.Snapshot{
		Lots:           map[int64]domain.Lot{},
		TestResults:    map[int64]domain.TestResult{},
		Specifications: map[int64]domain.ProductTestSpecification{},
		RetestRequests: map[int64]domain.RetestRequest{},
	}
	if err := loadLots(ctx, db, snap.Lots); err != nil {
		return snap, err
	}
	if err := loadTestResults(ctx, db, snap.TestResults); err != nil {
		return snap, err
	}
	if err := loadSpecifications(ctx, db, snap.Specifications); err != nil {
		return snap, err
	}
	if err := loadRetests(ctx, db, snap.RetestRequests); err != nil {
		return snap, err
	}
	return snap, nil
}

func loadLots(ctx context.Context, db Querier, out map[int64]domain.Lot) error {
	rows, err := db.QueryContext(ctx, `SELECT id, reference_number, product_id, has_pending_retest, created_at, updated_at FROM lots`)
	if err != nil {
		return fmt.Errorf("load lots: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var l domain.Lot
		if err := rows.Scan(&l.ID, &l.ReferenceNumber, &l.ProductID, &l.HasPendingRetest, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return fmt.Errorf("scan lot: %w", err)
		}
		out[l.ID] = l
	}
	return rows.Err()
}

func loadTestResults(ctx context.Context, db Querier, out map[int64]domain.TestResult) error {
	rows, err := db.QueryContext(ctx, `SELECT id, lot_id, test_name, result_value, unit, created_at, updated_at FROM test_results`)
	if err != nil {
		return fmt.Errorf("load test results: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			r           domain.TestResult
			value, unit sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.LotID, &r.TestName, &value, &unit, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return fmt.Errorf("scan test result: %w", err)
		}
		r.ResultValue = stringPtr(value)
		r.Unit = stringPtr(unit)
		out[r.ID] = r
	}
	return rows.Err()
}

func loadSpecifications(ctx context.Context, db Querier, out map[int64]domain.ProductTestSpecification) error {
	rows, err := db.QueryContext(ctx, `SELECT id, product_id, test_name, specification, test_unit, created_at, updated_at FROM product_test_specifications`)
	if err != nil {
		return fmt.Errorf("load specifications: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			s    domain.ProductTestSpecification
			unit sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.ProductID, &s.TestName, &s.Specification, &unit, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return fmt.Errorf("scan specification: %w", err)
		}
		s.TestUnit = stringPtr(unit)
		out[s.ID] = s
	}
	return rows.Err()
}

func loadRetests(ctx context.Context, db Querier, out map[int64]domain.RetestRequest) error {
	rows, err := db.QueryContext(ctx, `SELECT id, lot_id, reference_number, reason, status, requested_by, completed_manually, completed_at, created_at, updated_at FROM retest_requests`)
	if err != nil {
		return fmt.Errorf("load retest requests: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			r         domain.RetestRequest
			status    string
			completed sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.LotID, &r.ReferenceNumber, &r.Reason, &status, &r.RequestedBy, &r.CompletedManually, &completed, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return fmt.Errorf("scan retest request: %w", err)
		}
		r.Status = domain.RetestStatus(status)
		r.CompletedAt = timePtr(completed)
		out[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_ = rows.Close()

	items, err := db.QueryContext(ctx, `SELECT id, retest_request_id, test_result_id, original_value, current_value, retested_at FROM retest_items ORDER BY retest_request_id, position`)
	if err != nil {
		return fmt.Errorf("load retest items: %w", err)
	}
	defer func() { _ = items.Close() }()
	for items.Next() {
		var (
			it                domain.RetestItem
			original, current sql.NullString
			retested          sql.NullTime
		)
		if err := items.Scan(&it.ID, &it.RetestRequestID, &it.TestResultID, &original, &current, &retested); err != nil {
			return fmt.Errorf("scan retest item: %w", err)
		}
		it.OriginalValue = stringPtr(original)
		it.CurrentValue = stringPtr(current)
		it.RetestedAt = timePtr(retested)
		req, ok := out[it.RetestRequestID]
		if !ok {
			return fmt.Errorf("retest item %d references missing request %d", it.ID, it.RetestRequestID)
		}
		req.Items = append(req.Items, it)
		out[req.ID] = req
	}
	return items.Err()
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
