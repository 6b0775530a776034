package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"labqc/pkg/domain"
)

func sp(s string) *string { return &s }

func seedLot(t *testing.T, store *Store) (domain.Lot, domain.TestResult) {
	t.Helper()
	var lot domain.Lot
	var result domain.TestResult
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		lot, err = tx.UpsertLot(domain.Lot{ReferenceNumber: "LOT-1", ProductID: 9})
		if err != nil {
			return err
		}
		result, err = tx.UpsertTestResult(domain.TestResult{LotID: lot.ID, TestName: "Salmonella", ResultValue: sp("Negative")})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return lot, result
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	lot, result := seedLot(t, store)
	if lot.ID == 0 || result.ID == 0 || lot.ID == result.ID {
		t.Fatalf("expected distinct generated ids, got lot=%d result=%d", lot.ID, result.ID)
	}

	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		if len(view.ListLots()) != 0 {
			t.Fatalf("expected cleared state")
		}
		return nil
	})
	store.ImportState(snapshot)
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		if len(view.ListLots()) != 1 || len(view.ListTestResults(lot.ID)) != 1 {
			t.Fatalf("expected restored state")
		}
		return nil
	})

	// ids continue after the imported maximum
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		created, err := tx.UpsertLot(domain.Lot{ReferenceNumber: "LOT-2"})
		if err != nil {
			return err
		}
		if created.ID <= result.ID {
			t.Fatalf("expected id after %d, got %d", result.ID, created.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("create after import: %v", err)
	}
	if store.RulesEngine() == nil || store.NowFunc() == nil {
		t.Fatalf("expected engine and clock")
	}
}

func TestStoreRollbackOnError(t *testing.T) {
	store := NewStore(nil)
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.UpsertLot(domain.Lot{ReferenceNumber: "LOT-X"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(store.ExportState().Lots) != 0 {
		t.Fatalf("expected no lots after rollback")
	}
}

func TestStoreRuleViolation(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	res, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.UpsertLot(domain.Lot{ReferenceNumber: "LOT-B"})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if !res.HasBlocking() {
		t.Fatalf("expected blocking result")
	}
	if len(store.ExportState().Lots) != 0 {
		t.Fatalf("blocked transaction must not commit")
	}
}

func TestStoreCommitHookFailureLeavesStateUnchanged(t *testing.T) {
	var seen []domain.Change
	hookErr := errors.New("disk full")
	store := NewStore(nil, WithCommitHook(func(_ context.Context, changes []domain.Change) error {
		seen = changes
		return hookErr
	}))
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.UpsertLot(domain.Lot{ReferenceNumber: "LOT-H"})
		return e
	})
	if !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if len(seen) != 1 || seen[0].Entity != domain.EntityLot || seen[0].Action != domain.ActionCreate {
		t.Fatalf("unexpected changes passed to hook: %+v", seen)
	}
	if len(store.ExportState().Lots) != 0 {
		t.Fatalf("hook failure must abort the transaction")
	}

	store.SetCommitHook(nil)
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.UpsertLot(domain.Lot{ReferenceNumber: "LOT-H"})
		return e
	}); err != nil {
		t.Fatalf("expected commit without hook: %v", err)
	}
}

func TestUpsertLotKeepsWorkflowFlag(t *testing.T) {
	store := NewStore(nil)
	lot, _ := seedLot(t, store)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.UpdateLot(lot.ID, func(l *domain.Lot) error {
			l.HasPendingRetest = true
			return nil
		}); err != nil {
			return err
		}
		updated, err := tx.UpsertLot(domain.Lot{Base: domain.Base{ID: lot.ID}, ReferenceNumber: "LOT-1-renamed", HasPendingRetest: false})
		if err != nil {
			return err
		}
		if !updated.HasPendingRetest {
			t.Fatalf("host upsert must not clear the pending flag")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.UpsertLot(domain.Lot{})
		return e
	}); err == nil {
		t.Fatalf("expected validation error for missing reference")
	}
}

func TestUpsertTestResultRequiresLot(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.UpsertTestResult(domain.TestResult{LotID: 404})
		return e
	})
	var nf domain.ErrNotFound
	if !errors.As(err, &nf) || nf.Entity != domain.EntityLot {
		t.Fatalf("expected lot not found, got %v", err)
	}
}

func TestUpsertTestResultCannotMoveLots(t *testing.T) {
	store := NewStore(nil)
	_, result := seedLot(t, store)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		other, err := tx.UpsertLot(domain.Lot{ReferenceNumber: "LOT-OTHER"})
		if err != nil {
			return err
		}
		result.LotID = other.ID
		_, err = tx.UpsertTestResult(result)
		return err
	})
	if err == nil {
		t.Fatalf("expected error moving result between lots")
	}
}

func TestUpsertSpecificationReplacesByTestName(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		first, err := tx.UpsertSpecification(domain.ProductTestSpecification{ProductID: 9, TestName: "Salmonella", Specification: "Negative"})
		if err != nil {
			return err
		}
		second, err := tx.UpsertSpecification(domain.ProductTestSpecification{ProductID: 9, TestName: "salmonella ", Specification: "Negative in 25g"})
		if err != nil {
			return err
		}
		if first.ID != second.ID {
			t.Fatalf("expected replacement of spec %d, got %d", first.ID, second.ID)
		}
		spec, ok := tx.Snapshot().FindSpecification(9, "SALMONELLA")
		if !ok || spec.Specification != "Negative in 25g" {
			t.Fatalf("unexpected spec lookup %+v", spec)
		}
		if got := tx.Snapshot().ListSpecifications(9); len(got) != 1 {
			t.Fatalf("expected one spec, got %d", len(got))
		}
		_, err = tx.UpsertSpecification(domain.ProductTestSpecification{ProductID: 9})
		if err == nil {
			t.Fatalf("expected validation error for missing test name")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
}

func TestRetestRequestLifecycleInStore(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(nil, WithClock(func() time.Time { return fixed }))
	lot, result := seedLot(t, store)

	var created domain.RetestRequest
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateRetestRequest(domain.RetestRequest{
			LotID:           lot.ID,
			ReferenceNumber: "LOT-1-R1",
			Reason:          "suspect",
			Status:          domain.RetestStatusPending,
			Items:           []domain.RetestItem{{TestResultID: result.ID, OriginalValue: sp("Negative")}},
		})
		return err
	})
	if err != nil {
		t.Fatalf("create retest: %v", err)
	}
	if created.ID == 0 || created.Items[0].ID == 0 || created.Items[0].RetestRequestID != created.ID {
		t.Fatalf("expected ids assigned, got %+v", created)
	}
	if !created.CreatedAt.Equal(fixed) {
		t.Fatalf("expected clock timestamp, got %v", created.CreatedAt)
	}

	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateRetestRequest(created.ID, func(r *domain.RetestRequest) error {
			r.LotID = 999
			r.ReferenceNumber = "changed"
			r.Items[0].OriginalValue = sp("tampered")
			r.Items[0].CurrentValue = sp("Positive")
			r.Status = domain.RetestStatusCompleted
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("update retest: %v", err)
	}
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		got, ok := view.FindRetestRequest(created.ID)
		if !ok {
			t.Fatalf("retest missing")
		}
		if got.LotID != lot.ID || got.ReferenceNumber != "LOT-1-R1" || *got.Items[0].OriginalValue != "Negative" {
			t.Fatalf("immutable fields changed: %+v", got)
		}
		if got.Status != domain.RetestStatusCompleted || *got.Items[0].CurrentValue != "Positive" {
			t.Fatalf("mutable fields not applied: %+v", got)
		}
		if len(view.ListRetestRequests(lot.ID)) != 1 || len(view.ListRetestRequests(0)) != 1 {
			t.Fatalf("expected listing by lot and globally")
		}
		return nil
	})

	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateRetestRequest(created.ID, func(r *domain.RetestRequest) error {
			r.Items = append(r.Items, domain.RetestItem{TestResultID: 77})
			return nil
		})
		return err
	})
	if err == nil {
		t.Fatalf("expected error adding items")
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateRetestRequest(12345, func(*domain.RetestRequest) error { return nil })
		return err
	})
	var nf domain.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestViewIsolatedFromMutation(t *testing.T) {
	store := NewStore(nil)
	_, result := seedLot(t, store)
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		r, _ := view.FindTestResult(result.ID)
		*r.ResultValue = "mutated"
		return nil
	})
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		r, _ := view.FindTestResult(result.ID)
		if *r.ResultValue != "Negative" {
			t.Fatalf("view leaked mutation: %q", *r.ResultValue)
		}
		return nil
	})
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(context.Context, domain.TransactionView, []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock, Message: "blocked"}}}, nil
}
