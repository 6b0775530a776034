package core

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"labqc/internal/infra/persistence/memory"
	"labqc/pkg/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func strPtr(s string) *string { return &s }

var testEpoch = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	svc   *Service
	store *memory.Store
	clock *testClock
	logs  *observer.ObservedLogs
}

func newHarness(t *testing.T, opts ...ServiceOption) *harness {
	t.Helper()
	clock := &testClock{now: testEpoch}
	core, logs := observer.New(zapcore.DebugLevel)
	store := memory.NewStore(NewDefaultRulesEngine(), memory.WithClock(clock.Now))
	opts = append([]ServiceOption{WithLogger(zap.New(core))}, opts...)
	return &harness{
		svc:   NewService(store, opts...),
		store: store,
		clock: clock,
		logs:  logs,
	}
}

// seedLot creates a lot with product 100 and the given result values keyed by id.
func (h *harness) seedLot(t *testing.T, lotID int64, ref string, results map[int64]string) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := h.svc.UpsertLot(ctx, Lot{Base: domain.Base{ID: lotID}, ReferenceNumber: ref, ProductID: 100}); err != nil {
		t.Fatalf("seed lot: %v", err)
	}
	for id, value := range results {
		v := value
		if _, _, err := h.svc.UpsertTestResult(ctx, TestResult{Base: domain.Base{ID: id}, LotID: lotID, TestName: "test", ResultValue: &v}); err != nil {
			t.Fatalf("seed result %d: %v", id, err)
		}
	}
}

func (h *harness) lot(t *testing.T, id int64) Lot {
	t.Helper()
	var lot Lot
	if err := h.store.View(context.Background(), func(view TransactionView) error {
		var ok bool
		lot, ok = view.FindLot(id)
		if !ok {
			t.Fatalf("lot %d missing", id)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	return lot
}
