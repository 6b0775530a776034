package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"labqc/internal/infra/persistence/memory"
	"labqc/pkg/domain"
	"labqc/pkg/specmatch"
)

// Service exposes the retest workflow and specification matching operations.
// Every mutation runs in a single store transaction; a transaction that
// fails with domain.ConcurrencyError is retried once.
type Service struct {
	store   PersistentStore
	logger  *zap.Logger
	metrics MetricsRecorder
	tracer  Tracer
}

// ServiceOption configures optional service dependencies.
type ServiceOption func(*Service)

// WithLogger sets the structured logger. A nil logger is ignored.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		logger:  zap.NewNop(),
		metrics: noopMetrics{},
		tracer:  noopTracer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemoryService creates a service and in-memory store with the given rules engine.
func NewInMemoryService(engine *RulesEngine, opts ...ServiceOption) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

func (s *Service) observe(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	started := time.Now()
	err := fn(ctx)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, time.Since(started))
	return err
}

func (s *Service) transact(ctx context.Context, op string, fn func(tx Transaction) error) (Result, error) {
	res, err := s.store.RunInTransaction(ctx, fn)
	var conflict domain.ConcurrencyError
	if errors.As(err, &conflict) {
		s.logger.Warn("retrying after concurrency conflict", zap.String("operation", op), zap.Error(err))
		res, err = s.store.RunInTransaction(ctx, fn)
	}
	return res, err
}

func (s *Service) transition(req RetestRequest, from RetestStatus) {
	if from == req.Status {
		return
	}
	if rec, ok := s.metrics.(TransitionRecorder); ok {
		rec.ObserveTransition(from, req.Status)
	}
	s.logger.Info("retest status changed",
		zap.Int64("retest_id", req.ID),
		zap.String("reference", req.ReferenceNumber),
		zap.String("from", string(from)),
		zap.String("to", string(req.Status)),
		zap.Bool("manual", req.CompletedManually),
	)
}

// CreateRetestInput carries the parameters of CreateRetest.
type CreateRetestInput struct {
	LotID         int64
	TestResultIDs []int64
	Reason        string
	RequestedBy   string
	// AcknowledgeDuplicates lets the request proceed when some results are
	// already under an active retest on the lot.
	AcknowledgeDuplicates bool
}

func (in CreateRetestInput) validate() ([]int64, error) {
	if len(in.TestResultIDs) == 0 {
		return nil, domain.ValidationError{Field: "test_result_ids", Message: "must not be empty"}
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, domain.ValidationError{Field: "reason", Message: "must not be empty"}
	}
	seen := make(map[int64]struct{}, len(in.TestResultIDs))
	ids := make([]int64, 0, len(in.TestResultIDs))
	for _, id := range in.TestResultIDs {
		if id <= 0 {
			return nil, domain.ValidationError{Field: "test_result_ids", Message: fmt.Sprintf("invalid id %d", id)}
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// CreateRetest opens a retest request over test results of one lot. When
// some results are already covered by an active request and the input does
// not acknowledge it, nothing is committed and a DuplicateRetestError lists
// them. Acknowledged duplicates are returned as warnings.
func (s *Service) CreateRetest(ctx context.Context, in CreateRetestInput) (RetestRequest, []int64, Result, error) {
	var (
		created    RetestRequest
		duplicates []int64
		res        Result
	)
	err := s.observe(ctx, "create_retest", func(ctx context.Context) error {
		ids, err := in.validate()
		if err != nil {
			return err
		}
		res, err = s.transact(ctx, "create_retest", func(tx Transaction) error {
			lot, ok := tx.FindLot(in.LotID)
			if !ok {
				return domain.ErrNotFound{Entity: EntityLot, ID: in.LotID}
			}
			items := make([]RetestItem, 0, len(ids))
			for _, id := range ids {
				result, ok := tx.FindTestResult(id)
				if !ok {
					return domain.ErrNotFound{Entity: EntityTestResult, ID: id}
				}
				if result.LotID != lot.ID {
					return domain.ValidationError{Field: "test_result_ids", Message: fmt.Sprintf("test result %d does not belong to lot %d", id, lot.ID)}
				}
				items = append(items, RetestItem{TestResultID: id, OriginalValue: cloneValue(result.ResultValue)})
			}
			existing := tx.Snapshot().ListRetestRequests(lot.ID)
			duplicates = domain.DuplicateTestResults(existing, lot.ID, ids)
			if len(duplicates) > 0 && !in.AcknowledgeDuplicates {
				return domain.DuplicateRetestError{LotID: lot.ID, TestResultIDs: duplicates}
			}
			var err error
			created, err = tx.CreateRetestRequest(RetestRequest{
				LotID:           lot.ID,
				ReferenceNumber: domain.RetestReference(lot.ReferenceNumber, len(existing)+1),
				Reason:          strings.TrimSpace(in.Reason),
				RequestedBy:     strings.TrimSpace(in.RequestedBy),
				Status:          RetestStatusPending,
				Items:           items,
			})
			if err != nil {
				return err
			}
			_, err = tx.UpdateLot(lot.ID, func(l *Lot) error {
				l.HasPendingRetest = true
				return nil
			})
			return err
		})
		return err
	})
	if err != nil {
		var dup domain.DuplicateRetestError
		if errors.As(err, &dup) {
			s.logger.Warn("retest duplicates require acknowledgement", zap.Int64("lot_id", in.LotID), zap.Int64s("test_result_ids", dup.TestResultIDs))
		} else {
			s.logger.Error("create retest failed", zap.Int64("lot_id", in.LotID), zap.Error(err))
		}
		return RetestRequest{}, nil, res, err
	}
	if len(duplicates) > 0 {
		s.logger.Warn("retest created over active retests", zap.String("reference", created.ReferenceNumber), zap.Int64s("test_result_ids", duplicates))
	}
	s.logger.Info("retest created",
		zap.Int64("retest_id", created.ID),
		zap.String("reference", created.ReferenceNumber),
		zap.Int64("lot_id", created.LotID),
		zap.Int("items", len(created.Items)),
	)
	return created, duplicates, res, nil
}

// DuplicateRetests previews the test results that CreateRetest would report
// as already under an active retest on the lot.
func (s *Service) DuplicateRetests(ctx context.Context, lotID int64, testResultIDs []int64) ([]int64, error) {
	var duplicates []int64
	err := s.store.View(ctx, func(view TransactionView) error {
		if _, ok := view.FindLot(lotID); !ok {
			return domain.ErrNotFound{Entity: EntityLot, ID: lotID}
		}
		duplicates = domain.DuplicateTestResults(view.ListRetestRequests(lotID), lotID, testResultIDs)
		return nil
	})
	return duplicates, err
}

// RecordValueChange stores a new value for a test result and advances every
// pending retest request covering it. It returns the first affected request
// by id, or nil when no pending request covers the result.
func (s *Service) RecordValueChange(ctx context.Context, testResultID int64, newValue *string) (*RetestRequest, error) {
	type transitioned struct {
		req  RetestRequest
		from RetestStatus
	}
	var changed []transitioned
	err := s.observe(ctx, "record_value_change", func(ctx context.Context) error {
		_, err := s.transact(ctx, "record_value_change", func(tx Transaction) error {
			changed = changed[:0]
			result, err := tx.UpdateTestResult(testResultID, func(r *TestResult) error {
				r.ResultValue = cloneValue(newValue)
				return nil
			})
			if err != nil {
				return err
			}
			now := tx.Now()
			requests := tx.Snapshot().ListRetestRequests(result.LotID)
			for _, req := range requests {
				if req.Status != RetestStatusPending || !req.Covers(testResultID) {
					continue
				}
				from := req.Status
				updated, err := tx.UpdateRetestRequest(req.ID, func(r *RetestRequest) error {
					for i := range r.Items {
						if r.Items[i].TestResultID != testResultID {
							continue
						}
						r.Items[i].CurrentValue = cloneValue(newValue)
						if r.Items[i].RetestedAt == nil {
							stamp := now
							r.Items[i].RetestedAt = &stamp
						}
					}
					next := domain.DeriveRetestStatus(domain.ItemValuesOf(*r))
					if !domain.CanTransition(r.Status, next, false) {
						return fmt.Errorf("retest %s: illegal transition %s -> %s", r.ReferenceNumber, r.Status, next)
					}
					r.Status = next
					if next == RetestStatusCompleted {
						stamp := now
						r.CompletedAt = &stamp
					}
					return nil
				})
				if err != nil {
					return err
				}
				changed = append(changed, transitioned{req: updated, from: from})
			}
			if len(changed) == 0 {
				return nil
			}
			return syncPendingFlag(tx, result.LotID)
		})
		return err
	})
	if err != nil {
		s.logger.Error("record value change failed", zap.Int64("test_result_id", testResultID), zap.Error(err))
		return nil, err
	}
	if len(changed) == 0 {
		s.logger.Debug("value change without pending retest", zap.Int64("test_result_id", testResultID))
		return nil, nil
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].req.ID < changed[j].req.ID })
	for _, c := range changed {
		s.transition(c.req, c.from)
	}
	affected := changed[0].req
	return &affected, nil
}

// CompleteManually force-completes a pending or review_required request.
// A request that is already completed is returned unchanged.
func (s *Service) CompleteManually(ctx context.Context, requestID int64) (RetestRequest, error) {
	var (
		out  RetestRequest
		from RetestStatus
	)
	err := s.observe(ctx, "complete_manually", func(ctx context.Context) error {
		_, err := s.transact(ctx, "complete_manually", func(tx Transaction) error {
			current, ok := tx.FindRetestRequest(requestID)
			if !ok {
				return domain.ErrNotFound{Entity: EntityRetestRequest, ID: requestID}
			}
			from = current.Status
			if current.Status == RetestStatusCompleted {
				out = current
				return nil
			}
			now := tx.Now()
			var err error
			out, err = tx.UpdateRetestRequest(requestID, func(r *RetestRequest) error {
				r.Status = RetestStatusCompleted
				r.CompletedManually = true
				r.CompletedAt = &now
				return nil
			})
			if err != nil {
				return err
			}
			return syncPendingFlag(tx, out.LotID)
		})
		return err
	})
	if err != nil {
		s.logger.Error("manual completion failed", zap.Int64("retest_id", requestID), zap.Error(err))
		return RetestRequest{}, err
	}
	s.transition(out, from)
	return out, nil
}

// syncPendingFlag recomputes the lot's has_pending_retest flag from the
// transaction's current requests.
func syncPendingFlag(tx Transaction, lotID int64) error {
	lot, ok := tx.FindLot(lotID)
	if !ok {
		return domain.ErrNotFound{Entity: EntityLot, ID: lotID}
	}
	want := domain.HasActiveRetest(tx.Snapshot().ListRetestRequests(lotID), lotID)
	if lot.HasPendingRetest == want {
		return nil
	}
	_, err := tx.UpdateLot(lotID, func(l *Lot) error {
		l.HasPendingRetest = want
		return nil
	})
	return err
}

// CanRelease reports whether no request for the lot is pending or awaiting
// review. It is computed from the current store state on every call.
func (s *Service) CanRelease(ctx context.Context, lotID int64) (bool, error) {
	var ok bool
	err := s.store.View(ctx, func(view TransactionView) error {
		if _, found := view.FindLot(lotID); !found {
			return domain.ErrNotFound{Entity: EntityLot, ID: lotID}
		}
		ok = domain.CanRelease(view.ListRetestRequests(lotID), lotID)
		return nil
	})
	return ok, err
}

// GetLot returns a lot by id.
func (s *Service) GetLot(ctx context.Context, id int64) (Lot, error) {
	var out Lot
	err := s.store.View(ctx, func(view TransactionView) error {
		lot, ok := view.FindLot(id)
		if !ok {
			return domain.ErrNotFound{Entity: EntityLot, ID: id}
		}
		out = lot
		return nil
	})
	return out, err
}

// GetRetest returns a retest request by id.
func (s *Service) GetRetest(ctx context.Context, id int64) (RetestRequest, error) {
	var out RetestRequest
	err := s.store.View(ctx, func(view TransactionView) error {
		req, ok := view.FindRetestRequest(id)
		if !ok {
			return domain.ErrNotFound{Entity: EntityRetestRequest, ID: id}
		}
		out = req
		return nil
	})
	return out, err
}

// ListRetests returns every retest request of the lot, including closed ones, ordered by id.
func (s *Service) ListRetests(ctx context.Context, lotID int64) ([]RetestRequest, error) {
	var out []RetestRequest
	err := s.store.View(ctx, func(view TransactionView) error {
		if _, ok := view.FindLot(lotID); !ok {
			return domain.ErrNotFound{Entity: EntityLot, ID: lotID}
		}
		out = view.ListRetestRequests(lotID)
		return nil
	})
	return out, err
}

// FailingTestResults returns the lot's test results whose value fails the
// product specification. Results without a specification are skipped.
func (s *Service) FailingTestResults(ctx context.Context, lotID int64) ([]TestResult, error) {
	var out []TestResult
	err := s.store.View(ctx, func(view TransactionView) error {
		lot, ok := view.FindLot(lotID)
		if !ok {
			return domain.ErrNotFound{Entity: EntityLot, ID: lotID}
		}
		for _, result := range view.ListTestResults(lotID) {
			spec, ok := view.FindSpecification(lot.ProductID, result.TestName)
			if !ok {
				continue
			}
			if specmatch.Evaluate(result.ResultValue, &spec.Specification, spec.TestUnit) == specmatch.VerdictFail {
				out = append(out, result)
			}
		}
		return nil
	})
	return out, err
}

// EvaluateSpec reports whether resultValue satisfies the specification.
func (s *Service) EvaluateSpec(resultValue *string, specification string, legacyUnit *string) bool {
	return specmatch.Matches(resultValue, specification, legacyUnit)
}

// ClassifyInputShape returns the advisory input shape for a specification.
func (s *Service) ClassifyInputShape(specification string, legacyUnit *string) specmatch.InputShape {
	return specmatch.ClassifyInputShape(specification, legacyUnit)
}

// UpsertLot mirrors a host lot into the store.
func (s *Service) UpsertLot(ctx context.Context, lot Lot) (Lot, Result, error) {
	var out Lot
	var res Result
	err := s.observe(ctx, "upsert_lot", func(ctx context.Context) error {
		var err error
		res, err = s.transact(ctx, "upsert_lot", func(tx Transaction) error {
			var err error
			out, err = tx.UpsertLot(lot)
			return err
		})
		return err
	})
	return out, res, err
}

// UpsertTestResult mirrors a host test result into the store. Value changes
// that should advance retests go through RecordValueChange.
func (s *Service) UpsertTestResult(ctx context.Context, result TestResult) (TestResult, Result, error) {
	var out TestResult
	var res Result
	err := s.observe(ctx, "upsert_test_result", func(ctx context.Context) error {
		var err error
		res, err = s.transact(ctx, "upsert_test_result", func(tx Transaction) error {
			var err error
			out, err = tx.UpsertTestResult(result)
			return err
		})
		return err
	})
	return out, res, err
}

// UpsertSpecification mirrors a product specification into the store.
func (s *Service) UpsertSpecification(ctx context.Context, spec ProductTestSpecification) (ProductTestSpecification, Result, error) {
	var out ProductTestSpecification
	var res Result
	err := s.observe(ctx, "upsert_specification", func(ctx context.Context) error {
		var err error
		res, err = s.transact(ctx, "upsert_specification", func(tx Transaction) error {
			var err error
			out, err = tx.UpsertSpecification(spec)
			return err
		})
		return err
	})
	return out, res, err
}

func cloneValue(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
