// Package memory provides an in-memory implementation of the core persistence
// store used for tests, ephemeral environments, and as the transactional core
// of the durable SQL backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"labqc/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Lot aliases domain.Lot for in-memory persistence operations.
	Lot = domain.Lot
	// TestResult aliases domain.TestResult.
	TestResult = domain.TestResult
	// Specification aliases domain.ProductTestSpecification.
	Specification = domain.ProductTestSpecification
	// RetestRequest aliases domain.RetestRequest.
	RetestRequest = domain.RetestRequest
	// RetestItem aliases domain.RetestItem.
	RetestItem = domain.RetestItem
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	lots     map[int64]Lot
	results  map[int64]TestResult
	specs    map[int64]Specification
	retests  map[int64]RetestRequest
	sequence int64
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Lots           map[int64]Lot           `json:"lots"`
	TestResults    map[int64]TestResult    `json:"test_results"`
	Specifications map[int64]Specification `json:"specifications"`
	RetestRequests map[int64]RetestRequest `json:"retest_requests"`
}

func newMemoryState() memoryState {
	return memoryState{
		lots:    make(map[int64]Lot),
		results: make(map[int64]TestResult),
		specs:   make(map[int64]Specification),
		retests: make(map[int64]RetestRequest),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	cloned.sequence = s.sequence
	for k, v := range s.lots {
		cloned.lots[k] = v
	}
	for k, v := range s.results {
		cloned.results[k] = cloneTestResult(v)
	}
	for k, v := range s.specs {
		cloned.specs[k] = cloneSpecification(v)
	}
	for k, v := range s.retests {
		cloned.retests[k] = cloneRetest(v)
	}
	return cloned
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	cloned := state.clone()
	return Snapshot{
		Lots:           cloned.lots,
		TestResults:    cloned.results,
		Specifications: cloned.specs,
		RetestRequests: cloned.retests,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Lots {
		state.lots[k] = v
		state.bump(k)
	}
	for k, v := range s.TestResults {
		state.results[k] = cloneTestResult(v)
		state.bump(k)
	}
	for k, v := range s.Specifications {
		state.specs[k] = cloneSpecification(v)
		state.bump(k)
	}
	for k, v := range s.RetestRequests {
		state.retests[k] = cloneRetest(v)
		state.bump(k)
		for _, item := range v.Items {
			state.bump(item.ID)
		}
	}
	return state
}

// bump keeps the id sequence ahead of externally supplied ids.
func (s *memoryState) bump(id int64) {
	if id > s.sequence {
		s.sequence = id
	}
}

func (s *memoryState) nextID() int64 {
	s.sequence++
	return s.sequence
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneTestResult(r TestResult) TestResult {
	cp := r
	cp.ResultValue = cloneString(r.ResultValue)
	cp.Unit = cloneString(r.Unit)
	return cp
}

func cloneSpecification(s Specification) Specification {
	cp := s
	cp.TestUnit = cloneString(s.TestUnit)
	return cp
}

func cloneRetest(r RetestRequest) RetestRequest {
	cp := r
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.Items = make([]RetestItem, len(r.Items))
	for i, item := range r.Items {
		cp.Items[i] = RetestItem{
			ID:              item.ID,
			RetestRequestID: item.RetestRequestID,
			TestResultID:    item.TestResultID,
			OriginalValue:   cloneString(item.OriginalValue),
			CurrentValue:    cloneString(item.CurrentValue),
			RetestedAt:      cloneTime(item.RetestedAt),
		}
	}
	return cp
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	hook   domain.CommitHook
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithCommitHook installs a hook that runs after rule evaluation and before
// the new state is published. Durable backends use it to write through.
func WithCommitHook(hook domain.CommitHook) Option {
	return func(s *Store) { s.hook = hook }
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCommitHook replaces the commit hook after construction.
func (s *Store) SetCommitHook(hook domain.CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// transaction represents a mutation set applied to the store state.
type transaction struct {
	state   memoryState
	changes []Change
	now     time.Time
}

// transactionView exposes a read-only snapshot of the transactional state to rules.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListLots returns all lots ordered by id.
func (v transactionView) ListLots() []Lot {
	out := make([]Lot, 0, len(v.state.lots))
	for _, l := range v.state.lots {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindLot retrieves a lot by id.
func (v transactionView) FindLot(id int64) (Lot, bool) {
	l, ok := v.state.lots[id]
	return l, ok
}

// FindTestResult retrieves a test result by id.
func (v transactionView) FindTestResult(id int64) (TestResult, bool) {
	r, ok := v.state.results[id]
	if !ok {
		return TestResult{}, false
	}
	return cloneTestResult(r), true
}

// ListTestResults returns the results recorded on a lot ordered by id.
func (v transactionView) ListTestResults(lotID int64) []TestResult {
	var out []TestResult
	for _, r := range v.state.results {
		if r.LotID == lotID {
			out = append(out, cloneTestResult(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindSpecification returns the specification of a product test, matching the
// test name case-insensitively.
func (v transactionView) FindSpecification(productID int64, testName string) (Specification, bool) {
	for _, s := range v.state.specs {
		if s.ProductID == productID && strings.EqualFold(strings.TrimSpace(s.TestName), strings.TrimSpace(testName)) {
			return cloneSpecification(s), true
		}
	}
	return Specification{}, false
}

// ListSpecifications returns every specification of a product ordered by id.
func (v transactionView) ListSpecifications(productID int64) []Specification {
	var out []Specification
	for _, s := range v.state.specs {
		if s.ProductID == productID {
			out = append(out, cloneSpecification(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindRetestRequest retrieves a retest request by id.
func (v transactionView) FindRetestRequest(id int64) (RetestRequest, bool) {
	r, ok := v.state.retests[id]
	if !ok {
		return RetestRequest{}, false
	}
	return cloneRetest(r), true
}

// ListRetestRequests returns the requests of a lot ordered by id. A zero lot id lists all requests.
func (v transactionView) ListRetestRequests(lotID int64) []RetestRequest {
	var out []RetestRequest
	for _, r := range v.state.retests {
		if lotID == 0 || r.LotID == lotID {
			out = append(out, cloneRetest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunInTransaction executes fn within a transactional copy of the store state.
// The copy is published only after rules pass and the commit hook succeeds.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if s.hook != nil && len(tx.changes) > 0 {
		if err := s.hook(ctx, tx.changes); err != nil {
			return result, err
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// Now returns the timestamp shared by every record written in the transaction.
func (tx *transaction) Now() time.Time { return tx.now }

// FindLot exposes lot lookup within the transaction scope.
func (tx *transaction) FindLot(id int64) (Lot, bool) {
	return tx.Snapshot().FindLot(id)
}

// FindTestResult exposes test result lookup within the transaction scope.
func (tx *transaction) FindTestResult(id int64) (TestResult, bool) {
	return tx.Snapshot().FindTestResult(id)
}

// FindRetestRequest exposes retest lookup within the transaction scope.
func (tx *transaction) FindRetestRequest(id int64) (RetestRequest, bool) {
	return tx.Snapshot().FindRetestRequest(id)
}

// UpsertLot mirrors a host lot. The pending-retest flag is owned by the
// workflow and is never taken from the input.
func (tx *transaction) UpsertLot(l Lot) (Lot, error) {
	if strings.TrimSpace(l.ReferenceNumber) == "" {
		return Lot{}, domain.ValidationError{Field: "reference_number", Message: "is required"}
	}
	if l.ID == 0 {
		l.ID = tx.state.nextID()
	}
	current, exists := tx.state.lots[l.ID]
	if exists {
		l.CreatedAt = current.CreatedAt
		l.HasPendingRetest = current.HasPendingRetest
		l.UpdatedAt = tx.now
		tx.state.lots[l.ID] = l
		tx.recordChange(Change{Entity: domain.EntityLot, Action: domain.ActionUpdate, Before: current, After: l})
		return l, nil
	}
	tx.state.bump(l.ID)
	l.HasPendingRetest = false
	l.CreatedAt = tx.now
	l.UpdatedAt = tx.now
	tx.state.lots[l.ID] = l
	tx.recordChange(Change{Entity: domain.EntityLot, Action: domain.ActionCreate, After: l})
	return l, nil
}

// UpdateLot mutates a lot using the provided mutator function.
func (tx *transaction) UpdateLot(id int64, mutator func(*Lot) error) (Lot, error) {
	current, ok := tx.state.lots[id]
	if !ok {
		return Lot{}, domain.ErrNotFound{Entity: domain.EntityLot, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return Lot{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.lots[id] = current
	tx.recordChange(Change{Entity: domain.EntityLot, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// UpsertTestResult mirrors a host test result onto an existing lot.
func (tx *transaction) UpsertTestResult(r TestResult) (TestResult, error) {
	if _, ok := tx.state.lots[r.LotID]; !ok {
		return TestResult{}, domain.ErrNotFound{Entity: domain.EntityLot, ID: r.LotID}
	}
	if r.ID == 0 {
		r.ID = tx.state.nextID()
	}
	current, exists := tx.state.results[r.ID]
	if exists {
		if current.LotID != r.LotID {
			return TestResult{}, fmt.Errorf("test result %d belongs to lot %d, cannot move to lot %d", r.ID, current.LotID, r.LotID)
		}
		r.CreatedAt = current.CreatedAt
		r.UpdatedAt = tx.now
		tx.state.results[r.ID] = cloneTestResult(r)
		tx.recordChange(Change{Entity: domain.EntityTestResult, Action: domain.ActionUpdate, Before: cloneTestResult(current), After: cloneTestResult(r)})
		return cloneTestResult(r), nil
	}
	tx.state.bump(r.ID)
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.results[r.ID] = cloneTestResult(r)
	tx.recordChange(Change{Entity: domain.EntityTestResult, Action: domain.ActionCreate, After: cloneTestResult(r)})
	return cloneTestResult(r), nil
}

// UpdateTestResult mutates a test result using the provided mutator function.
func (tx *transaction) UpdateTestResult(id int64, mutator func(*TestResult) error) (TestResult, error) {
	current, ok := tx.state.results[id]
	if !ok {
		return TestResult{}, domain.ErrNotFound{Entity: domain.EntityTestResult, ID: id}
	}
	before := cloneTestResult(current)
	if err := mutator(&current); err != nil {
		return TestResult{}, err
	}
	current.ID = id
	current.LotID = before.LotID
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.results[id] = cloneTestResult(current)
	tx.recordChange(Change{Entity: domain.EntityTestResult, Action: domain.ActionUpdate, Before: before, After: cloneTestResult(current)})
	return cloneTestResult(current), nil
}

// UpsertSpecification mirrors a product specification. Specifications are
// unique per product and test name; an unidentified upsert replaces the
// existing entry for that pair.
func (tx *transaction) UpsertSpecification(s Specification) (Specification, error) {
	if strings.TrimSpace(s.TestName) == "" {
		return Specification{}, domain.ValidationError{Field: "test_name", Message: "is required"}
	}
	if s.ID == 0 {
		if existing, ok := tx.Snapshot().FindSpecification(s.ProductID, s.TestName); ok {
			s.ID = existing.ID
		} else {
			s.ID = tx.state.nextID()
		}
	}
	current, exists := tx.state.specs[s.ID]
	if exists {
		s.CreatedAt = current.CreatedAt
		s.UpdatedAt = tx.now
		tx.state.specs[s.ID] = cloneSpecification(s)
		tx.recordChange(Change{Entity: domain.EntitySpecification, Action: domain.ActionUpdate, Before: cloneSpecification(current), After: cloneSpecification(s)})
		return cloneSpecification(s), nil
	}
	tx.state.bump(s.ID)
	s.CreatedAt = tx.now
	s.UpdatedAt = tx.now
	tx.state.specs[s.ID] = cloneSpecification(s)
	tx.recordChange(Change{Entity: domain.EntitySpecification, Action: domain.ActionCreate, After: cloneSpecification(s)})
	return cloneSpecification(s), nil
}

// CreateRetestRequest stores a new request and assigns ids to it and its items.
func (tx *transaction) CreateRetestRequest(r RetestRequest) (RetestRequest, error) {
	if r.ID == 0 {
		r.ID = tx.state.nextID()
	}
	if _, exists := tx.state.retests[r.ID]; exists {
		return RetestRequest{}, fmt.Errorf("retest request %d already exists", r.ID)
	}
	tx.state.bump(r.ID)
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	r = cloneRetest(r)
	for i := range r.Items {
		if r.Items[i].ID == 0 {
			r.Items[i].ID = tx.state.nextID()
		}
		tx.state.bump(r.Items[i].ID)
		r.Items[i].RetestRequestID = r.ID
	}
	tx.state.retests[r.ID] = r
	tx.recordChange(Change{Entity: domain.EntityRetestRequest, Action: domain.ActionCreate, After: cloneRetest(r)})
	return cloneRetest(r), nil
}

// UpdateRetestRequest mutates a request using the provided mutator function.
// Identity, lot, and item coverage are immutable.
func (tx *transaction) UpdateRetestRequest(id int64, mutator func(*RetestRequest) error) (RetestRequest, error) {
	current, ok := tx.state.retests[id]
	if !ok {
		return RetestRequest{}, domain.ErrNotFound{Entity: domain.EntityRetestRequest, ID: id}
	}
	before := cloneRetest(current)
	if err := mutator(&current); err != nil {
		return RetestRequest{}, err
	}
	if len(current.Items) != len(before.Items) {
		return RetestRequest{}, fmt.Errorf("retest request %d: items cannot be added or removed", id)
	}
	for i := range current.Items {
		current.Items[i].ID = before.Items[i].ID
		current.Items[i].RetestRequestID = id
		current.Items[i].TestResultID = before.Items[i].TestResultID
		current.Items[i].OriginalValue = cloneString(before.Items[i].OriginalValue)
	}
	current.ID = id
	current.LotID = before.LotID
	current.ReferenceNumber = before.ReferenceNumber
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.retests[id] = cloneRetest(current)
	tx.recordChange(Change{Entity: domain.EntityRetestRequest, Action: domain.ActionUpdate, Before: before, After: cloneRetest(current)})
	return cloneRetest(current), nil
}
