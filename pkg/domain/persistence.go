package domain

import (
	"context"
	"time"
)

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	Now() time.Time
	FindLot(id int64) (Lot, bool)
	FindTestResult(id int64) (TestResult, bool)
	FindRetestRequest(id int64) (RetestRequest, bool)
	UpsertLot(Lot) (Lot, error)
	UpdateLot(id int64, mutator func(*Lot) error) (Lot, error)
	UpsertTestResult(TestResult) (TestResult, error)
	UpdateTestResult(id int64, mutator func(*TestResult) error) (TestResult, error)
	UpsertSpecification(ProductTestSpecification) (ProductTestSpecification, error)
	CreateRetestRequest(RetestRequest) (RetestRequest, error)
	UpdateRetestRequest(id int64, mutator func(*RetestRequest) error) (RetestRequest, error)
}

// TransactionView provides read-only access to snapshot data for rules and queries.
type TransactionView interface {
	ListLots() []Lot
	FindLot(id int64) (Lot, bool)
	FindTestResult(id int64) (TestResult, bool)
	ListTestResults(lotID int64) []TestResult
	FindSpecification(productID int64, testName string) (ProductTestSpecification, bool)
	ListSpecifications(productID int64) []ProductTestSpecification
	FindRetestRequest(id int64) (RetestRequest, bool)
	ListRetestRequests(lotID int64) []RetestRequest
}

// CommitHook receives the committed changes before the in-memory state becomes
// visible. Returning an error aborts the transaction.
type CommitHook func(ctx context.Context, changes []Change) error

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	Close() error
}
