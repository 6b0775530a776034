// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by labqc.
package domain

import (
	"strings"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence tables.
const (
	// EntityLot identifies a lot of product submitted for testing.
	EntityLot EntityType = "lot"
	// EntityTestResult identifies a single lab test result on a lot.
	EntityTestResult EntityType = "test_result"
	// EntitySpecification identifies a product acceptance specification.
	EntitySpecification EntityType = "product_test_specification"
	// EntityRetestRequest identifies a retest request aggregate.
	EntityRetestRequest EntityType = "retest_request"
	// EntityRetestItem identifies a retest item owned by a request.
	EntityRetestItem EntityType = "retest_item"
)

// RetestStatus enumerates the retest request lifecycle states.
type RetestStatus string

// Canonical retest statuses. Completed is terminal.
const (
	// RetestStatusPending indicates at least one covered result has not been re-recorded.
	RetestStatusPending RetestStatus = "pending"
	// RetestStatusReviewRequired indicates a re-recorded value matched its snapshot and needs QC review.
	RetestStatusReviewRequired RetestStatus = "review_required"
	// RetestStatusCompleted indicates the retest is closed.
	RetestStatusCompleted RetestStatus = "completed"
)

// Active reports whether the status still blocks release.
func (s RetestStatus) Active() bool {
	return s == RetestStatusPending || s == RetestStatusReviewRequired
}

// Valid reports whether the status is one of the canonical values.
func (s RetestStatus) Valid() bool {
	switch s {
	case RetestStatusPending, RetestStatusReviewRequired, RetestStatusCompleted:
		return true
	}
	return false
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lot is a batch of product submitted for testing. Only HasPendingRetest is
// owned by the core; the remaining fields mirror the host application.
type Lot struct {
	Base
	ReferenceNumber  string `json:"reference_number"`
	ProductID        int64  `json:"product_id"`
	HasPendingRetest bool   `json:"has_pending_retest"`
}

// TestResult is a single lab result recorded against a lot.
type TestResult struct {
	Base
	LotID       int64   `json:"lot_id"`
	TestName    string  `json:"test_name"`
	ResultValue *string `json:"result_value"`
	Unit        *string `json:"unit"`
}

// ProductTestSpecification associates a test with the acceptance rule of a product.
type ProductTestSpecification struct {
	Base
	ProductID     int64   `json:"product_id"`
	TestName      string  `json:"test_name"`
	Specification string  `json:"specification"`
	TestUnit      *string `json:"test_unit"`
}

// RetestRequest asks the lab to re-run one or more tests on a lot.
type RetestRequest struct {
	Base
	LotID             int64        `json:"lot_id"`
	ReferenceNumber   string       `json:"reference_number"`
	Reason            string       `json:"reason"`
	RequestedBy       string       `json:"requested_by"`
	Status            RetestStatus `json:"status"`
	CompletedManually bool         `json:"completed_manually"`
	CompletedAt       *time.Time   `json:"completed_at"`
	Items             []RetestItem `json:"items"`
}

// RetestItem covers one test result and snapshots its value at request creation.
type RetestItem struct {
	ID              int64      `json:"id"`
	RetestRequestID int64      `json:"retest_request_id"`
	TestResultID    int64      `json:"test_result_id"`
	OriginalValue   *string    `json:"original_value"`
	CurrentValue    *string    `json:"current_value"`
	RetestedAt      *time.Time `json:"retested_at"`
}

// TestResultIDs returns the covered test result identifiers in item order.
func (r RetestRequest) TestResultIDs() []int64 {
	ids := make([]int64, 0, len(r.Items))
	for _, item := range r.Items {
		ids = append(ids, item.TestResultID)
	}
	return ids
}

// Covers reports whether the request has an item for the test result.
func (r RetestRequest) Covers(testResultID int64) bool {
	for _, item := range r.Items {
		if item.TestResultID == testResultID {
			return true
		}
	}
	return false
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported operations captured in the audit trail.
// Deletion is intentionally absent: closed requests are retained as history.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string     `json:"rule"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message"`
	Entity   EntityType `json:"entity"`
	EntityID int64      `json:"entity_id"`
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// ByRule returns the violations emitted by the named rule.
func (r Result) ByRule(name string) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Rule == name {
			out = append(out, v)
		}
	}
	return out
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	var msgs []string
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			msgs = append(msgs, v.Message)
		}
	}
	if len(msgs) == 0 {
		return "transaction blocked by rules"
	}
	return "transaction blocked by rules: " + strings.Join(msgs, "; ")
}
