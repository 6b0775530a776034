package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationError reports input rejected before any state was touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

// ErrNotFound is returned when a referenced record does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     int64
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// ConcurrencyError wraps a transaction conflict raised by the persistence layer.
// Callers may retry the operation once.
type ConcurrencyError struct {
	Op  string
	Err error
}

func (e ConcurrencyError) Error() string {
	if e.Err == nil {
		return "concurrency conflict during " + e.Op
	}
	return fmt.Sprintf("concurrency conflict during %s: %v", e.Op, e.Err)
}

func (e ConcurrencyError) Unwrap() error { return e.Err }

// DuplicateRetestError lists test results that already have an active retest
// on the lot. It is a warning: resubmitting with acknowledgement proceeds.
type DuplicateRetestError struct {
	LotID         int64
	TestResultIDs []int64
}

func (e DuplicateRetestError) Error() string {
	ids := make([]string, len(e.TestResultIDs))
	for i, id := range e.TestResultIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("lot %d: test results [%s] already have an active retest; acknowledge to proceed", e.LotID, strings.Join(ids, ", "))
}
