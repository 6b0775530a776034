package domain

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestResultMergeAndBlocking(t *testing.T) {
	var result Result
	result.Merge(Result{Violations: []Violation{{Rule: "warn", Severity: SeverityWarn}}})
	if result.HasBlocking() {
		t.Fatalf("expected no blocking violations")
	}
	result.Merge(Result{Violations: []Violation{{Rule: "block", Severity: SeverityBlock, Message: "nope"}}})
	if !result.HasBlocking() {
		t.Fatalf("expected blocking violation")
	}
	err := RuleViolationError{Result: result}
	if !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected blocking message in error, got %q", err.Error())
	}
	if got := result.ByRule("warn"); len(got) != 1 {
		t.Fatalf("expected one warn violation, got %+v", got)
	}
}

func TestResultMergeEmptyInput(t *testing.T) {
	original := Result{Violations: []Violation{{Rule: "existing", Severity: SeverityWarn}}}
	original.Merge(Result{})
	if len(original.Violations) != 1 || original.Violations[0].Rule != "existing" {
		t.Fatalf("expected original violations to remain, got %+v", original.Violations)
	}
}

func TestRulesEngineEvaluate(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{"warn"})
	res, err := engine.Evaluate(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected violation")
	}
	if names := engine.Rules(); len(names) != 1 || names[0] != "warn" {
		t.Fatalf("unexpected rule names %v", names)
	}
}

func TestRulesEngineStopsOnError(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(failingRule{})
	engine.Register(staticRule{"warn"})
	if _, err := engine.Evaluate(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected error from failing rule")
	}
}

func TestErrorMessages(t *testing.T) {
	if msg := (ErrNotFound{Entity: EntityLot, ID: 7}).Error(); msg != "lot 7 not found" {
		t.Fatalf("unexpected not found message %q", msg)
	}
	if msg := (ValidationError{Field: "reason", Message: "is required"}).Error(); msg != "validation: reason is required" {
		t.Fatalf("unexpected validation message %q", msg)
	}
	cause := errors.New("serialization failure")
	ce := ConcurrencyError{Op: "record value", Err: cause}
	if !errors.Is(ce, cause) {
		t.Fatalf("concurrency error should unwrap to cause")
	}
	dup := DuplicateRetestError{LotID: 3, TestResultIDs: []int64{10, 11}}
	if !strings.Contains(dup.Error(), "[10, 11]") {
		t.Fatalf("unexpected duplicate message %q", dup.Error())
	}
}

type staticRule struct{ name string }

func (r staticRule) Name() string { return r.name }

func (r staticRule) Evaluate(context.Context, TransactionView, []Change) (Result, error) {
	return Result{Violations: []Violation{{Rule: r.name, Severity: SeverityWarn}}}, nil
}

type failingRule struct{}

func (failingRule) Name() string { return "failing" }

func (failingRule) Evaluate(context.Context, TransactionView, []Change) (Result, error) {
	return Result{}, errors.New("boom")
}
