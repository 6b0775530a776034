package core

import (
	"context"
	"fmt"

	"labqc/pkg/domain"
)

const lifecycleRuleName = "retest_lifecycle"

// RetestLifecycleRule blocks illegal retest status transitions: unknown
// states, backward moves, and any move out of a terminal state.
func RetestLifecycleRule() domain.Rule {
	return retestLifecycleRule{}
}

type retestLifecycleRule struct{}

type lifecycleMachine struct {
	label    string
	terminal map[RetestStatus]struct{}
	valid    map[RetestStatus]struct{}
	// rank orders states so a lower rank never follows a higher one.
	rank map[RetestStatus]int
}

var retestMachine = lifecycleMachine{
	label:    "retest request",
	terminal: toSet(RetestStatusCompleted),
	valid:    toSet(RetestStatusPending, RetestStatusReviewRequired, RetestStatusCompleted),
	rank: map[RetestStatus]int{
		RetestStatusPending:        0,
		RetestStatusReviewRequired: 1,
		RetestStatusCompleted:      2,
	},
}

func (retestLifecycleRule) Name() string { return lifecycleRuleName }

func (retestLifecycleRule) Evaluate(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	machine := retestMachine
	for _, change := range changes {
		if change.Entity != EntityRetestRequest {
			continue
		}
		after, ok := change.After.(RetestRequest)
		if !ok {
			continue
		}
		if _, valid := machine.valid[after.Status]; !valid {
			res.Violations = append(res.Violations, lifecycleViolation(after.ID,
				fmt.Sprintf("%s %s is set to invalid state %s", machine.label, after.ReferenceNumber, after.Status)))
			continue
		}
		if change.Action == ActionCreate {
			if after.Status != RetestStatusPending {
				res.Violations = append(res.Violations, lifecycleViolation(after.ID,
					fmt.Sprintf("%s %s must start pending, got %s", machine.label, after.ReferenceNumber, after.Status)))
			}
			continue
		}
		before, ok := change.Before.(RetestRequest)
		if !ok || before.Status == after.Status {
			continue
		}
		if _, terminal := machine.terminal[before.Status]; terminal {
			res.Violations = append(res.Violations, lifecycleViolation(after.ID,
				fmt.Sprintf("cannot move %s %s from terminal state %s to %s", machine.label, after.ReferenceNumber, before.Status, after.Status)))
			continue
		}
		if machine.rank[after.Status] < machine.rank[before.Status] {
			res.Violations = append(res.Violations, lifecycleViolation(after.ID,
				fmt.Sprintf("cannot move %s %s backward from %s to %s", machine.label, after.ReferenceNumber, before.Status, after.Status)))
			continue
		}
		if before.Status == RetestStatusReviewRequired && !after.CompletedManually {
			res.Violations = append(res.Violations, lifecycleViolation(after.ID,
				fmt.Sprintf("%s %s leaves %s only by manual completion", machine.label, after.ReferenceNumber, before.Status)))
		}
	}
	return res, nil
}

func lifecycleViolation(id int64, msg string) domain.Violation {
	return domain.Violation{
		Rule:     lifecycleRuleName,
		Severity: domain.SeverityBlock,
		Message:  msg,
		Entity:   EntityRetestRequest,
		EntityID: id,
	}
}

func toSet[T comparable](values ...T) map[T]struct{} {
	set := make(map[T]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
