package core

import (
	"context"
	"fmt"

	"labqc/pkg/domain"
)

const duplicateRuleName = "duplicate_retest"

// DuplicateRetestRule warns when a new request covers a test result that
// another active request on the same lot already covers. Duplicates are
// allowed; the warning is recorded on the transaction result.
func DuplicateRetestRule() domain.Rule {
	return duplicateRetestRule{}
}

type duplicateRetestRule struct{}

func (duplicateRetestRule) Name() string { return duplicateRuleName }

func (duplicateRetestRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != EntityRetestRequest || change.Action != ActionCreate {
			continue
		}
		req, ok := change.After.(RetestRequest)
		if !ok {
			continue
		}
		var others []RetestRequest
		for _, existing := range view.ListRetestRequests(req.LotID) {
			if existing.ID != req.ID {
				others = append(others, existing)
			}
		}
		coverage := domain.ActiveCoverage(others, req.LotID)
		for _, item := range req.Items {
			covering := coverage[item.TestResultID]
			if len(covering) == 0 {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     duplicateRuleName,
				Severity: domain.SeverityWarn,
				Message:  fmt.Sprintf("test result %d already under active retest %v", item.TestResultID, covering),
				Entity:   EntityRetestRequest,
				EntityID: req.ID,
			})
		}
	}
	return res, nil
}
