package core

import (
	"context"
	"fmt"

	"labqc/pkg/domain"
)

const coverageRuleName = "retest_coverage"

// RetestCoverageRule ensures every item of a retest request references an
// existing test result of the request's lot, at most once.
func RetestCoverageRule() domain.Rule {
	return retestCoverageRule{}
}

type retestCoverageRule struct{}

func (retestCoverageRule) Name() string { return coverageRuleName }

func (retestCoverageRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != EntityRetestRequest || change.Action != ActionCreate {
			continue
		}
		req, ok := change.After.(RetestRequest)
		if !ok {
			continue
		}
		if len(req.Items) == 0 {
			res.Violations = append(res.Violations, coverageViolation(req, "retest request %s covers no test results", req.ReferenceNumber))
			continue
		}
		seen := make(map[int64]struct{}, len(req.Items))
		for _, item := range req.Items {
			if _, dup := seen[item.TestResultID]; dup {
				res.Violations = append(res.Violations, coverageViolation(req, "retest request %s lists test result %d twice", req.ReferenceNumber, item.TestResultID))
				continue
			}
			seen[item.TestResultID] = struct{}{}
			result, ok := view.FindTestResult(item.TestResultID)
			if !ok {
				res.Violations = append(res.Violations, coverageViolation(req, "test result %d not found", item.TestResultID))
				continue
			}
			if result.LotID != req.LotID {
				res.Violations = append(res.Violations, coverageViolation(req, "test result %d belongs to lot %d, not %d", item.TestResultID, result.LotID, req.LotID))
			}
		}
	}
	return res, nil
}

func coverageViolation(req RetestRequest, format string, args ...any) domain.Violation {
	return domain.Violation{
		Rule:     coverageRuleName,
		Severity: domain.SeverityBlock,
		Message:  fmt.Sprintf(format, args...),
		Entity:   EntityRetestRequest,
		EntityID: req.ID,
	}
}
