package core

import (
	"context"
	"fmt"
	"sort"

	"labqc/pkg/domain"
)

const pendingFlagRuleName = "lot_pending_flag"

// PendingFlagRule blocks any commit after which a touched lot's
// has_pending_retest flag disagrees with its retest requests.
func PendingFlagRule() domain.Rule {
	return pendingFlagRule{}
}

type pendingFlagRule struct{}

func (pendingFlagRule) Name() string { return pendingFlagRuleName }

func (pendingFlagRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	lots := map[int64]struct{}{}
	for _, change := range changes {
		switch v := change.After.(type) {
		case Lot:
			lots[v.ID] = struct{}{}
		case RetestRequest:
			lots[v.LotID] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(lots))
	for id := range lots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	res := domain.Result{}
	for _, id := range ids {
		lot, ok := view.FindLot(id)
		if !ok {
			continue
		}
		want := domain.HasActiveRetest(view.ListRetestRequests(id), id)
		if lot.HasPendingRetest != want {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     pendingFlagRuleName,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("lot %s has_pending_retest=%t but active retests=%t", lot.ReferenceNumber, lot.HasPendingRetest, want),
				Entity:   EntityLot,
				EntityID: id,
			})
		}
	}
	return res, nil
}
