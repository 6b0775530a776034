package domain

import (
	"fmt"
	"sort"
	"strings"
)

// ItemValues is the value pair used to derive a retest request status.
type ItemValues struct {
	Original *string
	Current  *string
	Retested bool
}

// DeriveRetestStatus computes the automatic status of a request from its items.
// Items that have not been re-recorded keep the request pending. Once every
// item has a new recording, any value equal to its snapshot requires review.
func DeriveRetestStatus(items []ItemValues) RetestStatus {
	if len(items) == 0 {
		return RetestStatusPending
	}
	unchanged := false
	for _, item := range items {
		if !item.Retested {
			return RetestStatusPending
		}
		if sameValue(item.Original, item.Current) {
			unchanged = true
		}
	}
	if unchanged {
		return RetestStatusReviewRequired
	}
	return RetestStatusCompleted
}

// ItemValuesOf extracts the status inputs from a request.
func ItemValuesOf(req RetestRequest) []ItemValues {
	out := make([]ItemValues, len(req.Items))
	for i, item := range req.Items {
		out[i] = ItemValues{
			Original: item.OriginalValue,
			Current:  item.CurrentValue,
			Retested: item.RetestedAt != nil,
		}
	}
	return out
}

// nil and blank are the same empty result.
func sameValue(a, b *string) bool {
	return strings.TrimSpace(deref(a)) == strings.TrimSpace(deref(b))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CanTransition reports whether a request may move from one status to another.
// Manual transitions are the only way out of review_required.
func CanTransition(from, to RetestStatus, manual bool) bool {
	if from == to {
		return true
	}
	switch from {
	case RetestStatusPending:
		return to == RetestStatusReviewRequired || to == RetestStatusCompleted
	case RetestStatusReviewRequired:
		return to == RetestStatusCompleted && manual
	default:
		return false
	}
}

// ActiveCoverage returns the test result ids covered by active requests on
// the lot, mapped to the request ids covering them.
func ActiveCoverage(requests []RetestRequest, lotID int64) map[int64][]int64 {
	coverage := make(map[int64][]int64)
	for _, req := range requests {
		if req.LotID != lotID || !req.Status.Active() {
			continue
		}
		for _, item := range req.Items {
			coverage[item.TestResultID] = append(coverage[item.TestResultID], req.ID)
		}
	}
	return coverage
}

// DuplicateTestResults returns the subset of ids already under an active retest, sorted.
func DuplicateTestResults(requests []RetestRequest, lotID int64, testResultIDs []int64) []int64 {
	coverage := ActiveCoverage(requests, lotID)
	seen := make(map[int64]struct{}, len(testResultIDs))
	var dupes []int64
	for _, id := range testResultIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if len(coverage[id]) > 0 {
			dupes = append(dupes, id)
		}
	}
	sort.Slice(dupes, func(i, j int) bool { return dupes[i] < dupes[j] })
	return dupes
}

// CanRelease reports whether no request for the lot is pending or awaiting review.
func CanRelease(requests []RetestRequest, lotID int64) bool {
	return !HasActiveRetest(requests, lotID)
}

// HasActiveRetest is the derived value of Lot.HasPendingRetest.
func HasActiveRetest(requests []RetestRequest, lotID int64) bool {
	for _, req := range requests {
		if req.LotID == lotID && req.Status.Active() {
			return true
		}
	}
	return false
}

// RetestReference formats the reference number of the n-th retest of a lot.
func RetestReference(lotReference string, n int) string {
	return fmt.Sprintf("%s-R%d", lotReference, n)
}
