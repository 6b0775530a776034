package specmatch

import "strings"

// Verdict is the pass/fail outcome of a result against its specification.
type Verdict string

const (
	VerdictPass          Verdict = "pass"
	VerdictFail          Verdict = "fail"
	VerdictNotApplicable Verdict = "not_applicable"
)

// Evaluate returns the verdict for a result. A nil or blank specification has
// no verdict rather than failing.
func Evaluate(resultValue *string, specification *string, legacyUnit *string) Verdict {
	if specification == nil || strings.TrimSpace(*specification) == "" {
		return VerdictNotApplicable
	}
	if Matches(resultValue, *specification, legacyUnit) {
		return VerdictPass
	}
	return VerdictFail
}
