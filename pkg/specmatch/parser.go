// Package specmatch decides whether a raw lab result satisfies a product
// acceptance specification.
//
// A specification string is first classified into a Rule by Parse. The
// classification table is ordered and the first matching entry wins:
//
//  1. legacy "Positive/Negative" unit with a bare "negative"/"positive" spec
//  2. spec starting with "negative"
//  3. spec starting with "positive"
//  4. spec starting with "<" or ">"
//  5. spec of the form "min-max"
//  6. anything else, matched as exact text
//
// Matching never returns an error. Malformed numeric bounds fail closed.
package specmatch

import (
	"math"
	"strconv"
	"strings"
)

// LegacyUnitPositiveNegative is the legacy unit tag that turns a bare
// negative/positive specification into a fixed-choice dropdown.
const LegacyUnitPositiveNegative = "Positive/Negative"

// Kind identifies the rule variant a specification was classified as.
type Kind string

const (
	KindExact         Kind = "exact"
	KindNegativeClass Kind = "negative_class"
	KindPositiveClass Kind = "positive_class"
	KindLessThan      Kind = "less_than"
	KindGreaterThan   Kind = "greater_than"
	KindRange         Kind = "range"
)

// Rule is the parsed form of a specification string.
type Rule struct {
	Kind Kind
	// Raw is the trimmed specification text.
	Raw string
	// Legacy is set when the rule came from the Positive/Negative unit tag.
	// Legacy negative rules do not accept below-detection-limit values.
	Legacy bool
	// Bound holds the threshold of less/greater-than rules.
	Bound float64
	// BoundOK is false when the bound text did not parse; such rules never match.
	BoundOK bool
	Min     float64
	Max     float64
}

var (
	negativeValues = []string{"negative", "nd", "not detected", "bdl"}
	positiveValues = []string{"positive", "detected", "present", "+"}
)

// Parse classifies a specification. legacyUnit may be nil.
func Parse(specification string, legacyUnit *string) Rule {
	raw := strings.TrimSpace(specification)
	lower := strings.ToLower(raw)

	if legacyUnit != nil && *legacyUnit == LegacyUnitPositiveNegative {
		switch lower {
		case "negative":
			return Rule{Kind: KindNegativeClass, Raw: raw, Legacy: true}
		case "positive":
			return Rule{Kind: KindPositiveClass, Raw: raw, Legacy: true}
		}
	}

	switch {
	case strings.HasPrefix(lower, "negative"):
		return Rule{Kind: KindNegativeClass, Raw: raw}
	case strings.HasPrefix(lower, "positive"):
		return Rule{Kind: KindPositiveClass, Raw: raw}
	case strings.HasPrefix(raw, "<"):
		bound, ok := parseBound(raw[1:])
		return Rule{Kind: KindLessThan, Raw: raw, Bound: bound, BoundOK: ok}
	case strings.HasPrefix(raw, ">"):
		bound, ok := parseBound(raw[1:])
		return Rule{Kind: KindGreaterThan, Raw: raw, Bound: bound, BoundOK: ok}
	}

	if min, max, ok := parseRange(raw); ok {
		return Rule{Kind: KindRange, Raw: raw, Min: min, Max: max}
	}
	return Rule{Kind: KindExact, Raw: raw}
}

// parseBound reads the first token after the operator, so "< 10 cfu/g" has bound 10.
func parseBound(text string) (float64, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0, false
	}
	return parseNumber(fields[0])
}

// parseRange accepts "a-b" where the dash is not a leading minus sign.
func parseRange(raw string) (float64, float64, bool) {
	if strings.Index(raw, "-") <= 0 {
		return 0, 0, false
	}
	parts := strings.Split(raw, "-")
	if len(parts) != 2 {
		return 0, 0, false
	}
	min, ok := parseNumber(parts[0])
	if !ok {
		return 0, 0, false
	}
	max, ok := parseNumber(parts[1])
	if !ok {
		return 0, 0, false
	}
	return min, max, true
}

func parseNumber(text string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}
