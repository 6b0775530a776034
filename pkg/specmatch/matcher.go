package specmatch

import "strings"

// Matches reports whether resultValue satisfies specification. A nil or blank
// result never matches.
func Matches(resultValue *string, specification string, legacyUnit *string) bool {
	return Parse(specification, legacyUnit).Matches(resultValue)
}

// Matches evaluates a result value against the parsed rule.
func (r Rule) Matches(resultValue *string) bool {
	if resultValue == nil {
		return false
	}
	value := strings.TrimSpace(*resultValue)
	if value == "" {
		return false
	}
	lower := strings.ToLower(value)

	switch r.Kind {
	case KindNegativeClass:
		if contains(negativeValues, lower) {
			return true
		}
		// a below-detection-limit result is compatible with a negative spec
		return !r.Legacy && strings.HasPrefix(value, "<")
	case KindPositiveClass:
		return contains(positiveValues, lower)
	case KindLessThan:
		return r.matchBound("<", value, func(v float64) bool { return v < r.Bound })
	case KindGreaterThan:
		return r.matchBound(">", value, func(v float64) bool { return v > r.Bound })
	case KindRange:
		v, ok := parseNumber(value)
		return ok && v >= r.Min && v <= r.Max
	default:
		return lower == strings.ToLower(r.Raw)
	}
}

func (r Rule) matchBound(op, value string, cmp func(float64) bool) bool {
	if !r.BoundOK {
		return false
	}
	if strings.HasPrefix(value, op) {
		return true
	}
	v, ok := parseNumber(value)
	return ok && cmp(v)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
