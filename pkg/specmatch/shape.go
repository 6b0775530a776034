package specmatch

import "strings"

// InputShape hints how a host form should collect a result for a specification.
// It is advisory and has no effect on matching.
type InputShape string

const (
	ShapeDropdown     InputShape = "dropdown"
	ShapeAutocomplete InputShape = "autocomplete"
	ShapeNumber       InputShape = "number"
	ShapeText         InputShape = "text"
)

// ClassifyInputShape returns the expected input shape for a specification.
func ClassifyInputShape(specification string, legacyUnit *string) InputShape {
	if legacyUnit != nil && *legacyUnit == LegacyUnitPositiveNegative {
		return ShapeDropdown
	}
	switch Parse(specification, nil).Kind {
	case KindNegativeClass, KindPositiveClass:
		return ShapeAutocomplete
	case KindLessThan, KindGreaterThan, KindRange:
		return ShapeNumber
	default:
		return ShapeText
	}
}

// Suggestion is an autocomplete candidate annotated with its verdict.
type Suggestion struct {
	Value  string `json:"value"`
	Passes bool   `json:"passes"`
}

// Suggestions lists the fixed class values for negative/positive rules with a
// pass/fail hint each. Other rule kinds have no suggestions.
func Suggestions(rule Rule) []Suggestion {
	if rule.Kind != KindNegativeClass && rule.Kind != KindPositiveClass {
		return nil
	}
	values := make([]string, 0, len(negativeValues)+len(positiveValues))
	values = append(values, negativeValues...)
	values = append(values, positiveValues...)
	out := make([]Suggestion, 0, len(values))
	for _, v := range values {
		display := v
		if v != "+" {
			display = titleCase(v)
		}
		out = append(out, Suggestion{Value: display, Passes: rule.Matches(&v)})
	}
	return out
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if len(w) <= 3 && i == 0 && w != "not" {
			// ND, BDL read as abbreviations
			words[i] = strings.ToUpper(w)
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
