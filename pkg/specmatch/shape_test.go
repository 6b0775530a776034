package specmatch

import "testing"

func TestClassifyInputShape(t *testing.T) {
	legacy := strPtr(LegacyUnitPositiveNegative)
	cases := []struct {
		spec string
		unit *string
		want InputShape
	}{
		{"Negative", legacy, ShapeDropdown},
		{"anything", legacy, ShapeDropdown},
		{"Negative in 10g", nil, ShapeAutocomplete},
		{"Positive", nil, ShapeAutocomplete},
		{"< 10", nil, ShapeNumber},
		{"> 2", nil, ShapeNumber},
		{"5-10", nil, ShapeNumber},
		{"Conforms", nil, ShapeText},
		{"", nil, ShapeText},
	}
	for _, tc := range cases {
		if got := ClassifyInputShape(tc.spec, tc.unit); got != tc.want {
			t.Fatalf("ClassifyInputShape(%q) = %s, want %s", tc.spec, got, tc.want)
		}
	}
}

func TestSuggestionsCarryVerdictHints(t *testing.T) {
	suggestions := Suggestions(Parse("Negative in 10g", nil))
	if len(suggestions) != 8 {
		t.Fatalf("expected 8 suggestions, got %d", len(suggestions))
	}
	hints := map[string]bool{}
	for _, s := range suggestions {
		hints[s.Value] = s.Passes
	}
	if !hints["Negative"] || !hints["ND"] || !hints["Not Detected"] || !hints["BDL"] {
		t.Fatalf("negative values should pass: %+v", suggestions)
	}
	if hints["Positive"] || hints["+"] || hints["Detected"] {
		t.Fatalf("positive values should fail: %+v", suggestions)
	}
	if Suggestions(Parse("< 10", nil)) != nil {
		t.Fatalf("numeric specs have no suggestions")
	}
}

func TestEvaluateVerdict(t *testing.T) {
	value := "7"
	if got := Evaluate(&value, nil, nil); got != VerdictNotApplicable {
		t.Fatalf("nil spec: got %s", got)
	}
	blank := "  "
	if got := Evaluate(&value, &blank, nil); got != VerdictNotApplicable {
		t.Fatalf("blank spec: got %s", got)
	}
	spec := "5-10"
	if got := Evaluate(&value, &spec, nil); got != VerdictPass {
		t.Fatalf("in range: got %s", got)
	}
	if got := Evaluate(nil, &spec, nil); got != VerdictFail {
		t.Fatalf("missing result: got %s", got)
	}
}
