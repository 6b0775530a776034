package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"labqc/pkg/specmatch"
)

type specFlags struct {
	spec string
	unit string
}

func (f *specFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.spec, "spec", "", "product specification, e.g. \"< 10\" or \"Negative in 25g\"")
	cmd.Flags().StringVar(&f.unit, "unit", "", "legacy unit of the test (\"Positive/Negative\" selects the fixed classes)")
	_ = cmd.MarkFlagRequired("spec")
}

func (f *specFlags) legacyUnit() *string {
	if f.unit == "" {
		return nil
	}
	return &f.unit
}

func newEvaluateCommand() *cobra.Command {
	var (
		flags specFlags
		empty bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate [value]",
		Short: "Check a result value against a specification",
		Example: `  labqc evaluate "<10" --spec "< 10"
  labqc evaluate "Not Detected" --spec "Negative in 25g"
  labqc evaluate --empty --spec "Negative"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value *string
			switch {
			case len(args) == 1:
				value = &args[0]
			case !empty:
				return fmt.Errorf("a value is required unless --empty is set")
			}
			rule := specmatch.Parse(flags.spec, flags.legacyUnit())
			out := map[string]any{
				"matches": specmatch.Matches(value, flags.spec, flags.legacyUnit()),
				"verdict": specmatch.Evaluate(value, &flags.spec, flags.legacyUnit()),
				"rule":    rule.Kind,
			}
			return writeJSON(cmd, out)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&empty, "empty", false, "evaluate a missing result value")
	return cmd
}

func newClassifyCommand() *cobra.Command {
	var flags specFlags
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Show the input shape a specification expects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			shape := specmatch.ClassifyInputShape(flags.spec, flags.legacyUnit())
			out := map[string]any{"shape": shape}
			if shape == specmatch.ShapeAutocomplete {
				out["suggestions"] = specmatch.Suggestions(specmatch.Parse(flags.spec, nil))
			}
			return writeJSON(cmd, out)
		},
	}
	flags.register(cmd)
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
