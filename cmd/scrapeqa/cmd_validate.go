package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"scrapeqa/internal/validation"
)

var validateKind string

// validateCmd checks an artifact with the same validators the loops use
var validateCmd = &cobra.Command{
	Use:   "validate <artifact>",
	Short: "Validate a scraped CSV or an answer JSON file",
	Long: `Runs the validator the pipeline would apply to the artifact and prints
its diagnostics. The kind is inferred from the extension unless --kind is set.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVarP(&validateKind, "kind", "k", "", "Artifact kind: table or json")
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]
	kind := validateKind
	if kind == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".csv":
			kind = "table"
		case ".json":
			kind = "json"
		default:
			return fmt.Errorf("cannot infer artifact kind of %s, use --kind", path)
		}
	}

	var v validation.Validator
	switch kind {
	case "table", "csv":
		v = validation.NewTableValidator(cfg.Pipeline.MinRows, cfg.Pipeline.YearMin, cfg.Pipeline.YearMax)
	case "json", "answer":
		v = &validation.JSONValidator{}
	default:
		return fmt.Errorf("unknown artifact kind %q (want table or json)", kind)
	}

	res := v.Validate(path)
	out := cmd.OutOrStdout()
	if res.Passed {
		fmt.Fprintf(out, "PASS %s\n", path)
		return nil
	}
	fmt.Fprintf(out, "FAIL %s\n", path)
	for _, d := range res.Diagnostics {
		fmt.Fprintf(out, "  - %s\n", d)
	}
	return fmt.Errorf("%s failed validation", path)
}
