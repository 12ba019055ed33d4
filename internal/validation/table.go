package validation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"scrapeqa/internal/logging"
	"scrapeqa/internal/table"
)

// DefaultMinRows is the smallest table a scrape may produce.
const DefaultMinRows = 5

// DefaultMaxColumnNameLen flags headers that are really scraped prose.
const DefaultMaxColumnNameLen = 80

// Rule is an extra plausibility check on a parsed table.
type Rule interface {
	Check(t *table.Table) []string
}

// TableValidator checks a CSV artifact for shape and plausibility.
type TableValidator struct {
	MinRows          int // 0 = DefaultMinRows
	MaxColumnNameLen int // 0 = DefaultMaxColumnNameLen
	RequireText      bool
	Rules            []Rule
}

// NewTableValidator returns a validator with default bounds, the text-column
// requirement, and a YearRange rule.
func NewTableValidator(minRows, yearMin, yearMax int) *TableValidator {
	return &TableValidator{
		MinRows:     minRows,
		RequireText: true,
		Rules:       []Rule{YearRange{Min: yearMin, Max: yearMax}},
	}
}

// Validate implements Validator.
func (v *TableValidator) Validate(path string) Result {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Failf("output file %s was not created", baseName(path))
		}
		return Failf("cannot access output file: %v", err)
	}

	t, err := table.ReadCSV(path)
	if err != nil {
		return Failf("could not parse CSV: %v", err)
	}

	r := v.Check(t)
	logging.ValidateDebug("Table %s: rows=%d cols=%d -> %s", baseName(path), t.NumRows(), t.NumCols(), r)
	return r
}

// Check validates an already parsed table.
func (v *TableValidator) Check(t *table.Table) Result {
	minRows := v.MinRows
	if minRows <= 0 {
		minRows = DefaultMinRows
	}
	maxName := v.MaxColumnNameLen
	if maxName <= 0 {
		maxName = DefaultMaxColumnNameLen
	}

	var diags []string

	if t.NumRows() < minRows {
		diags = append(diags, fmt.Sprintf("too few rows: got %d, need at least %d", t.NumRows(), minRows))
	}

	kinds := t.Kinds()
	if !containsKind(kinds, table.KindNumeric) {
		diags = append(diags, "no numeric column: at least one column must contain only numbers")
	}
	if v.RequireText && !containsKind(kinds, table.KindText) {
		diags = append(diags, "no text column: expected at least one label column")
	}

	for i, h := range t.Header {
		switch {
		case h == "":
			diags = append(diags, fmt.Sprintf("column %d has an empty name", i+1))
		case len(h) > maxName:
			diags = append(diags, fmt.Sprintf("column %d name is implausibly long (%d chars): %q", i+1, len(h), truncate(h, 40)))
		}
	}

	for _, rule := range v.Rules {
		diags = append(diags, rule.Check(t)...)
	}

	if len(diags) > 0 {
		return Fail(diags...)
	}
	return Pass()
}

// YearRange requires every numeric value in a year column to fall within
// [Min, Max]. Applied only when the column is present.
type YearRange struct {
	Column string // "" = "year"
	Min    int
	Max    int
}

// Check implements Rule.
func (y YearRange) Check(t *table.Table) []string {
	name := y.Column
	if name == "" {
		name = "year"
	}
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil
	}

	var diags []string
	for r, cell := range t.Column(idx) {
		if strings.TrimSpace(cell) == "" {
			continue
		}
		f, ok := table.ParseNumber(cell)
		if !ok {
			continue
		}
		if (y.Min != 0 && f < float64(y.Min)) || (y.Max != 0 && f > float64(y.Max)) {
			diags = append(diags, fmt.Sprintf("implausible %s %q in row %d: expected %d..%d", t.Header[idx], cell, r+1, y.Min, y.Max))
			if len(diags) == 3 {
				diags = append(diags, "further implausible years omitted")
				break
			}
		}
	}
	return diags
}

func containsKind(kinds []table.Kind, k table.Kind) bool {
	for _, got := range kinds {
		if got == k {
			return true
		}
	}
	return false
}
