// Package table holds the tabular artifact produced by a scrape: CSV in,
// column typing, and an ordered record-oriented JSON projection out.
package table

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Table is a header plus rectangular rows. Every row has len(Header) cells.
type Table struct {
	Header []string
	Rows   [][]string
}

// Kind classifies a column's cells.
type Kind string

const (
	KindEmpty   Kind = "empty"
	KindNumeric Kind = "numeric"
	KindText    Kind = "text"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ReadCSV loads a CSV file.
func ReadCSV(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCSV(bytes.NewReader(b))
}

// ParseCSV reads a CSV stream. The first record is the header; header cells
// are trimmed. Short rows are padded with "" and long rows truncated.
// Blank lines are skipped.
func ParseCSV(r io.Reader) (*Table, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimPrefix(b, utf8BOM)

	cr := csv.NewReader(bytes.NewReader(b))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty CSV: no header row")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	t := &Table{Header: header}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		t.Rows = append(t.Rows, fitRow(rec, len(header)))
	}
	return t, nil
}

func fitRow(rec []string, width int) []string {
	if len(rec) == width {
		return rec
	}
	row := make([]string, width)
	copy(row, rec)
	return row
}

// WriteCSV writes the header and rows.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// NumRows returns the number of data rows.
func (t *Table) NumRows() int { return len(t.Rows) }

// NumCols returns the header width.
func (t *Table) NumCols() int { return len(t.Header) }

// ColumnIndex finds a column by name, ignoring case and surrounding space.
// Returns -1 when absent.
func (t *Table) ColumnIndex(name string) int {
	name = strings.TrimSpace(name)
	for i, h := range t.Header {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

// Column returns the cells of column i.
func (t *Table) Column(i int) []string {
	col := make([]string, len(t.Rows))
	for r, row := range t.Rows {
		col[r] = row[i]
	}
	return col
}

// ColumnKind classifies column i: numeric when every non-empty cell parses
// as a number, text when any non-empty cell does not, empty otherwise.
func (t *Table) ColumnKind(i int) Kind {
	kind := KindEmpty
	for _, row := range t.Rows {
		v := strings.TrimSpace(row[i])
		if v == "" {
			continue
		}
		if _, ok := ParseNumber(v); !ok {
			return KindText
		}
		kind = KindNumeric
	}
	return kind
}

// Kinds returns ColumnKind for every column.
func (t *Table) Kinds() []Kind {
	kinds := make([]Kind, len(t.Header))
	for i := range t.Header {
		kinds[i] = t.ColumnKind(i)
	}
	return kinds
}

// Preview renders the header and the first n rows as CSV text.
func (t *Table) Preview(n int) string {
	rows := t.Rows
	if n >= 0 && len(rows) > n {
		rows = rows[:n]
	}
	var buf bytes.Buffer
	_ = (&Table{Header: t.Header, Rows: rows}).WriteCSV(&buf)
	return buf.String()
}

var (
	footnoteRe = regexp.MustCompile(`\[[^\]]*\]`)
	numberRe   = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
	currencies = strings.NewReplacer("$", "", "€", "", "£", "", "¥", "", "₹", "", ",", "", " ", "", "\u00a0", "", "−", "-")
)

// ParseNumber parses a cell as a number after stripping bracketed footnote
// markers ("[3]"), currency signs, thousands separators, and a trailing %.
func ParseNumber(s string) (float64, bool) {
	s = footnoteRe.ReplaceAllString(s, "")
	s = currencies.Replace(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "%")
	if !numberRe.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
