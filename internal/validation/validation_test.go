package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func csvWithRows(n int) string {
	var sb strings.Builder
	sb.WriteString("Country,Year,Population\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "C%d,%d,%d\n", i, 2000+i, 1000*(i+1))
	}
	return sb.String()
}

func hasDiagnostic(r Result, substr string) bool {
	for _, d := range r.Diagnostics {
		if strings.Contains(d, substr) {
			return true
		}
	}
	return false
}

func TestTableValidator_RowThreshold(t *testing.T) {
	v := NewTableValidator(5, 1800, 2100)

	four := v.Validate(writeFile(t, "scraped_data.csv", csvWithRows(4)))
	assert.False(t, four.Passed)
	assert.True(t, hasDiagnostic(four, "too few rows"), "diagnostics: %v", four.Diagnostics)

	five := v.Validate(writeFile(t, "scraped_data.csv", csvWithRows(5)))
	assert.True(t, five.Passed, "diagnostics: %v", five.Diagnostics)
	assert.Empty(t, five.Diagnostics)
}

func TestTableValidator_MissingFile(t *testing.T) {
	r := NewTableValidator(5, 1800, 2100).Validate(filepath.Join(t.TempDir(), "scraped_data.csv"))
	assert.False(t, r.Passed)
	assert.True(t, hasDiagnostic(r, "was not created"))
}

func TestTableValidator_Unparseable(t *testing.T) {
	r := NewTableValidator(5, 1800, 2100).Validate(writeFile(t, "x.csv", ""))
	assert.False(t, r.Passed)
	assert.True(t, hasDiagnostic(r, "could not parse CSV"))
}

func TestTableValidator_Plausibility(t *testing.T) {
	tests := []struct {
		name string
		csv  string
		want string
	}{
		{
			name: "no numeric column",
			csv:  "Name,City\na,x\nb,y\nc,z\nd,w\ne,v\n",
			want: "no numeric column",
		},
		{
			name: "no text column",
			csv:  "A,B\n1,2\n3,4\n5,6\n7,8\n9,10\n",
			want: "no text column",
		},
		{
			name: "empty column name",
			csv:  "Name,,Value\na,1,2\nb,1,2\nc,1,2\nd,1,2\ne,1,2\n",
			want: "empty name",
		},
		{
			name: "implausible header",
			csv:  "Name," + strings.Repeat("very long heading ", 6) + "\na,1\nb,2\nc,3\nd,4\ne,5\n",
			want: "implausibly long",
		},
		{
			name: "year out of range",
			csv:  "Name,Year\na,2001\nb,2002\nc,20003\nd,2004\ne,2005\n",
			want: "implausible Year",
		},
		{
			name: "year before range",
			csv:  "Name,year\na,2001\nb,2002\nc,203\nd,2004\ne,2005\n",
			want: "expected 1800..2100",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewTableValidator(5, 1800, 2100).Validate(writeFile(t, "scraped_data.csv", tt.csv))
			assert.False(t, r.Passed)
			assert.True(t, hasDiagnostic(r, tt.want), "diagnostics: %v", r.Diagnostics)
		})
	}
}

func TestTableValidator_DefaultsAndNoYearColumn(t *testing.T) {
	v := &TableValidator{}
	r := v.Validate(writeFile(t, "d.csv", "Item,Price\na,$1\nb,$2\nc,$3\nd,$4\ne,$5\n"))
	assert.True(t, r.Passed, "diagnostics: %v", r.Diagnostics)
}

func TestYearRange_CapsDiagnostics(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Name,Year\n")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&sb, "n%d,%d\n", i, 3000+i)
	}
	r := NewTableValidator(5, 1800, 2100).Validate(writeFile(t, "d.csv", sb.String()))
	assert.False(t, r.Passed)
	assert.Len(t, r.Diagnostics, 4)
	assert.True(t, hasDiagnostic(r, "omitted"))
}

func TestJSONValidator(t *testing.T) {
	v := &JSONValidator{}

	tests := []struct {
		name    string
		content string
		passed  bool
		want    string
	}{
		{"answer object", `{"answer": 42, "explanation": "sum"}`, true, ""},
		{"answer array", `[1, "two", 3]`, true, ""},
		{"scalar", `"just a string"`, true, ""},
		{"error key", `{"error": "All attempts failed"}`, false, "reports an error"},
		{"empty object", `{}`, false, "empty JSON object"},
		{"empty array", `[]`, false, "empty JSON array"},
		{"null", `null`, false, "null"},
		{"blank", "  \n", false, "empty"},
		{"malformed", `{"answer": `, false, "not valid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := v.Validate(writeFile(t, "answer.json", tt.content))
			assert.Equal(t, tt.passed, r.Passed, "diagnostics: %v", r.Diagnostics)
			if tt.want != "" {
				assert.True(t, hasDiagnostic(r, tt.want), "diagnostics: %v", r.Diagnostics)
			}
		})
	}

	missing := v.Validate(filepath.Join(t.TempDir(), "answer.json"))
	assert.False(t, missing.Passed)
	assert.True(t, hasDiagnostic(missing, "was not created"))
}

func TestJSONValidator_CustomErrorKeys(t *testing.T) {
	v := &JSONValidator{ErrorKeys: []string{"failure"}}
	assert.True(t, v.Check([]byte(`{"error": "is a data field here"}`)).Passed)
	assert.False(t, v.Check([]byte(`{"failure": true}`)).Passed)
}

type panicky struct{}

func (panicky) Validate(string) Result { panic("boom") }

func TestChain(t *testing.T) {
	pass := ValidatorFunc(func(string) Result { return Pass() })
	fail := ValidatorFunc(func(string) Result { return Fail("first") })
	fail2 := ValidatorFunc(func(string) Result { return Failf("second %d", 2) })

	assert.True(t, Chain().Validate("x").Passed)
	assert.True(t, Chain(pass, nil, pass).Validate("x").Passed)

	r := Chain(pass, fail, fail2).Validate("x")
	assert.False(t, r.Passed)
	assert.Equal(t, []string{"first", "second 2"}, r.Diagnostics)
	assert.Equal(t, "failed: first; second 2", r.String())

	r = Chain(panicky{}).Validate("x")
	assert.False(t, r.Passed)
	assert.True(t, hasDiagnostic(r, "panicked"))
}
