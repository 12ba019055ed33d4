package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultErrorKeys are top-level keys that mark an answer as a failure report.
var DefaultErrorKeys = []string{"error"}

// JSONValidator checks a JSON answer artifact.
type JSONValidator struct {
	ErrorKeys []string // nil = DefaultErrorKeys
}

// Validate implements Validator.
func (v *JSONValidator) Validate(path string) Result {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Failf("output file %s was not created", baseName(path))
		}
		return Failf("cannot read output file: %v", err)
	}
	return v.Check(data)
}

// Check validates raw JSON bytes.
func (v *JSONValidator) Check(data []byte) Result {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Fail("output file is empty")
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Failf("output is not valid JSON: %v", err)
	}

	switch d := doc.(type) {
	case nil:
		return Fail("output is JSON null")
	case map[string]interface{}:
		if len(d) == 0 {
			return Fail("output is an empty JSON object")
		}
		keys := v.ErrorKeys
		if keys == nil {
			keys = DefaultErrorKeys
		}
		for _, k := range keys {
			if msg, ok := d[k]; ok {
				return Failf("output reports an error under %q: %v", k, msg)
			}
		}
	case []interface{}:
		if len(d) == 0 {
			return Fail("output is an empty JSON array")
		}
	}
	return Pass()
}

func baseName(path string) string {
	return filepath.Base(path)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
