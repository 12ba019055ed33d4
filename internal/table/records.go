package table

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
)

// Field is one name/value pair of a record.
type Field struct {
	Name  string
	Value string
}

// Record is one row keyed by column name, in column order.
type Record []Field

// Get returns the value of the named field.
func (r Record) Get(name string) (string, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

var jsonNumberRe = regexp.MustCompile(`^-?(0|[1-9]\d*)(\.\d+)?([eE][+-]?\d+)?$`)

// MarshalJSON writes the record as an object with keys in column order.
// Cells that are already valid JSON numbers are emitted as numbers.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if jsonNumberRe.MatchString(f.Value) {
			buf.WriteString(f.Value)
			continue
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FieldNames returns the header made usable as record keys: empty names
// become "Unnamed: i" and repeats get a ".n" suffix.
func (t *Table) FieldNames() []string {
	names := make([]string, len(t.Header))
	seen := make(map[string]int, len(t.Header))
	for i, h := range t.Header {
		name := h
		if name == "" {
			name = "Unnamed: " + strconv.Itoa(i)
		}
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			name = name + "." + strconv.Itoa(n+1)
		} else {
			seen[name] = 0
		}
		names[i] = name
	}
	return names
}

// Records projects the table into one ordered record per row. Missing
// values are "".
func (t *Table) Records() []Record {
	names := t.FieldNames()
	out := make([]Record, len(t.Rows))
	for r, row := range t.Rows {
		rec := make(Record, len(names))
		for i, name := range names {
			rec[i] = Field{Name: name, Value: row[i]}
		}
		out[r] = rec
	}
	return out
}

// MarshalRecords writes the record projection as an indented JSON array.
// Field names live only in the records, so a table without rows is written
// as [] and its header does not survive a trip through ParseRecords.
func (t *Table) MarshalRecords(w io.Writer) error {
	records := t.Records()
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// ParseRecords reads a JSON array of flat objects back into a table. The
// header is the first record's key order with keys first seen in later
// records appended. Non-string scalars are rendered as text; null is "".
// Reading back MarshalRecords output yields t.FieldNames() as the header,
// not the raw header: empty and repeated names come back renamed.
func ParseRecords(r io.Reader) (*Table, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("records must be a JSON array")
	}

	t := &Table{}
	index := make(map[string]int)
	var rows []map[string]string

	for dec.More() {
		obj, keys, err := decodeObject(dec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(rows), err)
		}
		for _, k := range keys {
			if _, ok := index[k]; !ok {
				index[k] = len(t.Header)
				t.Header = append(t.Header, k)
			}
		}
		rows = append(rows, obj)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	t.Rows = make([][]string, len(rows))
	for i, obj := range rows {
		row := make([]string, len(t.Header))
		for k, v := range obj {
			row[index[k]] = v
		}
		t.Rows[i] = row
	}
	return t, nil
}

// decodeObject reads one JSON object, preserving key order.
func decodeObject(dec *json.Decoder) (map[string]string, []string, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected object, got %v", tok)
	}

	obj := make(map[string]string)
	var keys []string
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, _ := kt.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, err
		}
		if _, dup := obj[key]; !dup {
			keys = append(keys, key)
		}
		obj[key] = scalarText(raw)
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return obj, keys, nil
}

func scalarText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0, bytes.Equal(raw, []byte("null")):
		return ""
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	// Numbers and booleans keep their literal text; nested values stay JSON.
	return string(raw)
}
