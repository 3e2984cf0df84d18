package rows

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Row is one data record keyed by lower-cased header name.
type Row struct {
	Line      int
	values    map[string]string
	sentinels map[string]struct{}
}

// NewRow builds a Row from literal values, mostly for tests and fixtures.
func NewRow(values map[string]string) Row {
	v := make(map[string]string, len(values))
	for k, val := range values {
		v[columnKey(k)] = val
	}
	s := make(map[string]struct{}, len(DefaultNullSentinels))
	for _, n := range DefaultNullSentinels {
		s[n] = struct{}{}
	}
	return Row{values: v, sentinels: s}
}

// Columns returns the row's column keys in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r.values))
	for k := range r.values {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Raw returns the untouched cell text.
func (r Row) Raw(col string) (string, bool) {
	v, ok := r.values[columnKey(col)]
	return v, ok
}

// IsNull reports whether the cell is absent or holds a null sentinel.
func (r Row) IsNull(col string) bool {
	v, ok := r.Raw(col)
	if !ok {
		return true
	}
	_, null := r.sentinels[strings.ToLower(strings.TrimSpace(v))]
	return null
}

// String returns the trimmed cell text, or nil for null cells.
func (r Row) String(col string) *string {
	if r.IsNull(col) {
		return nil
	}
	v, _ := r.Raw(col)
	v = strings.TrimSpace(v)
	return &v
}

// Text is String with an empty-string default.
func (r Row) Text(col string) string {
	if s := r.String(col); s != nil {
		return *s
	}
	return ""
}

// Float parses a numeric cell. Thousands separators and a trailing percent
// sign are tolerated.
func (r Row) Float(col string) (*float64, error) {
	s := r.String(col)
	if s == nil {
		return nil, nil
	}
	clean := strings.TrimSuffix(strings.ReplaceAll(*s, ",", ""), "%")
	f, err := strconv.ParseFloat(strings.TrimSpace(clean), 64)
	if err != nil {
		return nil, &ParseError{Line: r.Line, Column: col, Value: *s, Kind: "float"}
	}
	return &f, nil
}

// Int parses an integer cell; integral floats such as "12.0" are accepted.
func (r Row) Int(col string) (*int64, error) {
	f, err := r.Float(col)
	if f == nil && err == nil {
		return nil, nil
	}
	if err != nil || *f != float64(int64(*f)) {
		return nil, &ParseError{Line: r.Line, Column: col, Value: r.Text(col), Kind: "int"}
	}
	i := int64(*f)
	return &i, nil
}

// Bool parses a boolean cell using ParseTruth.
func (r Row) Bool(col string) (*bool, error) {
	s := r.String(col)
	if s == nil {
		return nil, nil
	}
	b, ok := ParseTruth(*s)
	if !ok {
		return nil, &ParseError{Line: r.Line, Column: col, Value: *s, Kind: "bool"}
	}
	return &b, nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006/01/02",
	"02.01.2006",
}

// Date parses a date cell against the accepted layouts.
func (r Row) Date(col string) (*time.Time, error) {
	s := r.String(col)
	if s == nil {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, *s); err == nil {
			return &t, nil
		}
	}
	return nil, &ParseError{Line: r.Line, Column: col, Value: *s, Kind: "date"}
}

// ParseTruth reads the literal encodings of a boolean found in the exports:
// true/false, 1/0, 1.0/0.0, yes/no, y/n, t/f, in any case.
func ParseTruth(s string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "1.0", "yes", "y", "t":
		return true, true
	case "false", "0", "0.0", "no", "n", "f":
		return false, true
	}
	return false, false
}

// Truthy reports whether s is a recognised true literal.
func Truthy(s string) bool {
	v, ok := ParseTruth(s)
	return ok && v
}
