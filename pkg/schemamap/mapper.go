package schemamap

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/crosswalk/pkg/rows"
)

// Tuple is one mapped statistic.
type Tuple struct {
	DimensionType  string
	DimensionValue string
	MetricName     string
	FactType       string
	Value          float64
	Percentage     bool
	SampleSize     *int64
	Source         string
}

// Result is the output of mapping one file. Issues are row-level problems
// that dropped a single tuple or row without failing the file.
type Result struct {
	File   string
	Mode   Mode
	Rows   int
	Tuples []Tuple
	Issues []error
}

// SkippedError reports a file the mapper refuses to map. It is informational.
type SkippedError struct {
	File   string
	Reason string
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("mapping skipped for %s: %s", e.File, e.Reason)
}

// Mapper applies a RuleSet to parsed tables.
type Mapper struct {
	rules *RuleSet
}

// New creates a Mapper over a validated rule table.
func New(rs *RuleSet) *Mapper {
	return &Mapper{rules: rs}
}

// Files returns every file name the mapper has a rule for, skip rules included.
func (m *Mapper) Files() []string {
	return m.rules.Names()
}

// Rule returns the rule for file.
func (m *Mapper) Rule(file string) (Rule, bool) {
	r, ok := m.rules.Files[file]
	return r, ok
}

// Map converts a parsed table into tuples. Files without a rule, or with a
// skip rule, return a *SkippedError.
func (m *Mapper) Map(t *rows.Table) (*Result, error) {
	rule, ok := m.rules.Files[t.File]
	if !ok {
		return nil, &SkippedError{File: t.File, Reason: "no mapping rule for this file"}
	}
	if rule.Mode == ModeSkip {
		return nil, &SkippedError{File: t.File, Reason: rule.Reason}
	}

	res := &Result{File: t.File, Mode: rule.Mode}
	switch rule.Mode {
	case ModeBooleanCollapse:
		collapseBooleans(t, rule, res)
	case ModeDirect, ModeCompositeKey:
		mapPerRow(t, rule, res)
	}
	return res, nil
}

func mapPerRow(t *rows.Table, rule Rule, res *Result) {
	for row, err := range t.Rows() {
		if err != nil {
			res.Issues = append(res.Issues, err)
			continue
		}
		res.Rows++

		dim, err := dimensionValue(row, rule)
		if err != nil {
			res.Issues = append(res.Issues, err)
			continue
		}

		var sample *int64
		if rule.SampleSizeColumn != "" {
			n, err := row.Int(rule.SampleSizeColumn)
			if err != nil {
				res.Issues = append(res.Issues, err)
			}
			sample = n
		}

		for _, metric := range rule.Metrics {
			v, err := row.Float(metric.Column)
			if err != nil {
				res.Issues = append(res.Issues, err)
				continue
			}
			if v == nil {
				continue
			}
			res.Tuples = append(res.Tuples, Tuple{
				DimensionType:  rule.DimensionType,
				DimensionValue: dim,
				MetricName:     metric.Name,
				FactType:       metric.FactType,
				Value:          *v,
				Percentage:     metric.Percentage,
				SampleSize:     sample,
				Source:         t.File,
			})
		}
	}
}

func dimensionValue(row rows.Row, rule Rule) (string, error) {
	if rule.Mode == ModeDirect {
		v := row.String(rule.DimensionColumn)
		if v == nil || *v == "" {
			return "", fmt.Errorf("line %d: empty dimension column %s", row.Line, rule.DimensionColumn)
		}
		return *v, nil
	}
	parts := make([]string, 0, len(rule.KeyColumns))
	for _, col := range rule.KeyColumns {
		v := row.String(col)
		if v == nil || *v == "" {
			return "", fmt.Errorf("line %d: empty key column %s", row.Line, col)
		}
		parts = append(parts, *v)
	}
	return strings.Join(parts, rule.Separator), nil
}

// collapseBooleans emits one tuple per configured column that was truthy in
// at least one row; the value is the number of rows where it was truthy.
func collapseBooleans(t *rows.Table, rule Rule, res *Result) {
	counts := make([]int64, len(rule.Columns))
	present := 0
	for _, col := range rule.Columns {
		if t.HasColumn(col) {
			present++
		}
	}
	if present == 0 {
		res.Issues = append(res.Issues, fmt.Errorf("%s: none of the configured columns %v are present", t.File, rule.Columns))
		return
	}

	for row, err := range t.Rows() {
		if err != nil {
			res.Issues = append(res.Issues, err)
			continue
		}
		res.Rows++
		for i, col := range rule.Columns {
			if row.IsNull(col) {
				continue
			}
			raw, _ := row.Raw(col)
			v, ok := rows.ParseTruth(raw)
			if !ok {
				res.Issues = append(res.Issues, &rows.ParseError{Line: row.Line, Column: col, Value: raw, Kind: "bool"})
				continue
			}
			if v {
				counts[i]++
			}
		}
	}

	total := int64(res.Rows)
	for i, col := range rule.Columns {
		if counts[i] == 0 {
			continue
		}
		res.Tuples = append(res.Tuples, Tuple{
			DimensionType:  rule.DimensionType,
			DimensionValue: col,
			MetricName:     rule.MetricName,
			FactType:       FactStatistic,
			Value:          float64(counts[i]),
			SampleSize:     &total,
			Source:         t.File,
		})
	}
}
