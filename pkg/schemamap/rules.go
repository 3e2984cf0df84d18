// Package schemamap turns the auxiliary statistics files into
// (dimension, metric, value) tuples using a declarative per-file rule table.
package schemamap

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Mode selects how a file's columns become dimension values.
type Mode string

const (
	// ModeDirect reads the dimension value from one column and every metric
	// column verbatim, one tuple per row and metric.
	ModeDirect Mode = "direct"
	// ModeBooleanCollapse turns N boolean columns into one dimension axis
	// whose values are the names of the columns observed true at least once.
	ModeBooleanCollapse Mode = "boolean_collapse"
	// ModeCompositeKey concatenates several columns into the dimension value.
	ModeCompositeKey Mode = "composite_key"
	// ModeSkip marks a known file that is deliberately not mapped.
	ModeSkip Mode = "skip"
)

// Fact types accepted in rules.
const (
	FactStatistic   = "statistic"
	FactAverage     = "average"
	FactRatio       = "ratio"
	FactProbability = "probability"
	FactCorrelation = "correlation"
	FactCoefficient = "coefficient"
)

var factTypes = map[string]bool{
	FactStatistic: true, FactAverage: true, FactRatio: true,
	FactProbability: true, FactCorrelation: true, FactCoefficient: true,
}

// Metric maps one source column to a named metric.
type Metric struct {
	Column     string `yaml:"column"`
	Name       string `yaml:"name"`
	FactType   string `yaml:"fact_type"`
	Percentage bool   `yaml:"percentage"`
}

// Rule describes how one source file is mapped.
type Rule struct {
	Mode             Mode     `yaml:"mode"`
	DimensionType    string   `yaml:"dimension_type"`
	DimensionColumn  string   `yaml:"dimension_column"`
	KeyColumns       []string `yaml:"key_columns"`
	Separator        string   `yaml:"separator"`
	Columns          []string `yaml:"columns"`
	MetricName       string   `yaml:"metric_name"`
	Metrics          []Metric `yaml:"metrics"`
	SampleSizeColumn string   `yaml:"sample_size_column"`
	Reason           string   `yaml:"reason"`
}

// RuleSet is the whole rule table keyed by source file name.
type RuleSet struct {
	Files map[string]Rule `yaml:"files"`
}

//go:embed rules.yaml
var defaultRules []byte

// DefaultRules returns the rule table shipped with the binary.
func DefaultRules() (*RuleSet, error) {
	return ParseRules(defaultRules)
}

// LoadRules reads a rule table from a YAML file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	rs, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}
	return rs, nil
}

// ParseRules decodes and validates a YAML rule table.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if len(rs.Files) == 0 {
		return nil, fmt.Errorf("rules: no files defined")
	}
	for _, name := range rs.Names() {
		r := rs.Files[name]
		if err := r.normalize(); err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		rs.Files[name] = r
	}
	return &rs, nil
}

// Names returns the configured file names in sorted order.
func (rs *RuleSet) Names() []string {
	names := make([]string, 0, len(rs.Files))
	for n := range rs.Files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Rule) normalize() error {
	if r.Mode == ModeSkip {
		if r.Reason == "" {
			return fmt.Errorf("skip rule needs a reason")
		}
		return nil
	}
	if r.DimensionType == "" {
		return fmt.Errorf("missing dimension_type")
	}
	switch r.Mode {
	case ModeDirect:
		if r.DimensionColumn == "" {
			return fmt.Errorf("direct mode needs dimension_column")
		}
	case ModeCompositeKey:
		if len(r.KeyColumns) < 2 {
			return fmt.Errorf("composite_key mode needs at least two key_columns")
		}
		if r.Separator == "" {
			r.Separator = "_"
		}
	case ModeBooleanCollapse:
		if len(r.Columns) == 0 {
			return fmt.Errorf("boolean_collapse mode needs columns")
		}
		if r.MetricName == "" {
			r.MetricName = "observed_count"
		}
		return nil
	default:
		return fmt.Errorf("unknown mode %q", r.Mode)
	}

	if len(r.Metrics) == 0 {
		return fmt.Errorf("mode %s needs at least one metric", r.Mode)
	}
	for i := range r.Metrics {
		m := &r.Metrics[i]
		if m.Column == "" {
			return fmt.Errorf("metric %d: missing column", i)
		}
		if m.Name == "" {
			m.Name = m.Column
		}
		if m.FactType == "" {
			m.FactType = FactStatistic
		}
		if !factTypes[m.FactType] {
			return fmt.Errorf("metric %s: unknown fact_type %q", m.Name, m.FactType)
		}
	}
	return nil
}
