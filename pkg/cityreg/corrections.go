package cityreg

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed corrections.yaml
var defaultCorrections []byte

// Replacement is one corrupted-substring fix.
type Replacement struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Corrections is the correction dictionary applied before key computation.
type Corrections struct {
	pairs    []Replacement
	replacer *strings.Replacer
}

type correctionsFile struct {
	Replacements []Replacement `yaml:"replacements"`
}

// DefaultCorrections returns the built-in dictionary.
func DefaultCorrections() (*Corrections, error) {
	return ParseCorrections(defaultCorrections)
}

// LoadCorrections reads a dictionary file.
func LoadCorrections(path string) (*Corrections, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corrections: %w", err)
	}
	return ParseCorrections(data)
}

// ParseCorrections decodes and validates a dictionary.
func ParseCorrections(data []byte) (*Corrections, error) {
	var f correctionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse corrections: %w", err)
	}

	seen := make(map[string]bool, len(f.Replacements))
	for i, r := range f.Replacements {
		if r.From == "" {
			return nil, fmt.Errorf("corrections entry %d: empty from", i)
		}
		if seen[r.From] {
			return nil, fmt.Errorf("corrections entry %d: duplicate from %q", i, r.From)
		}
		seen[r.From] = true
	}

	pairs := append([]Replacement(nil), f.Replacements...)
	// strings.Replacer tries olds in argument order at each position.
	sort.SliceStable(pairs, func(i, j int) bool {
		if len(pairs[i].From) != len(pairs[j].From) {
			return len(pairs[i].From) > len(pairs[j].From)
		}
		return pairs[i].From < pairs[j].From
	})
	args := make([]string, 0, 2*len(pairs))
	for _, p := range pairs {
		args = append(args, p.From, p.To)
	}
	return &Corrections{pairs: pairs, replacer: strings.NewReplacer(args...)}, nil
}

// Correct applies every replacement.
func (c *Corrections) Correct(s string) string {
	if c == nil || len(c.pairs) == 0 {
		return s
	}
	return c.replacer.Replace(s)
}

// Matches reports whether s contains any known corrupted substring.
func (c *Corrections) Matches(s string) bool {
	if c == nil {
		return false
	}
	for _, p := range c.pairs {
		if strings.Contains(s, p.From) {
			return true
		}
	}
	return false
}

// Len returns the number of replacements.
func (c *Corrections) Len() int {
	if c == nil {
		return 0
	}
	return len(c.pairs)
}
