package rows

import (
	"fmt"
	"strings"
)

// DecodeError means no attempted encoding made the file readable.
type DecodeError struct {
	File     string
	Attempts []string
	Err      error
}

func (e *DecodeError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("decode %s: %v", e.File, e.Err)
	}
	return fmt.Sprintf("decode %s (tried %s): %v", e.File, strings.Join(e.Attempts, ", "), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ParseError is a single cell that could not be read as its declared type.
type ParseError struct {
	Line   int
	Column string
	Value  string
	Kind   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: column %s: cannot parse %q as %s", e.Line, e.Column, e.Value, e.Kind)
}
