// Package rows turns raw CSV bytes into string-keyed records, choosing the
// text decoding that leaves the fewest corruption markers.
package rows

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// Table is a decoded CSV file. Rows can be iterated any number of times.
type Table struct {
	File     string
	Encoding string
	Score    int
	Header   []string

	text      string
	comma     rune
	sentinels map[string]struct{}
}

type options struct {
	decoders  []Decoder
	comma     rune
	sentinels []string
}

// Option configures Parse and Open.
type Option func(*options)

// WithEncoding pins the decoding to a declared label instead of auto-detection.
func WithEncoding(label string) Option {
	return func(o *options) {
		d, err := DecoderFor(label)
		if err != nil {
			o.decoders = []Decoder{{Name: label, Decode: func([]byte) (string, error) { return "", err }}}
			return
		}
		o.decoders = []Decoder{d}
	}
}

// WithDecoders replaces the candidate list.
func WithDecoders(d ...Decoder) Option {
	return func(o *options) { o.decoders = d }
}

// WithComma sets the field delimiter.
func WithComma(r rune) Option {
	return func(o *options) { o.comma = r }
}

// WithNullSentinels replaces the set of literals read as null.
func WithNullSentinels(s ...string) Option {
	return func(o *options) { o.sentinels = s }
}

// DefaultNullSentinels are compared case-insensitively after trimming.
var DefaultNullSentinels = []string{"", "na", "n/a", "#n/a", "nan", "null", "none", "nil", "-"}

// Open reads and decodes the file at path.
func Open(path string, opts ...Option) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DecodeError{File: filepath.Base(path), Err: err}
	}
	return Parse(filepath.Base(path), data, opts...)
}

// Parse decodes data and reads its header. It fails with a *DecodeError when
// no candidate decoding yields a readable header.
func Parse(file string, data []byte, opts ...Option) (*Table, error) {
	o := options{decoders: DefaultDecoders(), comma: ',', sentinels: DefaultNullSentinels}
	for _, opt := range opts {
		opt(&o)
	}

	sentinels := make(map[string]struct{}, len(o.sentinels))
	for _, s := range o.sentinels {
		sentinels[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}

	var tried []string
	var lastErr error
	for _, a := range rankDecodings(data, o.decoders) {
		tried = append(tried, a.Decoder)
		if a.Err != nil {
			lastErr = a.Err
			continue
		}
		header, err := readHeader(a.text, o.comma)
		if err != nil {
			lastErr = err
			continue
		}
		return &Table{
			File:      file,
			Encoding:  a.Decoder,
			Score:     a.Score,
			Header:    header,
			text:      a.text,
			comma:     o.comma,
			sentinels: sentinels,
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no decoder configured")
	}
	return nil, &DecodeError{File: file, Attempts: tried, Err: lastErr}
}

func (t *Table) reader() *csv.Reader {
	r := csv.NewReader(strings.NewReader(t.text))
	r.Comma = t.comma
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.ReuseRecord = false
	return r
}

func readHeader(text string, comma rune) ([]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = comma
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, errors.New("empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	out := make([]string, len(header))
	nonEmpty := 0
	for i, h := range header {
		out[i] = strings.TrimSpace(h)
		if out[i] != "" {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return nil, errors.New("header has no named columns")
	}
	return out, nil
}

// Rows returns a fresh pass over the data rows. Malformed CSV records are
// yielded as errors; iteration continues after them.
func (t *Table) Rows() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		r := t.reader()
		if _, err := r.Read(); err != nil {
			return
		}
		keys := make([]string, len(t.Header))
		for i, h := range t.Header {
			keys[i] = columnKey(h)
		}
		for {
			record, err := r.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				var pe *csv.ParseError
				if !errors.As(err, &pe) {
					yield(Row{}, err)
					return
				}
				if !yield(Row{Line: pe.Line}, err) {
					return
				}
				continue
			}
			if blank(record) {
				continue
			}
			line, _ := r.FieldPos(0)
			values := make(map[string]string, len(keys))
			for i, k := range keys {
				if k == "" || i >= len(record) {
					continue
				}
				values[k] = record[i]
			}
			if !yield(Row{Line: line, values: values, sentinels: t.sentinels}, nil) {
				return
			}
		}
	}
}

// Count returns the number of non-blank data rows.
func (t *Table) Count() int {
	n := 0
	for _, err := range t.Rows() {
		if err == nil {
			n++
		}
	}
	return n
}

// HasColumn reports whether the header names col (case-insensitive).
func (t *Table) HasColumn(col string) bool {
	k := columnKey(col)
	for _, h := range t.Header {
		if columnKey(h) == k {
			return true
		}
	}
	return false
}

func columnKey(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
