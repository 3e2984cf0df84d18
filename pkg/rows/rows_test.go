package rows

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/text/encoding/charmap"
)

func TestCorruptionScore(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"Asunción", 0},
		{"Łódź", 0},
		{"São Paulo", 0},
		{"Asunci¨®n", 1},
		{"AsunciÃ³n", 1},
		{"Bogot�", 1},
		{"SÃ£o PaulÃ³", 2},
		{"plain ascii", 0},
	}
	for _, tt := range tests {
		got := CorruptionScore(tt.input)
		if got != tt.want {
			t.Errorf("CorruptionScore(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParse_UTF8(t *testing.T) {
	data := []byte("\xEF\xBB\xBFcity,country\nAsunción,Paraguay\n")
	tbl, err := Parse("utf8.csv", data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tbl.Encoding != "utf-8" {
		t.Errorf("Encoding = %q, want utf-8", tbl.Encoding)
	}
	if tbl.Header[0] != "city" {
		t.Errorf("Header[0] = %q, want city (BOM stripped)", tbl.Header[0])
	}
	var got []string
	for row, err := range tbl.Rows() {
		if err != nil {
			t.Fatalf("row error: %v", err)
		}
		got = append(got, row.Text("city"))
	}
	if len(got) != 1 || got[0] != "Asunción" {
		t.Errorf("cities = %v, want [Asunción]", got)
	}
}

func TestParse_Latin1Fallback(t *testing.T) {
	latin, err := charmap.Windows1252.NewEncoder().String("city,country\nBogotá,Colombia\nZürich,Switzerland\n")
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	tbl, err := Parse("latin.csv", []byte(latin))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tbl.Encoding != "windows-1252" {
		t.Errorf("Encoding = %q, want windows-1252", tbl.Encoding)
	}
	if tbl.Score != 0 {
		t.Errorf("Score = %d, want 0", tbl.Score)
	}
	var got []string
	for row, err := range tbl.Rows() {
		if err != nil {
			t.Fatalf("row error: %v", err)
		}
		got = append(got, row.Text("city"))
	}
	if len(got) != 2 || got[0] != "Bogotá" || got[1] != "Zürich" {
		t.Errorf("cities = %v", got)
	}
}

func TestParse_DoubleEncodedRepair(t *testing.T) {
	data := []byte("city,country\nAsunciÃ³n,Paraguay\n")
	tbl, err := Parse("double.csv", data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tbl.Encoding != "utf-8+cp1252-repair" {
		t.Errorf("Encoding = %q, want utf-8+cp1252-repair", tbl.Encoding)
	}
	for row := range tbl.Rows() {
		if got := row.Text("city"); got != "Asunción" {
			t.Errorf("city = %q, want Asunción", got)
		}
	}
}

func TestParse_DecodeError(t *testing.T) {
	_, err := Parse("empty.csv", []byte(""))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if de.File != "empty.csv" {
		t.Errorf("File = %q, want empty.csv", de.File)
	}
	if len(de.Attempts) == 0 {
		t.Error("expected attempted decoders to be listed")
	}
}

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.csv"))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected wrapped ErrNotExist, got %v", err)
	}
}

func TestRows_Restartable(t *testing.T) {
	tbl, err := Parse("r.csv", []byte("a,b\n1,2\n\n3,4\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n := tbl.Count(); n != 2 {
		t.Fatalf("first pass = %d rows, want 2", n)
	}
	if n := tbl.Count(); n != 2 {
		t.Fatalf("second pass = %d rows, want 2", n)
	}
}

func TestRows_EarlyBreak(t *testing.T) {
	tbl, err := Parse("r.csv", []byte("a\n1\n2\n3\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	seen := 0
	for range tbl.Rows() {
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Errorf("seen = %d, want 2", seen)
	}
}

func TestRow_TypedAccessors(t *testing.T) {
	row := NewRow(map[string]string{
		"Population": "1,234,567",
		"Rate":       "45.5%",
		"Flag":       "True",
		"Zero":       "0",
		"Missing":    "NA",
		"Bad":        "abc",
		"When":       "2023-04-05",
		"Count":      "12.0",
	})

	pop, err := row.Float("population")
	if err != nil || pop == nil || *pop != 1234567 {
		t.Errorf("Float(population) = %v, %v", pop, err)
	}
	rate, err := row.Float("rate")
	if err != nil || rate == nil || *rate != 45.5 {
		t.Errorf("Float(rate) = %v, %v", rate, err)
	}
	flag, err := row.Bool("flag")
	if err != nil || flag == nil || !*flag {
		t.Errorf("Bool(flag) = %v, %v", flag, err)
	}
	zero, err := row.Bool("zero")
	if err != nil || zero == nil || *zero {
		t.Errorf("Bool(zero) = %v, %v", zero, err)
	}
	if v, err := row.Float("missing"); v != nil || err != nil {
		t.Errorf("Float(missing) = %v, %v; want nil, nil", v, err)
	}
	if row.String("missing") != nil {
		t.Error("String(missing) should be nil for NA sentinel")
	}
	if _, err := row.Float("bad"); err == nil {
		t.Error("Float(bad) should fail")
	} else {
		var pe *ParseError
		if !errors.As(err, &pe) || pe.Kind != "float" {
			t.Errorf("err = %v, want float ParseError", err)
		}
	}
	when, err := row.Date("when")
	if err != nil || when == nil || when.Year() != 2023 {
		t.Errorf("Date(when) = %v, %v", when, err)
	}
	count, err := row.Int("count")
	if err != nil || count == nil || *count != 12 {
		t.Errorf("Int(count) = %v, %v", count, err)
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"true", true},
		{"True", true},
		{"1", true},
		{"1.0", true},
		{"yes", true},
		{"false", false},
		{"0", false},
		{"", false},
		{"maybe", false},
	}
	for _, tt := range tests {
		if got := Truthy(tt.input); got != tt.want {
			t.Errorf("Truthy(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestWithEncoding(t *testing.T) {
	latin, _ := charmap.ISO8859_1.NewEncoder().String("name\nMünchen\n")
	tbl, err := Parse("declared.csv", []byte(latin), WithEncoding("latin1"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for row := range tbl.Rows() {
		if got := row.Text("name"); got != "München" {
			t.Errorf("name = %q, want München", got)
		}
	}
}
