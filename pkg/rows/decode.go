package rows

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decoder is one candidate text decoding for raw file bytes.
type Decoder struct {
	Name   string
	Decode func([]byte) (string, error)
}

// DefaultDecoders returns the candidates in priority order: plain UTF-8,
// UTF-8 with double-encoding repair, then the single-byte fallbacks.
func DefaultDecoders() []Decoder {
	return []Decoder{
		{Name: "utf-8", Decode: decodeUTF8},
		{Name: "utf-8+cp1252-repair", Decode: repairDoubleEncoded},
		{Name: "windows-1252", Decode: charmapDecoder(charmap.Windows1252)},
		{Name: "iso-8859-1", Decode: charmapDecoder(charmap.ISO8859_1)},
	}
}

// DecoderFor resolves a declared encoding label (e.g. "latin1", "cp1252").
func DecoderFor(label string) (Decoder, error) {
	if isUTF8(label) {
		return Decoder{Name: "utf-8", Decode: decodeUTF8}, nil
	}
	e, err := htmlindex.Get(label)
	if err != nil {
		return Decoder{}, fmt.Errorf("unsupported encoding %q: %w", label, err)
	}
	name, _ := htmlindex.Name(e)
	return Decoder{Name: name, Decode: charmapDecoder(e)}, nil
}

func decodeUTF8(b []byte) (string, error) {
	b = bytes.TrimPrefix(b, utf8BOM)
	if utf8.Valid(b) {
		return string(b), nil
	}
	return strings.ToValidUTF8(string(b), "\uFFFD"), nil
}

// repairDoubleEncoded undoes UTF-8 text that was decoded as windows-1252 and
// re-encoded as UTF-8 ("Ã³" -> "ó"). It fails when the text cannot have been
// produced that way.
func repairDoubleEncoded(b []byte) (string, error) {
	b = bytes.TrimPrefix(b, utf8BOM)
	if !utf8.Valid(b) {
		return "", fmt.Errorf("input is not valid utf-8")
	}
	raw, err := charmap.Windows1252.NewEncoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("not representable in windows-1252: %w", err)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("repaired bytes are not valid utf-8")
	}
	return string(raw), nil
}

func charmapDecoder(e encoding.Encoding) func([]byte) (string, error) {
	return func(b []byte) (string, error) {
		s, _, err := transform.Bytes(e.NewDecoder(), b)
		if err != nil {
			return "", err
		}
		return string(s), nil
	}
}

var (
	// A lead glyph of a UTF-8 sequence read as windows-1252, followed by a
	// continuation-byte glyph.
	mojibakePair = regexp.MustCompile(`[ÃÂÅÄÆÐÑÎÏ][\x{0080}-\x{00BF}\x{0152}\x{0153}\x{0160}\x{0161}\x{0178}\x{017D}\x{017E}\x{0192}\x{02C6}\x{02DC}\x{2013}-\x{203A}\x{20AC}\x{2122}]`)
	// GBK-rendered pinyin vowels ("Asunci¨®n").
	gbkPair = regexp.MustCompile(`¨[\x{00A0}-\x{00BF}]`)
)

// CorruptionScore counts corruption markers in decoded text: replacement
// characters, C1 control characters and known mis-decoding byte pairs.
// Lower is better; zero means no known artifact was found.
func CorruptionScore(s string) int {
	score := 0
	for _, r := range s {
		if r == utf8.RuneError || (r >= 0x80 && r <= 0x9F) {
			score++
		}
	}
	score += len(mojibakePair.FindAllStringIndex(s, -1))
	score += len(gbkPair.FindAllStringIndex(s, -1))
	return score
}

// Attempt is the outcome of one decoder on one file.
type Attempt struct {
	Decoder string
	Score   int
	Err     error
	text    string
	order   int
}

// rankDecodings runs every decoder and orders the usable results by
// corruption score, then by decoder priority. A clean first candidate
// short-circuits the remaining decoders.
func rankDecodings(data []byte, decoders []Decoder) []Attempt {
	attempts := make([]Attempt, 0, len(decoders))
	for i, d := range decoders {
		text, err := d.Decode(data)
		a := Attempt{Decoder: d.Name, Err: err, order: i}
		if err == nil {
			a.text = text
			a.Score = CorruptionScore(text)
		}
		attempts = append(attempts, a)
		if i == 0 && err == nil && a.Score == 0 {
			break
		}
	}
	sort.SliceStable(attempts, func(i, j int) bool {
		ai, aj := attempts[i], attempts[j]
		if (ai.Err == nil) != (aj.Err == nil) {
			return ai.Err == nil
		}
		if ai.Score != aj.Score {
			return ai.Score < aj.Score
		}
		return ai.order < aj.order
	})
	return attempts
}

func isUTF8(enc string) bool {
	e := strings.ToLower(strings.ReplaceAll(enc, "-", ""))
	return e == "utf8" || e == ""
}
