// Package cityreg maintains the canonical city dimension: one row per
// real-world city, whatever spelling or encoding it arrived in.
package cityreg

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Letters with no NFD decomposition.
var letterFolds = strings.NewReplacer(
	"ł", "l",
	"ø", "o",
	"đ", "d",
	"ð", "d",
	"ß", "ss",
	"æ", "ae",
	"œ", "oe",
	"ı", "i",
	"þ", "th",
)

// Normalize lowercases, strips combining marks, folds a few standalone
// letters and drops everything that is not a letter or a digit
// (e.g. "Łódź" -> "lodz", "Saint-Étienne" -> "saintetienne").
func Normalize(s string) string {
	s, _, _ = transform.String(stripMarks, strings.ToLower(s))
	s = letterFolds.Replace(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// Key joins normalized city and country names.
func Key(city, country string) string {
	return Normalize(city) + "_" + Normalize(country)
}
