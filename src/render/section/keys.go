package section

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"viewport-engine/src/render/types"
)

// DigitsKey groups labels starting with a digit
const DigitsKey = "0-9"

// FirstLetterKey groups items by the upper-cased, accent-folded first letter of label.
// Labels starting with a digit go to DigitsKey; anything else is ungrouped.
func FirstLetterKey(label func(types.Item) string) GroupKeyFunc {
	return func(item types.Item) (string, error) {
		s := strings.TrimSpace(label(item))
		if s == "" {
			return "", nil
		}

		// casers and transformers keep state, build per call
		folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
		folded, _, err := transform.String(folder, s)
		if err != nil {
			return "", err
		}

		r, _ := utf8.DecodeRuneInString(folded)
		switch {
		case unicode.IsLetter(r):
			return cases.Upper(language.Und).String(string(r)), nil
		case unicode.IsDigit(r):
			return DigitsKey, nil
		default:
			return "", nil
		}
	}
}

// CollatedSort orders items by label using locale-aware collation.
// The returned function is not safe for concurrent use.
func CollatedSort(label func(types.Item) string, tag language.Tag) SortFunc {
	c := collate.New(tag, collate.IgnoreCase, collate.Loose)
	return func(a, b types.Item) int {
		return c.CompareString(label(a), label(b))
	}
}
