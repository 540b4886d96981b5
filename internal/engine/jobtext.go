package engine

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/anatolykoptev/go-kit/strutil"
)

// UserAgentChrome is sent on guest page fetches.
const UserAgentChrome = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

var markupRe = regexp.MustCompile(`<[^>]+>`)

// CleanHTML drops markup from a posting fragment.
func CleanHTML(s string) string {
	return strings.TrimSpace(markupRe.ReplaceAllString(s, ""))
}

// CollapseSpace folds any whitespace run into one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TruncateRunes caps s at limit runes and appends suffix when it cut.
func TruncateRunes(s string, limit int, suffix string) string {
	return strutil.TruncateWith(s, limit, suffix)
}

// CanonicalJobKey is the dedup key for a posting. API results and guest
// cards for the same job collapse onto one key.
func CanonicalJobKey(title, company, location string) string {
	t := keyPart(title)
	// guest cards render "<title> at <company>"
	if i := strings.LastIndex(t, " at "); i > 0 {
		t = t[:i]
	}
	return strings.Join([]string{t, keyPart(company), keyPart(location)}, "|")
}

// keyPart lowercases s and keeps only ASCII letters and digits, with single
// spaces between the surviving words.
func keyPart(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r))
	})
	return strings.Join(words, " ")
}
