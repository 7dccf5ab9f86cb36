package config

import (
	"strings"
	"unicode"
)

// SplitQuotedFields splits in around runs of white space, like
// strings.Fields, except inside areas delimited by quote. Within a
// quoted area a backslash escapes the next character. Empty quoted
// areas produce empty fields.
func SplitQuotedFields(in string, quote rune) []string {
	var (
		fields  = []string{}
		buf     strings.Builder
		inField bool // buf holds a field, possibly empty
		quoted  bool
		escaped bool
	)
	for _, ch := range in {
		switch {
		case escaped:
			buf.WriteRune(ch)
			escaped = false
		case quoted && ch == '\\':
			escaped = true
		case ch == quote:
			quoted = !quoted
			inField = true
		case quoted || !unicode.IsSpace(ch):
			buf.WriteRune(ch)
			inField = true
		case inField:
			fields = append(fields, buf.String())
			buf.Reset()
			inField = false
		}
	}
	if inField {
		fields = append(fields, buf.String())
	}
	return fields
}
