package objstore

import (
	"strings"
	"unicode"
)

// SanitizeHeaderValue rewrites a metadata value so it survives as an HTTP
// header on the S3 wire. Header values must be printable ASCII, anything
// else is rejected by the server or mangled by proxies, so:
//
//   - CR, LF and TAB become a single space
//   - remaining control characters are dropped
//   - common typographic characters map to ASCII lookalikes (dashes,
//     ellipsis, curly quotes)
//   - any other non-ASCII rune becomes "-"
//   - whitespace runs collapse to one space and the result is trimmed
//
// The mapping is lossy but stable: sanitizing twice yields the same value.
func SanitizeHeaderValue(value string) string {
	var b strings.Builder
	b.Grow(len(value))

	for _, r := range value {
		switch {
		case r == '\r' || r == '\n' || r == '\t':
			b.WriteByte(' ')
		case r < 0x20 || r == 0x7f:
			// drop
		case r == '–' || r == '—':
			b.WriteByte('-')
		case r == '…':
			b.WriteString("...")
		case r == '‘' || r == '’':
			b.WriteByte('\'')
		case r == '“' || r == '”':
			b.WriteByte('"')
		case r > unicode.MaxASCII:
			b.WriteByte('-')
		default:
			b.WriteRune(r)
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// sanitizeMetadata applies SanitizeHeaderValue to every value of the user
// metadata map. Keys are fixed ASCII names chosen by the caller and pass
// through untouched.
func sanitizeMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}

	clean := make(map[string]string, len(meta))
	for key, value := range meta {
		clean[key] = SanitizeHeaderValue(value)
	}
	return clean
}
