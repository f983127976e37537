package pipeline

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"
)

// partialStringField extracts the value of a top-level string field from a
// JSON document that may still be arriving. It returns the decoded text seen
// so far and whether the field has started.
func partialStringField(doc, key string) (string, bool) {
	i := strings.Index(doc, `"`+key+`"`)
	if i < 0 {
		return "", false
	}
	j := skipSpace(doc, i+len(key)+2)
	if j >= len(doc) || doc[j] != ':' {
		return "", false
	}
	j = skipSpace(doc, j+1)
	if j >= len(doc) || doc[j] != '"' {
		return "", false
	}
	j++

	var sb strings.Builder
	for j < len(doc) {
		c := doc[j]
		switch {
		case c == '"':
			return sb.String(), true
		case c != '\\':
			sb.WriteByte(c)
			j++
			continue
		}
		// Escape sequence; stop at an incomplete one.
		if j+1 >= len(doc) {
			break
		}
		switch e := doc[j+1]; e {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case 'b', 'f':
		case 'u':
			r, n, ok := decodeUnicodeEscape(doc[j:])
			if !ok {
				return sb.String(), true
			}
			sb.WriteRune(r)
			j += n
			continue
		default:
			sb.WriteByte(e)
		}
		j += 2
	}
	return sb.String(), true
}

// decodeUnicodeEscape decodes \uXXXX, joining a surrogate pair when both
// halves are present. ok is false when the escape is incomplete.
func decodeUnicodeEscape(s string) (rune, int, bool) {
	if len(s) < 6 {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(s[2:6], 16, 32)
	if err != nil {
		return unicode.ReplacementChar, 6, true
	}
	r := rune(v)
	if !utf16.IsSurrogate(r) {
		return r, 6, true
	}
	if len(s) < 12 {
		return 0, 0, false
	}
	if s[6] != '\\' || s[7] != 'u' {
		return unicode.ReplacementChar, 6, true
	}
	v2, err := strconv.ParseUint(s[8:12], 16, 32)
	if err != nil {
		return unicode.ReplacementChar, 6, true
	}
	return utf16.DecodeRune(r, rune(v2)), 12, true
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}
