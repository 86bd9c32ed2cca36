package catalog

import "strings"

// ParseStrings extracts the `"key" = "value";` entries of an embedded
// string table. Keys and values are wrapped in single or double quotes.
// Values may span lines, contain the other quote character as-is, or
// contain their own quote character escaped with a backslash. Text that
// does not form a complete entry is skipped, as are // line comments and
// closed /* */ block comments outside quotes.
//
// Only the delimiting quote of each value is de-escaped; every other
// backslash sequence is kept verbatim.
func ParseStrings(s string) map[string]string {
	table := make(map[string]string)
	i := 0
	for i < len(s) {
		switch c := s[i]; {
		case strings.HasPrefix(s[i:], "//"):
			nl := strings.IndexByte(s[i:], '\n')
			if nl < 0 {
				return table
			}
			i += nl + 1
		case strings.HasPrefix(s[i:], "/*"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				// unterminated: plain text
				i += 2
				continue
			}
			i += end + 4
		case c == '"' || c == '\'':
			key, value, next, ok := matchEntry(s, i)
			if !ok {
				// retry one character further, like a regex scan would
				i++
				continue
			}
			table[key] = value
			i = next
		default:
			i++
		}
	}
	return table
}

// matchEntry tries to read one complete entry starting at the key's
// opening quote. It returns the index just past the terminating ';'.
func matchEntry(s string, start int) (key, value string, next int, ok bool) {
	keyEnd, ok := scanQuoted(s, start, false)
	if !ok {
		return "", "", 0, false
	}
	key = s[start+1 : keyEnd-1]

	p := skipSpace(s, keyEnd)
	if p >= len(s) || s[p] != '=' {
		return "", "", 0, false
	}
	p = skipSpace(s, p+1)
	if p >= len(s) || (s[p] != '"' && s[p] != '\'') {
		return "", "", 0, false
	}
	quote := s[p]
	valueEnd, ok := scanQuoted(s, p, true)
	if !ok {
		return "", "", 0, false
	}
	raw := s[p+1 : valueEnd-1]

	p = skipSpace(s, valueEnd)
	if p >= len(s) || s[p] != ';' {
		return "", "", 0, false
	}
	q := string(quote)
	return key, strings.ReplaceAll(raw, `\`+q, q), p + 1, true
}

// scanQuoted returns the index just past the quote that closes the quoted
// run opened at s[start]. A backslash always consumes the next character.
func scanQuoted(s string, start int, multiline bool) (int, bool) {
	quote := s[start]
	for i := start + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case quote:
			return i + 1, true
		case '\n':
			if !multiline {
				return 0, false
			}
		}
	}
	return 0, false
}

func skipSpace(s string, i int) int {
	for i < len(s) {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			i++
		default:
			return i
		}
	}
	return i
}
