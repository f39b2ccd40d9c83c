// Package phonetics implements phonetic codes used by the similarity
// kernel's phonetic comparator and by phonetic blocking. Soundex is
// ported directly from original_source/services/similarity_service.py's
// _soundex (the teacher's own internal/phonetics/metaphone.go implements
// a different, simplified scheme tailored to UK street-name
// abbreviations — kept alongside as DoubleMetaphoneLite for callers that
// want that behavior instead).
package phonetics

import "strings"

var soundexMap = map[byte]byte{
	'B': '1', 'F': '1', 'P': '1', 'V': '1',
	'C': '2', 'G': '2', 'J': '2', 'K': '2', 'Q': '2', 'S': '2', 'X': '2', 'Z': '2',
	'D': '3', 'T': '3',
	'L': '4',
	'M': '5', 'N': '5',
	'R': '6',
}

// Soundex returns the 4-character Soundex code for name, upper-cased.
// Empty input returns "0000".
func Soundex(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return "0000"
	}

	var result strings.Builder
	result.WriteByte(name[0])
	lastCode := byte(0)
	if code, ok := soundexMap[name[0]]; ok {
		lastCode = code
	}

	for i := 1; i < len(name); i++ {
		c := name[i]
		code, ok := soundexMap[c]
		if !ok {
			continue
		}
		if code != lastCode {
			result.WriteByte(code)
		}
		lastCode = code
	}

	out := result.String()
	// Keep first letter, digits only after it.
	if len(out) > 1 {
		first := out[0]
		var digits strings.Builder
		for _, c := range out[1:] {
			if c >= '0' && c <= '9' {
				digits.WriteRune(c)
			}
		}
		out = string(first) + digits.String()
	}

	out = (out + "000")
	if len(out) > 4 {
		out = out[:4]
	}
	return out
}

// Match reports whether two strings share the same Soundex code. Empty
// inputs never match (missing data must not count as agreement).
func Match(a, b string) bool {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return false
	}
	return Soundex(a) == Soundex(b)
}

// DoubleMetaphoneLite is the teacher's simplified phonetic transform,
// generalized from UK address terms to a domain-agnostic token code.
// Kept as an alternate, cheaper phonetic comparator.
func DoubleMetaphoneLite(text string) string {
	text = strings.ToUpper(strings.TrimSpace(text))
	if text == "" {
		return ""
	}

	replacements := []struct{ from, to string }{
		{"PH", "F"}, {"GH", "F"}, {"CK", "K"}, {"QU", "KW"},
		{"TH", "0"}, {"SH", "X"}, {"CH", "X"}, {"WH", "W"},
		{"KN", "N"}, {"WR", "R"},
	}
	result := text
	for _, r := range replacements {
		result = strings.ReplaceAll(result, r.from, r.to)
	}

	if len(result) > 1 {
		first := string(result[0])
		rest := strings.Map(func(r rune) rune {
			switch r {
			case 'A', 'E', 'I', 'O', 'U', 'Y':
				return -1
			default:
				return r
			}
		}, result[1:])
		result = first + rest
	}

	var cleaned strings.Builder
	var last rune
	for _, c := range result {
		if c != last {
			cleaned.WriteRune(c)
			last = c
		}
	}

	code := cleaned.String()
	if len(code) > 4 {
		code = code[:4]
	}
	return code
}
