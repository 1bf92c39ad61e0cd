package heuristics

import (
	"strings"
	"unicode"
)

// checkWords scans the flattened submission text for configured blocked
// words and phrases. The default mode requires word boundaries on both
// sides, so a blocked "ericjones" does not fire on a legitimate
// "eric jones" and vice versa. Substring mode trades that precision for
// catching obfuscated variants.
func (a *Analyzer) checkWords(fields map[string]any) (string, bool) {
	if len(a.forbiddenWords) == 0 {
		return "", false
	}

	text := strings.ToLower(collectText(fields))
	if text == "" {
		return "", false
	}

	for _, word := range a.forbiddenWords {
		w := strings.ToLower(strings.TrimSpace(word))
		if w == "" {
			continue
		}
		if a.matchSubstring {
			if strings.Contains(text, w) {
				return word, true
			}
			continue
		}
		if containsWord(text, w) {
			return word, true
		}
	}
	return "", false
}

// containsWord reports whether needle occurs in haystack bounded by
// non-alphanumeric runes (or the ends of the text). Both inputs must
// already be lowercased.
func containsWord(haystack, needle string) bool {
	for from := 0; ; {
		i := strings.Index(haystack[from:], needle)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(needle)

		if boundaryBefore(haystack, start) && boundaryAfter(haystack, end) {
			return true
		}
		from = start + 1
	}
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r := lastRune(s[:i])
	return !isWordRune(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := firstRune(s[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func firstRune(s string) (rune, int) {
	for _, r := range s {
		return r, len(string(r))
	}
	return 0, 0
}

func lastRune(s string) rune {
	var last rune
	for _, r := range s {
		last = r
	}
	return last
}
