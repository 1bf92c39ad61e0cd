package heuristics

import "unicode"

type runeRange struct {
	lo, hi rune
}

// Writing-system rune ranges, checked in order. "other" is not listed; it
// is the classification for any letter no range claims.
var scriptRanges = map[string][]runeRange{
	"latin": {
		{0x0041, 0x005A}, // A-Z
		{0x0061, 0x007A}, // a-z
		{0x00C0, 0x00FF}, // Latin-1 letters
		{0x0100, 0x017F}, // Latin Extended-A
		{0x0180, 0x024F}, // Latin Extended-B
	},
	"cyrillic": {
		{0x0400, 0x04FF},
	},
	"arabic": {
		{0x0600, 0x06FF},
		{0x0750, 0x077F},
	},
	"devanagari": {
		{0x0900, 0x097F},
	},
	"bengali": {
		{0x0980, 0x09FF},
	},
	"tamil": {
		{0x0B80, 0x0BFF},
	},
	"thai": {
		{0x0E00, 0x0E7F},
	},
	"korean": {
		{0x1100, 0x11FF}, // Hangul Jamo
		{0xAC00, 0xD7AF}, // Hangul syllables
	},
	"japanese": {
		{0x3040, 0x309F}, // Hiragana
		{0x30A0, 0x30FF}, // Katakana
	},
	"chinese": {
		{0x3400, 0x4DBF}, // CJK Extension A
		{0x4E00, 0x9FFF}, // CJK Unified
	},
}

// classifyRune maps a letter to its writing system, or "other" for letters
// outside every known range. Non-letters return "".
func classifyRune(r rune) string {
	if !unicode.IsLetter(r) {
		return ""
	}
	for name, ranges := range scriptRanges {
		for _, rr := range ranges {
			if r >= rr.lo && r <= rr.hi {
				return name
			}
		}
	}
	return "other"
}

// DetectScripts returns the distinct writing systems present in the text,
// in first-seen order.
func DetectScripts(text string) []string {
	seen := map[string]bool{}
	var scripts []string
	for _, r := range text {
		name := classifyRune(r)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		scripts = append(scripts, name)
	}
	return scripts
}

// checkScripts detects the writing systems used across the submission and
// flags any that are not on the allow list. An empty allow list admits
// everything.
func (a *Analyzer) checkScripts(fields map[string]any) ([]string, bool) {
	scripts := DetectScripts(collectText(fields))
	if len(a.allowedScripts) == 0 {
		return scripts, false
	}
	for _, s := range scripts {
		if !a.allowedScripts[s] {
			return scripts, true
		}
	}
	return scripts, false
}
