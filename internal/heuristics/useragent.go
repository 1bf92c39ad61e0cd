package heuristics

import "strings"

// Lowercase substrings that identify automation frameworks and HTTP
// libraries. Matching is deliberately broad; false positives only cost the
// submitter a visual challenge, not a rejection.
var botSignatures = []string{
	"bot",
	"crawler",
	"spider",
	"scraper",
	"curl",
	"wget",
	"python",
	"java",
	"perl",
	"ruby",
	"php",
	"go-http-client",
}

// BotUserAgent reports whether the user agent looks automated. An empty
// agent counts: every mainstream browser sends one.
func BotUserAgent(ua string) bool {
	ua = strings.ToLower(strings.TrimSpace(ua))
	if ua == "" {
		return true
	}
	for _, sig := range botSignatures {
		if strings.Contains(ua, sig) {
			return true
		}
	}
	return false
}
