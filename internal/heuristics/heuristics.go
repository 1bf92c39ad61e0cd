// Package heuristics scores form submissions for bot and spam signals
// without issuing a challenge. Each analyzer is cheap, deterministic and
// independent; the caller combines the resulting signals into a decision.
package heuristics

import (
	"strings"

	"github.com/formgate/formgate/pkg/config"
)

// Snapshot is the per-request input to the analyzers: the submitted form
// fields plus the request identity the transport layer extracted.
type Snapshot struct {
	Fields    map[string]any
	UserAgent string
	IP        string
	SessionID string
}

// Signals is the combined analyzer output for one snapshot.
type Signals struct {
	HoneypotTripped bool
	HoneypotField   string

	BotUserAgent bool

	ForbiddenScript bool
	ScriptsFound    []string

	ForbiddenWord bool
	MatchedWord   string

	MissingToken bool
}

// Bot reports whether any signal alone marks the request as automated.
func (s Signals) Bot() bool {
	return s.HoneypotTripped || s.BotUserAgent || s.MissingToken
}

// Names lists the triggered signals, for counters and audit events.
func (s Signals) Names() []string {
	var names []string
	if s.HoneypotTripped {
		names = append(names, "honeypot")
	}
	if s.BotUserAgent {
		names = append(names, "bot_user_agent")
	}
	if s.ForbiddenScript {
		names = append(names, "forbidden_script")
	}
	if s.ForbiddenWord {
		names = append(names, "forbidden_word")
	}
	if s.MissingToken {
		names = append(names, "missing_token")
	}
	return names
}

// Analyzer holds the configured rule sets. Zero values disable the
// corresponding check.
type Analyzer struct {
	honeypotFields []string
	allowedScripts map[string]bool
	forbiddenWords []string
	matchSubstring bool
}

func NewAnalyzer(cfg config.Config) *Analyzer {
	return &Analyzer{
		honeypotFields: cfg.HoneypotFields,
		allowedScripts: cfg.AllowedScripts,
		forbiddenWords: cfg.ForbiddenWords,
		matchSubstring: strings.EqualFold(cfg.WordMatchMode, "substring"),
	}
}

// Analyze runs every check over the snapshot.
func (a *Analyzer) Analyze(snap Snapshot) Signals {
	var sig Signals

	sig.HoneypotField, sig.HoneypotTripped = a.checkHoneypot(snap.Fields)
	sig.BotUserAgent = BotUserAgent(snap.UserAgent)
	sig.ScriptsFound, sig.ForbiddenScript = a.checkScripts(snap.Fields)
	sig.MatchedWord, sig.ForbiddenWord = a.checkWords(snap.Fields)
	sig.MissingToken = a.checkMissingToken(snap.Fields)

	return sig
}

// checkMissingToken flags submissions that carry the protected-field marker
// but no token. A browser that ran the embedded script always sends both;
// replayed or scripted posts tend to drop the token.
func (a *Analyzer) checkMissingToken(fields map[string]any) bool {
	if _, ok := fields["_captcha_field"]; !ok {
		return false
	}
	tok, ok := fields["_captcha_token"]
	if !ok {
		return true
	}
	s, isStr := tok.(string)
	return isStr && strings.TrimSpace(s) == ""
}

// collectText flattens every user-entered string in the submission into one
// blob for content checks. Internal machinery fields are skipped so token
// ciphertext never trips the script or word detectors.
func collectText(fields map[string]any) string {
	var b strings.Builder
	appendValues(&b, fields)
	return b.String()
}

func appendValues(b *strings.Builder, fields map[string]any) {
	for key, v := range fields {
		if isInternalField(key) {
			continue
		}
		appendValue(b, v)
	}
}

func appendValue(b *strings.Builder, v any) {
	switch t := v.(type) {
	case string:
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(t)
	case map[string]any:
		appendValues(b, t)
	case []any:
		for _, item := range t {
			appendValue(b, item)
		}
	}
}

func isInternalField(key string) bool {
	k := strings.ToLower(key)
	return strings.HasPrefix(k, "_captcha") || strings.HasPrefix(k, "captcha")
}
