package heuristics

import "strings"

// checkHoneypot reports the first decoy field a submitter filled in. The
// fields are rendered invisible to humans, so any non-blank value means a
// parser walked the form.
func (a *Analyzer) checkHoneypot(fields map[string]any) (string, bool) {
	for _, name := range a.honeypotFields {
		v, ok := fields[name]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if strings.TrimSpace(t) != "" {
				return name, true
			}
		case nil:
			// present but null is fine
		default:
			// a non-string value still means something wrote to the field
			return name, true
		}
	}
	return "", false
}
