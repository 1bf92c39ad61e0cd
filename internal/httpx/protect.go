package httpx

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/formgate/formgate/internal/audit"
	"github.com/formgate/formgate/internal/heuristics"
	"github.com/formgate/formgate/internal/protect"
)

// Form keys the embedded page script uses to carry verification state
// alongside the user's own fields.
const (
	fieldToken       = "_captcha_token"
	fieldField       = "_captcha_field"
	fieldChallengeID = "_captcha_challenge_id"
	fieldSolution    = "_captcha_solution"
)

// Protect wraps next with the protection decision. Allowed requests pass
// through with their body intact; everything else gets a 422 describing
// what the client must do, including a fresh challenge when a visual one is
// owed.
func (e Env) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.Cfg.MaxBodyBytes))
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		fields := parseFields(r, body)
		sid := sessionID(w, r)
		ip := clientIPFromRequest(r, e.Cfg.TrustProxy)

		req := protect.Request{
			Method: r.Method,
			Snapshot: heuristics.Snapshot{
				Fields:    fields,
				UserAgent: r.UserAgent(),
				IP:        ip,
				SessionID: sid,
			},
			Token:       stringField(fields, fieldToken),
			Field:       stringField(fields, fieldField),
			ChallengeID: stringField(fields, fieldChallengeID),
			Answer:      fields[fieldSolution],
		}

		decision := e.Guard.Decide(r.Context(), req)

		if e.Metrics != nil {
			e.Metrics.IncrementDecisions(string(decision.State))
			e.Metrics.IncrementHeuristicSignals(decision.Signals.Names()...)
		}

		evt := audit.New(audit.KindDecision)
		evt.SessionID = sid
		evt.IP = ip
		evt.UserAgent = r.UserAgent()
		evt.State = string(decision.State)
		evt.Signals = decision.Signals.Names()
		e.emit(evt)

		if decision.State == protect.StateAllow {
			next.ServeHTTP(w, r)
			return
		}

		resp := map[string]any{
			"captcha_required": true,
			"state":            string(decision.State),
			"message":          decision.Message,
		}

		if decision.State == protect.StateRequireVisual || decision.State == protect.StateValidationFailed {
			if ch, err := e.Engine.Generate(r.Context(), sid); err == nil {
				if e.Metrics != nil {
					e.Metrics.IncrementChallengesGenerated(string(ch.Type), string(ch.Difficulty))
				}
				resp["challenge"] = ch.Public()
			}
		}

		writeJSON(w, http.StatusUnprocessableEntity, resp)
	})
}

// parseFields extracts the submission's fields from a JSON or form-encoded
// body. Unparseable bodies yield an empty map, which the heuristics treat
// as a submission with nothing to inspect.
func parseFields(r *http.Request, body []byte) map[string]any {
	ct := r.Header.Get("Content-Type")

	if strings.Contains(ct, "application/json") {
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err == nil {
			return fields
		}
		return map[string]any{}
	}

	// Reparse from the buffered body so the downstream handler can still
	// read it.
	clone := r.Clone(r.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	fields := map[string]any{}
	if err := clone.ParseForm(); err == nil {
		for key, values := range clone.PostForm {
			if len(values) == 1 {
				fields[key] = values[0]
				continue
			}
			items := make([]any, len(values))
			for i, v := range values {
				items[i] = v
			}
			fields[key] = items
		}
	}
	return fields
}

func stringField(fields map[string]any, key string) string {
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}
