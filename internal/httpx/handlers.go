package httpx

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"regexp"

	"github.com/formgate/formgate/internal/audit"
	"github.com/formgate/formgate/internal/challenge"
	"github.com/formgate/formgate/internal/metrics"
	"github.com/formgate/formgate/internal/protect"
	"github.com/formgate/formgate/internal/store"
	"github.com/formgate/formgate/internal/token"
	cfg "github.com/formgate/formgate/pkg/config"
)

// Env wires the handlers to their dependencies.
type Env struct {
	Cfg     cfg.Config
	Store   store.Store
	Engine  *challenge.Engine
	Guard   *protect.Guard
	Issuer  *token.Issuer
	Metrics *metrics.Metrics
	Emit    func(audit.Event) // injected sink fan-out
}

var challengeIDRe = regexp.MustCompile(`^[a-zA-Z0-9]{10,100}$`)

func (e Env) emit(evt audit.Event) {
	if e.Emit != nil {
		e.Emit(evt)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (e Env) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (e Env) Readyz(w http.ResponseWriter, r *http.Request) {
	if p, ok := e.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			log.Printf("readyz: store unreachable: %v", err)
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// GenerateChallenge handles POST /captcha/generate and /captcha/refresh.
// Refreshing is just generating again; the old challenge expires on its
// own.
func (e Env) GenerateChallenge(limiter *rateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ip := clientIPFromRequest(r, e.Cfg.TrustProxy)
		if limiter != nil && !limiter.allow(r.Context(), ip) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"success": false,
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		sid := sessionID(w, r)
		ch, err := e.Engine.Generate(r.Context(), sid)
		if err != nil {
			log.Printf("generate: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"success": false,
				"message": "Could not generate a challenge.",
			})
			return
		}

		if e.Metrics != nil {
			e.Metrics.IncrementChallengesGenerated(string(ch.Type), string(ch.Difficulty))
		}

		evt := audit.New(audit.KindChallengeIssued)
		evt.SessionID = sid
		evt.IP = ip
		evt.UserAgent = r.UserAgent()
		evt.ChallengeID = ch.ID
		evt.ChallengeType = string(ch.Type)
		evt.Difficulty = string(ch.Difficulty)
		e.emit(evt)

		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"challenge": ch.Public(),
		})
	}
}

// FetchChallenge handles GET /captcha/challenge?id=... and returns the
// public projection of a pending challenge.
func (e Env) FetchChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if !challengeIDRe.MatchString(id) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "Invalid challenge id.",
		})
		return
	}

	pub := e.Engine.ForFrontend(r.Context(), id)
	if pub == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"message": "Challenge not found or expired.",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"challenge": pub,
	})
}

type validateRequest struct {
	ChallengeID string `json:"challenge_id"`
	Solution    any    `json:"solution"`
}

// ValidateChallenge handles POST /captcha/validate.
func (e Env) ValidateChallenge(limiter *rateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ip := clientIPFromRequest(r, e.Cfg.TrustProxy)
		if limiter != nil && !limiter.allow(r.Context(), ip) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"success": false,
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		defer r.Body.Close()
		var req validateRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, e.Cfg.MaxBodyBytes))
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"message": "Invalid request body.",
			})
			return
		}
		if !challengeIDRe.MatchString(req.ChallengeID) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"message": "Invalid challenge id.",
			})
			return
		}

		sid := sessionID(w, r)
		sub := challenge.NormalizeSubmission(req.Solution)
		valid, typ := e.Engine.ValidateWithType(r.Context(), req.ChallengeID, sub, true)

		if e.Metrics != nil {
			e.Metrics.IncrementValidations(string(typ), valid)
		}

		evt := audit.New(audit.KindChallengeValidated)
		evt.SessionID = sid
		evt.IP = ip
		evt.UserAgent = r.UserAgent()
		evt.ChallengeID = req.ChallengeID
		evt.ChallengeType = string(typ)
		evt.Valid = audit.Bool(valid)
		e.emit(evt)

		if !valid {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": false,
				"valid":   false,
				"message": "Incorrect solution. Please try again.",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"valid":   true,
		})
	}
}

// DemoSubmit is a minimal guarded form target, mounted behind Protect. It
// stands in for the application handler and resets the session's attempt
// counter once a submission is accepted.
func (e Env) DemoSubmit(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		e.Guard.ResetAttempts(r.Context(), c.Value)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

// IssueToken handles GET /captcha/token. The embedded page script fetches
// one of these and submits it with the form.
func (e Env) IssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	field := r.URL.Query().Get("field")
	sid := sessionID(w, r)

	tok, err := e.Issuer.Issue(token.VerifyContext{
		SessionID: sid,
		ClientIP:  clientIPFromRequest(r, e.Cfg.TrustProxy),
		UserAgent: r.UserAgent(),
		FieldName: field,
	})
	if err != nil {
		log.Printf("token: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "Could not issue a token.",
		})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"token": tok,
		"field": field,
	})
}
