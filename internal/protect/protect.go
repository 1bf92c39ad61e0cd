// Package protect combines the heuristic analyzers, the hidden token and
// the challenge engine into a single per-request verdict.
package protect

import (
	"context"
	"log"
	"net/http"

	"github.com/formgate/formgate/internal/challenge"
	"github.com/formgate/formgate/internal/heuristics"
	"github.com/formgate/formgate/internal/metrics"
	"github.com/formgate/formgate/internal/store"
	"github.com/formgate/formgate/internal/token"
	"github.com/formgate/formgate/pkg/config"
)

// State is the verdict for one guarded request.
type State string

const (
	StateAllow            State = "ALLOW"
	StateRequireHidden    State = "REQUIRE_HIDDEN"
	StateRequireVisual    State = "REQUIRE_VISUAL"
	StateValidationFailed State = "VALIDATION_FAILED"
)

// Decision carries the verdict plus the evidence behind it.
type Decision struct {
	State   State
	Message string
	Signals heuristics.Signals
}

// Request is everything Decide needs about the incoming submission. Token,
// Field, ChallengeID and Answer are empty when the client did not send them.
// Field carries the submitted field-name marker the token must have been
// issued for.
type Request struct {
	Method      string
	Snapshot    heuristics.Snapshot
	Token       string
	Field       string
	ChallengeID string
	Answer      any
}

// Guard evaluates guarded submissions. It is safe for concurrent use.
type Guard struct {
	cfg      config.Config
	store    store.Store
	analyzer *heuristics.Analyzer
	issuer   *token.Issuer
	engine   *challenge.Engine
}

func NewGuard(cfg config.Config, st store.Store, issuer *token.Issuer, engine *challenge.Engine) *Guard {
	return &Guard{
		cfg:      cfg,
		store:    st,
		analyzer: heuristics.NewAnalyzer(cfg),
		issuer:   issuer,
		engine:   engine,
	}
}

func (g *Guard) attemptsKey(sessionID string) string {
	return g.cfg.KeyPrefix + "attempts:" + sessionID
}

func (g *Guard) forceVisualKey(sessionID string) string {
	return g.cfg.KeyPrefix + "force_visual:" + sessionID
}

// Decide runs the full evaluation order: read methods pass untouched,
// heuristics decide whether a visual challenge is owed, and only then does
// the hidden token get a say. Every verdict other than ALLOW bumps the
// session's attempt counter, which itself eventually forces the visual
// path.
func (g *Guard) Decide(ctx context.Context, req Request) Decision {
	if req.Method == http.MethodGet || req.Method == http.MethodHead || req.Method == http.MethodOptions {
		return Decision{State: StateAllow}
	}

	sessionID := req.Snapshot.SessionID
	signals := g.analyzer.Analyze(req.Snapshot)

	if signals.ForbiddenScript || signals.ForbiddenWord {
		g.setForceVisual(ctx, sessionID)
	}

	attempts, err := g.store.GetInt(ctx, g.attemptsKey(sessionID))
	if err != nil {
		log.Printf("protect: reading attempt counter: %v", err)
		metrics.Get().IncrementStoreErrors("get_int")
	}

	visualRequired := g.cfg.ForceVisual ||
		g.sessionFlagged(ctx, sessionID) ||
		signals.Bot() ||
		signals.ForbiddenScript ||
		signals.ForbiddenWord ||
		attempts >= int64(g.cfg.AttemptThreshold)

	if visualRequired {
		if req.ChallengeID == "" {
			return g.deny(ctx, sessionID, Decision{
				State:   StateRequireVisual,
				Message: "Please complete the verification challenge.",
				Signals: signals,
			})
		}

		sub := challenge.NormalizeSubmission(req.Answer)
		if g.engine.Validate(ctx, req.ChallengeID, sub, true) {
			g.clearForceVisual(ctx, sessionID)
			return Decision{State: StateAllow, Signals: signals}
		}
		return g.deny(ctx, sessionID, Decision{
			State:   StateValidationFailed,
			Message: "Challenge validation failed. Please try again.",
			Signals: signals,
		})
	}

	if req.Token != "" {
		vc := token.VerifyContext{
			SessionID: sessionID,
			ClientIP:  req.Snapshot.IP,
			UserAgent: req.Snapshot.UserAgent,
			FieldName: req.Field,
		}
		if err := g.issuer.Verify(req.Token, vc); err != nil {
			return g.deny(ctx, sessionID, Decision{
				State:   StateRequireVisual,
				Message: "Please complete the verification challenge.",
				Signals: signals,
			})
		}
		return Decision{State: StateAllow, Signals: signals}
	}

	if g.cfg.RequireHidden {
		return g.deny(ctx, sessionID, Decision{
			State:   StateRequireHidden,
			Message: "Verification token required.",
			Signals: signals,
		})
	}

	return Decision{State: StateAllow, Signals: signals}
}

// deny records the failed attempt and passes the decision through.
func (g *Guard) deny(ctx context.Context, sessionID string, d Decision) Decision {
	if _, err := g.store.Incr(ctx, g.attemptsKey(sessionID), g.cfg.FailureTTL); err != nil {
		log.Printf("protect: incrementing attempt counter: %v", err)
		metrics.Get().IncrementStoreErrors("incr")
	}
	return d
}

// clearForceVisual lifts the forced-visual flag after a solved challenge.
// The attempt counter stays; only the form-handling layer resets it, via
// ResetAttempts, once a submission is accepted end to end.
func (g *Guard) clearForceVisual(ctx context.Context, sessionID string) {
	if err := g.store.Del(ctx, g.forceVisualKey(sessionID)); err != nil {
		log.Printf("protect: clearing force-visual flag: %v", err)
		metrics.Get().IncrementStoreErrors("del")
	}
}

// ResetAttempts clears the session's attempt counter. Form handlers call
// this once a submission has been accepted and processed.
func (g *Guard) ResetAttempts(ctx context.Context, sessionID string) {
	if err := g.store.Del(ctx, g.attemptsKey(sessionID)); err != nil {
		log.Printf("protect: resetting attempt counter: %v", err)
		metrics.Get().IncrementStoreErrors("del")
	}
}

func (g *Guard) setForceVisual(ctx context.Context, sessionID string) {
	if err := g.store.Set(ctx, g.forceVisualKey(sessionID), "1", g.cfg.FailureTTL); err != nil {
		log.Printf("protect: setting force-visual flag: %v", err)
		metrics.Get().IncrementStoreErrors("set")
	}
}

func (g *Guard) sessionFlagged(ctx context.Context, sessionID string) bool {
	ok, err := g.store.Has(ctx, g.forceVisualKey(sessionID))
	if err != nil {
		log.Printf("protect: reading force-visual flag: %v", err)
		metrics.Get().IncrementStoreErrors("has")
		return false
	}
	return ok
}
