package protect

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/formgate/formgate/internal/challenge"
	"github.com/formgate/formgate/internal/heuristics"
	"github.com/formgate/formgate/internal/metrics"
	"github.com/formgate/formgate/internal/store"
	"github.com/formgate/formgate/internal/token"
	"github.com/formgate/formgate/pkg/config"
)

const browserUA = "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"

func guardConfig() config.Config {
	return config.Config{
		KeyPrefix:          "test:",
		ChallengeTTL:       10 * time.Minute,
		FailureTTL:         time.Hour,
		EnabledTypes:       []string{"sequence_complete"},
		FallbackType:       "sequence_complete",
		VisualPercentage:   70,
		SingleUse:          true,
		DifficultyMedium:   1,
		DifficultyHard:     3,
		DifficultyExtreme:  5,
		FallbackAfterFails: 3,
		BeamCanvasWidth:    400,
		BeamCanvasHeight:   300,
		BeamTolerance:      15,
		TokenSecret:        "protect-test-secret",
		MinSubmitSeconds:   0,
		MaxSubmitSeconds:   1200,
		HoneypotFields:     []string{"website"},
		AllowedScripts:     map[string]bool{"latin": true},
		ForbiddenWords:     []string{"ericjones"},
		WordMatchMode:      "exact",
		AttemptThreshold:   3,
	}
}

func newTestGuard(t *testing.T, cfg config.Config) (*Guard, *store.Memory, *challenge.Engine, *token.Issuer) {
	t.Helper()
	mem := store.NewMemory()
	issuer, err := token.NewIssuer(cfg)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	engine := challenge.NewEngine(mem, cfg)
	return NewGuard(cfg, mem, issuer, engine), mem, engine, issuer
}

func snapshotFor(sessionID string, fields map[string]any) heuristics.Snapshot {
	return heuristics.Snapshot{
		Fields:    fields,
		UserAgent: browserUA,
		IP:        "203.0.113.7",
		SessionID: sessionID,
	}
}

func cleanPost(sessionID string) Request {
	return Request{
		Method: http.MethodPost,
		Snapshot: snapshotFor(sessionID, map[string]any{
			"name":    "Ada",
			"message": "hello there",
		}),
	}
}

func TestReadMethodsAlwaysAllow(t *testing.T) {
	ctx := context.Background()
	g, _, _, _ := newTestGuard(t, guardConfig())

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		req := Request{
			Method: method,
			Snapshot: snapshotFor("s", map[string]any{
				"website": "filled honeypot",
			}),
		}
		req.Snapshot.UserAgent = "curl/8.4.0"

		if d := g.Decide(ctx, req); d.State != StateAllow {
			t.Errorf("%s: state = %q, want ALLOW", method, d.State)
		}
	}
}

func TestCleanPostAllows(t *testing.T) {
	ctx := context.Background()
	g, mem, _, _ := newTestGuard(t, guardConfig())

	d := g.Decide(ctx, cleanPost("s"))
	if d.State != StateAllow {
		t.Fatalf("state = %q, want ALLOW (msg: %s)", d.State, d.Message)
	}

	if n, _ := mem.GetInt(ctx, "test:attempts:s"); n != 0 {
		t.Errorf("ALLOW should not bump the attempt counter, got %d", n)
	}
}

func TestBotSignalsRequireVisual(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"bot user agent", func(r *Request) { r.Snapshot.UserAgent = "python-requests/2.31" }},
		{"empty user agent", func(r *Request) { r.Snapshot.UserAgent = "" }},
		{"honeypot filled", func(r *Request) { r.Snapshot.Fields["website"] = "http://spam.example" }},
		{"forbidden script", func(r *Request) { r.Snapshot.Fields["message"] = "Привет" }},
		{"forbidden word", func(r *Request) { r.Snapshot.Fields["message"] = "ericjones here" }},
		{"marker without token", func(r *Request) { r.Snapshot.Fields["_captcha_field"] = "message" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, mem, _, _ := newTestGuard(t, guardConfig())
			req := cleanPost("s")
			tt.mutate(&req)

			d := g.Decide(ctx, req)
			if d.State != StateRequireVisual {
				t.Fatalf("state = %q, want REQUIRE_VISUAL", d.State)
			}
			if n, _ := mem.GetInt(ctx, "test:attempts:s"); n != 1 {
				t.Errorf("attempt counter = %d, want 1", n)
			}
		})
	}
}

func TestContentSignalsFlagTheSession(t *testing.T) {
	ctx := context.Background()
	g, _, _, _ := newTestGuard(t, guardConfig())

	bad := cleanPost("s")
	bad.Snapshot.Fields["message"] = "ericjones was here"
	if d := g.Decide(ctx, bad); d.State != StateRequireVisual {
		t.Fatalf("state = %q, want REQUIRE_VISUAL", d.State)
	}

	// The content was bad once; later clean posts stay gated until a
	// challenge is solved.
	if d := g.Decide(ctx, cleanPost("s")); d.State != StateRequireVisual {
		t.Errorf("flagged session clean post: state = %q, want REQUIRE_VISUAL", d.State)
	}
}

func TestSolvingChallengeClearsForcedVisual(t *testing.T) {
	ctx := context.Background()
	g, mem, engine, _ := newTestGuard(t, guardConfig())

	bad := cleanPost("s")
	bad.Snapshot.Fields["message"] = "ericjones was here"
	if d := g.Decide(ctx, bad); d.State != StateRequireVisual {
		t.Fatalf("setup: state = %q", d.State)
	}
	if d := g.Decide(ctx, bad); d.State != StateRequireVisual {
		t.Fatalf("setup: state = %q", d.State)
	}

	ch, err := engine.Generate(ctx, "s")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	solved := cleanPost("s")
	solved.ChallengeID = ch.ID
	solved.Answer = map[string]any{"answer": ch.Solution.Answer}

	if d := g.Decide(ctx, solved); d.State != StateAllow {
		t.Fatalf("solved challenge: state = %q, want ALLOW (msg: %s)", d.State, d.Message)
	}

	if ok, _ := mem.Has(ctx, "test:force_visual:s"); ok {
		t.Error("force-visual flag should be cleared")
	}
	// The attempt counter is not the guard's to reset; that happens in the
	// form layer via ResetAttempts once a submission is accepted.
	if n, _ := mem.GetInt(ctx, "test:attempts:s"); n != 2 {
		t.Errorf("attempt counter = %d, want 2 after the solve", n)
	}

	if d := g.Decide(ctx, cleanPost("s")); d.State != StateAllow {
		t.Errorf("post after clearing: state = %q, want ALLOW", d.State)
	}
}

func TestWrongAnswerFailsValidation(t *testing.T) {
	ctx := context.Background()
	cfg := guardConfig()
	cfg.ForceVisual = true
	g, mem, engine, _ := newTestGuard(t, cfg)

	ch, err := engine.Generate(ctx, "s")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	req := cleanPost("s")
	req.ChallengeID = ch.ID
	req.Answer = map[string]any{"answer": ch.Solution.Answer + 1}

	if d := g.Decide(ctx, req); d.State != StateValidationFailed {
		t.Fatalf("state = %q, want VALIDATION_FAILED", d.State)
	}
	if n, _ := mem.GetInt(ctx, "test:attempts:s"); n != 1 {
		t.Errorf("attempt counter = %d, want 1", n)
	}
}

func TestForceVisualConfig(t *testing.T) {
	ctx := context.Background()
	cfg := guardConfig()
	cfg.ForceVisual = true
	g, _, _, _ := newTestGuard(t, cfg)

	if d := g.Decide(ctx, cleanPost("s")); d.State != StateRequireVisual {
		t.Errorf("state = %q, want REQUIRE_VISUAL with FORCE_VISUAL on", d.State)
	}
}

func TestAttemptThresholdEscalates(t *testing.T) {
	ctx := context.Background()
	cfg := guardConfig()
	cfg.RequireHidden = true
	g, _, _, _ := newTestGuard(t, cfg)

	// Three tokenless denials, each REQUIRE_HIDDEN, push attempts to the
	// threshold; the fourth escalates to the visual path.
	for i := 0; i < cfg.AttemptThreshold; i++ {
		if d := g.Decide(ctx, cleanPost("s")); d.State != StateRequireHidden {
			t.Fatalf("attempt %d: state = %q, want REQUIRE_HIDDEN", i+1, d.State)
		}
	}

	if d := g.Decide(ctx, cleanPost("s")); d.State != StateRequireVisual {
		t.Errorf("past threshold: state = %q, want REQUIRE_VISUAL", d.State)
	}
}

func TestHiddenTokenPath(t *testing.T) {
	ctx := context.Background()

	t.Run("valid token allows", func(t *testing.T) {
		g, _, _, issuer := newTestGuard(t, guardConfig())

		tok, err := issuer.Issue(token.VerifyContext{
			SessionID: "s",
			ClientIP:  "203.0.113.7",
			UserAgent: browserUA,
		})
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}

		req := cleanPost("s")
		req.Token = tok
		if d := g.Decide(ctx, req); d.State != StateAllow {
			t.Errorf("state = %q, want ALLOW", d.State)
		}
	})

	t.Run("token for another client requires visual", func(t *testing.T) {
		g, _, _, issuer := newTestGuard(t, guardConfig())

		tok, err := issuer.Issue(token.VerifyContext{
			SessionID: "other-session",
			ClientIP:  "203.0.113.7",
			UserAgent: browserUA,
		})
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}

		req := cleanPost("s")
		req.Token = tok
		if d := g.Decide(ctx, req); d.State != StateRequireVisual {
			t.Errorf("state = %q, want REQUIRE_VISUAL", d.State)
		}
	})

	t.Run("garbage token requires visual", func(t *testing.T) {
		g, _, _, _ := newTestGuard(t, guardConfig())

		req := cleanPost("s")
		req.Token = "not-a-token"
		if d := g.Decide(ctx, req); d.State != StateRequireVisual {
			t.Errorf("state = %q, want REQUIRE_VISUAL", d.State)
		}
	})

	t.Run("missing token with RequireHidden off allows", func(t *testing.T) {
		g, _, _, _ := newTestGuard(t, guardConfig())
		if d := g.Decide(ctx, cleanPost("s")); d.State != StateAllow {
			t.Errorf("state = %q, want ALLOW", d.State)
		}
	})

	t.Run("missing token with RequireHidden on denies", func(t *testing.T) {
		cfg := guardConfig()
		cfg.RequireHidden = true
		g, _, _, _ := newTestGuard(t, cfg)
		if d := g.Decide(ctx, cleanPost("s")); d.State != StateRequireHidden {
			t.Errorf("state = %q, want REQUIRE_HIDDEN", d.State)
		}
	})
}

func TestResetAttempts(t *testing.T) {
	ctx := context.Background()
	g, mem, _, _ := newTestGuard(t, guardConfig())

	req := cleanPost("s")
	req.Snapshot.UserAgent = "curl/8.4.0"
	g.Decide(ctx, req)
	g.Decide(ctx, req)

	if n, _ := mem.GetInt(ctx, "test:attempts:s"); n != 2 {
		t.Fatalf("attempts = %d, want 2", n)
	}

	g.ResetAttempts(ctx, "s")
	if n, _ := mem.GetInt(ctx, "test:attempts:s"); n != 0 {
		t.Errorf("attempts after reset = %d, want 0", n)
	}
}

func TestHiddenTokenFieldBinding(t *testing.T) {
	ctx := context.Background()
	g, _, _, issuer := newTestGuard(t, guardConfig())

	tok, err := issuer.Issue(token.VerifyContext{
		SessionID: "s",
		ClientIP:  "203.0.113.7",
		UserAgent: browserUA,
		FieldName: "email",
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := cleanPost("s")
	req.Token = tok
	req.Field = "message"
	if d := g.Decide(ctx, req); d.State != StateRequireVisual {
		t.Errorf("token bound to another field: state = %q, want REQUIRE_VISUAL", d.State)
	}

	req.Field = "email"
	if d := g.Decide(ctx, req); d.State != StateAllow {
		t.Errorf("token bound to the submitted field: state = %q, want ALLOW", d.State)
	}
}

type brokenCounterStore struct {
	store.Store
}

func (b *brokenCounterStore) GetInt(ctx context.Context, key string) (int64, error) {
	return 0, errors.New("store down")
}

func TestStoreErrorsAreCounted(t *testing.T) {
	ctx := context.Background()
	cfg := guardConfig()
	mem := store.NewMemory()
	issuer, err := token.NewIssuer(cfg)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	engine := challenge.NewEngine(mem, cfg)
	g := NewGuard(cfg, &brokenCounterStore{Store: mem}, issuer, engine)

	counter := metrics.Get().StoreErrors.WithLabelValues("get_int")
	before := testutil.ToFloat64(counter)

	if d := g.Decide(ctx, cleanPost("s")); d.State != StateAllow {
		t.Fatalf("state = %q, want ALLOW despite the read error", d.State)
	}
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Errorf("store error counter = %v, want %v", got, before+1)
	}
}
