package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/formgate/formgate/internal/challenge"
	"github.com/formgate/formgate/internal/protect"
	"github.com/formgate/formgate/internal/store"
	"github.com/formgate/formgate/internal/token"
	"github.com/formgate/formgate/pkg/config"
)

func testCfg() config.Config {
	return config.Config{
		MaxBodyBytes:       1 << 20,
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
		TokenSecret:        "httpx-test-secret",
		MinSubmitSeconds:   0,
		MaxSubmitSeconds:   1200,
		HoneypotFields:     []string{"website"},
		AllowedScripts:     map[string]bool{"latin": true},
		ForbiddenWords:     []string{"ericjones"},
		WordMatchMode:      "exact",
		AttemptThreshold:   3,
		GenerateLimit:      100,
		ValidateLimit:      100,
		RateLimitWindow:    time.Minute,
	}
}

func newTestEnv(t *testing.T, cfg config.Config) (Env, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	issuer, err := token.NewIssuer(cfg)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	engine := challenge.NewEngine(mem, cfg)
	return Env{
		Cfg:    cfg,
		Store:  mem,
		Engine: engine,
		Guard:  protect.NewGuard(cfg, mem, issuer, engine),
		Issuer: issuer,
	}, mem
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rec.Body.String())
	}
	return body
}

func TestHealthEndpoints(t *testing.T) {
	env, _ := newTestEnv(t, testCfg())
	mux := NewMux(env)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestGenerateChallenge(t *testing.T) {
	t.Run("issues a challenge and a session cookie", func(t *testing.T) {
		env, _ := newTestEnv(t, testCfg())
		mux := NewMux(env)

		req := httptest.NewRequest(http.MethodPost, "/captcha/generate", nil)
		req.Header.Set("User-Agent", "Mozilla/5.0")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
		}

		body := decodeBody(t, rec)
		if body["success"] != true {
			t.Error("success should be true")
		}
		ch, ok := body["challenge"].(map[string]any)
		if !ok {
			t.Fatalf("challenge missing: %v", body)
		}
		if ch["id"] == "" || ch["type"] != "sequence_complete" {
			t.Errorf("challenge = %v", ch)
		}
		if _, leaked := ch["solution"]; leaked {
			t.Error("response must not carry the solution")
		}

		var sessionSet bool
		for _, c := range rec.Result().Cookies() {
			if c.Name == sessionCookie && c.Value != "" {
				sessionSet = true
			}
		}
		if !sessionSet {
			t.Error("expected a session cookie")
		}
	})

	t.Run("rejects GET", func(t *testing.T) {
		env, _ := newTestEnv(t, testCfg())
		mux := NewMux(env)

		req := httptest.NewRequest(http.MethodGet, "/captcha/generate", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rec.Code)
		}
	})

	t.Run("rate limits per ip", func(t *testing.T) {
		cfg := testCfg()
		cfg.GenerateLimit = 2
		env, _ := newTestEnv(t, cfg)
		mux := NewMux(env)

		for i := 0; i < 2; i++ {
			req := httptest.NewRequest(http.MethodPost, "/captcha/generate", nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
			}
		}

		req := httptest.NewRequest(http.MethodPost, "/captcha/generate", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusTooManyRequests {
			t.Errorf("status = %d, want 429", rec.Code)
		}
	})
}

func TestFetchChallenge(t *testing.T) {
	env, _ := newTestEnv(t, testCfg())
	mux := NewMux(env)
	ctx := context.Background()

	ch, err := env.Engine.Generate(ctx, "sess")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	tests := []struct {
		name       string
		id         string
		wantStatus int
	}{
		{"known id", ch.ID, http.StatusOK},
		{"unknown but well formed", "abcdef1234abcdef1234", http.StatusNotFound},
		{"too short", "abc", http.StatusBadRequest},
		{"illegal characters", "abcdef1234!@#$%^&*()", http.StatusBadRequest},
		{"empty", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/captcha/challenge?id="+tt.id, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func postValidate(t *testing.T, mux http.Handler, challengeID string, solution any) *httptest.ResponseRecorder {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{
		"challenge_id": challengeID,
		"solution":     solution,
	})
	req := httptest.NewRequest(http.MethodPost, "/captcha/validate", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestValidateChallenge(t *testing.T) {
	t.Run("correct solution", func(t *testing.T) {
		env, _ := newTestEnv(t, testCfg())
		mux := NewMux(env)

		ch, err := env.Engine.Generate(context.Background(), "sess")
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}

		rec := postValidate(t, mux, ch.ID, map[string]any{"answer": ch.Solution.Answer})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		body := decodeBody(t, rec)
		if body["valid"] != true {
			t.Errorf("valid = %v, want true (body: %v)", body["valid"], body)
		}
	})

	t.Run("wrong solution", func(t *testing.T) {
		env, _ := newTestEnv(t, testCfg())
		mux := NewMux(env)

		ch, err := env.Engine.Generate(context.Background(), "sess")
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}

		rec := postValidate(t, mux, ch.ID, map[string]any{"answer": ch.Solution.Answer + 1})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		body := decodeBody(t, rec)
		if body["valid"] != false {
			t.Errorf("valid = %v, want false", body["valid"])
		}
	})

	t.Run("single use", func(t *testing.T) {
		env, _ := newTestEnv(t, testCfg())
		mux := NewMux(env)

		ch, err := env.Engine.Generate(context.Background(), "sess")
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		sol := map[string]any{"answer": ch.Solution.Answer}

		first := decodeBody(t, postValidate(t, mux, ch.ID, sol))
		if first["valid"] != true {
			t.Fatalf("first validation should pass: %v", first)
		}
		second := decodeBody(t, postValidate(t, mux, ch.ID, sol))
		if second["valid"] != false {
			t.Errorf("replay should fail: %v", second)
		}
	})

	t.Run("malformed id", func(t *testing.T) {
		env, _ := newTestEnv(t, testCfg())
		mux := NewMux(env)

		rec := postValidate(t, mux, "short", 1)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		env, _ := newTestEnv(t, testCfg())
		mux := NewMux(env)

		req := httptest.NewRequest(http.MethodPost, "/captcha/validate", bytes.NewReader([]byte("not json")))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestIssueToken(t *testing.T) {
	env, _ := newTestEnv(t, testCfg())
	mux := NewMux(env)

	req := httptest.NewRequest(http.MethodGet, "/captcha/token?field=message", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	tok, _ := body["token"].(string)
	if tok == "" {
		t.Fatal("expected a token")
	}
	if body["field"] != "message" {
		t.Errorf("field = %v, want message", body["field"])
	}

	// The issued token must verify for the same session/ip/agent.
	var sid string
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			sid = c.Value
		}
	}
	err := env.Issuer.Verify(tok, token.VerifyContext{
		SessionID: sid,
		ClientIP:  "192.0.2.1",
		UserAgent: "Mozilla/5.0",
		FieldName: "message",
	})
	if err != nil {
		t.Errorf("issued token failed verification: %v", err)
	}
}

func TestClientIPFromRequest(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xrip       string
		trustProxy bool
		want       string
	}{
		{"remote addr only", "192.0.2.1:1234", "", "", false, "192.0.2.1"},
		{"untrusted proxy headers ignored", "192.0.2.1:1234", "203.0.113.1", "203.0.113.2", false, "192.0.2.1"},
		{"first forwarded ip wins", "10.0.0.1:1234", "203.0.113.1, 198.51.100.1", "", true, "203.0.113.1"},
		{"real ip fallback", "10.0.0.1:1234", "", "203.0.113.5", true, "203.0.113.5"},
		{"no port", "192.0.2.9", "", "", false, "192.0.2.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xrip != "" {
				req.Header.Set("X-Real-IP", tt.xrip)
			}
			if got := clientIPFromRequest(req, tt.trustProxy); got != tt.want {
				t.Errorf("clientIPFromRequest = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	t.Run("enforces the window budget", func(t *testing.T) {
		rl := newRateLimiter(mem, "rl:", 3, time.Minute)
		for i := 0; i < 3; i++ {
			if !rl.allow(ctx, "1.2.3.4") {
				t.Fatalf("request %d should be allowed", i+1)
			}
		}
		if rl.allow(ctx, "1.2.3.4") {
			t.Error("fourth request should be limited")
		}
		if !rl.allow(ctx, "5.6.7.8") {
			t.Error("other clients have their own budget")
		}
	})

	t.Run("zero limit disables", func(t *testing.T) {
		rl := newRateLimiter(mem, "rl2:", 0, time.Minute)
		for i := 0; i < 100; i++ {
			if !rl.allow(ctx, "1.2.3.4") {
				t.Fatal("disabled limiter should always allow")
			}
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	env, _ := newTestEnv(t, testCfg())
	mux := NewMux(env)

	req := httptest.NewRequest(http.MethodOptions, "/captcha/generate", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected CORS headers")
	}
}

func TestSessionCookieReuse(t *testing.T) {
	env, _ := newTestEnv(t, testCfg())
	mux := NewMux(env)

	req := httptest.NewRequest(http.MethodPost, "/captcha/generate", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var sid string
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			sid = c.Value
		}
	}
	if sid == "" {
		t.Fatal("no session cookie issued")
	}

	req2 := httptest.NewRequest(http.MethodPost, "/captcha/generate", nil)
	req2.AddCookie(&http.Cookie{Name: sessionCookie, Value: sid})
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)

	for _, c := range rec2.Result().Cookies() {
		if c.Name == sessionCookie && c.Value != sid {
			t.Errorf("session cookie reissued: %q -> %q", sid, c.Value)
		}
	}
}

func ExampleEnv_Healthz() {
	env := Env{}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.Healthz(rec, req)
	fmt.Println(rec.Code)
	// Output: 200
}
