package httpx

import "net/http"

// NewMux assembles the service routes with the standard middleware chain.
func NewMux(e Env) http.Handler {
	generateLimiter := newRateLimiter(e.Store, e.Cfg.KeyPrefix+"ratelimit:generate:", e.Cfg.GenerateLimit, e.Cfg.RateLimitWindow)
	validateLimiter := newRateLimiter(e.Store, e.Cfg.KeyPrefix+"ratelimit:validate:", e.Cfg.ValidateLimit, e.Cfg.RateLimitWindow)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", e.Healthz)
	mux.HandleFunc("/readyz", e.Readyz)

	mux.HandleFunc("/captcha/generate", e.GenerateChallenge(generateLimiter))
	mux.HandleFunc("/captcha/refresh", e.GenerateChallenge(generateLimiter))
	mux.HandleFunc("/captcha/challenge", e.FetchChallenge)
	mux.HandleFunc("/captcha/validate", e.ValidateChallenge(validateLimiter))
	mux.HandleFunc("/captcha/token", e.IssueToken)

	mux.Handle("/demo/submit", e.Protect(http.HandlerFunc(e.DemoSubmit)))

	return RequestLogger(MetricsMiddleware(e.Metrics)(cors(mux)))
}
