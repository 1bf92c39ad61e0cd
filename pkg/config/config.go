package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every behavior switch the engine reads. It is built once at
// startup and passed around as an immutable value; nothing in the core reads
// the environment after Load().
type Config struct {
	ServerAddr   string
	TrustProxy   bool
	MaxBodyBytes int64 // bytes for POSTed form/JSON payloads

	// Keyed store. Empty RedisAddr selects the in-process memory store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	// Challenge engine
	ChallengeTTL       time.Duration
	FailureTTL         time.Duration
	EnabledTypes       []string
	FallbackType       string
	VisualPercentage   int // chance (1-100) of a non-fallback visual type
	SingleUse          bool
	DifficultyMedium   int
	DifficultyHard     int
	DifficultyExtreme  int
	FallbackAfterFails int // visual failures before the fallback type is forced

	// Beam alignment canvas
	BeamCanvasWidth  int
	BeamCanvasHeight int
	BeamTolerance    int

	// Hidden proof token
	TokenSecret      string
	MinSubmitSeconds int
	MaxSubmitSeconds int

	// Heuristics
	HoneypotFields []string
	AllowedScripts map[string]bool
	ForbiddenWords []string
	WordMatchMode  string // "exact" or "substring"

	// Protection decisions
	ForceVisual      bool
	RequireHidden    bool
	AttemptThreshold int

	// Per-IP rate limits for the HTTP endpoints
	GenerateLimit   int
	ValidateLimit   int
	RateLimitWindow time.Duration

	Outputs []string // enabled audit sinks: log, kafka, postgres
}

func getOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return def
}

func getInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getSeconds(k string, def int) time.Duration {
	return time.Duration(getInt(k, def)) * time.Second
}

func getStringSlice(k, def string) []string {
	v := os.Getenv(k)
	if v == "" {
		v = def
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// getScriptMap parses "latin,cyrillic" into {latin: true, cyrillic: true}.
// A script absent from the map is treated as forbidden by the heuristics.
func getScriptMap(k, def string) map[string]bool {
	m := make(map[string]bool)
	for _, name := range getStringSlice(k, def) {
		m[strings.ToLower(name)] = true
	}
	return m
}

func Load() Config {
	return Config{
		ServerAddr:   getOr("SERVER_ADDR", ":19410"),
		TrustProxy:   getBool("TRUST_PROXY", false),
		MaxBodyBytes: getInt64("MAX_BODY_BYTES", 1<<20), // 1 MiB default

		RedisAddr:     getOr("REDIS_ADDR", ""),
		RedisPassword: getOr("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),
		KeyPrefix:     getOr("KEY_PREFIX", "formgate:"),

		ChallengeTTL:       getSeconds("CHALLENGE_TTL_SECONDS", 600),
		FailureTTL:         getSeconds("FAILURE_TTL_SECONDS", 3600),
		EnabledTypes:       getStringSlice("CHALLENGE_TYPES", "beam_alignment,sequence_complete"),
		FallbackType:       getOr("FALLBACK_TYPE", "sequence_complete"),
		VisualPercentage:   getInt("VISUAL_PERCENTAGE", 70),
		SingleUse:          getBool("SINGLE_USE_CHALLENGES", true),
		DifficultyMedium:   getInt("DIFFICULTY_MEDIUM_FAILURES", 1),
		DifficultyHard:     getInt("DIFFICULTY_HARD_FAILURES", 3),
		DifficultyExtreme:  getInt("DIFFICULTY_EXTREME_FAILURES", 5),
		FallbackAfterFails: getInt("FALLBACK_AFTER_VISUAL_FAILURES", 3),

		BeamCanvasWidth:  getInt("BEAM_CANVAS_WIDTH", 400),
		BeamCanvasHeight: getInt("BEAM_CANVAS_HEIGHT", 300),
		BeamTolerance:    getInt("BEAM_TOLERANCE", 15),

		TokenSecret:      getOr("TOKEN_SECRET", ""),
		MinSubmitSeconds: getInt("MIN_SUBMIT_SECONDS", 2),
		MaxSubmitSeconds: getInt("MAX_SUBMIT_SECONDS", 1200),

		HoneypotFields: getStringSlice("HONEYPOT_FIELDS", "website,url,homepage,search_username"),
		AllowedScripts: getScriptMap("ALLOWED_SCRIPTS", "latin"),
		ForbiddenWords: getStringSlice("FORBIDDEN_WORDS", ""),
		WordMatchMode:  getOr("WORD_MATCH_MODE", "exact"),

		ForceVisual:      getBool("FORCE_VISUAL", false),
		RequireHidden:    getBool("REQUIRE_HIDDEN", false),
		AttemptThreshold: getInt("ATTEMPT_THRESHOLD", 3),

		GenerateLimit:   getInt("GENERATE_LIMIT_PER_MINUTE", 10),
		ValidateLimit:   getInt("VALIDATE_LIMIT_PER_MINUTE", 20),
		RateLimitWindow: getSeconds("RATE_LIMIT_WINDOW_SECONDS", 60),

		Outputs: getStringSlice("OUTPUTS", "log"),
	}
}
