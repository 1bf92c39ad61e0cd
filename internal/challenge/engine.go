package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/formgate/formgate/internal/metrics"
	"github.com/formgate/formgate/internal/store"
	"github.com/formgate/formgate/pkg/config"
)

// Engine generates and validates challenges. It holds no mutable state of
// its own; everything lives in the keyed store so any number of replicas can
// share it.
type Engine struct {
	store store.Store
	cfg   config.Config

	mu  sync.Mutex
	rng *rand.Rand

	nowFn func() time.Time
}

func NewEngine(st store.Store, cfg config.Config) *Engine {
	return &Engine{
		store: st,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		nowFn: time.Now,
	}
}

func (e *Engine) randInt(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Intn(n)
}

func (e *Engine) randSign() int {
	if e.randInt(2) == 0 {
		return 1
	}
	return -1
}

func (e *Engine) challengeKey(id string) string {
	return e.cfg.KeyPrefix + "challenge:" + id
}

func (e *Engine) failuresKey(sessionID string) string {
	return e.cfg.KeyPrefix + "failures:" + sessionID
}

func (e *Engine) visualFailuresKey(sessionID string) string {
	return e.cfg.KeyPrefix + "visual_failures:" + sessionID
}

// newChallengeID returns a 32-char alphanumeric token so ids survive the
// endpoint's [a-zA-Z0-9]{10,100} format check.
func newChallengeID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Generate creates a challenge for the session, derives its difficulty from
// the session's failure history, persists it and returns it whole. Callers
// transmitting it to a client must go through Challenge.Public().
func (e *Engine) Generate(ctx context.Context, sessionID string) (*Challenge, error) {
	failures, err := e.store.GetInt(ctx, e.failuresKey(sessionID))
	if err != nil {
		log.Printf("challenge: reading failure counter: %v", err)
		metrics.Get().IncrementStoreErrors("get_int")
		failures = 0
	}

	typ := e.chooseType(ctx, sessionID)

	var (
		data         json.RawMessage
		sol          Solution
		instructions string
	)
	switch typ {
	case TypeSequenceComplete:
		data, sol, instructions, err = e.generateSequence()
	default:
		data, sol, instructions, err = e.generateBeam()
	}
	if err != nil {
		return nil, err
	}

	ch := &Challenge{
		ID:           newChallengeID(),
		Type:         typ,
		Difficulty:   e.difficultyFor(failures),
		SessionID:    sessionID,
		CreatedAt:    e.nowFn().UTC(),
		Instructions: instructions,
		Data:         data,
		Solution:     sol,
	}

	encoded, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("marshal challenge: %w", err)
	}
	if err := e.store.Set(ctx, e.challengeKey(ch.ID), string(encoded), e.cfg.ChallengeTTL); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}
	return ch, nil
}

// difficultyFor resolves the tier by descending threshold so higher tiers
// always win.
func (e *Engine) difficultyFor(failures int64) Difficulty {
	switch {
	case failures >= int64(e.cfg.DifficultyExtreme):
		return Extreme
	case failures >= int64(e.cfg.DifficultyHard):
		return Hard
	case failures >= int64(e.cfg.DifficultyMedium):
		return Medium
	}
	return Easy
}

// enabledTypes filters configuration down to recognized, non-blank entries.
func (e *Engine) enabledTypes() []Type {
	var types []Type
	for _, name := range e.cfg.EnabledTypes {
		if t, ok := ParseType(strings.TrimSpace(name)); ok {
			types = append(types, t)
		}
	}
	return types
}

// fallbackType is the relief-valve style a session is steered to after
// repeatedly failing the others.
func (e *Engine) fallbackType(enabled []Type) Type {
	if t, ok := ParseType(e.cfg.FallbackType); ok {
		for _, et := range enabled {
			if et == t {
				return t
			}
		}
	}
	return enabled[0]
}

// chooseType picks a challenge style for the session. Sessions past the
// visual-failure threshold are forced onto the fallback type; everyone else
// gets a weighted draw between the primary styles and the fallback.
func (e *Engine) chooseType(ctx context.Context, sessionID string) Type {
	enabled := e.enabledTypes()
	if len(enabled) == 0 {
		return DefaultType
	}

	visualFailures, err := e.store.GetInt(ctx, e.visualFailuresKey(sessionID))
	if err != nil {
		log.Printf("challenge: reading visual failure counter: %v", err)
		metrics.Get().IncrementStoreErrors("get_int")
	}

	fallback := e.fallbackType(enabled)
	if visualFailures >= int64(e.cfg.FallbackAfterFails) {
		return fallback
	}

	var primary []Type
	for _, t := range enabled {
		if t != fallback {
			primary = append(primary, t)
		}
	}
	if len(primary) == 0 {
		return fallback
	}

	if e.randInt(100)+1 <= e.cfg.VisualPercentage {
		return primary[e.randInt(len(primary))]
	}
	return fallback
}

// Validate checks a submission against the stored challenge. An unknown,
// expired or already-consumed id is simply false, never an error. When
// consume is set and single-use mode is on, the challenge is atomically
// claimed up front so a concurrent duplicate submission loses cleanly.
func (e *Engine) Validate(ctx context.Context, challengeID string, sub Submission, consume bool) bool {
	valid, _ := e.ValidateWithType(ctx, challengeID, sub, consume)
	return valid
}

// ValidateWithType additionally reports the stored challenge's type, for
// callers that label metrics or audit events with it.
func (e *Engine) ValidateWithType(ctx context.Context, challengeID string, sub Submission, consume bool) (bool, Type) {
	key := e.challengeKey(challengeID)

	var (
		raw string
		ok  bool
		err error
		op  string
	)
	if consume && e.cfg.SingleUse {
		op = "getdel"
		raw, ok, err = e.store.GetDel(ctx, key)
	} else {
		op = "get"
		raw, ok, err = e.store.Get(ctx, key)
	}
	if err != nil {
		log.Printf("challenge: fetching %s: %v", challengeID, err)
		metrics.Get().IncrementStoreErrors(op)
		return false, ""
	}
	if !ok {
		return false, ""
	}

	var ch Challenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		log.Printf("challenge: corrupt stored challenge %s: %v", challengeID, err)
		return false, ""
	}

	var valid bool
	switch ch.Type {
	case TypeBeamAlignment:
		valid = validateBeam(ch.Data, ch.Solution, sub)
	case TypeSequenceComplete:
		valid = validateSequence(ch.Solution, sub)
	}

	e.trackResult(ctx, ch.SessionID, valid, ch.Type)
	return valid, ch.Type
}

// trackResult updates the session's failure counters. Any success wipes both
// counters entirely; failure bumps the total and, for non-fallback styles,
// the visual counter that eventually forces the fallback type.
func (e *Engine) trackResult(ctx context.Context, sessionID string, valid bool, typ Type) {
	if valid {
		if err := e.store.Del(ctx, e.failuresKey(sessionID)); err != nil {
			log.Printf("challenge: clearing failure counter: %v", err)
			metrics.Get().IncrementStoreErrors("del")
		}
		if err := e.store.Del(ctx, e.visualFailuresKey(sessionID)); err != nil {
			log.Printf("challenge: clearing visual failure counter: %v", err)
			metrics.Get().IncrementStoreErrors("del")
		}
		return
	}

	if _, err := e.store.Incr(ctx, e.failuresKey(sessionID), e.cfg.FailureTTL); err != nil {
		log.Printf("challenge: incrementing failure counter: %v", err)
		metrics.Get().IncrementStoreErrors("incr")
	}

	enabled := e.enabledTypes()
	if len(enabled) == 0 || typ != e.fallbackType(enabled) {
		if _, err := e.store.Incr(ctx, e.visualFailuresKey(sessionID), e.cfg.FailureTTL); err != nil {
			log.Printf("challenge: incrementing visual failure counter: %v", err)
			metrics.Get().IncrementStoreErrors("incr")
		}
	}
}

// ForFrontend returns the public projection of a stored challenge, or nil if
// the id is unknown or expired.
func (e *Engine) ForFrontend(ctx context.Context, challengeID string) *Public {
	raw, ok, err := e.store.Get(ctx, e.challengeKey(challengeID))
	if err != nil {
		log.Printf("challenge: fetching %s for frontend: %v", challengeID, err)
		metrics.Get().IncrementStoreErrors("get")
		return nil
	}
	if !ok {
		return nil
	}
	var ch Challenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		log.Printf("challenge: corrupt stored challenge %s: %v", challengeID, err)
		return nil
	}
	return ch.Public()
}
