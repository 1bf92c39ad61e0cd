// Package audit defines the event envelope emitted for every protection
// decision and challenge lifecycle step.
package audit

import (
	"time"

	"github.com/google/uuid"
)

const (
	KindDecision           = "decision"
	KindChallengeIssued    = "challenge_issued"
	KindChallengeValidated = "challenge_validated"
)

// Event is the wire format shared by every sink. EventID doubles as the
// partition key downstream, so duplicates collapse.
type Event struct {
	EventID string `json:"event_id"`
	TS      string `json:"ts"`
	Kind    string `json:"kind"`

	SessionID string `json:"session_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	State   string   `json:"state,omitempty"`
	Signals []string `json:"signals,omitempty"`

	ChallengeID   string `json:"challenge_id,omitempty"`
	ChallengeType string `json:"challenge_type,omitempty"`
	Difficulty    string `json:"difficulty,omitempty"`
	Valid         *bool  `json:"valid,omitempty"`
}

// New stamps a fresh envelope of the given kind.
func New(kind string) Event {
	return Event{
		EventID: uuid.NewString(),
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Kind:    kind,
	}
}

// Bool is a convenience for the optional Valid field.
func Bool(v bool) *bool { return &v }
