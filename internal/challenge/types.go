// Package challenge implements generation and single-use validation of the
// interactive puzzles, with per-session failure tracking that drives the
// adaptive difficulty tier.
package challenge

import (
	"encoding/json"
	"time"
)

// Type identifies a puzzle style.
type Type string

const (
	TypeBeamAlignment    Type = "beam_alignment"
	TypeSequenceComplete Type = "sequence_complete"
)

// DefaultType is used when configuration enables no recognizable type.
const DefaultType = TypeBeamAlignment

// ParseType returns the known Type for name, or ok=false for anything else.
func ParseType(name string) (Type, bool) {
	switch Type(name) {
	case TypeBeamAlignment:
		return TypeBeamAlignment, true
	case TypeSequenceComplete:
		return TypeSequenceComplete, true
	}
	return "", false
}

// Difficulty is derived from a session's accumulated failures, never chosen
// by the client.
type Difficulty string

const (
	Easy    Difficulty = "easy"
	Medium  Difficulty = "medium"
	Hard    Difficulty = "hard"
	Extreme Difficulty = "extreme"
)

// Challenge is one issued puzzle instance: a public half (Data, Instructions)
// and a private half (Solution, SessionID). It is stored verbatim in the
// keyed store and must be stripped via Public() before leaving the server.
type Challenge struct {
	ID           string          `json:"id"`
	Type         Type            `json:"type"`
	Difficulty   Difficulty      `json:"difficulty"`
	SessionID    string          `json:"session_id"`
	CreatedAt    time.Time       `json:"created_at"`
	Instructions string          `json:"instructions"`
	Data         json.RawMessage `json:"challenge_data"`
	Solution     Solution        `json:"solution"`
}

// Solution is the private half of a challenge. Beam challenges use the
// offsets, sequence challenges use Answer.
type Solution struct {
	OffsetX int `json:"offset_x,omitempty"`
	OffsetY int `json:"offset_y,omitempty"`
	Answer  int `json:"answer,omitempty"`
}

// Public is the frontend-safe projection of a Challenge. Solution and
// SessionID must never appear here.
type Public struct {
	ID           string          `json:"id"`
	Type         Type            `json:"type"`
	Instructions string          `json:"instructions"`
	Data         json.RawMessage `json:"challenge_data"`
}

// Public strips the private half.
func (c *Challenge) Public() *Public {
	return &Public{
		ID:           c.ID,
		Type:         c.Type,
		Instructions: c.Instructions,
		Data:         c.Data,
	}
}

// Point is a canvas coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// BeamData is the public payload of a beam alignment challenge. Tolerance is
// carried here, not re-read from config at validation time, so a challenge
// stays internally consistent if config changes mid-flight.
type BeamData struct {
	Source       Point `json:"source"`
	Target       Point `json:"target"`
	Tolerance    int   `json:"tolerance"`
	CanvasWidth  int   `json:"canvas_width"`
	CanvasHeight int   `json:"canvas_height"`
}

// SequenceData is the public payload of a sequence completion challenge.
type SequenceData struct {
	Sequence []int `json:"sequence"`
	Choices  []int `json:"choices"`
}
