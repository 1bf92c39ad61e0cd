package challenge

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Submission is a strongly-typed submitted solution. Clients send loosely
// typed payloads (JSON objects, JSON-encoded strings, bare values); all of
// that is funneled through NormalizeSubmission so the validators only ever
// see this shape.
type Submission struct {
	OffsetX int
	OffsetY int
	Answer  int
}

// NormalizeSubmission converts whatever the client sent into a Submission.
// Strings are tried as JSON first and fall back to being wrapped as
// {answer: value}. Malformed input degrades to zero values rather than
// erroring; a zero answer simply fails validation against non-zero answers.
func NormalizeSubmission(raw any) Submission {
	fields := map[string]any{}

	switch v := raw.(type) {
	case map[string]any:
		fields = v
	case string:
		var decoded map[string]any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			fields = decoded
		} else {
			fields["answer"] = v
		}
	case nil:
		// leave zero
	default:
		fields["answer"] = v
	}

	return Submission{
		OffsetX: toInt(fields["offset_x"]),
		OffsetY: toInt(fields["offset_y"]),
		Answer:  toInt(fields["answer"]),
	}
}

// toInt applies integer-normalized coercion: numeric strings (including
// leading zeros) parse, floats truncate, anything else is 0.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		if f, err := n.Float64(); err == nil {
			return int(f)
		}
		return 0
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.Atoi(s); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f)
		}
		return 0
	}
	return 0
}
