package challenge

import (
	"encoding/json"
	"fmt"
)

const beamInstructions = "Align the beam source with the target by dragging the source to enable particle collision"

// generateBeam places a source point in the left band of the canvas and a
// target in the right band, both at least a tolerance radius away from the
// edges. The solution is the drag offset between them.
func (e *Engine) generateBeam() (json.RawMessage, Solution, string, error) {
	width := e.cfg.BeamCanvasWidth
	height := e.cfg.BeamCanvasHeight
	tolerance := e.cfg.BeamTolerance

	margin := 2 * tolerance
	if margin < 50 {
		margin = 50
	}

	source := Point{
		X: e.randBetween(margin, margin+100),
		Y: e.randBetween(2*margin, height-2*margin),
	}
	target := Point{
		X: e.randBetween(width-margin-100, width-margin),
		Y: e.randBetween(2*margin, height-2*margin),
	}

	data, err := json.Marshal(BeamData{
		Source:       source,
		Target:       target,
		Tolerance:    tolerance,
		CanvasWidth:  width,
		CanvasHeight: height,
	})
	if err != nil {
		return nil, Solution{}, "", fmt.Errorf("marshal beam data: %w", err)
	}

	sol := Solution{
		OffsetX: target.X - source.X,
		OffsetY: target.Y - source.Y,
	}
	return data, sol, beamInstructions, nil
}

// validateBeam accepts the submission when both axes land within the
// tolerance that was frozen into the challenge at generation time.
func validateBeam(data json.RawMessage, sol Solution, sub Submission) bool {
	var beam BeamData
	if err := json.Unmarshal(data, &beam); err != nil {
		return false
	}

	xDiff := abs(sub.OffsetX - sol.OffsetX)
	yDiff := abs(sub.OffsetY - sol.OffsetY)
	return xDiff <= beam.Tolerance && yDiff <= beam.Tolerance
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// randBetween returns a uniform value in [lo, hi]; degenerate ranges
// collapse to lo so odd canvas configurations cannot panic the generator.
func (e *Engine) randBetween(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + e.randInt(hi-lo+1)
}
