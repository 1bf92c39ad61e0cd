package challenge

import (
	"encoding/json"
	"fmt"
)

type sequenceKind string

const (
	arithmeticSeq sequenceKind = "arithmetic"
	geometricSeq  sequenceKind = "geometric"
)

type sequenceTemplate struct {
	kind   sequenceKind
	start  int
	step   int // arithmetic only
	ratio  int // geometric only
	length int
}

// Fixed catalogue; the expanded sequences all have answers well clear of
// zero so decoy generation never collides with a zero answer.
var sequenceTemplates = []sequenceTemplate{
	{kind: arithmeticSeq, start: 1, step: 2, length: 4},   // 1, 3, 5, 7
	{kind: arithmeticSeq, start: 2, step: 3, length: 4},   // 2, 5, 8, 11
	{kind: arithmeticSeq, start: 5, step: 5, length: 4},   // 5, 10, 15, 20
	{kind: arithmeticSeq, start: 10, step: 10, length: 4}, // 10, 20, 30, 40
	{kind: arithmeticSeq, start: 1, step: 4, length: 4},   // 1, 5, 9, 13
	{kind: arithmeticSeq, start: 3, step: 7, length: 4},   // 3, 10, 17, 24
	{kind: geometricSeq, start: 2, ratio: 2, length: 4},   // 2, 4, 8, 16
	{kind: geometricSeq, start: 3, ratio: 2, length: 4},   // 3, 6, 12, 24
	{kind: geometricSeq, start: 1, ratio: 3, length: 4},   // 1, 3, 9, 27
}

func (t sequenceTemplate) expand() []int {
	seq := make([]int, t.length)
	switch t.kind {
	case arithmeticSeq:
		for i := 0; i < t.length; i++ {
			seq[i] = t.start + i*t.step
		}
	case geometricSeq:
		v := t.start
		for i := 0; i < t.length; i++ {
			seq[i] = v
			v *= t.ratio
		}
	}
	return seq
}

// generateSequence expands a random template, pops the final element as the
// answer and surrounds it with three plausible decoys.
func (e *Engine) generateSequence() (json.RawMessage, Solution, string, error) {
	tmpl := sequenceTemplates[e.randInt(len(sequenceTemplates))]
	full := tmpl.expand()

	answer := full[len(full)-1]
	shown := full[:len(full)-1]

	choices := e.shuffledChoices(answer)

	data, err := json.Marshal(SequenceData{
		Sequence: shown,
		Choices:  choices,
	})
	if err != nil {
		return nil, Solution{}, "", fmt.Errorf("marshal sequence data: %w", err)
	}

	last := shown[len(shown)-1]
	return data, Solution{Answer: answer}, tmpl.instructions(last), nil
}

// shuffledChoices builds the four displayed candidates: the answer, a close
// perturbation (±1..3), a wider one (±5..10) and the answer doubled.
func (e *Engine) shuffledChoices(answer int) []int {
	decoys := []int{
		answer + e.randSign()*(1+e.randInt(3)),
		answer + e.randSign()*(5+e.randInt(6)),
		answer * 2,
	}
	for i, d := range decoys {
		if d == answer {
			decoys[i] = answer + 4
		}
	}

	choices := append([]int{answer}, decoys...)
	for i := len(choices) - 1; i > 0; i-- {
		j := e.randInt(i + 1)
		choices[i], choices[j] = choices[j], choices[i]
	}
	return choices
}

// instructions describes the rule in terms of the last visible number. It
// never references the choice list, so it cannot leak which option is the
// answer.
func (t sequenceTemplate) instructions(last int) string {
	switch t.kind {
	case arithmeticSeq:
		if t.step >= 0 {
			return fmt.Sprintf("Add %d to the last number (%d) to get the next number.", t.step, last)
		}
		return fmt.Sprintf("Subtract %d from the last number (%d) to get the next number.", -t.step, last)
	case geometricSeq:
		switch t.ratio {
		case 2:
			return fmt.Sprintf("Double the last number (%d) to get the next number.", last)
		case 3:
			return fmt.Sprintf("Triple the last number (%d) to get the next number.", last)
		default:
			return fmt.Sprintf("Multiply the last number (%d) by %d to get the next number.", last, t.ratio)
		}
	}
	return "Complete the sequence by selecting the next number."
}

// validateSequence compares with integer-normalized equality; the submission
// side was already coerced by NormalizeSubmission.
func validateSequence(sol Solution, sub Submission) bool {
	return sub.Answer == sol.Answer
}
