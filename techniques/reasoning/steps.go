package reasoning

import (
	"strings"
)

// stepMarker starts a new step when it prefixes a (trimmed) line.
const stepMarker = "Step"

// ExtractSteps splits generated text into ordered reasoning steps.
//
// A line starting with "Step" opens a new step whose text is everything
// after the first colon on that line; following lines that do not open a
// step are appended to it, space-joined. Blank lines are ignored, as are
// lines before the first step marker. Every marker yields exactly one step,
// so a bare "Step 2:" with no text after it or below it yields an empty
// step; CompleteSteps leaves empty steps out of the trajectory it shows the
// model. When the text holds no step marker at all, the whole trimmed text
// is returned as a single step. Blank input yields no steps.
func ExtractSteps(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []string{}
	}

	steps := []string{}
	var current []string
	inStep := false

	flush := func() {
		if inStep {
			steps = append(steps, strings.Join(current, " "))
		}
		current = nil
	}

	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, stepMarker) {
			flush()
			inStep = true
			if content := stepContent(line); content != "" {
				current = append(current, content)
			}
			continue
		}

		if inStep {
			current = append(current, line)
		}
	}
	flush()

	if len(steps) == 0 {
		return []string{trimmed}
	}
	return steps
}

// stepContent returns the text after the first colon of a step line, or the
// whole line when it has no colon.
func stepContent(line string) string {
	if _, after, found := strings.Cut(line, ":"); found {
		return strings.TrimSpace(after)
	}
	return line
}

// MaskTrajectory returns the leading floor(n*0.2)+1 steps of trajectory,
// clamped to its length.
func MaskTrajectory(trajectory []string) []string {
	n := len(trajectory)
	// floor(n*0.2) in integer arithmetic
	keep := n/5 + 1
	if keep > n {
		keep = n
	}
	masked := make([]string, keep)
	copy(masked, trajectory[:keep])
	return masked
}
