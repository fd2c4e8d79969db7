package reasoning

import (
	"errors"
	"fmt"
)

// Phase names the part of a search round that failed.
type Phase string

const (
	// PhaseExpansion covers rollout generation and attachment.
	PhaseExpansion Phase = "expansion"
	// PhaseSimulation covers masked completion and consistency checks.
	PhaseSimulation Phase = "simulation"
	// PhaseSelection covers picking the best answer once the budget is spent.
	PhaseSelection Phase = "selection"
)

var (
	// ErrNoAnswer reports that no simulated leaf exists to answer from.
	ErrNoAnswer = fmt.Errorf("no answer found: %w", ErrNoValidLeaf)

	// ErrEmptyRollout is returned when the step generator produced no steps.
	ErrEmptyRollout = errors.New("rollout produced no reasoning steps")

	// ErrMalformedResult is returned when a structured result lacks a
	// requested field.
	ErrMalformedResult = errors.New("structured result is missing a required field")

	// ErrInvalidMessage is returned by Process for a message it cannot run.
	ErrInvalidMessage = errors.New("invalid message")
)

// SearchError is returned when a search round or the final answer selection
// fails. The tree is left as it was before the failing round.
type SearchError struct {
	Phase Phase
	Round int
	Err   error
}

// Error implements the error interface.
func (e *SearchError) Error() string {
	if e.Phase == PhaseSelection {
		return fmt.Sprintf("search %s failed after %d rounds: %v", e.Phase, e.Round, e.Err)
	}
	return fmt.Sprintf("search round %d failed during %s: %v", e.Round, e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *SearchError) Unwrap() error {
	return e.Err
}
