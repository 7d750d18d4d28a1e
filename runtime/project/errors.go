package project

import (
	"fmt"

	"goa.design/baton/runtime/run"
)

type (
	// OutOfOrderError reports an llm-delta whose token index does not
	// directly follow the last applied index for its turn. The event log is
	// the only valid reorder boundary, so a gap here means the log itself is
	// wrong. The fold consumes the event without applying it; callers log
	// the error and continue.
	OutOfOrderError struct {
		// RunID is the run being folded.
		RunID string
		// TurnID is the model turn the delta belongs to.
		TurnID string
		// Sequence is the offending event's sequence.
		Sequence uint64
		// Want is the token index the fold expected.
		Want int
		// Got is the token index the delta carried.
		Got int
	}

	// TerminalStateError reports an event recorded after the run reached a
	// terminal status. The fold consumes the event without applying it;
	// callers log the error and continue.
	TerminalStateError struct {
		// RunID is the run being folded.
		RunID string
		// Status is the run's terminal status.
		Status run.Status
		// Sequence is the offending event's sequence.
		Sequence uint64
		// EventType is the offending event's type.
		EventType run.EventType
	}
)

// Error returns a description of the token index gap.
func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out-of-order llm delta for run %s turn %s at sequence %d: want token index %d, got %d",
		e.RunID, e.TurnID, e.Sequence, e.Want, e.Got)
}

// Error returns a description of the late event.
func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("run %s is %s: event %q at sequence %d arrived after the terminal event",
		e.RunID, e.Status, e.EventType, e.Sequence)
}
