package orchestrator

import "fmt"

// RunNotFoundError reports that a run does not exist or is not visible to
// the caller's tenant. The two cases are deliberately indistinguishable so
// probing cannot confirm another tenant's run IDs.
type RunNotFoundError struct {
	// RunID is the run the caller named.
	RunID string
}

// Error implements the error interface.
func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run %s not found", e.RunID)
}

// RunClosedError reports an operation on a run that already reached a
// terminal status.
type RunClosedError struct {
	// RunID is the run.
	RunID string
	// Status is the terminal status the run holds.
	Status string
}

// Error implements the error interface.
func (e *RunClosedError) Error() string {
	return fmt.Sprintf("run %s is %s", e.RunID, e.Status)
}

// ApprovalPendingError reports that a turn cannot start while an earlier
// tool call is still awaiting its approval decision.
type ApprovalPendingError struct {
	// RunID is the blocked run.
	RunID string
}

// Error implements the error interface.
func (e *ApprovalPendingError) Error() string {
	return fmt.Sprintf("run %s has a pending approval", e.RunID)
}
