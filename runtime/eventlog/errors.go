package eventlog

import "fmt"

type (
	// ConflictError reports an append whose expected-sequence precondition
	// did not match the run's actual head. The caller lost an optimistic
	// concurrency race and should re-read before retrying.
	ConflictError struct {
		// RunID is the run the append targeted.
		RunID string
		// Expected is the head the caller asserted.
		Expected uint64
		// Head is the run's actual head at append time.
		Head uint64
	}

	// ValidationError reports an event the store refused to append: a
	// malformed envelope, a tenant that differs from the run's, or a
	// causation ID that does not resolve to a prior event of the run.
	ValidationError struct {
		// RunID is the run the append targeted.
		RunID string
		// Reason describes what was wrong with the event.
		Reason string
		// Err is the underlying validation error, if any.
		Err error
	}
)

// Error returns a description of the sequence conflict.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("append conflict on run %s: expected head %d, have %d", e.RunID, e.Expected, e.Head)
}

// Error returns a description of the rejected event.
func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid event for run %s: %s: %s", e.RunID, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid event for run %s: %s", e.RunID, e.Reason)
}

// Unwrap returns the underlying validation error.
func (e *ValidationError) Unwrap() error { return e.Err }
