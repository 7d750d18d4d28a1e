package executor

import "fmt"

type (
	// RateLimitError reports a call refused because a configured limit was
	// already spent. The refusal is recorded as a failed tool call; the
	// executor never retries it.
	RateLimitError struct {
		// RunID is the run the call belonged to.
		RunID string
		// ToolName names the limited tool.
		ToolName string
		// Limit describes the exceeded limit.
		Limit string
	}

	// RejectedError reports a gated call denied by an explicit reject
	// decision or by approval expiry.
	RejectedError struct {
		// ToolCallID is the denied call.
		ToolCallID string
		// ApprovalID is the approval that gated the call.
		ApprovalID string
		// ResolvedBy identifies the rejecting actor, empty on expiry.
		ResolvedBy string
		// Expired reports denial by deadline rather than decision.
		Expired bool
	}

	// InFlightError reports a same-key call started elsewhere whose
	// terminal event has not landed yet. Callers retry once the owning
	// process records the outcome.
	InFlightError struct {
		// RunID is the run holding the live call.
		RunID string
		// ToolCallID is the live call.
		ToolCallID string
		// IdempotencyKey is the key both calls share.
		IdempotencyKey string
	}
)

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("tool %q rate limited on run %s: %s", e.ToolName, e.RunID, e.Limit)
}

func (e *RejectedError) Error() string {
	if e.Expired {
		return fmt.Sprintf("tool call %s rejected: approval %s expired", e.ToolCallID, e.ApprovalID)
	}
	return fmt.Sprintf("tool call %s rejected by %s", e.ToolCallID, e.ResolvedBy)
}

func (e *InFlightError) Error() string {
	return fmt.Sprintf("tool call %s on run %s is already in flight", e.ToolCallID, e.RunID)
}
