package approval

import (
	"fmt"

	"goa.design/baton/runtime/run"
)

type (
	// NotFoundError reports a resolution attempt against an approval the
	// manager has never seen.
	NotFoundError struct {
		// ApprovalID is the unknown approval.
		ApprovalID string
	}

	// AlreadyResolvedError reports a resolution attempt against an approval
	// that is no longer pending, either because a decision landed first or
	// because its deadline elapsed.
	AlreadyResolvedError struct {
		// ApprovalID is the approval that was targeted.
		ApprovalID string
		// Status is the approval's current status.
		Status run.ApprovalStatus
	}
)

// Error returns a description naming the unknown approval.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("approval %s not found", e.ApprovalID)
}

// Error returns a description naming the approval and its status.
func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("approval %s is %s, not pending", e.ApprovalID, e.Status)
}
