package tools

import "fmt"

type (
	// UnknownToolError reports a call to a tool name no definition covers.
	// It is terminal: the executor records it as a failed call, never
	// retries it.
	UnknownToolError struct {
		// Name is the unresolved tool name.
		Name string
	}

	// TransientError marks a failure worth retrying. Handlers wrap
	// recoverable upstream failures with Transient so the retry engine can
	// distinguish them from validation and authorization errors.
	TransientError struct {
		Err error
	}
)

// Error returns a description naming the unresolved tool.
func (e *UnknownToolError) Error() string { return fmt.Sprintf("unknown tool %q", e.Name) }

// Error returns the wrapped error's message.
func (e *TransientError) Error() string { return fmt.Sprintf("transient: %s", e.Err) }

// Unwrap returns the wrapped error.
func (e *TransientError) Unwrap() error { return e.Err }

// Transient reports that the failure may succeed on retry.
func (e *TransientError) Transient() bool { return true }

// MarkTransient wraps err so the retry engine treats it as recoverable.
// A nil err stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}
