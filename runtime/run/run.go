// Package run defines the event record model for a run: the envelope shared
// by every event variant, the typed variants themselves, the JSON wire codec,
// and the State snapshot that projections produce.
//
// A run is one multi-step agent conversation. Everything that happens to a
// run — lifecycle transitions, messages, model turns, tool calls, approvals,
// artifacts — is recorded as an immutable event. The event log (see package
// eventlog) owns the canonical per-run ordering; State is a derived,
// disposable view that any number of observers may hold.
//
// Identifier layering:
//
//   - RunID identifies the run and never changes for its lifetime.
//   - StepID groups the events of one logical step within the run (one tool
//     call, one model turn). Optional on events that precede any step.
//   - CorrelationID groups a causal chain across the run, typically seeded by
//     the event that opened the chain.
//   - CausationID names the single event that directly triggered this one and
//     must resolve within the same run.
package run

// Scope carries the resolved caller identity threaded through every core
// call. It is explicit state, never ambient: the core performs no tenant
// resolution of its own and trusts the identity it is handed.
type Scope struct {
	// TenantID is the tenant that owns the run. Required.
	TenantID string
	// UserID identifies the acting user within the tenant. Optional for
	// system-initiated operations.
	UserID string
}

// Status enumerates run lifecycle states as reported by State.
type Status string

const (
	// StatusPending marks a run that has been allocated but not started.
	StatusPending Status = "pending"
	// StatusRunning marks a run that is actively executing.
	StatusRunning Status = "running"
	// StatusWaitingApproval marks a run blocked on at least one pending
	// approval.
	StatusWaitingApproval Status = "waiting_approval"
	// StatusWaitingInput marks a run waiting for the next user message.
	StatusWaitingInput Status = "waiting_input"
	// StatusCompleted marks a run that finished successfully. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed marks a run that halted with an error. Terminal.
	StatusFailed Status = "failed"
	// StatusCancelled marks a run cancelled by a caller. Terminal.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further events.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// RiskTier classifies how dangerous a tool is to execute. The tier decides
// whether a human approval gates the call.
type RiskTier string

const (
	// RiskLow tools execute without approval.
	RiskLow RiskTier = "low"
	// RiskMedium tools require approval unless the tool definition exempts
	// them.
	RiskMedium RiskTier = "medium"
	// RiskHigh tools always require approval.
	RiskHigh RiskTier = "high"
	// RiskCritical tools always require approval.
	RiskCritical RiskTier = "critical"
)

// Valid reports whether the tier is one of the defined values.
func (t RiskTier) Valid() bool {
	switch t {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	default:
		return false
	}
}

// RequiresApproval reports whether a call at this tier must be approved
// before execution. exempt applies to the medium tier only; high and
// critical tiers gate unconditionally.
func (t RiskTier) RequiresApproval(exempt bool) bool {
	switch t {
	case RiskMedium:
		return !exempt
	case RiskHigh, RiskCritical:
		return true
	default:
		return false
	}
}

// Decision enumerates the outcomes a resolver can give a pending approval.
type Decision string

const (
	// DecisionApprove authorizes the tool call with its original arguments.
	DecisionApprove Decision = "approve"
	// DecisionReject denies the tool call; the call terminates without
	// executing.
	DecisionReject Decision = "reject"
	// DecisionEditApprove authorizes the tool call with resolver-edited
	// arguments substituted for the originals.
	DecisionEditApprove Decision = "edit_approve"
)

// Valid reports whether the decision is one of the defined values.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionEditApprove:
		return true
	default:
		return false
	}
}

// Approved reports whether the decision authorizes execution.
func (d Decision) Approved() bool {
	return d == DecisionApprove || d == DecisionEditApprove
}

// TokenUsage reports token consumption for one model turn.
type TokenUsage struct {
	// InputTokens is the number of prompt tokens consumed.
	InputTokens int `json:"inputTokens"`
	// OutputTokens is the number of completion tokens produced.
	OutputTokens int `json:"outputTokens"`
	// TotalTokens is InputTokens + OutputTokens.
	TotalTokens int `json:"totalTokens"`
}
