package run

import (
	"encoding/json"
	"maps"
	"time"
)

type (
	// State is the snapshot a projection produces for one run. It is a pure
	// function of the run's ordered event prefix: replaying the same prefix
	// always yields the same State, and folding one more event onto a State
	// equals projecting the longer prefix from scratch.
	//
	// State is a derived, disposable cache. Any number of copies may exist
	// and none is authoritative; the event log is.
	State struct {
		// RunID identifies the run.
		RunID string `json:"runId"`
		// TenantID is the tenant that owns the run.
		TenantID string `json:"tenantId"`
		// UserID is the user the run executes on behalf of.
		UserID string `json:"userId"`
		// Status is the run's lifecycle state.
		Status Status `json:"status"`
		// Title is the run's display title, when one was given.
		Title string `json:"title,omitempty"`
		// StartedAt is the run-started event's timestamp.
		StartedAt time.Time `json:"startedAt"`
		// Messages holds the conversation in arrival order.
		Messages []Message `json:"messages,omitempty"`
		// Steps holds the distinct step identifiers in arrival order.
		Steps []Step `json:"steps,omitempty"`
		// ToolCalls holds every requested tool call in arrival order.
		ToolCalls []ToolCallState `json:"toolCalls,omitempty"`
		// Approvals holds every approval request in arrival order.
		Approvals []ApprovalState `json:"approvals,omitempty"`
		// Artifacts holds the run's artifacts in arrival order.
		Artifacts []Artifact `json:"artifacts,omitempty"`
		// CurrentStepID is the step of the most recent event that carried
		// one.
		CurrentStepID string `json:"currentStepId,omitempty"`
		// HasPendingApproval reports whether at least one approval is still
		// pending.
		HasPendingApproval bool `json:"hasPendingApproval"`
		// LastError is the message of the run-failed event or the most
		// recent failed tool call.
		LastError string `json:"lastError,omitempty"`
		// StreamingContent is the partial assistant text accumulated from
		// llm-delta events of the open turn. Cleared when the turn
		// completes.
		StreamingContent string `json:"streamingContent,omitempty"`
		// StreamingTurnID is the turn currently streaming into
		// StreamingContent. Empty when no turn is open.
		StreamingTurnID string `json:"streamingTurnId,omitempty"`
		// TurnTokenIndex records the last applied llm-delta token index per
		// turn, used to reject out-of-order fragments.
		TurnTokenIndex map[string]int `json:"turnTokenIndex,omitempty"`
		// LastEventSequence is the sequence of the last folded event.
		LastEventSequence uint64 `json:"lastEventSequence"`
	}

	// Message is one conversation entry.
	Message struct {
		// ID uniquely identifies the message within the run.
		ID string `json:"id"`
		// Role is "user" or "assistant".
		Role string `json:"role"`
		// Content is the message text.
		Content string `json:"content"`
		// TurnID links assistant messages to the model turn that produced
		// them.
		TurnID string `json:"turnId,omitempty"`
		// CreatedAt is the message event's timestamp.
		CreatedAt time.Time `json:"createdAt"`
	}

	// Step tracks one logical step of the run.
	Step struct {
		// ID is the step identifier events carry in their envelope.
		ID string `json:"id"`
		// StartedAt is the timestamp of the first event seen for the step.
		StartedAt time.Time `json:"startedAt"`
	}

	// ToolCallState tracks one tool call from request to terminal outcome.
	ToolCallState struct {
		// ID is the tool call identifier.
		ID string `json:"id"`
		// EventID is the tool-call-requested event's ID, kept so follow-up
		// events can be caused by it even after a restart.
		EventID string `json:"eventId"`
		// CorrelationID is the causal chain the call belongs to.
		CorrelationID string `json:"correlationId"`
		// StepID is the step the call belongs to.
		StepID string `json:"stepId,omitempty"`
		// Name is the tool being invoked.
		Name string `json:"name"`
		// Args is the canonical JSON argument object.
		Args json.RawMessage `json:"args,omitempty"`
		// Status is the call's progress: pending, awaiting_approval,
		// running, succeeded, failed.
		Status ToolCallStatus `json:"status"`
		// RiskTier is the tool's risk classification at request time.
		RiskTier RiskTier `json:"riskTier"`
		// IdempotencyKey dedupes retried executions of the same logical
		// call.
		IdempotencyKey string `json:"idempotencyKey"`
		// RequiresApproval reports whether the call was gated on approval.
		RequiresApproval bool `json:"requiresApproval"`
		// ApprovalID references the approval gating the call, when one was
		// requested.
		ApprovalID string `json:"approvalId,omitempty"`
		// Output is the tool's JSON result on success.
		Output json.RawMessage `json:"output,omitempty"`
		// Error describes the terminal failure, empty on success.
		Error string `json:"error,omitempty"`
		// Duration is the wall-clock execution time reported by the
		// terminal event.
		Duration time.Duration `json:"duration,omitempty"`
		// Attempts is the number of invocation attempts reported by the
		// terminal event.
		Attempts int `json:"attempts,omitempty"`
		// RequestedAt is the tool-call-requested timestamp.
		RequestedAt time.Time `json:"requestedAt"`
		// StartedAt is the tool-call-started timestamp, zero if the call
		// never started.
		StartedAt time.Time `json:"startedAt,omitzero"`
		// CompletedAt is the tool-call-completed timestamp, zero while the
		// call is live.
		CompletedAt time.Time `json:"completedAt,omitzero"`
	}

	// ApprovalState tracks one approval request.
	ApprovalState struct {
		// ID is the approval identifier.
		ID string `json:"id"`
		// EventID is the approval-requested event's ID, kept so the
		// resolution can be caused by it even after a restart.
		EventID string `json:"eventId"`
		// CorrelationID is the causal chain the approval belongs to.
		CorrelationID string `json:"correlationId"`
		// StepID is the step the gated tool call belongs to.
		StepID string `json:"stepId,omitempty"`
		// ToolCallID references the gated tool call.
		ToolCallID string `json:"toolCallId"`
		// ToolName names the tool awaiting approval.
		ToolName string `json:"toolName"`
		// OriginalArgs is the argument object the resolver was asked to
		// approve.
		OriginalArgs json.RawMessage `json:"originalArgs,omitempty"`
		// RiskTier is the tier that triggered the gate.
		RiskTier RiskTier `json:"riskTier"`
		// Status is pending, resolved or expired.
		Status ApprovalStatus `json:"status"`
		// Decision is the resolver's verdict once resolved.
		Decision Decision `json:"decision,omitempty"`
		// EditedArgs replaces OriginalArgs when Decision is edit_approve.
		EditedArgs json.RawMessage `json:"editedArgs,omitempty"`
		// ResolvedBy identifies the resolving actor.
		ResolvedBy string `json:"resolvedBy,omitempty"`
		// ResolvedAt is when the approval was resolved.
		ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
		// ExpiresAt is the deadline after which the pending approval
		// behaves as rejected. Nil when the approval does not expire.
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
		// RequestedAt is the approval-requested timestamp.
		RequestedAt time.Time `json:"requestedAt"`
	}

	// Artifact is one rich output attached to the run.
	Artifact struct {
		// ID is the artifact identifier.
		ID string `json:"id"`
		// Name is the display name.
		Name string `json:"name"`
		// MediaType is the MIME type, when known.
		MediaType string `json:"mediaType,omitempty"`
		// URI locates externally stored content.
		URI string `json:"uri,omitempty"`
		// ToolCallID references the producing tool call, when one did.
		ToolCallID string `json:"toolCallId,omitempty"`
		// CreatedAt is the artifact event's timestamp.
		CreatedAt time.Time `json:"createdAt"`
	}
)

// Message roles.
const (
	// RoleUser marks a message authored by the user.
	RoleUser = "user"
	// RoleAssistant marks a message authored by the model.
	RoleAssistant = "assistant"
)

// ToolCallStatus enumerates tool call progress states.
type ToolCallStatus string

const (
	// ToolCallPending marks a requested call that has not started.
	ToolCallPending ToolCallStatus = "pending"
	// ToolCallAwaitingApproval marks a call gated on an unresolved
	// approval.
	ToolCallAwaitingApproval ToolCallStatus = "awaiting_approval"
	// ToolCallRunning marks a call whose invocation began.
	ToolCallRunning ToolCallStatus = "running"
	// ToolCallSucceeded marks a call that completed with a result.
	ToolCallSucceeded ToolCallStatus = "succeeded"
	// ToolCallFailed marks a call that terminated without a result,
	// including rejections, rate limits and exhausted retries.
	ToolCallFailed ToolCallStatus = "failed"
)

// ApprovalStatus enumerates approval lifecycle states.
type ApprovalStatus string

const (
	// ApprovalPending marks an approval awaiting a decision.
	ApprovalPending ApprovalStatus = "pending"
	// ApprovalResolved marks an approval that received a decision.
	ApprovalResolved ApprovalStatus = "resolved"
	// ApprovalExpired marks an approval whose deadline elapsed unresolved.
	ApprovalExpired ApprovalStatus = "expired"
)

// Live reports whether the approval is still awaiting a decision at the
// given instant. Expiry is evaluated lazily: a pending approval whose
// deadline has passed is not live.
func (a *ApprovalState) Live(now time.Time) bool {
	if a.Status != ApprovalPending {
		return false
	}
	if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
		return false
	}
	return true
}

// NewState returns the zero state for a run that has no events yet.
func NewState(runID string) *State {
	return &State{RunID: runID, Status: StatusPending}
}

// Clone returns a deep copy of the state. Projections hand out clones so
// cached snapshots stay immutable.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = append([]Message(nil), s.Messages...)
	c.Steps = append([]Step(nil), s.Steps...)
	c.ToolCalls = append([]ToolCallState(nil), s.ToolCalls...)
	for i := range c.ToolCalls {
		c.ToolCalls[i].Args = cloneRaw(c.ToolCalls[i].Args)
		c.ToolCalls[i].Output = cloneRaw(c.ToolCalls[i].Output)
	}
	c.Approvals = append([]ApprovalState(nil), s.Approvals...)
	for i := range c.Approvals {
		c.Approvals[i].OriginalArgs = cloneRaw(c.Approvals[i].OriginalArgs)
		c.Approvals[i].EditedArgs = cloneRaw(c.Approvals[i].EditedArgs)
	}
	c.Artifacts = append([]Artifact(nil), s.Artifacts...)
	if s.TurnTokenIndex != nil {
		c.TurnTokenIndex = maps.Clone(s.TurnTokenIndex)
	}
	return &c
}

// ToolCall returns the tool call with the given ID, nil if unknown.
func (s *State) ToolCall(toolCallID string) *ToolCallState {
	for i := range s.ToolCalls {
		if s.ToolCalls[i].ID == toolCallID {
			return &s.ToolCalls[i]
		}
	}
	return nil
}

// Approval returns the approval with the given ID, nil if unknown.
func (s *State) Approval(approvalID string) *ApprovalState {
	for i := range s.Approvals {
		if s.Approvals[i].ID == approvalID {
			return &s.Approvals[i]
		}
	}
	return nil
}

// PendingApprovals returns the approvals still awaiting a decision at the
// given instant, expiry applied lazily.
func (s *State) PendingApprovals(now time.Time) []ApprovalState {
	var pending []ApprovalState
	for i := range s.Approvals {
		if s.Approvals[i].Live(now) {
			pending = append(pending, s.Approvals[i])
		}
	}
	return pending
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
