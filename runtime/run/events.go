package run

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType discriminates event variants on the wire and in type switches.
type EventType string

const (
	// EventRunStarted records the start of a run. Always the first event of
	// a run's log.
	EventRunStarted EventType = "run-started"

	// EventRunWaitingInput records that the run is paused until the next
	// user message arrives.
	EventRunWaitingInput EventType = "run-waiting-input"

	// EventRunCompleted records successful termination. Terminal.
	EventRunCompleted EventType = "run-completed"

	// EventRunFailed records termination with an error. Terminal.
	EventRunFailed EventType = "run-failed"

	// EventRunCancelled records caller-initiated termination. Terminal.
	EventRunCancelled EventType = "run-cancelled"

	// EventMessageUserCreated records a user message appended to the
	// conversation.
	EventMessageUserCreated EventType = "message-user-created"

	// EventMessageAssistantCreated records a finished assistant message.
	EventMessageAssistantCreated EventType = "message-assistant-created"

	// EventLLMStarted records the start of a model turn.
	EventLLMStarted EventType = "llm-started"

	// EventLLMDelta records one streamed content fragment of a model turn.
	// Fragments carry a token index that is strictly sequential within the
	// turn; the projector rejects gaps.
	EventLLMDelta EventType = "llm-delta"

	// EventLLMCompleted records the end of a model turn with the full
	// content and usage.
	EventLLMCompleted EventType = "llm-completed"

	// EventToolCallRequested records that a tool call was admitted for
	// execution, including its idempotency key and approval requirement.
	EventToolCallRequested EventType = "tool-call-requested"

	// EventToolCallStarted records that the underlying tool invocation
	// began. Never emitted for calls denied by approval or rate limits.
	EventToolCallStarted EventType = "tool-call-started"

	// EventToolCallCompleted records the terminal outcome of a tool call,
	// success or failure. Every requested call ends with exactly one.
	EventToolCallCompleted EventType = "tool-call-completed"

	// EventApprovalRequested records that a tool call is blocked pending a
	// human decision.
	EventApprovalRequested EventType = "approval-requested"

	// EventApprovalResolved records the decision for a pending approval.
	EventApprovalResolved EventType = "approval-resolved"

	// EventArtifactCreated records a rich output attached to the run.
	EventArtifactCreated EventType = "artifact-created"
)

type (
	// Event is the interface all run event variants implement. The event log
	// stores events, the projector folds them, and the hub broadcasts them.
	//
	// Consumers use type switches to access variant fields:
	//
	//	switch e := rec.Event.(type) {
	//	case *run.ToolCallCompletedEvent:
	//	    log.Printf("tool call %s took %v", e.ToolCallID, e.Duration)
	//	case *run.LLMDeltaEvent:
	//	    buf.WriteString(e.Content)
	//	}
	Event interface {
		// Type returns the variant discriminator.
		Type() EventType
		// Env returns the shared envelope. The returned pointer aliases the
		// event's own envelope; callers must not mutate it after append.
		Env() *Envelope
		// Validate reports whether the event is well formed enough to
		// append. It checks envelope fields and variant-required fields, not
		// cross-event invariants (those belong to the store and projector).
		Validate() error
	}

	// Envelope holds the fields every event variant shares. Variants embed
	// it, which flattens the fields into the variant's JSON object.
	Envelope struct {
		// ID uniquely identifies the event.
		ID string `json:"id"`
		// RunID is the run this event belongs to. Every event belongs to
		// exactly one run.
		RunID string `json:"runId"`
		// StepID groups events of one logical step. Empty for events that
		// precede any step.
		StepID string `json:"stepId,omitempty"`
		// EventType is the wire discriminator. The codec keeps it in sync
		// with the variant's Type.
		EventType EventType `json:"eventType"`
		// Timestamp is when the event was created, not when it was stored.
		Timestamp time.Time `json:"timestamp"`
		// CorrelationID groups a causal chain across the run. Seeded with
		// the event's own ID when the event opens a chain.
		CorrelationID string `json:"correlationId"`
		// CausationID is the ID of the event that directly triggered this
		// one. Empty for chain-opening events. Must resolve within the run.
		CausationID string `json:"causationId,omitempty"`
		// TenantID is the tenant that owns the run.
		TenantID string `json:"tenantId"`
	}

	// RunStartedEvent initializes a run. It is the first event of every run.
	RunStartedEvent struct {
		Envelope
		// UserID identifies the user the run executes on behalf of.
		UserID string `json:"userId"`
		// Title is an optional display title for the run.
		Title string `json:"title,omitempty"`
		// Metadata carries caller-provided key-value context for the run.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// RunWaitingInputEvent marks the run as waiting for the next user
	// message.
	RunWaitingInputEvent struct {
		Envelope
		// Prompt optionally tells the user what input is expected.
		Prompt string `json:"prompt,omitempty"`
	}

	// RunCompletedEvent terminates the run successfully.
	RunCompletedEvent struct {
		Envelope
		// Reason optionally summarizes why the run completed.
		Reason string `json:"reason,omitempty"`
	}

	// RunFailedEvent terminates the run with an error.
	RunFailedEvent struct {
		Envelope
		// Error is the user-safe description of the terminal failure.
		Error string `json:"error"`
	}

	// RunCancelledEvent terminates the run on caller request.
	RunCancelledEvent struct {
		Envelope
		// Reason optionally explains the cancellation.
		Reason string `json:"reason,omitempty"`
		// CancelledBy identifies the actor that requested cancellation.
		CancelledBy string `json:"cancelledBy,omitempty"`
	}

	// MessageUserCreatedEvent appends a user message to the conversation.
	MessageUserCreatedEvent struct {
		Envelope
		// MessageID uniquely identifies the message within the run.
		MessageID string `json:"messageId"`
		// Content is the message text.
		Content string `json:"content"`
	}

	// MessageAssistantCreatedEvent appends a finished assistant message to
	// the conversation. Emitted when a model turn completes, after any
	// llm-delta streaming for that turn.
	MessageAssistantCreatedEvent struct {
		Envelope
		// MessageID uniquely identifies the message within the run.
		MessageID string `json:"messageId"`
		// Content is the full message text.
		Content string `json:"content"`
		// TurnID links the message to the model turn that produced it.
		TurnID string `json:"turnId,omitempty"`
	}

	// LLMStartedEvent opens a model turn.
	LLMStartedEvent struct {
		Envelope
		// TurnID identifies the model turn; all llm events of the turn
		// carry it.
		TurnID string `json:"turnId"`
		// Model names the model serving the turn, when known.
		Model string `json:"model,omitempty"`
	}

	// LLMDeltaEvent streams one content fragment of a model turn.
	LLMDeltaEvent struct {
		Envelope
		// TurnID identifies the model turn the fragment belongs to.
		TurnID string `json:"turnId"`
		// TokenIndex is the zero-based position of this fragment within the
		// turn. Indices are strictly sequential; the projector reports an
		// out-of-order error on any gap or regression since the event log
		// is the only valid reorder boundary.
		TokenIndex int `json:"tokenIndex"`
		// Content is the fragment text.
		Content string `json:"content"`
	}

	// LLMCompletedEvent closes a model turn.
	LLMCompletedEvent struct {
		Envelope
		// TurnID identifies the model turn being closed.
		TurnID string `json:"turnId"`
		// Content is the full accumulated turn content.
		Content string `json:"content"`
		// StopReason reports why the model stopped, when known.
		StopReason string `json:"stopReason,omitempty"`
		// Usage reports token consumption for the turn.
		Usage TokenUsage `json:"usage"`
	}

	// ToolCallRequestedEvent admits a tool call for execution. It precedes
	// any approval or invocation events for the call.
	ToolCallRequestedEvent struct {
		Envelope
		// ToolCallID uniquely identifies the call; later tool call and
		// approval events reference it.
		ToolCallID string `json:"toolCallId"`
		// ToolName names the tool definition being invoked.
		ToolName string `json:"toolName"`
		// Args is the canonical JSON argument object for the call.
		Args json.RawMessage `json:"args,omitempty"`
		// RiskTier is the tool's risk classification at request time.
		RiskTier RiskTier `json:"riskTier"`
		// IdempotencyKey is derived deterministically from the tool name
		// and canonicalized arguments. At most one call per distinct key
		// executes per run, even across retries and process restarts.
		IdempotencyKey string `json:"idempotencyKey"`
		// RequiresApproval reports whether the call is gated on a human
		// decision.
		RequiresApproval bool `json:"requiresApproval"`
	}

	// ToolCallStartedEvent marks the start of the underlying tool
	// invocation.
	ToolCallStartedEvent struct {
		Envelope
		// ToolCallID references the requested call.
		ToolCallID string `json:"toolCallId"`
	}

	// ToolCallCompletedEvent records the terminal outcome of a tool call.
	ToolCallCompletedEvent struct {
		Envelope
		// ToolCallID references the requested call.
		ToolCallID string `json:"toolCallId"`
		// Success reports whether the call produced a result.
		Success bool `json:"success"`
		// Output is the tool's JSON result. Nil when Success is false.
		Output json.RawMessage `json:"output,omitempty"`
		// Error describes the terminal failure. Empty when Success is true.
		Error string `json:"error,omitempty"`
		// Duration is the wall-clock time spent executing the call,
		// serialized as nanoseconds.
		Duration time.Duration `json:"duration"`
		// Attempts is the number of invocation attempts made, zero when the
		// call never reached the tool.
		Attempts int `json:"attempts,omitempty"`
	}

	// ApprovalRequestedEvent blocks a tool call pending a human decision.
	ApprovalRequestedEvent struct {
		Envelope
		// ApprovalID uniquely identifies the approval request.
		ApprovalID string `json:"approvalId"`
		// ToolCallID references the blocked tool call.
		ToolCallID string `json:"toolCallId"`
		// ToolName names the tool awaiting approval.
		ToolName string `json:"toolName"`
		// Args is the argument object the resolver is asked to approve.
		Args json.RawMessage `json:"args,omitempty"`
		// RiskTier is the tier that triggered the approval gate.
		RiskTier RiskTier `json:"riskTier"`
		// ExpiresAt, when set, is the deadline after which the pending
		// approval behaves as rejected.
		ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	}

	// ApprovalResolvedEvent records the decision for a pending approval.
	ApprovalResolvedEvent struct {
		Envelope
		// ApprovalID references the approval being resolved.
		ApprovalID string `json:"approvalId"`
		// ToolCallID references the tool call the approval gates.
		ToolCallID string `json:"toolCallId"`
		// Decision is the resolver's verdict.
		Decision Decision `json:"decision"`
		// EditedArgs replaces the original arguments when Decision is
		// edit_approve. Nil otherwise.
		EditedArgs json.RawMessage `json:"editedArgs,omitempty"`
		// ResolvedBy identifies the resolving actor.
		ResolvedBy string `json:"resolvedBy"`
	}

	// ArtifactCreatedEvent attaches a rich output to the run.
	ArtifactCreatedEvent struct {
		Envelope
		// ArtifactID uniquely identifies the artifact.
		ArtifactID string `json:"artifactId"`
		// Name is the artifact's display name.
		Name string `json:"name"`
		// MediaType is the artifact's MIME type, when known.
		MediaType string `json:"mediaType,omitempty"`
		// URI locates the artifact content when stored externally.
		URI string `json:"uri,omitempty"`
		// ToolCallID references the tool call that produced the artifact,
		// when one did.
		ToolCallID string `json:"toolCallId,omitempty"`
	}
)

// EnvelopeOption customizes a new envelope.
type EnvelopeOption func(*Envelope)

// WithStep sets the step identifier.
func WithStep(stepID string) EnvelopeOption {
	return func(e *Envelope) { e.StepID = stepID }
}

// WithCorrelation sets the correlation identifier, overriding the default of
// the envelope's own ID.
func WithCorrelation(correlationID string) EnvelopeOption {
	return func(e *Envelope) { e.CorrelationID = correlationID }
}

// WithCausation sets the causing event's ID. The store rejects causation IDs
// that do not resolve within the run.
func WithCausation(causationID string) EnvelopeOption {
	return func(e *Envelope) { e.CausationID = causationID }
}

// WithTimestamp overrides the creation timestamp. Intended for replay and
// tests; events default to the current time.
func WithTimestamp(t time.Time) EnvelopeOption {
	return func(e *Envelope) { e.Timestamp = t }
}

// NewEnvelope constructs an envelope for an event of the given run and
// tenant. The envelope gets a fresh event ID and, unless WithCorrelation is
// supplied, opens a new correlation chain seeded with that ID.
func NewEnvelope(runID string, scope Scope, opts ...EnvelopeOption) Envelope {
	e := Envelope{
		ID:        NewEventID(),
		RunID:     runID,
		TenantID:  scope.TenantID,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.ID
	}
	return e
}

// Child derives an envelope for an event caused by e: same run, tenant, step
// and correlation chain, fresh ID, causation set to e's ID.
func (e *Envelope) Child() Envelope {
	return Envelope{
		ID:            NewEventID(),
		RunID:         e.RunID,
		StepID:        e.StepID,
		Timestamp:     time.Now().UTC(),
		CorrelationID: e.CorrelationID,
		CausationID:   e.ID,
		TenantID:      e.TenantID,
	}
}

// Env returns the envelope itself. Through embedding it satisfies the Event
// interface for every variant.
func (e *Envelope) Env() *Envelope { return e }

// Validate checks the envelope fields required of every event.
func (e *Envelope) Validate() error {
	switch {
	case e.ID == "":
		return errors.New("event id is required")
	case e.RunID == "":
		return errors.New("run id is required")
	case e.TenantID == "":
		return errors.New("tenant id is required")
	case e.CorrelationID == "":
		return errors.New("correlation id is required")
	case e.Timestamp.IsZero():
		return errors.New("timestamp is required")
	}
	return nil
}

// NewRunStartedEvent constructs a RunStartedEvent for the run and user.
func NewRunStartedEvent(env Envelope, userID, title string, metadata map[string]any) *RunStartedEvent {
	env.EventType = EventRunStarted
	return &RunStartedEvent{Envelope: env, UserID: userID, Title: title, Metadata: metadata}
}

// NewRunWaitingInputEvent constructs a RunWaitingInputEvent.
func NewRunWaitingInputEvent(env Envelope, prompt string) *RunWaitingInputEvent {
	env.EventType = EventRunWaitingInput
	return &RunWaitingInputEvent{Envelope: env, Prompt: prompt}
}

// NewRunCompletedEvent constructs a RunCompletedEvent.
func NewRunCompletedEvent(env Envelope, reason string) *RunCompletedEvent {
	env.EventType = EventRunCompleted
	return &RunCompletedEvent{Envelope: env, Reason: reason}
}

// NewRunFailedEvent constructs a RunFailedEvent. msg should be user-safe.
func NewRunFailedEvent(env Envelope, msg string) *RunFailedEvent {
	env.EventType = EventRunFailed
	return &RunFailedEvent{Envelope: env, Error: msg}
}

// NewRunCancelledEvent constructs a RunCancelledEvent.
func NewRunCancelledEvent(env Envelope, reason, cancelledBy string) *RunCancelledEvent {
	env.EventType = EventRunCancelled
	return &RunCancelledEvent{Envelope: env, Reason: reason, CancelledBy: cancelledBy}
}

// NewMessageUserCreatedEvent constructs a MessageUserCreatedEvent.
func NewMessageUserCreatedEvent(env Envelope, messageID, content string) *MessageUserCreatedEvent {
	env.EventType = EventMessageUserCreated
	return &MessageUserCreatedEvent{Envelope: env, MessageID: messageID, Content: content}
}

// NewMessageAssistantCreatedEvent constructs a MessageAssistantCreatedEvent.
func NewMessageAssistantCreatedEvent(env Envelope, messageID, content, turnID string) *MessageAssistantCreatedEvent {
	env.EventType = EventMessageAssistantCreated
	return &MessageAssistantCreatedEvent{Envelope: env, MessageID: messageID, Content: content, TurnID: turnID}
}

// NewLLMStartedEvent constructs an LLMStartedEvent.
func NewLLMStartedEvent(env Envelope, turnID, model string) *LLMStartedEvent {
	env.EventType = EventLLMStarted
	return &LLMStartedEvent{Envelope: env, TurnID: turnID, Model: model}
}

// NewLLMDeltaEvent constructs an LLMDeltaEvent with the given token index.
func NewLLMDeltaEvent(env Envelope, turnID string, tokenIndex int, content string) *LLMDeltaEvent {
	env.EventType = EventLLMDelta
	return &LLMDeltaEvent{Envelope: env, TurnID: turnID, TokenIndex: tokenIndex, Content: content}
}

// NewLLMCompletedEvent constructs an LLMCompletedEvent.
func NewLLMCompletedEvent(env Envelope, turnID, content, stopReason string, usage TokenUsage) *LLMCompletedEvent {
	env.EventType = EventLLMCompleted
	return &LLMCompletedEvent{Envelope: env, TurnID: turnID, Content: content, StopReason: stopReason, Usage: usage}
}

// NewToolCallRequestedEvent constructs a ToolCallRequestedEvent.
func NewToolCallRequestedEvent(env Envelope, toolCallID, toolName string, args json.RawMessage, tier RiskTier, idempotencyKey string, requiresApproval bool) *ToolCallRequestedEvent {
	env.EventType = EventToolCallRequested
	return &ToolCallRequestedEvent{
		Envelope:         env,
		ToolCallID:       toolCallID,
		ToolName:         toolName,
		Args:             args,
		RiskTier:         tier,
		IdempotencyKey:   idempotencyKey,
		RequiresApproval: requiresApproval,
	}
}

// NewToolCallStartedEvent constructs a ToolCallStartedEvent.
func NewToolCallStartedEvent(env Envelope, toolCallID string) *ToolCallStartedEvent {
	env.EventType = EventToolCallStarted
	return &ToolCallStartedEvent{Envelope: env, ToolCallID: toolCallID}
}

// NewToolCallCompletedEvent constructs a successful ToolCallCompletedEvent.
func NewToolCallCompletedEvent(env Envelope, toolCallID string, output json.RawMessage, duration time.Duration, attempts int) *ToolCallCompletedEvent {
	env.EventType = EventToolCallCompleted
	return &ToolCallCompletedEvent{
		Envelope:   env,
		ToolCallID: toolCallID,
		Success:    true,
		Output:     output,
		Duration:   duration,
		Attempts:   attempts,
	}
}

// NewToolCallFailedEvent constructs a failed ToolCallCompletedEvent. msg
// should be user-safe.
func NewToolCallFailedEvent(env Envelope, toolCallID, msg string, duration time.Duration, attempts int) *ToolCallCompletedEvent {
	env.EventType = EventToolCallCompleted
	return &ToolCallCompletedEvent{
		Envelope:   env,
		ToolCallID: toolCallID,
		Success:    false,
		Error:      msg,
		Duration:   duration,
		Attempts:   attempts,
	}
}

// NewApprovalRequestedEvent constructs an ApprovalRequestedEvent.
func NewApprovalRequestedEvent(env Envelope, approvalID, toolCallID, toolName string, args json.RawMessage, tier RiskTier, expiresAt *time.Time) *ApprovalRequestedEvent {
	env.EventType = EventApprovalRequested
	return &ApprovalRequestedEvent{
		Envelope:   env,
		ApprovalID: approvalID,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Args:       args,
		RiskTier:   tier,
		ExpiresAt:  expiresAt,
	}
}

// NewApprovalResolvedEvent constructs an ApprovalResolvedEvent.
func NewApprovalResolvedEvent(env Envelope, approvalID, toolCallID string, decision Decision, editedArgs json.RawMessage, resolvedBy string) *ApprovalResolvedEvent {
	env.EventType = EventApprovalResolved
	return &ApprovalResolvedEvent{
		Envelope:   env,
		ApprovalID: approvalID,
		ToolCallID: toolCallID,
		Decision:   decision,
		EditedArgs: editedArgs,
		ResolvedBy: resolvedBy,
	}
}

// NewArtifactCreatedEvent constructs an ArtifactCreatedEvent.
func NewArtifactCreatedEvent(env Envelope, artifactID, name, mediaType, uri, toolCallID string) *ArtifactCreatedEvent {
	env.EventType = EventArtifactCreated
	return &ArtifactCreatedEvent{
		Envelope:   env,
		ArtifactID: artifactID,
		Name:       name,
		MediaType:  mediaType,
		URI:        uri,
		ToolCallID: toolCallID,
	}
}

// Validate checks envelope and payload fields.
func (e *RunStartedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.UserID == "" {
		return errors.New("user id is required")
	}
	return nil
}

// Validate checks envelope and payload fields.
func (e *MessageUserCreatedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.MessageID == "" {
		return errors.New("message id is required")
	}
	return nil
}

// Validate checks envelope and payload fields.
func (e *MessageAssistantCreatedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.MessageID == "" {
		return errors.New("message id is required")
	}
	return nil
}

// Validate checks envelope and payload fields.
func (e *LLMStartedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.TurnID == "" {
		return errors.New("turn id is required")
	}
	return nil
}

// Validate checks envelope and payload fields.
func (e *LLMDeltaEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.TurnID == "" {
		return errors.New("turn id is required")
	}
	if e.TokenIndex < 0 {
		return fmt.Errorf("token index must not be negative, got %d", e.TokenIndex)
	}
	return nil
}

// Validate checks envelope and payload fields.
func (e *LLMCompletedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.TurnID == "" {
		return errors.New("turn id is required")
	}
	return nil
}

// Validate checks envelope and payload fields.
func (e *ToolCallRequestedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	switch {
	case e.ToolCallID == "":
		return errors.New("tool call id is required")
	case e.ToolName == "":
		return errors.New("tool name is required")
	case e.IdempotencyKey == "":
		return errors.New("idempotency key is required")
	}
	return nil
}

// Validate checks envelope and payload fields.
func (e *ToolCallStartedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.ToolCallID == "" {
		return errors.New("tool call id is required")
	}
	return nil
}

// Validate checks envelope and payload fields.
func (e *ToolCallCompletedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.ToolCallID == "" {
		return errors.New("tool call id is required")
	}
	if !e.Success && e.Error == "" {
		return errors.New("failed tool call requires an error")
	}
	return nil
}

// Validate checks envelope and payload fields.
func (e *ApprovalRequestedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	switch {
	case e.ApprovalID == "":
		return errors.New("approval id is required")
	case e.ToolCallID == "":
		return errors.New("tool call id is required")
	}
	return nil
}

// Validate checks envelope and payload fields.
func (e *ApprovalResolvedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	switch {
	case e.ApprovalID == "":
		return errors.New("approval id is required")
	case !e.Decision.Valid():
		return fmt.Errorf("unknown decision %q", e.Decision)
	case e.Decision == DecisionEditApprove && len(e.EditedArgs) == 0:
		return errors.New("edit_approve requires edited args")
	}
	return nil
}

// Validate checks envelope and payload fields.
func (e *ArtifactCreatedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	switch {
	case e.ArtifactID == "":
		return errors.New("artifact id is required")
	case e.Name == "":
		return errors.New("artifact name is required")
	}
	return nil
}

// Type method implementations

func (e *RunStartedEvent) Type() EventType              { return EventRunStarted }
func (e *RunWaitingInputEvent) Type() EventType         { return EventRunWaitingInput }
func (e *RunCompletedEvent) Type() EventType            { return EventRunCompleted }
func (e *RunFailedEvent) Type() EventType               { return EventRunFailed }
func (e *RunCancelledEvent) Type() EventType            { return EventRunCancelled }
func (e *MessageUserCreatedEvent) Type() EventType      { return EventMessageUserCreated }
func (e *MessageAssistantCreatedEvent) Type() EventType { return EventMessageAssistantCreated }
func (e *LLMStartedEvent) Type() EventType              { return EventLLMStarted }
func (e *LLMDeltaEvent) Type() EventType                { return EventLLMDelta }
func (e *LLMCompletedEvent) Type() EventType            { return EventLLMCompleted }
func (e *ToolCallRequestedEvent) Type() EventType       { return EventToolCallRequested }
func (e *ToolCallStartedEvent) Type() EventType         { return EventToolCallStarted }
func (e *ToolCallCompletedEvent) Type() EventType       { return EventToolCallCompleted }
func (e *ApprovalRequestedEvent) Type() EventType       { return EventApprovalRequested }
func (e *ApprovalResolvedEvent) Type() EventType        { return EventApprovalResolved }
func (e *ArtifactCreatedEvent) Type() EventType         { return EventArtifactCreated }
