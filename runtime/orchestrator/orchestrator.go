// Package orchestrator is the host-facing coordinator over the run core. It
// ties the event log, projector, tool executor, approval manager, broadcast
// hub and model boundary into the handful of operations an application
// calls: start a run, submit a user message, drive a model turn with its
// tool calls, resolve approvals and watch the run live.
//
// The orchestrator adds no semantics of its own. Every state change it makes
// is an event appended through the log; everything it reads comes from a
// projection. One turn runs at a time per run (per-run lock); tool calls
// within a turn execute concurrently because only appends serialize.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"goa.design/baton/runtime/approval"
	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/hub"
	"goa.design/baton/runtime/model"
	"goa.design/baton/runtime/run"
	"goa.design/baton/runtime/telemetry"
	"goa.design/baton/runtime/tools"
	"goa.design/baton/runtime/tools/executor"
)

// DefaultMaxTurns caps the model/tool loop of one RunTurn call when no
// option overrides it.
const DefaultMaxTurns = 8

type (
	// Snapshotter folds a run's log into its current state. Satisfied by
	// *project.Projector.
	Snapshotter interface {
		Project(ctx context.Context, runID string) (*run.State, error)
	}

	// ToolRunner executes one tool call to its terminal event. Satisfied
	// by *executor.Executor.
	ToolRunner interface {
		Execute(ctx context.Context, req executor.Request) (*executor.Outcome, error)
	}

	// Approvals resolves and lists pending approvals. Satisfied by
	// *approval.Manager.
	Approvals interface {
		Resolve(ctx context.Context, approvalID string, decision run.Decision, resolvedBy string, editedArgs json.RawMessage) error
		PendingForRun(runID string) []approval.Pending
		Recover(snapshot *run.State) int
	}

	// Turner records one model turn in the log. Satisfied by
	// *model.TurnRecorder.
	Turner interface {
		RunTurn(ctx context.Context, env run.Envelope, req model.Request) (*model.Turn, error)
	}

	// Catalog lists the tool schemas exposed to the model. Satisfied by
	// *tools.Registry.
	Catalog interface {
		Definitions() []tools.Definition
	}

	// Config names the collaborators an Orchestrator coordinates. All
	// fields are required except Hub, which is only needed by WatchRun.
	Config struct {
		// Log is the run event log.
		Log eventlog.Store
		// Projector folds run snapshots.
		Projector Snapshotter
		// Executor runs tool calls.
		Executor ToolRunner
		// Approvals gates risky calls.
		Approvals Approvals
		// Turner drives model turns.
		Turner Turner
		// Catalog exposes tool schemas to the model.
		Catalog Catalog
		// Hub serves live subscriptions.
		Hub *hub.Hub
	}

	// Orchestrator coordinates runs over one event log.
	Orchestrator struct {
		log       eventlog.Store
		proj      Snapshotter
		exec      ToolRunner
		approvals Approvals
		turner    Turner
		catalog   Catalog
		hub       *hub.Hub
		logger    telemetry.Logger

		modelName string
		maxTokens int
		maxTurns  int
		streaming bool
		system    string

		mu    sync.Mutex
		turns map[string]*sync.Mutex
	}

	// Option configures an Orchestrator.
	Option func(*Orchestrator)

	// TurnResult summarizes one RunTurn call.
	TurnResult struct {
		// Reply is the assistant text of the final model turn.
		Reply string
		// TurnIDs lists the model turns executed, in order.
		TurnIDs []string
		// Outcomes lists the terminal tool call outcomes, in request
		// order per turn.
		Outcomes []executor.Outcome
		// Usage totals token consumption across the turns.
		Usage run.TokenUsage
		// StopReason is the final turn's stop reason.
		StopReason string
	}
)

// WithLogger sets the orchestrator's logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithModel sets the model identifier sent with every turn.
func WithModel(name string) Option {
	return func(o *Orchestrator) { o.modelName = name }
}

// WithMaxTokens caps completion length per turn.
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) { o.maxTokens = n }
}

// WithMaxTurns caps the model/tool loop of one RunTurn call.
func WithMaxTurns(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTurns = n
		}
	}
}

// WithStreaming asks for streamed turns so observers see llm-delta events.
func WithStreaming(stream bool) Option {
	return func(o *Orchestrator) { o.streaming = stream }
}

// WithSystemPrompt prepends a system message to every model request.
func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) { o.system = prompt }
}

// New returns an orchestrator over the given collaborators.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	switch {
	case cfg.Log == nil:
		return nil, errors.New("event log is required")
	case cfg.Projector == nil:
		return nil, errors.New("projector is required")
	case cfg.Executor == nil:
		return nil, errors.New("executor is required")
	case cfg.Approvals == nil:
		return nil, errors.New("approval manager is required")
	case cfg.Turner == nil:
		return nil, errors.New("turn recorder is required")
	case cfg.Catalog == nil:
		return nil, errors.New("tool catalog is required")
	}
	o := &Orchestrator{
		log:       cfg.Log,
		proj:      cfg.Projector,
		exec:      cfg.Executor,
		approvals: cfg.Approvals,
		turner:    cfg.Turner,
		catalog:   cfg.Catalog,
		hub:       cfg.Hub,
		logger:    telemetry.NewNoopLogger(),
		maxTurns:  DefaultMaxTurns,
		turns:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// StartRun opens a new run for the caller and returns its ID. The
// run-started event pins the run to the caller's tenant; every later event
// must carry the same tenant.
func (o *Orchestrator) StartRun(ctx context.Context, scope run.Scope, title string, metadata map[string]any) (string, error) {
	if scope.TenantID == "" {
		return "", errors.New("tenant id is required")
	}
	runID := run.NewRunID()
	started := run.NewRunStartedEvent(run.NewEnvelope(runID, scope), scope.UserID, title, metadata)
	if _, err := o.log.Append(ctx, started); err != nil {
		return "", fmt.Errorf("append run-started: %w", err)
	}
	o.logger.Info(ctx, "run started", "component", "orchestrator", "run_id", runID, "tenant_id", scope.TenantID, "user_id", scope.UserID)
	return runID, nil
}

// SubmitUserMessage appends a user message to an open run and returns the
// message ID.
func (o *Orchestrator) SubmitUserMessage(ctx context.Context, scope run.Scope, runID, content string) (string, error) {
	if content == "" {
		return "", errors.New("message content is required")
	}
	snap, err := o.snapshot(ctx, scope, runID)
	if err != nil {
		return "", err
	}
	if snap.Status.Terminal() {
		return "", &RunClosedError{RunID: runID, Status: string(snap.Status)}
	}
	messageID := run.NewMessageID()
	ev := run.NewMessageUserCreatedEvent(run.NewEnvelope(runID, scope), messageID, content)
	if _, err := o.log.Append(ctx, ev); err != nil {
		return "", fmt.Errorf("append message-user-created: %w", err)
	}
	return messageID, nil
}

// RunTurn drives the conversation forward: it sends the transcript to the
// model, executes any tool calls the model requests, feeds their results
// back and repeats until the model answers in text (or the turn budget is
// spent), then parks the run in waiting_input.
//
// A gated tool call blocks its own goroutine inside the executor until the
// approval resolves, so RunTurn blocks too; callers that need to keep
// serving resolve approvals from another goroutine. One RunTurn runs at a
// time per run.
func (o *Orchestrator) RunTurn(ctx context.Context, scope run.Scope, runID string) (*TurnResult, error) {
	lock := o.turnLock(runID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := o.snapshot(ctx, scope, runID)
	if err != nil {
		return nil, err
	}
	if snap.Status.Terminal() {
		return nil, &RunClosedError{RunID: runID, Status: string(snap.Status)}
	}
	if snap.HasPendingApproval {
		return nil, &ApprovalPendingError{RunID: runID}
	}

	messages := o.transcript(snap)
	defs := o.modelTools()
	result := &TurnResult{}

	for turnCount := 0; ; turnCount++ {
		if turnCount >= o.maxTurns {
			o.logger.Warn(ctx, "turn budget exhausted", "component", "orchestrator", "run_id", runID, "turns", turnCount)
			break
		}

		turn, err := o.turner.RunTurn(ctx, run.NewEnvelope(runID, scope), model.Request{
			Model:     o.modelName,
			Messages:  messages,
			Tools:     defs,
			MaxTokens: o.maxTokens,
			Stream:    o.streaming,
		})
		if err != nil {
			return nil, fmt.Errorf("model turn for run %s: %w", runID, err)
		}
		result.TurnIDs = append(result.TurnIDs, turn.TurnID)
		result.Reply = turn.Content
		result.StopReason = turn.StopReason
		addUsage(&result.Usage, turn.Usage)

		if len(turn.ToolCalls) == 0 {
			break
		}

		if turn.Content != "" {
			messages = append(messages, model.Message{Role: model.RoleAssistant, Content: turn.Content})
		}
		outcomes := o.executeCalls(ctx, scope, runID, turn.ToolCalls)
		for i, out := range outcomes {
			result.Outcomes = append(result.Outcomes, out)
			messages = append(messages, model.Message{
				Role:       model.RoleTool,
				Content:    toolResultContent(out),
				ToolCallID: turn.ToolCalls[i].ID,
			})
		}
	}

	waiting := run.NewRunWaitingInputEvent(run.NewEnvelope(runID, scope), "")
	if _, err := o.log.Append(ctx, waiting); err != nil {
		return nil, fmt.Errorf("append run-waiting-input: %w", err)
	}
	return result, nil
}

// executeCalls runs a turn's tool calls concurrently and returns their
// outcomes in request order. Policy refusals become failed outcomes rather
// than aborting the turn: the refusal is already on the run's audit trail
// and the model decides what to do with it.
func (o *Orchestrator) executeCalls(ctx context.Context, scope run.Scope, runID string, calls []model.ToolCall) []executor.Outcome {
	outcomes := make([]executor.Outcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call model.ToolCall) {
			defer wg.Done()
			out, err := o.exec.Execute(ctx, executor.Request{
				RunID:    runID,
				Scope:    scope,
				StepID:   run.NewStepID(),
				ToolName: call.Name,
				Args:     call.Args,
			})
			if err != nil {
				o.logger.Warn(ctx, "tool call refused", "component", "orchestrator", "run_id", runID, "tool", call.Name, "err", err)
				outcomes[i] = executor.Outcome{Success: false, Error: err.Error()}
				return
			}
			outcomes[i] = *out
		}(i, call)
	}
	wg.Wait()
	return outcomes
}

// ResolveApproval records the caller's decision on a pending approval,
// unblocking the gated tool call.
func (o *Orchestrator) ResolveApproval(ctx context.Context, scope run.Scope, approvalID string, decision run.Decision, editedArgs json.RawMessage) error {
	return o.approvals.Resolve(ctx, approvalID, decision, scope.UserID, editedArgs)
}

// PendingApprovals lists the run's approvals still awaiting a decision.
func (o *Orchestrator) PendingApprovals(ctx context.Context, scope run.Scope, runID string) ([]approval.Pending, error) {
	if _, err := o.snapshot(ctx, scope, runID); err != nil {
		return nil, err
	}
	return o.approvals.PendingForRun(runID), nil
}

// WatchRun opens a live subscription on the run's event feed, replaying
// from fromSequence first. Tenant enforcement follows the hub's contract:
// a cross-tenant watch yields an empty closed stream, not an error.
func (o *Orchestrator) WatchRun(ctx context.Context, scope run.Scope, runID string, fromSequence uint64) (*hub.Subscription, error) {
	if o.hub == nil {
		return nil, errors.New("orchestrator has no hub")
	}
	return o.hub.Subscribe(ctx, scope, runID, fromSequence)
}

// Snapshot returns the run's projected state for a caller of its tenant.
func (o *Orchestrator) Snapshot(ctx context.Context, scope run.Scope, runID string) (*run.State, error) {
	return o.snapshot(ctx, scope, runID)
}

// CompleteRun closes the run successfully.
func (o *Orchestrator) CompleteRun(ctx context.Context, scope run.Scope, runID, reason string) error {
	return o.closeRun(ctx, scope, runID, func(env run.Envelope) run.Event {
		return run.NewRunCompletedEvent(env, reason)
	})
}

// FailRun closes the run with an error.
func (o *Orchestrator) FailRun(ctx context.Context, scope run.Scope, runID, msg string) error {
	return o.closeRun(ctx, scope, runID, func(env run.Envelope) run.Event {
		return run.NewRunFailedEvent(env, msg)
	})
}

// CancelRun closes the run at the caller's request.
func (o *Orchestrator) CancelRun(ctx context.Context, scope run.Scope, runID, reason string) error {
	return o.closeRun(ctx, scope, runID, func(env run.Envelope) run.Event {
		return run.NewRunCancelledEvent(env, reason, scope.UserID)
	})
}

// Recover rebuilds the approval manager's waiters from the run's log after
// a restart and returns the number of recovered approvals. Call it before
// accepting resolutions for runs that predate the process.
func (o *Orchestrator) Recover(ctx context.Context, runID string) (int, error) {
	snap, err := o.proj.Project(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("project run %s: %w", runID, err)
	}
	if snap.LastEventSequence == 0 {
		return 0, &RunNotFoundError{RunID: runID}
	}
	return o.approvals.Recover(snap), nil
}

func (o *Orchestrator) closeRun(ctx context.Context, scope run.Scope, runID string, ev func(run.Envelope) run.Event) error {
	snap, err := o.snapshot(ctx, scope, runID)
	if err != nil {
		return err
	}
	if snap.Status.Terminal() {
		return &RunClosedError{RunID: runID, Status: string(snap.Status)}
	}
	if _, err := o.log.Append(ctx, ev(run.NewEnvelope(runID, scope))); err != nil {
		return fmt.Errorf("append terminal event: %w", err)
	}
	return nil
}

// snapshot projects the run and enforces that the caller's tenant owns it.
// Unknown runs and cross-tenant runs are indistinguishable.
func (o *Orchestrator) snapshot(ctx context.Context, scope run.Scope, runID string) (*run.State, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if scope.TenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	snap, err := o.proj.Project(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("project run %s: %w", runID, err)
	}
	if snap.LastEventSequence == 0 || snap.TenantID != scope.TenantID {
		o.logger.Warn(ctx, "run access denied", "component", "orchestrator", "run_id", runID, "tenant_id", scope.TenantID)
		return nil, &RunNotFoundError{RunID: runID}
	}
	return snap, nil
}

// transcript converts the projected conversation into model messages.
func (o *Orchestrator) transcript(snap *run.State) []model.Message {
	messages := make([]model.Message, 0, len(snap.Messages)+1)
	if o.system != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: o.system})
	}
	for _, m := range snap.Messages {
		messages = append(messages, model.Message{Role: m.Role, Content: m.Content})
	}
	return messages
}

// modelTools converts the registry's definitions into model tool schemas.
func (o *Orchestrator) modelTools() []model.ToolDefinition {
	defs := o.catalog.Definitions()
	out := make([]model.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = model.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		}
	}
	return out
}

// turnLock returns the run's turn mutex, creating it on first use.
func (o *Orchestrator) turnLock(runID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock := o.turns[runID]
	if lock == nil {
		lock = &sync.Mutex{}
		o.turns[runID] = lock
	}
	return lock
}

// toolResultContent renders an outcome as the tool message fed back to the
// model.
func toolResultContent(out executor.Outcome) string {
	if out.Success {
		return string(out.Output)
	}
	return fmt.Sprintf("tool call failed: %s", out.Error)
}

func addUsage(into *run.TokenUsage, u run.TokenUsage) {
	into.InputTokens += u.InputTokens
	into.OutputTokens += u.OutputTokens
	into.TotalTokens += u.TotalTokens
}
