// Package executor runs registered tools on behalf of a run. It enforces
// idempotency, per-run and per-minute call limits, the risk approval gate
// and the tool's retry policy, and records every outcome in the run's event
// log so the trail never holds a started call without a terminal event.
//
// The at-most-once guarantee hangs off the durable log, not process memory:
// before invoking anything the executor folds the run's events and replays
// the recorded outcome of any terminal call with the same idempotency key.
// In-memory state only coordinates concurrent duplicates within one process.
// Requested calls that never started (a crash before tool-call-started, or
// an approval decided after a restart) are adopted and driven to a terminal
// event; calls caught mid-execution are never re-run.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"goa.design/baton/runtime/approval"
	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/retry"
	"goa.design/baton/runtime/run"
	"goa.design/baton/runtime/telemetry"
	"goa.design/baton/runtime/tools"
)

type (
	// Appender is the slice of eventlog.Store the executor writes through.
	Appender interface {
		Append(ctx context.Context, ev run.Event, opts ...eventlog.AppendOption) (uint64, error)
	}

	// Snapshotter folds a run's log into its current state. Satisfied by
	// *project.Projector.
	Snapshotter interface {
		Project(ctx context.Context, runID string) (*run.State, error)
	}

	// Approver gates risky calls on a human decision. Satisfied by
	// *approval.Manager.
	Approver interface {
		Request(ctx context.Context, env run.Envelope, toolCallID, toolName string, args json.RawMessage, tier run.RiskTier) (*run.ApprovalRequestedEvent, error)
		Wait(ctx context.Context, approvalID string) (approval.Resolution, error)
	}

	// Catalog resolves tool definitions and validates arguments. Satisfied
	// by *tools.Registry.
	Catalog interface {
		Resolve(name string) (tools.Definition, tools.Handler, error)
		ValidateArgs(name string, args json.RawMessage) error
	}

	// Request identifies one tool call to execute.
	Request struct {
		// RunID is the run the call executes within. Required.
		RunID string
		// Scope carries the tenant and acting user. The tenant must match
		// the run's. Required.
		Scope run.Scope
		// StepID groups the call's events with the requesting step.
		StepID string
		// ToolName names a registered tool. Required.
		ToolName string
		// Args is the JSON argument object. Empty means {}.
		Args json.RawMessage
		// CorrelationID continues an existing causal chain, typically the
		// model turn that asked for the call. Empty opens a new chain.
		CorrelationID string
		// CausationID names the event that triggered the call. Must
		// resolve within the run when set.
		CausationID string
	}

	// Outcome is the terminal result of one executed or replayed call.
	Outcome struct {
		// ToolCallID identifies the call in the run's log.
		ToolCallID string
		// Success reports whether the tool returned a result.
		Success bool
		// Output is the tool's JSON result on success.
		Output json.RawMessage
		// Error describes the terminal failure, empty on success.
		Error string
		// Duration is the wall-clock execution time.
		Duration time.Duration
		// Attempts is the number of invocation attempts.
		Attempts int
		// Replayed reports that the outcome was served from the log or
		// shared with a concurrent duplicate instead of freshly executed.
		Replayed bool
	}

	// Executor coordinates tool execution for runs sharing one event log.
	Executor struct {
		catalog  Catalog
		log      Appender
		snaps    Snapshotter
		approver Approver
		logger   telemetry.Logger
		tracer   telemetry.Tracer

		flightMu sync.Mutex
		inflight map[string]*flight

		limitMu   sync.Mutex
		runCounts map[string]int
		limiters  map[string]*rate.Limiter
	}

	// Option configures an Executor.
	Option func(*Executor)

	// flight is the in-process rendezvous for concurrent same-key calls:
	// the first caller owns the execution, duplicates block on done.
	flight struct {
		done    chan struct{}
		outcome *Outcome
		err     error
	}
)

// WithLogger configures the executor logger. When nil, the executor uses a
// noop logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer configures the executor tracer. When nil, the executor uses a
// noop tracer.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// New returns an executor running tools from catalog, journaling through
// log, replaying off snaps and gating risky calls through approver.
func New(catalog Catalog, log Appender, snaps Snapshotter, approver Approver, opts ...Option) *Executor {
	e := &Executor{
		catalog:   catalog,
		log:       log,
		snaps:     snaps,
		approver:  approver,
		logger:    telemetry.NewNoopLogger(),
		tracer:    telemetry.NewNoopTracer(),
		inflight:  make(map[string]*flight),
		runCounts: make(map[string]int),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e
}

// Execute runs one tool call to its terminal event and returns the outcome.
// An Outcome with Success=false is not an executor error: the tool ran (or
// was replayed) and failed, and the failure is on record. Policy refusals
// return typed errors after recording the refusal: *tools.UnknownToolError,
// *RateLimitError and *RejectedError all leave the run's audit trail
// terminal; *InFlightError reports a same-key call caught mid-execution and
// records nothing.
func (e *Executor) Execute(ctx context.Context, req Request) (*Outcome, error) {
	switch {
	case req.RunID == "":
		return nil, errors.New("run id is required")
	case req.ToolName == "":
		return nil, errors.New("tool name is required")
	case req.Scope.TenantID == "":
		return nil, errors.New("tenant id is required")
	}

	args, err := tools.CanonicalJSON(req.Args)
	if err != nil {
		return nil, fmt.Errorf("canonicalize args for tool %q: %w", req.ToolName, err)
	}
	key, err := tools.IdempotencyKey(req.ToolName, args)
	if err != nil {
		return nil, fmt.Errorf("idempotency key for tool %q: %w", req.ToolName, err)
	}

	ctx, span := e.tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(
			attribute.String("executor.run_id", req.RunID),
			attribute.String("executor.tool", req.ToolName),
			attribute.String("executor.idempotency_key", key),
		))
	defer span.End()

	fkey := req.RunID + "\x00" + key
	e.flightMu.Lock()
	if fl, ok := e.inflight[fkey]; ok {
		e.flightMu.Unlock()
		span.AddEvent("executor.joined_inflight", "executor.idempotency_key", key)
		return awaitFlight(ctx, fl)
	}
	fl := &flight{done: make(chan struct{})}
	e.inflight[fkey] = fl
	e.flightMu.Unlock()

	outcome, err := e.execute(ctx, req, args, key)

	fl.outcome, fl.err = outcome, err
	close(fl.done)
	e.flightMu.Lock()
	delete(e.inflight, fkey)
	e.flightMu.Unlock()

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool call did not execute")
	case !outcome.Success:
		span.SetStatus(codes.Error, "tool call failed")
	default:
		span.SetStatus(codes.Ok, "")
	}
	return outcome, err
}

// awaitFlight blocks a duplicate call on the owner's outcome and hands back
// a copy marked as replayed.
func awaitFlight(ctx context.Context, fl *flight) (*Outcome, error) {
	select {
	case <-fl.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if fl.err != nil {
		return nil, fl.err
	}
	out := *fl.outcome
	out.Replayed = true
	return &out, nil
}

// execute is the owner path: exactly one goroutine per (run, key) runs it.
func (e *Executor) execute(ctx context.Context, req Request, args json.RawMessage, key string) (*Outcome, error) {
	span := e.tracer.Span(ctx)

	snap, err := e.snaps.Project(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("project run %s: %w", req.RunID, err)
	}

	// The durable log decides what a same-key call means: terminal calls
	// replay, running calls are off limits, requested-but-unstarted calls
	// are adopted and finished here.
	for i := range snap.ToolCalls {
		tc := &snap.ToolCalls[i]
		if tc.IdempotencyKey != key {
			continue
		}
		switch tc.Status {
		case run.ToolCallSucceeded, run.ToolCallFailed:
			span.AddEvent("executor.replayed", "executor.tool_call_id", tc.ID)
			e.logger.Info(ctx, "tool call replayed from log",
				"component", "executor", "run_id", req.RunID, "tool", req.ToolName, "tool_call_id", tc.ID)
			return &Outcome{
				ToolCallID: tc.ID,
				Success:    tc.Status == run.ToolCallSucceeded,
				Output:     tc.Output,
				Error:      tc.Error,
				Duration:   tc.Duration,
				Attempts:   tc.Attempts,
				Replayed:   true,
			}, nil
		case run.ToolCallRunning:
			return nil, &InFlightError{RunID: req.RunID, ToolCallID: tc.ID, IdempotencyKey: key}
		default:
			span.AddEvent("executor.adopted", "executor.tool_call_id", tc.ID)
			return e.adopt(ctx, snap, tc)
		}
	}

	def, handler, err := e.catalog.Resolve(req.ToolName)
	if err != nil {
		var unknown *tools.UnknownToolError
		if errors.As(err, &unknown) {
			if aerr := e.refuse(ctx, req, args, key, "", err.Error()); aerr != nil {
				return nil, aerr
			}
		}
		return nil, err
	}

	if verr := e.catalog.ValidateArgs(req.ToolName, args); verr != nil {
		if aerr := e.refuse(ctx, req, args, key, def.RiskTier, fmt.Sprintf("invalid arguments: %s", verr)); aerr != nil {
			return nil, aerr
		}
		return nil, fmt.Errorf("invalid arguments for tool %q: %w", req.ToolName, verr)
	}

	if msg, ok := e.allow(snap, &def); !ok {
		if aerr := e.refuse(ctx, req, args, key, def.RiskTier, msg); aerr != nil {
			return nil, aerr
		}
		e.logger.Warn(ctx, "tool call rate limited",
			"component", "executor", "run_id", req.RunID, "tool", req.ToolName, "limit", msg)
		return nil, &RateLimitError{RunID: req.RunID, ToolName: req.ToolName, Limit: msg}
	}

	callID := run.NewToolCallID()
	gated := def.RequiresApproval()
	requested := run.NewToolCallRequestedEvent(e.envelope(req), callID, req.ToolName, args, def.RiskTier, key, gated)
	if _, err := e.log.Append(ctx, requested); err != nil {
		e.refund(req.RunID, def.Name)
		return nil, fmt.Errorf("append tool-call-requested: %w", err)
	}

	if gated {
		ev, err := e.approver.Request(ctx, requested.Child(), callID, def.Name, args, def.RiskTier)
		if err != nil {
			e.refund(req.RunID, def.Name)
			return nil, e.denyGated(ctx, requested.Envelope, callID, fmt.Errorf("request approval: %w", err))
		}
		e.logger.Info(ctx, "tool call awaiting approval",
			"component", "executor", "run_id", req.RunID, "tool", def.Name,
			"tool_call_id", callID, "approval_id", ev.ApprovalID, "risk_tier", string(def.RiskTier))

		edited, gerr := e.decide(ctx, callID, ev.ApprovalID, args, &def)
		if gerr != nil {
			e.refund(req.RunID, def.Name)
			return nil, e.denyGated(ctx, requested.Envelope, callID, gerr)
		}
		args = edited
	}

	started := run.NewToolCallStartedEvent(requested.Child(), callID)
	if _, err := e.log.Append(ctx, started); err != nil {
		e.refund(req.RunID, def.Name)
		return nil, fmt.Errorf("append tool-call-started: %w", err)
	}
	span.AddEvent("executor.started", "executor.tool_call_id", callID)

	return e.invoke(ctx, started, &def, handler, args)
}

// adopt finishes a requested call that never reached tool-call-started:
// pending calls start immediately, calls still awaiting approval block on
// the decision first. The rebuilt envelope reuses the requested event's
// recorded ID so follow-up events keep resolving their causation.
func (e *Executor) adopt(ctx context.Context, snap *run.State, tc *run.ToolCallState) (*Outcome, error) {
	def, handler, err := e.catalog.Resolve(tc.Name)
	if err != nil {
		return nil, err
	}

	requested := run.Envelope{
		ID:            tc.EventID,
		RunID:         snap.RunID,
		StepID:        tc.StepID,
		EventType:     run.EventToolCallRequested,
		Timestamp:     tc.RequestedAt,
		CorrelationID: tc.CorrelationID,
		TenantID:      snap.TenantID,
	}
	e.logger.Info(ctx, "tool call adopted",
		"component", "executor", "run_id", snap.RunID, "tool", tc.Name,
		"tool_call_id", tc.ID, "status", string(tc.Status))

	args := tc.Args
	switch {
	case tc.Status == run.ToolCallAwaitingApproval:
		edited, gerr := e.decide(ctx, tc.ID, tc.ApprovalID, args, &def)
		if gerr != nil {
			return nil, e.denyGated(ctx, requested, tc.ID, gerr)
		}
		args = edited
	case tc.RequiresApproval && tc.ApprovalID != "":
		// The decision landed before the restart; apply a recorded edit.
		if a := snap.Approval(tc.ApprovalID); a != nil && a.Decision == run.DecisionEditApprove && len(a.EditedArgs) > 0 {
			args = a.EditedArgs
		}
	}

	started := run.NewToolCallStartedEvent(requested.Child(), tc.ID)
	if _, err := e.log.Append(ctx, started); err != nil {
		return nil, fmt.Errorf("append tool-call-started: %w", err)
	}
	return e.invoke(ctx, started, &def, handler, args)
}

// invoke runs the handler under the tool's retry policy and appends the
// terminal event, which lands even when ctx is already done.
func (e *Executor) invoke(ctx context.Context, started *run.ToolCallStartedEvent, def *tools.Definition, handler tools.Handler, args json.RawMessage) (*Outcome, error) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = tools.DefaultTimeout
	}
	cfg := retry.Config{
		MaxAttempts:       def.Retry.MaxRetries + 1,
		InitialBackoff:    def.Retry.InitialBackoff,
		BackoffMultiplier: def.Retry.BackoffMultiplier,
		MaxBackoff:        def.Retry.MaxBackoff,
		Jitter:            0.1,
	}

	begin := time.Now()
	var output json.RawMessage
	attempts, xerr := retry.Do(ctx, cfg, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		out, herr := handler(actx, args)
		if herr != nil {
			return herr
		}
		output = out
		return nil
	})
	duration := time.Since(begin)

	if xerr != nil {
		failed := run.NewToolCallFailedEvent(started.Child(), started.ToolCallID, xerr.Error(), duration, attempts)
		if _, aerr := e.log.Append(uncancelled(ctx), failed); aerr != nil {
			return nil, fmt.Errorf("append tool-call-completed: %w", aerr)
		}
		e.logger.Warn(ctx, "tool call failed",
			"component", "executor", "run_id", started.RunID, "tool", def.Name,
			"tool_call_id", started.ToolCallID, "attempts", attempts, "err", xerr)
		if cerr := ctx.Err(); cerr != nil && errors.Is(xerr, cerr) {
			return nil, xerr
		}
		return &Outcome{ToolCallID: started.ToolCallID, Success: false, Error: xerr.Error(), Duration: duration, Attempts: attempts}, nil
	}

	completed := run.NewToolCallCompletedEvent(started.Child(), started.ToolCallID, output, duration, attempts)
	if _, err := e.log.Append(uncancelled(ctx), completed); err != nil {
		return nil, fmt.Errorf("append tool-call-completed: %w", err)
	}
	e.logger.Info(ctx, "tool call succeeded",
		"component", "executor", "run_id", started.RunID, "tool", def.Name,
		"tool_call_id", started.ToolCallID, "attempts", attempts, "duration_ms", duration.Milliseconds())
	return &Outcome{ToolCallID: started.ToolCallID, Success: true, Output: output, Duration: duration, Attempts: attempts}, nil
}

// decide blocks on the approval decision and returns the arguments the call
// may execute with.
func (e *Executor) decide(ctx context.Context, callID, approvalID string, args json.RawMessage, def *tools.Definition) (json.RawMessage, error) {
	res, err := e.approver.Wait(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	switch {
	case res.Expired:
		return nil, &RejectedError{ToolCallID: callID, ApprovalID: approvalID, Expired: true}
	case res.Decision == run.DecisionReject:
		return nil, &RejectedError{ToolCallID: callID, ApprovalID: approvalID, ResolvedBy: res.ResolvedBy}
	case res.Decision == run.DecisionEditApprove:
		edited, cerr := tools.CanonicalJSON(res.EditedArgs)
		if cerr != nil {
			return nil, fmt.Errorf("canonicalize edited args: %w", cerr)
		}
		if verr := e.catalog.ValidateArgs(def.Name, edited); verr != nil {
			return nil, fmt.Errorf("invalid edited arguments: %w", verr)
		}
		return edited, nil
	default:
		return args, nil
	}
}

// denyGated records the terminal failure for a gated call that did not
// clear its approval and passes the gate error back through.
func (e *Executor) denyGated(ctx context.Context, requested run.Envelope, callID string, gerr error) error {
	failed := run.NewToolCallFailedEvent(requested.Child(), callID, refusalMessage(gerr), 0, 0)
	if _, err := e.log.Append(uncancelled(ctx), failed); err != nil {
		return fmt.Errorf("append tool-call-completed: %w", err)
	}
	return gerr
}

// refuse records a call that never became eligible to run: a requested
// event followed immediately by a failed terminal event, with no started
// event in between.
func (e *Executor) refuse(ctx context.Context, req Request, args json.RawMessage, key string, tier run.RiskTier, msg string) error {
	callID := run.NewToolCallID()
	requested := run.NewToolCallRequestedEvent(e.envelope(req), callID, req.ToolName, args, tier, key, false)
	if _, err := e.log.Append(ctx, requested); err != nil {
		return fmt.Errorf("append tool-call-requested: %w", err)
	}
	failed := run.NewToolCallFailedEvent(requested.Child(), callID, msg, 0, 0)
	if _, err := e.log.Append(ctx, failed); err != nil {
		return fmt.Errorf("append tool-call-completed: %w", err)
	}
	return nil
}

// allow enforces MaxCallsPerRun and MaxCallsPerMinute, reporting the
// refusal reason when a limit is spent. Per-run budget rests on the durable
// log: only calls that started or are still live consume it, so
// pre-execution refusals and rejected approvals give their slot back.
func (e *Executor) allow(snap *run.State, def *tools.Definition) (string, bool) {
	e.limitMu.Lock()
	defer e.limitMu.Unlock()

	var rkey string
	count := 0
	if def.MaxCallsPerRun > 0 {
		rkey = snap.RunID + "\x00" + def.Name
		count = budgetedCalls(snap, def.Name)
		if n := e.runCounts[rkey]; n > count {
			count = n
		}
		if count >= def.MaxCallsPerRun {
			return fmt.Sprintf("max %d calls per run exceeded", def.MaxCallsPerRun), false
		}
	}
	if def.MaxCallsPerMinute > 0 {
		lim := e.limiters[def.Name]
		if lim == nil {
			lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(def.MaxCallsPerMinute)), def.MaxCallsPerMinute)
			e.limiters[def.Name] = lim
		}
		if !lim.Allow() {
			return fmt.Sprintf("max %d calls per minute exceeded", def.MaxCallsPerMinute), false
		}
	}
	if rkey != "" {
		e.runCounts[rkey] = count + 1
	}
	return "", true
}

// refund releases one per-run budget slot for a call that never started.
func (e *Executor) refund(runID, tool string) {
	e.limitMu.Lock()
	if k := runID + "\x00" + tool; e.runCounts[k] > 0 {
		e.runCounts[k]--
	}
	e.limitMu.Unlock()
}

// budgetedCalls counts the run's calls to the tool that consumed execution
// budget: everything live, plus terminal calls that actually started.
func budgetedCalls(snap *run.State, tool string) int {
	n := 0
	for i := range snap.ToolCalls {
		tc := &snap.ToolCalls[i]
		if tc.Name != tool {
			continue
		}
		if tc.Status == run.ToolCallFailed && tc.StartedAt.IsZero() {
			continue
		}
		n++
	}
	return n
}

func (e *Executor) envelope(req Request) run.Envelope {
	opts := []run.EnvelopeOption{run.WithStep(req.StepID)}
	if req.CorrelationID != "" {
		opts = append(opts, run.WithCorrelation(req.CorrelationID))
	}
	if req.CausationID != "" {
		opts = append(opts, run.WithCausation(req.CausationID))
	}
	return run.NewEnvelope(req.RunID, req.Scope, opts...)
}

// refusalMessage renders the terminal event message for a gate failure.
func refusalMessage(err error) string {
	var rej *RejectedError
	if errors.As(err, &rej) {
		if rej.Expired {
			return fmt.Sprintf("approval %s expired", rej.ApprovalID)
		}
		return "rejected by " + rej.ResolvedBy
	}
	return err.Error()
}

// uncancelled strips cancellation so terminal bookkeeping still lands when
// the caller's context is already done.
func uncancelled(ctx context.Context) context.Context {
	if ctx.Err() != nil {
		return context.WithoutCancel(ctx)
	}
	return ctx
}
