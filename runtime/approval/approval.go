// Package approval manages the human gate in front of risky tool calls.
//
// Each approval moves Pending -> Resolved when a decision arrives, or
// behaves as Expired once its deadline elapses. Expiry is evaluated lazily:
// there is no background sweep, a pending approval is simply no longer
// trusted past its deadline. Resolving appends the approval-resolved event
// and wakes the waiting tool call; the manager never executes anything
// itself, so per-run event ordering stays with the executor.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/run"
	"goa.design/baton/runtime/telemetry"
)

type (
	// Appender is the slice of eventlog.Store the manager needs.
	Appender interface {
		Append(ctx context.Context, ev run.Event, opts ...eventlog.AppendOption) (uint64, error)
	}

	// Resolution is the outcome a blocked tool call receives.
	Resolution struct {
		// Decision is the resolver's verdict. Empty when Expired.
		Decision run.Decision
		// EditedArgs replaces the call's arguments when Decision is
		// edit_approve.
		EditedArgs json.RawMessage
		// ResolvedBy identifies the resolving actor. Empty when Expired.
		ResolvedBy string
		// Expired reports that the deadline elapsed before any decision.
		// The blocked call treats it as a rejection.
		Expired bool
	}

	// Pending describes one approval awaiting a decision.
	Pending struct {
		// ApprovalID identifies the approval.
		ApprovalID string
		// RunID is the run the gated call belongs to.
		RunID string
		// ToolCallID is the gated tool call.
		ToolCallID string
		// ToolName names the gated tool.
		ToolName string
		// RiskTier is the tier that triggered the gate.
		RiskTier run.RiskTier
		// ExpiresAt is the deadline, nil if the approval does not expire.
		ExpiresAt *time.Time
	}

	// Manager tracks pending approvals and resolves them.
	Manager struct {
		log    Appender
		logger telemetry.Logger
		ttl    time.Duration

		mu      sync.Mutex
		entries map[string]*state
	}

	// Option configures a Manager.
	Option func(*Manager)

	state struct {
		env        run.Envelope // approval-requested envelope, parent of the resolution
		runID      string
		toolCallID string
		toolName   string
		tier       run.RiskTier
		expiresAt  *time.Time
		done       chan struct{}
		resolution *Resolution
	}
)

// WithTTL sets the deadline applied to new approvals. Zero (the default)
// means approvals never expire.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithLogger sets the manager's logger. Defaults to the no-op logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New returns a Manager appending approval events to log.
func New(log Appender, opts ...Option) *Manager {
	m := &Manager{
		log:     log,
		logger:  telemetry.NewNoopLogger(),
		entries: make(map[string]*state),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request opens an approval for the tool call and appends the
// approval-requested event. env carries the run, step and causal context of
// the requesting call. The returned event names the new approval and its
// deadline.
func (m *Manager) Request(ctx context.Context, env run.Envelope, toolCallID, toolName string, args json.RawMessage, tier run.RiskTier) (*run.ApprovalRequestedEvent, error) {
	approvalID := run.NewApprovalID()
	var expiresAt *time.Time
	if m.ttl > 0 {
		t := time.Now().Add(m.ttl).UTC()
		expiresAt = &t
	}

	ev := run.NewApprovalRequestedEvent(env, approvalID, toolCallID, toolName, args, tier, expiresAt)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.log.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("append approval-requested: %w", err)
	}
	m.entries[approvalID] = &state{
		env:        ev.Envelope,
		runID:      env.RunID,
		toolCallID: toolCallID,
		toolName:   toolName,
		tier:       tier,
		expiresAt:  expiresAt,
		done:       make(chan struct{}),
	}
	m.logger.Info(ctx, "approval requested",
		"run_id", env.RunID, "approval_id", approvalID, "tool_call_id", toolCallID,
		"tool", toolName, "risk_tier", string(tier))
	return ev, nil
}

// Resolve records a decision for a pending approval, appends the
// approval-resolved event and wakes the blocked tool call. It fails with
// *NotFoundError for unknown approvals and *AlreadyResolvedError when the
// approval is resolved or past its deadline. The manager only unblocks the
// executor; it never runs the tool.
func (m *Manager) Resolve(ctx context.Context, approvalID string, decision run.Decision, resolvedBy string, editedArgs json.RawMessage) error {
	if !decision.Valid() {
		return fmt.Errorf("unknown decision %q", decision)
	}
	if decision == run.DecisionEditApprove && len(editedArgs) == 0 {
		return fmt.Errorf("edit_approve requires edited args")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.entries[approvalID]
	if st == nil {
		return &NotFoundError{ApprovalID: approvalID}
	}
	if st.resolution != nil {
		status := run.ApprovalResolved
		if st.resolution.Expired {
			status = run.ApprovalExpired
		}
		return &AlreadyResolvedError{ApprovalID: approvalID, Status: status}
	}
	if st.expiresAt != nil && time.Now().After(*st.expiresAt) {
		st.resolution = &Resolution{Expired: true}
		close(st.done)
		return &AlreadyResolvedError{ApprovalID: approvalID, Status: run.ApprovalExpired}
	}

	ev := run.NewApprovalResolvedEvent(st.env.Child(), approvalID, st.toolCallID, decision, editedArgs, resolvedBy)
	if _, err := m.log.Append(ctx, ev); err != nil {
		return fmt.Errorf("append approval-resolved: %w", err)
	}

	st.resolution = &Resolution{Decision: decision, EditedArgs: editedArgs, ResolvedBy: resolvedBy}
	close(st.done)
	m.logger.Info(ctx, "approval resolved",
		"run_id", st.runID, "approval_id", approvalID, "decision", string(decision), "resolved_by", resolvedBy)
	return nil
}

// Wait blocks until the approval is resolved, its deadline elapses or ctx is
// done. On expiry the returned Resolution has Expired set; the caller treats
// it as a rejection.
func (m *Manager) Wait(ctx context.Context, approvalID string) (Resolution, error) {
	m.mu.Lock()
	st := m.entries[approvalID]
	m.mu.Unlock()
	if st == nil {
		return Resolution{}, &NotFoundError{ApprovalID: approvalID}
	}

	var expire <-chan time.Time
	if st.expiresAt != nil {
		timer := time.NewTimer(time.Until(*st.expiresAt))
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case <-st.done:
		return *st.resolution, nil
	case <-expire:
		m.mu.Lock()
		if st.resolution == nil {
			st.resolution = &Resolution{Expired: true}
			close(st.done)
		}
		m.mu.Unlock()
		<-st.done
		return *st.resolution, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// Status reports the approval's current status, expiry applied lazily.
func (m *Manager) Status(approvalID string) (run.ApprovalStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.entries[approvalID]
	if st == nil {
		return "", &NotFoundError{ApprovalID: approvalID}
	}
	switch {
	case st.resolution != nil && st.resolution.Expired:
		return run.ApprovalExpired, nil
	case st.resolution != nil:
		return run.ApprovalResolved, nil
	case st.expiresAt != nil && time.Now().After(*st.expiresAt):
		return run.ApprovalExpired, nil
	default:
		return run.ApprovalPending, nil
	}
}

// PendingForRun lists the run's approvals still awaiting a decision.
func (m *Manager) PendingForRun(runID string) []Pending {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Pending
	for id, st := range m.entries {
		if st.runID != runID || st.resolution != nil {
			continue
		}
		if st.expiresAt != nil && now.After(*st.expiresAt) {
			continue
		}
		out = append(out, Pending{
			ApprovalID: id,
			RunID:      st.runID,
			ToolCallID: st.toolCallID,
			ToolName:   st.toolName,
			RiskTier:   st.tier,
			ExpiresAt:  st.expiresAt,
		})
	}
	return out
}

// Recover re-registers the snapshot's still-pending approvals after a
// restart so Resolve and Wait find them again. The approval-requested
// events are already durable; Recover only rebuilds the in-memory index.
// It returns the number of approvals restored.
func (m *Manager) Recover(snapshot *run.State) int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	restored := 0
	for i := range snapshot.Approvals {
		a := &snapshot.Approvals[i]
		if !a.Live(now) {
			continue
		}
		if _, ok := m.entries[a.ID]; ok {
			continue
		}
		// Reconstruct the approval-requested envelope from the snapshot's
		// provenance fields so the eventual resolution still resolves its
		// causation within the run.
		m.entries[a.ID] = &state{
			env: run.Envelope{
				ID:            a.EventID,
				RunID:         snapshot.RunID,
				StepID:        a.StepID,
				EventType:     run.EventApprovalRequested,
				Timestamp:     a.RequestedAt,
				CorrelationID: a.CorrelationID,
				TenantID:      snapshot.TenantID,
			},
			runID:      snapshot.RunID,
			toolCallID: a.ToolCallID,
			toolName:   a.ToolName,
			tier:       a.RiskTier,
			expiresAt:  a.ExpiresAt,
			done:       make(chan struct{}),
		}
		restored++
	}
	return restored
}
