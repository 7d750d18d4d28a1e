// Package project folds a run's ordered event log into a run.State
// snapshot. The fold is a pure function of the event prefix: replaying the
// same events always yields the same state, and folding one more event onto
// a snapshot equals projecting the longer prefix from scratch. That second
// property is what lets the Projector memoize snapshots by last folded
// sequence and catch up incrementally instead of replaying whole logs.
package project

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/run"
	"goa.design/baton/runtime/telemetry"
)

type (
	// Source yields a run's records in sequence order. eventlog.Store
	// satisfies it.
	Source interface {
		ReadFrom(ctx context.Context, runID string, from uint64) (eventlog.Cursor, error)
	}

	// Projector computes run snapshots from the event log, memoizing the
	// last snapshot per run so repeated projections only fold the new
	// suffix.
	Projector struct {
		src    Source
		logger telemetry.Logger

		mu   sync.Mutex
		memo map[string]*run.State
	}

	// Option configures a Projector.
	Option func(*Projector)
)

// WithLogger sets the logger used to report dropped events. Defaults to the
// no-op logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(p *Projector) { p.logger = logger }
}

// New returns a Projector reading from src.
func New(src Source, opts ...Option) *Projector {
	p := &Projector{
		src:    src,
		logger: telemetry.NewNoopLogger(),
		memo:   make(map[string]*run.State),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Project folds the run's full event sequence and returns the resulting
// snapshot. Runs with no events yield a pending state with
// LastEventSequence zero. Recoverable fold errors (out-of-order deltas,
// events after a terminal status) are logged and their events skipped;
// anything else aborts the projection.
//
// The returned state is the caller's to keep: it never aliases the memoized
// snapshot.
func (p *Projector) Project(ctx context.Context, runID string) (*run.State, error) {
	p.mu.Lock()
	st := p.memo[runID].Clone()
	p.mu.Unlock()
	if st == nil {
		st = run.NewState(runID)
	}

	cur, err := p.src.ReadFrom(ctx, runID, st.LastEventSequence+1)
	if err != nil {
		return nil, fmt.Errorf("read events for run %s: %w", runID, err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		rec := cur.Record()
		if err := applyInPlace(st, rec); err != nil {
			var (
				ooo  *OutOfOrderError
				term *TerminalStateError
			)
			switch {
			case errors.As(err, &ooo):
				p.logger.Error(ctx, "dropped out-of-order llm delta",
					"run_id", runID, "turn_id", ooo.TurnID, "sequence", ooo.Sequence,
					"want", ooo.Want, "got", ooo.Got)
			case errors.As(err, &term):
				p.logger.Error(ctx, "dropped event recorded after terminal status",
					"run_id", runID, "status", string(term.Status),
					"event_type", string(term.EventType), "sequence", term.Sequence)
			default:
				return nil, fmt.Errorf("fold run %s at sequence %d: %w", runID, rec.Sequence, err)
			}
		}
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("read events for run %s: %w", runID, err)
	}

	p.mu.Lock()
	p.memo[runID] = st
	p.mu.Unlock()
	return st.Clone(), nil
}

// Invalidate drops the memoized snapshot for the run. The next Project call
// replays from sequence one.
func (p *Projector) Invalidate(runID string) {
	p.mu.Lock()
	delete(p.memo, runID)
	p.mu.Unlock()
}

// Apply is one pure fold step: it returns a new state with the record
// folded in, never mutating its input.
//
// Recoverable errors consume the event without applying its payload: the
// returned state has LastEventSequence advanced and is otherwise unchanged.
// A *OutOfOrderError flags an llm-delta token index gap; a
// *TerminalStateError flags an event recorded after the run ended. Any
// other error leaves the state untouched entirely.
func Apply(s *run.State, rec eventlog.Record) (*run.State, error) {
	next := s.Clone()
	err := applyInPlace(next, rec)
	return next, err
}

func applyInPlace(s *run.State, rec eventlog.Record) error {
	env := rec.Event.Env()
	if s.Status.Terminal() {
		s.LastEventSequence = rec.Sequence
		return &TerminalStateError{RunID: s.RunID, Status: s.Status, Sequence: rec.Sequence, EventType: rec.Event.Type()}
	}
	if err := foldEvent(s, rec); err != nil {
		var ooo *OutOfOrderError
		if errors.As(err, &ooo) {
			s.LastEventSequence = rec.Sequence
		}
		return err
	}
	trackStep(s, env)
	s.LastEventSequence = rec.Sequence
	return nil
}

// foldEvent dispatches on the event type and mutates s accordingly. The
// dispatch is exhaustive: an unrecognized type is an error, never a silent
// skip.
func foldEvent(s *run.State, rec eventlog.Record) error {
	env := rec.Event.Env()
	switch e := rec.Event.(type) {
	case *run.RunStartedEvent:
		s.Status = run.StatusRunning
		s.TenantID = env.TenantID
		s.UserID = e.UserID
		s.Title = e.Title
		s.StartedAt = env.Timestamp

	case *run.RunWaitingInputEvent:
		s.Status = run.StatusWaitingInput

	case *run.RunCompletedEvent:
		s.Status = run.StatusCompleted
		clearStreaming(s)

	case *run.RunFailedEvent:
		s.Status = run.StatusFailed
		s.LastError = e.Error
		clearStreaming(s)

	case *run.RunCancelledEvent:
		s.Status = run.StatusCancelled
		clearStreaming(s)

	case *run.MessageUserCreatedEvent:
		s.Messages = append(s.Messages, run.Message{
			ID:        e.MessageID,
			Role:      run.RoleUser,
			Content:   e.Content,
			CreatedAt: env.Timestamp,
		})
		// User input resumes a run parked on run-waiting-input.
		if s.Status == run.StatusWaitingInput {
			s.Status = run.StatusRunning
		}

	case *run.MessageAssistantCreatedEvent:
		s.Messages = append(s.Messages, run.Message{
			ID:        e.MessageID,
			Role:      run.RoleAssistant,
			Content:   e.Content,
			TurnID:    e.TurnID,
			CreatedAt: env.Timestamp,
		})

	case *run.LLMStartedEvent:
		s.StreamingTurnID = e.TurnID
		s.StreamingContent = ""

	case *run.LLMDeltaEvent:
		want := 0
		if last, ok := s.TurnTokenIndex[e.TurnID]; ok {
			want = last + 1
		}
		if e.TokenIndex != want {
			return &OutOfOrderError{RunID: s.RunID, TurnID: e.TurnID, Sequence: rec.Sequence, Want: want, Got: e.TokenIndex}
		}
		if s.TurnTokenIndex == nil {
			s.TurnTokenIndex = make(map[string]int)
		}
		s.TurnTokenIndex[e.TurnID] = e.TokenIndex
		if s.StreamingTurnID == "" {
			s.StreamingTurnID = e.TurnID
		}
		if s.StreamingTurnID == e.TurnID {
			s.StreamingContent += e.Content
		}

	case *run.LLMCompletedEvent:
		if s.StreamingTurnID == e.TurnID {
			clearStreaming(s)
		}
		delete(s.TurnTokenIndex, e.TurnID)
		// The event ID doubles as the message ID: both are unique within
		// the run and the finished message has no identity of its own.
		s.Messages = append(s.Messages, run.Message{
			ID:        env.ID,
			Role:      run.RoleAssistant,
			Content:   e.Content,
			TurnID:    e.TurnID,
			CreatedAt: env.Timestamp,
		})

	case *run.ToolCallRequestedEvent:
		tc := run.ToolCallState{
			ID:               e.ToolCallID,
			EventID:          env.ID,
			CorrelationID:    env.CorrelationID,
			StepID:           env.StepID,
			Name:             e.ToolName,
			Args:             e.Args,
			Status:           run.ToolCallPending,
			RiskTier:         e.RiskTier,
			IdempotencyKey:   e.IdempotencyKey,
			RequiresApproval: e.RequiresApproval,
			RequestedAt:      env.Timestamp,
		}
		if e.RequiresApproval {
			tc.Status = run.ToolCallAwaitingApproval
		}
		s.ToolCalls = append(s.ToolCalls, tc)
		refreshApprovalGate(s)

	case *run.ToolCallStartedEvent:
		if tc := s.ToolCall(e.ToolCallID); tc != nil {
			tc.Status = run.ToolCallRunning
			tc.StartedAt = env.Timestamp
		}

	case *run.ToolCallCompletedEvent:
		if tc := s.ToolCall(e.ToolCallID); tc != nil {
			if e.Success {
				tc.Status = run.ToolCallSucceeded
				tc.Output = e.Output
			} else {
				tc.Status = run.ToolCallFailed
				tc.Error = e.Error
				s.LastError = e.Error
			}
			tc.Duration = e.Duration
			tc.Attempts = e.Attempts
			tc.CompletedAt = env.Timestamp
			refreshApprovalGate(s)
		}

	case *run.ApprovalRequestedEvent:
		s.Approvals = append(s.Approvals, run.ApprovalState{
			ID:            e.ApprovalID,
			EventID:       env.ID,
			CorrelationID: env.CorrelationID,
			StepID:        env.StepID,
			ToolCallID:    e.ToolCallID,
			ToolName:      e.ToolName,
			OriginalArgs:  e.Args,
			RiskTier:      e.RiskTier,
			Status:        run.ApprovalPending,
			ExpiresAt:     e.ExpiresAt,
			RequestedAt:   env.Timestamp,
		})
		if tc := s.ToolCall(e.ToolCallID); tc != nil {
			tc.ApprovalID = e.ApprovalID
			tc.Status = run.ToolCallAwaitingApproval
		}
		refreshApprovalGate(s)

	case *run.ApprovalResolvedEvent:
		if a := s.Approval(e.ApprovalID); a != nil {
			a.Status = run.ApprovalResolved
			a.Decision = e.Decision
			a.EditedArgs = e.EditedArgs
			a.ResolvedBy = e.ResolvedBy
			ts := env.Timestamp
			a.ResolvedAt = &ts
		}
		if tc := s.ToolCall(e.ToolCallID); tc != nil {
			switch e.Decision {
			case run.DecisionReject:
				tc.Status = run.ToolCallFailed
				tc.Error = "rejected by " + e.ResolvedBy
				tc.CompletedAt = env.Timestamp
				s.LastError = tc.Error
			case run.DecisionEditApprove:
				if len(e.EditedArgs) > 0 {
					tc.Args = e.EditedArgs
				}
				if tc.Status == run.ToolCallAwaitingApproval {
					tc.Status = run.ToolCallPending
				}
			case run.DecisionApprove:
				if tc.Status == run.ToolCallAwaitingApproval {
					tc.Status = run.ToolCallPending
				}
			}
		}
		refreshApprovalGate(s)

	case *run.ArtifactCreatedEvent:
		s.Artifacts = append(s.Artifacts, run.Artifact{
			ID:         e.ArtifactID,
			Name:       e.Name,
			MediaType:  e.MediaType,
			URI:        e.URI,
			ToolCallID: e.ToolCallID,
			CreatedAt:  env.Timestamp,
		})

	default:
		return fmt.Errorf("unsupported event type %q", rec.Event.Type())
	}
	return nil
}

// clearStreaming resets the open streaming turn.
func clearStreaming(s *run.State) {
	s.StreamingContent = ""
	s.StreamingTurnID = ""
}

// trackStep records the envelope's step and marks it current.
func trackStep(s *run.State, env *run.Envelope) {
	if env.StepID == "" {
		return
	}
	s.CurrentStepID = env.StepID
	for _, st := range s.Steps {
		if st.ID == env.StepID {
			return
		}
	}
	s.Steps = append(s.Steps, run.Step{ID: env.StepID, StartedAt: env.Timestamp})
}

// refreshApprovalGate recomputes HasPendingApproval and flips the run status
// between Running and WaitingApproval accordingly. The gate is open while
// any tool call sits in awaiting_approval; an approval whose call reached a
// terminal event without a resolution (deadline elapsed) no longer holds
// the run.
func refreshApprovalGate(s *run.State) {
	pending := false
	for i := range s.ToolCalls {
		if s.ToolCalls[i].Status == run.ToolCallAwaitingApproval {
			pending = true
			break
		}
	}
	s.HasPendingApproval = pending
	switch {
	case pending && s.Status == run.StatusRunning:
		s.Status = run.StatusWaitingApproval
	case !pending && s.Status == run.StatusWaitingApproval:
		s.Status = run.StatusRunning
	}
}
