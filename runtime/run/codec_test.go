package run_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/baton/runtime/run"
)

func TestMarshalEventFlatWire(t *testing.T) {
	t.Parallel()

	env := run.NewEnvelope("run_1", run.Scope{TenantID: "tenant_1"},
		run.WithStep("step_1"),
		run.WithTimestamp(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)),
	)
	ev := run.NewToolCallRequestedEvent(env, "call_1", "web_search",
		json.RawMessage(`{"query":"docs"}`), run.RiskLow, "key_1", false)

	data, err := run.MarshalEvent(ev)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "tool-call-requested", wire["eventType"])
	assert.Equal(t, "run_1", wire["runId"])
	assert.Equal(t, "step_1", wire["stepId"])
	assert.Equal(t, "tenant_1", wire["tenantId"])
	assert.Equal(t, env.ID, wire["id"])
	assert.Equal(t, env.ID, wire["correlationId"])
	assert.Equal(t, "web_search", wire["toolName"])
	assert.NotContains(t, wire, "causationId")
}

func TestUnmarshalEventRoundTrip(t *testing.T) {
	t.Parallel()

	scope := run.Scope{TenantID: "tenant_1", UserID: "user_1"}
	env := run.NewEnvelope("run_1", scope)
	events := []run.Event{
		run.NewRunStartedEvent(env, "user_1", "demo", map[string]any{"source": "test"}),
		run.NewLLMDeltaEvent(env.Child(), "turn_1", 0, "hel"),
		run.NewApprovalResolvedEvent(env.Child(), "appr_1", "call_1",
			run.DecisionEditApprove, json.RawMessage(`{"query":"safer"}`), "op_1"),
		run.NewToolCallFailedEvent(env.Child(), "call_1", "rejected by op_1", 0, 0),
	}

	for _, ev := range events {
		data, err := run.MarshalEvent(ev)
		require.NoError(t, err)
		decoded, err := run.UnmarshalEvent(data)
		require.NoError(t, err)
		require.Equal(t, ev.Type(), decoded.Type())
		require.Equal(t, ev.Env().ID, decoded.Env().ID)
		require.Equal(t, ev.Env().TenantID, decoded.Env().TenantID)
	}

	data, err := run.MarshalEvent(events[2])
	require.NoError(t, err)
	decoded, err := run.UnmarshalEvent(data)
	require.NoError(t, err)
	resolved, ok := decoded.(*run.ApprovalResolvedEvent)
	require.True(t, ok)
	assert.Equal(t, run.DecisionEditApprove, resolved.Decision)
	assert.JSONEq(t, `{"query":"safer"}`, string(resolved.EditedArgs))
	assert.Equal(t, env.ID, resolved.CausationID)
}

func TestUnmarshalEventUnknownType(t *testing.T) {
	t.Parallel()

	_, err := run.UnmarshalEvent(json.RawMessage(`{"eventType":"mystery-event"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported event type "mystery-event"`)
}

func TestEnvelopeChild(t *testing.T) {
	t.Parallel()

	parent := run.NewEnvelope("run_1", run.Scope{TenantID: "tenant_1"}, run.WithStep("step_9"))
	child := parent.Child()

	assert.Equal(t, parent.RunID, child.RunID)
	assert.Equal(t, parent.TenantID, child.TenantID)
	assert.Equal(t, parent.StepID, child.StepID)
	assert.Equal(t, parent.CorrelationID, child.CorrelationID)
	assert.Equal(t, parent.ID, child.CausationID)
	assert.NotEqual(t, parent.ID, child.ID)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	scope := run.Scope{TenantID: "tenant_1"}
	good := run.NewEnvelope("run_1", scope)

	cases := []struct {
		name    string
		event   run.Event
		wantErr string
	}{
		{
			name:  "valid run started",
			event: run.NewRunStartedEvent(good, "user_1", "", nil),
		},
		{
			name:    "run started without user",
			event:   run.NewRunStartedEvent(good, "", "", nil),
			wantErr: "user id is required",
		},
		{
			name:    "envelope without tenant",
			event:   run.NewRunStartedEvent(run.NewEnvelope("run_1", run.Scope{}), "user_1", "", nil),
			wantErr: "tenant id is required",
		},
		{
			name:    "negative token index",
			event:   run.NewLLMDeltaEvent(good, "turn_1", -1, "x"),
			wantErr: "token index",
		},
		{
			name:    "requested without idempotency key",
			event:   run.NewToolCallRequestedEvent(good, "call_1", "web_search", nil, run.RiskLow, "", false),
			wantErr: "idempotency key is required",
		},
		{
			name:    "failed completion without error",
			event:   &run.ToolCallCompletedEvent{Envelope: good, ToolCallID: "call_1"},
			wantErr: "failed tool call requires an error",
		},
		{
			name:    "edit approve without edited args",
			event:   run.NewApprovalResolvedEvent(good, "appr_1", "call_1", run.DecisionEditApprove, nil, "op"),
			wantErr: "edited args",
		},
		{
			name:    "unknown decision",
			event:   run.NewApprovalResolvedEvent(good, "appr_1", "call_1", run.Decision("maybe"), nil, "op"),
			wantErr: "unknown decision",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.event.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRiskTierRequiresApproval(t *testing.T) {
	t.Parallel()

	assert.False(t, run.RiskLow.RequiresApproval(false))
	assert.True(t, run.RiskMedium.RequiresApproval(false))
	assert.False(t, run.RiskMedium.RequiresApproval(true))
	assert.True(t, run.RiskHigh.RequiresApproval(true))
	assert.True(t, run.RiskCritical.RequiresApproval(true))
}

func TestStateCloneIsDeep(t *testing.T) {
	t.Parallel()

	s := run.NewState("run_1")
	s.ToolCalls = []run.ToolCallState{{
		ID:   "call_1",
		Args: json.RawMessage(`{"a":1}`),
	}}
	s.TurnTokenIndex = map[string]int{"turn_1": 3}

	c := s.Clone()
	c.ToolCalls[0].Status = run.ToolCallFailed
	c.ToolCalls[0].Args[1] = 'x'
	c.TurnTokenIndex["turn_1"] = 9

	assert.Empty(t, s.ToolCalls[0].Status)
	assert.JSONEq(t, `{"a":1}`, string(s.ToolCalls[0].Args))
	assert.Equal(t, 3, s.TurnTokenIndex["turn_1"])
}
