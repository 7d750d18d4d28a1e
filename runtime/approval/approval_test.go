package approval_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/baton/runtime/approval"
	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/eventlog/inmem"
	"goa.design/baton/runtime/project"
	"goa.design/baton/runtime/run"
)

// seedGatedCall stores a run-started event followed by a high-risk
// tool-call-requested event and returns the run ID, the tool call ID and
// the requested event's envelope, which approvals hang off.
func seedGatedCall(t *testing.T, store *inmem.Store) (string, string, run.Envelope) {
	t.Helper()
	ctx := context.Background()
	runID := run.NewRunID()
	scope := run.Scope{TenantID: "tenant-1", UserID: "user-1"}

	startEnv := run.NewEnvelope(runID, scope)
	_, err := store.Append(ctx, run.NewRunStartedEvent(startEnv, "user-1", "", nil))
	require.NoError(t, err)

	callID := run.NewToolCallID()
	args := json.RawMessage(`{"environment":"production"}`)
	tcEnv := startEnv.Child()
	_, err = store.Append(ctx, run.NewToolCallRequestedEvent(tcEnv, callID, "deploy_service", args, run.RiskHigh, "idem-1", true))
	require.NoError(t, err)

	return runID, callID, tcEnv
}

// storedEvents drains the run's full log into a slice.
func storedEvents(t *testing.T, store *inmem.Store, runID string) []eventlog.Record {
	t.Helper()
	ctx := context.Background()
	cur, err := store.ReadFrom(ctx, runID, 1)
	require.NoError(t, err)
	defer cur.Close(ctx)

	var recs []eventlog.Record
	for cur.Next(ctx) {
		recs = append(recs, cur.Record())
	}
	require.NoError(t, cur.Err())
	return recs
}

func TestRequestTracksPending(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	mgr := approval.New(store, approval.WithTTL(time.Hour))
	runID, callID, tcEnv := seedGatedCall(t, store)

	ev, err := mgr.Request(context.Background(), tcEnv.Child(), callID, "deploy_service", json.RawMessage(`{"environment":"production"}`), run.RiskHigh)
	require.NoError(t, err)
	require.NotEmpty(t, ev.ApprovalID)
	assert.Equal(t, callID, ev.ToolCallID)
	assert.Equal(t, run.RiskHigh, ev.RiskTier)
	require.NotNil(t, ev.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *ev.ExpiresAt, time.Minute)
	assert.Equal(t, tcEnv.ID, ev.CausationID)

	status, err := mgr.Status(ev.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, run.ApprovalPending, status)

	pending := mgr.PendingForRun(runID)
	require.Len(t, pending, 1)
	assert.Equal(t, ev.ApprovalID, pending[0].ApprovalID)
	assert.Equal(t, callID, pending[0].ToolCallID)
	assert.Equal(t, "deploy_service", pending[0].ToolName)
	assert.Equal(t, run.RiskHigh, pending[0].RiskTier)

	recs := storedEvents(t, store, runID)
	require.Len(t, recs, 3)
	_, ok := recs[2].Event.(*run.ApprovalRequestedEvent)
	assert.True(t, ok, "third event should be the approval request")
}

func TestResolveApprove(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	mgr := approval.New(store)
	runID, callID, tcEnv := seedGatedCall(t, store)

	ev, err := mgr.Request(context.Background(), tcEnv.Child(), callID, "deploy_service", nil, run.RiskHigh)
	require.NoError(t, err)

	require.NoError(t, mgr.Resolve(context.Background(), ev.ApprovalID, run.DecisionApprove, "alice", nil))

	res, err := mgr.Wait(context.Background(), ev.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, run.DecisionApprove, res.Decision)
	assert.Equal(t, "alice", res.ResolvedBy)
	assert.False(t, res.Expired)

	status, err := mgr.Status(ev.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, run.ApprovalResolved, status)
	assert.Empty(t, mgr.PendingForRun(runID))

	recs := storedEvents(t, store, runID)
	require.Len(t, recs, 4)
	resolved, ok := recs[3].Event.(*run.ApprovalResolvedEvent)
	require.True(t, ok, "fourth event should be the resolution")
	assert.Equal(t, ev.ApprovalID, resolved.ApprovalID)
	assert.Equal(t, ev.Envelope.ID, resolved.CausationID)
	assert.Equal(t, ev.CorrelationID, resolved.CorrelationID)
}

func TestResolveEditApproveCarriesEditedArgs(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	mgr := approval.New(store)
	_, callID, tcEnv := seedGatedCall(t, store)

	ev, err := mgr.Request(context.Background(), tcEnv.Child(), callID, "deploy_service", json.RawMessage(`{"environment":"production"}`), run.RiskHigh)
	require.NoError(t, err)

	edited := json.RawMessage(`{"environment":"staging"}`)
	require.NoError(t, mgr.Resolve(context.Background(), ev.ApprovalID, run.DecisionEditApprove, "bob", edited))

	res, err := mgr.Wait(context.Background(), ev.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, run.DecisionEditApprove, res.Decision)
	assert.JSONEq(t, string(edited), string(res.EditedArgs))
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	mgr := approval.New(store)
	_, callID, tcEnv := seedGatedCall(t, store)

	ev, err := mgr.Request(context.Background(), tcEnv.Child(), callID, "deploy_service", nil, run.RiskHigh)
	require.NoError(t, err)

	err = mgr.Resolve(context.Background(), ev.ApprovalID, run.Decision("maybe"), "alice", nil)
	require.ErrorContains(t, err, "unknown decision")

	err = mgr.Resolve(context.Background(), ev.ApprovalID, run.DecisionEditApprove, "alice", nil)
	require.ErrorContains(t, err, "edited args")

	var nf *approval.NotFoundError
	err = mgr.Resolve(context.Background(), "appr_missing", run.DecisionApprove, "alice", nil)
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "appr_missing", nf.ApprovalID)

	require.NoError(t, mgr.Resolve(context.Background(), ev.ApprovalID, run.DecisionReject, "alice", nil))

	var already *approval.AlreadyResolvedError
	err = mgr.Resolve(context.Background(), ev.ApprovalID, run.DecisionApprove, "bob", nil)
	require.ErrorAs(t, err, &already)
	assert.Equal(t, run.ApprovalResolved, already.Status)
}

func TestWaitBlocksUntilResolved(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	mgr := approval.New(store)
	_, callID, tcEnv := seedGatedCall(t, store)

	ev, err := mgr.Request(context.Background(), tcEnv.Child(), callID, "deploy_service", nil, run.RiskCritical)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		errc <- mgr.Resolve(context.Background(), ev.ApprovalID, run.DecisionApprove, "alice", nil)
	}()

	res, err := mgr.Wait(context.Background(), ev.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, run.DecisionApprove, res.Decision)
	require.NoError(t, <-errc)
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	mgr := approval.New(store)
	_, callID, tcEnv := seedGatedCall(t, store)

	ev, err := mgr.Request(context.Background(), tcEnv.Child(), callID, "deploy_service", nil, run.RiskHigh)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = mgr.Wait(ctx, ev.ApprovalID)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var nf *approval.NotFoundError
	_, err = mgr.Wait(context.Background(), "appr_missing")
	require.ErrorAs(t, err, &nf)
}

func TestWaitExpiry(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	mgr := approval.New(store, approval.WithTTL(30*time.Millisecond))
	runID, callID, tcEnv := seedGatedCall(t, store)

	ev, err := mgr.Request(context.Background(), tcEnv.Child(), callID, "deploy_service", nil, run.RiskHigh)
	require.NoError(t, err)

	res, err := mgr.Wait(context.Background(), ev.ApprovalID)
	require.NoError(t, err)
	assert.True(t, res.Expired)
	assert.Empty(t, res.ResolvedBy)

	// A late decision finds the approval already expired and appends
	// nothing.
	var already *approval.AlreadyResolvedError
	err = mgr.Resolve(context.Background(), ev.ApprovalID, run.DecisionApprove, "alice", nil)
	require.ErrorAs(t, err, &already)
	assert.Equal(t, run.ApprovalExpired, already.Status)

	status, err := mgr.Status(ev.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, run.ApprovalExpired, status)

	recs := storedEvents(t, store, runID)
	for _, rec := range recs {
		_, ok := rec.Event.(*run.ApprovalResolvedEvent)
		assert.False(t, ok, "expiry must not append a resolution event")
	}
}

func TestStatusExpiresLazily(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	mgr := approval.New(store, approval.WithTTL(20*time.Millisecond))
	runID, callID, tcEnv := seedGatedCall(t, store)

	ev, err := mgr.Request(context.Background(), tcEnv.Child(), callID, "deploy_service", nil, run.RiskHigh)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	status, err := mgr.Status(ev.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, run.ApprovalExpired, status)
	assert.Empty(t, mgr.PendingForRun(runID))
}

func TestRecoverRestoresPendingApprovals(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := inmem.New()
	mgr := approval.New(store, approval.WithTTL(time.Hour))
	runID, callID, tcEnv := seedGatedCall(t, store)

	ev, err := mgr.Request(ctx, tcEnv.Child(), callID, "deploy_service", json.RawMessage(`{"environment":"production"}`), run.RiskHigh)
	require.NoError(t, err)

	// Fold the durable log into a snapshot, then stand up a fresh manager
	// as a restarted process would.
	snapshot, err := project.New(store).Project(ctx, runID)
	require.NoError(t, err)

	restarted := approval.New(store)
	require.Equal(t, 1, restarted.Recover(snapshot))
	require.Equal(t, 0, restarted.Recover(snapshot), "recover is idempotent")

	pending := restarted.PendingForRun(runID)
	require.Len(t, pending, 1)
	assert.Equal(t, ev.ApprovalID, pending[0].ApprovalID)
	assert.Equal(t, callID, pending[0].ToolCallID)
	assert.Equal(t, "deploy_service", pending[0].ToolName)

	// Resolving through the restarted manager must append a resolution
	// whose causation still resolves against the durable request event.
	require.NoError(t, restarted.Resolve(ctx, ev.ApprovalID, run.DecisionApprove, "alice", nil))

	recs := storedEvents(t, store, runID)
	resolved, ok := recs[len(recs)-1].Event.(*run.ApprovalResolvedEvent)
	require.True(t, ok, "last event should be the resolution")
	assert.Equal(t, ev.Envelope.ID, resolved.CausationID)
	assert.Equal(t, ev.CorrelationID, resolved.CorrelationID)
	assert.Equal(t, "tenant-1", resolved.TenantID)

	res, err := restarted.Wait(ctx, ev.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, run.DecisionApprove, res.Decision)
}

func TestRecoverSkipsDeadApprovals(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	snapshot := &run.State{
		RunID:    "run_recover",
		TenantID: "tenant-1",
		Approvals: []run.ApprovalState{
			{ID: "appr_done", EventID: "evt_1", Status: run.ApprovalResolved},
			{ID: "appr_stale", EventID: "evt_2", Status: run.ApprovalPending, ExpiresAt: &past},
			{ID: "appr_live", EventID: "evt_3", Status: run.ApprovalPending, ExpiresAt: &future},
			{ID: "appr_open", EventID: "evt_4", Status: run.ApprovalPending},
		},
	}

	mgr := approval.New(inmem.New())
	require.Equal(t, 2, mgr.Recover(snapshot))

	pending := mgr.PendingForRun("run_recover")
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ApprovalID)
	}
	assert.ElementsMatch(t, []string{"appr_live", "appr_open"}, ids)
}
