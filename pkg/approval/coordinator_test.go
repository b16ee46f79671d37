package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmatic-io/flowmatic/pkg/config"
	"github.com/flowmatic-io/flowmatic/pkg/store"
	"github.com/flowmatic-io/flowmatic/pkg/workflow"
)

type resumeCall struct {
	executionID int64
	stepID      int64
	res         workflow.Resolution
}

// recordingResumer stands in for the orchestrator and records every resume.
type recordingResumer struct {
	mu    sync.Mutex
	calls []resumeCall
}

func (r *recordingResumer) ResumeAfterApproval(ctx context.Context, executionID, stepID int64, res workflow.Resolution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resumeCall{executionID, stepID, res})
	return nil
}

func (r *recordingResumer) recorded() []resumeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]resumeCall(nil), r.calls...)
}

type fixture struct {
	store       *store.Store
	resumer     *recordingResumer
	coordinator *Coordinator
	executionID int64
	stepID      int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, &config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	agentID, err := st.CreateAgent(ctx, &store.Agent{
		Name: "worker", Provider: "anthropic", MaxTokens: 64, Active: true,
	})
	require.NoError(t, err)

	wfID, err := st.CreateWorkflow(ctx, &store.Workflow{
		Name:          "gated",
		TriggerKind:   store.TriggerManual,
		ExecutionMode: store.ModeSync,
		InterfaceKind: store.InterfaceAPI,
		Active:        true,
	}, []*store.WorkflowStep{
		{StepOrder: 1, Kind: store.StepApproval, Name: "signoff", OutputVariable: "gate"},
		{StepOrder: 2, Kind: store.StepAgentExecution, AgentID: &agentID, Name: "publish",
			OutputVariable: "publish", DependsOn: store.Int64List{1}},
	})
	require.NoError(t, err)

	exec := &store.WorkflowExecution{WorkflowID: wfID, Status: store.ExecutionAwaitingApproval}
	_, err = st.CreateWorkflowExecution(ctx, exec)
	require.NoError(t, err)

	steps, err := st.GetWorkflowSteps(ctx, wfID)
	require.NoError(t, err)

	resumer := &recordingResumer{}
	return &fixture{
		store:       st,
		resumer:     resumer,
		coordinator: NewCoordinator(st, resumer),
		executionID: exec.ID,
		stepID:      steps[0].ID,
	}
}

func TestApproveResumesExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.coordinator.Create(ctx, f.executionID, f.stepID, "manager", 30)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().Add(30*time.Minute), req.TimeoutAt, time.Minute)

	require.NoError(t, f.coordinator.Approve(ctx, req.ID, "alice", "lgtm"))

	got, err := f.store.GetApprovalRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, got.Status)
	assert.Equal(t, "alice", got.ResolvedBy)

	calls := f.resumer.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, f.executionID, calls[0].executionID)
	assert.Equal(t, f.stepID, calls[0].stepID)
	assert.True(t, calls[0].res.Approved)
	assert.Equal(t, "alice", calls[0].res.ApprovedBy)
}

func TestResolveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.coordinator.Create(ctx, f.executionID, f.stepID, "manager", 30)
	require.NoError(t, err)

	require.NoError(t, f.coordinator.Approve(ctx, req.ID, "alice", "ok"))

	// A concurrent rejection arrives after the approval landed.
	err = f.coordinator.Reject(ctx, req.ID, "bob", "too risky")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	// The first resolution stands; only one resume went out.
	got, err := f.store.GetApprovalRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, got.Status)
	assert.Equal(t, "alice", got.ResolvedBy)
	assert.Len(t, f.resumer.recorded(), 1)
}

func TestRejectCarriesReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.coordinator.Create(ctx, f.executionID, f.stepID, "", 0)
	require.NoError(t, err)

	require.NoError(t, f.coordinator.Reject(ctx, req.ID, "bob", "budget frozen"))

	calls := f.resumer.recorded()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].res.Approved)
	assert.Equal(t, "budget frozen", calls[0].res.Comments)
}

func TestSweepTimeouts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// One request is past its deadline, the other is not.
	expired := &store.ApprovalRequest{
		ExecutionID: f.executionID,
		StepID:      f.stepID,
		TimeoutAt:   time.Now().UTC().Add(-time.Minute),
	}
	_, err := f.store.CreateApprovalRequest(ctx, expired)
	require.NoError(t, err)

	steps, err := f.store.GetWorkflowSteps(ctx, 1)
	require.NoError(t, err)
	fresh, err := f.coordinator.Create(ctx, f.executionID, steps[1].ID, "manager", 60)
	require.NoError(t, err)

	swept, err := f.coordinator.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := f.store.GetApprovalRequest(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalTimeout, got.Status)
	assert.Equal(t, "system", got.ResolvedBy)

	untouched, err := f.store.GetApprovalRequest(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalPending, untouched.Status)

	// The timed-out gate resumes as a rejection with reason "timeout".
	calls := f.resumer.recorded()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].res.Approved)
	assert.Equal(t, "system", calls[0].res.ApprovedBy)
	assert.Equal(t, "timeout", calls[0].res.Comments)

	// A second sweep finds nothing.
	swept, err = f.coordinator.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestListPendingByRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.Create(ctx, f.executionID, f.stepID, "manager", 60)
	require.NoError(t, err)

	pending, err := f.coordinator.ListPending(ctx, "manager")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	pending, err = f.coordinator.ListPending(ctx, "finance")
	require.NoError(t, err)
	assert.Empty(t, pending)

	count, err := f.coordinator.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
