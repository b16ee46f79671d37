package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmatic-io/flowmatic/pkg/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), &config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testAgent(name string) *Agent {
	return &Agent{
		Name:         name,
		Provider:     "anthropic",
		Model:        "claude-sonnet-4-20250514",
		SystemPrompt: "You are a test assistant.",
		Temperature:  0.7,
		MaxTokens:    1024,
		Active:       true,
	}
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateAgent(ctx, testAgent("researcher"))
	require.NoError(t, err)
	require.NotZero(t, id)

	a, err := s.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "researcher", a.Name)
	assert.True(t, a.Active)

	byName, err := s.GetAgentByName(ctx, "researcher")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)

	a.Description = "updated"
	require.NoError(t, s.UpdateAgent(ctx, a))

	a, err = s.GetAgent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "updated", a.Description)

	_, err = s.GetAgent(ctx, 99999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAgentValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		agent *Agent
	}{
		{"missing name", &Agent{Provider: "anthropic", MaxTokens: 10}},
		{"missing provider", &Agent{Name: "x", MaxTokens: 10}},
		{"temperature out of range", &Agent{Name: "x", Provider: "p", Temperature: 3.0, MaxTokens: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CreateAgent(ctx, tt.agent)
			var vErr *ValidationError
			assert.ErrorAs(t, err, &vErr)
		})
	}
}

func TestToolSchemaValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	valid := &Tool{
		Name:    "lookup",
		Kind:    ToolInProcess,
		Handler: "lookup_handler",
		InputSchema: JSONMap{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"query"},
		},
		Active: true,
	}
	_, err := s.CreateTool(ctx, valid)
	require.NoError(t, err)

	invalid := &Tool{
		Name:        "broken",
		Kind:        ToolInProcess,
		Handler:     "h",
		InputSchema: JSONMap{"type": "array"},
		Active:      true,
	}
	_, err = s.CreateTool(ctx, invalid)
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)

	// required must reference declared properties
	undeclared := &Tool{
		Name:    "undeclared",
		Kind:    ToolInProcess,
		Handler: "h",
		InputSchema: JSONMap{
			"type":       "object",
			"properties": map[string]interface{}{},
			"required":   []interface{}{"ghost"},
		},
		Active: true,
	}
	_, err = s.CreateTool(ctx, undeclared)
	assert.ErrorAs(t, err, &vErr)
}

func TestToolsForAgentVisibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agentID, err := s.CreateAgent(ctx, testAgent("worker"))
	require.NoError(t, err)

	toolID, err := s.CreateTool(ctx, &Tool{
		Name:    "web_request",
		Kind:    ToolInProcess,
		Handler: "web_request",
		InputSchema: JSONMap{
			"type":       "object",
			"properties": map[string]interface{}{"url": map[string]interface{}{"type": "string"}},
		},
		Active: true,
	})
	require.NoError(t, err)

	_, err = s.BindTool(ctx, agentID, toolID, nil)
	require.NoError(t, err)

	visible, err := s.ToolsForAgent(ctx, agentID)
	require.NoError(t, err)
	require.Len(t, visible, 1)

	// Deactivating the tool hides it without unbinding.
	require.NoError(t, s.SetToolActive(ctx, toolID, false))
	visible, err = s.ToolsForAgent(ctx, agentID)
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func createLinearWorkflow(t *testing.T, s *Store, agentID int64) int64 {
	t.Helper()
	wfID, err := s.CreateWorkflow(context.Background(), &Workflow{
		Name:          "linear",
		TriggerKind:   TriggerManual,
		ExecutionMode: ModeSync,
		InterfaceKind: InterfaceAPI,
		Active:        true,
	}, []*WorkflowStep{
		{StepOrder: 1, Kind: StepAgentExecution, AgentID: &agentID, Name: "first", OutputVariable: "s1"},
		{StepOrder: 2, Kind: StepAgentExecution, AgentID: &agentID, Name: "second", OutputVariable: "s2", DependsOn: Int64List{1}},
	})
	require.NoError(t, err)
	return wfID
}

func TestWorkflowWithSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agentID, err := s.CreateAgent(ctx, testAgent("runner"))
	require.NoError(t, err)

	wfID := createLinearWorkflow(t, s, agentID)

	steps, err := s.GetWorkflowSteps(ctx, wfID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, []int64{1}, []int64(steps[1].DependsOn))
	assert.Equal(t, 300, steps[0].TimeoutSeconds) // defaulted

	// Referenced agent cannot be hard-deleted.
	err = s.DeleteAgent(ctx, agentID)
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agentID, err := s.CreateAgent(ctx, testAgent("runner"))
	require.NoError(t, err)
	wfID := createLinearWorkflow(t, s, agentID)

	exec := &WorkflowExecution{WorkflowID: wfID, Status: ExecutionPending, TriggerData: JSONMap{"k": "v"}}
	_, err = s.CreateWorkflowExecution(ctx, exec)
	require.NoError(t, err)

	require.NoError(t, s.MarkExecutionStarted(ctx, exec.ID))

	// A second start loses the optimistic guard.
	assert.ErrorIs(t, s.MarkExecutionStarted(ctx, exec.ID), ErrConflict)

	require.NoError(t, s.SaveExecutionContext(ctx, exec.ID, JSONMap{"trigger": map[string]interface{}{"k": "v"}}))
	require.NoError(t, s.FinishExecution(ctx, exec.ID, ExecutionCompleted, JSONMap{"done": true}, ""))

	// Terminal rows are immutable.
	assert.ErrorIs(t, s.FinishExecution(ctx, exec.ID, ExecutionFailed, nil, "late"), ErrConflict)

	got, err := s.GetWorkflowExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestApprovalResolutionRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agentID, err := s.CreateAgent(ctx, testAgent("runner"))
	require.NoError(t, err)
	wfID := createLinearWorkflow(t, s, agentID)
	exec := &WorkflowExecution{WorkflowID: wfID}
	_, err = s.CreateWorkflowExecution(ctx, exec)
	require.NoError(t, err)
	steps, err := s.GetWorkflowSteps(ctx, wfID)
	require.NoError(t, err)

	req := &ApprovalRequest{
		ExecutionID:  exec.ID,
		StepID:       steps[0].ID,
		RequiredRole: "manager",
		TimeoutAt:    time.Now().UTC().Add(time.Hour),
	}
	_, err = s.CreateApprovalRequest(ctx, req)
	require.NoError(t, err)

	// A second pending request for the same step is rejected.
	_, err = s.CreateApprovalRequest(ctx, &ApprovalRequest{
		ExecutionID: exec.ID, StepID: steps[0].ID, TimeoutAt: time.Now().Add(time.Hour),
	})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	require.NoError(t, s.ResolveApproval(ctx, req.ID, ApprovalApproved, "alice", "ok"))

	// The losing resolver observes a conflict.
	assert.ErrorIs(t, s.ResolveApproval(ctx, req.ID, ApprovalRejected, "bob", "no"), ErrConflict)

	got, err := s.GetApprovalRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, got.Status)
	assert.Equal(t, "alice", got.ResolvedBy)
	assert.NotNil(t, got.ResolvedAt)
}

func TestExpiredApprovals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agentID, err := s.CreateAgent(ctx, testAgent("runner"))
	require.NoError(t, err)
	wfID := createLinearWorkflow(t, s, agentID)
	exec := &WorkflowExecution{WorkflowID: wfID}
	_, err = s.CreateWorkflowExecution(ctx, exec)
	require.NoError(t, err)
	steps, err := s.GetWorkflowSteps(ctx, wfID)
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	req := &ApprovalRequest{ExecutionID: exec.ID, StepID: steps[0].ID, TimeoutAt: past}
	_, err = s.CreateApprovalRequest(ctx, req)
	require.NoError(t, err)

	expired, err := s.ListExpiredApprovals(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, req.ID, expired[0].ID)
}

func TestScheduleClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agentID, err := s.CreateAgent(ctx, testAgent("runner"))
	require.NoError(t, err)
	wfID := createLinearWorkflow(t, s, agentID)

	now := time.Now().UTC().Truncate(time.Second)
	sched := &WorkflowSchedule{
		WorkflowID:  wfID,
		CronExpr:    "*/1 * * * *",
		Enabled:     true,
		NextRunAt:   now,
		TriggerData: JSONMap{"a": float64(1)},
	}
	_, err = s.CreateSchedule(ctx, sched)
	require.NoError(t, err)

	due, err := s.ListDueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	next := now.Add(time.Minute)
	claimed, err := s.ClaimSchedule(ctx, sched.ID, sched.NextRunAt, now, next)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second claim against the stale next_run_at loses.
	claimed, err = s.ClaimSchedule(ctx, sched.ID, sched.NextRunAt, now, next.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.After(now))
	require.NotNil(t, got.LastRunAt)
}
